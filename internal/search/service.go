package search

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   *logrus.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS, log *logrus.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("meilisearch error, falling back to pgfts")
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.WithError(err).Error("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSource indexes a source (fire-and-forget to Meilisearch).
func (s *Service) IndexSource(rec SourceRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSource(rec); err != nil {
			s.log.WithError(err).WithField("source", rec.ID).Warn("index source")
		}
	}()
}

// IndexNote indexes a note (fire-and-forget to Meilisearch).
func (s *Service) IndexNote(rec NoteRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNote(rec); err != nil {
			s.log.WithError(err).WithField("note", rec.ID).Warn("index note")
		}
	}()
}

// DeleteSource removes a source from the search index (fire-and-forget).
func (s *Service) DeleteSource(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteSource(id); err != nil {
			s.log.WithError(err).WithField("source", id).Warn("delete source from index")
		}
	}()
}

// DeleteNote removes a note from the search index (fire-and-forget).
func (s *Service) DeleteNote(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteNote(id); err != nil {
			s.log.WithError(err).WithField("note", id).Warn("delete note from index")
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch. Called during bootstrap when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	sources, notes, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.WithError(err).Warn("reindex load failed")
		return
	}
	if err := s.meili.IndexSources(sources); err != nil {
		s.log.WithError(err).Warn("reindex sources")
	}
	if err := s.meili.IndexNotes(notes); err != nil {
		s.log.WithError(err).Warn("reindex notes")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
