package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/sirupsen/logrus"
)

const (
	idxSources = "lorebook_sources"
	idxNotes   = "lorebook_notes"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *logrus.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The health
// loop keeps retrying, so a cold Meilisearch at startup is not fatal.
func NewMeili(url, apiKey string, log *logrus.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    log,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.WithError(err).WithField("url", url).Warn("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxSources,
			filterable: []string{"notebookId", "type"},
			searchable: []string{"title", "content"},
		},
		{
			uid:        idxNotes,
			filterable: []string{"notebookId", "ownerId"},
			searchable: []string{"title", "content"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			m.log.WithError(err).WithField("index", idx.uid).Debug("create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.log.WithError(err).WithField("index", idx.uid).Warn("update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.WithError(err).WithField("index", idx.uid).Warn("update searchable attributes")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the source and note indexes and merges results. Note hits
// are always filtered to the requesting owner.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targets := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxSources, ResultSource},
		{idxNotes, ResultNote},
	}

	for _, target := range targets {
		if q.FilterType != "" && q.FilterType != target.rtyp {
			continue
		}
		if target.rtyp == ResultNote && q.OwnerID == "" {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              target.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}

		var filters []string
		if q.FilterNotebookID != "" {
			filters = append(filters, fmt.Sprintf("notebookId = %q", q.FilterNotebookID))
		}
		if target.rtyp == ResultNote {
			filters = append(filters, fmt.Sprintf("ownerId = %q", q.OwnerID))
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := ResultSource
		if sr.IndexUID == idxNotes {
			rtyp = ResultNote
		}
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	return Result{
		Type:       rtyp,
		ID:         decodeString(hit, "id"),
		Title:      firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet:    firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content")),
		NotebookID: decodeString(hit, "notebookId"),
		OwnerID:    decodeString(hit, "ownerId"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexSource adds or updates a source in the search index.
func (m *Meili) IndexSource(rec SourceRecord) error {
	_, err := m.client.Index(idxSources).AddDocuments([]SourceRecord{rec}, nil)
	return err
}

// IndexNote adds or updates a note in the search index.
func (m *Meili) IndexNote(rec NoteRecord) error {
	_, err := m.client.Index(idxNotes).AddDocuments([]NoteRecord{rec}, nil)
	return err
}

// DeleteSource removes a source from the search index.
func (m *Meili) DeleteSource(id string) error {
	_, err := m.client.Index(idxSources).DeleteDocument(id, nil)
	return err
}

// DeleteNote removes a note from the search index.
func (m *Meili) DeleteNote(id string) error {
	_, err := m.client.Index(idxNotes).DeleteDocument(id, nil)
	return err
}

// IndexSources bulk-indexes sources.
func (m *Meili) IndexSources(records []SourceRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSources).AddDocuments(records, nil)
	return err
}

// IndexNotes bulk-indexes notes.
func (m *Meili) IndexNotes(records []NoteRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxNotes).AddDocuments(records, nil)
	return err
}
