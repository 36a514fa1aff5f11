package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across sources and notes using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultSource {
		where := "s.fts @@ " + tsQuery
		if q.FilterNotebookID != "" {
			where += fmt.Sprintf(" AND s.notebook_id = $%d", argN)
			args = append(args, q.FilterNotebookID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'source'::text AS type, s.id::text, s.title,
				ts_headline('english', coalesce(s.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.notebook_id::text, ''::text AS owner_id,
				ts_rank(s.fts, %s) AS rank
			FROM sources s
			WHERE %s`, tsQuery, tsQuery, where))
	}

	// Notes are private: only the requesting owner's notes are searched.
	if (q.FilterType == "" || q.FilterType == ResultNote) && q.OwnerID != "" {
		where := fmt.Sprintf("n.fts @@ %s AND n.owner_id = $%d", tsQuery, argN)
		args = append(args, q.OwnerID)
		argN++
		if q.FilterNotebookID != "" {
			where += fmt.Sprintf(" AND n.notebook_id = $%d", argN)
			args = append(args, q.FilterNotebookID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'note'::text AS type, n.id::text, n.title,
				ts_headline('english', coalesce(n.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				coalesce(n.notebook_id::text, ''), n.owner_id::text,
				ts_rank(n.fts, %s) AS rank
			FROM notes n
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	var total int
	if err := p.db.QueryRow(countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("fts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, notebook_id, owner_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	rows, err := p.db.Query(dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.NotebookID, &r.OwnerID); err != nil {
			return nil, 0, err
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords reads every source and note for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SourceRecord, []NoteRecord, error) {
	srcRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, coalesce(content, ''), type, notebook_id FROM sources`)
	if err != nil {
		return nil, nil, fmt.Errorf("load sources: %w", err)
	}
	defer srcRows.Close()

	var sources []SourceRecord
	for srcRows.Next() {
		var rec SourceRecord
		if err := srcRows.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.Type, &rec.NotebookID); err != nil {
			return nil, nil, err
		}
		sources = append(sources, rec)
	}
	if err := srcRows.Err(); err != nil {
		return nil, nil, err
	}

	noteRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, coalesce(content, ''), coalesce(notebook_id::text, ''), owner_id FROM notes`)
	if err != nil {
		return nil, nil, fmt.Errorf("load notes: %w", err)
	}
	defer noteRows.Close()

	var notes []NoteRecord
	for noteRows.Next() {
		var rec NoteRecord
		if err := noteRows.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.NotebookID, &rec.OwnerID); err != nil {
			return nil, nil, err
		}
		notes = append(notes, rec)
	}
	return sources, notes, noteRows.Err()
}
