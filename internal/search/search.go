package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSource ResultType = "source"
	ResultNote   ResultType = "note"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	NotebookID string     `json:"notebookId"`
	OwnerID    string     `json:"ownerId,omitempty"`
}

// Query describes a search request. OwnerID is the requesting user; note
// hits are restricted to that owner, and the note index is skipped entirely
// for anonymous requests.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterNotebookID string
	OwnerID          string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SourceRecord is the data we index for a source.
type SourceRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	NotebookID string `json:"notebookId"`
}

// NoteRecord is the data we index for a note.
type NoteRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	NotebookID string `json:"notebookId"`
	OwnerID    string `json:"ownerId"`
}
