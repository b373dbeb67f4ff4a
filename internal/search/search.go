// Package search provides full-text search over a document's change history,
// backing the history panel's search box.
package search

// Record is the change event data we index.
type Record struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Field      string `json:"field"`
	Kind       string `json:"kind"`
	AuthorName string `json:"authorName"`
	Summary    string `json:"summary"`
	Excerpt    string `json:"excerpt"`
	CreatedAt  int64  `json:"createdAt"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Field      string `json:"field"`
	Kind       string `json:"kind"`
	AuthorName string `json:"authorName"`
	Summary    string `json:"summary"`
	Snippet    string `json:"snippet"`
}

// Query describes a change-history search request.
type Query struct {
	DocumentID string
	Text       string
	FilterKind string // empty = all kinds
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over the change history.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
