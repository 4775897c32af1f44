// Package search provides full-text task search with Meilisearch as the
// primary engine and PostgreSQL FTS as the fallback.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	BoardID  string `json:"boardId"`
	ColumnID string `json:"columnId"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Priority string `json:"priority"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterBoardID  string
	FilterPriority string
	Limit          int
	Offset         int
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

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID          string   `json:"id"`
	BoardID     string   `json:"boardId"`
	ColumnID    string   `json:"columnId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Tags        []string `json:"tags"`
	IsCompleted bool     `json:"isCompleted"`
}
