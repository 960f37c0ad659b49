package search

import (
	"context"
	"net/url"

	"ideaflow/syncd/internal/collection"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Collection string            `json:"collection"`
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Snippet    string            `json:"snippet"`
	Record     collection.Record `json:"record,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	Collection string // empty = all collections
	// Filters narrows hits by field equality, e.g. status=open.
	Filters url.Values
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

const defaultLimit = 20

var (
	titleFields   = []string{"title", "name", "label"}
	snippetFields = []string{"description", "body", "text", "comment", "summary"}
)

func firstField(r collection.Record, fields []string) string {
	for _, f := range fields {
		if s, ok := r[f].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func recordToResult(name string, r collection.Record) Result {
	return Result{
		Collection: name,
		ID:         r.ID(),
		Title:      firstField(r, titleFields),
		Snippet:    firstField(r, snippetFields),
		Record:     r,
	}
}
