// Package search indexes comment bodies for full-text lookup across subjects.
package search

import (
	"context"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/thread"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	SubjectID   string `json:"subjectId"`
	SubjectType string `json:"subjectType,omitempty"`
	ParentID    string `json:"parentCommentId,omitempty"`
	AuthorName  string `json:"authorName"`
	Snippet     string `json:"snippet"`
	Resolved    bool   `json:"resolved"`
}

// Query describes a search request.
type Query struct {
	Text        string
	SubjectID   string // empty = all subjects
	SubjectType string
	Resolved    *bool // nil = both
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push comments into a search index.
type Indexer interface {
	IndexComment(c CommentRecord) error
	IndexComments(records []CommentRecord) error
	DeleteComment(id string) error
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID          string `json:"id"`
	SubjectID   string `json:"subjectId"`
	SubjectType string `json:"subjectType"`
	ParentID    string `json:"parentCommentId"`
	AuthorName  string `json:"authorName"`
	Body        string `json:"body"`
	Resolved    bool   `json:"resolved"`
	CreatedAt   int64  `json:"createdAt"`
}

// RecordFromComment flattens a comment into its index representation.
func RecordFromComment(c thread.Comment) CommentRecord {
	r := CommentRecord{
		ID:          c.ID,
		SubjectID:   c.SubjectID,
		SubjectType: c.SubjectType,
		AuthorName:  c.AuthorName,
		Body:        c.Body,
		Resolved:    c.Resolved,
		CreatedAt:   c.CreatedAt.Unix(),
	}
	if c.ParentID != nil {
		r.ParentID = *c.ParentID
	}
	return r
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
