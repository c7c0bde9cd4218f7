// Package thread turns flat comment rows into reply trees and keeps those
// trees current while a change feed delivers inserts, updates and deletes.
package thread

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("comment not found")
	ErrInvalidParent = errors.New("parent comment not found in subject")
	ErrClosed        = errors.New("thread cache closed")
)

// Subject types a comment can be attached to.
const (
	SubjectRequest  = "request"
	SubjectAsset    = "asset"
	SubjectCampaign = "campaign"
	SubjectAdSet    = "ad_set"
	SubjectCreative = "creative"
)

// Position anchors a comment to a point on an image or video frame.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Comment is a single note attached to a subject. ParentID is nil for
// top-level comments.
type Comment struct {
	ID             string    `json:"id" validate:"required"`
	SubjectID      string    `json:"subject_id" validate:"required"`
	SubjectType    string    `json:"subject_type,omitempty" validate:"omitempty,oneof=request asset campaign ad_set creative"`
	ParentID       *string   `json:"parent_comment_id"`
	AuthorID       string    `json:"author_id"`
	AuthorName     string    `json:"author_display_name"`
	Body           string    `json:"body" validate:"max=10000"`
	Resolved       bool      `json:"resolved"`
	Position       *Position `json:"spatial_position,omitempty"`
	MediaTimestamp *float64  `json:"media_timestamp,omitempty" validate:"omitempty,gte=0"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsRoot reports whether the comment was written as a top-level comment.
func (c Comment) IsRoot() bool {
	return c.ParentID == nil || *c.ParentID == ""
}

// Draft is a comment that has not been stored yet. ID may be preassigned by
// the caller so an optimistic copy and the stored row share an identity.
type Draft struct {
	ID             string    `json:"id,omitempty"`
	SubjectID      string    `json:"subject_id" validate:"required"`
	SubjectType    string    `json:"subject_type,omitempty" validate:"omitempty,oneof=request asset campaign ad_set creative"`
	ParentID       *string   `json:"parent_comment_id,omitempty"`
	AuthorID       string    `json:"author_id" validate:"required"`
	AuthorName     string    `json:"author_display_name"`
	Body           string    `json:"body" validate:"required,max=10000"`
	Position       *Position `json:"spatial_position,omitempty"`
	MediaTimestamp *float64  `json:"media_timestamp,omitempty" validate:"omitempty,gte=0"`
}

// Comment materializes the draft as it would look once stored at now.
func (d Draft) Comment(now time.Time) Comment {
	return Comment{
		ID:             d.ID,
		SubjectID:      d.SubjectID,
		SubjectType:    d.SubjectType,
		ParentID:       d.ParentID,
		AuthorID:       d.AuthorID,
		AuthorName:     d.AuthorName,
		Body:           d.Body,
		Position:       d.Position,
		MediaTimestamp: d.MediaTimestamp,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Patch carries the mutable fields of a comment. Nil fields are left alone.
type Patch struct {
	Body     *string `json:"body,omitempty" validate:"omitempty,min=1,max=10000"`
	Resolved *bool   `json:"resolved,omitempty"`
}

// Store is the durable home of comment rows.
type Store interface {
	FetchBySubject(ctx context.Context, subjectID string) ([]Comment, error)
	Insert(ctx context.Context, draft Draft) (Comment, error)
	Update(ctx context.Context, id string, patch Patch) (Comment, error)
	Delete(ctx context.Context, id string) error
}

// Feed delivers change events for one subject at least once, with no
// ordering guarantee between writers. onReconnect fires after the feed lost
// and regained its connection, when events may have been missed.
type Feed interface {
	Subscribe(ctx context.Context, subjectID string, onEvent func(Event), onReconnect func()) (Subscription, error)
}

// Subscription is a live feed registration. Unsubscribe must be safe to call
// more than once.
type Subscription interface {
	Unsubscribe() error
}
