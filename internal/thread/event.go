package thread

// EventKind tags a change feed event.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event is one change to a comment row. Created and updated events carry the
// full row; deleted events carry only the id.
type Event struct {
	Kind      EventKind `json:"kind"`
	SubjectID string    `json:"subject_id"`
	ID        string    `json:"id"`
	Comment   *Comment  `json:"comment,omitempty"`
}

func Created(c Comment) Event {
	return Event{Kind: EventCreated, SubjectID: c.SubjectID, ID: c.ID, Comment: &c}
}

func Updated(c Comment) Event {
	return Event{Kind: EventUpdated, SubjectID: c.SubjectID, ID: c.ID, Comment: &c}
}

func Deleted(subjectID, id string) Event {
	return Event{Kind: EventDeleted, SubjectID: subjectID, ID: id}
}

// CommentID returns the id the event refers to.
func (e Event) CommentID() string {
	if e.Comment != nil && e.Comment.ID != "" {
		return e.Comment.ID
	}
	return e.ID
}
