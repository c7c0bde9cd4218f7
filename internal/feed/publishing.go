package feed

import (
	"context"
	"log"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/thread"
)

// Publisher sends a change event to subscribers of its subject.
type Publisher interface {
	Publish(ctx context.Context, ev thread.Event) error
}

// Store is a comment store that can also load a single row.
type Store interface {
	thread.Store
	GetComment(ctx context.Context, id string) (thread.Comment, error)
}

// PublishingStore announces every successful write on a Publisher. A failed
// publish is logged and does not fail the write; subscribers recover the
// missed change on their next resync.
type PublishingStore struct {
	store Store
	pub   Publisher
}

func NewPublishingStore(store Store, pub Publisher) *PublishingStore {
	return &PublishingStore{store: store, pub: pub}
}

func (p *PublishingStore) FetchBySubject(ctx context.Context, subjectID string) ([]thread.Comment, error) {
	return p.store.FetchBySubject(ctx, subjectID)
}

func (p *PublishingStore) GetComment(ctx context.Context, id string) (thread.Comment, error) {
	return p.store.GetComment(ctx, id)
}

func (p *PublishingStore) Insert(ctx context.Context, draft thread.Draft) (thread.Comment, error) {
	saved, err := p.store.Insert(ctx, draft)
	if err != nil {
		return thread.Comment{}, err
	}
	p.publish(ctx, thread.Created(saved))
	return saved, nil
}

func (p *PublishingStore) Update(ctx context.Context, id string, patch thread.Patch) (thread.Comment, error) {
	saved, err := p.store.Update(ctx, id, patch)
	if err != nil {
		return thread.Comment{}, err
	}
	p.publish(ctx, thread.Updated(saved))
	return saved, nil
}

func (p *PublishingStore) Delete(ctx context.Context, id string) error {
	existing, err := p.store.GetComment(ctx, id)
	if err != nil {
		return err
	}
	if err := p.store.Delete(ctx, id); err != nil {
		return err
	}
	p.publish(ctx, thread.Deleted(existing.SubjectID, id))
	return nil
}

func (p *PublishingStore) publish(ctx context.Context, ev thread.Event) {
	if p.pub == nil {
		return
	}
	if err := p.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Printf("feed: announce %s %s: %v", ev.Kind, ev.CommentID(), err)
	}
}
