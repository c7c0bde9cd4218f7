package thread

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/util"
)

const defaultResyncTimeout = 10 * time.Second

// Cache holds the comments of one subject and the forest built from them,
// and keeps both current as feed events arrive. A cache is owned by whoever
// opened it; Close releases the feed subscription.
type Cache struct {
	subjectID     string
	store         Store
	feed          Feed
	now           func() time.Time
	newID         func() string
	resyncTimeout time.Duration

	mu         sync.Mutex
	comments   []Comment
	tombstones map[string]struct{}
	forest     []*Node
	sub        Subscription
	open       bool
	closed     bool
	gen        uint64
	fetchSeq   uint64
	syncing    int
	pending    []Event
	inflight   map[string]Comment
	version    uint64
	listeners  map[int]*watcher
	nextListen int
}

// NewCache creates a cache for subjectID. feed may be nil, in which case the
// cache only changes through its own writes, Apply and Resync.
func NewCache(subjectID string, store Store, feed Feed) *Cache {
	return &Cache{
		subjectID:     subjectID,
		store:         store,
		feed:          feed,
		now:           time.Now,
		newID:         func() string { return util.NewID("cmt") },
		resyncTimeout: defaultResyncTimeout,
		tombstones:    make(map[string]struct{}),
		forest:        []*Node{},
		inflight:      make(map[string]Comment),
		listeners:     make(map[int]*watcher),
	}
}

// SetResyncTimeout bounds the refetch that follows a feed reconnect.
func (c *Cache) SetResyncTimeout(d time.Duration) {
	if d > 0 {
		c.resyncTimeout = d
	}
}

// SubjectID returns the subject this cache observes.
func (c *Cache) SubjectID() string {
	return c.subjectID
}

// Open subscribes to the feed and loads the subject's comments. Events that
// arrive while the initial load is in flight are replayed on top of it.
func (c *Cache) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = true
	c.closed = false
	c.gen++
	gen := c.gen
	seq := c.beginFetchLocked()
	c.mu.Unlock()

	if c.feed != nil {
		sub, err := c.feed.Subscribe(ctx, c.subjectID,
			func(ev Event) { c.applyFrom(gen, ev) },
			func() { c.reconnected(gen) },
		)
		if err != nil {
			c.mu.Lock()
			if c.gen == gen {
				c.resetLocked()
			}
			c.mu.Unlock()
			return fmt.Errorf("subscribe to %s: %w", c.subjectID, err)
		}
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			_ = sub.Unsubscribe()
			return ErrClosed
		}
		c.sub = sub
		c.mu.Unlock()
	}

	return c.fetch(ctx, gen, seq)
}

// Close drops the feed subscription. Responses to fetches still in flight
// are discarded. Close is safe to call more than once and on a cache that
// was never opened.
func (c *Cache) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	sub := c.sub
	c.resetLocked()
	c.closed = true
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("unsubscribe from %s: %w", c.subjectID, err)
		}
	}
	return nil
}

func (c *Cache) resetLocked() {
	c.open = false
	c.gen++
	c.sub = nil
	c.syncing = 0
	c.pending = nil
	c.inflight = make(map[string]Comment)
}

// Resync refetches every comment of the subject and rebuilds the forest.
func (c *Cache) Resync(ctx context.Context) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrClosed
	}
	gen := c.gen
	seq := c.beginFetchLocked()
	c.mu.Unlock()
	return c.fetch(ctx, gen, seq)
}

func (c *Cache) beginFetchLocked() uint64 {
	c.syncing++
	c.fetchSeq++
	return c.fetchSeq
}

// fetch loads a snapshot and installs it if the cache is still under the
// generation that asked for it and no newer fetch has been started.
func (c *Cache) fetch(ctx context.Context, gen, seq uint64) error {
	rows, fetchErr := c.store.FetchBySubject(ctx, c.subjectID)

	c.mu.Lock()
	if !c.open || c.gen != gen {
		c.mu.Unlock()
		return ErrClosed
	}
	c.syncing--
	if seq != c.fetchSeq {
		if c.syncing == 0 {
			c.pending = nil
		}
		c.mu.Unlock()
		if fetchErr != nil {
			return fmt.Errorf("fetch comments for %s: %w", c.subjectID, fetchErr)
		}
		return nil
	}

	if fetchErr == nil {
		snapshot := make([]Comment, 0, len(rows))
		for _, row := range rows {
			if row.ID == "" || row.SubjectID != c.subjectID {
				continue
			}
			if _, gone := c.tombstones[row.ID]; gone {
				continue
			}
			snapshot = append(snapshot, row)
		}
		c.comments = SortByCreated(snapshot)
		for _, local := range c.inflight {
			c.applyLocked(Created(local))
		}
	}
	for _, ev := range c.pending {
		c.applyLocked(ev)
	}
	if c.syncing == 0 {
		c.pending = nil
	}
	forest, version, listeners := c.rebuildLocked()
	c.mu.Unlock()

	deliver(listeners, version, forest)
	if fetchErr != nil {
		return fmt.Errorf("fetch comments for %s: %w", c.subjectID, fetchErr)
	}
	return nil
}

func (c *Cache) reconnected(gen uint64) {
	c.mu.Lock()
	if !c.open || c.gen != gen {
		c.mu.Unlock()
		return
	}
	seq := c.beginFetchLocked()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.resyncTimeout)
	defer cancel()
	if err := c.fetch(ctx, gen, seq); err != nil && !errors.Is(err, ErrClosed) {
		log.Printf("thread: resync %s after reconnect: %v", c.subjectID, err)
	}
}

// applyFrom applies a feed event unless the subscription that delivered it
// belongs to an earlier generation of this cache.
func (c *Cache) applyFrom(gen uint64, ev Event) {
	c.mu.Lock()
	if !c.open || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.applyAndUnlock(ev)
}

// Apply folds one change event into the cache. Applying the same created or
// updated event twice leaves the same state as applying it once.
// Events that arrive after Close are ignored.
func (c *Cache) Apply(ev Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.applyAndUnlock(ev)
}

func (c *Cache) applyAndUnlock(ev Event) {
	if c.syncing > 0 {
		c.pending = append(c.pending, ev)
	}
	if !c.applyLocked(ev) {
		c.mu.Unlock()
		return
	}
	forest, version, listeners := c.rebuildLocked()
	c.mu.Unlock()
	deliver(listeners, version, forest)
}

func (c *Cache) applyLocked(ev Event) bool {
	switch ev.Kind {
	case EventCreated, EventUpdated:
		if ev.Comment == nil || ev.Comment.ID == "" || ev.Comment.SubjectID != c.subjectID {
			return false
		}
		if _, gone := c.tombstones[ev.Comment.ID]; gone {
			return false
		}
		i := c.indexLocked(ev.Comment.ID)
		if i >= 0 {
			if ev.Kind == EventCreated {
				return false
			}
			c.comments = append(c.comments[:i], c.comments[i+1:]...)
		}
		c.insertLocked(*ev.Comment)
		return true
	case EventDeleted:
		id := ev.CommentID()
		if id == "" {
			return false
		}
		c.tombstones[id] = struct{}{}
		i := c.indexLocked(id)
		if i < 0 {
			return false
		}
		c.comments = append(c.comments[:i], c.comments[i+1:]...)
		return true
	}
	return false
}

func (c *Cache) indexLocked(id string) int {
	for i := range c.comments {
		if c.comments[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Cache) insertLocked(comment Comment) {
	i := sort.Search(len(c.comments), func(i int) bool {
		return createdBefore(comment, c.comments[i])
	})
	c.comments = append(c.comments, Comment{})
	copy(c.comments[i+1:], c.comments[i:])
	c.comments[i] = comment
}

func (c *Cache) rebuildLocked() ([]*Node, uint64, []*watcher) {
	c.forest = Build(c.comments)
	c.version++
	listeners := make([]*watcher, 0, len(c.listeners))
	for _, w := range c.listeners {
		listeners = append(listeners, w)
	}
	return c.forest, c.version, listeners
}

func deliver(listeners []*watcher, version uint64, forest []*Node) {
	for _, w := range listeners {
		w.offer(version, forest)
	}
}

// watcher hands forests to one listener in version order. A forest offered
// while the listener is busy replaces any older one still waiting, and the
// goroutine already running the listener delivers it next.
type watcher struct {
	fn func([]*Node)

	mu       sync.Mutex
	accepted uint64
	next     []*Node
	waiting  bool
	running  bool
	stopped  bool
}

func (w *watcher) offer(version uint64, forest []*Node) {
	w.mu.Lock()
	if w.stopped || version <= w.accepted {
		w.mu.Unlock()
		return
	}
	w.accepted = version
	w.next, w.waiting = forest, true
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	for {
		if !w.waiting || w.stopped {
			w.running = false
			w.next = nil
			w.mu.Unlock()
			return
		}
		forest := w.next
		w.next, w.waiting = nil, false
		w.mu.Unlock()
		w.fn(forest)
		w.mu.Lock()
	}
}

func (w *watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	w.next, w.waiting = nil, false
	w.mu.Unlock()
}

// Forest returns the current reply trees. The result is shared and must not
// be modified.
func (c *Cache) Forest() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forest
}

// Comments returns a copy of the flat comment list in creation order.
func (c *Cache) Comments() []Comment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Comment, len(c.comments))
	copy(out, c.comments)
	return out
}

// Watch registers fn to receive every new forest. The returned func removes
// the registration.
// Forests reach fn in the order the cache produced them; when changes
// outpace fn, intermediate forests are skipped and fn ends on the newest.
func (c *Cache) Watch(fn func([]*Node)) (cancel func()) {
	w := &watcher{fn: fn}
	c.mu.Lock()
	id := c.nextListen
	c.nextListen++
	c.listeners[id] = w
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
		w.stop()
	}
}

// AddComment stores a new top-level comment, or a reply when the draft names
// a parent. The comment is visible in the cache before the store confirms
// it and is removed again if the store rejects it.
func (c *Cache) AddComment(ctx context.Context, draft Draft) (Comment, error) {
	if draft.ParentID != nil && *draft.ParentID != "" {
		return c.AddReply(ctx, *draft.ParentID, draft)
	}
	draft.ParentID = nil
	return c.add(ctx, draft)
}

// AddReply stores a reply to parentID, which must already be in this cache.
func (c *Cache) AddReply(ctx context.Context, parentID string, draft Draft) (Comment, error) {
	c.mu.Lock()
	known := c.indexLocked(parentID) >= 0
	c.mu.Unlock()
	if !known {
		return Comment{}, ErrInvalidParent
	}
	draft.ParentID = &parentID
	return c.add(ctx, draft)
}

func (c *Cache) add(ctx context.Context, draft Draft) (Comment, error) {
	draft.SubjectID = c.subjectID
	if draft.ID == "" {
		draft.ID = c.newID()
	}
	if err := Validate(draft); err != nil {
		return Comment{}, err
	}

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return Comment{}, ErrClosed
	}
	gen := c.gen
	local := draft.Comment(c.now().UTC())
	c.inflight[local.ID] = local
	c.applyLocked(Created(local))
	forest, version, listeners := c.rebuildLocked()
	c.mu.Unlock()
	deliver(listeners, version, forest)

	saved, err := c.store.Insert(ctx, draft)
	if err != nil {
		c.discardOptimistic(gen, draft.ID)
		return Comment{}, err
	}
	c.mu.Lock()
	if !c.open || c.gen != gen {
		c.mu.Unlock()
		return saved, nil
	}
	delete(c.inflight, draft.ID)
	c.applyAndUnlock(Updated(saved))
	return saved, nil
}

func (c *Cache) discardOptimistic(gen uint64, id string) {
	c.mu.Lock()
	if !c.open || c.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.inflight, id)
	kept := c.pending[:0]
	for _, ev := range c.pending {
		if ev.CommentID() != id {
			kept = append(kept, ev)
		}
	}
	c.pending = kept
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	c.comments = append(c.comments[:i], c.comments[i+1:]...)
	forest, version, listeners := c.rebuildLocked()
	c.mu.Unlock()
	deliver(listeners, version, forest)
}

// SetResolved flips the resolved flag locally, persists it, and restores the
// previous value if the store fails.
func (c *Cache) SetResolved(ctx context.Context, id string, resolved bool) (Comment, error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return Comment{}, ErrClosed
	}
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return Comment{}, ErrNotFound
	}
	gen := c.gen
	previous := c.comments[i].Resolved
	c.comments[i].Resolved = resolved
	forest, version, listeners := c.rebuildLocked()
	c.mu.Unlock()
	deliver(listeners, version, forest)

	saved, err := c.store.Update(ctx, id, Patch{Resolved: &resolved})
	if err != nil {
		c.restoreResolved(gen, id, resolved, previous)
		return Comment{}, err
	}
	c.applyFrom(gen, Updated(saved))
	return saved, nil
}

func (c *Cache) restoreResolved(gen uint64, id string, attempted, previous bool) {
	c.mu.Lock()
	if !c.open || c.gen != gen {
		c.mu.Unlock()
		return
	}
	i := c.indexLocked(id)
	if i < 0 || c.comments[i].Resolved != attempted {
		c.mu.Unlock()
		return
	}
	c.comments[i].Resolved = previous
	forest, version, listeners := c.rebuildLocked()
	c.mu.Unlock()
	deliver(listeners, version, forest)
}
