package thread

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	fetchFn  func(context.Context, string) ([]Comment, error)
	insertFn func(context.Context, Draft) (Comment, error)
	updateFn func(context.Context, string, Patch) (Comment, error)
	deleteFn func(context.Context, string) error

	mu      sync.Mutex
	fetches int
}

func (f *fakeStore) FetchBySubject(ctx context.Context, subjectID string) ([]Comment, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	if f.fetchFn != nil {
		return f.fetchFn(ctx, subjectID)
	}
	return nil, nil
}

func (f *fakeStore) Insert(ctx context.Context, draft Draft) (Comment, error) {
	if f.insertFn != nil {
		return f.insertFn(ctx, draft)
	}
	return draft.Comment(time.Now()), nil
}

func (f *fakeStore) Update(ctx context.Context, id string, patch Patch) (Comment, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, id, patch)
	}
	return Comment{}, ErrNotFound
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeSubscription struct {
	mu          sync.Mutex
	onEvent     func(Event)
	onReconnect func()
	unsubs      int
}

func (s *fakeSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs++
	return nil
}

type fakeFeed struct {
	mu   sync.Mutex
	subs []*fakeSubscription
	err  error
}

func (f *fakeFeed) Subscribe(_ context.Context, _ string, onEvent func(Event), onReconnect func()) (Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscription{onEvent: onEvent, onReconnect: onReconnect}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeFeed) last() *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

func (f *fakeFeed) emit(ev Event) {
	f.last().onEvent(ev)
}

const subject = "asset-1"

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func at(id, parent string, minute int) Comment {
	c := comment(id, parent, "text "+id)
	c.CreatedAt = epoch.Add(time.Duration(minute) * time.Minute)
	c.UpdatedAt = c.CreatedAt
	return c
}

func forestJSON(t *testing.T, forest []*Node) string {
	t.Helper()
	raw, err := json.Marshal(forest)
	if err != nil {
		t.Fatalf("marshal forest: %v", err)
	}
	return string(raw)
}

func openCache(t *testing.T, store *fakeStore, feed *fakeFeed) *Cache {
	t.Helper()
	cache := NewCache(subject, store, feed)
	if err := cache.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestApplyCreatedIsIdempotent(t *testing.T) {
	once := NewCache(subject, &fakeStore{}, nil)
	twice := NewCache(subject, &fakeStore{}, nil)

	ev := Created(at("1", "", 0))
	once.Apply(ev)
	twice.Apply(ev)
	twice.Apply(ev)

	if got := len(twice.Comments()); got != 1 {
		t.Fatalf("got %d comments, want 1", got)
	}
	if forestJSON(t, once.Forest()) != forestJSON(t, twice.Forest()) {
		t.Fatal("redelivered created event changed the forest")
	}
}

func TestApplyUpdatedIsIdempotent(t *testing.T) {
	cache := NewCache(subject, &fakeStore{}, nil)
	cache.Apply(Created(at("1", "", 0)))

	edited := at("1", "", 0)
	edited.Body = "edited"
	cache.Apply(Updated(edited))
	before := forestJSON(t, cache.Forest())
	cache.Apply(Updated(edited))

	if after := forestJSON(t, cache.Forest()); after != before {
		t.Fatalf("second update changed state:\n%s\n%s", before, after)
	}
	if got := cache.Forest()[0].Body; got != "edited" {
		t.Fatalf("body = %q, want edited", got)
	}
}

func TestApplyOrderIndependentAcrossIDs(t *testing.T) {
	cases := []struct {
		name string
		a, b Comment
	}{
		{name: "distinct times", a: at("A", "", 0), b: at("B", "", 1)},
		{name: "same time", a: at("A", "", 0), b: at("B", "", 0)},
		{name: "reply before parent", a: at("A", "", 0), b: at("B", "A", 1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			first := NewCache(subject, &fakeStore{}, nil)
			first.Apply(Created(tc.a))
			first.Apply(Created(tc.b))

			second := NewCache(subject, &fakeStore{}, nil)
			second.Apply(Created(tc.b))
			second.Apply(Created(tc.a))

			if forestJSON(t, first.Forest()) != forestJSON(t, second.Forest()) {
				t.Fatalf("forests differ:\n%s\n%s", forestJSON(t, first.Forest()), forestJSON(t, second.Forest()))
			}
		})
	}
}

func TestApplyDeleteOrphansChildren(t *testing.T) {
	cache := NewCache(subject, &fakeStore{}, nil)
	cache.Apply(Created(at("parent", "", 0)))
	cache.Apply(Created(at("child-1", "parent", 1)))
	cache.Apply(Created(at("child-2", "parent", 2)))
	cache.Apply(Created(at("grandchild", "child-1", 3)))

	if got := ids(cache.Forest()); !equalIDs(got, []string{"parent"}) {
		t.Fatalf("roots before delete = %v", got)
	}

	cache.Apply(Deleted(subject, "parent"))

	forest := cache.Forest()
	if got := ids(forest); !equalIDs(got, []string{"child-1", "child-2"}) {
		t.Fatalf("roots after delete = %v, want [child-1 child-2]", got)
	}
	if got := ids(forest[0].Replies); !equalIDs(got, []string{"grandchild"}) {
		t.Fatalf("child-1 replies = %v", got)
	}
}

func TestApplyUpdatedBeforeCreated(t *testing.T) {
	cache := NewCache(subject, &fakeStore{}, nil)
	edited := at("1", "", 0)
	edited.Body = "edited"

	cache.Apply(Updated(edited))
	cache.Apply(Created(at("1", "", 0)))

	comments := cache.Comments()
	if len(comments) != 1 || comments[0].Body != "edited" {
		t.Fatalf("comments = %+v, want single edited row", comments)
	}
}

func TestApplyDeletedIsNotResurrected(t *testing.T) {
	cache := NewCache(subject, &fakeStore{}, nil)
	cache.Apply(Created(at("1", "", 0)))
	cache.Apply(Deleted(subject, "1"))
	cache.Apply(Created(at("1", "", 0)))
	cache.Apply(Updated(at("1", "", 0)))

	if got := len(cache.Comments()); got != 0 {
		t.Fatalf("got %d comments after redelivery, want 0", got)
	}
}

func TestApplyIgnoresOtherSubjectsAndMalformed(t *testing.T) {
	cache := NewCache(subject, &fakeStore{}, nil)
	other := at("x", "", 0)
	other.SubjectID = "asset-2"

	cache.Apply(Created(other))
	cache.Apply(Event{Kind: EventCreated})
	cache.Apply(Created(Comment{SubjectID: subject}))
	cache.Apply(Event{Kind: "bogus", Comment: &Comment{ID: "y", SubjectID: subject}})

	if got := len(cache.Comments()); got != 0 {
		t.Fatalf("got %d comments, want 0", got)
	}
}

func TestSetResolvedRoundTrip(t *testing.T) {
	rows := map[string]Comment{
		"1": at("1", "", 0),
		"2": at("2", "1", 1),
		"3": at("3", "", 2),
	}
	var mu sync.Mutex
	store := &fakeStore{
		fetchFn: func(context.Context, string) ([]Comment, error) {
			return []Comment{rows["1"], rows["2"], rows["3"]}, nil
		},
		updateFn: func(_ context.Context, id string, patch Patch) (Comment, error) {
			mu.Lock()
			defer mu.Unlock()
			row, ok := rows[id]
			if !ok {
				return Comment{}, ErrNotFound
			}
			if patch.Resolved != nil {
				row.Resolved = *patch.Resolved
			}
			rows[id] = row
			return row, nil
		},
	}
	cache := openCache(t, store, &fakeFeed{})
	before := forestJSON(t, cache.Forest())

	if _, err := cache.SetResolved(context.Background(), "2", true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if n := Find(cache.Forest(), "2"); n == nil || !n.Resolved {
		t.Fatal("expected comment 2 resolved")
	}
	if got := ids(cache.Forest()[0].Replies); !equalIDs(got, []string{"2"}) {
		t.Fatalf("resolving moved comment 2: replies of 1 = %v", got)
	}

	if _, err := cache.SetResolved(context.Background(), "2", false); err != nil {
		t.Fatalf("unresolve: %v", err)
	}
	if after := forestJSON(t, cache.Forest()); after != before {
		t.Fatalf("forest changed after resolve round trip:\n%s\n%s", before, after)
	}
}

func TestSetResolvedRevertsOnFailure(t *testing.T) {
	store := &fakeStore{
		fetchFn: func(context.Context, string) ([]Comment, error) {
			return []Comment{at("1", "", 0)}, nil
		},
		updateFn: func(context.Context, string, Patch) (Comment, error) {
			return Comment{}, errors.New("store unreachable")
		},
	}
	cache := openCache(t, store, &fakeFeed{})

	if _, err := cache.SetResolved(context.Background(), "1", true); err == nil {
		t.Fatal("expected error")
	}
	if cache.Forest()[0].Resolved {
		t.Fatal("resolved flag should be restored after failure")
	}
	if _, err := cache.SetResolved(context.Background(), "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAddCommentIsOptimisticAndDeduplicated(t *testing.T) {
	release := make(chan struct{})
	inserted := make(chan Draft, 1)
	store := &fakeStore{
		insertFn: func(_ context.Context, draft Draft) (Comment, error) {
			inserted <- draft
			<-release
			saved := draft.Comment(epoch.Add(time.Hour))
			return saved, nil
		},
	}
	feed := &fakeFeed{}
	cache := openCache(t, store, feed)

	type result struct {
		c   Comment
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := cache.AddComment(context.Background(), Draft{AuthorID: "u1", AuthorName: "Dana", Body: "looks good"})
		done <- result{c, err}
	}()

	draft := <-inserted
	if draft.ID == "" {
		t.Fatal("expected cache to assign an id before insert")
	}
	if Find(cache.Forest(), draft.ID) == nil {
		t.Fatal("optimistic comment not visible before store confirmed")
	}

	close(release)
	res := <-done
	if res.err != nil {
		t.Fatalf("add: %v", res.err)
	}

	feed.emit(Created(res.c))
	feed.emit(Created(res.c))

	if got := Count(cache.Forest()); got != 1 {
		t.Fatalf("forest holds %d comments, want 1", got)
	}
	if got := cache.Comments()[0].SubjectID; got != subject {
		t.Errorf("subject = %q, want %q", got, subject)
	}
}

func TestAddCommentFailureRemovesOptimisticEntry(t *testing.T) {
	store := &fakeStore{
		insertFn: func(context.Context, Draft) (Comment, error) {
			return Comment{}, errors.New("insert failed")
		},
	}
	cache := openCache(t, store, &fakeFeed{})

	var sizes []int
	cancel := cache.Watch(func(forest []*Node) { sizes = append(sizes, Count(forest)) })
	defer cancel()

	if _, err := cache.AddComment(context.Background(), Draft{AuthorID: "u1", Body: "hi"}); err == nil {
		t.Fatal("expected error")
	}
	if got := len(cache.Comments()); got != 0 {
		t.Fatalf("got %d comments after failed insert, want 0", got)
	}
	if len(sizes) != 2 || sizes[0] != 1 || sizes[1] != 0 {
		t.Fatalf("watch saw sizes %v, want [1 0]", sizes)
	}
}

func TestAddCommentValidation(t *testing.T) {
	cache := openCache(t, &fakeStore{}, &fakeFeed{})

	_, err := cache.AddComment(context.Background(), Draft{AuthorID: "u1", Body: ""})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(cache.Comments()) != 0 {
		t.Fatal("invalid draft should not be inserted")
	}
}

func TestAddReply(t *testing.T) {
	store := &fakeStore{
		fetchFn: func(context.Context, string) ([]Comment, error) {
			return []Comment{at("1", "", 0)}, nil
		},
	}
	cache := openCache(t, store, &fakeFeed{})

	if _, err := cache.AddReply(context.Background(), "nope", Draft{AuthorID: "u1", Body: "hi"}); !errors.Is(err, ErrInvalidParent) {
		t.Fatalf("err = %v, want ErrInvalidParent", err)
	}

	reply, err := cache.AddReply(context.Background(), "1", Draft{AuthorID: "u1", Body: "agreed"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.ParentID == nil || *reply.ParentID != "1" {
		t.Fatalf("parent = %v, want 1", reply.ParentID)
	}
	if got := ids(cache.Forest()[0].Replies); !equalIDs(got, []string{reply.ID}) {
		t.Fatalf("replies = %v", got)
	}
}

func TestMutationsRequireOpenCache(t *testing.T) {
	cache := NewCache(subject, &fakeStore{}, nil)
	if _, err := cache.AddComment(context.Background(), Draft{AuthorID: "u1", Body: "hi"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := cache.Resync(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	never := NewCache(subject, &fakeStore{}, &fakeFeed{})
	if err := never.Close(); err != nil {
		t.Fatalf("close never-opened: %v", err)
	}

	feed := &fakeFeed{}
	cache := NewCache(subject, &fakeStore{}, feed)
	if err := cache.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := cache.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	if got := feed.last().unsubs; got != 1 {
		t.Fatalf("unsubscribed %d times, want 1", got)
	}
}

func TestStaleFetchAfterCloseIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	store := &fakeStore{
		fetchFn: func(context.Context, string) ([]Comment, error) {
			close(started)
			<-release
			return []Comment{at("1", "", 0)}, nil
		},
	}
	cache := NewCache(subject, store, &fakeFeed{})

	errCh := make(chan error, 1)
	go func() { errCh <- cache.Open(context.Background()) }()

	<-started
	if err := cache.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(release)

	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Fatalf("open err = %v, want ErrClosed", err)
	}
	if got := len(cache.Comments()); got != 0 {
		t.Fatalf("torn-down cache was mutated: %d comments", got)
	}
}

func TestEventsFromOldSubscriptionAreIgnored(t *testing.T) {
	feed := &fakeFeed{}
	cache := NewCache(subject, &fakeStore{}, feed)
	ctx := context.Background()

	if err := cache.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	old := feed.last()
	if err := cache.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := cache.Open(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer cache.Close()

	old.onEvent(Created(at("stale", "", 0)))
	if got := len(cache.Comments()); got != 0 {
		t.Fatalf("event from old subscription applied")
	}

	feed.emit(Created(at("fresh", "", 0)))
	if got := len(cache.Comments()); got != 1 {
		t.Fatalf("got %d comments, want 1", got)
	}
}

func TestEventsDuringInitialFetchAreReplayed(t *testing.T) {
	feed := &fakeFeed{}
	store := &fakeStore{
		fetchFn: func(context.Context, string) ([]Comment, error) {
			feed.emit(Created(at("late", "", 5)))
			return []Comment{at("early", "", 0)}, nil
		},
	}
	cache := openCache(t, store, feed)

	if got := ids(cache.Forest()); !equalIDs(got, []string{"early", "late"}) {
		t.Fatalf("roots = %v, want [early late]", got)
	}
}

func TestReconnectResyncs(t *testing.T) {
	var mu sync.Mutex
	rows := []Comment{at("1", "", 0)}
	store := &fakeStore{
		fetchFn: func(context.Context, string) ([]Comment, error) {
			mu.Lock()
			defer mu.Unlock()
			return append([]Comment(nil), rows...), nil
		},
	}
	feed := &fakeFeed{}
	cache := openCache(t, store, feed)

	mu.Lock()
	rows = append(rows, at("2", "1", 1), at("3", "", 2))
	mu.Unlock()

	feed.last().onReconnect()

	if got := store.fetchCount(); got != 2 {
		t.Fatalf("fetched %d times, want 2", got)
	}
	if got := Count(cache.Forest()); got != 3 {
		t.Fatalf("forest holds %d comments after resync, want 3", got)
	}
}

func TestFailedResyncKeepsLastState(t *testing.T) {
	fail := false
	store := &fakeStore{
		fetchFn: func(context.Context, string) ([]Comment, error) {
			if fail {
				return nil, errors.New("store unreachable")
			}
			return []Comment{at("1", "", 0)}, nil
		},
	}
	feed := &fakeFeed{}
	cache := openCache(t, store, feed)

	fail = true
	feed.last().onReconnect()
	if err := cache.Resync(context.Background()); err == nil {
		t.Fatal("expected resync error")
	}
	if got := Count(cache.Forest()); got != 1 {
		t.Fatalf("forest holds %d comments, want stale 1", got)
	}
}

func TestOpenSubscribeFailure(t *testing.T) {
	cache := NewCache(subject, &fakeStore{}, &fakeFeed{err: errors.New("redis down")})
	if err := cache.Open(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("close after failed open: %v", err)
	}
}

func TestWatchCancel(t *testing.T) {
	cache := NewCache(subject, &fakeStore{}, nil)
	calls := 0
	cancel := cache.Watch(func([]*Node) { calls++ })

	cache.Apply(Created(at("1", "", 0)))
	cancel()
	cache.Apply(Created(at("2", "", 1)))

	if calls != 1 {
		t.Fatalf("listener called %d times, want 1", calls)
	}
}

func TestWatchEndsOnNewestForestWhenChangesOverlap(t *testing.T) {
	cache := NewCache(subject, &fakeStore{}, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		calls int
		last  int
	)
	cancel := cache.Watch(func(forest []*Node) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
		mu.Lock()
		last = len(forest)
		mu.Unlock()
	})
	defer cancel()

	done := make(chan struct{})
	go func() {
		cache.Apply(Created(at("a", "", 0)))
		close(done)
	}()
	<-entered

	cache.Apply(Created(at("b", "", 1)))
	close(release)
	<-done

	if got := len(cache.Forest()); got != 2 {
		t.Fatalf("cache forest has %d roots, want 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if last != 2 {
		t.Fatalf("listener ended on a forest with %d roots, want 2", last)
	}
	if calls != 2 {
		t.Fatalf("listener called %d times, want 2", calls)
	}
}

func TestResyncKeepsInFlightComment(t *testing.T) {
	inserted := make(chan Draft, 1)
	release := make(chan struct{})
	store := &fakeStore{
		insertFn: func(_ context.Context, draft Draft) (Comment, error) {
			inserted <- draft
			<-release
			return draft.Comment(epoch.Add(time.Hour)), nil
		},
	}
	cache := openCache(t, store, &fakeFeed{})

	done := make(chan error, 1)
	go func() {
		_, err := cache.AddComment(context.Background(), Draft{AuthorID: "u1", Body: "still saving"})
		done <- err
	}()
	draft := <-inserted

	if err := cache.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if Find(cache.Forest(), draft.ID) == nil {
		t.Fatal("resync dropped the comment that is still being saved")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := len(cache.Comments()); got != 1 {
		t.Fatalf("got %d comments, want 1", got)
	}

	// Once saved, the comment is no longer carried over a snapshot that
	// does not contain it.
	if err := cache.Resync(context.Background()); err != nil {
		t.Fatalf("second resync: %v", err)
	}
	if got := len(cache.Comments()); got != 0 {
		t.Fatalf("got %d comments after resync with an empty store, want 0", got)
	}
}

func TestApplyAfterCloseIsIgnored(t *testing.T) {
	cache := NewCache(subject, &fakeStore{}, &fakeFeed{})
	if err := cache.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	cache.Apply(Created(at("1", "", 0)))
	if got := len(cache.Comments()); got != 0 {
		t.Fatalf("closed cache holds %d comments, want 0", got)
	}
}
