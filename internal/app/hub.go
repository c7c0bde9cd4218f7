package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/thread"
)

// Hub shares one live thread cache per subject between every watcher of that
// subject. Caches are opened on first Acquire and closed when the last holder
// releases them.
type Hub struct {
	newCache    func(subjectID string) *thread.Cache
	openTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*hubEntry
}

type hubEntry struct {
	cache *thread.Cache
	refs  int
	ready chan struct{}
	err   error
}

const defaultOpenTimeout = 15 * time.Second

func NewHub(newCache func(subjectID string) *thread.Cache) *Hub {
	return &Hub{newCache: newCache, openTimeout: defaultOpenTimeout, entries: make(map[string]*hubEntry)}
}

// Acquire returns the open cache for subjectID, opening it if needed. Every
// successful Acquire must be paired with a Release.
func (h *Hub) Acquire(ctx context.Context, subjectID string) (*thread.Cache, error) {
	h.mu.Lock()
	if e, ok := h.entries[subjectID]; ok {
		e.refs++
		h.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			h.drop(subjectID, e)
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.cache, nil
	}
	e := &hubEntry{cache: h.newCache(subjectID), refs: 1, ready: make(chan struct{})}
	h.entries[subjectID] = e
	h.mu.Unlock()

	// The cache outlives the request that opened it.
	openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.openTimeout)
	e.err = e.cache.Open(openCtx)
	cancel()
	if e.err != nil {
		h.mu.Lock()
		if h.entries[subjectID] == e {
			delete(h.entries, subjectID)
		}
		h.mu.Unlock()
		_ = e.cache.Close()
		log.Printf("hub: open cache for %s: %v", subjectID, e.err)
	}
	close(e.ready)
	if e.err != nil {
		return nil, e.err
	}
	if err := ctx.Err(); err != nil {
		h.drop(subjectID, e)
		return nil, err
	}
	return e.cache, nil
}

// Release drops one reference to the subject's cache.
func (h *Hub) Release(subjectID string) {
	h.mu.Lock()
	e := h.entries[subjectID]
	h.mu.Unlock()
	if e != nil {
		h.drop(subjectID, e)
	}
}

func (h *Hub) drop(subjectID string, e *hubEntry) {
	h.mu.Lock()
	if h.entries[subjectID] != e {
		h.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.entries, subjectID)
	h.mu.Unlock()

	<-e.ready
	if e.err == nil {
		_ = e.cache.Close()
	}
}

// Peek returns the subject's cache if one is open and loaded, without taking
// a reference.
func (h *Hub) Peek(subjectID string) *thread.Cache {
	h.mu.Lock()
	e, ok := h.entries[subjectID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-e.ready:
		if e.err != nil {
			return nil
		}
		return e.cache
	default:
		return nil
	}
}

// Open reports how many subjects currently have a live cache.
func (h *Hub) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Close shuts every cache regardless of outstanding references.
func (h *Hub) Close() {
	h.mu.Lock()
	entries := h.entries
	h.entries = make(map[string]*hubEntry)
	h.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.err == nil {
			_ = e.cache.Close()
		}
	}
}
