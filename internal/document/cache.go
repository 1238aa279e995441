// Package document owns the authoritative in-memory state of every open
// document and the single update path that mutates it.
//
// Each cached document carries its own mutex. Every read that is sent to a
// client and every accepted update runs under that mutex, so for one
// document the order of commits, the versions they produce and the order in
// which callbacks observe them are identical. Different documents never
// contend with each other.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manpreetbhatti/pairpad/internal/db"
)

// ErrNotFound is returned when a document is absent from the store on
// hydration.
var ErrNotFound = errors.New("document not found")

// InitialVersion is assigned to a document when it is hydrated.
const InitialVersion int64 = 1

// Store is the persistent collaborator behind the cache.
type Store interface {
	GetDocument(ctx context.Context, id string) (*db.Document, error)
	UpdateDocumentContent(ctx context.Context, id, content string) error
}

// State is a value snapshot of one cached document.
type State struct {
	DocumentID   string
	Content      string
	Version      int64
	LastModified time.Time
}

type entry struct {
	mu      sync.Mutex
	state   State
	evicted atomic.Bool

	// pending holds the newest content not yet handed to the store. A single
	// flusher goroutine per entry drains it so writes land in commit order.
	pending  *string
	flushing atomic.Bool
	idle     chan struct{}
}

// waitIdle blocks until the entry has no write in flight.
func (e *entry) waitIdle(ctx context.Context) error {
	e.mu.Lock()
	if !e.flushing.Load() {
		e.mu.Unlock()
		return nil
	}
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Cache struct {
	store          Store
	persistTimeout time.Duration
	now            func() time.Time

	mu   sync.Mutex
	docs map[string]*entry
	// draining holds evicted entries whose last write has not landed yet,
	// so a rehydration does not read a stale durable copy.
	draining map[string]*entry

	flushes sync.WaitGroup
}

func NewCache(store Store, persistTimeout time.Duration) *Cache {
	if persistTimeout <= 0 {
		persistTimeout = 10 * time.Second
	}
	return &Cache{
		store:          store,
		persistTimeout: persistTimeout,
		now:            time.Now,
		docs:           make(map[string]*entry),
		draining:       make(map[string]*entry),
	}
}

// entry returns the cached entry for id, hydrating it from the store on a
// miss. The store is read without holding the map lock.
func (c *Cache) entry(ctx context.Context, id string) (*entry, error) {
	c.mu.Lock()
	e, ok := c.docs[id]
	old := c.draining[id]
	c.mu.Unlock()
	if ok {
		return e, nil
	}

	if old != nil {
		if err := old.waitIdle(ctx); err != nil {
			return nil, fmt.Errorf("hydrate %s: %w", id, err)
		}
	}

	doc, err := c.store.GetDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", id, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have hydrated the same document meanwhile
	if e, ok := c.docs[id]; ok {
		return e, nil
	}

	e = &entry{state: State{
		DocumentID:   id,
		Content:      doc.Content,
		Version:      InitialVersion,
		LastModified: c.now(),
	}}
	c.docs[id] = e
	slog.Debug("document hydrated", "document", id, "bytes", len(doc.Content))
	return e, nil
}

// lock returns the live entry for id with its mutex held. An entry evicted
// between lookup and lock is discarded and the lookup retried.
func (c *Cache) lock(ctx context.Context, id string) (*entry, error) {
	for {
		e, err := c.entry(ctx, id)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if !e.evicted.Load() {
			return e, nil
		}
		e.mu.Unlock()
	}
}

// Get returns the current state of a document.
func (c *Cache) Get(ctx context.Context, id string) (State, error) {
	var s State
	err := c.Read(ctx, id, func(st State) { s = st })
	return s, err
}

// Read calls fn with the current state while no update to the document
// can interleave.
func (c *Cache) Read(ctx context.Context, id string, fn func(State)) error {
	e, err := c.lock(ctx, id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	fn(e.state)
	return nil
}

// Update replaces the content wholesale and returns the new version.
func (c *Cache) Update(ctx context.Context, id, content string) (int64, error) {
	s, err := c.Commit(ctx, id, content, nil)
	if err != nil {
		return 0, err
	}
	return s.Version, nil
}

// Commit replaces the content, bumps the version and schedules persistence.
// If fn is non-nil it runs with the committed state before any later commit
// to the same document can start.
func (c *Cache) Commit(ctx context.Context, id, content string, fn func(State)) (State, error) {
	e, err := c.lock(ctx, id)
	if err != nil {
		return State{}, err
	}
	defer e.mu.Unlock()

	e.state.Content = content
	e.state.Version++
	e.state.LastModified = c.now()

	c.schedulePersist(e, content)

	if fn != nil {
		fn(e.state)
	}
	return e.state, nil
}

// schedulePersist must be called with e.mu held.
func (c *Cache) schedulePersist(e *entry, content string) {
	e.pending = &content
	if e.flushing.Load() {
		return
	}
	e.flushing.Store(true)
	e.idle = make(chan struct{})
	c.flushes.Add(1)
	go c.flush(e, e.state.DocumentID)
}

func (c *Cache) flush(e *entry, id string) {
	defer c.flushes.Done()

	for {
		e.mu.Lock()
		if e.pending == nil {
			e.flushing.Store(false)
			close(e.idle)
			e.mu.Unlock()

			c.mu.Lock()
			if c.draining[id] == e {
				delete(c.draining, id)
			}
			c.mu.Unlock()
			return
		}
		content := *e.pending
		e.pending = nil
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
		err := c.store.UpdateDocumentContent(ctx, id, content)
		cancel()
		if err != nil {
			// The cache stays authoritative; the durable copy lags.
			slog.Error("persist document failed", "document", id, "err", err)
		}
	}
}

// Evict drops the cached state; the next access hydrates from the store.
// Content not yet persisted is still written by the entry's flusher.
// Evict never waits on a document's mutex, so it is safe to call from
// code that a commit callback may be blocked on.
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	e, ok := c.docs[id]
	if ok {
		delete(c.docs, id)
		e.evicted.Store(true)
		if e.flushing.Load() {
			c.draining[id] = e
		}
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	slog.Debug("document evicted", "document", id)
}

// Peek returns the in-memory state of id without hydrating it.
func (c *Cache) Peek(id string) (State, bool) {
	c.mu.Lock()
	e, ok := c.docs[id]
	c.mu.Unlock()
	if !ok {
		return State{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// Cached reports whether id currently has in-memory state.
func (c *Cache) Cached(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.docs[id]
	return ok
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

// Flush waits for in-flight persistence writes to finish.
func (c *Cache) Flush() {
	c.flushes.Wait()
}
