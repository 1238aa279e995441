package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLimitExceeded is returned by CheckAndConsume when a connection has used
// up its requests for the current window.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Bucket is the fixed-window counter kept for one connection.
type Bucket struct {
	ConnectionID  string
	Count         int
	WindowResetAt time.Time
}

// BucketStore holds per-connection buckets. Consume must apply the check
// and the increment atomically.
type BucketStore interface {
	Consume(ctx context.Context, connectionID string, limit int, window time.Duration, now time.Time) (Bucket, bool, error)
	Remove(ctx context.Context, connectionID string) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// WindowLimiter caps generation requests per connection within a fixed
// window that resets lazily on the first check after it expires.
type WindowLimiter struct {
	store  BucketStore
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewWindowLimiter(store BucketStore, limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// CheckAndConsume counts one request against the connection's bucket.
func (w *WindowLimiter) CheckAndConsume(ctx context.Context, connectionID string) error {
	bucket, ok, err := w.store.Consume(ctx, connectionID, w.limit, w.window, w.now())
	if err != nil {
		return fmt.Errorf("consume bucket: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %d requests per %v, resets at %s",
			ErrLimitExceeded, w.limit, w.window, bucket.WindowResetAt.Format(time.RFC3339))
	}
	return nil
}

// Remove drops the connection's bucket.
func (w *WindowLimiter) Remove(ctx context.Context, connectionID string) error {
	return w.store.Remove(ctx, connectionID)
}

// Sweep reclaims buckets whose window has expired.
func (w *WindowLimiter) Sweep(ctx context.Context) (int, error) {
	return w.store.Sweep(ctx, w.now())
}

// MemoryStore keeps buckets in process memory.
type MemoryStore struct {
	buckets map[string]*Bucket
	mu      sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*Bucket)}
}

func (m *MemoryStore) Consume(_ context.Context, connectionID string, limit int, window time.Duration, now time.Time) (Bucket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[connectionID]
	if !ok {
		b = &Bucket{ConnectionID: connectionID}
		m.buckets[connectionID] = b
	}
	if !now.Before(b.WindowResetAt) {
		b.Count = 0
		b.WindowResetAt = now.Add(window)
	}

	if b.Count >= limit {
		return *b, false, nil
	}
	b.Count++
	return *b, true, nil
}

func (m *MemoryStore) Remove(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, connectionID)
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, b := range m.buckets {
		if !now.Before(b.WindowResetAt) {
			delete(m.buckets, id)
			removed++
		}
	}
	return removed, nil
}

// Get returns a copy of the connection's bucket.
func (m *MemoryStore) Get(connectionID string) (Bucket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[connectionID]
	if !ok {
		return Bucket{}, false
	}
	return *b, true
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
