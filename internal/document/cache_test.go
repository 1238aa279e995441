package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/manpreetbhatti/pairpad/internal/db"
)

// memStore is an in-memory Store that records every write.
type memStore struct {
	mu       sync.Mutex
	docs     map[string]string
	writes   []string
	gets     int
	failSave error
	failGet  error
}

func newMemStore(docs map[string]string) *memStore {
	if docs == nil {
		docs = make(map[string]string)
	}
	return &memStore{docs: docs}
}

func (m *memStore) GetDocument(_ context.Context, id string) (*db.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.failGet != nil {
		return nil, m.failGet
	}
	content, ok := m.docs[id]
	if !ok {
		return nil, nil
	}
	return &db.Document{ID: id, Content: content}, nil
}

func (m *memStore) UpdateDocumentContent(_ context.Context, id, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	m.docs[id] = content
	m.writes = append(m.writes, content)
	return nil
}

func (m *memStore) content(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[id]
}

func (m *memStore) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

func TestCacheHydratesOnce(t *testing.T) {
	store := newMemStore(map[string]string{"d1": "seed"})
	cache := NewCache(store, time.Second)
	ctx := context.Background()

	s, err := cache.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Content != "seed" {
		t.Errorf("Expected content 'seed', got '%s'", s.Content)
	}
	if s.Version != InitialVersion {
		t.Errorf("Expected version %d, got %d", InitialVersion, s.Version)
	}

	if _, err := cache.Get(ctx, "d1"); err != nil {
		t.Fatalf("Second Get failed: %v", err)
	}
	if store.getCount() != 1 {
		t.Errorf("Expected a single store read, got %d", store.getCount())
	}
}

func TestCacheNotFound(t *testing.T) {
	cache := NewCache(newMemStore(nil), time.Second)

	_, err := cache.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if cache.Cached("missing") {
		t.Error("Missing document must not be cached")
	}
}

func TestCacheHydrationError(t *testing.T) {
	store := newMemStore(nil)
	store.failGet = errors.New("disk on fire")
	cache := NewCache(store, time.Second)

	_, err := cache.Get(context.Background(), "d1")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected a store error, got %v", err)
	}
}

func TestCacheUpdateIncrementsVersionAndPersists(t *testing.T) {
	store := newMemStore(map[string]string{"d1": ""})
	cache := NewCache(store, time.Second)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		v, err := cache.Update(ctx, "d1", fmt.Sprintf("rev-%d", i))
		if err != nil {
			t.Fatalf("Update %d failed: %v", i, err)
		}
		if v != InitialVersion+int64(i) {
			t.Errorf("Expected version %d, got %d", InitialVersion+int64(i), v)
		}
	}

	cache.Flush()

	s, _ := cache.Get(ctx, "d1")
	if s.Content != "rev-5" {
		t.Errorf("Expected cached content 'rev-5', got '%s'", s.Content)
	}
	if got := store.content("d1"); got != "rev-5" {
		t.Errorf("Expected persisted content 'rev-5', got '%s'", got)
	}
}

func TestCachePersistenceFailureKeepsMemoryState(t *testing.T) {
	store := newMemStore(map[string]string{"d1": "old"})
	store.failSave = errors.New("write refused")
	cache := NewCache(store, time.Second)
	ctx := context.Background()

	v, err := cache.Update(ctx, "d1", "new")
	if err != nil {
		t.Fatalf("Update must not surface persistence failures: %v", err)
	}
	cache.Flush()

	s, _ := cache.Get(ctx, "d1")
	if s.Content != "new" || s.Version != v {
		t.Errorf("Expected in-memory state to win, got %+v", s)
	}
	if store.content("d1") != "old" {
		t.Errorf("Durable copy should lag behind, got '%s'", store.content("d1"))
	}
}

func TestCacheEvictRehydrates(t *testing.T) {
	store := newMemStore(map[string]string{"d1": ""})
	cache := NewCache(store, time.Second)
	ctx := context.Background()

	if _, err := cache.Update(ctx, "d1", "saved"); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	cache.Flush()

	cache.Evict("d1")
	if cache.Cached("d1") {
		t.Fatal("Document should be evicted")
	}

	s, err := cache.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("Get after evict failed: %v", err)
	}
	if s.Content != "saved" {
		t.Errorf("Expected rehydrated content 'saved', got '%s'", s.Content)
	}
	if s.Version != InitialVersion {
		t.Errorf("Expected version reset to %d, got %d", InitialVersion, s.Version)
	}
}

func TestCacheEvictUnknownIsNoop(t *testing.T) {
	cache := NewCache(newMemStore(nil), time.Second)
	cache.Evict("nothing")
	if cache.Len() != 0 {
		t.Errorf("Expected empty cache, got %d", cache.Len())
	}
}

func TestCacheConcurrentUpdates(t *testing.T) {
	store := newMemStore(map[string]string{"d1": ""})
	cache := NewCache(store, time.Second)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := cache.Update(ctx, "d1", fmt.Sprintf("w%d", i)); err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}(i)
	}
	wg.Wait()
	cache.Flush()

	s, _ := cache.Get(ctx, "d1")
	if s.Version != InitialVersion+n {
		t.Errorf("Expected version %d, got %d", InitialVersion+n, s.Version)
	}
	if got := store.content("d1"); got != s.Content {
		t.Errorf("Persisted content '%s' should match last committed '%s'", got, s.Content)
	}
}

// slowStore delays writes until release is closed.
type slowStore struct {
	*memStore
	release chan struct{}
}

func (s *slowStore) UpdateDocumentContent(ctx context.Context, id, content string) error {
	<-s.release
	return s.memStore.UpdateDocumentContent(ctx, id, content)
}

func TestCacheRehydrateWaitsForPendingWrite(t *testing.T) {
	store := &slowStore{memStore: newMemStore(map[string]string{"d1": "old"}), release: make(chan struct{})}
	cache := NewCache(store, time.Second)
	ctx := context.Background()

	if _, err := cache.Update(ctx, "d1", "latest"); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	cache.Evict("d1")

	got := make(chan State, 1)
	go func() {
		s, err := cache.Get(ctx, "d1")
		if err != nil {
			t.Errorf("Get failed: %v", err)
		}
		got <- s
	}()

	select {
	case s := <-got:
		t.Fatalf("Rehydration should wait for the pending write, got '%s'", s.Content)
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)

	select {
	case s := <-got:
		if s.Content != "latest" {
			t.Errorf("Expected rehydrated content 'latest', got '%s'", s.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("Rehydration did not complete after write landed")
	}
}

func TestCachePeekDoesNotHydrate(t *testing.T) {
	store := newMemStore(map[string]string{"d1": "x"})
	cache := NewCache(store, time.Second)

	if _, ok := cache.Peek("d1"); ok {
		t.Fatal("Peek should not report an uncached document")
	}
	if store.getCount() != 0 {
		t.Errorf("Peek should not read the store, got %d reads", store.getCount())
	}

	if _, err := cache.Update(context.Background(), "d1", "y"); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	s, ok := cache.Peek("d1")
	if !ok || s.Content != "y" || s.Version != InitialVersion+1 {
		t.Errorf("Unexpected peeked state %+v", s)
	}
	cache.Flush()
}
