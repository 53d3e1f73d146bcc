package store

import (
	"context"
	"reflect"
	"sync"
)

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// MemoryStore is a thread-safe, in-memory Store for testing and dry runs.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*MemoryCollection
	closed      bool
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*MemoryCollection)}
}

// Collection returns the named collection, creating it on first use.
func (s *MemoryStore) Collection(name string) Collection {
	return s.collection(name)
}

func (s *MemoryStore) collection(name string) *MemoryCollection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &MemoryCollection{name: name, store: s}
		s.collections[name] = c
	}
	return c
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Driver() string { return DriverMemory }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Snapshot returns copies of every document in the named collection.
func (s *MemoryStore) Snapshot(name string) []Document {
	c := s.collection(name)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Document, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, d.Clone())
	}
	return out
}

// MemoryCollection holds documents in insertion order.
type MemoryCollection struct {
	mu    sync.RWMutex
	name  string
	docs  []Document
	store *MemoryStore
}

func (c *MemoryCollection) Name() string { return c.name }

func (c *MemoryCollection) FindOne(ctx context.Context, filter Filter) (Document, error) {
	docs, err := c.Find(ctx, filter, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (c *MemoryCollection) Find(ctx context.Context, filter Filter, limit, offset int) ([]Document, error) {
	if err := c.store.Ping(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Document
	skipped := 0
	for _, d := range c.docs {
		if !matches(d, filter) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, d.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *MemoryCollection) InsertOne(ctx context.Context, doc Document) error {
	if err := c.store.Ping(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.docs = append(c.docs, doc.Clone())
	c.mu.Unlock()
	return nil
}

func (c *MemoryCollection) InsertIfAbsent(ctx context.Context, keyField string, doc Document) (bool, error) {
	if err := c.store.Ping(ctx); err != nil {
		return false, err
	}
	key, ok := doc[keyField]
	if !ok || key == nil {
		return false, ErrMissingKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.docs {
		if equalValues(d[keyField], key) {
			return false, nil
		}
	}
	c.docs = append(c.docs, doc.Clone())
	return true, nil
}

func (c *MemoryCollection) CountDocuments(ctx context.Context, filter Filter) (int64, error) {
	docs, err := c.Find(ctx, filter, 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func matches(d Document, filter Filter) bool {
	for k, want := range filter {
		got, ok := d[k]
		if !ok {
			if want != nil {
				return false
			}
			continue
		}
		if !equalValues(got, want) {
			return false
		}
	}
	return true
}

// equalValues compares numbers by value regardless of their Go type so that
// an int filter matches a float64 decoded from JSON.
func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
