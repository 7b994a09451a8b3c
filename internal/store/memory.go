package store

import (
	"container/ring"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore is a bounded, thread-safe ring of items with LRU key deduplication.
// When the ring is full the oldest item is overwritten.
type MemoryStore[T any] struct {
	mu       sync.RWMutex
	items    *ring.Ring
	dedupe   *lru.Cache[string, bool]
	keyOf    func(T) string
	maxItems int
}

// NewMemoryStore creates a store holding up to maxItems items and remembering
// up to dedupeCap keys
func NewMemoryStore[T any](maxItems, dedupeCap int, keyOf func(T) string) *MemoryStore[T] {
	if maxItems <= 0 {
		maxItems = 1
	}
	if dedupeCap <= 0 {
		dedupeCap = maxItems
	}
	dedupeCache, _ := lru.New[string, bool](dedupeCap)

	return &MemoryStore[T]{
		items:    ring.New(maxItems),
		dedupe:   dedupeCache,
		keyOf:    keyOf,
		maxItems: maxItems,
	}
}

// Add appends item unless its key was seen before. Items with an empty key
// are never deduplicated.
func (s *MemoryStore[T]) Add(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key := s.keyOf(item); key != "" {
		if _, exists := s.dedupe.Get(key); exists {
			return false
		}
		s.dedupe.Add(key, true)
	}

	s.items.Value = item
	s.items = s.items.Next()
	return true
}

// Seen reports whether key was added recently
func (s *MemoryStore[T]) Seen(key string) bool {
	if key == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dedupe.Contains(key)
}

// Items returns all items, oldest first
func (s *MemoryStore[T]) Items() []T {
	return s.Filter(func(T) bool { return true })
}

// Filter returns the items matching keep, oldest first
func (s *MemoryStore[T]) Filter(keep func(T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []T
	s.items.Do(func(value interface{}) {
		if item, ok := value.(T); ok && keep(item) {
			out = append(out, item)
		}
	})
	return out
}

// Recent returns up to limit items, newest first. A limit of zero or less
// returns everything.
func (s *MemoryStore[T]) Recent(limit int) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []T
	for r := s.items.Prev(); len(out) < s.maxItems; r = r.Prev() {
		item, ok := r.Value.(T)
		if !ok {
			break
		}
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Find returns the newest item with the given key
func (s *MemoryStore[T]) Find(key string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var zero T
	for r, i := s.items.Prev(), 0; i < s.maxItems; r, i = r.Prev(), i+1 {
		item, ok := r.Value.(T)
		if !ok {
			break
		}
		if s.keyOf(item) == key {
			return item, true
		}
	}
	return zero, false
}

// Len returns the number of stored items
func (s *MemoryStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	s.items.Do(func(value interface{}) {
		if value != nil {
			count++
		}
	})
	return count
}
