// Package shard provides a concurrent map split into independently locked
// shards so that unrelated keys never contend on the same mutex.
package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Map is a sharded string-keyed map. Values are usually pointers to
// structures carrying their own mutex; the shard lock only guards membership.
type Map[V any] struct {
	shards [shardCount]*bucket[V]
}

type bucket[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// New creates an empty sharded map
func New[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.shards {
		m.shards[i] = &bucket[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shardFor(key string) *bucket[V] {
	return m.shards[xxhash.Sum64String(key)%shardCount]
}

// Get returns the value stored under key
func (m *Map[V]) Get(key string) (V, bool) {
	b := m.shardFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok
}

// GetOrCreate returns the value under key, creating it with create if absent
func (m *Map[V]) GetOrCreate(key string, create func() V) V {
	b := m.shardFor(key)

	b.mu.RLock()
	v, ok := b.items[key]
	b.mu.RUnlock()
	if ok {
		return v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok = b.items[key]; ok {
		return v
	}
	v = create()
	b.items[key] = v
	return v
}

// Delete removes key
func (m *Map[V]) Delete(key string) {
	b := m.shardFor(key)
	b.mu.Lock()
	delete(b.items, key)
	b.mu.Unlock()
}

// DeleteIf removes key when pred reports true for its current value.
// pred runs under the shard write lock and must not call back into the map.
func (m *Map[V]) DeleteIf(key string, pred func(V) bool) bool {
	b := m.shardFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	if !ok || !pred(v) {
		return false
	}
	delete(b.items, key)
	return true
}

// Range calls fn for every entry. Each shard is copied before fn runs, so fn
// may freely call other Map methods. Iteration stops when fn returns false.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.shards {
		b.mu.RLock()
		keys := make([]string, 0, len(b.items))
		values := make([]V, 0, len(b.items))
		for k, v := range b.items {
			keys = append(keys, k)
			values = append(values, v)
		}
		b.mu.RUnlock()

		for i := range keys {
			if !fn(keys[i], values[i]) {
				return
			}
		}
	}
}

// Len returns the number of entries
func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.shards {
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}
