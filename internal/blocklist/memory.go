package blocklist

import (
	"context"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore keeps blocks in a bounded LRU. When full, the least recently
// touched block is forgotten.
type MemoryStore struct {
	entries *lru.Cache[string, Entry]
	now     func() time.Time
}

// NewMemoryStore creates a store holding at most capacity blocks
func NewMemoryStore(capacity int, now func() time.Time) (*MemoryStore, error) {
	if now == nil {
		now = time.Now
	}
	cache, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocklist cache: %w", err)
	}
	return &MemoryStore{entries: cache, now: now}, nil
}

func (m *MemoryStore) Block(ctx context.Context, ip, reason string, ttl time.Duration) error {
	_, _, err := m.apply(ctx, ip, reason, ttl)
	return err
}

func (m *MemoryStore) apply(_ context.Context, ip, reason string, ttl time.Duration) (Entry, bool, error) {
	norm, err := normalizeIP(ip)
	if err != nil {
		return Entry{}, false, err
	}
	now := m.now().UTC()
	e := newEntry(norm, reason, ttl, now)
	// An existing permanent block is never downgraded to a temporary one
	if prev, ok := m.entries.Peek(norm); ok && prev.Permanent() && !e.Permanent() {
		return prev, false, nil
	}
	m.entries.Add(norm, e)
	return e, true, nil
}

func (m *MemoryStore) Unblock(_ context.Context, ip string) error {
	norm, err := normalizeIP(ip)
	if err != nil {
		return err
	}
	m.entries.Remove(norm)
	return nil
}

func (m *MemoryStore) IsBlocked(_ context.Context, ip string) (bool, error) {
	norm, err := normalizeIP(ip)
	if err != nil {
		return false, err
	}
	e, ok := m.entries.Get(norm)
	if !ok {
		return false, nil
	}
	if e.expired(m.now()) {
		m.entries.Remove(norm)
		return false, nil
	}
	return true, nil
}

// List returns the active blocks ordered by block time, newest first
func (m *MemoryStore) List(_ context.Context) ([]Entry, error) {
	now := m.now()
	var out []Entry
	for _, k := range m.entries.Keys() {
		e, ok := m.entries.Peek(k)
		if !ok || e.expired(now) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].IP < out[j].IP
		}
		return out[i].BlockedAt.After(out[j].BlockedAt)
	})
	return out, nil
}
