package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	id  string
	val int
}

func newTestStore(maxItems, dedupeCap int) *MemoryStore[*entry] {
	return NewMemoryStore(maxItems, dedupeCap, func(e *entry) string { return e.id })
}

func TestMemoryStoreAddAndDedupe(t *testing.T) {
	s := newTestStore(10, 10)

	assert.True(t, s.Add(&entry{id: "a", val: 1}))
	assert.True(t, s.Add(&entry{id: "b", val: 2}))
	assert.False(t, s.Add(&entry{id: "a", val: 3}), "duplicate key must be rejected")

	items := s.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].id)
	assert.Equal(t, "b", items[1].id)
	assert.True(t, s.Seen("a"))
	assert.False(t, s.Seen("c"))
	assert.False(t, s.Seen(""))
}

func TestMemoryStoreEmptyKeyNeverDeduplicated(t *testing.T) {
	s := newTestStore(10, 10)

	assert.True(t, s.Add(&entry{val: 1}))
	assert.True(t, s.Add(&entry{val: 2}))
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStoreRingOverwritesOldest(t *testing.T) {
	s := newTestStore(3, 10)
	for i, id := range []string{"a", "b", "c", "d"} {
		s.Add(&entry{id: id, val: i})
	}

	items := s.Items()
	require.Len(t, items, 3)
	assert.Equal(t, []string{"b", "c", "d"}, []string{items[0].id, items[1].id, items[2].id})
}

func TestMemoryStoreRecent(t *testing.T) {
	s := newTestStore(5, 10)
	assert.Empty(t, s.Recent(3))

	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		s.Add(&entry{id: id})
	}

	recent := s.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "g", recent[0].id)
	assert.Equal(t, "f", recent[1].id)

	all := s.Recent(0)
	require.Len(t, all, 5)
	assert.Equal(t, "g", all[0].id)
	assert.Equal(t, "c", all[4].id)
}

func TestMemoryStoreFindAndFilter(t *testing.T) {
	s := newTestStore(5, 10)
	for i, id := range []string{"a", "b", "c"} {
		s.Add(&entry{id: id, val: i})
	}

	e, ok := s.Find("b")
	require.True(t, ok)
	assert.Equal(t, 1, e.val)

	_, ok = s.Find("zzz")
	assert.False(t, ok)

	even := s.Filter(func(e *entry) bool { return e.val%2 == 0 })
	assert.Len(t, even, 2)
}
