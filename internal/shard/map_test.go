package shard

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap_GetOrCreateOnce(t *testing.T) {
	m := New[*int]()
	created := 0
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.GetOrCreate("entity-1", func() *int {
				mu.Lock()
				created++
				mu.Unlock()
				v := 1
				return &v
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, m.Len())
}

func TestMap_RangeAndDelete(t *testing.T) {
	m := New[int]()
	for i := 0; i < 100; i++ {
		m.GetOrCreate(fmt.Sprintf("k%d", i), func() int { return i })
	}
	assert.Equal(t, 100, m.Len())

	sum := 0
	m.Range(func(_ string, v int) bool {
		sum += v
		return true
	})
	assert.Equal(t, 4950, sum)

	m.Delete("k0")
	_, ok := m.Get("k0")
	assert.False(t, ok)

	assert.False(t, m.DeleteIf("k1", func(v int) bool { return v > 10 }))
	assert.True(t, m.DeleteIf("k20", func(v int) bool { return v > 10 }))
	assert.Equal(t, 98, m.Len())
}

func TestMap_RangeStops(t *testing.T) {
	m := New[int]()
	for i := 0; i < 10; i++ {
		m.GetOrCreate(fmt.Sprintf("k%d", i), func() int { return i })
	}
	visited := 0
	m.Range(func(string, int) bool {
		visited++
		return visited < 3
	})
	assert.Equal(t, 3, visited)
}
