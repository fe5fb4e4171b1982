package memcache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_GetPut(t *testing.T) {
	c := New(100, 0)
	c.Put("a", []byte("hello"), 5)

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))

	_, ok = c.Get("missing")
	assert.False(t, ok)

	hits, misses, _ := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New(30, 0)
	c.Put("a", make([]byte, 10), 10)
	c.Put("b", make([]byte, 10), 10)
	c.Put("c", make([]byte, 10), 10)

	// Touch a so b becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", make([]byte, 10), 10)

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
	assert.True(t, c.Contains("d"))
	assert.Equal(t, int64(30), c.Size())

	_, _, evictions := c.Stats()
	assert.Equal(t, int64(1), evictions)
}

func TestLRU_InsertionOrderTieBreak(t *testing.T) {
	c := New(1000, 3)
	c.Put("first", nil, 1)
	c.Put("second", nil, 1)
	c.Put("third", nil, 1)
	c.Put("fourth", nil, 1)

	assert.False(t, c.Contains("first"), "oldest untouched entry goes first")
	assert.True(t, c.Contains("second"))
	assert.Equal(t, 3, c.Len())

	c.Put("fifth", nil, 1)
	assert.False(t, c.Contains("second"))
	assert.True(t, c.Contains("third"))
}

func TestLRU_CountBound(t *testing.T) {
	c := New(1<<20, 5)
	for i := 0; i < 50; i++ {
		c.Put(fmt.Sprintf("k%d", i), []byte{byte(i)}, 1)
		assert.LessOrEqual(t, c.Len(), 5)
	}
	for i := 45; i < 50; i++ {
		assert.True(t, c.Contains(fmt.Sprintf("k%d", i)))
	}
}

func TestLRU_OversizedEntry(t *testing.T) {
	c := New(50, 0)
	c.Put("big", make([]byte, 60), 60)
	_, ok := c.Get("big")
	assert.False(t, ok, "entry larger than capacity should not be cached")
	assert.Equal(t, int64(0), c.Size())

	// Replacing an existing entry with an oversized one drops it.
	c.Put("k", make([]byte, 10), 10)
	c.Put("k", make([]byte, 60), 60)
	assert.False(t, c.Contains("k"))
	assert.Equal(t, int64(0), c.Size())
}

func TestLRU_Replace(t *testing.T) {
	c := New(50, 0)
	c.Put("k", []byte("v1"), 10)
	c.Put("other", []byte("o"), 30)
	c.Put("k", []byte("v2"), 20)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", string(got))
	assert.Equal(t, int64(50), c.Size())
	assert.Equal(t, 2, c.Len())

	// Growing k past the budget evicts the other entry, not k.
	c.Put("k", []byte("v3"), 40)
	assert.True(t, c.Contains("k"))
	assert.False(t, c.Contains("other"))
	assert.Equal(t, int64(40), c.Size())
}

func TestLRU_RemoveAndClear(t *testing.T) {
	c := New(100, 0)
	c.Put("a", nil, 10)
	c.Put("b", nil, 10)

	c.Remove("a")
	assert.False(t, c.Contains("a"))
	assert.Equal(t, int64(10), c.Size())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Size())
	_, ok := c.Get("b")
	assert.False(t, ok)
}

func TestLRU_BoundsNeverExceeded(t *testing.T) {
	const maxBytes = 1000
	c := New(maxBytes, 0)
	rng := rand.New(rand.NewSource(1))

	var total int64
	for i := 0; i < 2000; i++ {
		cost := int64(rng.Intn(200) + 1)
		total += cost
		c.Put(fmt.Sprintf("k%d", rng.Intn(300)), nil, cost)
		require.LessOrEqual(t, c.Size(), int64(maxBytes))
	}
	assert.Greater(t, total, int64(maxBytes))
}

func TestLRU_Concurrent(t *testing.T) {
	c := New(64*1024, 100)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				key := fmt.Sprintf("g%d-%d", id, i%50)
				if i%3 == 0 {
					c.Put(key, make([]byte, 128), 128)
				} else {
					c.Get(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), int64(64*1024))
	assert.LessOrEqual(t, c.Len(), 100)
}
