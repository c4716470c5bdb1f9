// inlinecomplete/completion_cache_test.go
package inlinecomplete

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(text string) CacheEntry {
	return CacheEntry{Completion: text, CreatedAt: time.Unix(1700000000, 0)}
}

func TestCompletionCache_GetSetHas(t *testing.T) {
	c := NewCompletionCache(3)

	_, ok := c.Get("missing")
	assert.False(t, ok)
	assert.False(t, c.Has("missing"))

	c.Set("a", entry("alpha"))
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", got.Completion)
	assert.True(t, c.Has("a"))

	c.Set("a", entry("alpha2"))
	got, _ = c.Get("a")
	assert.Equal(t, "alpha2", got.Completion, "overwrite replaces the value")
	assert.Equal(t, 1, c.Len())

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 3, stats.Capacity)
}

func TestCompletionCache_MissHasNoSideEffects(t *testing.T) {
	c := NewCompletionCache(2)
	c.Set("a", entry("1"))
	before, _ := c.accessTime("a")
	c.Get("nope")
	c.Has("a")
	after, _ := c.accessTime("a")
	assert.Equal(t, before, after)
}

func TestCompletionCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCompletionCache(3)
	c.Set("a", entry("1"))
	c.Set("b", entry("2"))
	c.Set("c", entry("3"))

	// Touch a, so b holds the smallest counter.
	_, _ = c.Get("a")
	c.Set("d", entry("4"))

	assert.False(t, c.Has("b"), "b should be evicted")
	for _, k := range []string{"a", "c", "d"} {
		assert.True(t, c.Has(k), "%s should remain", k)
	}
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCompletionCache_OverwriteRefreshesRecency(t *testing.T) {
	c := NewCompletionCache(2)
	c.Set("a", entry("1"))
	c.Set("b", entry("2"))
	c.Set("a", entry("1b"))
	c.Set("c", entry("3"))

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))
}

func TestCompletionCache_SizeNeverExceedsCapacity(t *testing.T) {
	for _, capacity := range []int{1, 2, 5, 17} {
		t.Run(fmt.Sprintf("capacity_%d", capacity), func(t *testing.T) {
			c := NewCompletionCache(capacity)
			for i := 0; i < capacity*4; i++ {
				// Record which key holds the minimum counter right before the insert.
				var victim string
				var oldest uint64
				if c.Len() == capacity {
					for j := 0; j < i; j++ {
						k := fmt.Sprintf("k%d", j)
						if a, ok := c.accessTime(k); ok && (victim == "" || a < oldest) {
							victim, oldest = k, a
						}
					}
				}
				if i%3 == 0 && i > 0 {
					_, _ = c.Get(fmt.Sprintf("k%d", i-1))
				}
				c.Set(fmt.Sprintf("k%d", i), entry("v"))
				require.LessOrEqual(t, c.Len(), capacity)
				if victim != "" && i%3 != 0 {
					assert.False(t, c.Has(victim), "expected %s to be evicted at insert %d", victim, i)
				}
			}
		})
	}
}

func TestCompletionCache_ClearResetsClock(t *testing.T) {
	c := NewCompletionCache(4)
	c.Set("a", entry("1"))
	c.Set("b", entry("2"))
	_, _ = c.Get("a")

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Has("a"))

	c.Set("z", entry("26"))
	access, ok := c.accessTime("z")
	require.True(t, ok)
	assert.Equal(t, uint64(1), access, "clock restarts after Clear")
}

func TestCompletionCache_Delete(t *testing.T) {
	c := NewCompletionCache(2)
	c.Set("a", entry("1"))
	c.Set("b", entry("2"))
	c.Delete("a")
	c.Delete("missing")
	assert.Equal(t, 1, c.Len())

	// Freed slot is reused without eviction.
	c.Set("c", entry("3"))
	assert.True(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestCompletionCache_MinimumCapacity(t *testing.T) {
	c := NewCompletionCache(0)
	assert.Equal(t, 1, c.Capacity())
	c.Set("a", entry("1"))
	c.Set("b", entry("2"))
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Has("b"))
}

func TestCompletionCache_Concurrent(t *testing.T) {
	c := NewCompletionCache(8)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("w%d-%d", w, i%16)
				c.Set(key, entry(key))
				c.Get(key)
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 8)
}
