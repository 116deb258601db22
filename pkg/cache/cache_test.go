package cache_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/beer-garden/beer-garden/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	c := cache.New[string]()

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	c.Set("k", "replaced")
	v, _ = c.Get("k")
	assert.Equal(t, "replaced", v)
	assert.Equal(t, 1, c.Len())
}

func TestGetOrLoad(t *testing.T) {
	c := cache.New[int]()
	loads := 0

	v, err := c.GetOrLoad("answer", func() (int, error) {
		loads++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	// Second read is served from the cache.
	v, err = c.GetOrLoad("answer", func() (int, error) {
		loads++
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, loads)
}

func TestGetOrLoadErrorNotCached(t *testing.T) {
	c := cache.New[int]()

	_, err := c.GetOrLoad("k", func() (int, error) {
		return 0, fmt.Errorf("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	v, err := c.GetOrLoad("k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestDeleteAndClear(t *testing.T) {
	c := cache.New[string]()
	c.Set("a", "1")
	c.Set("b", "2")

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestStats(t *testing.T) {
	c := cache.New[string]()
	c.Set("k", "v")

	c.Get("k")
	c.Get("k")
	c.Get("absent")

	hits, misses := c.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestConcurrentAccess(t *testing.T) {
	c := cache.New[int]()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%2)
			for j := 0; j < 100; j++ {
				c.Set(key, j)
				c.Get(key)
				_, _ = c.GetOrLoad(key, func() (int, error) { return j, nil })
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, c.Len())
}
