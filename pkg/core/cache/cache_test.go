package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMemoryCache_SetGetDelete(t *testing.T) {
	c := NewMemoryCache[string](0)
	defer c.Close()

	c.Set("k", "v", time.Minute)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	c.Delete("k")
	_, ok = c.Get("k")
	assert.False(t, ok)

	c.Set("", "ignored", 0)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache[int](0)
	defer c.Close()

	c.Set("short", 1, 10*time.Millisecond)
	c.Set("forever", 2, 0)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("short")
	assert.False(t, ok)
	v, ok := c.Get("forever")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestMemoryCache_SetIfAbsentIsAtomic(t *testing.T) {
	c := NewMemoryCache[int](0)
	defer c.Close()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, loaded := c.SetIfAbsent("key", i, time.Minute); !loaded {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())

	// 过期后可以重新写入
	c.Set("old", 1, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, loaded := c.SetIfAbsent("old", 2, time.Minute)
	assert.False(t, loaded)
}

func TestMemoryCache_CleanupStopsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewMemoryCache[string](5 * time.Millisecond)
	c.Set("k", "v", time.Millisecond)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	c.Close()
	c.Close()
}
