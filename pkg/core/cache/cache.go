package cache

import (
	"sync"
	"time"
)

// Cache 带过期时间的键值缓存接口（对外导出）
type Cache[V any] interface {
	// Set 设置缓存值，ttl<=0 表示不过期
	Set(key string, value V, ttl time.Duration)
	// SetIfAbsent 键不存在（或已过期）时写入，返回已有值和是否已存在
	SetIfAbsent(key string, value V, ttl time.Duration) (V, bool)
	// Get 获取缓存值
	Get(key string) (V, bool)
	// Delete 删除缓存值
	Delete(key string)
	// Len 当前条目数（含尚未清理的过期条目）
	Len() int
	// Close 停止清理协程
	Close()
}

// cacheEntry 缓存条目（内部使用）
type cacheEntry[V any] struct {
	value      V
	expireTime time.Time
}

func (e *cacheEntry[V]) expired(now time.Time) bool {
	return !e.expireTime.IsZero() && now.After(e.expireTime)
}

// MemoryCache 内存缓存实现（对外导出）
type MemoryCache[V any] struct {
	mu    sync.Mutex
	cache map[string]*cacheEntry[V]

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryCache 创建内存缓存，cleanupInterval>0 时启动清理协程定期清理过期条目
func NewMemoryCache[V any](cleanupInterval time.Duration) *MemoryCache[V] {
	c := &MemoryCache[V]{
		cache: make(map[string]*cacheEntry[V]),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanupExpired(cleanupInterval)
	} else {
		close(c.done)
	}
	return c
}

func newEntry[V any](value V, ttl time.Duration) *cacheEntry[V] {
	e := &cacheEntry[V]{value: value}
	if ttl > 0 {
		e.expireTime = time.Now().Add(ttl)
	}
	return e
}

// Set 设置缓存值
func (c *MemoryCache[V]) Set(key string, value V, ttl time.Duration) {
	if key == "" {
		return // 空key，忽略
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = newEntry(value, ttl)
}

// SetIfAbsent 原子地检查并写入
func (c *MemoryCache[V]) SetIfAbsent(key string, value V, ttl time.Duration) (V, bool) {
	var zero V
	if key == "" {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.cache[key]; ok && !entry.expired(time.Now()) {
		return entry.value, true
	}
	c.cache[key] = newEntry(value, ttl)
	return zero, false
}

// Get 获取缓存值，过期条目直接删除
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	var zero V
	if key == "" {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.cache[key]
	if !exists {
		return zero, false
	}
	if entry.expired(time.Now()) {
		delete(c.cache, key)
		return zero, false
	}
	return entry.value, true
}

// Delete 删除缓存值
func (c *MemoryCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, key)
}

// Len 当前条目数
func (c *MemoryCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Close 停止清理协程并等待退出，可重复调用
func (c *MemoryCache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// cleanupExpired 清理过期缓存（内部方法）
func (c *MemoryCache[V]) cleanupExpired(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.cache {
				if entry.expired(now) {
					delete(c.cache, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
