package cache

import (
	"sync"
	"time"
)

// TTL 带过期时间的内存缓存。过期项在读取或写入时惰性清理，不启动后台 goroutine。
type TTL[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]item[V]
	defaultTTL time.Duration
	maxItems   int
	now        func() time.Time
}

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// New maxItems <= 0 表示不限制条目数
func New[K comparable, V any](defaultTTL time.Duration, maxItems int) *TTL[K, V] {
	return &TTL[K, V]{
		items:      make(map[K]item[V]),
		defaultTTL: defaultTTL,
		maxItems:   maxItems,
		now:        time.Now,
	}
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(it.expiresAt) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set ttl <= 0 时使用默认 TTL
func (c *TTL[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.items[key]; !exists && c.maxItems > 0 && len(c.items) >= c.maxItems {
		c.evictLocked(now)
	}
	c.items[key] = item[V]{value: value, expiresAt: now.Add(ttl)}
}

func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len 包含尚未清理的过期项
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictLocked 先清过期项；仍然满时淘汰最早过期的一项
func (c *TTL[K, V]) evictLocked(now time.Time) {
	var (
		oldest    K
		oldestExp time.Time
		found     bool
	)
	for k, it := range c.items {
		if !now.Before(it.expiresAt) {
			delete(c.items, k)
			continue
		}
		if !found || it.expiresAt.Before(oldestExp) {
			oldest, oldestExp, found = k, it.expiresAt, true
		}
	}
	if found && len(c.items) >= c.maxItems {
		delete(c.items, oldest)
	}
}
