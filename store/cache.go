package store

import (
	"sync"
	"time"
)

// TTLCache implements federation.Cache[K,V] with a sync.Map and a
// background sweeper, grounded in the pack's in-process AP object cache
// pattern (no third-party cache library appears anywhere in the retrieval
// pack — see DESIGN.md's stdlib justification for this file).
type TTLCache[K comparable, V any] struct {
	entries sync.Map // K -> ttlEntry[V]
	done    chan struct{}
	once    sync.Once
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTLCache starts a background sweep every sweepInterval to evict expired
// entries; call Close to stop it.
func NewTTLCache[K comparable, V any](sweepInterval time.Duration) *TTLCache[K, V] {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	c := &TTLCache[K, V]{done: make(chan struct{})}
	go c.sweepLoop(sweepInterval)
	return c
}

func (c *TTLCache[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.entries.Range(func(key, value any) bool {
				entry := value.(ttlEntry[V])
				if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
					c.entries.Delete(key)
				}
				return true
			})
		}
	}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	raw, ok := c.entries.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	entry := raw.(ttlEntry[V])
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.entries.Delete(key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.entries.Store(key, ttlEntry[V]{value: value, expiresAt: expiresAt})
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.entries.Delete(key)
}

func (c *TTLCache[K, V]) Close() {
	c.once.Do(func() { close(c.done) })
}
