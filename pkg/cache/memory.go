package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// defaultTTL bounds entries stored without an explicit expiration.
const defaultTTL = 7 * 24 * time.Hour

type memoryEntry struct {
	key      string
	value    interface{}
	expireAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.After(e.expireAt)
}

// MemoryCache is the in-process tier: a bounded LRU with per-entry TTLs and
// a background sweep for expired entries.
type MemoryCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	max     int
	sweeper *time.Ticker
	done    chan struct{}
}

// NewMemoryCache creates the in-process cache tier.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{
		MaxEntries:      1000,
		CleanupInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	mc := &MemoryCache{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		max:     cfg.MaxEntries,
		sweeper: time.NewTicker(cfg.CleanupInterval),
		done:    make(chan struct{}),
	}
	go mc.sweep()
	return mc
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := time.Now()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if el, ok := mc.items[key]; ok {
		ent := el.Value.(*memoryEntry)
		ent.value = value
		ent.expireAt = now.Add(ttl)
		mc.order.MoveToFront(el)
		return nil
	}

	for len(mc.items) >= mc.max {
		mc.evictOldest()
	}
	el := mc.order.PushFront(&memoryEntry{key: key, value: value, expireAt: now.Add(ttl)})
	mc.items[key] = el
	return nil
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	el, ok := mc.items[key]
	if !ok {
		mc.mu.Unlock()
		return ErrCacheMiss
	}
	ent := el.Value.(*memoryEntry)
	if ent.expired(time.Now()) {
		mc.removeLocked(el)
		mc.mu.Unlock()
		return ErrCacheMiss
	}
	mc.order.MoveToFront(el)
	value := ent.value
	mc.mu.Unlock()

	return assign(value, dest)
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, key := range keys {
		if el, ok := mc.items[key]; ok {
			mc.removeLocked(el)
		}
	}
	return nil
}

// DeleteByPattern supports the trailing-glob patterns BuildPattern produces;
// anything else falls back to an exact match.
func (mc *MemoryCache) DeleteByPattern(_ context.Context, pattern string) error {
	prefix, glob := strings.CutSuffix(pattern, "*")

	mc.mu.Lock()
	defer mc.mu.Unlock()
	for key, el := range mc.items {
		if (glob && strings.HasPrefix(key, prefix)) || key == pattern {
			mc.removeLocked(el)
		}
	}
	return nil
}

func (mc *MemoryCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	mc.mu.Lock()
	if el, ok := mc.items[key]; ok && !el.Value.(*memoryEntry).expired(time.Now()) {
		mc.mu.Unlock()
		return false, nil
	}
	mc.mu.Unlock()
	return true, mc.Set(ctx, key, "locked", ttl)
}

func (mc *MemoryCache) Unlock(ctx context.Context, key string) error {
	return mc.Delete(ctx, key)
}

// Close stops the background sweep.
func (mc *MemoryCache) Close() error {
	mc.sweeper.Stop()
	close(mc.done)
	return nil
}

func (mc *MemoryCache) sweep() {
	for {
		select {
		case <-mc.done:
			return
		case <-mc.sweeper.C:
			now := time.Now()
			mc.mu.Lock()
			for el := mc.order.Back(); el != nil; {
				prev := el.Prev()
				if el.Value.(*memoryEntry).expired(now) {
					mc.removeLocked(el)
				}
				el = prev
			}
			mc.mu.Unlock()
		}
	}
}

func (mc *MemoryCache) evictOldest() {
	if el := mc.order.Back(); el != nil {
		mc.removeLocked(el)
	}
}

func (mc *MemoryCache) removeLocked(el *list.Element) {
	ent := mc.order.Remove(el).(*memoryEntry)
	delete(mc.items, ent.key)
}

// assign copies a stored value into dest: strings pass through, everything
// else takes the JSON round trip.
func assign(value, dest interface{}) error {
	switch d := dest.(type) {
	case *string:
		if s, ok := value.(string); ok {
			*d = s
			return nil
		}
	case *interface{}:
		*d = value
		return nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}
