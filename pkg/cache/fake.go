package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache implementation used in tests. TTLs
// are honored lazily and only for string keys: an expired string is treated
// as absent by Get and SetNX rather than actively swept. Hash, list and set
// keys are never expired.
type MemoryCache struct {
	mu       sync.Mutex
	strings  map[string]entry
	hashes   map[string]map[string]string
	lists    map[string][]string
	sets     map[string]map[string]bool
	expireAt map[string]time.Time
}

type entry struct {
	value string
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		strings:  make(map[string]entry),
		hashes:   make(map[string]map[string]string),
		lists:    make(map[string][]string),
		sets:     make(map[string]map[string]bool),
		expireAt: make(map[string]time.Time),
	}
}

func (c *MemoryCache) expired(key string) bool {
	if at, ok := c.expireAt[key]; ok {
		return time.Now().After(at)
	}
	return false
}

func (c *MemoryCache) setTTL(key string, ttl time.Duration) {
	if ttl <= 0 {
		delete(c.expireAt, key)
		return
	}
	c.expireAt[key] = time.Now().Add(ttl)
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		delete(c.strings, key)
		return "", ErrNotFound
	}
	e, ok := c.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[key] = entry{value: value}
	c.setTTL(key, ttl)
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.strings, key)
	delete(c.hashes, key)
	delete(c.lists, key)
	delete(c.sets, key)
	delete(c.expireAt, key)
	return nil
}

func (c *MemoryCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		delete(c.strings, key)
	}
	if _, ok := c.strings[key]; ok {
		return false, nil
	}
	c.strings[key] = entry{value: value}
	c.setTTL(key, ttl)
	return true, nil
}

func (c *MemoryCache) HGet(ctx context.Context, key, field string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (c *MemoryCache) HSet(ctx context.Context, key, field, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hashes[key] == nil {
		c.hashes[key] = make(map[string]string)
	}
	c.hashes[key][field] = value
	return nil
}

func (c *MemoryCache) HDel(ctx context.Context, key, field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.hashes[key]; ok {
		delete(h, field)
	}
	return nil
}

func (c *MemoryCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string)
	for k, v := range c.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (c *MemoryCache) LPush(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append([]string{value}, c.lists[key]...)
	return nil
}

func (c *MemoryCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.lists[key]
	n := int64(len(list))
	if n == 0 {
		return []string{}, nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (c *MemoryCache) LTrim(ctx context.Context, key string, start, stop int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		c.lists[key] = nil
		return nil
	}
	c.lists[key] = append([]string{}, list[start:stop+1]...)
	return nil
}

func (c *MemoryCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTTL(key, ttl)
	return nil
}

func (c *MemoryCache) SAdd(ctx context.Context, key, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets[key] == nil {
		c.sets[key] = make(map[string]bool)
	}
	c.sets[key][member] = true
	return nil
}

func (c *MemoryCache) SRem(ctx context.Context, key, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sets[key]; ok {
		delete(s, member)
	}
	return nil
}

func (c *MemoryCache) SMembers(ctx context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sets[key]))
	for m := range c.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (c *MemoryCache) Close() error { return nil }
