package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache used in tests and as a degraded-mode
// fallback when no cache URL is configured. Expired entries are evicted
// lazily on access; there is no background sweeper.
type MemoryCache struct {
	mu   sync.Mutex
	vals map[string]memEntry
	sets map[string]memSet
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiration
}

type memSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		vals: make(map[string]memEntry),
		sets: make(map[string]memSet),
	}
}

func expired(at time.Time) bool {
	return !at.IsZero() && time.Now().After(at)
}

func (mc *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	e, ok := mc.vals[key]
	if !ok || expired(e.expiresAt) {
		delete(mc.vals, key)
		return "", false, nil
	}
	if IsCorrupt(e.value) {
		delete(mc.vals, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (mc *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	var at time.Time
	if ttl > 0 {
		at = time.Now().Add(ttl)
	}
	mc.vals[key] = memEntry{value: value, expiresAt: at}
	return nil
}

func (mc *MemoryCache) Delete(_ context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.vals, key)
	delete(mc.sets, key)
	return nil
}

func (mc *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if e, ok := mc.vals[key]; ok && !expired(e.expiresAt) {
		return true, nil
	}
	if s, ok := mc.sets[key]; ok && !expired(s.expiresAt) {
		return true, nil
	}
	delete(mc.vals, key)
	delete(mc.sets, key)
	return false, nil
}

func (mc *MemoryCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	at := time.Now().Add(ttl)
	if e, ok := mc.vals[key]; ok {
		e.expiresAt = at
		mc.vals[key] = e
	}
	if s, ok := mc.sets[key]; ok {
		s.expiresAt = at
		mc.sets[key] = s
	}
	return nil
}

func (mc *MemoryCache) SAdd(_ context.Context, key string, members ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	s, ok := mc.sets[key]
	if !ok || expired(s.expiresAt) {
		s = memSet{members: make(map[string]struct{})}
	}
	for _, m := range members {
		s.members[m] = struct{}{}
	}
	mc.sets[key] = s
	return nil
}

func (mc *MemoryCache) SRem(_ context.Context, key string, members ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	s, ok := mc.sets[key]
	if !ok || expired(s.expiresAt) {
		delete(mc.sets, key)
		return nil
	}
	for _, m := range members {
		delete(s.members, m)
	}
	mc.sets[key] = s
	return nil
}

func (mc *MemoryCache) SMembers(_ context.Context, key string) ([]string, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	s, ok := mc.sets[key]
	if !ok || expired(s.expiresAt) {
		delete(mc.sets, key)
		return nil, nil
	}
	out := make([]string, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	return out, nil
}

func (mc *MemoryCache) Close() error { return nil }
