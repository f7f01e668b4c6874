package memory

import (
	"context"
	"sync"
	"time"

	"wallet-settlement/internal/core/ports"
)

// KeyValue is the process-local stand-in for the Redis-backed idempotency
// cache, event dedup and rate limiter when Redis is disabled.
type KeyValue struct {
	mu      sync.Mutex
	clock   ports.Clock
	entries map[string]kvEntry
}

type kvEntry struct {
	value   []byte
	count   int64
	expires time.Time
}

// NewKeyValue creates an empty store. A nil clock uses wall time.
func NewKeyValue(clock ports.Clock) *KeyValue {
	if clock == nil {
		clock = systemClock{}
	}
	return &KeyValue{clock: clock, entries: make(map[string]kvEntry)}
}

// live returns the entry if present and unexpired. Callers hold mu.
func (kv *KeyValue) live(key string) (kvEntry, bool) {
	e, ok := kv.entries[key]
	if !ok {
		return kvEntry{}, false
	}
	if !e.expires.IsZero() && !kv.clock.Now().Before(e.expires) {
		delete(kv.entries, key)
		return kvEntry{}, false
	}
	return e, true
}

// setNX stores value unless a live entry exists and reports whether it did.
func (kv *KeyValue) setNX(key string, value []byte, ttl time.Duration) bool {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, ok := kv.live(key); ok {
		return false
	}
	e := kvEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = kv.clock.Now().Add(ttl)
	}
	kv.entries[key] = e
	return true
}

// IdempotencyCache returns a ports.IdempotencyCache view scoped to namespace.
func (kv *KeyValue) IdempotencyCache(namespace string) *IdempotencyCache {
	return &IdempotencyCache{kv: kv, prefix: "idempotency:" + namespace + ":"}
}

// EventDedup returns a ports.EventDeduplicator view.
func (kv *KeyValue) EventDedup() *EventDedup {
	return &EventDedup{kv: kv}
}

// RateLimiter returns a ports.RateLimiter view.
func (kv *KeyValue) RateLimiter() *RateLimiter {
	return &RateLimiter{kv: kv}
}

// IdempotencyCache implements ports.IdempotencyCache.
type IdempotencyCache struct {
	kv     *KeyValue
	prefix string
}

// Get returns the cached response or nil.
func (c *IdempotencyCache) Get(_ context.Context, key string) ([]byte, error) {
	c.kv.mu.Lock()
	defer c.kv.mu.Unlock()
	e, ok := c.kv.live(c.prefix + key)
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), e.value...), nil
}

// Set caches value unless the key already holds one.
func (c *IdempotencyCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.kv.setNX(c.prefix+key, value, ttl)
	return nil
}

// EventDedup implements ports.EventDeduplicator.
type EventDedup struct {
	kv *KeyValue
}

func (d *EventDedup) key(source, eventID string) string {
	return "webhook_event:" + source + ":" + eventID
}

// Claim reports true the first time an event id is seen within ttl.
func (d *EventDedup) Claim(_ context.Context, source string, eventID string, ttl time.Duration) (bool, error) {
	return d.kv.setNX(d.key(source, eventID), []byte("1"), ttl), nil
}

// Release forgets an event id.
func (d *EventDedup) Release(_ context.Context, source string, eventID string) error {
	d.kv.mu.Lock()
	defer d.kv.mu.Unlock()
	delete(d.kv.entries, d.key(source, eventID))
	return nil
}

// RateLimiter implements ports.RateLimiter with a fixed window per key.
type RateLimiter struct {
	kv *KeyValue
}

// Allow counts one request against key's current window.
func (r *RateLimiter) Allow(_ context.Context, key string, limit int64, window time.Duration) (*ports.RateLimitResult, error) {
	r.kv.mu.Lock()
	defer r.kv.mu.Unlock()

	now := r.kv.clock.Now()
	windowStart := now.Truncate(window)
	k := "ratelimit:" + key + ":" + windowStart.Format(time.RFC3339)

	e, ok := r.kv.live(k)
	if !ok {
		e = kvEntry{expires: windowStart.Add(window)}
	}
	e.count++
	r.kv.entries[k] = e

	remaining := limit - e.count
	if remaining < 0 {
		remaining = 0
	}
	return &ports.RateLimitResult{
		Allowed:   e.count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   windowStart.Add(window).Unix(),
	}, nil
}
