// Package cache provides a thread-safe TTL cache. The service keeps the
// latest processed update per entity here so late-joining dashboards can
// backfill without replaying the stream.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/showito/realtime/errors"
)

// Cache is a bounded-lifetime key/value store.
type Cache[V any] interface {
	// Get returns the value for key if present and unexpired.
	Get(key string) (V, bool)
	// Set stores value under key with the cache TTL. Returns true when the
	// key was new.
	Set(key string, value V) (bool, error)
	// Delete removes key. Returns true when the key existed.
	Delete(key string) (bool, error)
	// Keys lists unexpired keys.
	Keys() []string
	// Size returns the number of entries, expired ones included until swept.
	Size() int
	// Close stops the background sweeper.
	Close() error
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[V any] struct {
	mu       sync.RWMutex
	ttl      time.Duration
	items    map[string]entry[V]
	shutdown chan struct{}
	done     chan struct{}
}

// NewTTL creates a cache whose entries expire after ttl. Expired entries are
// swept every sweepInterval; Get also evicts lazily.
func NewTTL[V any](ttl, sweepInterval time.Duration) (Cache[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	if sweepInterval <= 0 {
		sweepInterval = ttl
	}

	c := &ttlCache[V]{
		ttl:      ttl,
		items:    make(map[string]entry[V]),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.sweep(sweepInterval)
	return c, nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "empty key")
	}
	return nil
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		if cur, still := c.items[key]; still && time.Now().After(cur.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, existed := c.items[key]
	c.items[key] = entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	return !existed, nil
}

func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, existed := c.items[key]
	delete(c.items, key)
	return existed, nil
}

func (c *ttlCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(c.items))
	for k, e := range c.items {
		if now.Before(e.expiresAt) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ttlCache[V]) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapFatal(errors.ErrStopTimeout, "cache", "Close", "sweeper shutdown")
	}
}

func (c *ttlCache[V]) sweep(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.items {
				if now.After(e.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
