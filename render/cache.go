// ABOUTME: In-memory cache in front of Render keyed by a blake3 hash of the DOT text and format.
// ABOUTME: Entries expire after a TTL; errors are never cached.
package render

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// RenderFunc renders DOT text to a format.
type RenderFunc func(ctx context.Context, dotText, format string) ([]byte, error)

type cacheEntry struct {
	data      []byte
	createdAt time.Time
}

// Cache memoizes a RenderFunc. Graph endpoints re-render the same DOT on every poll.
type Cache struct {
	render RenderFunc
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCache wraps render. A nil render uses Render.
func NewCache(render RenderFunc, ttl time.Duration) *Cache {
	if render == nil {
		render = Render
	}
	return &Cache{render: render, ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

// Render returns a cached result when one is fresh, otherwise renders and stores it.
func (c *Cache) Render(ctx context.Context, dotText, format string) ([]byte, error) {
	key := cacheKey(dotText, format)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.createdAt) < c.ttl {
		return entry.data, nil
	}

	data, err := c.render(ctx, dotText, format)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{data: data, createdAt: c.now()}
	c.prune()
	c.mu.Unlock()
	return data, nil
}

// prune drops expired entries. Callers hold mu.
func (c *Cache) prune() {
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.createdAt) >= c.ttl {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of entries, including expired ones not yet pruned.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func cacheKey(dotText, format string) string {
	sum := blake3.Sum256([]byte(dotText))
	return hex.EncodeToString(sum[:]) + ":" + format
}
