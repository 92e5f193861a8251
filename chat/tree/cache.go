package tree

import (
	"sync"

	"github.com/hrygo/branchtalk/store"
)

type cacheKey struct {
	conversationID string
	viewerID       string
	detachedHash   string
}

type cacheEntry struct {
	version uint64
	path    []*store.Message
}

// Cache memoizes projections per (conversation, viewer) under the store's
// version counter. A hit returns the identical slice, enabling identity-based
// change detection on the client side.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]cacheEntry)}
}

// Project returns the visible path for the conversation at the given version,
// computing and caching it on miss. Stale entries for the same key are
// replaced.
func (c *Cache) Project(conversationID string, version uint64, messages []*store.Message, view View) []*store.Message {
	key := cacheKey{
		conversationID: conversationID,
		viewerID:       view.ViewerID,
		detachedHash:   hashDetached(view.Detached),
	}

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && entry.version == version {
		c.mu.Unlock()
		return entry.path
	}
	c.mu.Unlock()

	path := VisiblePath(messages, view)

	c.mu.Lock()
	c.entries[key] = cacheEntry{version: version, path: path}
	c.mu.Unlock()
	return path
}

// Invalidate drops every cached projection of a conversation.
func (c *Cache) Invalidate(conversationID string) {
	c.mu.Lock()
	for key := range c.entries {
		if key.conversationID == conversationID {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func hashDetached(detached map[string]string) string {
	if len(detached) == 0 {
		return ""
	}
	// Order-independent fold; collisions only cost a recompute.
	var acc uint64
	for k, v := range detached {
		acc ^= fnv64(k) * 31
		acc ^= fnv64(v)
	}
	return string([]byte{
		byte(acc), byte(acc >> 8), byte(acc >> 16), byte(acc >> 24),
		byte(acc >> 32), byte(acc >> 40), byte(acc >> 48), byte(acc >> 56),
	})
}

func fnv64(s string) uint64 {
	const offset, prime = 14695981039346656037, 1099511628211
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}
