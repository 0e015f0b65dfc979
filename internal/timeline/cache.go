// Package timeline keeps a bounded in-memory window of recent events
// per conversation so an open conversation renders without a storage
// read. Storage stays authoritative; this is a read-through accelerator
// only.
package timeline

import (
	"container/list"
	"sync"

	"github.com/pulsesync/pulse/internal/wire"
)

// Cache is a per-conversation event window with LRU eviction across
// conversations. Eviction removes whole conversations, never a partial
// window, so a cached view is always internally consistent.
type Cache struct {
	mu               sync.Mutex
	maxConversations int
	maxEvents        int
	entries          map[string]*list.Element
	recency          *list.List // front = most recently accessed
}

type cacheEntry struct {
	conversationID string
	events         []wire.Event // newest first
}

// NewCache creates a cache bounded to maxConversations tracked
// conversations and maxEvents events per conversation.
func NewCache(maxConversations, maxEvents int) *Cache {
	if maxConversations <= 0 {
		maxConversations = 32
	}
	if maxEvents <= 0 {
		maxEvents = 100
	}
	return &Cache{
		maxConversations: maxConversations,
		maxEvents:        maxEvents,
		entries:          make(map[string]*list.Element),
		recency:          list.New(),
	}
}

// Get returns the cached window for a conversation, newest first, and
// marks the conversation as most recently accessed. Returns false on a
// miss; the caller falls back to storage, never the server.
func (c *Cache) Get(conversationID string) ([]wire.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[conversationID]
	if !ok {
		return nil, false
	}
	c.recency.MoveToFront(el)
	entry := el.Value.(*cacheEntry)
	out := make([]wire.Event, len(entry.events))
	copy(out, entry.events)
	return out, true
}

// Put replaces the cached window for a conversation. Events beyond the
// per-conversation cap are dropped from the old end.
func (c *Cache) Put(conversationID string, events []wire.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	trimmed := events
	if len(trimmed) > c.maxEvents {
		trimmed = trimmed[:c.maxEvents]
	}
	window := make([]wire.Event, len(trimmed))
	copy(window, trimmed)

	if el, ok := c.entries[conversationID]; ok {
		el.Value.(*cacheEntry).events = window
		c.recency.MoveToFront(el)
		return
	}

	el := c.recency.PushFront(&cacheEntry{conversationID: conversationID, events: window})
	c.entries[conversationID] = el
	c.evictIfNeeded()
}

// Append prepends a newly arrived event to a conversation's window, if
// the conversation is cached. Uncached conversations stay uncached; the
// window is built on the next read.
func (c *Cache) Append(conversationID string, ev wire.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[conversationID]
	if !ok {
		return
	}
	entry := el.Value.(*cacheEntry)
	entry.events = append([]wire.Event{ev}, entry.events...)
	if len(entry.events) > c.maxEvents {
		entry.events = entry.events[:c.maxEvents]
	}
	c.recency.MoveToFront(el)
}

// Invalidate drops a conversation's window entirely.
func (c *Cache) Invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[conversationID]; ok {
		c.recency.Remove(el)
		delete(c.entries, conversationID)
	}
}

// Len returns the number of tracked conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictIfNeeded removes least-recently-accessed conversations until the
// conversation cap holds. Called with the lock held.
func (c *Cache) evictIfNeeded() {
	for len(c.entries) > c.maxConversations {
		oldest := c.recency.Back()
		if oldest == nil {
			return
		}
		entry := oldest.Value.(*cacheEntry)
		c.recency.Remove(oldest)
		delete(c.entries, entry.conversationID)
	}
}
