package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/commsync/commsync/internal/fetch"
	"github.com/commsync/commsync/internal/model"
)

// Entry is the last-known result for a conversation-list query. Entries
// are stale-but-paintable: the UI renders them instantly on key reuse
// while a refresh runs in the background. The cache is never trusted
// over a successful fresh fetch.
type Entry struct {
	Conversations []model.Conversation
	Total         int
	HasMore       bool
	FetchedAt     time.Time
}

// MessageEntry is the last-known message list for one conversation.
type MessageEntry struct {
	Messages  []model.Message
	HasMore   bool
	FetchedAt time.Time
}

type record struct {
	key   fetch.Key
	entry Entry
}

// Cache is the single writable store for fetched conversation state.
// Only the reconciler writes it after a successful fetch; everything
// else reads.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]record
	messages map[string]MessageEntry // conversation ID -> messages
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries:  make(map[string]record),
		messages: make(map[string]MessageEntry),
	}
}

// Get returns the cached entry for a key, if any.
func (c *Cache) Get(key fetch.Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.entries[key.String()]
	return rec.entry, ok
}

// Set stores the entry for a key.
func (c *Cache) Set(key fetch.Key, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.String()] = record{key: key, entry: entry}
}

// Invalidate removes every entry whose key matches the predicate and
// returns how many were dropped.
func (c *Cache) Invalidate(pred func(fetch.Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, rec := range c.entries {
		if pred(rec.key) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// InvalidateAccount drops all conversation-list entries for an account.
// Message entries survive; they are keyed by conversation and reconciled
// on next fetch.
func (c *Cache) InvalidateAccount(accountID string) int {
	return c.Invalidate(func(k fetch.Key) bool {
		return k.AccountID == accountID
	})
}

// Patch applies fn to every cached copy of one conversation and returns
// how many copies were touched. Used for optimistic flag repaints; the
// next reconciled fetch overwrites whatever fn wrote.
func (c *Cache) Patch(conversationID string, fn func(*model.Conversation)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, rec := range c.entries {
		touched := false
		// Copy before mutating; handed-out entries share the backing array.
		convs := slices.Clone(rec.entry.Conversations)
		for i := range convs {
			if convs[i].ID == conversationID {
				fn(&convs[i])
				touched = true
				n++
			}
		}
		if touched {
			rec.entry.Conversations = convs
			c.entries[id] = rec
		}
	}
	return n
}

// GetMessages returns the cached message list for a conversation.
func (c *Cache) GetMessages(conversationID string) (MessageEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.messages[conversationID]
	return entry, ok
}

// SetMessages stores the message list for a conversation.
func (c *Cache) SetMessages(conversationID string, entry MessageEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[conversationID] = entry
}

// InvalidateMessages drops the cached message list for a conversation.
func (c *Cache) InvalidateMessages(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, conversationID)
}
