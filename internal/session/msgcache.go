package session

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/nexustechpro/nexusbot-sub001/internal/metrics"
)

const (
	defaultCacheCapacity = 1000
	defaultLookupTimeout = 5 * time.Second
)

// MessageLookup is the optional slow-path source for resend answers, e.g.
// a message archive maintained by the plugin layer.
type MessageLookup func(ctx context.Context, chatID, messageID string) ([]byte, error)

type messageKey struct {
	chatID    string
	messageID string
}

type cacheItem struct {
	key     messageKey
	payload []byte
}

// MessageCache is the bounded LRU of recently sent messages, used to answer
// the protocol's "resend this message I could not decode" queries. A miss
// falls through to the lookup, bounded by a timeout. An unanswerable query
// yields ok=false, which the transport turns into the empty-message
// sentinel.
type MessageCache struct {
	capacity      int
	lookup        MessageLookup
	lookupTimeout time.Duration
	metrics       *metrics.Metrics

	mu    sync.Mutex
	order *list.List
	items map[messageKey]*list.Element
}

// NewMessageCache builds a cache. capacity <= 0 takes the default; lookup
// may be nil.
func NewMessageCache(capacity int, lookup MessageLookup, m *metrics.Metrics) *MessageCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}

	return &MessageCache{
		capacity:      capacity,
		lookup:        lookup,
		lookupTimeout: defaultLookupTimeout,
		metrics:       m,
		order:         list.New(),
		items:         make(map[messageKey]*list.Element),
	}
}

// Put records a sent message, evicting the least recently used entry once
// the cache is full.
func (c *MessageCache) Put(chatID, messageID string, payload []byte) {
	key := messageKey{chatID, messageID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).payload = payload
		c.order.MoveToFront(el)

		return
	}

	c.items[key] = c.order.PushFront(&cacheItem{key: key, payload: payload})

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
	}
}

// Get answers a resend query: cache first, then the lookup under its
// timeout. ok=false means the message is unknown.
func (c *MessageCache) Get(ctx context.Context, chatID, messageID string) ([]byte, bool) {
	key := messageKey{chatID, messageID}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		payload := el.Value.(*cacheItem).payload
		c.mu.Unlock()

		c.metrics.IncCacheHit()

		return payload, true
	}
	c.mu.Unlock()

	c.metrics.IncCacheMiss()

	if c.lookup == nil {
		return nil, false
	}

	lctx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()

	payload, err := c.lookup(lctx, chatID, messageID)
	if err != nil || payload == nil {
		return nil, false
	}

	return payload, true
}

// Len reports the number of cached messages.
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}
