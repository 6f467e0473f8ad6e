package proxy

import (
	"container/list"
	"sync"
	"time"

	imetrics "traefik-challenge-2/internal/metrics"
)

// CacheEntry is one cached response. Size accounting covers the body and the
// key only; header bytes are not counted.
type CacheEntry struct {
	Key         string
	Body        []byte
	ContentType string
	Status      int
	HitCount    int64
	lastAccess  time.Time
}

func (e *CacheEntry) size() int64 {
	return int64(len(e.Body)) + int64(len(e.Key))
}

// CacheEvent is emitted on every cache state change. Consumers that are too
// slow to keep up simply miss events; the cache never blocks on them.
type CacheEvent struct {
	Kind string // "hit", "miss", "added", "removed", "expired", "error"
	Key  string
}

type cacheNode struct {
	entry *CacheEntry
}

// Cache is a naive, byte-capacity-bounded, idle-TTL-swept LRU cache. It does
// not know anything about Cache-Control, Vary, or conditional requests.
type Cache struct {
	capacity int64
	entryCap int64
	ttl      time.Duration

	mu      sync.Mutex
	ll      *list.List // front = most recently used
	index   map[string]*list.Element
	curSize int64

	events chan CacheEvent

	stop chan struct{}
	done chan struct{}
}

// NewCache constructs a Cache and starts its background sweep goroutine.
// sweepEvery controls how often expired entries are purged; callers
// typically pass ttl itself or a fraction of it.
func NewCache(capacity, entryCap int64, ttl, sweepEvery time.Duration) *Cache {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	c := &Cache{
		capacity: capacity,
		entryCap: entryCap,
		ttl:      ttl,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
		events:   make(chan CacheEvent, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.sweepLoop(sweepEvery)
	return c
}

// Events returns the cache's one-way notification channel.
func (c *Cache) Events() <-chan CacheEvent { return c.events }

// Close stops the sweep goroutine. It does not close the events channel, so
// late readers never see a closed-channel panic.
func (c *Cache) Close() {
	close(c.stop)
	<-c.done
}

func (c *Cache) emit(kind, key string) {
	select {
	case c.events <- CacheEvent{Kind: kind, Key: key}:
	default:
	}
}

// Lookup returns the entry for key if present and not idle-expired.
func (c *Cache) Lookup(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	elem, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		c.emit("miss", key)
		imetrics.CacheMissInc()
		return nil, false
	}
	node := elem.Value.(*cacheNode)
	if c.ttl > 0 && time.Since(node.entry.lastAccess) > c.ttl {
		c.removeElementLocked(elem, "expired")
		c.mu.Unlock()
		c.emit("expired", key)
		c.emit("miss", key)
		imetrics.CacheMissInc()
		return nil, false
	}
	node.entry.lastAccess = time.Now()
	node.entry.HitCount++
	c.ll.MoveToFront(elem)
	c.mu.Unlock()
	c.emit("hit", key)
	imetrics.CacheHitInc()
	return node.entry, true
}

// Insert adds or replaces an entry, evicting least-recently-used entries as
// needed to stay within capacity. It reports whether the entry was admitted;
// entries larger than the per-entry cap or the total capacity are rejected
// outright (an "error" event is emitted instead of "added").
func (c *Cache) Insert(entry *CacheEntry) (inserted bool) {
	entry.lastAccess = time.Now()
	size := entry.size()

	if (c.entryCap > 0 && size > c.entryCap) || (c.capacity > 0 && size > c.capacity) {
		c.emit("error", entry.Key)
		return false
	}

	c.mu.Lock()
	if elem, ok := c.index[entry.Key]; ok {
		c.removeElementLocked(elem, "replaced")
	}

	var evicted []string
	for c.capacity > 0 && c.curSize+size > c.capacity && c.ll.Len() > 0 {
		back := c.ll.Back()
		evicted = append(evicted, back.Value.(*cacheNode).entry.Key)
		c.removeElementLocked(back, "lru")
	}

	elem := c.ll.PushFront(&cacheNode{entry: entry})
	c.index[entry.Key] = elem
	c.curSize += size
	n := c.ll.Len()
	total := c.curSize
	c.mu.Unlock()

	imetrics.CacheEntriesSet(n)
	imetrics.CacheBytesSet(total)
	for _, k := range evicted {
		c.emit("removed", k)
	}
	c.emit("added", entry.Key)
	return true
}

// removeElementLocked must be called with c.mu held.
func (c *Cache) removeElementLocked(elem *list.Element, reason string) {
	node := elem.Value.(*cacheNode)
	delete(c.index, node.entry.Key)
	c.ll.Remove(elem)
	c.curSize -= node.entry.size()
	imetrics.CacheEvictionInc(reason)
}

func (c *Cache) sweepLoop(every time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Cache) sweepOnce() {
	if c.ttl <= 0 {
		return
	}
	now := time.Now()
	var expiredKeys []string

	c.mu.Lock()
	for elem := c.ll.Back(); elem != nil; {
		prev := elem.Prev()
		node := elem.Value.(*cacheNode)
		if now.Sub(node.entry.lastAccess) > c.ttl {
			expiredKeys = append(expiredKeys, node.entry.Key)
			c.removeElementLocked(elem, "expired")
		}
		elem = prev
	}
	n := c.ll.Len()
	total := c.curSize
	c.mu.Unlock()

	imetrics.CacheEntriesSet(n)
	imetrics.CacheBytesSet(total)
	for _, k := range expiredKeys {
		c.emit("expired", k)
	}
}
