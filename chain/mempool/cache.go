package mempool

import (
	"sync"
	"time"
)

// headerCache is a small TTL cache for block headers, grounded on the
// teacher's chain bridge cache: block headers never change once mined,
// so entries never need eviction beyond a generous TTL to bound memory
// on a long-running daemon.
type headerCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedHeader
}

type cachedHeader struct {
	header    blockHeader
	cachedAt  time.Time
}

func newHeaderCache(ttl time.Duration) *headerCache {
	return &headerCache{ttl: ttl, entries: make(map[string]cachedHeader)}
}

func (c *headerCache) get(hash string) (blockHeader, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[hash]
	if !ok {
		return blockHeader{}, false
	}
	if time.Since(entry.cachedAt) > c.ttl {
		delete(c.entries, hash)
		return blockHeader{}, false
	}
	return entry.header, true
}

func (c *headerCache) set(hash string, hdr blockHeader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = cachedHeader{header: hdr, cachedAt: time.Now()}
}
