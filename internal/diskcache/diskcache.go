// Package diskcache remembers the content this process last wrote to each
// path. The watcher consults it to tell self-echo events apart from external
// changes and to build diffs against the previous on-disk state. Everything
// here is advisory, in-memory, and lost on restart.
package diskcache

import (
	"bytes"
	"container/list"
	"sync"
	"time"

	"github.com/ajaxzhan/sandboxfs/internal/fingerprint"
)

// pruneThreshold bounds how large the dedup map may grow before a full
// expiry sweep runs inline with a write.
const pruneThreshold = 4096

type lruEntry struct {
	path string
	data []byte
	sum  fingerprint.Digest
}

// Cache pairs a bounded LRU of last-written content with a short-TTL
// path+hash set. The set answers "did we just write exactly this" even after
// the LRU evicted the content itself. Only the sandbox's own write path may
// populate either side.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	curBytes   int64
	ll         *list.List
	items      map[string]*list.Element

	dedupTTL time.Duration
	dedup    map[string]time.Time
}

func New(maxEntries int, maxBytes int64, dedupTTL time.Duration) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		dedupTTL:   dedupTTL,
		dedup:      make(map[string]time.Time),
	}
}

// RecordWrite notes that the sandbox itself just wrote data to path.
func (c *Cache) RecordWrite(path string, data []byte) {
	sum := fingerprint.Sum(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.dedup[dedupKey(path, sum)] = time.Now().Add(c.dedupTTL)
	if len(c.dedup) > pruneThreshold {
		c.pruneLocked()
	}

	if int64(len(data)) > c.maxBytes {
		// Oversized content would evict the whole cache for one entry. The
		// dedup key above still covers it.
		c.removeLocked(path)
		return
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	if el, ok := c.items[path]; ok {
		ent := el.Value.(*lruEntry)
		c.curBytes += int64(len(cp)) - int64(len(ent.data))
		ent.data = cp
		ent.sum = sum
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&lruEntry{path: path, data: cp, sum: sum})
		c.items[path] = el
		c.curBytes += int64(len(cp))
	}
	c.evictLocked()
}

// Last returns a copy of the content most recently written to path by this
// process, if it is still cached.
func (c *Cache) Last(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[path]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	ent := el.Value.(*lruEntry)
	cp := make([]byte, len(ent.data))
	copy(cp, ent.data)
	return cp, true
}

// IsSelfWrite reports whether data at path matches something this process
// wrote recently, via the live LRU entry or the longer-lived dedup set.
func (c *Cache) IsSelfWrite(path string, data []byte) bool {
	sum := fingerprint.Sum(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[path]; ok {
		ent := el.Value.(*lruEntry)
		if ent.sum == sum && bytes.Equal(ent.data, data) {
			c.ll.MoveToFront(el)
			return true
		}
	}
	key := dedupKey(path, sum)
	exp, ok := c.dedup[key]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(c.dedup, key)
		return false
	}
	return true
}

// Forget drops the cached content for path. Unlinks and renames call this so
// stale bases never feed diffs.
func (c *Cache) Forget(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(path)
}

// Len reports the number of live LRU entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) evictLocked() {
	for (c.maxEntries > 0 && c.ll.Len() > c.maxEntries) ||
		(c.maxBytes > 0 && c.curBytes > c.maxBytes) {
		el := c.ll.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*lruEntry)
		c.ll.Remove(el)
		delete(c.items, ent.path)
		c.curBytes -= int64(len(ent.data))
	}
}

func (c *Cache) removeLocked(path string) {
	if el, ok := c.items[path]; ok {
		ent := el.Value.(*lruEntry)
		c.ll.Remove(el)
		delete(c.items, path)
		c.curBytes -= int64(len(ent.data))
	}
}

func (c *Cache) pruneLocked() {
	now := time.Now()
	for k, exp := range c.dedup {
		if now.After(exp) {
			delete(c.dedup, k)
		}
	}
}

func dedupKey(path string, sum fingerprint.Digest) string {
	return path + "\x00" + sum.String()
}
