// Package victimcache implements the allocator that backs every
// core.Base's storage: a size-bucketed pool of freed byte slices, LRU
// within a bucket, bounded by a total-bytes budget so a long-running
// engine doesn't grow without limit even though it never proactively
// frees memory back to the Go runtime.
//
// The allocation pipeline (validate inputs, compute effective size, lay
// out regions) generalizes a single bump-allocated region into one
// free-list bucket per rounded-up size class, each bucket a container/list
// of freed buffers with a get/put pool shape.
package victimcache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/vecrt/vecrt/core"
	"github.com/vecrt/vecrt/vecerr"
)

// bucketGranularity rounds every allocation up to a multiple of this many
// bytes before choosing a bucket, so allocations that differ by a few
// bytes (e.g. two Views over slightly different shapes of the same dtype)
// still share a bucket and its cached buffers.
const bucketGranularity = 64

func bucketSize(n int) int {
	return core.AlignSize(n, bucketGranularity)
}

// entry is one cached buffer, tracked in its bucket's LRU list.
type entry struct {
	buf []byte
}

// Cache is a size-bucketed, LRU-within-bucket allocator. MaxBytes bounds
// the total size of buffers currently held for reuse (not the amount
// currently on loan to callers via Alloc); once the bound is hit, Free
// evicts the oldest buffer of a non-empty bucket (see evictOldestLocked)
// to make room before admitting the newly freed one.
type Cache struct {
	MaxBytes int64

	mu         sync.Mutex
	buckets    map[int]*list.List // bucketSize -> LRU list of *entry, oldest at Front
	elemInList map[*entry]*list.Element
	cachedSize int64
}

// New creates a Cache bounded to maxBytes of cached (not on-loan) memory.
func New(maxBytes int64) *Cache {
	return &Cache{
		MaxBytes:   maxBytes,
		buckets:    map[int]*list.List{},
		elemInList: map[*entry]*list.Element{},
	}
}

// Alloc returns a byte slice of at least n bytes, reused from the cache
// when a same-bucket buffer is available, freshly allocated otherwise.
// The returned slice's length is always exactly n; capacity may exceed it.
func (c *Cache) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, vecerr.New(vecerr.KindInvalidShape, "victimcache: negative allocation size")
	}
	if n == 0 {
		return nil, nil
	}
	bs := bucketSize(n)

	c.mu.Lock()
	if lru, ok := c.buckets[bs]; ok && lru.Len() > 0 {
		front := lru.Front()
		e := front.Value.(*entry)
		lru.Remove(front)
		delete(c.elemInList, e)
		c.cachedSize -= int64(cap(e.buf))
		c.mu.Unlock()
		return e.buf[:n], nil
	}
	c.mu.Unlock()

	return make([]byte, n, bs), nil
}

// Free returns buf to the cache for reuse, keyed by its capacity's bucket
// (not its current length, since a caller may have sliced it down). If
// admitting it would exceed MaxBytes, the cache evicts buffers, oldest
// first within a bucket, until there is room, and drops buf entirely if
// it alone exceeds MaxBytes.
func (c *Cache) Free(buf []byte) {
	if len(buf) == 0 && cap(buf) == 0 {
		return
	}
	bs := bucketSize(cap(buf))
	size := int64(cap(buf))
	if c.MaxBytes > 0 && size > c.MaxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.MaxBytes > 0 && c.cachedSize+size > c.MaxBytes {
		if !c.evictOldestLocked() {
			break
		}
	}

	lru, ok := c.buckets[bs]
	if !ok {
		lru = list.New()
		c.buckets[bs] = lru
	}
	e := &entry{buf: buf[:cap(buf)]}
	el := lru.PushBack(e)
	c.elemInList[e] = el
	c.cachedSize += size
}

// evictOldestLocked removes the oldest buffer (the Front) of the first
// non-empty bucket that map iteration reaches. Buckets don't track
// cross-bucket recency (each bucket is only locally LRU-ordered), so the
// buffer evicted is the globally oldest only when a single bucket is in
// use; with several size classes, which bucket loses a buffer is not
// defined.
func (c *Cache) evictOldestLocked() bool {
	for bs, lru := range c.buckets {
		if lru.Len() == 0 {
			continue
		}
		front := lru.Front()
		e := front.Value.(*entry)
		lru.Remove(front)
		delete(c.elemInList, e)
		c.cachedSize -= int64(cap(e.buf))
		if lru.Len() == 0 {
			delete(c.buckets, bs)
		}
		return true
	}
	return false
}

// CachedBytes reports the total capacity currently held for reuse.
func (c *Cache) CachedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cachedSize
}

// String renders a human-readable summary for debug logging: how much of
// the configured budget is currently held for reuse, across how many size
// buckets.
func (c *Cache) String() string {
	c.mu.Lock()
	cached, max, buckets := c.cachedSize, c.MaxBytes, len(c.buckets)
	c.mu.Unlock()
	if max <= 0 {
		return fmt.Sprintf("victimcache: %s cached across %d buckets (unbounded)", humanize.Bytes(uint64(cached)), buckets)
	}
	return fmt.Sprintf("victimcache: %s / %s cached across %d buckets", humanize.Bytes(uint64(cached)), humanize.Bytes(uint64(max)), buckets)
}
