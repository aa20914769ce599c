package fusioncache

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"

	"github.com/vecrt/vecrt/core"
	"github.com/vecrt/vecrt/vecerr"
)

// Cache is a structural-hash-keyed, disk-backed store of kernel partitions.
// A miss is always safe: the planner just does the work the cache would
// have saved it. Enabled defaults to true; a component sets it false to
// force replanning on every batch (useful for fusion model development).
type Cache struct {
	dir     string
	Enabled bool

	mu      sync.RWMutex
	entries map[uint64]Entry
}

// New opens (without yet loading) a Cache rooted at dir. dir is created on
// first WriteToDisk if it doesn't exist.
func New(dir string) *Cache {
	return &Cache{dir: dir, Enabled: true, entries: map[uint64]Entry{}}
}

// Hash computes the structural hash of a batch's instruction list under a
// given fusion model name: opcode, operand rank, shape, and stride, but
// never operand data or Base identity, so two structurally identical
// batches over different storage hash identically and share a cache entry.
func Hash(batch *core.Batch, modelName string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(modelName))
	var buf [8]byte
	for _, ins := range batch.InstrList {
		binary.LittleEndian.PutUint16(buf[:2], ins.Opcode)
		_, _ = h.Write(buf[:2])
		for _, op := range ins.Operands {
			binary.LittleEndian.PutUint16(buf[:2], uint16(op.DType()))
			_, _ = h.Write(buf[:2])
			if core.IsConstant(op) {
				_, _ = h.Write([]byte{1})
				continue
			}
			_, _ = h.Write([]byte{0})
			binary.LittleEndian.PutUint16(buf[:2], uint16(op.NDim))
			_, _ = h.Write(buf[:2])
			for _, s := range op.Shape {
				binary.LittleEndian.PutUint64(buf[:], uint64(s))
				_, _ = h.Write(buf[:])
			}
			for _, s := range op.Stride {
				binary.LittleEndian.PutUint64(buf[:], uint64(s))
				_, _ = h.Write(buf[:])
			}
		}
	}
	return h.Sum64()
}

// Lookup returns the cached partition for hash, if any and if the cache is
// enabled. It checks the in-memory table first, then falls back to disk.
func (c *Cache) Lookup(hash uint64) (Entry, bool) {
	if !c.Enabled {
		return Entry{}, false
	}
	c.mu.RLock()
	e, ok := c.entries[hash]
	c.mu.RUnlock()
	if ok {
		return e, true
	}
	if c.dir == "" {
		return Entry{}, false
	}
	matches, err := filepath.Glob(filepath.Join(c.dir, fmt.Sprintf("*--%016x--*", hash)))
	if err != nil || len(matches) == 0 {
		return Entry{}, false
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		klog.V(2).Infof("fusioncache: read %s: %v", matches[0], err)
		return Entry{}, false
	}
	e, err = Deserialize(data)
	if err != nil {
		klog.V(2).Infof("fusioncache: decode %s: %v", matches[0], err)
		return Entry{}, false
	}
	c.mu.Lock()
	c.entries[hash] = e
	c.mu.Unlock()
	return e, true
}

// Insert records a freshly planned partition in memory. It is not
// persisted until WriteToDisk is called.
func (c *Cache) Insert(e Entry) {
	if !c.Enabled {
		return
	}
	c.mu.Lock()
	c.entries[e.Hash] = e
	c.mu.Unlock()
}

// fileName returns the entry's on-disk name: <model>--<hex hash>--fuser.
func fileName(e Entry) string {
	return fmt.Sprintf("%s--%016x--fuser", e.ModelName, e.Hash)
}

// WriteToDisk persists e to the cache directory using a temp-file-then-
// rename so a concurrent reader (or a crash mid-write) never observes a
// partially written entry.
func (c *Cache) WriteToDisk(e Entry) error {
	if !c.Enabled || c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return vecerr.Wrapf(vecerr.KindComponentLoad, err, "create fusion cache dir %q", c.dir)
	}
	data, err := e.Serialize()
	if err != nil {
		return vecerr.Wrap(vecerr.KindInternalInvariant, "serialize fusion cache entry", err)
	}
	final := filepath.Join(c.dir, fileName(e))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return vecerr.Wrapf(vecerr.KindComponentLoad, err, "write temp cache file %q", tmp)
	}
	if err := os.Rename(tmp, final); err != nil {
		return vecerr.Wrapf(vecerr.KindComponentLoad, err, "rename cache file %q", final)
	}
	return nil
}

// LoadFromDisk eagerly populates the in-memory table from every entry file
// under the cache directory, so a long-running process pays the disk read
// cost once at startup rather than on first use of each hash.
func (c *Cache) LoadFromDisk() error {
	if !c.Enabled || c.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return vecerr.Wrapf(vecerr.KindComponentLoad, err, "read fusion cache dir %q", c.dir)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, de.Name()))
		if err != nil {
			klog.V(2).Infof("fusioncache: skip unreadable %s: %v", de.Name(), err)
			continue
		}
		e, err := Deserialize(data)
		if err != nil {
			klog.V(2).Infof("fusioncache: skip corrupt %s: %v", de.Name(), err)
			continue
		}
		c.entries[e.Hash] = e
	}
	return nil
}
