package engine

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 64

// shardIndex spreads upload names over the shard space. Shared by the
// cache and the registry so unrelated names never contend on one lock.
func shardIndex(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32() % shardCount)
}

// CacheConfig bounds the in-memory byte cache.
type CacheConfig struct {
	// MaxLength is the largest single upload the cache will hold.
	MaxLength int64

	// UploadLifetime is how long a cached upload stays servable.
	UploadLifetime time.Duration

	// ScanFreq is the minimum interval between full expiry scans.
	ScanFreq time.Duration

	// MemCapacity is the total number of payload bytes the cache may
	// hold at once.
	MemCapacity int64
}

// Cache is a bounded, time-expiring, best-effort byte store layered in
// front of the disk. Losing an entry is never data loss; the disk stays
// authoritative. Entries live in sharded maps so operations on unrelated
// uploads do not serialize on each other, and the global byte count is
// maintained with an atomic check-and-reserve so concurrent insertions
// cannot jointly overshoot the capacity.
type Cache struct {
	cfg    CacheConfig
	shards [shardCount]cacheShard

	totalBytes atomic.Int64
	lastScan   atomic.Int64 // unix nanos of the last full expiry scan
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	data       []byte
	size       int64
	insertedAt time.Time
	expiresAt  int64 // unix nanos, read without taking the write lock
}

// NewCache returns an empty cache with the given bounds.
func NewCache(cfg CacheConfig) *Cache {
	c := &Cache{cfg: cfg}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*cacheEntry)
	}
	c.lastScan.Store(time.Now().UnixNano())
	return c
}

// Put stores a copy of data under name until expiresAt. Oversized
// payloads and capacity pressure that cannot be relieved by eviction
// cause the put to be silently dropped; caching is best effort and a
// miss is never an error.
func (c *Cache) Put(name string, data []byte, expiresAt time.Time) {
	c.maybeScan()

	size := int64(len(data))
	if size == 0 || size > c.cfg.MaxLength || size > c.cfg.MemCapacity {
		return
	}

	// Replacing an existing entry frees its reservation first so the
	// CAS below accounts for the net growth only.
	c.Remove(name)

	if !c.reserve(size) {
		return
	}

	owned := make([]byte, size)
	copy(owned, data)

	entry := &cacheEntry{
		data:       owned,
		size:       size,
		insertedAt: time.Now(),
		expiresAt:  expiresAt.UnixNano(),
	}

	shard := &c.shards[shardIndex(name)]
	shard.mu.Lock()
	if old, ok := shard.entries[name]; ok {
		// A concurrent put beat us to the slot; release its bytes.
		c.totalBytes.Add(-old.size)
	}
	shard.entries[name] = entry
	shard.mu.Unlock()
}

// reserve atomically claims size bytes of capacity, evicting the
// soonest-expiring entries while the claim does not fit. It reports
// false when the cache cannot make room.
func (c *Cache) reserve(size int64) bool {
	for {
		current := c.totalBytes.Load()
		if current+size <= c.cfg.MemCapacity {
			if c.totalBytes.CompareAndSwap(current, current+size) {
				return true
			}
			continue
		}

		if !c.evictSoonest() {
			return false
		}
	}
}

// evictSoonest removes the entry whose expiry is nearest, across all
// shards. It reports false when the cache held nothing to evict.
func (c *Cache) evictSoonest() bool {
	var (
		victimName  string
		victimShard *cacheShard
		soonest     int64
		found       bool
	)

	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.RLock()
		for name, entry := range shard.entries {
			if !found || entry.expiresAt < soonest {
				victimName, victimShard, soonest = name, shard, entry.expiresAt
				found = true
			}
		}
		shard.mu.RUnlock()
	}

	if !found {
		return false
	}

	victimShard.mu.Lock()
	if entry, ok := victimShard.entries[victimName]; ok {
		delete(victimShard.entries, victimName)
		c.totalBytes.Add(-entry.size)
	}
	victimShard.mu.Unlock()

	// Even if a racing remove got there first, progress was made.
	return true
}

// Get returns the cached bytes for name, or false on a miss. An entry
// whose expiry has passed is a miss even before a scan physically
// removes it. The returned slice must not be modified.
func (c *Cache) Get(name string) ([]byte, bool) {
	shard := &c.shards[shardIndex(name)]

	shard.mu.RLock()
	entry, ok := shard.entries[name]
	shard.mu.RUnlock()

	if !ok || time.Now().UnixNano() >= entry.expiresAt {
		return nil, false
	}
	return entry.data, true
}

// Remove drops the entry for name, if any.
func (c *Cache) Remove(name string) {
	c.maybeScan()

	shard := &c.shards[shardIndex(name)]
	shard.mu.Lock()
	if entry, ok := shard.entries[name]; ok {
		delete(shard.entries, name)
		c.totalBytes.Add(-entry.size)
	}
	shard.mu.Unlock()
}

// maybeScan runs a full expiry sweep when at least ScanFreq has passed
// since the last one. It is invoked from mutating operations, so the
// scan happens lazily on request traffic rather than on a timer, while
// the CAS on lastScan keeps concurrent callers from sweeping twice.
func (c *Cache) maybeScan() {
	now := time.Now()
	last := c.lastScan.Load()
	if now.UnixNano()-last < int64(c.cfg.ScanFreq) {
		return
	}
	if !c.lastScan.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	cutoff := now.UnixNano()
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		for name, entry := range shard.entries {
			if entry.expiresAt <= cutoff {
				delete(shard.entries, name)
				c.totalBytes.Add(-entry.size)
			}
		}
		shard.mu.Unlock()
	}
}

// TotalBytes returns the number of payload bytes currently reserved.
func (c *Cache) TotalBytes() int64 {
	return c.totalBytes.Load()
}

// Len returns the number of entries currently stored.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.RLock()
		n += len(shard.entries)
		shard.mu.RUnlock()
	}
	return n
}
