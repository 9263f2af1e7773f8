// This package implements the direct-mapped lookup cache in front of the
// remap table. The cache is an accelerator only; correctness never depends
// on its contents.

package dmremap

import (
	"fmt"

	"sync"
	"sync/atomic"
)

const (
	// DefaultCacheSize is the reference slot count. Must be a power of two.
	DefaultCacheSize = 256
)

type cacheSlot struct {
	mainSector  uint64
	spareSector uint64
	valid       bool
}

// LookupCache maps the low bits of a main sector to its replacement. Only
// ACTIVE pairs are ever inserted, and entries are never deleted at runtime,
// so a hit can be trusted for routing without consulting the table.
type LookupCache struct {
	slots []cacheSlot
	mask  uint64

	mutex sync.RWMutex

	hits       uint64
	misses     uint64
	inserts    uint64
	collisions uint64
}

// NewLookupCache returns a cache with the given slot count, rounded up to a
// power of two.
func NewLookupCache(size int) *LookupCache {
	if size <= 0 {
		size = DefaultCacheSize
	}

	rounded := 1
	for rounded < size {
		rounded <<= 1
	}

	return &LookupCache{
		slots: make([]cacheSlot, rounded),
		mask:  uint64(rounded - 1),
	}
}

// Lookup returns the cached replacement for a main sector.
func (lc *LookupCache) Lookup(mainSector uint64) (spareSector uint64, found bool) {
	lc.mutex.RLock()
	slot := lc.slots[mainSector&lc.mask]
	lc.mutex.RUnlock()

	if slot.valid == true && slot.mainSector == mainSector {
		atomic.AddUint64(&lc.hits, 1)
		return slot.spareSector, true
	}

	atomic.AddUint64(&lc.misses, 1)

	return 0, false
}

// Insert records an ACTIVE pair. A colliding pair in the same slot is
// displaced; the table remains authoritative for it.
func (lc *LookupCache) Insert(mainSector, spareSector uint64) {
	lc.mutex.Lock()

	slot := &lc.slots[mainSector&lc.mask]
	if slot.valid == true && slot.mainSector != mainSector {
		atomic.AddUint64(&lc.collisions, 1)
	}

	slot.mainSector = mainSector
	slot.spareSector = spareSector
	slot.valid = true

	lc.mutex.Unlock()

	atomic.AddUint64(&lc.inserts, 1)
}

// Purge invalidates every slot. Used at teardown.
func (lc *LookupCache) Purge() {
	lc.mutex.Lock()
	defer lc.mutex.Unlock()

	for i := range lc.slots {
		lc.slots[i] = cacheSlot{}
	}
}

// Size returns the slot count.
func (lc *LookupCache) Size() int {
	return len(lc.slots)
}

// CacheStats is a point-in-time counter snapshot.
type CacheStats struct {
	Hits       uint64
	Misses     uint64
	Inserts    uint64
	Collisions uint64
	Size       int
}

// HitRate returns hits/(hits+misses), or zero with no traffic.
func (cs CacheStats) HitRate() float64 {
	total := cs.Hits + cs.Misses
	if total == 0 {
		return 0
	}

	return float64(cs.Hits) / float64(total)
}

// String returns a description of the snapshot.
func (cs CacheStats) String() string {
	return fmt.Sprintf("CacheStats<HITS=(%d) MISSES=(%d) RATE=(%.4f) SIZE=(%d)>", cs.Hits, cs.Misses, cs.HitRate(), cs.Size)
}

// Stats returns a counter snapshot without taking the slot lock.
func (lc *LookupCache) Stats() CacheStats {
	return CacheStats{
		Hits:       atomic.LoadUint64(&lc.hits),
		Misses:     atomic.LoadUint64(&lc.misses),
		Inserts:    atomic.LoadUint64(&lc.inserts),
		Collisions: atomic.LoadUint64(&lc.collisions),
		Size:       len(lc.slots),
	}
}

// ResetStats zeros the counters.
func (lc *LookupCache) ResetStats() {
	atomic.StoreUint64(&lc.hits, 0)
	atomic.StoreUint64(&lc.misses, 0)
	atomic.StoreUint64(&lc.inserts, 0)
	atomic.StoreUint64(&lc.collisions, 0)
}
