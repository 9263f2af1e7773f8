// This package maintains the in-memory remap table: the authoritative
// main-sector to spare-sector mapping, with per-entry state and the spare
// allocation cursor.

package dmremap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dsoprea/go-logging"
)

const (
	// DefaultTableCapacity is the reference number of remaps one target can
	// hold. Bounded above by the record's slot capacity.
	DefaultTableCapacity = 2048
)

var (
	// ErrTableFull indicates the table is at capacity or the spare region is
	// exhausted. Further automatic remap requests are refused.
	ErrTableFull = errors.New("remap table full")

	// ErrDuplicateSector indicates an entry for the main sector already
	// exists.
	ErrDuplicateSector = errors.New("duplicate main sector")

	// ErrBadRestoreSlot indicates persisted data that violates the table's
	// invariants (spare outside the replacement region, duplicate sectors).
	ErrBadRestoreSlot = errors.New("bad restore slot")
)

// RemapEntryState is the visibility state of one entry.
type RemapEntryState uint32

const (
	// EntryPending marks an entry whose metadata is not yet durable. Never
	// visible to lookups.
	EntryPending RemapEntryState = iota

	// EntryActive marks a durable entry, visible to lookups.
	EntryActive
)

// String returns the state name.
func (res RemapEntryState) String() string {
	if res == EntryActive {
		return "ACTIVE"
	}

	return "PENDING"
}

// RemapEntry is one mapping. MainSector and SpareSector are fixed at
// creation; state changes PENDING to ACTIVE exactly once. All mutation
// happens under the owning table's lock.
type RemapEntry struct {
	MainSector  uint64
	SpareSector uint64
	CreatedAt   uint64
	AccessCount uint32
	ErrorCount  uint32
	Reason      RemapReason

	state RemapEntryState
}

// State returns the entry's current state. Racing readers must hold the
// table lock; the dispatcher does.
func (re *RemapEntry) State() RemapEntryState {
	return re.state
}

// String returns a description of the entry.
func (re *RemapEntry) String() string {
	return fmt.Sprintf("RemapEntry<MAIN=(%d) SPARE=(%d) STATE=[%s] ERRORS=(%d)>", re.MainSector, re.SpareSector, re.state, re.ErrorCount)
}

// RemapTable holds entries in insertion order with a unique-main index and
// the monotone spare-allocation cursor. A single mutex covers all of it;
// lookups read under the same lock, which is acceptable because every caller
// is already bounded by device latency.
type RemapTable struct {
	mutex sync.Mutex

	entries []*RemapEntry
	index   map[uint64]*RemapEntry

	capacity int

	spareStart uint64
	spareLimit uint64
	nextSpare  uint64
}

// NewRemapTable returns an empty table allocating spare sectors from the
// given geometry.
func NewRemapTable(capacity int, geometry SpareGeometry) *RemapTable {
	if capacity <= 0 || capacity > MetadataRemapCapacity {
		capacity = DefaultTableCapacity
	}

	return &RemapTable{
		entries:    make([]*RemapEntry, 0, capacity),
		index:      make(map[uint64]*RemapEntry),
		capacity:   capacity,
		spareStart: geometry.SpareRegionStart,
		spareLimit: geometry.SpareRegionLimit,
		nextSpare:  geometry.SpareRegionStart,
	}
}

// Lookup resolves a main sector to its replacement. Only ACTIVE entries are
// visible; a PENDING entry behaves as no entry at all.
func (rt *RemapTable) Lookup(mainSector uint64) (spareSector uint64, found bool) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	entry, found := rt.index[mainSector]
	if found == false || entry.state != EntryActive {
		return 0, false
	}

	entry.AccessCount++

	return entry.SpareSector, true
}

// LookupEntry returns the entry for a main sector in any state. The failure
// pipeline uses this for deduplication and retry.
func (rt *RemapTable) LookupEntry(mainSector uint64) (entry *RemapEntry, found bool) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	entry, found = rt.index[mainSector]
	return entry, found
}

// StateOf reads an entry's state under the table lock.
func (rt *RemapTable) StateOf(entry *RemapEntry) RemapEntryState {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	return entry.state
}

// InsertPending allocates the next spare sector and installs a PENDING entry
// under a single critical section.
func (rt *RemapTable) InsertPending(mainSector, createdAt uint64, errorCount uint32, reason RemapReason) (entry *RemapEntry, err error) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	if _, exists := rt.index[mainSector]; exists == true {
		return nil, ErrDuplicateSector
	}

	if len(rt.entries) >= rt.capacity {
		return nil, ErrTableFull
	}

	if rt.nextSpare >= rt.spareLimit {
		return nil, ErrTableFull
	}

	entry = &RemapEntry{
		MainSector:  mainSector,
		SpareSector: rt.nextSpare,
		CreatedAt:   createdAt,
		ErrorCount:  errorCount,
		Reason:      reason,
		state:       EntryPending,
	}

	rt.nextSpare++

	rt.entries = append(rt.entries, entry)
	rt.index[mainSector] = entry

	return entry, nil
}

// Activate flips an entry PENDING to ACTIVE. The transition becomes visible
// to lookups when the table lock is released.
func (rt *RemapTable) Activate(entry *RemapEntry) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	if entry.state == EntryActive {
		log.Panicf("entry activated twice: %s", entry)
	}

	entry.state = EntryActive
}

// BumpError adds to an entry's error count.
func (rt *RemapTable) BumpError(entry *RemapEntry, delta uint32) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	entry.ErrorCount += delta
}

// RestoreActive bulk-installs persisted slots as ACTIVE entries and advances
// the spare cursor past the largest restored spare sector. Runs exclusively
// during construction.
func (rt *RemapTable) RestoreActive(slots []RemapSlot) (err error) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	if len(rt.entries) != 0 {
		return log.Errorf("restore into a non-empty table")
	}

	spares := make(map[uint64]struct{}, len(slots))

	for _, slot := range slots {
		if slot.Flags&slotFlagActive == 0 {
			return fmt.Errorf("%w: slot for sector (%d) not marked active", ErrBadRestoreSlot, slot.OriginalSector)
		}

		if slot.SpareSector < rt.spareStart || slot.SpareSector >= rt.spareLimit {
			return fmt.Errorf("%w: spare sector (%d) outside region [%d, %d)", ErrBadRestoreSlot, slot.SpareSector, rt.spareStart, rt.spareLimit)
		}

		if _, exists := rt.index[slot.OriginalSector]; exists == true {
			return fmt.Errorf("%w: duplicate main sector (%d)", ErrBadRestoreSlot, slot.OriginalSector)
		}

		if _, exists := spares[slot.SpareSector]; exists == true {
			return fmt.Errorf("%w: duplicate spare sector (%d)", ErrBadRestoreSlot, slot.SpareSector)
		}

		spares[slot.SpareSector] = struct{}{}

		entry := &RemapEntry{
			MainSector:  slot.OriginalSector,
			SpareSector: slot.SpareSector,
			CreatedAt:   slot.CreatedAt,
			AccessCount: slot.AccessCount,
			ErrorCount:  slot.ErrorCount,
			Reason:      RemapReason(slot.Reason),
			state:       EntryActive,
		}

		rt.entries = append(rt.entries, entry)
		rt.index[entry.MainSector] = entry

		if entry.SpareSector+1 > rt.nextSpare {
			rt.nextSpare = entry.SpareSector + 1
		}
	}

	return nil
}

// Snapshot serializes the table into record slots under one lock
// acquisition. PENDING entries are included: the snapshot is what the
// write-ahead protocol persists before activating them.
func (rt *RemapTable) Snapshot() (slots []RemapSlot, nextSpare uint64) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	slots = make([]RemapSlot, len(rt.entries))

	for i, entry := range rt.entries {
		slots[i] = RemapSlot{
			OriginalSector: entry.MainSector,
			SpareSector:    entry.SpareSector,
			CreatedAt:      entry.CreatedAt,
			AccessCount:    entry.AccessCount,
			ErrorCount:     entry.ErrorCount,
			Reason:         uint16(entry.Reason),
			Flags:          slotFlagActive,
		}
	}

	return slots, rt.nextSpare
}

// Len returns the total entry count, PENDING included.
func (rt *RemapTable) Len() int {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	return len(rt.entries)
}

// ActiveLen returns the number of ACTIVE entries.
func (rt *RemapTable) ActiveLen() int {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	count := 0
	for _, entry := range rt.entries {
		if entry.state == EntryActive {
			count++
		}
	}

	return count
}

// SpareRemaining returns how many replacement sectors are still unallocated.
func (rt *RemapTable) SpareRemaining() uint64 {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	if rt.nextSpare >= rt.spareLimit {
		return 0
	}

	return rt.spareLimit - rt.nextSpare
}
