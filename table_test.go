package dmremap

import (
	"errors"
	"testing"

	"github.com/dsoprea/go-logging"
)

func testGeometry(capacity uint64) SpareGeometry {
	return SpareGeometry{
		MetadataReservedSectors: 100,
		SpareRegionStart:        100,
		SpareRegionLimit:        100 + capacity,
	}
}

func TestRemapTable_PendingInvisible(t *testing.T) {
	rt := NewRemapTable(16, testGeometry(16))

	entry, err := rt.InsertPending(42, 1, 1, RemapReasonIoError)
	log.PanicIf(err)

	if entry.SpareSector != 100 {
		t.Fatalf("First allocation not at the region start: (%d)", entry.SpareSector)
	}

	if _, found := rt.Lookup(42); found == true {
		t.Fatalf("PENDING entry visible to lookups.")
	}

	if _, found := rt.LookupEntry(42); found != true {
		t.Fatalf("PENDING entry not visible to LookupEntry.")
	}
}

func TestRemapTable_ActivateMakesVisible(t *testing.T) {
	rt := NewRemapTable(16, testGeometry(16))

	entry, err := rt.InsertPending(42, 1, 1, RemapReasonIoError)
	log.PanicIf(err)

	rt.Activate(entry)

	spare, found := rt.Lookup(42)
	if found != true {
		t.Fatalf("ACTIVE entry not visible.")
	} else if spare != entry.SpareSector {
		t.Fatalf("Lookup returned the wrong spare: (%d)", spare)
	}

	if rt.StateOf(entry) != EntryActive {
		t.Fatalf("Entry state not ACTIVE.")
	}
}

func TestRemapTable_DuplicateRejected(t *testing.T) {
	rt := NewRemapTable(16, testGeometry(16))

	_, err := rt.InsertPending(42, 1, 1, RemapReasonIoError)
	log.PanicIf(err)

	_, err = rt.InsertPending(42, 2, 1, RemapReasonIoError)
	if errors.Is(err, ErrDuplicateSector) != true {
		t.Fatalf("Duplicate main sector not rejected: %v", err)
	}
}

func TestRemapTable_CapacityFull(t *testing.T) {
	rt := NewRemapTable(2, testGeometry(16))

	_, err := rt.InsertPending(1, 1, 1, RemapReasonIoError)
	log.PanicIf(err)

	_, err = rt.InsertPending(2, 1, 1, RemapReasonIoError)
	log.PanicIf(err)

	_, err = rt.InsertPending(3, 1, 1, RemapReasonIoError)
	if errors.Is(err, ErrTableFull) != true {
		t.Fatalf("Full table not detected: %v", err)
	}
}

func TestRemapTable_SpareExhaustionBoundary(t *testing.T) {
	// A region of exactly one sector: the allocation at the last cursor
	// position succeeds and the next one fails.
	rt := NewRemapTable(16, testGeometry(1))

	entry, err := rt.InsertPending(1, 1, 1, RemapReasonIoError)
	log.PanicIf(err)

	if entry.SpareSector != 100 {
		t.Fatalf("Boundary allocation not correct: (%d)", entry.SpareSector)
	}

	_, err = rt.InsertPending(2, 1, 1, RemapReasonIoError)
	if errors.Is(err, ErrTableFull) != true {
		t.Fatalf("Spare exhaustion not detected: %v", err)
	}
}

func TestRemapTable_SnapshotIncludesPending(t *testing.T) {
	rt := NewRemapTable(16, testGeometry(16))

	active, err := rt.InsertPending(1, 1, 1, RemapReasonIoError)
	log.PanicIf(err)

	rt.Activate(active)

	_, err = rt.InsertPending(2, 2, 1, RemapReasonMediumError)
	log.PanicIf(err)

	slots, nextSpare := rt.Snapshot()

	if len(slots) != 2 {
		t.Fatalf("Snapshot size not correct: (%d)", len(slots))
	} else if nextSpare != 102 {
		t.Fatalf("Snapshot cursor not correct: (%d)", nextSpare)
	}

	// The write-ahead protocol persists PENDING entries too.
	if slots[1].OriginalSector != 2 || slots[1].Flags != slotFlagActive {
		t.Fatalf("PENDING entry not serialized: %s", slots[1])
	}
}

func TestRemapTable_RestoreActive(t *testing.T) {
	rt := NewRemapTable(16, testGeometry(16))

	slots := []RemapSlot{
		{OriginalSector: 42, SpareSector: 103, CreatedAt: 5, ErrorCount: 1, Reason: uint16(RemapReasonIoError), Flags: slotFlagActive},
		{OriginalSector: 7, SpareSector: 101, CreatedAt: 6, ErrorCount: 2, Reason: uint16(RemapReasonMediumError), Flags: slotFlagActive},
	}

	err := rt.RestoreActive(slots)
	log.PanicIf(err)

	spare, found := rt.Lookup(42)
	if found != true || spare != 103 {
		t.Fatalf("Restored entry not visible: (%d) [%v]", spare, found)
	}

	// The cursor advances past the largest restored spare sector.
	entry, err := rt.InsertPending(9, 1, 1, RemapReasonIoError)
	log.PanicIf(err)

	if entry.SpareSector != 104 {
		t.Fatalf("Cursor not advanced past restored spares: (%d)", entry.SpareSector)
	}
}

func TestRemapTable_RestoreRejectsBadSlots(t *testing.T) {
	rt := NewRemapTable(16, testGeometry(16))

	outside := []RemapSlot{
		{OriginalSector: 42, SpareSector: 9999, Flags: slotFlagActive},
	}

	err := rt.RestoreActive(outside)
	if errors.Is(err, ErrBadRestoreSlot) != true {
		t.Fatalf("Out-of-region spare not rejected: %v", err)
	}

	rt = NewRemapTable(16, testGeometry(16))

	duplicates := []RemapSlot{
		{OriginalSector: 42, SpareSector: 100, Flags: slotFlagActive},
		{OriginalSector: 42, SpareSector: 101, Flags: slotFlagActive},
	}

	err = rt.RestoreActive(duplicates)
	if errors.Is(err, ErrBadRestoreSlot) != true {
		t.Fatalf("Duplicate main sector not rejected: %v", err)
	}
}

func TestRemapTable_BumpError(t *testing.T) {
	rt := NewRemapTable(16, testGeometry(16))

	entry, err := rt.InsertPending(42, 1, 1, RemapReasonIoError)
	log.PanicIf(err)

	rt.BumpError(entry, 2)

	if entry.ErrorCount != 3 {
		t.Fatalf("Error count not correct: (%d)", entry.ErrorCount)
	}
}

func TestRemapTable_SpareRemaining(t *testing.T) {
	rt := NewRemapTable(16, testGeometry(4))

	if rt.SpareRemaining() != 4 {
		t.Fatalf("Initial spare count not correct: (%d)", rt.SpareRemaining())
	}

	_, err := rt.InsertPending(1, 1, 1, RemapReasonIoError)
	log.PanicIf(err)

	if rt.SpareRemaining() != 3 {
		t.Fatalf("Spare count after allocation not correct: (%d)", rt.SpareRemaining())
	}
}
