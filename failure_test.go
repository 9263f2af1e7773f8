package dmremap

import (
	"errors"
	"testing"
	"time"

	"sync/atomic"

	"github.com/dsoprea/go-logging"
)

const testWait = 5 * time.Second

func TestFailurePipeline_RemapUnderFailure(t *testing.T) {
	main, spare := newTestDevices()

	tgt := newTestTarget(main, spare, nil)
	defer tgt.Destroy()

	main.FailRead(42, errors.New("grown defect"))

	io := &InterceptedIo{
		Direction: IoRead,
		Sector:    42,
		Data:      make([]byte, DefaultSectorSize),
	}

	status, err := tgt.Submit(io)
	log.PanicIf(err)

	if status != IoStatusError {
		t.Fatalf("Failing read did not fail: [%s]", status)
	}

	ok := waitFor(testWait, func() bool {
		_, found := tgt.table.Lookup(42)
		return found
	})

	if ok != true {
		t.Fatalf("Remap did not activate.")
	}

	spareSector, _ := tgt.table.Lookup(42)
	if spareSector < tgt.pair.Geometry().SpareRegionStart {
		t.Fatalf("Replacement outside the spare region: (%d)", spareSector)
	}

	if tgt.stats.Snapshot().IoErrors != 1 {
		t.Fatalf("Error counter not correct.")
	}

	// The initial record was sequence 1; the remap wrote sequence 2.
	if atomic.LoadUint64(&tgt.sequence) != 2 {
		t.Fatalf("Sequence not advanced: (%d)", atomic.LoadUint64(&tgt.sequence))
	}

	// The same sector now reads cleanly through the replacement.
	status, err = tgt.Submit(io)
	log.PanicIf(err)

	if status != IoStatusSuccess {
		t.Fatalf("Redirected read failed: [%s]", status)
	}
}

func TestFailurePipeline_WriteFailureLeavesPending(t *testing.T) {
	main, spare := newTestDevices()

	tgt := newTestTarget(main, spare, nil)
	defer tgt.Destroy()

	// Every metadata copy write fails, so durability is unreachable.
	injected := errors.New("injected")

	for i := 0; i < MetadataCopyCount; i++ {
		spare.FailWrite(metadataCopySectors[i], injected)
	}

	main.FailRead(42, errors.New("grown defect"))

	io := &InterceptedIo{
		Direction: IoRead,
		Sector:    42,
		Data:      make([]byte, DefaultSectorSize),
	}

	_, err := tgt.Submit(io)
	log.PanicIf(err)

	ok := waitFor(testWait, func() bool {
		entry, found := tgt.table.LookupEntry(42)
		return found == true && tgt.table.StateOf(entry) == EntryPending
	})

	if ok != true {
		t.Fatalf("PENDING entry not created.")
	}

	// Wait until the failed persist attempt has fully unwound.
	ok = waitFor(testWait, func() bool {
		return atomic.LoadUint64(&tgt.store.copiesFailed) >= MetadataCopyCount
	})

	if ok != true {
		t.Fatalf("Copy writes did not fail.")
	}

	tgt.store.Drain()

	if _, found := tgt.table.Lookup(42); found == true {
		t.Fatalf("Entry visible without durable metadata.")
	}

	entry, _ := tgt.table.LookupEntry(42)
	pendingSpare := entry.SpareSector

	// With the device healthy again, the next failure at the same sector
	// retries persistence of the same pair and activates it.
	spare.ClearFaults()

	_, err = tgt.Submit(io)
	log.PanicIf(err)

	ok = waitFor(testWait, func() bool {
		_, found := tgt.table.Lookup(42)
		return found
	})

	if ok != true {
		t.Fatalf("Retry did not activate the entry.")
	}

	activeSpare, _ := tgt.table.Lookup(42)
	if activeSpare != pendingSpare {
		t.Fatalf("Retry changed the allocated spare: (%d) != (%d)", activeSpare, pendingSpare)
	}
}

func TestFailurePipeline_SpareExhaustion(t *testing.T) {
	main, spare := newTestDevices()

	tgt := newTestTarget(main, spare, func(opts *TargetOptions) {
		opts.SpareCapacity = 4
	})

	defer tgt.Destroy()

	failing := []uint64{10, 20, 30, 40}

	for _, sector := range failing {
		main.FailRead(sector, errors.New("grown defect"))

		io := &InterceptedIo{
			Direction: IoRead,
			Sector:    sector,
			Data:      make([]byte, DefaultSectorSize),
		}

		_, err := tgt.Submit(io)
		log.PanicIf(err)

		sector := sector

		ok := waitFor(testWait, func() bool {
			_, found := tgt.table.Lookup(sector)
			return found
		})

		if ok != true {
			t.Fatalf("Sector (%d) did not remap.", sector)
		}
	}

	// The fifth failure finds the spare region exhausted. The manual
	// request reports it synchronously; the I/O error itself propagates
	// unchanged.
	main.FailRead(50, errors.New("grown defect"))

	io := &InterceptedIo{
		Direction: IoRead,
		Sector:    50,
		Data:      make([]byte, DefaultSectorSize),
	}

	status, err := tgt.Submit(io)
	log.PanicIf(err)

	if status != IoStatusError {
		t.Fatalf("Original error not propagated: [%s]", status)
	}

	err = tgt.pipeline.requestManual(60)
	if errors.Is(err, ErrTableFull) != true {
		t.Fatalf("Exhaustion not reported: %v", err)
	}

	if tgt.table.Len() != 4 {
		t.Fatalf("Table size not correct: (%d)", tgt.table.Len())
	}

	if _, found := tgt.table.Lookup(50); found == true {
		t.Fatalf("Sector 50 remapped despite exhaustion.")
	}
}

func TestFailurePipeline_DedupOnlyBumpsErrors(t *testing.T) {
	main, spare := newTestDevices()

	tgt := newTestTarget(main, spare, nil)
	defer tgt.Destroy()

	err := tgt.pipeline.requestManual(42)
	log.PanicIf(err)

	if _, found := tgt.table.LookupEntry(42); found != true {
		t.Fatalf("Manual remap did not create an entry.")
	}

	writesBefore := atomic.LoadUint64(&tgt.store.writesStarted)

	tgt.pipeline.noteFailure(42, IoStatusError)

	ok := waitFor(testWait, func() bool {
		slots, _ := tgt.table.Snapshot()

		for _, slot := range slots {
			if slot.OriginalSector == 42 && slot.ErrorCount == 1 {
				return true
			}
		}

		return false
	})

	if ok != true {
		t.Fatalf("Repeat failure did not bump the error count.")
	}

	// Process the queue behind the duplicate to prove it wrote nothing.
	err = tgt.pipeline.requestManual(43)
	log.PanicIf(err)

	writesAfter := atomic.LoadUint64(&tgt.store.writesStarted)

	if writesAfter != writesBefore+1 {
		t.Fatalf("Duplicate failure wrote metadata: (%d) -> (%d)", writesBefore, writesAfter)
	}
}

func TestFailurePipeline_ManualRemap(t *testing.T) {
	main, spare := newTestDevices()

	tgt := newTestTarget(main, spare, nil)
	defer tgt.Destroy()

	err := tgt.pipeline.requestManual(123)
	log.PanicIf(err)

	spareSector, found := tgt.table.Lookup(123)
	if found != true {
		t.Fatalf("Manual remap not active.")
	}

	entry, _ := tgt.table.LookupEntry(123)

	if entry.Reason != RemapReasonManual {
		t.Fatalf("Manual reason not recorded: [%s]", entry.Reason)
	} else if entry.ErrorCount != 0 {
		t.Fatalf("Manual remap carries errors: (%d)", entry.ErrorCount)
	}

	// The cache was primed by activation.
	cached, found := tgt.cache.Lookup(123)
	if found != true || cached != spareSector {
		t.Fatalf("Activation did not prime the cache.")
	}
}
