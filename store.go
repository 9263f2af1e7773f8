// This package implements the redundant metadata store: N identical record
// images at fixed sector offsets on the spare device, with newest-copy
// election and best-effort self-repair on read.

package dmremap

import (
	"errors"
	"fmt"

	"sync"
	"sync/atomic"

	"github.com/dsoprea/go-logging"
)

var (
	// metadataCopySectors are the fixed spare-device sectors holding the
	// redundant record images.
	metadataCopySectors = [MetadataCopyCount]uint64{0, 1024, 2048, 4096, 8192}
)

var (
	storeLogger = log.NewLogger("dmremap.store")
)

var (
	// ErrNoValidMetadata indicates no copy decoded and validated. At load
	// time this means a fresh device; anywhere else it is an I/O failure.
	ErrNoValidMetadata = errors.New("no valid metadata")

	// ErrMetadataWriteFailed indicates the requested durability threshold
	// was not reached.
	ErrMetadataWriteFailed = errors.New("metadata write failed")

	// ErrStoreShutdown indicates the store was cancelled mid-operation.
	ErrStoreShutdown = errors.New("metadata store shut down")
)

// WriteWait selects the durability threshold a metadata write blocks for.
type WriteWait int

const (
	// WriteWaitAny returns once at least one copy is acknowledged. One
	// readable copy is all the read protocol needs, and requiring all five
	// would refuse progress on a marginal device.
	WriteWaitAny WriteWait = iota

	// WriteWaitAll returns once every copy is acknowledged and fails if any
	// copy failed.
	WriteWaitAll

	// WriteNoWait fires the copies and returns immediately.
	WriteNoWait
)

// copyWriteContext tracks one record's fan-out across the copies: a cancel
// flag, a copies-pending counter, and a completion condition. Waiters are
// released when enough copies complete, when all complete, or on cancel.
type copyWriteContext struct {
	mutex sync.Mutex
	cond  *sync.Cond

	pending   int
	successes int
	failures  int
	cancelled bool
}

func newCopyWriteContext(pending int) *copyWriteContext {
	cwc := &copyWriteContext{
		pending: pending,
	}

	cwc.cond = sync.NewCond(&cwc.mutex)

	return cwc
}

func (cwc *copyWriteContext) complete(err error) {
	cwc.mutex.Lock()
	defer cwc.mutex.Unlock()

	cwc.pending--

	if err != nil {
		cwc.failures++
	} else {
		cwc.successes++
	}

	cwc.cond.Broadcast()
}

func (cwc *copyWriteContext) cancel() {
	cwc.mutex.Lock()
	defer cwc.mutex.Unlock()

	cwc.cancelled = true
	cwc.cond.Broadcast()
}

// waitAny blocks until one copy succeeds, every copy fails, or cancel.
func (cwc *copyWriteContext) waitAny() (err error) {
	cwc.mutex.Lock()
	defer cwc.mutex.Unlock()

	for cwc.successes == 0 && cwc.pending > 0 && cwc.cancelled == false {
		cwc.cond.Wait()
	}

	if cwc.successes > 0 {
		return nil
	} else if cwc.cancelled == true {
		return ErrStoreShutdown
	}

	return ErrMetadataWriteFailed
}

// waitAll blocks until every copy completes or cancel, and fails if any copy
// failed.
func (cwc *copyWriteContext) waitAll() (err error) {
	cwc.mutex.Lock()
	defer cwc.mutex.Unlock()

	for cwc.pending > 0 && cwc.cancelled == false {
		cwc.cond.Wait()
	}

	if cwc.cancelled == true {
		return ErrStoreShutdown
	} else if cwc.failures > 0 {
		return fmt.Errorf("%w: (%d) of (%d) copies failed", ErrMetadataWriteFailed, cwc.failures, cwc.failures+cwc.successes)
	}

	return nil
}

// CopyStatus reports one copy's fate during a read.
type CopyStatus struct {
	// CopyIndex is the copy's position in metadataCopySectors.
	CopyIndex int

	// Sector is the copy's fixed offset on the spare device.
	Sector uint64

	// SequenceNumber is the decoded sequence, valid only when Err is nil.
	SequenceNumber uint64

	// Err is nil for a validated copy, else the read or decode failure.
	Err error

	// Repaired indicates a rewrite of this copy was scheduled.
	Repaired bool
}

// MetadataStore reads and writes the redundant record images. Writes are
// serialized by an internal mutex; the sequence numbers they carry are owned
// by the caller.
type MetadataStore struct {
	spare SectorDevice

	mutex sync.Mutex

	cancelled uint32

	cwcMutex  sync.Mutex
	activeCwc *copyWriteContext

	liveWrites sync.WaitGroup

	writesStarted    uint64
	copiesAcked      uint64
	copiesFailed     uint64
	repairsScheduled uint64
}

// NewMetadataStore returns a store over the spare device.
func NewMetadataStore(spare SectorDevice) *MetadataStore {
	return &MetadataStore{
		spare: spare,
	}
}

func (ms *MetadataStore) isCancelled() bool {
	return atomic.LoadUint32(&ms.cancelled) != 0
}

// Cancel releases current and future waiters and fails new writes. Part of
// the suspension barrier: a blocked durability wait is released immediately
// rather than at the next I/O boundary.
func (ms *MetadataStore) Cancel() {
	atomic.StoreUint32(&ms.cancelled, 1)

	ms.cwcMutex.Lock()
	defer ms.cwcMutex.Unlock()

	if ms.activeCwc != nil {
		ms.activeCwc.cancel()
	}
}

// Drain blocks until all in-flight copy writes and repairs finish.
func (ms *MetadataStore) Drain() {
	ms.liveWrites.Wait()
}

// RepairsScheduled returns how many copy rewrites Read has scheduled.
func (ms *MetadataStore) RepairsScheduled() uint64 {
	return atomic.LoadUint64(&ms.repairsScheduled)
}

func (ms *MetadataStore) writeCopy(data []byte, copyIndex int, cwc *copyWriteContext) {
	defer ms.liveWrites.Done()

	var err error

	if ms.isCancelled() == true {
		err = ErrStoreShutdown
	} else {
		err = ms.spare.WriteSectors(metadataCopySectors[copyIndex], data)
	}

	if err != nil {
		atomic.AddUint64(&ms.copiesFailed, 1)
		storeLogger.Errorf(nil, err, "Metadata copy (%d) write failed.", copyIndex)
	} else {
		atomic.AddUint64(&ms.copiesAcked, 1)
	}

	if cwc != nil {
		cwc.complete(err)
	}
}

// encodeCopies serializes one image per copy, each with its own copy index
// and a checksum recomputed for it. Images are padded to whole sectors.
func (ms *MetadataStore) encodeCopies(record *MetadataRecord) (images [][]byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	paddedSize := metadataRecordSectors(ms.spare.SectorSize()) * uint64(ms.spare.SectorSize())

	images = make([][]byte, MetadataCopyCount)

	for i := 0; i < MetadataCopyCount; i++ {
		image := *record
		image.CopyIndex = uint32(i)

		data, err := image.Encode()
		log.PanicIf(err)

		if uint64(len(data)) < paddedSize {
			padded := make([]byte, paddedSize)
			copy(padded, data)
			data = padded
		}

		images[i] = data
	}

	return images, nil
}

// Write persists the record to all copy offsets. The record is durable once
// the selected wait mode returns nil: with WriteWaitAny that is one
// acknowledged copy, with WriteWaitAll it is every copy.
func (ms *MetadataStore) Write(record *MetadataRecord, wait WriteWait) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if ms.isCancelled() == true {
		return ErrStoreShutdown
	}

	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	images, err := ms.encodeCopies(record)
	log.PanicIf(err)

	atomic.AddUint64(&ms.writesStarted, 1)

	cwc := newCopyWriteContext(MetadataCopyCount)

	ms.cwcMutex.Lock()
	ms.activeCwc = cwc
	ms.cwcMutex.Unlock()

	defer func() {
		ms.cwcMutex.Lock()
		ms.activeCwc = nil
		ms.cwcMutex.Unlock()
	}()

	for i := 0; i < MetadataCopyCount; i++ {
		ms.liveWrites.Add(1)
		go ms.writeCopy(images[i], i, cwc)
	}

	switch wait {
	case WriteWaitAll:
		return cwc.waitAll()
	case WriteWaitAny:
		return cwc.waitAny()
	}

	return nil
}

func (ms *MetadataStore) readCopy(copyIndex int) (record *MetadataRecord, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	paddedSize := metadataRecordSectors(ms.spare.SectorSize()) * uint64(ms.spare.SectorSize())

	buf := make([]byte, paddedSize)

	err = ms.spare.ReadSectors(metadataCopySectors[copyIndex], buf)
	log.PanicIf(err)

	record, err = DecodeMetadataRecord(buf)
	log.PanicIf(err)

	return record, nil
}

// Read loads the record: every copy is read and decoded independently, the
// validated copy with the largest sequence number wins (ties to the smallest
// copy index), and invalid copies are rewritten asynchronously from the
// winner. The per-copy report is returned alongside the winner.
func (ms *MetadataStore) Read() (record *MetadataRecord, copies []CopyStatus, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	copies = make([]CopyStatus, MetadataCopyCount)

	for i := 0; i < MetadataCopyCount; i++ {
		copies[i].CopyIndex = i
		copies[i].Sector = metadataCopySectors[i]

		candidate, err := ms.readCopy(i)
		if err != nil {
			copies[i].Err = err
			continue
		}

		copies[i].SequenceNumber = candidate.SequenceNumber

		if record == nil || candidate.SequenceNumber > record.SequenceNumber {
			record = candidate
		}
	}

	if record == nil {
		return nil, copies, ErrNoValidMetadata
	}

	ms.repairStale(record, copies)

	return record, copies, nil
}

// repairStale schedules rewrites of copies that failed to validate. Repair
// is best-effort and asynchronous; failures are logged, never surfaced.
func (ms *MetadataStore) repairStale(record *MetadataRecord, copies []CopyStatus) {
	for i := range copies {
		if copies[i].Err == nil {
			continue
		}

		image := *record
		image.CopyIndex = uint32(i)

		data, err := image.Encode()
		if err != nil {
			storeLogger.Errorf(nil, err, "Could not encode repair image for copy (%d).", i)
			continue
		}

		paddedSize := metadataRecordSectors(ms.spare.SectorSize()) * uint64(ms.spare.SectorSize())
		if uint64(len(data)) < paddedSize {
			padded := make([]byte, paddedSize)
			copy(padded, data)
			data = padded
		}

		copies[i].Repaired = true

		atomic.AddUint64(&ms.repairsScheduled, 1)

		ms.liveWrites.Add(1)
		go ms.writeCopy(data, i, nil)
	}
}
