// This package implements the write-ahead remap protocol: the failure worker
// that turns observed main-device failures into durable remaps, and the
// dedicated executor that performs the blocking metadata writes.

package dmremap

import (
	"errors"

	"sync"
	"sync/atomic"

	"github.com/dsoprea/go-logging"
)

const (
	// failureQueueDepth bounds the failure work queue. Completions must not
	// block; an overflowing queue drops the event, and the next failure at
	// the same sector re-raises it.
	failureQueueDepth = 64
)

var (
	failureLogger = log.NewLogger("dmremap.failure")
)

var (
	// ErrShutdownInProgress indicates a worker observed the target going
	// inactive and unwound without further I/O.
	ErrShutdownInProgress = errors.New("shutdown in progress")
)

// metadataWriteRequest is one record handed to the metadata executor.
type metadataWriteRequest struct {
	record *MetadataRecord
	wait   WriteWait
	done   chan error
}

// metadataWriter is the dedicated executor for metadata writes. Persisting a
// record allocates and blocks on device I/O, so it never runs on the failure
// worker directly; the worker posts a request and waits for completion or
// the stop signal.
type metadataWriter struct {
	store *MetadataStore

	requests chan *metadataWriteRequest
	stop     chan struct{}

	wg sync.WaitGroup
}

func newMetadataWriter(store *MetadataStore) *metadataWriter {
	return &metadataWriter{
		store:    store,
		requests: make(chan *metadataWriteRequest),
		stop:     make(chan struct{}),
	}
}

func (mw *metadataWriter) start() {
	mw.wg.Add(1)
	go mw.run()
}

func (mw *metadataWriter) run() {
	defer mw.wg.Done()

	for {
		select {
		case <-mw.stop:
			return
		case req := <-mw.requests:
			req.done <- mw.store.Write(req.record, req.wait)
		}
	}
}

// requestWrite submits a record and blocks until it reaches the requested
// durability threshold or the executor is stopped.
func (mw *metadataWriter) requestWrite(record *MetadataRecord, wait WriteWait) (err error) {
	req := &metadataWriteRequest{
		record: record,
		wait:   wait,
		done:   make(chan error, 1),
	}

	select {
	case mw.requests <- req:
	case <-mw.stop:
		return ErrShutdownInProgress
	}

	select {
	case err = <-req.done:
		return err
	case <-mw.stop:
		return ErrShutdownInProgress
	}
}

// halt stops the executor and joins it. The store must be cancelled first so
// an in-flight write's durability wait is released.
func (mw *metadataWriter) halt() {
	close(mw.stop)
	mw.wg.Wait()
}

// failureEvent is one observed failure, or one operator remap request.
type failureEvent struct {
	sector uint64
	reason RemapReason

	errorCount uint32

	// done, when non-nil, receives the outcome. Operator requests wait on
	// it; completion-path events never do.
	done chan error
}

// failurePipeline serializes remap creation. Events arrive from completion
// context without blocking; a single worker drives each one through
// allocate, persist, activate.
type failurePipeline struct {
	tgt *Target

	queue chan failureEvent
	stop  chan struct{}

	wg sync.WaitGroup

	dropped uint64
}

func newFailurePipeline(tgt *Target) *failurePipeline {
	return &failurePipeline{
		tgt:   tgt,
		queue: make(chan failureEvent, failureQueueDepth),
		stop:  make(chan struct{}),
	}
}

func (fp *failurePipeline) start() {
	fp.wg.Add(1)
	go fp.run()
}

func (fp *failurePipeline) halt() {
	close(fp.stop)
	fp.wg.Wait()
}

// noteFailure enqueues a failure observed at completion. Never blocks: if
// the queue is full the event is dropped, and the next failure at the same
// sector re-raises it.
func (fp *failurePipeline) noteFailure(sector uint64, status IoStatus) {
	reason := RemapReasonIoError
	if status == IoStatusMediumError {
		reason = RemapReasonMediumError
	}

	event := failureEvent{
		sector:     sector,
		reason:     reason,
		errorCount: 1,
	}

	select {
	case fp.queue <- event:
	default:
		atomic.AddUint64(&fp.dropped, 1)
		failureLogger.Warningf(nil, "Failure queue full; dropping event for sector (%d).", sector)
	}
}

// requestManual drives an operator-initiated remap through the same
// write-ahead protocol and waits for the outcome.
func (fp *failurePipeline) requestManual(sector uint64) (err error) {
	event := failureEvent{
		sector: sector,
		reason: RemapReasonManual,
		done:   make(chan error, 1),
	}

	select {
	case fp.queue <- event:
	case <-fp.stop:
		return ErrShutdownInProgress
	}

	select {
	case err = <-event.done:
		return err
	case <-fp.stop:
		return ErrShutdownInProgress
	}
}

func (fp *failurePipeline) run() {
	defer fp.wg.Done()

	for {
		select {
		case <-fp.stop:
			return
		case event := <-fp.queue:
			err := fp.process(event)

			if event.done != nil {
				event.done <- err
			} else if err != nil && errors.Is(err, ErrShutdownInProgress) == false {
				failureLogger.Errorf(nil, err, "Remap of sector (%d) failed.", event.sector)
			}
		}
	}
}

// process is the write-ahead remap protocol for one sector: deduplicate,
// allocate PENDING, persist, activate. No lookup ever observes the entry
// before the metadata that records it is durable.
func (fp *failurePipeline) process(event failureEvent) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	tgt := fp.tgt

	if tgt.isActive() == false {
		return ErrShutdownInProgress
	}

	entry, found := tgt.table.LookupEntry(event.sector)

	if found == true {
		if tgt.table.StateOf(entry) == EntryActive {
			// Already remapped; just record the repeat failure.
			if event.errorCount > 0 {
				tgt.table.BumpError(entry, event.errorCount)
			}

			return nil
		}

		// A PENDING entry means an earlier persist attempt failed. The
		// entry keeps its allocated spare sector; retry with the same pair.
		if event.errorCount > 0 {
			tgt.table.BumpError(entry, event.errorCount)
		}
	} else {
		entry, err = tgt.table.InsertPending(event.sector, tgt.nowNs(), event.errorCount, event.reason)

		if err != nil {
			if errors.Is(err, ErrTableFull) == true {
				failureLogger.Warningf(nil, "Spare exhausted; sector (%d) can not be remapped.", event.sector)
			}

			return err
		}
	}

	record := tgt.buildRecord()

	err = tgt.writer.requestWrite(record, WriteWaitAny)
	if err != nil {
		// The entry stays PENDING and invisible; a later failure at the
		// same sector retries persistence of the same pair.
		failureLogger.Errorf(nil, err, "Metadata write for sector (%d) failed; entry left pending.", event.sector)

		return err
	}

	tgt.table.Activate(entry)
	tgt.cache.Insert(entry.MainSector, entry.SpareSector)

	failureLogger.Infof(nil, "Sector (%d) remapped to spare sector (%d).", entry.MainSector, entry.SpareSector)

	return nil
}
