// This package routes intercepted I/O: cache first, then the authoritative
// table, then the main device. Failures observed on the main device wake the
// failure pipeline.

package dmremap

import (
	"errors"
	"fmt"
	"time"

	"github.com/dsoprea/go-logging"
)

var (
	// ErrIoOutOfRange indicates an I/O starting at or beyond the main device
	// size. Fatal for the I/O, never for the target.
	ErrIoOutOfRange = errors.New("io out of range")

	// ErrMediumFault distinguishes an unrecoverable medium error from a
	// generic transport failure. Devices return it wrapped.
	ErrMediumFault = errors.New("unrecoverable medium fault")
)

// IoDirection is the transfer direction of an intercepted I/O.
type IoDirection int

const (
	// IoRead transfers device to host.
	IoRead IoDirection = iota

	// IoWrite transfers host to device.
	IoWrite
)

// String returns the direction name.
func (id IoDirection) String() string {
	if id == IoWrite {
		return "write"
	}

	return "read"
}

// IoKind classifies an intercepted I/O beyond its direction.
type IoKind int

const (
	// IoKindData is an ordinary data transfer.
	IoKindData IoKind = iota

	// IoKindFlush is a cache-flush request. Passed through.
	IoKindFlush

	// IoKindDiscard is a discard/trim request. Passed through.
	IoKindDiscard

	// IoKindWriteZeroes is a write-zeroes request. Passed through.
	IoKindWriteZeroes
)

// IoStatus is the completion status of an I/O.
type IoStatus int

const (
	// IoStatusSuccess is a clean completion.
	IoStatusSuccess IoStatus = iota

	// IoStatusError is a generic I/O failure.
	IoStatusError

	// IoStatusMediumError is an unrecoverable medium failure.
	IoStatusMediumError

	// IoStatusTimedOut is a timed-out I/O.
	IoStatusTimedOut

	// IoStatusAborted is an I/O cancelled before completion.
	IoStatusAborted
)

// String returns the status name.
func (is IoStatus) String() string {
	switch is {
	case IoStatusSuccess:
		return "success"
	case IoStatusError:
		return "io-error"
	case IoStatusMediumError:
		return "medium-error"
	case IoStatusTimedOut:
		return "timed-out"
	}

	return "aborted"
}

// IsFailure indicates a non-success completion.
func (is IoStatus) IsFailure() bool {
	return is != IoStatusSuccess
}

// InterceptedIo is one I/O delivered by the host block layer.
type InterceptedIo struct {
	// Direction is the transfer direction.
	Direction IoDirection

	// Kind classifies the request.
	Kind IoKind

	// Sector is the starting sector, in main-device address space.
	Sector uint64

	// Data is the transfer buffer. Reads fill it, writes drain it. Nil for
	// flush and discard.
	Data []byte

	// Complete, when non-nil, receives the completion status exactly once.
	Complete func(status IoStatus)
}

// SizeBytes returns the transfer size.
func (io *InterceptedIo) SizeBytes() int {
	return len(io.Data)
}

// String returns a description of the I/O.
func (io *InterceptedIo) String() string {
	return fmt.Sprintf("Io<DIR=[%s] SECTOR=(%d) SIZE=(%d)>", io.Direction, io.Sector, io.SizeBytes())
}

// MapDisposition tells the host what happened to an I/O it handed over.
type MapDisposition int

const (
	// MapForwarded means the route was rewritten; the host submits it.
	MapForwarded MapDisposition = iota

	// MapRejected means the I/O must fail without touching a device.
	MapRejected

	// MapSubmitted means the dispatcher performed the I/O itself.
	MapSubmitted
)

// IoRoute is where an I/O should actually execute.
type IoRoute struct {
	// Role selects the device.
	Role DeviceRole

	// Sector is the translated starting sector on that device.
	Sector uint64
}

// IoDispatcher consults the cache and table for every data I/O and forwards
// or redirects accordingly. Safe for concurrent entry from many host
// threads.
type IoDispatcher struct {
	pair  *DevicePair
	table *RemapTable
	cache *LookupCache
	stats *TargetStats

	mainStartOffset uint64

	// onMainFailure is invoked, without blocking, for each failed main-
	// device I/O. Wired to the failure pipeline.
	onMainFailure func(sector uint64, status IoStatus)
}

// NewIoDispatcher returns a dispatcher over the pair.
func NewIoDispatcher(pair *DevicePair, table *RemapTable, cache *LookupCache, stats *TargetStats, mainStartOffset uint64, onMainFailure func(sector uint64, status IoStatus)) *IoDispatcher {
	return &IoDispatcher{
		pair:            pair,
		table:           table,
		cache:           cache,
		stats:           stats,
		mainStartOffset: mainStartOffset,
		onMainFailure:   onMainFailure,
	}
}

// isPassthrough reports I/Os that skip the remap lookup entirely: flushes,
// discards, write-zeroes, and multi-sector transfers.
func (dsp *IoDispatcher) isPassthrough(io *InterceptedIo) bool {
	if io.Kind != IoKindData {
		return true
	}

	return io.SizeBytes() > int(dsp.pair.Device(DeviceMain).SectorSize())
}

// Map decides where an I/O executes. The returned route is only meaningful
// with MapForwarded.
func (dsp *IoDispatcher) Map(io *InterceptedIo) (route IoRoute, disposition MapDisposition, err error) {
	mainSize := dsp.pair.Device(DeviceMain).SizeSectors()

	if io.Sector >= mainSize {
		return route, MapRejected, fmt.Errorf("%w: sector (%d) >= device size (%d)", ErrIoOutOfRange, io.Sector, mainSize)
	}

	dsp.stats.NoteIo(io.Direction)

	if dsp.isPassthrough(io) == true {
		dsp.stats.NoteNormal()

		return IoRoute{Role: DeviceMain, Sector: io.Sector + dsp.mainStartOffset}, MapForwarded, nil
	}

	// A cached pair implies a durable ACTIVE entry, and entries are never
	// deleted or overwritten, so a hit can be trusted without re-checking
	// the table.
	if spare, found := dsp.cache.Lookup(io.Sector); found == true {
		dsp.stats.NoteRemapped()

		return IoRoute{Role: DeviceSpare, Sector: spare}, MapForwarded, nil
	}

	if spare, found := dsp.table.Lookup(io.Sector); found == true {
		dsp.cache.Insert(io.Sector, spare)
		dsp.stats.NoteRemapped()

		return IoRoute{Role: DeviceSpare, Sector: spare}, MapForwarded, nil
	}

	dsp.stats.NoteNormal()

	return IoRoute{Role: DeviceMain, Sector: io.Sector + dsp.mainStartOffset}, MapForwarded, nil
}

// statusForError classifies a device error.
func statusForError(err error) IoStatus {
	if err == nil {
		return IoStatusSuccess
	} else if errors.Is(err, ErrMediumFault) == true {
		return IoStatusMediumError
	}

	return IoStatusError
}

// Submit maps and executes an I/O, delivers the completion, and feeds main-
// device failures to the failure pipeline. This is the MapSubmitted path.
func (dsp *IoDispatcher) Submit(io *InterceptedIo) (status IoStatus, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	route, disposition, err := dsp.Map(io)
	if disposition == MapRejected {
		dsp.stats.NoteError()

		if io.Complete != nil {
			io.Complete(IoStatusError)
		}

		return IoStatusError, err
	}

	started := time.Now()

	var ioErr error

	if io.Kind == IoKindData {
		device := dsp.pair.Device(route.Role)

		if io.Direction == IoWrite {
			ioErr = device.WriteSectors(route.Sector, io.Data)
		} else {
			ioErr = device.ReadSectors(route.Sector, io.Data)
		}
	}

	dsp.stats.NoteLatency(uint64(time.Since(started).Nanoseconds()))

	status = statusForError(ioErr)

	if status.IsFailure() == false {
		dsp.stats.NoteSuccess()
	} else {
		dsp.stats.NoteError()

		// Only main-device failures are remap candidates; a spare failure
		// propagates unchanged.
		if route.Role == DeviceMain && dsp.onMainFailure != nil {
			dsp.onMainFailure(io.Sector, status)
		}
	}

	if io.Complete != nil {
		io.Complete(status)
	}

	return status, nil
}
