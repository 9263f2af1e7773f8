// Per-target counters. Everything here is atomic so snapshot readers never
// contend with the table lock.

package dmremap

import (
	"fmt"

	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// TargetStats is the set of per-target I/O counters.
type TargetStats struct {
	reads  uint64
	writes uint64

	normalIos   uint64
	remappedIos uint64

	ioErrors          uint64
	consecutiveErrors uint64

	latencyCount uint64
	latencySumNs uint64
	latencyMaxNs uint64
}

// NoteIo counts one dispatched I/O by direction.
func (ts *TargetStats) NoteIo(direction IoDirection) {
	if direction == IoWrite {
		atomic.AddUint64(&ts.writes, 1)
	} else {
		atomic.AddUint64(&ts.reads, 1)
	}
}

// NoteNormal counts an I/O forwarded to the main device.
func (ts *TargetStats) NoteNormal() {
	atomic.AddUint64(&ts.normalIos, 1)
}

// NoteRemapped counts an I/O redirected to the spare device.
func (ts *TargetStats) NoteRemapped() {
	atomic.AddUint64(&ts.remappedIos, 1)
}

// NoteError counts a failed I/O.
func (ts *TargetStats) NoteError() {
	atomic.AddUint64(&ts.ioErrors, 1)
	atomic.AddUint64(&ts.consecutiveErrors, 1)
}

// NoteSuccess resets the consecutive-error run.
func (ts *TargetStats) NoteSuccess() {
	atomic.StoreUint64(&ts.consecutiveErrors, 0)
}

// NoteLatency folds one completed I/O's latency into the aggregate.
func (ts *TargetStats) NoteLatency(ns uint64) {
	atomic.AddUint64(&ts.latencyCount, 1)
	atomic.AddUint64(&ts.latencySumNs, ns)

	for {
		current := atomic.LoadUint64(&ts.latencyMaxNs)
		if ns <= current {
			return
		}

		if atomic.CompareAndSwapUint64(&ts.latencyMaxNs, current, ns) == true {
			return
		}
	}
}

// Reset zeros every counter.
func (ts *TargetStats) Reset() {
	atomic.StoreUint64(&ts.reads, 0)
	atomic.StoreUint64(&ts.writes, 0)
	atomic.StoreUint64(&ts.normalIos, 0)
	atomic.StoreUint64(&ts.remappedIos, 0)
	atomic.StoreUint64(&ts.ioErrors, 0)
	atomic.StoreUint64(&ts.consecutiveErrors, 0)
	atomic.StoreUint64(&ts.latencyCount, 0)
	atomic.StoreUint64(&ts.latencySumNs, 0)
	atomic.StoreUint64(&ts.latencyMaxNs, 0)
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Reads  uint64
	Writes uint64

	NormalIos   uint64
	RemappedIos uint64

	IoErrors          uint64
	ConsecutiveErrors uint64

	LatencyCount uint64
	LatencySumNs uint64
	LatencyMaxNs uint64
}

// AvgLatencyNs returns the mean completed-I/O latency.
func (ss StatsSnapshot) AvgLatencyNs() uint64 {
	if ss.LatencyCount == 0 {
		return 0
	}

	return ss.LatencySumNs / ss.LatencyCount
}

// String returns a description of the snapshot.
func (ss StatsSnapshot) String() string {
	return fmt.Sprintf("Stats<READS=(%s) WRITES=(%s) REMAPPED=(%s) ERRORS=(%s)>", humanize.Comma(int64(ss.Reads)), humanize.Comma(int64(ss.Writes)), humanize.Comma(int64(ss.RemappedIos)), humanize.Comma(int64(ss.IoErrors)))
}

// Snapshot copies the counters without locks.
func (ts *TargetStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Reads:        atomic.LoadUint64(&ts.reads),
		Writes:       atomic.LoadUint64(&ts.writes),
		NormalIos:    atomic.LoadUint64(&ts.normalIos),
		RemappedIos:  atomic.LoadUint64(&ts.remappedIos),
		IoErrors:          atomic.LoadUint64(&ts.ioErrors),
		ConsecutiveErrors: atomic.LoadUint64(&ts.consecutiveErrors),
		LatencyCount:      atomic.LoadUint64(&ts.latencyCount),
		LatencySumNs: atomic.LoadUint64(&ts.latencySumNs),
		LatencyMaxNs: atomic.LoadUint64(&ts.latencyMaxNs),
	}
}
