// This package binds the remap engine together: construction over a device
// pair, the deferred metadata load, the background health scan, the
// suspension barrier, and destruction.

package dmremap

import (
	"errors"
	"time"

	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/dsoprea/go-logging"
	"github.com/satori/go.uuid"
)

const (
	// DefaultLoadDelay is how long after construction the deferred metadata
	// load runs. Construction itself must never block on device I/O.
	DefaultLoadDelay = 100 * time.Millisecond

	// DefaultHealthScanInterval is the background health-scan period.
	DefaultHealthScanInterval = 60 * time.Second

	// hotspotErrorThreshold is the per-entry error count at which a sector
	// counts as a hotspot.
	hotspotErrorThreshold = 3
)

var (
	lifecycleLogger = log.NewLogger("dmremap.lifecycle")
)

var (
	// ErrTargetInactive indicates an operation arrived after the suspension
	// barrier.
	ErrTargetInactive = errors.New("target inactive")
)

// TargetState is the lifecycle state of a target.
type TargetState int32

const (
	// TargetConstructing is the initial state, before NewTarget returns.
	TargetConstructing TargetState = iota

	// TargetActive accepts I/O.
	TargetActive

	// TargetSuspending has passed the presuspend barrier; no new work
	// performs I/O.
	TargetSuspending

	// TargetDestroyed has released all resources.
	TargetDestroyed
)

// String returns the state name.
func (ts TargetState) String() string {
	switch ts {
	case TargetConstructing:
		return "constructing"
	case TargetActive:
		return "active"
	case TargetSuspending:
		return "suspending"
	}

	return "destroyed"
}

// TargetOptions are the construction-time knobs. The zero value selects the
// reference configuration.
type TargetOptions struct {
	// TableCapacity caps the number of remaps. Defaults to
	// DefaultTableCapacity; at most MetadataRemapCapacity.
	TableCapacity int

	// CacheSize is the lookup-cache slot count, rounded up to a power of
	// two. Defaults to DefaultCacheSize.
	CacheSize int

	// ExpectedBadFraction sizes the spare-device requirement. Defaults to
	// DefaultExpectedBadFraction, capped at MaxExpectedBadFraction.
	ExpectedBadFraction float64

	// StrictSizing requires the spare to be at least 1.05x the main.
	StrictSizing bool

	// SpareCapacity overrides the replacement-region size in sectors. Zero
	// selects half the spare device.
	SpareCapacity uint64

	// MainStartOffset shifts forwarded I/O on the main device.
	MainStartOffset uint64

	// LoadDelay is the deferred-load delay. Zero selects DefaultLoadDelay;
	// a negative value runs the load synchronously during construction,
	// which tests and one-shot tools use.
	LoadDelay time.Duration

	// HealthScanInterval is the background scan period. Zero selects
	// DefaultHealthScanInterval; a negative value disables the scanner.
	HealthScanInterval time.Duration
}

// healthState is the mutable health summary, all atomics.
type healthState struct {
	lastScanNs uint64
	nextScanNs uint64

	healthScore  uint32
	scanCount    uint32
	hotspotCount uint32
}

// Target is one remap instance fronting a main device with a spare device.
type Target struct {
	opts TargetOptions

	pair       *DevicePair
	table      *RemapTable
	cache      *LookupCache
	store      *MetadataStore
	writer     *metadataWriter
	pipeline   *failurePipeline
	dispatcher *IoDispatcher

	stats  TargetStats
	health healthState

	identity      DeviceIdentity
	identityMutex sync.Mutex

	sequence uint64

	active uint32
	state  int32

	metadataLoaded uint32
	loadedCh       chan struct{}
	loadedOnce     sync.Once
	loadTimer      *time.Timer

	healthStop chan struct{}
	healthWg   sync.WaitGroup

	epoch time.Time
}

// NewTarget constructs an instance over the two devices. The constructor
// never touches the devices beyond size queries: prior metadata is loaded by
// a deferred task shortly after construction returns, so the host's
// synchronous construction path never blocks on device I/O. Until that load
// completes the table is empty, and I/O for a previously remapped sector
// will fail on the main device again and re-create the remap. With a
// negative LoadDelay the load instead runs before NewTarget returns.
func NewTarget(main, spare SectorDevice, opts TargetOptions) (tgt *Target, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	pair, err := NewDevicePair(main, spare, opts.ExpectedBadFraction, opts.StrictSizing, opts.SpareCapacity)
	if err != nil {
		return nil, err
	}

	tgt = &Target{
		opts:       opts,
		pair:       pair,
		table:      NewRemapTable(opts.TableCapacity, pair.Geometry()),
		cache:      NewLookupCache(opts.CacheSize),
		store:      NewMetadataStore(spare),
		loadedCh:   make(chan struct{}),
		healthStop: make(chan struct{}),
		epoch:      time.Now(),
		state:      int32(TargetConstructing),
	}

	tgt.writer = newMetadataWriter(tgt.store)
	tgt.pipeline = newFailurePipeline(tgt)
	tgt.dispatcher = NewIoDispatcher(pair, tgt.table, tgt.cache, &tgt.stats, opts.MainStartOffset, tgt.pipeline.noteFailure)

	tgt.identity = newDeviceIdentity(main, spare, uint32(tgt.table.capacity))

	atomic.StoreUint32(&tgt.health.healthScore, 100)

	tgt.writer.start()
	tgt.pipeline.start()

	atomic.StoreUint32(&tgt.active, 1)
	atomic.StoreInt32(&tgt.state, int32(TargetActive))

	loadDelay := opts.LoadDelay
	if loadDelay == 0 {
		loadDelay = DefaultLoadDelay
	}

	if loadDelay < 0 {
		tgt.runDeferredLoad()
	} else {
		tgt.loadTimer = time.AfterFunc(loadDelay, tgt.runDeferredLoad)
	}

	scanInterval := opts.HealthScanInterval
	if scanInterval == 0 {
		scanInterval = DefaultHealthScanInterval
	}

	if scanInterval > 0 {
		tgt.healthWg.Add(1)
		go tgt.runHealthScanner(scanInterval)
	}

	return tgt, nil
}

// newDeviceIdentity builds a fresh identity for a pair that has no persisted
// metadata yet.
func newDeviceIdentity(main, spare SectorDevice, capacity uint32) DeviceIdentity {
	identity := DeviceIdentity{
		MainSizeSectors:  main.SizeSectors(),
		SpareSizeSectors: spare.SizeSectors(),
		SectorSize:       main.SectorSize(),
		RemapCapacity:    capacity,
	}

	mainUuid := uuid.NewV4()
	spareUuid := uuid.NewV4()

	copy(identity.MainUuid[:], mainUuid.Bytes())
	copy(identity.SpareUuid[:], spareUuid.Bytes())

	identity.DeviceFingerprint = fingerprintIdentity(&identity)

	return identity
}

// fingerprintIdentity hashes the identity fields into the fingerprint.
func fingerprintIdentity(identity *DeviceIdentity) uint64 {
	h := fnv.New64a()

	h.Write(identity.MainUuid[:])
	h.Write(identity.SpareUuid[:])

	scratch := make([]byte, 8)

	defaultEncoding.PutUint64(scratch, identity.MainSizeSectors)
	h.Write(scratch)

	defaultEncoding.PutUint64(scratch, identity.SpareSizeSectors)
	h.Write(scratch)

	defaultEncoding.PutUint32(scratch[:4], identity.SectorSize)
	h.Write(scratch[:4])

	return h.Sum64()
}

func (tgt *Target) isActive() bool {
	return atomic.LoadUint32(&tgt.active) != 0
}

// State returns the lifecycle state.
func (tgt *Target) State() TargetState {
	return TargetState(atomic.LoadInt32(&tgt.state))
}

// MetadataLoaded indicates whether the deferred load has completed.
func (tgt *Target) MetadataLoaded() bool {
	return atomic.LoadUint32(&tgt.metadataLoaded) != 0
}

// WaitMetadataLoaded blocks until the deferred load completes or the timeout
// lapses.
func (tgt *Target) WaitMetadataLoaded(timeout time.Duration) bool {
	select {
	case <-tgt.loadedCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// nowNs returns monotonic nanoseconds since construction, used for entry
// creation times.
func (tgt *Target) nowNs() uint64 {
	return uint64(time.Since(tgt.epoch).Nanoseconds())
}

// currentIdentity reads the identity under its lock.
func (tgt *Target) currentIdentity() DeviceIdentity {
	tgt.identityMutex.Lock()
	defer tgt.identityMutex.Unlock()

	return tgt.identity
}

// healthSummary snapshots the health section for a record.
func (tgt *Target) healthSummary() HealthSummary {
	stats := tgt.stats.Snapshot()

	return HealthSummary{
		LastScanTime:      atomic.LoadUint64(&tgt.health.lastScanNs),
		NextScanTime:      atomic.LoadUint64(&tgt.health.nextScanNs),
		TotalIos:          stats.Reads + stats.Writes,
		TotalErrors:       stats.IoErrors,
		HealthScore:       atomic.LoadUint32(&tgt.health.healthScore),
		ScanCount:         atomic.LoadUint32(&tgt.health.scanCount),
		HotspotCount:      atomic.LoadUint32(&tgt.health.hotspotCount),
		ConsecutiveErrors: uint32(stats.ConsecutiveErrors),
	}
}

// buildRecord serializes the current table into a fresh record with the next
// sequence number. Called from the failure worker, the load path, and the
// control channel's "metadata save"; the number comes from an atomic
// increment, so every record built gets a larger number than the last.
func (tgt *Target) buildRecord() *MetadataRecord {
	slots, _ := tgt.table.Snapshot()

	if len(slots) > MetadataRemapCapacity {
		log.Panicf("table snapshot of (%d) entries exceeds the record capacity", len(slots))
	}

	record := &MetadataRecord{
		Magic:          MetadataMagic,
		Version:        MetadataVersion,
		SequenceNumber: atomic.AddUint64(&tgt.sequence, 1),
		Timestamp:      uint64(time.Now().UnixNano()),
		Identity:       tgt.currentIdentity(),
		Health:         tgt.healthSummary(),
		ActiveCount:    uint32(len(slots)),
	}

	copy(record.Slots[:], slots)

	return record
}

// runDeferredLoad is the construction-time metadata read, deferred so it
// never runs on the host's synchronous construction path.
func (tgt *Target) runDeferredLoad() {
	defer tgt.markLoaded()

	if tgt.isActive() == false {
		return
	}

	record, _, err := tgt.store.Read()

	if err != nil {
		if errors.Is(err, ErrNoValidMetadata) == true {
			// Fresh device: write the first record so later loads find one.
			lifecycleLogger.Infof(nil, "No valid metadata; initializing a fresh spare device.")

			err = tgt.writer.requestWrite(tgt.buildRecord(), WriteWaitAll)
			if err != nil {
				lifecycleLogger.Errorf(nil, err, "Initial metadata write failed.")
			}

			return
		}

		lifecycleLogger.Errorf(nil, err, "Deferred metadata load failed.")

		return
	}

	tgt.identityMutex.Lock()
	tgt.identity = record.Identity
	tgt.identityMutex.Unlock()

	atomic.StoreUint64(&tgt.sequence, record.SequenceNumber)

	atomic.StoreUint64(&tgt.health.lastScanNs, record.Health.LastScanTime)
	atomic.StoreUint64(&tgt.health.nextScanNs, record.Health.NextScanTime)
	atomic.StoreUint32(&tgt.health.healthScore, record.Health.HealthScore)
	atomic.StoreUint32(&tgt.health.scanCount, record.Health.ScanCount)
	atomic.StoreUint32(&tgt.health.hotspotCount, record.Health.HotspotCount)

	err = tgt.table.RestoreActive(record.ActiveSlots())
	if err != nil {
		lifecycleLogger.Errorf(nil, err, "Could not restore persisted remap entries.")

		return
	}

	lifecycleLogger.Infof(nil, "Restored (%d) remap entries at sequence (%d).", record.ActiveCount, record.SequenceNumber)
}

func (tgt *Target) markLoaded() {
	atomic.StoreUint32(&tgt.metadataLoaded, 1)

	tgt.loadedOnce.Do(func() {
		close(tgt.loadedCh)
	})
}

// runHealthScanner periodically refreshes the health summary. Observations
// only adjust counters; the table topology is never mutated here.
func (tgt *Target) runHealthScanner(interval time.Duration) {
	defer tgt.healthWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-tgt.healthStop:
			return
		case <-ticker.C:
			if tgt.isActive() == false {
				return
			}

			tgt.runHealthScan(interval)
		}
	}
}

// runHealthScan recomputes the coarse health score from error totals and
// table occupancy.
func (tgt *Target) runHealthScan(interval time.Duration) {
	now := uint64(time.Now().UnixNano())

	atomic.StoreUint64(&tgt.health.lastScanNs, now)
	atomic.StoreUint64(&tgt.health.nextScanNs, now+uint64(interval.Nanoseconds()))
	atomic.AddUint32(&tgt.health.scanCount, 1)

	slots, _ := tgt.table.Snapshot()

	hotspots := uint32(0)
	for _, slot := range slots {
		if slot.ErrorCount >= hotspotErrorThreshold {
			hotspots++
		}
	}

	atomic.StoreUint32(&tgt.health.hotspotCount, hotspots)

	stats := tgt.stats.Snapshot()

	occupancyPenalty := uint64(len(slots)) * 50 / uint64(tgt.table.capacity)

	errorPenalty := stats.IoErrors/10 + stats.ConsecutiveErrors*5
	if errorPenalty > 40 {
		errorPenalty = 40
	}

	score := int64(100) - int64(occupancyPenalty) - int64(errorPenalty)
	if score < 0 {
		score = 0
	}

	atomic.StoreUint32(&tgt.health.healthScore, uint32(score))
}

// Map routes one intercepted I/O without executing it.
func (tgt *Target) Map(io *InterceptedIo) (route IoRoute, disposition MapDisposition, err error) {
	if tgt.isActive() == false {
		return route, MapRejected, ErrTargetInactive
	}

	return tgt.dispatcher.Map(io)
}

// Submit routes and executes one intercepted I/O.
func (tgt *Target) Submit(io *InterceptedIo) (status IoStatus, err error) {
	if tgt.isActive() == false {
		return IoStatusAborted, ErrTargetInactive
	}

	return tgt.dispatcher.Submit(io)
}

// SizeSectors is the length presented to the host: the main device size.
func (tgt *Target) SizeSectors() uint64 {
	return tgt.pair.Device(DeviceMain).SizeSectors()
}

// Suspend is the presuspend barrier: no work item performs I/O after it
// returns. Idempotent.
func (tgt *Target) Suspend() {
	if atomic.CompareAndSwapInt32(&tgt.state, int32(TargetActive), int32(TargetSuspending)) == false {
		return
	}

	// New work observes the flag at its next suspension point and unwinds.
	atomic.StoreUint32(&tgt.active, 0)

	if tgt.loadTimer != nil {
		tgt.loadTimer.Stop()
	}

	tgt.markLoaded()

	// Release any in-flight durability wait before joining the workers, so
	// cancellation never waits for an I/O boundary.
	tgt.store.Cancel()

	close(tgt.healthStop)
	tgt.healthWg.Wait()

	tgt.pipeline.halt()
	tgt.writer.halt()
	tgt.store.Drain()

	tgt.cache.Purge()
}

// Destroy tears the instance down. Suspends first if needed.
func (tgt *Target) Destroy() {
	tgt.Suspend()

	atomic.StoreInt32(&tgt.state, int32(TargetDestroyed))
}

// FormatSpare initializes a spare device for a pair: it validates the
// devices and writes the first-boot record, with a fresh identity and no
// remaps, to every copy offset.
func FormatSpare(main, spare SectorDevice, opts TargetOptions) (record *MetadataRecord, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	_, err = NewDevicePair(main, spare, opts.ExpectedBadFraction, opts.StrictSizing, opts.SpareCapacity)
	if err != nil {
		return nil, err
	}

	capacity := opts.TableCapacity
	if capacity <= 0 || capacity > MetadataRemapCapacity {
		capacity = DefaultTableCapacity
	}

	record = &MetadataRecord{
		Magic:          MetadataMagic,
		Version:        MetadataVersion,
		SequenceNumber: 1,
		Timestamp:      uint64(time.Now().UnixNano()),
		Identity:       newDeviceIdentity(main, spare, uint32(capacity)),
		Health: HealthSummary{
			HealthScore: 100,
		},
	}

	store := NewMetadataStore(spare)

	err = store.Write(record, WriteWaitAll)
	if err != nil {
		return nil, err
	}

	store.Drain()

	return record, nil
}
