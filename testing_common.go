package dmremap

import (
	"fmt"
	"sync"
	"time"

	"github.com/dsoprea/go-logging"
)

// MemoryDevice is an in-memory SectorDevice with injectable per-sector
// faults, standing in for real block devices in tests and tools.
type MemoryDevice struct {
	sectorSize uint32
	data       []byte

	mutex sync.Mutex

	readFaults  map[uint64]error
	writeFaults map[uint64]error
}

// NewMemoryDevice returns a zeroed device of the given size.
func NewMemoryDevice(sizeSectors uint64, sectorSize uint32) *MemoryDevice {
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}

	return &MemoryDevice{
		sectorSize:  sectorSize,
		data:        make([]byte, sizeSectors*uint64(sectorSize)),
		readFaults:  make(map[uint64]error),
		writeFaults: make(map[uint64]error),
	}
}

// SizeSectors returns the device size in sectors.
func (md *MemoryDevice) SizeSectors() uint64 {
	return uint64(len(md.data)) / uint64(md.sectorSize)
}

// SectorSize returns the sector size.
func (md *MemoryDevice) SectorSize() uint32 {
	return md.sectorSize
}

// LogicalSectorSize returns the logical sector size.
func (md *MemoryDevice) LogicalSectorSize() uint32 {
	return md.sectorSize
}

// FailRead injects a read fault at one sector.
func (md *MemoryDevice) FailRead(sector uint64, err error) {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	md.readFaults[sector] = err
}

// FailWrite injects a write fault at one sector.
func (md *MemoryDevice) FailWrite(sector uint64, err error) {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	md.writeFaults[sector] = err
}

// ClearFaults removes all injected faults.
func (md *MemoryDevice) ClearFaults() {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	md.readFaults = make(map[uint64]error)
	md.writeFaults = make(map[uint64]error)
}

// ZeroSectors zeroes a run of sectors, bypassing fault injection. Tests use
// it to corrupt metadata copies in place.
func (md *MemoryDevice) ZeroSectors(sector, count uint64) {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	start := sector * uint64(md.sectorSize)
	end := (sector + count) * uint64(md.sectorSize)

	for i := start; i < end && i < uint64(len(md.data)); i++ {
		md.data[i] = 0
	}
}

func (md *MemoryDevice) checkSpan(sector uint64, buf []byte) error {
	if len(buf)%int(md.sectorSize) != 0 {
		return fmt.Errorf("buffer length (%d) is not a multiple of the sector size (%d)", len(buf), md.sectorSize)
	}

	if sector+uint64(len(buf))/uint64(md.sectorSize) > md.SizeSectors() {
		return fmt.Errorf("access beyond device: sector (%d) length (%d)", sector, len(buf))
	}

	return nil
}

func (md *MemoryDevice) faultIn(faults map[uint64]error, sector uint64, sectorCount uint64) error {
	for s := sector; s < sector+sectorCount; s++ {
		if err, found := faults[s]; found == true {
			return err
		}
	}

	return nil
}

// ReadSectors reads len(buf) bytes starting at the given sector.
func (md *MemoryDevice) ReadSectors(sector uint64, buf []byte) (err error) {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	err = md.checkSpan(sector, buf)
	if err != nil {
		return err
	}

	err = md.faultIn(md.readFaults, sector, uint64(len(buf))/uint64(md.sectorSize))
	if err != nil {
		return err
	}

	copy(buf, md.data[sector*uint64(md.sectorSize):])

	return nil
}

// WriteSectors writes len(buf) bytes starting at the given sector.
func (md *MemoryDevice) WriteSectors(sector uint64, buf []byte) (err error) {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	err = md.checkSpan(sector, buf)
	if err != nil {
		return err
	}

	err = md.faultIn(md.writeFaults, sector, uint64(len(buf))/uint64(md.sectorSize))
	if err != nil {
		return err
	}

	copy(md.data[sector*uint64(md.sectorSize):], buf)

	return nil
}

const (
	testMainSectors  = 4096
	testSpareSectors = 32768
)

// newTestDevices returns a main/spare pair big enough for the default
// validation rules.
func newTestDevices() (main, spare *MemoryDevice) {
	main = NewMemoryDevice(testMainSectors, DefaultSectorSize)
	spare = NewMemoryDevice(testSpareSectors, DefaultSectorSize)

	return main, spare
}

// immediateOptions disables the deferred-load delay and the background
// scanner so tests run deterministically.
func immediateOptions() TargetOptions {
	return TargetOptions{
		LoadDelay:          -1,
		HealthScanInterval: -1,
	}
}

// newTestTarget constructs a target with deterministic options, optionally
// amended by the caller.
func newTestTarget(main, spare SectorDevice, mutate func(opts *TargetOptions)) *Target {
	opts := immediateOptions()

	if mutate != nil {
		mutate(&opts)
	}

	tgt, err := NewTarget(main, spare, opts)
	log.PanicIf(err)

	return tgt
}

// waitFor polls a condition until it holds or the timeout lapses.
func waitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) == true {
		if condition() == true {
			return true
		}

		time.Sleep(time.Millisecond)
	}

	return condition()
}
