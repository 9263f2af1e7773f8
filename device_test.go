package dmremap

import (
	"bytes"
	"errors"
	"io/ioutil"
	"os"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestFileDevice_ReadWrite(t *testing.T) {
	f, err := ioutil.TempFile("", "dmremap-device-")
	log.PanicIf(err)

	defer os.Remove(f.Name())
	defer f.Close()

	err = f.Truncate(64 * 512)
	log.PanicIf(err)

	fd, err := NewFileDevice(f, 512)
	log.PanicIf(err)

	if fd.SizeSectors() != 64 {
		t.Fatalf("Device size not correct: (%d)", fd.SizeSectors())
	} else if fd.SectorSize() != 512 {
		t.Fatalf("Sector size not correct: (%d)", fd.SectorSize())
	}

	payload := bytes.Repeat([]byte{0xa5}, 512)

	err = fd.WriteSectors(10, payload)
	log.PanicIf(err)

	readback := make([]byte, 512)

	err = fd.ReadSectors(10, readback)
	log.PanicIf(err)

	if bytes.Equal(readback, payload) != true {
		t.Fatalf("Read-back data not correct.")
	}
}

func TestFileDevice_RejectsUnalignedBuffer(t *testing.T) {
	f, err := ioutil.TempFile("", "dmremap-device-")
	log.PanicIf(err)

	defer os.Remove(f.Name())
	defer f.Close()

	err = f.Truncate(64 * 512)
	log.PanicIf(err)

	fd, err := NewFileDevice(f, 512)
	log.PanicIf(err)

	err = fd.ReadSectors(0, make([]byte, 100))
	if err == nil {
		t.Fatalf("Unaligned buffer not rejected.")
	}
}

func TestValidateDevicePair_SectorSizeMismatch(t *testing.T) {
	main := NewMemoryDevice(testMainSectors, 512)
	spare := NewMemoryDevice(testSpareSectors, 4096)

	err := validateDevicePair(main, spare, 0, false)
	if errors.Is(err, ErrDeviceIncompatible) != true {
		t.Fatalf("Expected incompatibility error: %v", err)
	}
}

func TestValidateDevicePair_MainTooSmall(t *testing.T) {
	main := NewMemoryDevice(100, 512)
	spare := NewMemoryDevice(testSpareSectors, 512)

	err := validateDevicePair(main, spare, 0, false)
	if errors.Is(err, ErrDeviceIncompatible) != true {
		t.Fatalf("Expected incompatibility error: %v", err)
	}
}

func TestValidateDevicePair_SpareTooSmall(t *testing.T) {
	main := NewMemoryDevice(testMainSectors, 512)
	spare := NewMemoryDevice(9000, 512)

	err := validateDevicePair(main, spare, 0, false)
	if errors.Is(err, ErrSpareTooSmall) != true {
		t.Fatalf("Expected spare-too-small error: %v", err)
	}
}

func TestValidateDevicePair_Strict(t *testing.T) {
	main := NewMemoryDevice(testMainSectors, 512)

	short := NewMemoryDevice(testMainSectors, 512)

	err := validateDevicePair(main, short, 0, true)
	if errors.Is(err, ErrSpareTooSmall) != true {
		t.Fatalf("Expected strict-mode rejection: %v", err)
	}

	tall := NewMemoryDevice(testMainSectors*2, 512)

	err = validateDevicePair(main, tall, 0, true)
	log.PanicIf(err)
}

func TestComputeSpareGeometry(t *testing.T) {
	spare := NewMemoryDevice(testSpareSectors, 512)

	sg, err := computeSpareGeometry(spare, 0)
	log.PanicIf(err)

	expectedReserved := uint64(8192) + metadataRecordSectors(512)

	if sg.MetadataReservedSectors != expectedReserved {
		t.Fatalf("Metadata reservation not correct: (%d)", sg.MetadataReservedSectors)
	} else if sg.SpareRegionStart != expectedReserved {
		t.Fatalf("Spare-region start not correct: (%d)", sg.SpareRegionStart)
	} else if sg.SpareCapacity() != testSpareSectors/2 {
		t.Fatalf("Spare capacity not correct: (%d)", sg.SpareCapacity())
	}
}

func TestComputeSpareGeometry_Override(t *testing.T) {
	spare := NewMemoryDevice(testSpareSectors, 512)

	sg, err := computeSpareGeometry(spare, 4)
	log.PanicIf(err)

	if sg.SpareCapacity() != 4 {
		t.Fatalf("Capacity override not honored: (%d)", sg.SpareCapacity())
	}
}

func TestComputeSpareGeometry_TooSmallForMetadata(t *testing.T) {
	spare := NewMemoryDevice(1000, 512)

	_, err := computeSpareGeometry(spare, 0)
	if errors.Is(err, ErrSpareTooSmall) != true {
		t.Fatalf("Expected spare-too-small error: %v", err)
	}
}

func TestMemoryDevice_FaultInjection(t *testing.T) {
	md := NewMemoryDevice(64, 512)

	injected := errors.New("boom")

	md.FailRead(10, injected)

	err := md.ReadSectors(10, make([]byte, 512))
	if errors.Is(err, injected) != true {
		t.Fatalf("Injected read fault not returned: %v", err)
	}

	md.ClearFaults()

	err = md.ReadSectors(10, make([]byte, 512))
	log.PanicIf(err)
}
