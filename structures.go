// This package manages the low-level, on-disk remap-metadata structures.

package dmremap

import (
	"bytes"
	"errors"
	"fmt"

	"encoding/binary"
	"hash/crc32"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/go-restruct/restruct"
)

const (
	// MetadataMagic is the 32-bit record signature ("DMR4" read as a big-
	// endian byte sequence; stored little-endian like every other field).
	MetadataMagic = uint32(0x444d5234)

	// MetadataVersion is the only record revision this implementation reads
	// or writes.
	MetadataVersion = uint32(4)

	// MetadataCopyCount is the number of redundant record images kept on the
	// spare device.
	MetadataCopyCount = 5

	// MetadataRemapCapacity is the number of remap slots present in every
	// record image. Slots beyond the active count are zeroed but always
	// present, which keeps the record size constant.
	MetadataRemapCapacity = 2048

	// MetadataRecordSize is the full byte length of one record image,
	// including the reserved tail padding that rounds it up to a whole
	// number of 512-byte sectors.
	MetadataRecordSize = 74240

	// headerChecksumOffset is the byte offset of the HeaderChecksum field
	// within the packed record. The checksum is computed over the record
	// with these four bytes zeroed.
	headerChecksumOffset = 16
)

var (
	// ErrBadMagic indicates the image does not begin with MetadataMagic.
	ErrBadMagic = errors.New("bad metadata magic")

	// ErrBadVersion indicates a record revision this implementation does not
	// understand.
	ErrBadVersion = errors.New("bad metadata version")

	// ErrChecksumMismatch indicates the header checksum did not validate.
	ErrChecksumMismatch = errors.New("metadata checksum mismatch")

	// ErrTruncatedRecord indicates the image is shorter than a full record
	// or carries an impossible structure size.
	ErrTruncatedRecord = errors.New("truncated metadata record")

	// ErrBadCopyIndex indicates a copy index at or beyond MetadataCopyCount.
	ErrBadCopyIndex = errors.New("bad metadata copy index")
)

var (
	defaultEncoding = binary.LittleEndian
)

// RemapReason records what produced a remap entry.
type RemapReason uint16

const (
	// RemapReasonNone marks an unused slot.
	RemapReasonNone RemapReason = 0

	// RemapReasonIoError marks a remap created after a generic I/O failure.
	RemapReasonIoError RemapReason = 1

	// RemapReasonMediumError marks a remap created after the device reported
	// an unrecoverable medium error.
	RemapReasonMediumError RemapReason = 2

	// RemapReasonManual marks a remap requested through the control channel
	// rather than observed from a completion.
	RemapReasonManual RemapReason = 3
)

// String returns a short name for the reason.
func (rr RemapReason) String() string {
	switch rr {
	case RemapReasonIoError:
		return "io-error"
	case RemapReasonMediumError:
		return "medium-error"
	case RemapReasonManual:
		return "manual"
	}

	return "none"
}

const (
	// slotFlagActive marks a persisted slot. Every slot that reaches disk is
	// active by definition; the flag exists so a zeroed slot can never be
	// mistaken for a mapping of sector zero to sector zero.
	slotFlagActive = uint16(1)
)

// RemapSlot is one fixed-size element of the record's remap array.
type RemapSlot struct {
	// OriginalSector is the address on the main device this slot replaces.
	OriginalSector uint64

	// SpareSector is the replacement address on the spare device.
	SpareSector uint64

	// CreatedAt is the creation time of the remap, in nanoseconds.
	CreatedAt uint64

	// AccessCount counts lookups of this remap that were answered by the
	// remap table. Redirected I/Os served from the lookup cache are not
	// counted.
	AccessCount uint32

	// ErrorCount counts the failures that led to or occurred at the
	// original sector. At least 1 for automatic remaps, 0 for manual ones.
	ErrorCount uint32

	// Reason records what created the remap.
	Reason uint16

	// Flags carries slotFlagActive for every in-use slot.
	Flags uint16
}

// String returns a description of the slot.
func (rs RemapSlot) String() string {
	return fmt.Sprintf("RemapSlot<ORIGINAL=(%d) SPARE=(%d) ERRORS=(%d) REASON=[%s]>", rs.OriginalSector, rs.SpareSector, rs.ErrorCount, RemapReason(rs.Reason))
}

// DeviceIdentity ties a record to the device pair it was written for.
type DeviceIdentity struct {
	// MainUuid identifies the main device. Generated when the spare device
	// is first formatted and stable thereafter.
	MainUuid [16]byte

	// SpareUuid identifies the spare device.
	SpareUuid [16]byte

	// MainSizeSectors is the size of the main device, in sectors, at format
	// time.
	MainSizeSectors uint64

	// SpareSizeSectors is the size of the spare device, in sectors, at
	// format time.
	SpareSizeSectors uint64

	// SectorSize is the logical sector size shared by both devices.
	SectorSize uint32

	// RemapCapacity is the table capacity the record was written with. At
	// most MetadataRemapCapacity.
	RemapCapacity uint32

	// DeviceFingerprint is a hash over the identity fields above. A record
	// whose fingerprint does not match the attached pair belongs to some
	// other pair.
	DeviceFingerprint uint64
}

// HealthSummary is the coarse device-health state carried in every record.
type HealthSummary struct {
	// LastScanTime is the wall-clock time of the last completed health scan,
	// in nanoseconds. Zero if no scan has run.
	LastScanTime uint64

	// NextScanTime is the wall-clock time the next scan is due.
	NextScanTime uint64

	// TotalIos counts the I/Os dispatched by the target that wrote the
	// record, since its construction or its last clear_stats. It is not
	// carried over from an earlier record on load.
	TotalIos uint64

	// TotalErrors counts failed I/Os over the same span as TotalIos.
	TotalErrors uint64

	// HealthScore is a coarse 0..100 score; 100 is pristine.
	HealthScore uint32

	// ScanCount counts completed health scans.
	ScanCount uint32

	// HotspotCount counts sectors with repeated failures.
	HotspotCount uint32

	// ConsecutiveErrors counts failures since the last successful I/O.
	ConsecutiveErrors uint32
}

// MetadataRecord is the complete on-disk record. All fields are packed
// little-endian; the byte layout is the compatibility contract and must not
// change without a version bump.
type MetadataRecord struct {
	// Magic: The record signature. The valid value is MetadataMagic; any
	// other value invalidates the image.
	Magic uint32

	// Version: The record revision. The valid value is MetadataVersion.
	// Implementations shall not read records with any other revision.
	Version uint32

	// StructureSize: The total byte length of the record, including the
	// reserved tail. The valid value is MetadataRecordSize; the field exists
	// so a reader can detect truncation before trusting anything beyond the
	// header.
	StructureSize uint32

	// CopyIndex: Which of the MetadataCopyCount redundant images this is.
	// The valid range is 0 through MetadataCopyCount-1. Images on disk are
	// identical except for this field and the checksum it perturbs.
	CopyIndex uint32

	// HeaderChecksum: CRC32 (polynomial 0xEDB88320) over the entire record
	// with this field zeroed.
	HeaderChecksum uint32

	// Reserved0 keeps the 64-bit fields below naturally aligned.
	Reserved0 uint32

	// SequenceNumber is larger in every record built than in the one before;
	// a write that fails still consumes its number, so persisted values can
	// skip. Readers elect the surviving image with the largest value.
	SequenceNumber uint64

	// Timestamp is the wall-clock write time, in nanoseconds.
	Timestamp uint64

	// Identity ties the record to its device pair.
	Identity DeviceIdentity

	// Health is the coarse health summary at write time.
	Health HealthSummary

	// ActiveCount is the number of leading slots in Slots that are in use.
	ActiveCount uint32

	// Reserved1 pads ActiveCount to eight bytes.
	Reserved1 uint32

	// Slots is the remap array. Exactly MetadataRemapCapacity slots are
	// always present; slots at index ActiveCount and beyond are zero.
	Slots [MetadataRemapCapacity]RemapSlot

	// Reserved2 pads the record to MetadataRecordSize.
	Reserved2 [352]byte
}

// Encode serializes the record, refreshing StructureSize and HeaderChecksum.
func (mr *MetadataRecord) Encode() (data []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	mr.StructureSize = MetadataRecordSize
	mr.HeaderChecksum = 0

	data, err = restruct.Pack(defaultEncoding, mr)
	log.PanicIf(err)

	if len(data) != MetadataRecordSize {
		log.Panicf("packed record is (%d) bytes rather than (%d)", len(data), MetadataRecordSize)
	}

	checksum := crc32.ChecksumIEEE(data)

	mr.HeaderChecksum = checksum
	defaultEncoding.PutUint32(data[headerChecksumOffset:headerChecksumOffset+4], checksum)

	return data, nil
}

// DecodeMetadataRecord deserializes and validates one record image.
func DecodeMetadataRecord(data []byte) (mr *MetadataRecord, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(data) < MetadataRecordSize {
		return nil, ErrTruncatedRecord
	}

	data = data[:MetadataRecordSize]

	mr = new(MetadataRecord)

	err = restruct.Unpack(data, defaultEncoding, mr)
	log.PanicIf(err)

	if mr.Magic != MetadataMagic {
		return nil, ErrBadMagic
	} else if mr.Version != MetadataVersion {
		return nil, ErrBadVersion
	} else if mr.StructureSize != MetadataRecordSize {
		return nil, ErrTruncatedRecord
	}

	scratch := make([]byte, MetadataRecordSize)
	copy(scratch, data)

	defaultEncoding.PutUint32(scratch[headerChecksumOffset:headerChecksumOffset+4], 0)

	if crc32.ChecksumIEEE(scratch) != mr.HeaderChecksum {
		return nil, ErrChecksumMismatch
	}

	if mr.CopyIndex >= MetadataCopyCount {
		return nil, ErrBadCopyIndex
	}

	return mr, nil
}

// ActiveSlots returns the in-use prefix of the remap array.
func (mr *MetadataRecord) ActiveSlots() []RemapSlot {
	count := mr.ActiveCount
	if count > MetadataRemapCapacity {
		count = MetadataRemapCapacity
	}

	return mr.Slots[:count]
}

// SameIdentity indicates whether two records describe the same device pair.
func (mr *MetadataRecord) SameIdentity(other *MetadataRecord) bool {
	return bytes.Equal(mr.Identity.MainUuid[:], other.Identity.MainUuid[:]) &&
		bytes.Equal(mr.Identity.SpareUuid[:], other.Identity.SpareUuid[:]) &&
		mr.Identity.DeviceFingerprint == other.Identity.DeviceFingerprint
}

// String returns a description of the record.
func (mr *MetadataRecord) String() string {
	return fmt.Sprintf("MetadataRecord<SEQ=(%d) COPY=(%d) ACTIVE=(%d)>", mr.SequenceNumber, mr.CopyIndex, mr.ActiveCount)
}

// Dump prints the record header, identity, and health sections.
func (mr *MetadataRecord) Dump() {
	fmt.Printf("Metadata Record\n")
	fmt.Printf("===============\n")
	fmt.Printf("\n")

	fmt.Printf("Magic: (0x%08x)\n", mr.Magic)
	fmt.Printf("Version: (%d)\n", mr.Version)
	fmt.Printf("StructureSize: (%d)\n", mr.StructureSize)
	fmt.Printf("CopyIndex: (%d)\n", mr.CopyIndex)
	fmt.Printf("HeaderChecksum: (0x%08x)\n", mr.HeaderChecksum)
	fmt.Printf("SequenceNumber: (%s)\n", humanize.Comma(int64(mr.SequenceNumber)))
	fmt.Printf("Timestamp: (%d)\n", mr.Timestamp)
	fmt.Printf("\n")

	fmt.Printf("MainUuid: (0x%032x)\n", mr.Identity.MainUuid)
	fmt.Printf("SpareUuid: (0x%032x)\n", mr.Identity.SpareUuid)
	fmt.Printf("MainSizeSectors: (%s)\n", humanize.Comma(int64(mr.Identity.MainSizeSectors)))
	fmt.Printf("SpareSizeSectors: (%s)\n", humanize.Comma(int64(mr.Identity.SpareSizeSectors)))
	fmt.Printf("SectorSize: (%d)\n", mr.Identity.SectorSize)
	fmt.Printf("RemapCapacity: (%d)\n", mr.Identity.RemapCapacity)
	fmt.Printf("DeviceFingerprint: (0x%016x)\n", mr.Identity.DeviceFingerprint)
	fmt.Printf("\n")

	fmt.Printf("HealthScore: (%d)\n", mr.Health.HealthScore)
	fmt.Printf("ScanCount: (%d)\n", mr.Health.ScanCount)
	fmt.Printf("TotalIos: (%s)\n", humanize.Comma(int64(mr.Health.TotalIos)))
	fmt.Printf("TotalErrors: (%s)\n", humanize.Comma(int64(mr.Health.TotalErrors)))
	fmt.Printf("HotspotCount: (%d)\n", mr.Health.HotspotCount)
	fmt.Printf("ConsecutiveErrors: (%d)\n", mr.Health.ConsecutiveErrors)
	fmt.Printf("\n")

	fmt.Printf("ActiveCount: (%d)\n", mr.ActiveCount)

	for i, slot := range mr.ActiveSlots() {
		fmt.Printf("  %4d: %s\n", i, slot)
	}

	fmt.Printf("\n")
}
