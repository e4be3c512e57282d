package vhd

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/blktap/blktap/internal/taperr"
)

// Geometry is the footer's CHS-encoded disk geometry.
type Geometry struct {
	Cylinders uint16
	Heads     uint8
	Sectors   uint8
}

// Footer is the native, decoded representation of a VHD footer. It is
// written twice per file: as a mirror at offset 0 and as the authoritative
// copy at the last 512 bytes.
type Footer struct {
	Features       Features
	FormatVersion  uint32 // always 0x00010000
	DataOffset     uint64 // 0xFFFFFFFFFFFFFFFF for fixed disks
	Timestamp      time.Time
	CreatorApp     [4]byte
	CreatorVersion uint32
	CreatorOS      [4]byte
	OriginalSize   uint64
	CurrentSize    uint64
	Geometry       Geometry
	DiskType       DiskType
	UniqueID       [16]byte
	SavedState     bool
	Hidden         bool
}

// rawFooter is the bit-exact, big-endian on-disk layout.
type rawFooter struct {
	Cookie         [8]byte
	Features       uint32
	FormatVersion  uint32
	DataOffset     uint64
	Timestamp      uint32
	CreatorApp     [4]byte
	CreatorVersion uint32
	CreatorOS      [4]byte
	OriginalSize   uint64
	CurrentSize    uint64
	Geometry       uint32 // cylinders(16) | heads(8) | sectors(8)
	DiskType       uint32
	Checksum       uint32
	UniqueID       [16]byte
	SavedState     uint8
	Hidden         uint8
	Reserved       [426]byte
}

func packGeometry(g Geometry) uint32 {
	return uint32(g.Cylinders)<<16 | uint32(g.Heads)<<8 | uint32(g.Sectors)
}

func unpackGeometry(v uint32) Geometry {
	return Geometry{
		Cylinders: uint16(v >> 16),
		Heads:     uint8(v >> 8),
		Sectors:   uint8(v),
	}
}

func (f Footer) toRaw() rawFooter {
	var raw rawFooter
	copy(raw.Cookie[:], footerCookie)
	raw.Features = uint32(f.Features) | uint32(FeatureReserved)
	raw.FormatVersion = fileFormatVersion
	raw.DataOffset = f.DataOffset
	raw.Timestamp = uint32(f.Timestamp.UTC().Sub(vhdEpoch).Seconds())
	raw.CreatorApp = f.CreatorApp
	raw.CreatorVersion = f.CreatorVersion
	raw.CreatorOS = f.CreatorOS
	raw.OriginalSize = f.OriginalSize
	raw.CurrentSize = f.CurrentSize
	raw.Geometry = packGeometry(f.Geometry)
	raw.DiskType = uint32(f.DiskType)
	raw.UniqueID = f.UniqueID
	if f.SavedState {
		raw.SavedState = 1
	}
	if f.Hidden {
		raw.Hidden = 1
	}
	return raw
}

func (raw rawFooter) toFooter() Footer {
	return Footer{
		Features:       Features(raw.Features),
		FormatVersion:  raw.FormatVersion,
		DataOffset:     raw.DataOffset,
		Timestamp:      vhdTimeToGo(raw.Timestamp),
		CreatorApp:     raw.CreatorApp,
		CreatorVersion: raw.CreatorVersion,
		CreatorOS:      raw.CreatorOS,
		OriginalSize:   raw.OriginalSize,
		CurrentSize:    raw.CurrentSize,
		Geometry:       unpackGeometry(raw.Geometry),
		DiskType:       DiskType(raw.DiskType),
		UniqueID:       raw.UniqueID,
		SavedState:     raw.SavedState != 0,
		Hidden:         raw.Hidden != 0,
	}
}

// EncodeFooter serializes f into a fresh, checksummed 512-byte buffer.
func EncodeFooter(f Footer) ([]byte, error) {
	raw := f.toRaw()
	raw.Checksum = 0
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &raw); err != nil {
		return nil, taperr.New(taperr.Format, "vhd.EncodeFooter", err)
	}
	raw.Checksum = checksum(buf.Bytes())
	buf.Reset()
	if err := binary.Write(&buf, binary.BigEndian, &raw); err != nil {
		return nil, taperr.New(taperr.Format, "vhd.EncodeFooter", err)
	}
	return buf.Bytes(), nil
}

// DecodeFooter parses a 512-byte buffer into a Footer without validating
// it; call ValidateFooter separately.
func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) != footerSize {
		return Footer{}, taperr.Errorf(taperr.Format, "vhd.DecodeFooter", "short buffer: %d bytes", len(buf))
	}
	var raw rawFooter
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &raw); err != nil {
		return Footer{}, taperr.New(taperr.Format, "vhd.DecodeFooter", err)
	}
	return raw.toFooter(), nil
}

// ValidateFooter re-derives the checksum from buf and rejects a bad
// cookie, unsupported version, or mismatched checksum.
func ValidateFooter(buf []byte) error {
	if len(buf) != footerSize {
		return taperr.Errorf(taperr.Format, "vhd.ValidateFooter", "short buffer: %d bytes", len(buf))
	}
	if string(buf[0:8]) != footerCookie {
		return taperr.Errorf(taperr.Format, "vhd.ValidateFooter", "bad cookie %q", buf[0:8])
	}
	var raw rawFooter
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &raw); err != nil {
		return taperr.New(taperr.Format, "vhd.ValidateFooter", err)
	}
	if raw.FormatVersion != fileFormatVersion {
		return taperr.Errorf(taperr.Format, "vhd.ValidateFooter", "unsupported format version 0x%08x", raw.FormatVersion)
	}
	want := raw.Checksum
	cp := make([]byte, len(buf))
	copy(cp, buf)
	// zero the checksum field (offset 64..68) before folding
	binary.BigEndian.PutUint32(cp[64:68], 0)
	if got := checksum(cp); got != want {
		return taperr.Errorf(taperr.Format, "vhd.ValidateFooter", "checksum mismatch: got 0x%08x want 0x%08x", got, want)
	}
	return nil
}

// NewFooter builds a footer for a freshly-created image of the given
// type and size.
func NewFooter(diskType DiskType, sizeBytes uint64, uuid [16]byte) Footer {
	return Footer{
		Features:       FeatureReserved,
		FormatVersion:  fileFormatVersion,
		DataOffset:     unusedDataOffsetFor(diskType),
		Timestamp:      time.Now().UTC(),
		CreatorApp:     [4]byte{'t', 'a', 'p', ' '},
		CreatorVersion: 0x00010000,
		CreatorOS:      [4]byte{'W', 'i', '2', 'k'},
		OriginalSize:   sizeBytes,
		CurrentSize:    sizeBytes,
		Geometry:       chsFromSize(sizeBytes),
		DiskType:       diskType,
		UniqueID:       uuid,
	}
}

func unusedDataOffsetFor(t DiskType) uint64 {
	if t == DiskTypeFixed {
		return 0xFFFFFFFFFFFFFFFF
	}
	return footerSize // header immediately follows the leading footer mirror
}

// chsFromSize computes a CHS geometry approximation for sizeBytes,
// following the classic VHD geometry table algorithm (sectors-per-track
// capped at 63, heads chosen by total-sector thresholds, cylinders
// derived from the remainder, capped at 65535).
func chsFromSize(sizeBytes uint64) Geometry {
	totalSectors := sizeBytes / SectorSize
	if totalSectors > 65535*16*255 {
		totalSectors = 65535 * 16 * 255
	}

	var sectorsPerTrack, heads uint64
	var cylinderTimesHeads uint64

	if totalSectors >= 65535*16*63 {
		sectorsPerTrack = 255
		heads = 16
		cylinderTimesHeads = totalSectors / sectorsPerTrack
	} else {
		sectorsPerTrack = 17
		cylinderTimesHeads = totalSectors / sectorsPerTrack
		heads = (cylinderTimesHeads + 1023) / 1024
		if heads < 4 {
			heads = 4
		}
		if cylinderTimesHeads >= heads*1024 || heads > 16 {
			sectorsPerTrack = 31
			heads = 16
			cylinderTimesHeads = totalSectors / sectorsPerTrack
		}
		if cylinderTimesHeads >= heads*1024 {
			sectorsPerTrack = 63
			heads = 16
			cylinderTimesHeads = totalSectors / sectorsPerTrack
		}
	}
	cylinders := cylinderTimesHeads / heads
	return Geometry{
		Cylinders: uint16(cylinders),
		Heads:     uint8(heads),
		Sectors:   uint8(sectorsPerTrack),
	}
}
