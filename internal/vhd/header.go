package vhd

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/blktap/blktap/internal/taperr"
)

// PlatformCode identifies the kind of path stored in a ParentLocator slot.
type PlatformCode uint32

const (
	PlatformNone PlatformCode = 0x00000000
	PlatformWi2r PlatformCode = 0x57693272 // relative Windows path, UTF-16
	PlatformWi2k PlatformCode = 0x5769326B // absolute Windows path, UTF-16
	PlatformW2ru PlatformCode = 0x57327275 // relative Windows path (U), UTF-16
	PlatformW2ku PlatformCode = 0x57326B75 // absolute Windows path (U), UTF-16
	PlatformMac  PlatformCode = 0x4D616320 // MacOS alias, opaque
	PlatformMacX PlatformCode = 0x4D616358 // MacOS-X file URL, UTF-8
)

// numParentLocators is the fixed number of locator slots in the header.
const numParentLocators = 8

// ParentLocator is one of the header's eight parent-locator slots.
type ParentLocator struct {
	PlatformCode     PlatformCode
	AllocatedSectors uint32
	UsedBytes        uint32
	AbsoluteOffset   uint64
	RawData          []byte // on-disk bytes, interpreted per PlatformCode
}

// Header is the native, decoded representation of a VHD sparse header
// (dynamic/differencing images only).
type Header struct {
	TableOffset       uint64 // absolute file offset of the BAT
	HeaderVersion     uint32
	MaxTableEntries   uint32
	BlockSize         uint32
	ParentUniqueID    [16]byte
	ParentTimestamp   time.Time
	ParentUnicodeName [256]uint16 // UTF-16 code units
	ParentLocators    [numParentLocators]ParentLocator
}

type rawParentLocator struct {
	PlatformCode     uint32
	AllocatedSectors uint32
	UsedBytes        uint32
	Reserved         uint32
	AbsoluteOffset   uint64
}

type rawHeader struct {
	Cookie            [8]byte
	DataOffset        uint64
	TableOffset       uint64
	HeaderVersion     uint32
	MaxTableEntries   uint32
	BlockSize         uint32
	Checksum          uint32
	ParentUniqueID    [16]byte
	ParentTimestamp   uint32
	Reserved1         uint32
	ParentUnicodeName [512]byte
	Locators          [numParentLocators]rawParentLocator
	Reserved2         [256]byte
}

func (h Header) toRaw() rawHeader {
	var raw rawHeader
	copy(raw.Cookie[:], sparseCookie)
	raw.DataOffset = 0xFFFFFFFFFFFFFFFF
	raw.TableOffset = h.TableOffset
	raw.HeaderVersion = headerVersion
	raw.MaxTableEntries = h.MaxTableEntries
	raw.BlockSize = h.BlockSize
	raw.ParentUniqueID = h.ParentUniqueID
	raw.ParentTimestamp = uint32(h.ParentTimestamp.UTC().Sub(vhdEpoch).Seconds())
	for i, u := range h.ParentUnicodeName {
		binary.BigEndian.PutUint16(raw.ParentUnicodeName[i*2:i*2+2], u)
	}
	for i, pl := range h.ParentLocators {
		raw.Locators[i] = rawParentLocator{
			PlatformCode:     uint32(pl.PlatformCode),
			AllocatedSectors: pl.AllocatedSectors,
			UsedBytes:        pl.UsedBytes,
			AbsoluteOffset:   pl.AbsoluteOffset,
		}
	}
	return raw
}

func (raw rawHeader) toHeader() Header {
	var h Header
	h.TableOffset = raw.TableOffset
	h.HeaderVersion = raw.HeaderVersion
	h.MaxTableEntries = raw.MaxTableEntries
	h.BlockSize = raw.BlockSize
	h.ParentUniqueID = raw.ParentUniqueID
	h.ParentTimestamp = vhdTimeToGo(raw.ParentTimestamp)
	for i := range h.ParentUnicodeName {
		h.ParentUnicodeName[i] = binary.BigEndian.Uint16(raw.ParentUnicodeName[i*2 : i*2+2])
	}
	for i, rl := range raw.Locators {
		h.ParentLocators[i] = ParentLocator{
			PlatformCode:     PlatformCode(rl.PlatformCode),
			AllocatedSectors: rl.AllocatedSectors,
			UsedBytes:        rl.UsedBytes,
			AbsoluteOffset:   rl.AbsoluteOffset,
		}
	}
	return h
}

// EncodeHeader serializes h into a fresh, checksummed 1024-byte buffer.
func EncodeHeader(h Header) ([]byte, error) {
	raw := h.toRaw()
	raw.Checksum = 0
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &raw); err != nil {
		return nil, taperr.New(taperr.Format, "vhd.EncodeHeader", err)
	}
	raw.Checksum = checksum(buf.Bytes())
	buf.Reset()
	if err := binary.Write(&buf, binary.BigEndian, &raw); err != nil {
		return nil, taperr.New(taperr.Format, "vhd.EncodeHeader", err)
	}
	return buf.Bytes(), nil
}

// DecodeHeader parses a 1024-byte buffer into a Header without validating
// it; call ValidateHeader separately.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != headerSize {
		return Header{}, taperr.Errorf(taperr.Format, "vhd.DecodeHeader", "short buffer: %d bytes", len(buf))
	}
	var raw rawHeader
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &raw); err != nil {
		return Header{}, taperr.New(taperr.Format, "vhd.DecodeHeader", err)
	}
	return raw.toHeader(), nil
}

// ValidateHeader rejects a bad cookie, unsupported version, mismatched
// checksum, a data-offset that isn't the required all-ones sentinel, or a
// block size that isn't a sane power of two.
func ValidateHeader(buf []byte) error {
	if len(buf) != headerSize {
		return taperr.Errorf(taperr.Format, "vhd.ValidateHeader", "short buffer: %d bytes", len(buf))
	}
	if string(buf[0:8]) != sparseCookie {
		return taperr.Errorf(taperr.Format, "vhd.ValidateHeader", "bad cookie %q", buf[0:8])
	}
	var raw rawHeader
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &raw); err != nil {
		return taperr.New(taperr.Format, "vhd.ValidateHeader", err)
	}
	if raw.HeaderVersion != headerVersion {
		return taperr.Errorf(taperr.Format, "vhd.ValidateHeader", "unsupported header version 0x%08x", raw.HeaderVersion)
	}
	if raw.DataOffset != 0xFFFFFFFFFFFFFFFF {
		return taperr.Errorf(taperr.Format, "vhd.ValidateHeader", "data_offset must be all-ones, got 0x%x", raw.DataOffset)
	}
	if raw.Reserved1 != 0 {
		return taperr.Errorf(taperr.Format, "vhd.ValidateHeader", "res1 must be zero, got %d", raw.Reserved1)
	}
	if !isPowerOfTwo(raw.BlockSize) || raw.BlockSize < minBlockSize || raw.BlockSize > maxBlockSize {
		return taperr.Errorf(taperr.Format, "vhd.ValidateHeader", "invalid block size %d", raw.BlockSize)
	}
	want := raw.Checksum
	cp := make([]byte, len(buf))
	copy(cp, buf)
	binary.BigEndian.PutUint32(cp[36:40], 0) // checksum field offset
	if got := checksum(cp); got != want {
		return taperr.Errorf(taperr.Format, "vhd.ValidateHeader", "checksum mismatch: got 0x%08x want 0x%08x", got, want)
	}
	return nil
}

// NewHeader builds a sparse header for a freshly-created dynamic or
// differencing image with maxEntries BAT slots of blockSize bytes each.
func NewHeader(tableOffset uint64, maxEntries, blockSize uint32) Header {
	return Header{
		TableOffset:     tableOffset,
		HeaderVersion:   headerVersion,
		MaxTableEntries: maxEntries,
		BlockSize:       blockSize,
	}
}
