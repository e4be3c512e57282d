package vhd

import (
	"bytes"
	"encoding/binary"

	"github.com/blktap/blktap/internal/taperr"
)

// batmapVersion is the only batmap format version this codec writes.
const batmapVersion = 0x00010002

// BatmapHeader is the batmap extension's own offset/size/version/checksum
// record, placed at a known offset past the BAT.
type BatmapHeader struct {
	Offset  uint64 // absolute file offset of the batmap bitmap
	Size    uint32 // size of the bitmap region, in sectors
	Version uint32
}

type rawBatmapHeader struct {
	Cookie   [8]byte
	Offset   uint64
	Size     uint32
	Version  uint32
	Checksum uint32
	Marker   uint8
	Reserved [483]byte // pads the record to one sector
}

// EncodeBatmapHeader serializes h into a fresh, checksummed 512-byte
// buffer.
func EncodeBatmapHeader(h BatmapHeader) ([]byte, error) {
	var raw rawBatmapHeader
	copy(raw.Cookie[:], batmapCookie)
	raw.Offset = h.Offset
	raw.Size = h.Size
	raw.Version = batmapVersion
	raw.Marker = 1

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &raw); err != nil {
		return nil, taperr.New(taperr.Format, "vhd.EncodeBatmapHeader", err)
	}
	raw.Checksum = checksum(buf.Bytes())
	buf.Reset()
	if err := binary.Write(&buf, binary.BigEndian, &raw); err != nil {
		return nil, taperr.New(taperr.Format, "vhd.EncodeBatmapHeader", err)
	}
	return buf.Bytes(), nil
}

// DecodeBatmapHeader parses and validates a 512-byte batmap header
// record. An absent batmap (e.g. a cookie mismatch on a pre-extension
// image) is reported via the bool return, not an error
// ("absent batmap is not an error").
func DecodeBatmapHeader(buf []byte) (h BatmapHeader, present bool, err error) {
	if len(buf) != SectorSize {
		return BatmapHeader{}, false, taperr.Errorf(taperr.Format, "vhd.DecodeBatmapHeader", "short buffer: %d bytes", len(buf))
	}
	if string(buf[0:8]) != batmapCookie {
		return BatmapHeader{}, false, nil
	}
	var raw rawBatmapHeader
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &raw); err != nil {
		return BatmapHeader{}, false, taperr.New(taperr.Format, "vhd.DecodeBatmapHeader", err)
	}
	want := raw.Checksum
	cp := make([]byte, len(buf))
	copy(cp, buf)
	binary.BigEndian.PutUint32(cp[24:28], 0)
	if got := checksum(cp); got != want {
		return BatmapHeader{}, false, taperr.Errorf(taperr.Format, "vhd.DecodeBatmapHeader", "checksum mismatch: got 0x%08x want 0x%08x", got, want)
	}
	return BatmapHeader{Offset: raw.Offset, Size: raw.Size, Version: raw.Version}, true, nil
}

// batmapSectorsFor returns the number of whole sectors the batmap bitmap
// (one bit per BAT entry) occupies for maxEntries blocks.
func batmapSectorsFor(maxEntries uint32) uint32 {
	return sectorsFor(int((maxEntries + 7) / 8))
}
