package vhd

import (
	"encoding/binary"

	"github.com/blktap/blktap/internal/taperr"
)

// BAT is the block allocation table: one big-endian uint32 absolute
// sector offset per virtual block. unusedBATEntry marks a block that has
// never been allocated.
type BAT []uint32

// IsUnused reports whether BAT entry i has never been allocated.
func (b BAT) IsUnused(i int) bool {
	return b[i] == unusedBATEntry
}

// EncodeBAT serializes bat, padded with unusedBATEntry markers to a whole
// sector boundary.
func EncodeBAT(bat BAT) []byte {
	padded := sectorsFor(len(bat)*4) * SectorSize
	buf := make([]byte, padded)
	for i := range buf {
		buf[i] = 0xFF // unused sentinel is all-ones bytes
	}
	for i, v := range bat {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	return buf
}

// DecodeBAT parses count entries out of buf.
func DecodeBAT(buf []byte, count uint32) (BAT, error) {
	need := int(count) * 4
	if len(buf) < need {
		return nil, taperr.Errorf(taperr.Format, "vhd.DecodeBAT", "short buffer: have %d need %d", len(buf), need)
	}
	bat := make(BAT, count)
	for i := range bat {
		bat[i] = binary.BigEndian.Uint32(buf[i*4 : i*4+4])
	}
	return bat, nil
}

// BATSectors returns the number of whole sectors the BAT for maxEntries
// occupies on disk.
func BATSectors(maxEntries uint32) uint32 {
	return sectorsFor(int(maxEntries) * 4)
}
