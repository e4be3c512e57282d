// Package vhd implements the VHD dynamic/differencing sparse disk image
// format: footer and sparse-header codecs, the block allocation table and
// optional batmap fast path, the parent-locator chain used for
// copy-on-write snapshots, and a context type that opens a single image
// file and serves sector-granular reads and writes across a parent chain.
//
// Byte layout matches Microsoft's VHD specification exactly; every decoded
// struct re-encodes to the identical bytes it was read from.
package vhd

import "time"

// SectorSize is the fixed sector granularity of every on-disk structure.
const SectorSize = 512

// footerSize and headerSize are the fixed, padded sizes of the two
// metadata structs on disk.
const (
	footerSize = 512
	headerSize = 1024
)

// DiskType enumerates the footer's disk-type field.
type DiskType uint32

const (
	DiskTypeFixed        DiskType = 2
	DiskTypeDynamic      DiskType = 3
	DiskTypeDifferencing DiskType = 4
)

func (t DiskType) String() string {
	switch t {
	case DiskTypeFixed:
		return "fixed"
	case DiskTypeDynamic:
		return "dynamic"
	case DiskTypeDifferencing:
		return "differencing"
	default:
		return "unknown"
	}
}

// Features is the footer's feature-flags bitfield.
type Features uint32

const (
	FeatureNone      Features = 0
	FeatureTemporary Features = 1 << 0
	FeatureReserved  Features = 1 << 1 // always set
)

// fileFormatVersion is the only version this codec understands:
// (major<<16)|minor == 1.0.
const fileFormatVersion = 0x00010000

// headerVersion is the only sparse-header version this codec understands.
const headerVersion = 0x00010000

// unusedBATEntry is the BAT sentinel meaning "block never allocated".
const unusedBATEntry = 0xFFFFFFFF

// footerCookie and sparseCookie are the two structures' magic strings.
const (
	footerCookie = "conectix"
	sparseCookie = "cxsparse"
	batmapCookie = "tdbatmap"
)

// vhdEpoch is the origin of VHD's 32-bit creation timestamps: midnight
// January 1 2000, UTC.
var vhdEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

func vhdTimeNow() uint32 {
	return uint32(time.Now().UTC().Sub(vhdEpoch).Seconds())
}

func vhdTimeToGo(t uint32) time.Time {
	return vhdEpoch.Add(time.Duration(t) * time.Second)
}

// minBlockSize and maxBlockSize bound the sparse header's sane block-size
// range: 1 MiB .. 1 GiB, both powers of two. The format's own default is
// 2 MiB.
const (
	DefaultBlockSize = 2 << 20
	minBlockSize     = 1 << 20
	maxBlockSize     = 1 << 30
)

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}
