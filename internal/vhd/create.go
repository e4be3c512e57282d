package vhd

import (
	"os"
	"path/filepath"
	"unicode/utf16"

	"github.com/blktap/blktap/internal/taperr"
)

// CreateDynamic creates a new dynamic (non-differencing) sparse VHD at
// path, sized sizeBytes, with the given block size (DefaultBlockSize if
// zero), and returns it already open for read-write use.
func CreateDynamic(path string, sizeBytes uint64, blockSize uint32) (*Context, error) {
	return create(path, DiskTypeDynamic, sizeBytes, blockSize, "")
}

// CreateDifferencing creates a new differencing VHD at path, chained to
// parentPath, inheriting parentPath's virtual size and block size, and
// returns it already open for read-write use. Both a relative (W2RU) and
// an absolute file-URL (MACX) parent locator are written.
func CreateDifferencing(path, parentPath string) (*Context, error) {
	parent, err := Open(parentPath, ReadOnly)
	if err != nil {
		return nil, err
	}
	defer parent.Close()

	blockSize := parent.header.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	c, err := create(path, DiskTypeDifferencing, parent.footer.CurrentSize, blockSize, parentPath)
	if err != nil {
		return nil, err
	}
	c.header.ParentUniqueID = parent.footer.UniqueID
	c.header.ParentTimestamp = parent.footer.Timestamp
	name := utf16.Encode([]rune(filepath.Base(parentPath)))
	copy(c.header.ParentUnicodeName[:], name)
	if err := c.ParentLocatorSet(0, PlatformW2ru, parentPath); err != nil {
		c.Close()
		os.Remove(path)
		return nil, err
	}
	if err := c.ParentLocatorSet(1, PlatformMacX, parentPath); err != nil {
		c.Close()
		os.Remove(path)
		return nil, err
	}
	return c, nil
}

func create(path string, diskType DiskType, sizeBytes uint64, blockSize uint32, parentPath string) (*Context, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	uuid, err := newUUID()
	if err != nil {
		return nil, err
	}
	footer := NewFooter(diskType, sizeBytes, uuid)

	maxEntries := uint32((sizeBytes + uint64(blockSize) - 1) / uint64(blockSize))
	tableOffset := uint64(footerSize + headerSize)
	header := NewHeader(tableOffset, maxEntries, blockSize)

	// Metadata layout: footer mirror, header, BAT, batmap header, batmap
	// bitmap, parent-locator sectors (differencing only), tail footer.
	// The batmap header sits immediately past the BAT, where
	// loadHeaderAndBAT looks for it.
	batLen := uint64(BATSectors(maxEntries)) * SectorSize
	batmapHdrOffset := tableOffset + batLen
	batmapOffset := batmapHdrOffset + SectorSize
	batmapSectors := batmapSectorsFor(maxEntries)
	next := batmapOffset + uint64(batmapSectors)*SectorSize
	if parentPath != "" {
		// One sector per locator slot, written by ParentLocatorSet.
		for i := 0; i < 2; i++ {
			header.ParentLocators[i].AllocatedSectors = 1
			header.ParentLocators[i].AbsoluteOffset = next
			next += SectorSize
		}
	}
	footerOffset := next

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, taperr.New(taperr.IO, "vhd.create", err)
	}

	footerBuf, err := EncodeFooter(footer)
	if err != nil {
		f.Close()
		return nil, err
	}
	headerBuf, err := EncodeHeader(header)
	if err != nil {
		f.Close()
		return nil, err
	}
	bat := make(BAT, maxEntries)
	for i := range bat {
		bat[i] = unusedBATEntry
	}
	batBuf := EncodeBAT(bat)
	batmapHdrBuf, err := EncodeBatmapHeader(BatmapHeader{Offset: batmapOffset, Size: batmapSectors})
	if err != nil {
		f.Close()
		return nil, err
	}

	if _, err := f.WriteAt(footerBuf, 0); err != nil {
		f.Close()
		return nil, taperr.New(taperr.IO, "vhd.create", err)
	}
	if _, err := f.WriteAt(headerBuf, footerSize); err != nil {
		f.Close()
		return nil, taperr.New(taperr.IO, "vhd.create", err)
	}
	if _, err := f.WriteAt(batBuf, int64(tableOffset)); err != nil {
		f.Close()
		return nil, taperr.New(taperr.IO, "vhd.create", err)
	}
	if _, err := f.WriteAt(batmapHdrBuf, int64(batmapHdrOffset)); err != nil {
		f.Close()
		return nil, taperr.New(taperr.IO, "vhd.create", err)
	}
	if _, err := f.WriteAt(make([]byte, batmapSectors*SectorSize), int64(batmapOffset)); err != nil {
		f.Close()
		return nil, taperr.New(taperr.IO, "vhd.create", err)
	}
	// The tail-footer write extends the file, zero-filling the reserved
	// locator sectors in between.
	if _, err := f.WriteAt(footerBuf, int64(footerOffset)); err != nil {
		f.Close()
		return nil, taperr.New(taperr.IO, "vhd.create", err)
	}
	f.Close()

	return Open(path, ReadWrite)
}
