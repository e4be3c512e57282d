package vhd

import (
	"github.com/blktap/blktap/internal/taperr"
)

// ReadSectors reads nsectors sectors starting at lsn into buf
// (len(buf) == nsectors*SectorSize), walking to parent contexts for any
// sector that is a hole. Consecutive sectors resolving to
// the same provenance (same context, contiguous backing offset) are
// coalesced into a single pread.
func (c *Context) ReadSectors(lsn, nsectors int, buf []byte) error {
	if len(buf) < nsectors*SectorSize {
		return taperr.New(taperr.InvalidArg, "vhd.ReadSectors", nil)
	}
	if c.footer.DiskType == DiskTypeFixed {
		if _, err := c.file.ReadAt(buf[:nsectors*SectorSize], int64(lsn)*SectorSize); err != nil {
			return taperr.New(taperr.IO, "vhd.ReadSectors", err)
		}
		return nil
	}

	spb := int(c.SectorsPerBlock())
	i := 0
	for i < nsectors {
		sector := lsn + i
		block := sector / spb
		inBlock := sector % spb

		present, err := c.sectorPresent(block, inBlock)
		if err != nil {
			return err
		}

		// Extend the run while provenance (present/hole) and, for
		// present runs, the backing block stay identical.
		runLen := 1
		for i+runLen < nsectors {
			next := sector + runLen
			nb := next / spb
			ni := next % spb
			if nb != block {
				break
			}
			np, err := c.sectorPresent(nb, ni)
			if err != nil {
				return err
			}
			if np != present {
				break
			}
			runLen++
		}

		dst := buf[i*SectorSize : (i+runLen)*SectorSize]
		if present {
			off := uint64(c.bat[block])*SectorSize + uint64(bitmapSectorsForBlockSize(c.header.BlockSize))*SectorSize + uint64(inBlock)*SectorSize
			if _, err := c.file.ReadAt(dst, int64(off)); err != nil {
				return taperr.New(taperr.IO, "vhd.ReadSectors", err)
			}
		} else {
			if err := c.readThroughParent(sector, runLen, dst); err != nil {
				return err
			}
		}
		i += runLen
	}
	return nil
}

// sectorPresent reports whether the sector at (block, inBlock) is backed
// by this image's own data (vs. a hole that must read through to parent
// or return zero at the root).
func (c *Context) sectorPresent(block, inBlock int) (bool, error) {
	if c.bat.IsUnused(block) {
		return false, nil
	}
	if c.batmapPresent && c.batmap.Test(block) {
		return true, nil
	}
	bm, hole, err := c.ReadBitmap(block)
	if err != nil {
		return false, err
	}
	if hole {
		return false, nil
	}
	return bm.Test(inBlock), nil
}

func (c *Context) readThroughParent(lsn, nsectors int, dst []byte) error {
	if c.footer.DiskType != DiskTypeDifferencing {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	parent, err := c.OpenParent()
	if err != nil {
		return err
	}
	return parent.ReadSectors(lsn, nsectors, dst)
}

// WriteSectors writes nsectors sectors starting at lsn from buf into the
// image, allocating blocks as needed, flushing the bitmap update before
// returning so a crash never leaves a present-flagged sector with stale
// contents.
func (c *Context) WriteSectors(lsn, nsectors int, buf []byte) error {
	if c.mode != ReadWrite {
		return taperr.New(taperr.InvalidArg, "vhd.WriteSectors", nil)
	}
	if len(buf) < nsectors*SectorSize {
		return taperr.New(taperr.InvalidArg, "vhd.WriteSectors", nil)
	}
	if c.footer.DiskType == DiskTypeFixed {
		if _, err := c.file.WriteAt(buf[:nsectors*SectorSize], int64(lsn)*SectorSize); err != nil {
			return taperr.New(taperr.IO, "vhd.WriteSectors", err)
		}
		return nil
	}

	spb := int(c.SectorsPerBlock())
	i := 0
	for i < nsectors {
		sector := lsn + i
		block := sector / spb
		inBlock := sector % spb

		if _, err := c.AllocateBlock(block); err != nil {
			return err
		}

		// Coalesce the run while it stays within this block.
		runLen := 1
		for i+runLen < nsectors && (sector+runLen)/spb == block {
			runLen++
		}

		off := uint64(c.bat[block])*SectorSize + uint64(bitmapSectorsForBlockSize(c.header.BlockSize))*SectorSize + uint64(inBlock)*SectorSize
		src := buf[i*SectorSize : (i+runLen)*SectorSize]
		if _, err := c.file.WriteAt(src, int64(off)); err != nil {
			return taperr.New(taperr.IO, "vhd.WriteSectors", err)
		}

		bm, hole, err := c.ReadBitmap(block)
		if err != nil {
			return err
		}
		if hole {
			bm = NewBitmapBE(spb)
		}
		for j := 0; j < runLen; j++ {
			bm.Set(inBlock + j)
		}
		if err := c.WriteBitmap(block, bm); err != nil {
			return err
		}

		i += runLen
	}
	return nil
}

// Coalesce copies every present sector of child into parent: whole
// batmap-asserted blocks are copied verbatim, and blocks lacking batmap
// assertion are copied one contiguous bitmap run at a time. Composed with
// deleting child, this is semantically equivalent for any read to the
// original chain.
func Coalesce(child, parent *Context) error {
	if parent.mode != ReadWrite {
		return taperr.New(taperr.InvalidArg, "vhd.Coalesce", nil)
	}
	spb := int(child.SectorsPerBlock())
	buf := make([]byte, child.header.BlockSize)
	for block := range child.bat {
		if child.bat.IsUnused(block) {
			continue
		}
		if child.batmapPresent && child.batmap.Test(block) {
			if err := child.ReadSectors(block*spb, spb, buf); err != nil {
				return err
			}
			if err := parent.WriteSectors(block*spb, spb, buf); err != nil {
				return err
			}
			continue
		}
		bm, hole, err := child.ReadBitmap(block)
		if err != nil {
			return err
		}
		if hole {
			continue
		}
		for _, run := range bm.Runs(spb) {
			runBuf := buf[:run.Len*SectorSize]
			if err := child.ReadSectors(block*spb+run.Start, run.Len, runBuf); err != nil {
				return err
			}
			if err := parent.WriteSectors(block*spb+run.Start, run.Len, runBuf); err != nil {
				return err
			}
		}
	}
	return nil
}
