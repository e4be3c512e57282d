package vhd

import (
	"encoding/binary"
	"os"

	"github.com/google/renameio"

	"github.com/blktap/blktap/internal/taperr"
)

// journalCookie identifies a journal file on disk.
const journalCookie = "vjournal"

// RegionKind identifies which metadata region a journal block holds a
// pre-image of.
type RegionKind int

const (
	RegionFooter RegionKind = iota
	RegionHeader
	RegionBATPage
	RegionBatmapPage
	RegionParentLocator
)

// journalBlock is one recorded pre-image: the region, its absolute file
// offset, and its bytes at the time add_block was called.
type journalBlock struct {
	Kind   RegionKind
	Offset uint64
	Data   []byte
}

// Journal wraps a VHD metadata mutation (currently change-parent and
// set-phys-size) in crash-safe pre-image logging. The
// journal file itself is written with github.com/google/renameio, each
// flush replacing it whole, so a crash never leaves a partly written
// journal; Commit and Revert remove it with os.Remove. The VHD's metadata regions
// continue to be mutated in place at fixed sector offsets, since their
// file identity must not change.
type Journal struct {
	vhd         *Context
	journalPath string
	blocks      []journalBlock
	committed   bool
}

// Create starts a new journal at journalPath for vhd, which must already be
// open read-write, recording the VHD's footer offset and a block count of
// zero in the journal header.
func Create(vhd *Context, journalPath string) (*Journal, error) {
	if vhd.mode != ReadWrite {
		return nil, taperr.New(taperr.InvalidArg, "vhd.Journal.Create", nil)
	}
	j := &Journal{vhd: vhd, journalPath: journalPath}
	if err := j.flush(); err != nil {
		return nil, err
	}
	return j, nil
}

// AddBlock records a pre-image of the metadata region of kind, currently
// on disk at offset with the given length, before the caller mutates it.
func (j *Journal) AddBlock(kind RegionKind, offset uint64, length int) error {
	data := make([]byte, length)
	if _, err := j.vhd.file.ReadAt(data, int64(offset)); err != nil {
		return taperr.New(taperr.IO, "vhd.Journal.AddBlock", err)
	}
	j.blocks = append(j.blocks, journalBlock{Kind: kind, Offset: offset, Data: data})
	return j.flush()
}

// Commit fsyncs the VHD and removes the journal file. Call only after the
// caller's mutation has been fully applied and written.
func (j *Journal) Commit() error {
	if err := j.vhd.file.Sync(); err != nil {
		return taperr.New(taperr.IO, "vhd.Journal.Commit", err)
	}
	j.committed = true
	if err := os.Remove(j.journalPath); err != nil && !os.IsNotExist(err) {
		return taperr.New(taperr.IO, "vhd.Journal.Commit", err)
	}
	return nil
}

// Revert re-applies every recorded pre-image in LIFO order, fsyncs the
// VHD, and removes the journal file. Used both by an explicit caller
// abort and by OpenRevert at open-after-crash.
func (j *Journal) Revert() error {
	for i := len(j.blocks) - 1; i >= 0; i-- {
		b := j.blocks[i]
		if _, err := j.vhd.file.WriteAt(b.Data, int64(b.Offset)); err != nil {
			return taperr.New(taperr.IO, "vhd.Journal.Revert", err)
		}
	}
	if err := j.vhd.file.Sync(); err != nil {
		return taperr.New(taperr.IO, "vhd.Journal.Revert", err)
	}
	if err := os.Remove(j.journalPath); err != nil && !os.IsNotExist(err) {
		return taperr.New(taperr.IO, "vhd.Journal.Revert", err)
	}
	return nil
}

// flush persists the journal's current block list to disk atomically.
// Layout: cookie(8) | footerOffset(8) | count(4) | [kind(4) offset(8) len(4) data]...
func (j *Journal) flush() error {
	buf := make([]byte, 0, 256)
	hdr := make([]byte, 8+8+4)
	copy(hdr, journalCookie)
	binary.BigEndian.PutUint64(hdr[8:16], j.vhd.footerOffset)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(j.blocks)))
	buf = append(buf, hdr...)
	for _, b := range j.blocks {
		rec := make([]byte, 4+8+4)
		binary.BigEndian.PutUint32(rec[0:4], uint32(b.Kind))
		binary.BigEndian.PutUint64(rec[4:12], b.Offset)
		binary.BigEndian.PutUint32(rec[12:16], uint32(len(b.Data)))
		buf = append(buf, rec...)
		buf = append(buf, b.Data...)
	}
	if err := renameio.WriteFile(j.journalPath, buf, 0600); err != nil {
		return taperr.New(taperr.IO, "vhd.Journal.flush", err)
	}
	return nil
}

// readJournal parses a journal file previously written by flush.
func readJournal(journalPath string) ([]journalBlock, uint64, error) {
	raw, err := os.ReadFile(journalPath)
	if err != nil {
		return nil, 0, taperr.New(taperr.IO, "vhd.readJournal", err)
	}
	if len(raw) < 20 || string(raw[:8]) != journalCookie {
		return nil, 0, taperr.Errorf(taperr.Format, "vhd.readJournal", "bad journal cookie")
	}
	footerOffset := binary.BigEndian.Uint64(raw[8:16])
	count := binary.BigEndian.Uint32(raw[16:20])
	pos := 20
	blocks := make([]journalBlock, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+16 > len(raw) {
			return nil, 0, taperr.Errorf(taperr.Format, "vhd.readJournal", "truncated record header")
		}
		kind := RegionKind(binary.BigEndian.Uint32(raw[pos : pos+4]))
		offset := binary.BigEndian.Uint64(raw[pos+4 : pos+12])
		length := binary.BigEndian.Uint32(raw[pos+12 : pos+16])
		pos += 16
		if pos+int(length) > len(raw) {
			return nil, 0, taperr.Errorf(taperr.Format, "vhd.readJournal", "truncated record data")
		}
		data := make([]byte, length)
		copy(data, raw[pos:pos+int(length)])
		pos += int(length)
		blocks = append(blocks, journalBlock{Kind: kind, Offset: offset, Data: data})
	}
	return blocks, footerOffset, nil
}

// OpenRevert opens vhdPath read-write and, if journalPath exists,
// reverts it before returning: presence of a journal file at open time
// denotes an uncommitted mutation.
func OpenRevert(vhdPath, journalPath string) (*Context, error) {
	c, err := Open(vhdPath, ReadWrite)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(journalPath); statErr == nil {
		blocks, _, err := readJournal(journalPath)
		if err != nil {
			c.Close()
			return nil, err
		}
		j := &Journal{vhd: c, journalPath: journalPath, blocks: blocks}
		if err := j.Revert(); err != nil {
			c.Close()
			return nil, taperr.New(taperr.Broken, "vhd.OpenRevert", err)
		}
		c.Close()
		return Open(vhdPath, ReadWrite)
	}
	return c, nil
}

// ChangeParent reparents vhd (a differencing image) onto newParentPath,
// journaled so a crash mid-mutation can be reverted. It rewrites
// parent-locator slots 0 (W2RU) and 1 (MACX) plus the parent
// UUID/timestamp in the header.
func ChangeParent(vhd *Context, newParentPath string, journalPath string) error {
	np, err := Open(newParentPath, ReadOnly)
	if err != nil {
		return err
	}
	parentID, parentTime := np.footer.UniqueID, np.footer.Timestamp
	np.Close()
	j, err := Create(vhd, journalPath)
	if err != nil {
		return err
	}
	headerOff := int64(vhd.footer.DataOffset)
	if err := j.AddBlock(RegionHeader, uint64(headerOff), headerSize); err != nil {
		return err
	}
	for _, pl := range vhd.header.ParentLocators {
		if pl.AbsoluteOffset == 0 || pl.AllocatedSectors == 0 {
			continue
		}
		if err := j.AddBlock(RegionParentLocator, pl.AbsoluteOffset, int(pl.AllocatedSectors)*SectorSize); err != nil {
			return err
		}
	}
	vhd.header.ParentUniqueID = parentID
	vhd.header.ParentTimestamp = parentTime
	if err := vhd.ParentLocatorSet(0, PlatformW2ru, newParentPath); err != nil {
		j.Revert()
		return err
	}
	if err := vhd.ParentLocatorSet(1, PlatformMacX, newParentPath); err != nil {
		j.Revert()
		return err
	}
	return j.Commit()
}

// SetPhysSizeJournaled wraps Context.SetPhysSize with a journal covering
// both footer copies.
func SetPhysSizeJournaled(vhd *Context, newSize uint64, journalPath string) error {
	j, err := Create(vhd, journalPath)
	if err != nil {
		return err
	}
	if err := j.AddBlock(RegionFooter, 0, footerSize); err != nil {
		return err
	}
	if err := j.AddBlock(RegionFooter, vhd.footerOffset, footerSize); err != nil {
		return err
	}
	if err := vhd.SetPhysSize(newSize); err != nil {
		j.Revert()
		return err
	}
	return j.Commit()
}
