package vhd

import (
	"crypto/rand"
	"io"
	"os"
	"runtime"

	"github.com/blktap/blktap/internal/taperr"
)

// Mode controls whether a Context permits mutation.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// Context is an open handle on a single VHD file. Each Open call yields
// an independent handle; sharing one across goroutines is not supported.
type Context struct {
	path string
	mode Mode
	file *os.File

	footer       Footer
	footerOffset uint64 // current absolute offset of the authoritative (tail) footer

	header Header // zero value for fixed disks

	bat BAT

	batmapHdr     BatmapHeader
	batmapPresent bool
	batmap        BitmapBE

	parent *Context // lazily opened, closed by this Context's Close
}

// Open opens path, validating and recovering the footer: the tail
// (authoritative) footer is read first; if it is corrupt, the head
// mirror is read instead. On a read-write handle, whichever copy validated
// is rewritten over a corrupt other copy; a read-only handle writes nothing.
func Open(path string, mode Mode) (*Context, error) {
	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, taperr.New(taperr.IO, "vhd.Open", err)
	}
	c := &Context{path: path, mode: mode, file: f}
	if err := c.load(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *Context) load() error {
	fi, err := c.file.Stat()
	if err != nil {
		return taperr.New(taperr.IO, "vhd.Open", err)
	}
	if fi.Size() < footerSize {
		return taperr.Errorf(taperr.Format, "vhd.Open", "file too small to hold a footer: %d bytes", fi.Size())
	}
	c.footerOffset = uint64(fi.Size()) - footerSize

	tail := make([]byte, footerSize)
	if _, err := c.file.ReadAt(tail, int64(c.footerOffset)); err != nil {
		return taperr.New(taperr.IO, "vhd.Open", err)
	}
	tailErr := ValidateFooter(tail)

	head := make([]byte, footerSize)
	if _, err := c.file.ReadAt(head, 0); err != nil {
		return taperr.New(taperr.IO, "vhd.Open", err)
	}
	headErr := ValidateFooter(head)

	switch {
	case tailErr == nil:
		c.footer, err = DecodeFooter(tail)
		if err != nil {
			return err
		}
		if headErr != nil && c.mode == ReadWrite {
			if _, err := c.file.WriteAt(tail, 0); err != nil {
				return taperr.New(taperr.IO, "vhd.Open", err)
			}
		}
	case headErr == nil:
		c.footer, err = DecodeFooter(head)
		if err != nil {
			return err
		}
		if c.mode == ReadWrite {
			if _, err := c.file.WriteAt(head, int64(c.footerOffset)); err != nil {
				return taperr.New(taperr.IO, "vhd.Open", err)
			}
		}
	default:
		return taperr.Errorf(taperr.Format, "vhd.Open", "both footer copies invalid: tail=%v head=%v", tailErr, headErr)
	}

	if c.footer.DiskType == DiskTypeDynamic || c.footer.DiskType == DiskTypeDifferencing {
		if err := c.loadHeaderAndBAT(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) loadHeaderAndBAT() error {
	hbuf := make([]byte, headerSize)
	if _, err := c.file.ReadAt(hbuf, int64(c.footer.DataOffset)); err != nil {
		return taperr.New(taperr.IO, "vhd.Open", err)
	}
	if err := ValidateHeader(hbuf); err != nil {
		return err
	}
	header, err := DecodeHeader(hbuf)
	if err != nil {
		return err
	}
	c.header = header

	// Locator payloads live outside the header struct; pull each
	// populated slot's bytes in so DecodeLocatorPath has them.
	for i := range c.header.ParentLocators {
		pl := &c.header.ParentLocators[i]
		if pl.PlatformCode == PlatformNone || pl.AbsoluteOffset == 0 || pl.UsedBytes == 0 {
			continue
		}
		raw := make([]byte, pl.UsedBytes)
		if _, err := c.file.ReadAt(raw, int64(pl.AbsoluteOffset)); err != nil {
			return taperr.New(taperr.IO, "vhd.Open", err)
		}
		pl.RawData = raw
	}

	batBytes := make([]byte, BATSectors(header.MaxTableEntries)*SectorSize)
	if _, err := c.file.ReadAt(batBytes, int64(header.TableOffset)); err != nil {
		return taperr.New(taperr.IO, "vhd.Open", err)
	}
	bat, err := DecodeBAT(batBytes, header.MaxTableEntries)
	if err != nil {
		return err
	}
	c.bat = bat

	batmapOff := header.TableOffset + uint64(BATSectors(header.MaxTableEntries))*SectorSize
	bmHdrBuf := make([]byte, SectorSize)
	if _, err := c.file.ReadAt(bmHdrBuf, int64(batmapOff)); err != nil {
		if err == io.EOF {
			return nil // absent batmap is not an error
		}
		return taperr.New(taperr.IO, "vhd.Open", err)
	}
	hdr, present, err := DecodeBatmapHeader(bmHdrBuf)
	if err != nil {
		return nil // malformed/absent trailing region: treat as no batmap
	}
	if !present {
		return nil
	}
	bmBuf := make([]byte, hdr.Size*SectorSize)
	if _, err := c.file.ReadAt(bmBuf, int64(hdr.Offset)); err != nil {
		return taperr.New(taperr.IO, "vhd.Open", err)
	}
	c.batmapHdr = hdr
	c.batmapPresent = true
	c.batmap = BitmapBE(bmBuf)
	return nil
}

// Close releases the file descriptor. It makes no durability commitment;
// callers mutating metadata use a Journal (see journal.go).
func (c *Context) Close() error {
	if c.parent != nil {
		c.parent.Close()
		c.parent = nil
	}
	return c.file.Close()
}

// Path returns the path this Context was opened from.
func (c *Context) Path() string { return c.path }

// Footer returns the currently cached footer.
func (c *Context) Footer() Footer { return c.footer }

// Header returns the currently cached sparse header (zero value for fixed
// disks).
func (c *Context) Header() Header { return c.header }

// DiskType returns the image's on-disk type.
func (c *Context) DiskType() DiskType { return c.footer.DiskType }

// BlockSize returns the per-block size in bytes (0 for fixed disks).
func (c *Context) BlockSize() uint32 { return c.header.BlockSize }

// SectorsPerBlock returns BlockSize/SectorSize.
func (c *Context) SectorsPerBlock() uint32 { return c.header.BlockSize / SectorSize }

// Hidden reports the footer's hidden-extension flag.
func (c *Context) Hidden() bool { return c.footer.Hidden }

// SetHidden rewrites the footer's hidden flag in place at both footer
// copies; a single-sector write is atomic, so this needs no journal.
func (c *Context) SetHidden(hidden bool) error {
	if c.mode != ReadWrite {
		return taperr.New(taperr.InvalidArg, "vhd.SetHidden", nil)
	}
	c.footer.Hidden = hidden
	return c.writeFooterBothCopies()
}

// SetPhysSize rewrites the footer's current-size field. Shrinking below
// the already-allocated extent would orphan BAT entries and is rejected.
func (c *Context) SetPhysSize(newSize uint64) error {
	if c.mode != ReadWrite {
		return taperr.New(taperr.InvalidArg, "vhd.SetPhysSize", nil)
	}
	if newSize < c.allocatedVirtualExtent() {
		return taperr.Errorf(taperr.InvalidArg, "vhd.SetPhysSize", "cannot shrink below allocated extent")
	}
	c.footer.CurrentSize = newSize
	return c.writeFooterBothCopies()
}

// allocatedVirtualExtent returns the end of the highest virtual block
// that has ever been allocated; shrinking below it would orphan BAT
// entries with no addressable sectors.
func (c *Context) allocatedVirtualExtent() uint64 {
	var max uint64
	for i, e := range c.bat {
		if e == unusedBATEntry {
			continue
		}
		if end := uint64(i+1) * uint64(c.header.BlockSize); end > max {
			max = end
		}
	}
	return max
}

func (c *Context) writeFooterBothCopies() error {
	buf, err := EncodeFooter(c.footer)
	if err != nil {
		return err
	}
	if _, err := c.file.WriteAt(buf, 0); err != nil {
		return taperr.New(taperr.IO, "vhd.writeFooterBothCopies", err)
	}
	if _, err := c.file.WriteAt(buf, int64(c.footerOffset)); err != nil {
		return taperr.New(taperr.IO, "vhd.writeFooterBothCopies", err)
	}
	return nil
}

// ReadBitmap returns the per-block presence bitmap for block, or hole=true
// if the block has never been allocated. When the batmap asserts the
// block, no per-block bitmap region is read at all (the fast path): an
// all-ones bitmap is synthesized instead.
func (c *Context) ReadBitmap(block int) (bm BitmapBE, hole bool, err error) {
	if block < 0 || block >= len(c.bat) {
		return nil, false, taperr.New(taperr.InvalidArg, "vhd.ReadBitmap", nil)
	}
	if c.bat.IsUnused(block) {
		return nil, true, nil
	}
	if c.batmapPresent && c.batmap.Test(block) {
		return NewBitmapBE(int(c.SectorsPerBlock())).allOnesCopy(int(c.SectorsPerBlock())), false, nil
	}
	off := uint64(c.bat[block]) * SectorSize
	sectors := bitmapSectorsForBlockSize(c.header.BlockSize)
	buf := make([]byte, sectors*SectorSize)
	if _, err := c.file.ReadAt(buf, int64(off)); err != nil {
		return nil, false, taperr.New(taperr.IO, "vhd.ReadBitmap", err)
	}
	return BitmapBE(buf), false, nil
}

func (b BitmapBE) allOnesCopy(nbits int) BitmapBE {
	out := make(BitmapBE, len(b))
	for i := 0; i < nbits; i++ {
		out.Set(i)
	}
	return out
}

// AllocateBlock extends the file with a zeroed bitmap region followed by a
// zeroed data region for block, updates the in-memory and on-disk BAT
// entry, and returns the new BAT sector offset. Concurrent allocations
// within one Context are not supported.
func (c *Context) AllocateBlock(block int) (uint32, error) {
	if c.mode != ReadWrite {
		return 0, taperr.New(taperr.InvalidArg, "vhd.AllocateBlock", nil)
	}
	if block < 0 || block >= len(c.bat) {
		return 0, taperr.New(taperr.InvalidArg, "vhd.AllocateBlock", nil)
	}
	if !c.bat.IsUnused(block) {
		return c.bat[block], nil
	}

	newBlockOffset := c.footerOffset
	bitmapSectors := bitmapSectorsForBlockSize(c.header.BlockSize)
	bitmapLen := bitmapSectors * SectorSize
	zeroBitmap := make([]byte, bitmapLen)
	if _, err := c.file.WriteAt(zeroBitmap, int64(newBlockOffset)); err != nil {
		return 0, taperr.New(taperr.IO, "vhd.AllocateBlock", err)
	}

	dataOffset := newBlockOffset + uint64(bitmapLen)
	zeroData := make([]byte, c.header.BlockSize)
	if _, err := c.file.WriteAt(zeroData, int64(dataOffset)); err != nil {
		return 0, taperr.New(taperr.IO, "vhd.AllocateBlock", err)
	}

	newFooterOffset := dataOffset + uint64(c.header.BlockSize)
	footerBuf, err := EncodeFooter(c.footer)
	if err != nil {
		return 0, err
	}
	if _, err := c.file.WriteAt(footerBuf, int64(newFooterOffset)); err != nil {
		return 0, taperr.New(taperr.IO, "vhd.AllocateBlock", err)
	}
	c.footerOffset = newFooterOffset

	sectorOffset := uint32(newBlockOffset / SectorSize)
	c.bat[block] = sectorOffset
	if err := c.writeBATEntry(block); err != nil {
		return 0, err
	}
	return sectorOffset, nil
}

func (c *Context) writeBATEntry(block int) error {
	entry := EncodeBAT(c.bat[block : block+1])
	off := c.header.TableOffset + uint64(block)*4
	if _, err := c.file.WriteAt(entry[:4], int64(off)); err != nil {
		return taperr.New(taperr.IO, "vhd.writeBATEntry", err)
	}
	return nil
}

// WriteBitmap writes bm back to block's on-disk bitmap region and, if
// every sector in the block is now present, asserts the batmap bit for
// block and persists the batmap byte holding that bit. The batmap header
// is not rewritten.
func (c *Context) WriteBitmap(block int, bm BitmapBE) error {
	if c.mode != ReadWrite {
		return taperr.New(taperr.InvalidArg, "vhd.WriteBitmap", nil)
	}
	off := uint64(c.bat[block]) * SectorSize
	if _, err := c.file.WriteAt(bm, int64(off)); err != nil {
		return taperr.New(taperr.IO, "vhd.WriteBitmap", err)
	}
	if c.batmapPresent && bm.AllOnes(int(c.SectorsPerBlock())) && !c.batmap.Test(block) {
		c.batmap.Set(block)
		if err := c.writeBatmapBit(block); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) writeBatmapBit(block int) error {
	byteIdx := block / 8
	if _, err := c.file.WriteAt(c.batmap[byteIdx:byteIdx+1], int64(c.batmapHdr.Offset)+int64(byteIdx)); err != nil {
		return taperr.New(taperr.IO, "vhd.writeBatmapBit", err)
	}
	return nil
}

// ChainDepth walks the parent chain, opening each ancestor lazily, and
// returns the number of VHDs in the chain including this one.
func (c *Context) ChainDepth() (int, error) {
	depth := 1
	cur := c
	opened := []*Context{}
	defer func() {
		for _, p := range opened {
			p.Close()
		}
	}()
	for cur.footer.DiskType == DiskTypeDifferencing {
		p, err := cur.OpenParent()
		if err != nil {
			return 0, err
		}
		if p != cur.parent {
			opened = append(opened, p)
		}
		depth++
		cur = p
	}
	return depth, nil
}

// IsLogicallyEmpty reports whether this is a differencing image whose
// every BAT entry is unused; snapshot-target selection uses exactly this
// signal to chase down to the deepest non-empty ancestor.
func (c *Context) IsLogicallyEmpty() bool {
	if c.footer.DiskType != DiskTypeDifferencing {
		return false
	}
	for i := range c.bat {
		if !c.bat.IsUnused(i) {
			return false
		}
	}
	return true
}

// SnapshotTarget walks the chain from path downward, skipping
// differencing images that are logically empty, and returns the deepest
// ancestor that actually holds data. Snapshot utilities target that
// image instead of stacking another empty child on top of it.
func SnapshotTarget(path string) (string, error) {
	for {
		c, err := Open(path, ReadOnly)
		if err != nil {
			return "", err
		}
		if !c.IsLogicallyEmpty() {
			c.Close()
			return path, nil
		}
		parent, err := c.ParentPath()
		c.Close()
		if err != nil {
			return "", err
		}
		path = parent
	}
}

// preferredPlatformCodes lists, in preference order, the locator
// platforms parent paths are resolved from: MACX first on POSIX hosts.
var preferredPlatformCodes = func() []PlatformCode {
	if runtime.GOOS == "windows" {
		return []PlatformCode{PlatformWi2k, PlatformWi2r, PlatformW2ku, PlatformW2ru}
	}
	return []PlatformCode{PlatformMacX, PlatformW2ru, PlatformWi2r, PlatformMac}
}()

// ParentLocatorGet returns the canonical path stored in locator slot idx.
func (c *Context) ParentLocatorGet(idx int) (string, error) {
	if idx < 0 || idx >= numParentLocators {
		return "", taperr.New(taperr.InvalidArg, "vhd.ParentLocatorGet", nil)
	}
	pl := c.header.ParentLocators[idx]
	if pl.PlatformCode == PlatformNone {
		return "", taperr.New(taperr.NotFound, "vhd.ParentLocatorGet", nil)
	}
	return DecodeLocatorPath(pl, c.path)
}

// ParentPath resolves the best available parent locator, preferring MACX
// on POSIX hosts, falling back through preferredPlatformCodes.
func (c *Context) ParentPath() (string, error) {
	for _, code := range preferredPlatformCodes {
		for _, pl := range c.header.ParentLocators {
			if pl.PlatformCode == code {
				return DecodeLocatorPath(pl, c.path)
			}
		}
	}
	return "", taperr.New(taperr.NotFound, "vhd.ParentPath", nil)
}

// OpenParent lazily opens and caches this Context's parent, per the
// locator resolved by ParentPath.
func (c *Context) OpenParent() (*Context, error) {
	if c.parent != nil {
		return c.parent, nil
	}
	if c.footer.DiskType != DiskTypeDifferencing {
		return nil, taperr.New(taperr.InvalidArg, "vhd.OpenParent", nil)
	}
	p, err := c.ParentPath()
	if err != nil {
		return nil, err
	}
	parent, err := Open(p, ReadOnly)
	if err != nil {
		return nil, err
	}
	c.parent = parent
	return parent, nil
}

// ParentLocatorSet rewrites locator slot idx to point at parentPath,
// canonicalized per the platform code's rules, and persists the header.
func (c *Context) ParentLocatorSet(idx int, code PlatformCode, parentPath string) error {
	if c.mode != ReadWrite {
		return taperr.New(taperr.InvalidArg, "vhd.ParentLocatorSet", nil)
	}
	if idx < 0 || idx >= numParentLocators {
		return taperr.New(taperr.InvalidArg, "vhd.ParentLocatorSet", nil)
	}
	var raw []byte
	switch code {
	case PlatformW2ru, PlatformWi2r:
		raw = EncodeLocatorRelative(c.path, parentPath)
	case PlatformMacX:
		raw = EncodeLocatorMacX(parentPath)
	default:
		return taperr.Errorf(taperr.InvalidArg, "vhd.ParentLocatorSet", "unsupported platform code 0x%08x", code)
	}
	slot := c.header.ParentLocators[idx]
	if slot.AbsoluteOffset == 0 || slot.AllocatedSectors == 0 {
		return taperr.Errorf(taperr.InvalidArg, "vhd.ParentLocatorSet", "slot %d has no reserved locator space", idx)
	}
	if uint32(len(raw)) > slot.AllocatedSectors*SectorSize {
		return taperr.Errorf(taperr.OutOfSpace, "vhd.ParentLocatorSet", "locator payload %d bytes exceeds %d reserved sectors", len(raw), slot.AllocatedSectors)
	}
	// Zero-pad the whole reserved region so a shrinking payload leaves
	// no stale bytes past UsedBytes.
	padded := make([]byte, slot.AllocatedSectors*SectorSize)
	copy(padded, raw)
	if _, err := c.file.WriteAt(padded, int64(slot.AbsoluteOffset)); err != nil {
		return taperr.New(taperr.IO, "vhd.ParentLocatorSet", err)
	}
	c.header.ParentLocators[idx] = ParentLocator{
		PlatformCode:     code,
		AllocatedSectors: slot.AllocatedSectors,
		UsedBytes:        uint32(len(raw)),
		AbsoluteOffset:   slot.AbsoluteOffset,
		RawData:          raw,
	}
	return c.writeHeader()
}

func (c *Context) writeHeader() error {
	buf, err := EncodeHeader(c.header)
	if err != nil {
		return err
	}
	if _, err := c.file.WriteAt(buf, int64(c.footer.DataOffset)); err != nil {
		return taperr.New(taperr.IO, "vhd.writeHeader", err)
	}
	return nil
}

// newUUID generates a random 16-byte identifier with the RFC 4122 version
// and variant bits set, for footer/header UniqueID fields.
func newUUID() ([16]byte, error) {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, taperr.New(taperr.IO, "vhd.newUUID", err)
	}
	id[6] = (id[6] & 0x0F) | 0x40
	id[8] = (id[8] & 0x3F) | 0x80
	return id, nil
}
