package vhd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// A write into a fresh dynamic image reads back after reopen; untouched
// sectors read as zero and only the touched BAT entry is allocated.
func TestDynamicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.vhd")

	c, err := CreateDynamic(path, 64<<20, 2<<20)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}

	pattern := bytes.Repeat([]byte{0xAB}, SectorSize)
	if err := c.WriteSectors(0, 1, pattern); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c, err = Open(path, ReadWrite)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()

	got := make([]byte, SectorSize)
	if err := c.ReadSectors(0, 1, got); err != nil {
		t.Fatalf("ReadSectors(0): %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Fatalf("sector 0 mismatch: got %x want %x", got[:4], pattern[:4])
	}

	zero := bytes.Repeat([]byte{0x00}, SectorSize)
	if err := c.ReadSectors(1, 1, got); err != nil {
		t.Fatalf("ReadSectors(1): %v", err)
	}
	if !bytes.Equal(got, zero) {
		t.Fatalf("sector 1 should be zero, got %x", got[:4])
	}

	if c.bat.IsUnused(0) {
		t.Fatalf("BAT entry 0 should be allocated")
	}
	for i := 1; i < len(c.bat); i++ {
		if !c.bat.IsUnused(i) {
			t.Fatalf("BAT entry %d should still be unused", i)
		}
	}
}

// A differencing child serves its own writes and falls through to the
// parent for holes.
func TestDifferencingFallthrough(t *testing.T) {
	dir := t.TempDir()
	parentPath := filepath.Join(dir, "parent.vhd")
	childPath := filepath.Join(dir, "child.vhd")

	parent, err := CreateDynamic(parentPath, 16<<20, 2<<20)
	if err != nil {
		t.Fatalf("CreateDynamic(parent): %v", err)
	}
	sector10 := bytes.Repeat([]byte{0xCD}, SectorSize)
	if err := parent.WriteSectors(10, 1, sector10); err != nil {
		t.Fatalf("write parent sector 10: %v", err)
	}
	sector11 := bytes.Repeat([]byte{0x99}, SectorSize)
	if err := parent.WriteSectors(11, 1, sector11); err != nil {
		t.Fatalf("write parent sector 11: %v", err)
	}
	if err := parent.Close(); err != nil {
		t.Fatalf("close parent: %v", err)
	}

	child, err := CreateDifferencing(childPath, parentPath)
	if err != nil {
		t.Fatalf("CreateDifferencing: %v", err)
	}
	defer child.Close()

	if !child.IsLogicallyEmpty() {
		t.Fatalf("freshly-created differencing image should be logically empty")
	}

	sector10child := bytes.Repeat([]byte{0xEF}, SectorSize)
	if err := child.WriteSectors(10, 1, sector10child); err != nil {
		t.Fatalf("write child sector 10: %v", err)
	}

	got := make([]byte, SectorSize)
	if err := child.ReadSectors(10, 1, got); err != nil {
		t.Fatalf("read child sector 10: %v", err)
	}
	if !bytes.Equal(got, sector10child) {
		t.Fatalf("child sector 10 mismatch")
	}

	if err := child.ReadSectors(11, 1, got); err != nil {
		t.Fatalf("read child sector 11: %v", err)
	}
	if !bytes.Equal(got, sector11) {
		t.Fatalf("child sector 11 should read through to parent's value")
	}
}

// Writing every sector of a block asserts its batmap bit, after which
// reads skip the per-block bitmap entirely.
func TestBatmapFastPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.vhd")

	c, err := CreateDynamic(path, 8<<20, 2<<20)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	if !c.batmapPresent {
		t.Fatalf("freshly-created image should carry a batmap")
	}

	spb := int(c.SectorsPerBlock())
	block := 3
	buf := make([]byte, c.header.BlockSize)
	for i := range buf {
		buf[i] = 0x42
	}
	if err := c.WriteSectors(block*spb, spb, buf); err != nil {
		t.Fatalf("WriteSectors(whole block): %v", err)
	}
	if !c.batmap.Test(block) {
		t.Fatalf("batmap bit for block %d should be set once all sectors are present", block)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The batmap bit must survive a reopen, and once it asserts the
	// block the per-block bitmap region must not be consulted at all:
	// poison it on disk and verify the read still succeeds.
	c, err = Open(path, ReadWrite)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	if !c.batmapPresent || !c.batmap.Test(block) {
		t.Fatalf("batmap bit for block %d should persist across reopen", block)
	}

	bitmapOff := uint64(c.bat[block]) * SectorSize
	poison := bytes.Repeat([]byte{0xFF}, int(bitmapSectorsForBlockSize(c.header.BlockSize))*SectorSize)
	if _, err := c.file.WriteAt(poison, int64(bitmapOff)); err != nil {
		t.Fatalf("poison bitmap: %v", err)
	}

	got := make([]byte, c.header.BlockSize)
	if err := c.ReadSectors(block*spb, spb, got); err != nil {
		t.Fatalf("ReadSectors via batmap fast path: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatalf("batmap fast-path read mismatch")
	}
}

// Parent locators must survive a reopen: the chain is resolved from the
// on-disk locator payload, not from in-memory state left over from
// CreateDifferencing.
func TestDifferencingReopenResolvesParent(t *testing.T) {
	dir := t.TempDir()
	parentPath := filepath.Join(dir, "parent.vhd")
	childPath := filepath.Join(dir, "child.vhd")

	parent, err := CreateDynamic(parentPath, 8<<20, 2<<20)
	if err != nil {
		t.Fatalf("CreateDynamic(parent): %v", err)
	}
	pattern := bytes.Repeat([]byte{0x5C}, SectorSize)
	if err := parent.WriteSectors(7, 1, pattern); err != nil {
		t.Fatalf("write parent: %v", err)
	}
	if err := parent.Close(); err != nil {
		t.Fatalf("close parent: %v", err)
	}

	child, err := CreateDifferencing(childPath, parentPath)
	if err != nil {
		t.Fatalf("CreateDifferencing: %v", err)
	}
	if err := child.Close(); err != nil {
		t.Fatalf("close child: %v", err)
	}

	child, err = Open(childPath, ReadOnly)
	if err != nil {
		t.Fatalf("reopen child: %v", err)
	}
	defer child.Close()

	resolved, err := child.ParentPath()
	if err != nil {
		t.Fatalf("ParentPath: %v", err)
	}
	if resolved != parentPath {
		t.Fatalf("ParentPath = %q, want %q", resolved, parentPath)
	}

	got := make([]byte, SectorSize)
	if err := child.ReadSectors(7, 1, got); err != nil {
		t.Fatalf("read through reopened chain: %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Fatalf("read-through after reopen mismatch")
	}
}

// An untouched differencing child is skipped when picking a snapshot
// target; a child with any allocated block is not.
func TestSnapshotTarget(t *testing.T) {
	dir := t.TempDir()
	rootPath := filepath.Join(dir, "root.vhd")
	midPath := filepath.Join(dir, "mid.vhd")
	leafPath := filepath.Join(dir, "leaf.vhd")

	root, err := CreateDynamic(rootPath, 4<<20, 2<<20)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	if err := root.WriteSectors(0, 1, bytes.Repeat([]byte{0x11}, SectorSize)); err != nil {
		t.Fatalf("write root: %v", err)
	}
	root.Close()

	mid, err := CreateDifferencing(midPath, rootPath)
	if err != nil {
		t.Fatalf("CreateDifferencing(mid): %v", err)
	}
	mid.Close()
	leaf, err := CreateDifferencing(leafPath, midPath)
	if err != nil {
		t.Fatalf("CreateDifferencing(leaf): %v", err)
	}
	leaf.Close()

	target, err := SnapshotTarget(leafPath)
	if err != nil {
		t.Fatalf("SnapshotTarget: %v", err)
	}
	if target != rootPath {
		t.Fatalf("SnapshotTarget = %q, want deepest non-empty %q", target, rootPath)
	}

	mid, err = Open(midPath, ReadWrite)
	if err != nil {
		t.Fatalf("reopen mid: %v", err)
	}
	if err := mid.WriteSectors(3, 1, bytes.Repeat([]byte{0x22}, SectorSize)); err != nil {
		t.Fatalf("write mid: %v", err)
	}
	mid.Close()

	target, err = SnapshotTarget(leafPath)
	if err != nil {
		t.Fatalf("SnapshotTarget: %v", err)
	}
	if target != midPath {
		t.Fatalf("SnapshotTarget = %q, want %q once mid holds data", target, midPath)
	}
}

// Reparenting is journaled: a crash between the locator rewrites must be
// revertable to the original parent.
func TestChangeParent(t *testing.T) {
	dir := t.TempDir()
	parentA := filepath.Join(dir, "a.vhd")
	parentB := filepath.Join(dir, "b.vhd")
	childPath := filepath.Join(dir, "child.vhd")
	journalPath := filepath.Join(dir, "child.vhd.journal")

	for _, p := range []string{parentA, parentB} {
		c, err := CreateDynamic(p, 4<<20, 2<<20)
		if err != nil {
			t.Fatalf("CreateDynamic(%s): %v", p, err)
		}
		c.Close()
	}
	child, err := CreateDifferencing(childPath, parentA)
	if err != nil {
		t.Fatalf("CreateDifferencing: %v", err)
	}
	defer child.Close()

	if err := ChangeParent(child, parentB, journalPath); err != nil {
		t.Fatalf("ChangeParent: %v", err)
	}
	resolved, err := child.ParentPath()
	if err != nil {
		t.Fatalf("ParentPath: %v", err)
	}
	if resolved != parentB {
		t.Fatalf("ParentPath after reparent = %q, want %q", resolved, parentB)
	}
	if _, err := os.Stat(journalPath); !os.IsNotExist(err) {
		t.Fatalf("journal should be removed after commit")
	}
}

// An uncommitted journal found at open time is reverted before the VHD
// is used.
func TestJournalRevertSetPhysSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.vhd")
	journalPath := filepath.Join(dir, "disk.vhd.journal")

	c, err := CreateDynamic(path, 32<<20, 2<<20)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	origSize := c.footer.CurrentSize
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c, err = Open(path, ReadWrite)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	j, err := Create(c, journalPath)
	if err != nil {
		t.Fatalf("Journal.Create: %v", err)
	}
	if err := j.AddBlock(RegionFooter, 0, footerSize); err != nil {
		t.Fatalf("AddBlock(head): %v", err)
	}
	if err := j.AddBlock(RegionFooter, c.footerOffset, footerSize); err != nil {
		t.Fatalf("AddBlock(tail): %v", err)
	}
	if err := c.SetPhysSize(origSize * 2); err != nil {
		t.Fatalf("SetPhysSize: %v", err)
	}
	// Simulate a crash: close without Commit. The journal file remains
	// on disk.
	c.Close()

	if _, err := os.Stat(journalPath); err != nil {
		t.Fatalf("journal should still exist after simulated crash: %v", err)
	}

	reverted, err := OpenRevert(path, journalPath)
	if err != nil {
		t.Fatalf("OpenRevert: %v", err)
	}
	defer reverted.Close()

	if reverted.footer.CurrentSize != origSize {
		t.Fatalf("CurrentSize after revert = %d, want %d", reverted.footer.CurrentSize, origSize)
	}
	if _, err := os.Stat(journalPath); !os.IsNotExist(err) {
		t.Fatalf("journal file should be removed after revert")
	}
}

func TestSetPhysSizeJournaledCommits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.vhd")
	journalPath := filepath.Join(dir, "disk.vhd.journal")

	c, err := CreateDynamic(path, 4<<20, 2<<20)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	defer c.Close()

	if err := SetPhysSizeJournaled(c, 8<<20, journalPath); err != nil {
		t.Fatalf("SetPhysSizeJournaled: %v", err)
	}
	if c.footer.CurrentSize != 8<<20 {
		t.Fatalf("CurrentSize = %d, want %d", c.footer.CurrentSize, 8<<20)
	}
	if _, err := os.Stat(journalPath); !os.IsNotExist(err) {
		t.Fatalf("journal should be removed after commit")
	}
}

func TestSetPhysSizeRejectsShrinkBelowAllocation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.vhd")

	c, err := CreateDynamic(path, 8<<20, 2<<20)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	defer c.Close()

	// Allocate block 2, putting the allocated extent at 6 MiB.
	spb := int(c.SectorsPerBlock())
	if err := c.WriteSectors(2*spb, 1, make([]byte, SectorSize)); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}

	if err := c.SetPhysSize(4 << 20); err == nil {
		t.Fatalf("shrink below the allocated extent should be rejected")
	}
	if err := c.SetPhysSize(6 << 20); err != nil {
		t.Fatalf("shrink to the allocated extent should succeed: %v", err)
	}
}

func TestCoalesceIntoParent(t *testing.T) {
	dir := t.TempDir()
	parentPath := filepath.Join(dir, "parent.vhd")
	childPath := filepath.Join(dir, "child.vhd")

	parent, err := CreateDynamic(parentPath, 8<<20, 2<<20)
	if err != nil {
		t.Fatalf("CreateDynamic(parent): %v", err)
	}
	defer parent.Close()

	child, err := CreateDifferencing(childPath, parentPath)
	if err != nil {
		t.Fatalf("CreateDifferencing: %v", err)
	}
	defer child.Close()

	pattern := bytes.Repeat([]byte{0x7A}, SectorSize)
	if err := child.WriteSectors(5, 1, pattern); err != nil {
		t.Fatalf("write child sector 5: %v", err)
	}

	if err := Coalesce(child, parent); err != nil {
		t.Fatalf("Coalesce: %v", err)
	}

	got := make([]byte, SectorSize)
	if err := parent.ReadSectors(5, 1, got); err != nil {
		t.Fatalf("read parent sector 5 after coalesce: %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Fatalf("coalesced sector mismatch")
	}
}
