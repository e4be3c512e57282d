package vhd

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testFooter() Footer {
	return Footer{
		Features:       FeatureReserved,
		FormatVersion:  fileFormatVersion,
		DataOffset:     footerSize,
		Timestamp:      vhdEpoch.Add(812 * time.Hour),
		CreatorApp:     [4]byte{'t', 'a', 'p', ' '},
		CreatorVersion: 0x00010000,
		CreatorOS:      [4]byte{'W', 'i', '2', 'k'},
		OriginalSize:   64 << 20,
		CurrentSize:    64 << 20,
		Geometry:       chsFromSize(64 << 20),
		DiskType:       DiskTypeDynamic,
		UniqueID:       [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
	}
}

// encode(decode(buf)) == buf byte-for-byte, and decode(encode(f)) == f
// structurally.
func TestFooterCodecRoundTrip(t *testing.T) {
	f := testFooter()
	buf, err := EncodeFooter(f)
	if err != nil {
		t.Fatalf("EncodeFooter: %v", err)
	}
	if err := ValidateFooter(buf); err != nil {
		t.Fatalf("ValidateFooter: %v", err)
	}

	decoded, err := DecodeFooter(buf)
	if err != nil {
		t.Fatalf("DecodeFooter: %v", err)
	}
	if diff := cmp.Diff(f, decoded); diff != "" {
		t.Fatalf("footer struct round trip (-want +got):\n%s", diff)
	}

	reencoded, err := EncodeFooter(decoded)
	if err != nil {
		t.Fatalf("re-EncodeFooter: %v", err)
	}
	if !bytes.Equal(buf, reencoded) {
		t.Fatalf("footer bytes round trip mismatch")
	}
}

// The stored checksum equals the ones-complement fold of the buffer
// with the checksum field zeroed.
func TestFooterChecksumProperty(t *testing.T) {
	buf, err := EncodeFooter(testFooter())
	if err != nil {
		t.Fatalf("EncodeFooter: %v", err)
	}
	stored := binary.BigEndian.Uint32(buf[64:68])
	cp := make([]byte, len(buf))
	copy(cp, buf)
	binary.BigEndian.PutUint32(cp[64:68], 0)
	if got := checksum(cp); got != stored {
		t.Fatalf("checksum = 0x%08x, want stored 0x%08x", got, stored)
	}

	// Any single-byte flip outside the checksum field must be caught.
	buf[100] ^= 0x01
	if err := ValidateFooter(buf); err == nil {
		t.Fatalf("corrupted footer should fail validation")
	}
}

func TestHeaderCodecRoundTrip(t *testing.T) {
	h := NewHeader(footerSize+headerSize, 32, DefaultBlockSize)
	h.ParentUniqueID = [16]byte{0xAA, 0xBB}
	h.ParentTimestamp = vhdEpoch.Add(24 * time.Hour)
	copy(h.ParentUnicodeName[:], []uint16{'p', '.', 'v', 'h', 'd'})
	h.ParentLocators[0] = ParentLocator{
		PlatformCode:     PlatformW2ru,
		AllocatedSectors: 1,
		UsedBytes:        10,
		AbsoluteOffset:   4096,
	}

	buf, err := EncodeHeader(h)
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	if err := ValidateHeader(buf); err != nil {
		t.Fatalf("ValidateHeader: %v", err)
	}

	decoded, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	// Locator payloads live outside the header's 1024 bytes, so RawData
	// is not part of the codec contract.
	if diff := cmp.Diff(h, decoded); diff != "" {
		t.Fatalf("header struct round trip (-want +got):\n%s", diff)
	}

	reencoded, err := EncodeHeader(decoded)
	if err != nil {
		t.Fatalf("re-EncodeHeader: %v", err)
	}
	if !bytes.Equal(buf, reencoded) {
		t.Fatalf("header bytes round trip mismatch")
	}
}

func TestHeaderValidateRejects(t *testing.T) {
	good, err := EncodeHeader(NewHeader(footerSize+headerSize, 32, DefaultBlockSize))
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(b []byte)
	}{
		{"bad cookie", func(b []byte) { copy(b, "badmagic") }},
		{"bad block size", func(b []byte) {
			binary.BigEndian.PutUint32(b[32:36], 12345) // not a power of two
		}},
		{"bad data offset", func(b []byte) {
			binary.BigEndian.PutUint64(b[8:16], 0)
		}},
		{"checksum mismatch", func(b []byte) { b[200] ^= 0xFF }},
	}
	for _, c := range cases {
		buf := make([]byte, len(good))
		copy(buf, good)
		c.mutate(buf)
		if err := ValidateHeader(buf); err == nil {
			t.Errorf("%s: corrupted header should fail validation", c.name)
		}
	}
}

func TestBatmapHeaderCodecRoundTrip(t *testing.T) {
	h := BatmapHeader{Offset: 3072, Size: 1, Version: batmapVersion}
	buf, err := EncodeBatmapHeader(h)
	if err != nil {
		t.Fatalf("EncodeBatmapHeader: %v", err)
	}
	decoded, present, err := DecodeBatmapHeader(buf)
	if err != nil {
		t.Fatalf("DecodeBatmapHeader: %v", err)
	}
	if !present {
		t.Fatalf("batmap header should decode as present")
	}
	if diff := cmp.Diff(h, decoded); diff != "" {
		t.Fatalf("batmap header round trip (-want +got):\n%s", diff)
	}

	// A non-batmap sector (e.g. a data block) is "absent", not an error.
	_, present, err = DecodeBatmapHeader(make([]byte, SectorSize))
	if err != nil || present {
		t.Fatalf("zeroed sector should decode as absent batmap, got present=%v err=%v", present, err)
	}
}

func TestLocatorPathCodec(t *testing.T) {
	child := "/images/child.vhd"
	parent := "/images/snap/parent.vhd"

	rel := EncodeLocatorRelative(child, parent)
	got, err := DecodeLocatorPath(ParentLocator{PlatformCode: PlatformW2ru, RawData: rel}, child)
	if err != nil {
		t.Fatalf("DecodeLocatorPath(W2ru): %v", err)
	}
	if got != parent {
		t.Fatalf("relative locator = %q, want %q", got, parent)
	}

	macx := EncodeLocatorMacX(parent)
	if !bytes.HasPrefix(macx, []byte("file://")) {
		t.Fatalf("MACX locator should be a file URL, got %q", macx)
	}
	got, err = DecodeLocatorPath(ParentLocator{PlatformCode: PlatformMacX, RawData: macx}, child)
	if err != nil {
		t.Fatalf("DecodeLocatorPath(MACX): %v", err)
	}
	if got != parent {
		t.Fatalf("MACX locator = %q, want %q", got, parent)
	}
}

func TestBitmapBERuns(t *testing.T) {
	bm := NewBitmapBE(32)
	for _, i := range []int{0, 1, 2, 9, 15, 16, 17} {
		bm.Set(i)
	}
	want := []Run{{Start: 0, Len: 3}, {Start: 9, Len: 1}, {Start: 15, Len: 3}}
	if diff := cmp.Diff(want, bm.Runs(32)); diff != "" {
		t.Fatalf("Runs (-want +got):\n%s", diff)
	}

	// Big-endian within each byte: bit 0 is the MSB of byte 0.
	if bm[0]&0x80 == 0 {
		t.Fatalf("bit 0 should map to the high bit of byte 0")
	}
}
