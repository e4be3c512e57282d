package vhd

import (
	"net/url"
	"path/filepath"
	"strings"
	"unicode/utf16"

	"github.com/blktap/blktap/internal/taperr"
)

// DecodeLocatorPath returns the canonical UTF-8 path a parent locator
// slot's raw platform data encodes. Windows paths are stored UTF-16LE;
// MacOS-X locators are stored as a "file://" URL in UTF-8 and have their
// scheme stripped. Relative locators (Wi2r/W2ru) are resolved against
// dirname(childPath).
func DecodeLocatorPath(pl ParentLocator, childPath string) (string, error) {
	switch pl.PlatformCode {
	case PlatformWi2r, PlatformW2ru:
		p := decodeUTF16LE(pl.RawData)
		return filepath.Join(filepath.Dir(childPath), p), nil
	case PlatformWi2k, PlatformW2ku:
		return decodeUTF16LE(pl.RawData), nil
	case PlatformMacX:
		u, err := url.Parse(strings.TrimRight(string(pl.RawData), "\x00"))
		if err != nil {
			return "", taperr.New(taperr.Format, "vhd.DecodeLocatorPath", err)
		}
		return u.Path, nil
	case PlatformMac:
		return strings.TrimRight(string(pl.RawData), "\x00"), nil
	default:
		return "", taperr.Errorf(taperr.Format, "vhd.DecodeLocatorPath", "unsupported platform code 0x%08x", pl.PlatformCode)
	}
}

// EncodeLocatorRelative builds the raw payload for a W2ru (relative
// Windows path, UTF-16LE) locator slot, given the absolute parentPath and
// the absolute childPath it will be stored alongside.
func EncodeLocatorRelative(childPath, parentPath string) []byte {
	rel, err := filepath.Rel(filepath.Dir(childPath), parentPath)
	if err != nil {
		rel = parentPath
	}
	return encodeUTF16LE(rel)
}

// EncodeLocatorMacX builds the raw payload for a MACX (absolute MacOS-X
// file URL, UTF-8) locator slot.
func EncodeLocatorMacX(parentPath string) []byte {
	u := url.URL{Scheme: "file", Path: parentPath}
	return []byte(u.String())
}

func decodeUTF16LE(b []byte) string {
	// trim a trailing NUL pair if present
	for len(b) >= 2 && b[len(b)-1] == 0 && b[len(b)-2] == 0 {
		b = b[:len(b)-2]
	}
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u16 = append(u16, uint16(b[i])|uint16(b[i+1])<<8)
	}
	return string(utf16.Decode(u16))
}

func encodeUTF16LE(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	b := make([]byte, len(u16)*2)
	for i, u := range u16 {
		b[i*2] = byte(u)
		b[i*2+1] = byte(u >> 8)
	}
	return b
}

// sectorsFor rounds n bytes up to a whole count of 512-byte sectors.
func sectorsFor(n int) uint32 {
	return uint32((n + SectorSize - 1) / SectorSize)
}
