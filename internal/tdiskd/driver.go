// Package tdiskd implements the tapdisk worker core: it binds an
// IPC listener and serves control-protocol requests against an open
// VHD chain, giving the control plane's spawn/attach/open sequence a
// concrete far end.
package tdiskd

import (
	"io"

	"github.com/blktap/blktap/internal/taperr"
)

// Driver is the capability set an image backend implements; requests
// dispatch to one of many backends through this interface rather than a
// type-id switch.
type Driver interface {
	io.Closer
	ReadAt(lsn, nsectors int, p []byte) error
	WriteAt(lsn, nsectors int, p []byte) error
	GetSize() (int64, error)
	GetSecSize() (uint32, error)
	GetInfo() (uint32, error)
}

// DriverFactory opens a Driver for the given image path. Factories are
// registered per image-descriptor type prefix (vhd, aio, ram, ...).
type DriverFactory func(path string, readOnly bool) (Driver, error)

var registry = map[string]DriverFactory{}

// Register installs factory as the handler for the type: prefix typ.
func Register(typ string, factory DriverFactory) {
	registry[typ] = factory
}

// Open dispatches descriptor ("type:path") to its registered factory.
func Open(descriptor string, readOnly bool) (Driver, error) {
	typ, path, ok := splitDescriptor(descriptor)
	if !ok {
		return nil, taperr.Errorf(taperr.InvalidArg, "tdiskd.Open", "malformed image descriptor %q", descriptor)
	}
	factory, ok := registry[typ]
	if !ok {
		return nil, taperr.Errorf(taperr.InvalidArg, "tdiskd.Open", "unknown image type %q", typ)
	}
	return factory(path, readOnly)
}

func splitDescriptor(s string) (typ, path string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
