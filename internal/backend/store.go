// Package backend implements the Xenbus-driven orchestrator ("tapback"):
// a typed wrapper over the hierarchical configuration store, the per-VBD
// channel state machine, and the single-threaded watch dispatcher that
// drives VBD bring-up/tear-down and the frontend handshake.
package backend

import (
	"strconv"
	"strings"

	"github.com/blktap/blktap/internal/taperr"
)

// WatchEvent is delivered for every watch token fired by a Store
// implementation.
type WatchEvent struct {
	Path  string
	Token string
}

// Store is the typed config-store wrapper: read/write/watch operations
// plus a transactional, scanf-style typed write. All strings traversing
// the store are NUL-terminated and forbidden from containing embedded
// NULs.
//
// The orchestrator and its tests run against storetest's in-memory
// implementation; a production client binds the same interface to the
// real store transport (tapctl.KernelDevice plays the same role for the
// allocator).
type Store interface {
	// Read returns the value at path, or ok=false if the key is absent.
	// It raises an error only on transport failure.
	Read(path string) (value string, ok bool, err error)
	// Printf performs a transactional read-then-write at device/key: if
	// makeRead is true the existing value is read first (for callers
	// that need read-modify-write semantics); the write aborts cleanly
	// if device's directory has been removed in the interim.
	Printf(device, key string, makeRead bool, format string, args ...interface{}) error
	Exists(path string) (bool, error)
	Rm(path string) error
	Watch(path, token string) error
	Unwatch(path, token string) error
	// Events returns the channel watch events are delivered on.
	Events() <-chan WatchEvent
}

// ValidateStoreString rejects a config-store value containing an embedded
// NUL byte.
func ValidateStoreString(s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return taperr.New(taperr.InvalidArg, "backend.ValidateStoreString", nil)
	}
	return nil
}

// joinPath builds a config-store path from components, matching the
// store's '/'-separated hierarchy.
func joinPath(parts ...string) string {
	return strings.Join(parts, "/")
}

// backendDevicePath returns backend/<name>/<domid>/<devid>.
func backendDevicePath(name string, domid, devid int) string {
	return joinPath("backend", name, strconv.Itoa(domid), strconv.Itoa(devid))
}
