// Package tapctl implements the tapdisk control plane: minor-number
// allocation, the IPC message framing used to talk to a running tapdisk,
// the spawn/attach/open/pause/close lifecycle, and the registry that
// joins live tapdisks with kernel minors.
package tapctl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/blktap/blktap/internal/taperr"
)

// DefaultControlDir is the production control directory.
const DefaultControlDir = "/run/blktap-control/tapdisk"

// Allocator hands out tapdisk minor numbers by creating and locking
// marker files under a directory. The directory itself is locked for the
// duration of a scan-and-create so concurrent allocators never observe
// the same minor as free simultaneously.
type Allocator struct {
	dir    string
	locked map[int]*os.File
}

// NewAllocator prepares dir (creating it if necessary) as the allocator's
// backing store.
func NewAllocator(dir string) (*Allocator, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, taperr.New(taperr.IO, "tapctl.NewAllocator", err)
	}
	return &Allocator{dir: dir, locked: make(map[int]*os.File)}, nil
}

func markerPath(dir string, minor int) string {
	return filepath.Join(dir, fmt.Sprintf("tapdisk-%d", minor))
}

// lockDir takes the directory-wide exclusive lock used to serialize
// allocation scans.
func (a *Allocator) lockDir() (*os.File, error) {
	f, err := os.Open(a.dir)
	if err != nil {
		return nil, taperr.New(taperr.IO, "tapctl.Allocate", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, taperr.New(taperr.IO, "tapctl.Allocate", err)
	}
	return f, nil
}

// Allocate scans from 0 upward for the first unused minor, creates its
// marker file, and holds a non-blocking exclusive lock on it for the
// lifetime of the owning process.
func (a *Allocator) Allocate() (int, error) {
	lock, err := a.lockDir()
	if err != nil {
		return -1, err
	}
	defer func() {
		unix.Flock(int(lock.Fd()), unix.LOCK_UN)
		lock.Close()
	}()

	existing := map[int]bool{}
	entries, _ := os.ReadDir(a.dir)
	for _, e := range entries {
		const prefix = "tapdisk-"
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix)); err == nil {
			existing[n] = true
		}
	}

	for minor := 0; ; minor++ {
		if existing[minor] {
			continue
		}
		path := markerPath(a.dir, minor)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return -1, taperr.New(taperr.IO, "tapctl.Allocate", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			os.Remove(path)
			return -1, taperr.New(taperr.IO, "tapctl.Allocate", err)
		}
		a.locked[minor] = f
		return minor, nil
	}
}

// Free releases minor. A non-blocking lock attempt on its marker file
// tells us whether the owning process has died: success means it has, and
// the marker is unlinked; lock contention is reported as Busy (EAGAIN).
func (a *Allocator) Free(minor int) error {
	if f, ok := a.locked[minor]; ok {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		delete(a.locked, minor)
		return os.Remove(markerPath(a.dir, minor))
	}

	path := markerPath(a.dir, minor)
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return taperr.New(taperr.NotFound, "tapctl.Free", err)
		}
		return taperr.New(taperr.IO, "tapctl.Free", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return taperr.New(taperr.Busy, "tapctl.Free", err).WithErrno(int(unix.EAGAIN))
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return os.Remove(path)
}

// Minors lists every minor number currently represented by a marker file,
// regardless of lock state, in ascending order.
func (a *Allocator) Minors() ([]int, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, taperr.New(taperr.IO, "tapctl.Minors", err)
	}
	var out []int
	for _, e := range entries {
		const prefix = "tapdisk-"
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix)); err == nil {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}
