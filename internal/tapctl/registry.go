package tapctl

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/s-urbaniak/uevent"
	"golang.org/x/sync/errgroup"

	"github.com/blktap/blktap/internal/taperr"
)

// blktapSysfsGlob matches kernel-visible blktap minors; blktapSubsystem is
// the kernel uevent subsystem they appear under.
const (
	blktapSysfsGlob  = "/sys/class/blktap2/blktap*"
	blktapSubsystem  = "blktap2"
	ctlSocketGlobFmt = "ctl*"
)

// RegistryEntry is one (pid, minor, state, type, path) tuple produced by
// joining live tapdisks with kernel minors.
type RegistryEntry struct {
	PID   int // -1 for an orphaned kernel minor
	Minor int // -1 for a tapdisk with no attached minor
	State string
	Type  string
	Path  string
}

// Registry answers "what devices and tapdisks exist right now?" by
// unioning a sysfs glob of kernel minors with a control-dir glob of live
// tapdisk sockets, then issuing LIST to each live tapdisk.
type Registry struct {
	controlDir string

	mu      sync.Mutex
	cached  []int // minors last observed via sysfs, invalidated by uevents
	haveEvt bool  // a uevent watcher is running, so the cache is trustworthy
}

// NewRegistry constructs a Registry rooted at controlDir.
func NewRegistry(controlDir string) *Registry {
	return &Registry{controlDir: controlDir}
}

// WatchUevents supplements the polling glob with kernel uevent
// notifications: add/remove actions on the blktap2 subsystem invalidate
// the cached minor set between polling globs. It runs until the reader
// errors or the process exits.
func (r *Registry) WatchUevents() error {
	rd, err := uevent.NewReader()
	if err != nil {
		return taperr.New(taperr.IO, "tapctl.WatchUevents", err)
	}
	defer rd.Close()

	r.mu.Lock()
	r.haveEvt = true
	r.mu.Unlock()
	defer func() {
		// Fall back to glob-per-List once the event stream is gone.
		r.mu.Lock()
		r.haveEvt = false
		r.cached = nil
		r.mu.Unlock()
	}()

	dec := uevent.NewDecoder(rd)
	for {
		ev, err := dec.Decode()
		if err != nil {
			return taperr.New(taperr.IO, "tapctl.WatchUevents", err)
		}
		if ev.Subsystem != blktapSubsystem {
			continue
		}
		if ev.Action != "add" && ev.Action != "remove" {
			continue
		}
		r.mu.Lock()
		r.cached = nil
		r.haveEvt = true
		r.mu.Unlock()
	}
}

// sysfsMinors returns the kernel minor set, reusing the last glob result
// while a uevent watcher guarantees it has not gone stale.
func (r *Registry) sysfsMinors() ([]int, error) {
	r.mu.Lock()
	if r.haveEvt && r.cached != nil {
		out := append([]int(nil), r.cached...)
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	minors, err := kernelMinors()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cached = append([]int(nil), minors...)
	r.mu.Unlock()
	return minors, nil
}

// kernelMinors globs sysfs for live blktap kernel minors.
func kernelMinors() ([]int, error) {
	matches, err := filepath.Glob(blktapSysfsGlob)
	if err != nil {
		return nil, taperr.New(taperr.IO, "tapctl.kernelMinors", err)
	}
	var out []int
	for _, m := range matches {
		base := filepath.Base(m)
		n, err := strconv.Atoi(strings.TrimPrefix(base, "blktap"))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// livePIDs globs the control directory for ctl* sockets and verifies
// liveness by connecting and issuing PID, fanning the probes out
// concurrently.
func livePIDs(controlDir string) ([]int, error) {
	matches, err := filepath.Glob(filepath.Join(controlDir, ctlSocketGlobFmt))
	if err != nil {
		return nil, taperr.New(taperr.IO, "tapctl.livePIDs", err)
	}

	var mu sync.Mutex
	var pids []int
	var g errgroup.Group
	for _, m := range matches {
		m := m
		g.Go(func() error {
			base := filepath.Base(m)
			pid, err := strconv.Atoi(strings.TrimPrefix(base, "ctl"))
			if err != nil {
				return nil // not a pid-shaped socket name, ignore
			}
			conn, err := Dial(m)
			if err != nil {
				return nil // stale socket, owning process is gone
			}
			defer conn.Close()
			resp, err := conn.SendAndReceive(Message{Type: MsgPID}, 2*time.Second)
			if err != nil || resp.Errno != 0 {
				return nil
			}
			mu.Lock()
			pids = append(pids, pid)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pids, nil
}

// listTapdisk issues LIST to the tapdisk at pid's socket, draining the
// multi-response sequence until a response with ListCount==0 terminates
// it.
func listTapdisk(controlDir string, pid int) ([]RegistryEntry, error) {
	conn, err := Dial(ControlSocketPath(controlDir, pid))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.WriteMessage(Message{Type: MsgList}); err != nil {
		return nil, err
	}
	var entries []RegistryEntry
	for {
		resp, err := conn.ReadMessage(5 * time.Second)
		if err != nil {
			return nil, err
		}
		if resp.ListCount == 0 {
			break
		}
		typ, path := splitTypePath(resp.Path)
		// LIST_RSP reuses the Info scalar to carry the tapdisk image
		// state (running/paused/...); everything else about the entry
		// comes from Minor and the type:path descriptor.
		entries = append(entries, RegistryEntry{
			PID:   pid,
			Minor: int(resp.Minor),
			State: strconv.Itoa(int(resp.Info)),
			Type:  typ,
			Path:  path,
		})
	}
	return entries, nil
}

func splitTypePath(s string) (typ, path string) {
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		return s[:idx], s[idx+1:]
	}
	return "", s
}

// List returns a three-way outer join: paired
// (pid, minor) entries, tapdisks with no attached minor, and orphaned
// kernel minors with no owning tapdisk.
func (r *Registry) List() ([]RegistryEntry, error) {
	minors, err := r.sysfsMinors()
	if err != nil {
		return nil, err
	}
	pids, err := livePIDs(r.controlDir)
	if err != nil {
		return nil, err
	}

	orphanMinors := make(map[int]bool, len(minors))
	for _, m := range minors {
		orphanMinors[m] = true
	}

	var all []RegistryEntry
	for _, pid := range pids {
		entries, err := listTapdisk(r.controlDir, pid)
		if err != nil {
			// A tapdisk that stopped answering between the liveness
			// probe and LIST is treated as absent, not fatal.
			continue
		}
		if len(entries) == 0 {
			all = append(all, RegistryEntry{PID: pid, Minor: -1})
			continue
		}
		for _, e := range entries {
			delete(orphanMinors, e.Minor)
			all = append(all, e)
		}
	}
	for m := range orphanMinors {
		all = append(all, RegistryEntry{PID: -1, Minor: m})
	}
	return all, nil
}

// FindMinor linearly scans List's output for an entry of the given type
// whose path matches.
func (r *Registry) FindMinor(typ, path string) (RegistryEntry, bool, error) {
	entries, err := r.List()
	if err != nil {
		return RegistryEntry{}, false, err
	}
	for _, e := range entries {
		if e.Type == typ && e.Path == path {
			return e, true, nil
		}
	}
	return RegistryEntry{}, false, nil
}
