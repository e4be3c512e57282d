package backend

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/blktap/blktap/internal/tapctl"
	"github.com/blktap/blktap/internal/taperr"
	"github.com/blktap/blktap/internal/trace"
)

// errAgain signals "busy, come back later": some Wait* channel state is
// outstanding and no further action should be taken this wake-up.
var errAgain = taperr.New(taperr.Busy, "backend.again", nil)

// ipcTimeout bounds each IPC round trip the orchestrator makes against a
// tapdisk.
const ipcTimeout = 30 * time.Second

// FrontendState mirrors the guest frontend's device/vbd/<devid>/state
// values.
type FrontendState int

const (
	FrontendUnknown FrontendState = iota
	FrontendInitialising
	FrontendInitWait
	FrontendInitialised
	FrontendConnected
	FrontendClosing
	FrontendClosed
	FrontendReconfiguring
	FrontendReconfigured
)

// Orchestrator is the backend's single-threaded event loop: it owns one
// Store, one tapctl.Lifecycle/Registry pair, and the map of live VBDs,
// constructed once in main and passed by reference. No package-level
// mutable daemon state.
type Orchestrator struct {
	BackendName string
	Store       Store
	Lifecycle   *tapctl.Lifecycle
	Registry    *tapctl.Registry
	Log         *log.Logger

	vbds map[VBDKey]*VBD
}

// NewOrchestrator constructs an Orchestrator. logger defaults to the
// standard logger if nil.
func NewOrchestrator(backendName string, store Store, lc *tapctl.Lifecycle, reg *tapctl.Registry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		BackendName: backendName,
		Store:       store,
		Lifecycle:   lc,
		Registry:    reg,
		Log:         logger,
		vbds:        make(map[VBDKey]*VBD),
	}
}

// Run drains one watch event at a time, mutating the affected VBD's
// channel and re-evaluating its target state, until ctx is canceled.
// Exactly one goroutine advances a channel's state; events targeting the
// same channel are naturally serialized by this loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Store.Watch(joinPath("backend", o.BackendName), "backend-root")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-o.Store.Events():
			if err := o.handleEvent(ev); err != nil && !taperr.Is(err, taperr.Busy) {
				o.Log.Printf("backend: event %s: %v", ev.Path, err)
			}
		}
	}
}

func (o *Orchestrator) handleEvent(ev WatchEvent) error {
	for _, v := range o.vbds {
		switch ev.Token {
		case v.frontendWatchToken:
			return o.handleFrontendEvent(v, ev)
		case v.pauseWatchToken:
			return o.handlePause(v)
		}
	}
	if ev.Token == "backend-root" || strings.HasPrefix(ev.Path, "backend/"+o.BackendName) {
		return o.handleBackendWatch(ev.Path)
	}
	return nil
}

// handleBackendWatch parses the triggered path as
// backend/<name>[/<domid>[/<devid>[/<leaf>]]]: with zero or one
// component it rescans, with domid+devid it probes a single device, and
// with a leaf it dispatches on the leaf name.
func (o *Orchestrator) handleBackendWatch(path string) error {
	parts := strings.Split(path, "/")
	// parts[0]=="backend", parts[1]==name
	if len(parts) < 2 {
		return nil
	}
	switch {
	case len(parts) <= 3:
		return o.rescan()
	case len(parts) == 4:
		domid, err1 := strconv.Atoi(parts[2])
		devid, err2 := strconv.Atoi(parts[3])
		if err1 != nil || err2 != nil {
			return nil
		}
		return o.probeDevice(domid, devid)
	default:
		domid, err1 := strconv.Atoi(parts[2])
		devid, err2 := strconv.Atoi(parts[3])
		if err1 != nil || err2 != nil {
			return nil
		}
		leaf := parts[4]
		return o.dispatchLeaf(domid, devid, leaf)
	}
}

// rescan handles a write at backend/<name> or backend/<name>/<domid>.
// It does not enumerate the tree (Store has no directory listing) and
// probes no device: a VBD is picked up only when a write under its own
// backend/<name>/<domid>/<devid> path arrives.
func (o *Orchestrator) rescan() error {
	return nil
}

// vbd returns the live VBD for (domid, devid), creating it and
// installing its pause watch on first sight.
func (o *Orchestrator) vbd(domid, devid int) *VBD {
	key := VBDKey{Domid: domid, Devid: devid}
	v, ok := o.vbds[key]
	if !ok {
		v = NewVBD(key, o.BackendName)
		v.pauseWatchToken = "pause:" + v.Key.String()
		o.Store.Watch(v.BackendPath+"/pause", v.pauseWatchToken)
		o.vbds[key] = v
	}
	return v
}

func (o *Orchestrator) probeDevice(domid, devid int) error {
	return o.advance(o.vbd(domid, devid))
}

func (o *Orchestrator) dispatchLeaf(domid, devid int, leaf string) error {
	v := o.vbd(domid, devid)

	switch leaf {
	case "physical-device":
		return o.handlePhysicalDevice(v)
	case "frontend":
		return o.handleFrontendPath(v)
	case "hotplug-status":
		return o.handleHotplugStatus(v)
	case "pause":
		return o.handlePause(v)
	default:
		return nil
	}
}

// handlePause drives the pause/unpause protocol: the presence of the
// pause key requests a quiesce, its removal requests a resume; the
// orchestrator acknowledges via pause-done.
func (o *Orchestrator) handlePause(v *VBD) error {
	exists, err := o.Store.Exists(v.BackendPath + "/pause")
	if err != nil {
		return err
	}
	if exists {
		if v.State == VBDUnpaused {
			v.State = VBDPausing
		}
	} else {
		if v.State == VBDPausing || v.State == VBDPaused {
			v.State = VBDUnpaused
		}
	}
	return o.advance(v)
}

// handlePhysicalDevice reads "major:minor", binds to the tapdisk behind
// that kernel minor via the registry, and fetches disk geometry.
// Re-reading the same (major,minor) across runs is tolerated; a changed
// value is rejected, since swapping the backing tapdisk is not
// supported.
func (o *Orchestrator) handlePhysicalDevice(v *VBD) error {
	raw, ok, err := o.Store.Read(v.BackendPath + "/physical-device")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	majorStr, minorStr, found := strings.Cut(raw, ":")
	if !found {
		return taperr.Errorf(taperr.Format, "backend.handlePhysicalDevice", "malformed physical-device %q", raw)
	}
	minor, err := strconv.ParseInt(minorStr, 16, 32)
	if err != nil {
		return taperr.New(taperr.Format, "backend.handlePhysicalDevice", err)
	}
	_ = majorStr

	if v.Minor != -1 && v.Minor != int(minor) {
		return taperr.Errorf(taperr.InvalidArg, "backend.handlePhysicalDevice", "physical-device minor changed from %d to %d", v.Minor, minor)
	}
	v.Minor = int(minor)

	// Bind to the tapdisk behind the minor and cache its geometry for
	// the frontend handshake. Best-effort when no registry is wired
	// (the geometry may already have been set at open time).
	if o.Registry != nil {
		entries, err := o.Registry.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Minor != v.Minor || e.PID < 0 {
				continue
			}
			v.PID = e.PID
			conn, err := tapctl.Dial(tapctl.ControlSocketPath(o.Lifecycle.ControlDir, e.PID))
			if err != nil {
				return err
			}
			sectors, secSize, info, err := conn.DiskInfo(v.Minor, ipcTimeout)
			conn.Close()
			if err != nil {
				return err
			}
			v.Sectors, v.SecSize, v.Info = sectors, secSize, info
			break
		}
	}
	return nil
}

// breakChannel marks v Broken and records the failure at
// <backend>/tapdisk-error for external observation; no further progress
// is attempted until external intervention.
func (o *Orchestrator) breakChannel(v *VBD, cause error) error {
	v.State = VBDBroken
	o.Store.Printf(v.BackendPath, "tapdisk-error", false, "%v", cause)
	return taperr.New(taperr.Broken, "backend.breakChannel", cause)
}

func (o *Orchestrator) handleFrontendPath(v *VBD) error {
	raw, ok, err := o.Store.Read(v.BackendPath + "/frontend")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	v.FrontendPath = raw
	if v.frontendWatchToken == "" {
		v.frontendWatchToken = "frontend:" + v.Key.String()
		if err := o.Store.Watch(raw+"/state", v.frontendWatchToken); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) handleHotplugStatus(v *VBD) error {
	raw, ok, err := o.Store.Read(v.BackendPath + "/hotplug-status")
	if err != nil {
		return err
	}
	if !ok || raw != "connected" {
		return nil
	}
	if mode, ok, _ := o.Store.Read(v.BackendPath + "/mode"); ok {
		v.Mode = mode
	}
	if dt, ok, _ := o.Store.Read(v.BackendPath + "/device-type"); ok {
		v.Cdrom = dt == "cdrom"
	}
	return o.advance(v)
}

// handleFrontendEvent implements frontend_changed.
func (o *Orchestrator) handleFrontendEvent(v *VBD, ev WatchEvent) error {
	raw, ok, err := o.Store.Read(v.FrontendPath + "/state")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return o.frontendChanged(v, FrontendState(n))
}

func (o *Orchestrator) frontendChanged(v *VBD, state FrontendState) error {
	switch state {
	case FrontendInitialising:
		return o.Store.Printf(v.BackendPath, "state", false, "%d", FrontendInitWait)
	case FrontendInitialised, FrontendConnected:
		return o.connectRing(v)
	case FrontendClosing:
		return o.Store.Printf(v.BackendPath, "state", false, "%d", FrontendClosing)
	case FrontendClosed:
		if v.Handle != nil {
			if conn, err := tapctl.Dial(v.Handle.SocketPath); err == nil {
				if err := conn.XenblkifDisconnect(v.Minor, ipcTimeout); err != nil {
					o.Log.Printf("backend: %s: ring disconnect: %v", v.Key, err)
				}
				conn.Close()
			}
		}
		return o.Store.Printf(v.BackendPath, "state", false, "%d", FrontendClosed)
	default:
		return nil
	}
}

// connectRing reads ring pages/event-channel/protocol/persistent-grants
// from the frontend, instructs the tapdisk to bind (XENBLKIF_CONNECT;
// EALREADY is idempotent, covering a tapback restart after an orderly
// shutdown), and on success publishes sectors/sector-size/info and marks
// the backend Connected.
func (o *Orchestrator) connectRing(v *VBD) error {
	if ref, ok, err := o.Store.Read(v.FrontendPath + "/ring-ref"); err != nil {
		return err
	} else if ok {
		v.RingRef = ref
	}
	if ch, ok, err := o.Store.Read(v.FrontendPath + "/event-channel"); err != nil {
		return err
	} else if ok {
		v.EventChannel = ch
	}
	if proto, ok, _ := o.Store.Read(v.FrontendPath + "/protocol"); ok {
		v.Protocol = proto
	}
	if pg, ok, _ := o.Store.Read(v.FrontendPath + "/feature-persistent"); ok {
		v.PersistentGrants = pg == "1"
	}

	if v.Handle != nil {
		conn, err := tapctl.Dial(v.Handle.SocketPath)
		if err != nil {
			return o.breakChannel(v, err)
		}
		err = conn.XenblkifConnect(v.Minor, ipcTimeout)
		conn.Close()
		if err != nil {
			return o.breakChannel(v, err)
		}
	}

	if err := o.Store.Printf(v.BackendPath, "sectors", false, "%d", v.Sectors); err != nil {
		return err
	}
	if err := o.Store.Printf(v.BackendPath, "sector-size", false, "%d", v.SecSize); err != nil {
		return err
	}
	if err := o.Store.Printf(v.BackendPath, "info", false, "%d", v.Info); err != nil {
		return err
	}
	return o.Store.Printf(v.BackendPath, "state", false, "%d", FrontendConnected)
}

// advance takes one action per wake-up toward v's target channel state:
// spawn/attach when the target is Running and current is
// Dead/Closed; send OPEN after Pid; send PAUSE from Running; send RESUME
// from Paused; send CLOSE/FORCE_SHUTDOWN from Running/Paused/Pid. Any
// Wait* state means "busy, come back later" (errAgain).
func (o *Orchestrator) advance(v *VBD) error {
	target := v.Target()

	switch v.Channel {
	case ChannelWaitPid, ChannelWaitOpen, ChannelWaitPause, ChannelWaitResume, ChannelWaitClose:
		return errAgain
	}

	ev := trace.Event(v.Key.String()+" "+v.Channel.String()+"->", 0)
	defer ev.Done()

	switch {
	case target == ChannelRunning && (v.Channel == ChannelDead || v.Channel == ChannelClosed):
		return o.spawnAndAttach(v)
	case target == ChannelRunning && v.Channel == ChannelPid:
		return o.openImage(v)
	case target == ChannelPaused && v.Channel == ChannelRunning:
		return o.pause(v)
	case target == ChannelRunning && v.Channel == ChannelPaused:
		return o.resume(v)
	case target == ChannelClosed && (v.Channel == ChannelRunning || v.Channel == ChannelPaused || v.Channel == ChannelPid):
		return o.closeChannel(v)
	default:
		return nil
	}
}

// readParams resolves the VBD's "type:path" image descriptor and mode
// from the store into CreateParams.
func (o *Orchestrator) readParams(v *VBD) (tapctl.CreateParams, error) {
	raw, ok, err := o.Store.Read(v.BackendPath + "/params")
	if err != nil {
		return tapctl.CreateParams{}, err
	}
	if !ok {
		return tapctl.CreateParams{}, taperr.Errorf(taperr.NotFound, "backend.readParams", "%s/params missing", v.BackendPath)
	}
	typ, path, found := strings.Cut(raw, ":")
	if !found {
		return tapctl.CreateParams{}, taperr.Errorf(taperr.Format, "backend.readParams", "malformed params %q", raw)
	}
	params := tapctl.CreateParams{Type: typ, Path: path, Timeout: ipcTimeout}
	if v.Mode == "r" {
		params.Flags |= tapctl.OpenFlagReadOnly
	}
	return params, nil
}

func (o *Orchestrator) spawnAndAttach(v *VBD) error {
	v.Channel = ChannelLaunched
	v.Channel = ChannelWaitPid
	h, err := o.Lifecycle.Launch(ipcTimeout)
	if err != nil {
		v.Channel = ChannelDead
		return o.breakChannel(v, err)
	}
	v.Handle = h
	v.Minor = h.Minor
	v.PID = h.PID
	v.Channel = ChannelPid
	return nil
}

func (o *Orchestrator) openImage(v *VBD) error {
	params, err := o.readParams(v)
	if err != nil {
		return err
	}
	v.Channel = ChannelWaitOpen
	if err := o.Lifecycle.Open(v.Handle, params); err != nil {
		v.Channel = ChannelPid
		return o.breakChannel(v, err)
	}
	v.Channel = ChannelRunning
	return nil
}

func (o *Orchestrator) pause(v *VBD) error {
	v.Channel = ChannelWaitPause
	if err := o.Lifecycle.Pause(v.Handle, ipcTimeout); err != nil {
		v.Channel = ChannelRunning
		return err
	}
	v.Channel = ChannelPaused
	v.State = VBDPaused
	return o.Store.Printf(v.BackendPath, "pause-done", false, "")
}

// resume re-opens atop the ring; the image may have been swapped (e.g. a
// snapshot) while paused, so params are re-read from the store.
func (o *Orchestrator) resume(v *VBD) error {
	params, err := o.readParams(v)
	if err != nil {
		return err
	}
	v.Channel = ChannelWaitResume
	if err := o.Lifecycle.Unpause(v.Handle, params); err != nil {
		v.Channel = ChannelPaused
		return err
	}
	v.Channel = ChannelRunning
	return o.Store.Rm(v.BackendPath + "/pause-done")
}

func (o *Orchestrator) closeChannel(v *VBD) error {
	v.Channel = ChannelWaitClose
	force := v.Shutdown == ShutdownForceDown
	if err := o.Lifecycle.Destroy(v.Handle, force, ipcTimeout); err != nil {
		return err
	}
	v.Channel = ChannelClosed
	v.Handle = nil
	return nil
}

func (k VBDKey) String() string {
	return strconv.Itoa(k.Domid) + "/" + strconv.Itoa(k.Devid)
}
