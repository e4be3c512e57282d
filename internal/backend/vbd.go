package backend

import "github.com/blktap/blktap/internal/tapctl"

// ChannelState is the per-VBD IPC sequencing state.
type ChannelState int

const (
	ChannelDead ChannelState = iota
	ChannelLaunched
	ChannelWaitPid
	ChannelPid
	ChannelWaitOpen
	ChannelRunning
	ChannelWaitPause
	ChannelPaused
	ChannelWaitResume
	ChannelWaitClose
	ChannelClosed
)

func (s ChannelState) String() string {
	names := [...]string{
		"Dead", "Launched", "WaitPid", "Pid", "WaitOpen", "Running",
		"WaitPause", "Paused", "WaitResume", "WaitClose", "Closed",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// VBDState is the high-level disposition of a VBD, independent of the
// wire-protocol channel sequencing above.
type VBDState int

const (
	VBDUnpaused VBDState = iota
	VBDPausing
	VBDPaused
	VBDBroken
	VBDDead
	VBDRecycled
)

func (s VBDState) String() string {
	names := [...]string{"Unpaused", "Pausing", "Paused", "Broken", "Dead", "Recycled"}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// ShutdownState records whether the enclosing backend process wants this
// VBD up at all.
type ShutdownState int

const (
	ShutdownUp ShutdownState = iota
	ShutdownDown
	ShutdownForceDown
)

// TargetChannelState computes the target channel state from (shutdown,
// vbd).
func TargetChannelState(shutdown ShutdownState, vbd VBDState) ChannelState {
	if shutdown == ShutdownDown || shutdown == ShutdownForceDown {
		return ChannelClosed
	}
	switch vbd {
	case VBDUnpaused:
		return ChannelRunning
	case VBDPausing, VBDPaused:
		return ChannelPaused
	default: // Broken, Dead, Recycled
		return ChannelClosed
	}
}

// VBDKey identifies a VBD by (domain-id, device-id). VBDs are held in an
// owning map keyed by this identifier rather than an intrusive linked
// list.
type VBDKey struct {
	Domid int
	Devid int
}

// VBD is the per-device control-plane object: backend/frontend store
// paths, channel/vbd/shutdown state, the tapdisk minor and pid serving
// it, and cached disk geometry.
type VBD struct {
	Key VBDKey

	BackendName  string
	BackendPath  string
	FrontendPath string

	Channel  ChannelState
	State    VBDState
	Shutdown ShutdownState

	Mode  string // "r" or "w"
	Cdrom bool

	Minor int // -1 until allocated
	PID   int // 0 until known

	Sectors int64
	SecSize uint32
	Info    uint32

	// Ring parameters read from the frontend at connect time. The ring
	// is an opaque object to this core, so they are carried verbatim.
	RingRef          string
	EventChannel     string
	Protocol         string
	PersistentGrants bool

	Handle *tapctl.Handle // non-nil once attached/opened

	frontendWatchToken string
	pauseWatchToken    string
}

// NewVBD constructs a fresh VBD in the Dead/Unpaused/Up state.
func NewVBD(key VBDKey, backendName string) *VBD {
	return &VBD{
		Key:         key,
		BackendName: backendName,
		BackendPath: backendDevicePath(backendName, key.Domid, key.Devid),
		Channel:     ChannelDead,
		State:       VBDUnpaused,
		Shutdown:    ShutdownUp,
		Minor:       -1,
	}
}

// Target returns this VBD's current target channel state.
func (v *VBD) Target() ChannelState {
	return TargetChannelState(v.Shutdown, v.State)
}
