package tapctl

import (
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/blktap/blktap/internal/taperr"
)

// tapdiskSearchPath is consulted when the TAPDISK/TAPDISK2 environment
// override is unset.
var tapdiskSearchPath = []string{
	"/usr/sbin/tapdisk",
	"/usr/local/sbin/tapdisk",
}

// tapdiskBinary resolves the tapdisk worker executable: the TAPDISK (or,
// failing that, TAPDISK2) environment variable overrides the compiled-in
// search path.
func tapdiskBinary() (string, error) {
	for _, env := range []string{"TAPDISK", "TAPDISK2"} {
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
	}
	for _, p := range tapdiskSearchPath {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", taperr.Errorf(taperr.NotFound, "tapctl.tapdiskBinary", "tapdisk executable not found; set TAPDISK")
}

// CreateParams describes a new tapdisk-backed image to bring up.
type CreateParams struct {
	// Type is the image-descriptor type prefix (vhd, aio, ram, ...).
	Type string
	// Path is the image-descriptor path.
	Path  string
	Flags OpenFlags
	// ParentMinor stacks this open atop an existing tapdisk, when non-zero.
	ParentMinor int
	// SecondaryPath is an optional secondary image path.
	SecondaryPath string
	// Timeout bounds every IPC round-trip of the bring-up sequence.
	Timeout time.Duration
	// Key is the encryption key, required when Flags has OpenFlagEncrypted.
	Key []byte
	// ReuseMinor designates an already-running tapdisk to attach to
	// instead of spawning a new process. Zero (with ReusePID zero) means
	// "spawn a fresh tapdisk".
	ReuseMinor int
	ReusePID   int
}

// Handle is a live tapdisk-backed VBD I/O path: a minor number, the
// owning tapdisk's pid, and the control socket it is reachable on.
type Handle struct {
	Minor      int
	PID        int
	SocketPath string
}

// Lifecycle drives minor allocation, tapdisk spawn, and the IPC
// sequencing of VBD bring-up and tear-down, over a KernelDevice and
// Allocator.
type Lifecycle struct {
	Allocator  *Allocator
	Kernel     KernelDevice
	ControlDir string
	// SpawnRetryLimit bounds how many times a spurious SIGUSR1 during
	// child init is tolerated before giving up.
	SpawnRetryLimit int
}

// NewLifecycle constructs a Lifecycle over dir, creating the allocator's
// backing directory if necessary.
func NewLifecycle(dir string, kernel KernelDevice) (*Lifecycle, error) {
	if dir == "" {
		dir = DefaultControlDir
	}
	a, err := NewAllocator(dir)
	if err != nil {
		return nil, err
	}
	return &Lifecycle{Allocator: a, Kernel: kernel, ControlDir: dir, SpawnRetryLimit: 3}, nil
}

// Create runs the six-step bring-up sequence: allocate, spawn (unless a
// reusable tapdisk is designated), attach, open. On failure of any step
// after allocation it unwinds with detach/free.
func (lc *Lifecycle) Create(params CreateParams) (h *Handle, err error) {
	if params.ReuseMinor != 0 || params.ReusePID != 0 {
		h = &Handle{
			Minor:      params.ReuseMinor,
			PID:        params.ReusePID,
			SocketPath: ControlSocketPath(lc.ControlDir, params.ReusePID),
		}
		if err = lc.Attach(h, params.Timeout); err != nil {
			return nil, err
		}
	} else {
		if h, err = lc.Launch(params.Timeout); err != nil {
			return nil, err
		}
	}

	defer func() {
		if err != nil {
			lc.unwind(h)
		}
	}()

	if err = lc.Open(h, params); err != nil {
		return nil, err
	}
	return h, nil
}

// Attach binds the tapdisk at h to its minor.
func (lc *Lifecycle) Attach(h *Handle, timeout time.Duration) error {
	conn, err := Dial(h.SocketPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := conn.SendAndReceive(Message{Type: MsgAttach, Cookie: uint16(h.Minor), Minor: int32(h.Minor)}, timeout)
	if err != nil {
		return err
	}
	if resp.Errno != 0 {
		return taperr.New(taperr.IO, "tapctl.Attach", nil).WithErrno(int(resp.Errno))
	}
	return nil
}

// Detach unbinds the tapdisk at h from its minor.
func (lc *Lifecycle) Detach(h *Handle, timeout time.Duration) error {
	conn, err := Dial(h.SocketPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := conn.SendAndReceive(Message{Type: MsgDetach, Cookie: uint16(h.Minor), Minor: int32(h.Minor)}, timeout)
	if err != nil {
		return err
	}
	if resp.Errno != 0 {
		return taperr.New(taperr.IO, "tapctl.Detach", nil).WithErrno(int(resp.Errno))
	}
	return nil
}

// Open issues OPEN for params against the attached tapdisk at h,
// including the encrypted-key or secondary-path trailer when called
// for.
func (lc *Lifecycle) Open(h *Handle, params CreateParams) error {
	conn, err := Dial(h.SocketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := Message{
		Type:        MsgOpen,
		Cookie:      uint16(h.Minor),
		Minor:       int32(h.Minor),
		OpenFlags:   params.Flags,
		ParentMinor: int32(params.ParentMinor),
		TimeoutSecs: int32(params.Timeout / time.Second),
		Path:        params.Type + ":" + params.Path,
	}
	var trailer []byte
	if params.Flags&OpenFlagEncrypted != 0 {
		trailer = append([]byte{byte(len(params.Key))}, params.Key...)
	} else if params.SecondaryPath != "" {
		trailer = []byte(params.SecondaryPath)
	}
	resp, err := conn.SendAndReceiveTrailer(req, trailer, params.Timeout)
	if err != nil {
		return err
	}
	if resp.Errno != 0 {
		return taperr.New(taperr.IO, "tapctl.Open", nil).WithErrno(int(resp.Errno))
	}
	return nil
}

// Close shuts the image at h, retrying on EBUSY (or forcing if force is
// set) without detaching or freeing the minor.
func (lc *Lifecycle) Close(h *Handle, force bool, timeout time.Duration) error {
	conn, err := Dial(h.SocketPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.CloseWithRetry(h.Minor, force, timeout)
}

// Stats fetches the free-form statistics text from the tapdisk at h.
func (lc *Lifecycle) Stats(h *Handle, timeout time.Duration) (string, error) {
	conn, err := Dial(h.SocketPath)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.Stats(h.Minor, timeout)
}

// Launch allocates a minor, provisions its device nodes, spawns a worker
// and attaches it, without opening an image: the bring-up prefix of
// Create, used by callers that sequence OPEN separately.
func (lc *Lifecycle) Launch(timeout time.Duration) (h *Handle, err error) {
	minor, err := lc.Allocator.Allocate()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			lc.Allocator.Free(minor)
		}
	}()
	if err = lc.provision(minor); err != nil {
		return nil, err
	}
	pid, err := lc.spawn()
	if err != nil {
		return nil, err
	}
	h = &Handle{Minor: minor, PID: pid, SocketPath: ControlSocketPath(lc.ControlDir, pid)}
	if err = lc.Attach(h, timeout); err != nil {
		lc.unwind(h)
		return nil, err
	}
	return h, nil
}

// provision asks the kernel for the device majors and creates the ring
// and block device nodes for minor.
func (lc *Lifecycle) provision(minor int) error {
	if lc.Kernel == nil {
		return nil
	}
	info, err := lc.Kernel.AllocTap()
	if err != nil {
		return err
	}
	if _, err := lc.Kernel.MknodRing(minor, info.RingMajor); err != nil {
		return err
	}
	if _, err := lc.Kernel.MknodBlock(minor, info.DeviceMajor); err != nil {
		return err
	}
	return nil
}

// unwind runs detach then free, best-effort, after a failed Create.
func (lc *Lifecycle) unwind(h *Handle) {
	if conn, err := Dial(h.SocketPath); err == nil {
		conn.SendAndReceive(Message{Type: MsgDetach, Cookie: uint16(h.Minor), Minor: int32(h.Minor)}, 5*time.Second)
		conn.Close()
	}
	lc.Allocator.Free(h.Minor)
}

// Destroy performs close (retried on EBUSY) then detach then free.
func (lc *Lifecycle) Destroy(h *Handle, force bool, timeout time.Duration) error {
	conn, err := Dial(h.SocketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.CloseWithRetry(h.Minor, force, timeout); err != nil {
		return err
	}
	detachResp, err := conn.SendAndReceive(Message{Type: MsgDetach, Cookie: uint16(h.Minor), Minor: int32(h.Minor)}, timeout)
	if err != nil {
		return err
	}
	if detachResp.Errno != 0 {
		return taperr.New(taperr.IO, "tapctl.Destroy(detach)", nil).WithErrno(int(detachResp.Errno))
	}
	if lc.Kernel != nil {
		if err := lc.Kernel.FreeTap(h.Minor); err != nil {
			return err
		}
	}
	return lc.Allocator.Free(h.Minor)
}

// Pause flushes and quiesces the image at h, used ahead of live snapshot
// and storage-migration handoffs.
func (lc *Lifecycle) Pause(h *Handle, timeout time.Duration) error {
	conn, err := Dial(h.SocketPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := conn.SendAndReceive(Message{Type: MsgPause, Cookie: uint16(h.Minor), Minor: int32(h.Minor)}, timeout)
	if err != nil {
		return err
	}
	if resp.Errno != 0 {
		return taperr.New(taperr.IO, "tapctl.Pause", nil).WithErrno(int(resp.Errno))
	}
	return nil
}

// Unpause re-opens params atop the ring, possibly with a different image
// than was paused.
func (lc *Lifecycle) Unpause(h *Handle, params CreateParams) error {
	conn, err := Dial(h.SocketPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	req := Message{
		Type:      MsgResume,
		Cookie:    uint16(h.Minor),
		Minor:     int32(h.Minor),
		OpenFlags: params.Flags,
		Path:      params.Type + ":" + params.Path,
	}
	resp, err := conn.SendAndReceive(req, params.Timeout)
	if err != nil {
		return err
	}
	if resp.Errno != 0 {
		return taperr.New(taperr.IO, "tapctl.Unpause", nil).WithErrno(int(resp.Errno))
	}
	return nil
}

// Spawn launches a fresh tapdisk worker process with no minor attached
// and returns its pid; the caller follows up with Attach/Open (the spawn
// CLI verb drives exactly this step in isolation).
func (lc *Lifecycle) Spawn() (int, error) {
	return lc.spawn()
}

// spawn forks a new tapdisk process and waits for it to announce its
// control socket over an inherited pipe: the child writes that path to the fd
// passed via -addrfd before entering its main service loop, and a
// successful read doubles as the readiness signal. A SIGUSR1 observed
// during this handshake is treated as spurious (e.g. a debugger
// attaching) and the fork is retried up to SpawnRetryLimit times.
func (lc *Lifecycle) spawn() (pid int, err error) {
	bin, err := tapdiskBinary()
	if err != nil {
		return 0, err
	}

	for attempt := 0; attempt <= lc.SpawnRetryLimit; attempt++ {
		pid, spurious, spawnErr := lc.spawnOnce(bin)
		if spawnErr != nil {
			return 0, spawnErr
		}
		if spurious {
			continue
		}
		return pid, nil
	}
	return 0, taperr.Errorf(taperr.IO, "tapctl.spawn", "tapdisk exited during init after %d spurious-signal retries", lc.SpawnRetryLimit)
}

func (lc *Lifecycle) spawnOnce(bin string) (pid int, spurious bool, err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return 0, false, taperr.New(taperr.IO, "tapctl.spawn", err)
	}

	cmd := exec.Command(bin, "-addrfd=3")
	cmd.ExtraFiles = []*os.File{w}
	cmd.Stdin = nil
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if startErr := cmd.Start(); startErr != nil {
		w.Close()
		r.Close()
		return 0, false, taperr.New(taperr.IO, "tapctl.spawn", startErr)
	}
	w.Close()

	line, readErr := io.ReadAll(r)
	r.Close()
	if readErr != nil {
		return 0, false, taperr.New(taperr.IO, "tapctl.spawn", readErr)
	}

	if len(line) == 0 {
		// The pipe closed with nothing written: the child has exited.
		// Reap it to tell a spurious SIGUSR1 from a real failure.
		cmd.Wait()
		if cmd.ProcessState != nil {
			if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGUSR1 {
				return 0, true, nil
			}
		}
		return 0, false, taperr.Errorf(taperr.IO, "tapctl.spawn", "tapdisk exited before announcing readiness")
	}
	return cmd.Process.Pid, false, nil
}
