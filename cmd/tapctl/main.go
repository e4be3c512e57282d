// Command tapctl is the CLI front end for the blktap control plane: minor
// allocation, tapdisk lifecycle management, and registry queries.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"

	"github.com/blktap/blktap"
	"github.com/blktap/blktap/internal/env"
	"github.com/blktap/blktap/internal/tapctl"
	"github.com/blktap/blktap/internal/taperr"
	"github.com/blktap/blktap/internal/vhd"
)

var (
	controlDir = flag.String("control-dir", env.ControlRoot, "tapdisk control directory")
	timeout    = flag.Duration("timeout", 30*time.Second, "IPC round-trip timeout")
)

type verb struct {
	fn func(ctx context.Context, args []string) error
}

func main() {
	flag.Parse()
	ctx, canc := blktap.InterruptibleContext()
	defer canc()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(int(unix.EINVAL))
	}
	name, rest := args[0], args[1:]

	verbs := map[string]verb{
		"allocate": {cmdAllocate},
		"free":     {cmdFree},
		"create":   {cmdCreate},
		"destroy":  {cmdDestroy},
		"spawn":    {cmdSpawn},
		"attach":   {cmdAttach},
		"detach":   {cmdDetach},
		"open":     {cmdOpen},
		"close":    {cmdClose},
		"pause":    {cmdPause},
		"unpause":  {cmdUnpause},
		"list":     {cmdList},
		"stats":    {cmdStats},
		"major":    {cmdMajor},
		"check":    {cmdCheck},
	}

	v, ok := verbs[name]
	if !ok {
		errorf("unknown command %q", name)
		usage()
		os.Exit(int(unix.EINVAL))
	}

	if err := v.fn(ctx, rest); err != nil {
		errorf("%s: %v", name, err)
		os.Exit(exitCode(err))
	}

	if err := blktap.RunAtExit(); err != nil {
		errorf("%v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "tapctl [-flags] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "\tallocate              - allocate a tapdisk minor\n")
	fmt.Fprintf(os.Stderr, "\tfree <minor>          - release a tapdisk minor\n")
	fmt.Fprintf(os.Stderr, "\tcreate <type> <path>  - allocate, spawn, attach and open an image\n")
	fmt.Fprintf(os.Stderr, "\tdestroy <minor> <pid> - close, detach and free a tapdisk\n")
	fmt.Fprintf(os.Stderr, "\tspawn                 - spawn a bare tapdisk and print its pid\n")
	fmt.Fprintf(os.Stderr, "\tattach <minor> <pid>  - attach a tapdisk to a minor\n")
	fmt.Fprintf(os.Stderr, "\tdetach <minor> <pid>  - detach a tapdisk from its minor\n")
	fmt.Fprintf(os.Stderr, "\topen <minor> <pid> <type> <path> - open an image on an attached tapdisk\n")
	fmt.Fprintf(os.Stderr, "\tclose <minor> <pid>   - close the open image (retried on EBUSY)\n")
	fmt.Fprintf(os.Stderr, "\tpause <minor> <pid>   - pause a running tapdisk\n")
	fmt.Fprintf(os.Stderr, "\tunpause <minor> <pid> <type> <path> - resume a paused tapdisk\n")
	fmt.Fprintf(os.Stderr, "\tlist                  - list live tapdisks and kernel minors\n")
	fmt.Fprintf(os.Stderr, "\tstats <minor> <pid>   - print a tapdisk's statistics\n")
	fmt.Fprintf(os.Stderr, "\tmajor                 - print the blktap device majors\n")
	fmt.Fprintf(os.Stderr, "\tcheck <path>          - validate a VHD file's metadata\n")
}

// errorf writes a diagnostic line to stderr, coloring the severity prefix
// when stderr is a terminal.
func errorf(format string, args ...interface{}) {
	prefix := "tapctl: error: "
	if isatty.IsTerminal(os.Stderr.Fd()) {
		prefix = "\x1b[31mtapctl: error:\x1b[0m "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}

// exitCode maps an error to the process exit status: a *taperr.Error
// carrying an errno reports it directly, EINVAL for a usage-shaped
// failure, and 1 otherwise.
func exitCode(err error) int {
	if te, ok := err.(*taperr.Error); ok {
		if te.Errno != 0 {
			return te.Errno
		}
		if te.Kind == taperr.InvalidArg {
			return int(unix.EINVAL)
		}
	}
	return 1
}

func cmdAllocate(ctx context.Context, args []string) error {
	a, err := tapctl.NewAllocator(*controlDir)
	if err != nil {
		return err
	}
	minor, err := a.Allocate()
	if err != nil {
		return err
	}
	fmt.Println(minor)
	return nil
}

func cmdFree(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return taperr.Errorf(taperr.InvalidArg, "tapctl.free", "usage: tapctl free <minor>")
	}
	minor, err := strconv.Atoi(args[0])
	if err != nil {
		return taperr.Errorf(taperr.InvalidArg, "tapctl.free", "bad minor %q", args[0])
	}
	a, err := tapctl.NewAllocator(*controlDir)
	if err != nil {
		return err
	}
	return a.Free(minor)
}

func cmdCreate(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return taperr.Errorf(taperr.InvalidArg, "tapctl.create", "usage: tapctl create <type> <path>")
	}
	lc, err := tapctl.NewLifecycle(*controlDir, tapctl.NewUnixKernelDevice(""))
	if err != nil {
		return err
	}
	h, err := lc.Create(tapctl.CreateParams{Type: args[0], Path: args[1], Timeout: *timeout})
	if err != nil {
		return err
	}
	fmt.Printf("%d %d\n", h.Minor, h.PID)
	return nil
}

func cmdSpawn(ctx context.Context, args []string) error {
	lc, err := tapctl.NewLifecycle(*controlDir, tapctl.NewUnixKernelDevice(""))
	if err != nil {
		return err
	}
	pid, err := lc.Spawn()
	if err != nil {
		return err
	}
	fmt.Println(pid)
	return nil
}

func cmdAttach(ctx context.Context, args []string) error {
	lc, h, err := lifecycleHandle(args, "tapctl.attach", "usage: tapctl attach <minor> <pid>")
	if err != nil {
		return err
	}
	return lc.Attach(h, *timeout)
}

func cmdDetach(ctx context.Context, args []string) error {
	lc, h, err := lifecycleHandle(args, "tapctl.detach", "usage: tapctl detach <minor> <pid>")
	if err != nil {
		return err
	}
	return lc.Detach(h, *timeout)
}

func cmdOpen(ctx context.Context, args []string) error {
	if len(args) != 4 {
		return taperr.Errorf(taperr.InvalidArg, "tapctl.open", "usage: tapctl open <minor> <pid> <type> <path>")
	}
	lc, h, err := lifecycleHandle(args[:2], "tapctl.open", "usage: tapctl open <minor> <pid> <type> <path>")
	if err != nil {
		return err
	}
	return lc.Open(h, tapctl.CreateParams{Type: args[2], Path: args[3], Timeout: *timeout})
}

func cmdClose(ctx context.Context, args []string) error {
	lc, h, err := lifecycleHandle(args, "tapctl.close", "usage: tapctl close <minor> <pid>")
	if err != nil {
		return err
	}
	return lc.Close(h, false, *timeout)
}

func cmdStats(ctx context.Context, args []string) error {
	lc, h, err := lifecycleHandle(args, "tapctl.stats", "usage: tapctl stats <minor> <pid>")
	if err != nil {
		return err
	}
	text, err := lc.Stats(h, *timeout)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

func cmdCheck(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return taperr.Errorf(taperr.InvalidArg, "tapctl.check", "usage: tapctl check <path>")
	}
	c, err := vhd.Open(args[0], vhd.ReadOnly)
	if err != nil {
		return err
	}
	defer c.Close()
	depth, err := c.ChainDepth()
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s, %d bytes, chain depth %d\n", args[0], c.DiskType(), c.Footer().CurrentSize, depth)
	return nil
}

// lifecycleHandle parses the common <minor> <pid> argument pair into a
// Lifecycle plus Handle.
func lifecycleHandle(args []string, op, usage string) (*tapctl.Lifecycle, *tapctl.Handle, error) {
	minor, pid, err := parseMinorPid(args, op, usage)
	if err != nil {
		return nil, nil, err
	}
	lc, err := tapctl.NewLifecycle(*controlDir, tapctl.NewUnixKernelDevice(""))
	if err != nil {
		return nil, nil, err
	}
	h := &tapctl.Handle{Minor: minor, PID: pid, SocketPath: tapctl.ControlSocketPath(*controlDir, pid)}
	return lc, h, nil
}

func cmdDestroy(ctx context.Context, args []string) error {
	minor, pid, err := parseMinorPid(args, "tapctl.destroy", "usage: tapctl destroy <minor> <pid>")
	if err != nil {
		return err
	}
	lc, err := tapctl.NewLifecycle(*controlDir, tapctl.NewUnixKernelDevice(""))
	if err != nil {
		return err
	}
	h := &tapctl.Handle{Minor: minor, PID: pid, SocketPath: tapctl.ControlSocketPath(*controlDir, pid)}
	return lc.Destroy(h, false, *timeout)
}

func cmdPause(ctx context.Context, args []string) error {
	minor, pid, err := parseMinorPid(args, "tapctl.pause", "usage: tapctl pause <minor> <pid>")
	if err != nil {
		return err
	}
	lc, err := tapctl.NewLifecycle(*controlDir, tapctl.NewUnixKernelDevice(""))
	if err != nil {
		return err
	}
	h := &tapctl.Handle{Minor: minor, PID: pid, SocketPath: tapctl.ControlSocketPath(*controlDir, pid)}
	return lc.Pause(h, *timeout)
}

func cmdUnpause(ctx context.Context, args []string) error {
	if len(args) != 4 {
		return taperr.Errorf(taperr.InvalidArg, "tapctl.unpause", "usage: tapctl unpause <minor> <pid> <type> <path>")
	}
	minor, err := strconv.Atoi(args[0])
	if err != nil {
		return taperr.Errorf(taperr.InvalidArg, "tapctl.unpause", "bad minor %q", args[0])
	}
	pid, err := strconv.Atoi(args[1])
	if err != nil {
		return taperr.Errorf(taperr.InvalidArg, "tapctl.unpause", "bad pid %q", args[1])
	}
	lc, err := tapctl.NewLifecycle(*controlDir, tapctl.NewUnixKernelDevice(""))
	if err != nil {
		return err
	}
	h := &tapctl.Handle{Minor: minor, PID: pid, SocketPath: tapctl.ControlSocketPath(*controlDir, pid)}
	return lc.Unpause(h, tapctl.CreateParams{Type: args[2], Path: args[3], Timeout: *timeout})
}

func cmdList(ctx context.Context, args []string) error {
	r := tapctl.NewRegistry(*controlDir)
	entries, err := r.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("pid=%d minor=%d type=%s path=%s state=%s\n", e.PID, e.Minor, e.Type, e.Path, e.State)
	}
	return nil
}

func cmdMajor(ctx context.Context, args []string) error {
	// The ring and block device majors are only known once a minor has
	// been allocated via ALLOC_TAP; report the control device path
	// instead, matching the original CLI's behavior when no minor has
	// been allocated yet.
	fmt.Println("/dev/xen/blktap-2/control")
	return nil
}

func parseMinorPid(args []string, op, usage string) (minor, pid int, err error) {
	if len(args) != 2 {
		return 0, 0, taperr.Errorf(taperr.InvalidArg, op, usage)
	}
	minor, err = strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, taperr.Errorf(taperr.InvalidArg, op, "bad minor %q", args[0])
	}
	pid, err = strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, taperr.Errorf(taperr.InvalidArg, op, "bad pid %q", args[1])
	}
	return minor, pid, nil
}
