package tdiskd

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blktap/blktap/internal/tapctl"
	"github.com/blktap/blktap/internal/vhd"
)

func startServer(t *testing.T) (*Server, *tapctl.Conn) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "ctl1")
	s, err := Listen(sock, 0, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	go s.Serve()

	conn, err := tapctl.Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return s, conn
}

func createImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.vhd")
	c, err := vhd.CreateDynamic(path, 4<<20, 2<<20)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close image: %v", err)
	}
	return path
}

// Drives the worker through the full attach/open/disk-info/list/
// connect/close/detach sequence a tapctl.Lifecycle would issue, over a
// real UNIX-domain socket.
func TestServerBringupSequence(t *testing.T) {
	_, conn := startServer(t)
	image := createImage(t)
	timeout := 2 * time.Second

	resp, err := conn.SendAndReceive(tapctl.Message{Type: tapctl.MsgPID}, timeout)
	if err != nil || resp.Type != tapctl.MsgPIDResponse || resp.PID <= 0 {
		t.Fatalf("PID: resp=%+v err=%v", resp, err)
	}

	resp, err = conn.SendAndReceive(tapctl.Message{Type: tapctl.MsgAttach, Cookie: 5, Minor: 5}, timeout)
	if err != nil || resp.Errno != 0 {
		t.Fatalf("ATTACH: resp=%+v err=%v", resp, err)
	}

	resp, err = conn.SendAndReceive(tapctl.Message{Type: tapctl.MsgOpen, Cookie: 5, Minor: 5, Path: "vhd:" + image}, timeout)
	if err != nil || resp.Errno != 0 {
		t.Fatalf("OPEN: resp=%+v err=%v", resp, err)
	}

	sectors, secSize, _, err := conn.DiskInfo(5, timeout)
	if err != nil {
		t.Fatalf("DISK_INFO: %v", err)
	}
	if sectors != (4<<20)/512 || secSize != 512 {
		t.Fatalf("DISK_INFO = %d sectors of %d bytes, want %d of 512", sectors, secSize, (4<<20)/512)
	}

	// LIST is multi-response: one entry, then a count=0 terminator.
	if err := conn.WriteMessage(tapctl.Message{Type: tapctl.MsgList}); err != nil {
		t.Fatalf("LIST write: %v", err)
	}
	entry, err := conn.ReadMessage(timeout)
	if err != nil || entry.ListCount != 1 || entry.Minor != 5 {
		t.Fatalf("LIST entry: resp=%+v err=%v", entry, err)
	}
	if entry.Path != "vhd:"+image {
		t.Fatalf("LIST entry path = %q, want %q", entry.Path, "vhd:"+image)
	}
	term, err := conn.ReadMessage(timeout)
	if err != nil || term.ListCount != 0 {
		t.Fatalf("LIST terminator: resp=%+v err=%v", term, err)
	}

	text, err := conn.Stats(5, timeout)
	if err != nil {
		t.Fatalf("STATS: %v", err)
	}
	if !strings.Contains(text, image) {
		t.Fatalf("STATS text %q should name the open image", text)
	}

	if err := conn.XenblkifConnect(5, timeout); err != nil {
		t.Fatalf("XENBLKIF_CONNECT: %v", err)
	}
	// A second connect is EALREADY, which the client treats as success
	// (tapback restart after an orderly shutdown).
	if err := conn.XenblkifConnect(5, timeout); err != nil {
		t.Fatalf("repeat XENBLKIF_CONNECT should be idempotent: %v", err)
	}

	// A graceful CLOSE while the ring is bound is refused with EBUSY.
	resp, err = conn.SendAndReceive(tapctl.Message{Type: tapctl.MsgClose, Cookie: 5, Minor: 5}, timeout)
	if err != nil || resp.Errno != int32(unix.EBUSY) {
		t.Fatalf("CLOSE while connected: resp=%+v err=%v, want EBUSY", resp, err)
	}

	if err := conn.XenblkifDisconnect(5, timeout); err != nil {
		t.Fatalf("XENBLKIF_DISCONNECT: %v", err)
	}
	resp, err = conn.SendAndReceive(tapctl.Message{Type: tapctl.MsgClose, Cookie: 5, Minor: 5}, timeout)
	if err != nil || resp.Errno != 0 {
		t.Fatalf("CLOSE after disconnect: resp=%+v err=%v", resp, err)
	}

	resp, err = conn.SendAndReceive(tapctl.Message{Type: tapctl.MsgDetach, Cookie: 5, Minor: 5}, timeout)
	if err != nil || resp.Errno != 0 {
		t.Fatalf("DETACH: resp=%+v err=%v", resp, err)
	}
}

// CloseWithRetry's EBUSY loop resolves once the ring is unbound by a
// concurrent disconnect.
func TestServerCloseRetriesUntilRingUnbound(t *testing.T) {
	_, conn := startServer(t)
	image := createImage(t)
	timeout := 2 * time.Second

	if _, err := conn.SendAndReceive(tapctl.Message{Type: tapctl.MsgOpen, Path: "vhd:" + image}, timeout); err != nil {
		t.Fatalf("OPEN: %v", err)
	}
	if err := conn.XenblkifConnect(0, timeout); err != nil {
		t.Fatalf("XENBLKIF_CONNECT: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		c2, err := tapctl.Dial(conn.Path())
		if err != nil {
			done <- err
			return
		}
		defer c2.Close()
		time.Sleep(300 * time.Millisecond)
		done <- c2.XenblkifDisconnect(0, timeout)
	}()

	if err := conn.CloseWithRetry(0, false, 5*time.Second); err != nil {
		t.Fatalf("CloseWithRetry: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("concurrent disconnect: %v", err)
	}
}

// An unknown request type is answered with an ERROR frame, not a hang:
// ERROR is a valid reply to any request.
func TestServerUnknownTypeGetsError(t *testing.T) {
	_, conn := startServer(t)
	resp, err := conn.SendAndReceive(tapctl.Message{Type: tapctl.MessageType(200)}, 2*time.Second)
	if err != nil {
		t.Fatalf("SendAndReceive: %v", err)
	}
	if resp.Type != tapctl.MsgError || resp.Errno == 0 {
		t.Fatalf("unknown request should yield ERROR, got %+v", resp)
	}
}
