package tapctl_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/blktap/blktap/internal/tapctl"
	"github.com/blktap/blktap/internal/tdiskd"
	"github.com/blktap/blktap/internal/vhd"
)

// The registry joins live control sockets with their LIST entries: a
// worker serving an open image shows up with its pid, minor and
// "type:path" descriptor split out.
func TestRegistryListAndFindMinor(t *testing.T) {
	controlDir := t.TempDir()
	const workerPID = 7001

	s, err := tdiskd.Listen(tapctl.ControlSocketPath(controlDir, workerPID), 0, nil)
	if err != nil {
		t.Fatalf("tdiskd.Listen: %v", err)
	}
	defer s.Close()
	go s.Serve()

	imagePath := filepath.Join(t.TempDir(), "disk.vhd")
	img, err := vhd.CreateDynamic(imagePath, 4<<20, 2<<20)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	img.Close()

	conn, err := tapctl.Dial(tapctl.ControlSocketPath(controlDir, workerPID))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.SendAndReceive(tapctl.Message{Type: tapctl.MsgAttach, Cookie: 9, Minor: 9}, 2*time.Second); err != nil {
		t.Fatalf("ATTACH: %v", err)
	}
	if _, err := conn.SendAndReceive(tapctl.Message{Type: tapctl.MsgOpen, Cookie: 9, Minor: 9, Path: "vhd:" + imagePath}, 2*time.Second); err != nil {
		t.Fatalf("OPEN: %v", err)
	}

	reg := tapctl.NewRegistry(controlDir)
	entries, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.PID == workerPID && e.Minor == 9 && e.Type == "vhd" && e.Path == imagePath {
			found = true
		}
	}
	if !found {
		t.Fatalf("List = %+v, want an entry for pid %d minor 9", entries, workerPID)
	}

	e, ok, err := reg.FindMinor("vhd", imagePath)
	if err != nil {
		t.Fatalf("FindMinor: %v", err)
	}
	if !ok || e.Minor != 9 {
		t.Fatalf("FindMinor = %+v ok=%v, want minor 9", e, ok)
	}

	// A path nothing serves is reported as absent, not an error.
	if _, ok, err := reg.FindMinor("vhd", "/no/such.vhd"); err != nil || ok {
		t.Fatalf("FindMinor(miss) = ok=%v err=%v, want absent", ok, err)
	}
}
