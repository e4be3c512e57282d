package backend

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/blktap/blktap/internal/backend/storetest"
)

func TestTargetChannelStateTable(t *testing.T) {
	cases := []struct {
		shutdown ShutdownState
		vbd      VBDState
		want     ChannelState
	}{
		{ShutdownDown, VBDUnpaused, ChannelClosed},
		{ShutdownForceDown, VBDPaused, ChannelClosed},
		{ShutdownUp, VBDUnpaused, ChannelRunning},
		{ShutdownUp, VBDPausing, ChannelPaused},
		{ShutdownUp, VBDPaused, ChannelPaused},
		{ShutdownUp, VBDBroken, ChannelClosed},
		{ShutdownUp, VBDDead, ChannelClosed},
		{ShutdownUp, VBDRecycled, ChannelClosed},
	}
	for _, c := range cases {
		got := TargetChannelState(c.shutdown, c.vbd)
		if got != c.want {
			t.Errorf("TargetChannelState(%v, %v) = %v, want %v", c.shutdown, c.vbd, got, c.want)
		}
	}
}

func TestHandlePhysicalDeviceRejectsChange(t *testing.T) {
	st := storetest.New()
	o := NewOrchestrator("vbd", st, nil, nil, nil)
	v := NewVBD(VBDKey{Domid: 1, Devid: 51712}, "vbd")
	o.vbds[v.Key] = v

	st.Set(v.BackendPath+"/physical-device", "fe:0")
	if err := o.handlePhysicalDevice(v); err != nil {
		t.Fatalf("first physical-device read: %v", err)
	}
	if v.Minor != 0 {
		t.Fatalf("Minor = %d, want 0", v.Minor)
	}

	// Re-reading the same value must be tolerated.
	if err := o.handlePhysicalDevice(v); err != nil {
		t.Fatalf("repeat read of same value should be tolerated: %v", err)
	}

	st.Set(v.BackendPath+"/physical-device", "fe:1")
	if err := o.handlePhysicalDevice(v); err == nil {
		t.Fatalf("changed physical-device minor should be rejected")
	}
}

// The orchestrator's frontend-state handling publishes
// sectors/sector-size/info and advances backend state through the
// sequence InitWait -> Connected -> Closing -> Closed as the frontend
// advances Initialising -> Initialised/Connected -> Closing -> Closed.
func TestFrontendHandshakeSequence(t *testing.T) {
	st := storetest.New()
	o := NewOrchestrator("vbd", st, nil, nil, nil)
	v := NewVBD(VBDKey{Domid: 1, Devid: 51712}, "vbd")
	v.Sectors = 2048
	v.SecSize = 512
	v.Info = 0
	o.vbds[v.Key] = v

	var seen []FrontendState
	record := func(s FrontendState) {
		seen = append(seen, s)
		if err := o.frontendChanged(v, s); err != nil {
			t.Fatalf("frontendChanged(%v): %v", s, err)
		}
	}

	record(FrontendInitialising)
	state, ok, _ := st.Read(v.BackendPath + "/state")
	if !ok || state != strconv.Itoa(int(FrontendInitWait)) {
		t.Fatalf("after Initialising, backend state = %q, want %d", state, FrontendInitWait)
	}

	record(FrontendConnected)
	sectors, _, _ := st.Read(v.BackendPath + "/sectors")
	if sectors != "2048" {
		t.Fatalf("sectors = %q, want 2048", sectors)
	}
	state, _, _ = st.Read(v.BackendPath + "/state")
	if state != strconv.Itoa(int(FrontendConnected)) {
		t.Fatalf("after Connected, backend state = %q, want %d", state, FrontendConnected)
	}

	record(FrontendClosing)
	state, _, _ = st.Read(v.BackendPath + "/state")
	if state != strconv.Itoa(int(FrontendClosing)) {
		t.Fatalf("after Closing, backend state = %q, want %d", state, FrontendClosing)
	}

	record(FrontendClosed)
	state, _, _ = st.Read(v.BackendPath + "/state")
	if state != strconv.Itoa(int(FrontendClosed)) {
		t.Fatalf("after Closed, backend state = %q, want %d", state, FrontendClosed)
	}
}

// End to end through Run: a management agent describes a VBD under the
// backend tree, the guest frontend walks Initialising -> Connected ->
// Closing -> Closed, and the orchestrator publishes geometry and mirrors
// the state sequence InitWait -> Connected -> Closing -> Closed.
func TestOrchestratorRunFrontendHandshake(t *testing.T) {
	st := storetest.New()
	o := NewOrchestrator("vbd", st, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	be := "backend/vbd/1/51712"
	fe := "/local/domain/1/device/vbd/51712"
	st.Set(be+"/params", "vhd:/a.vhd")
	st.Set(be+"/mode", "w")
	st.Set(be+"/frontend-id", "1")
	st.Set(be+"/frontend", fe)
	st.Set(be+"/physical-device", "fe:0")

	waitFor := func(path, want string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			got, ok, _ := st.Read(path)
			if ok && got == want {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s = %q, last saw %q (present=%v)", path, want, got, ok)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	st.Set(fe+"/state", strconv.Itoa(int(FrontendInitialising)))
	waitFor(be+"/state", strconv.Itoa(int(FrontendInitWait)))

	st.Set(fe+"/ring-ref", "8")
	st.Set(fe+"/event-channel", "17")
	st.Set(fe+"/protocol", "x86_64-abi")
	st.Set(fe+"/state", strconv.Itoa(int(FrontendConnected)))
	waitFor(be+"/state", strconv.Itoa(int(FrontendConnected)))

	for _, key := range []string{"sectors", "sector-size", "info"} {
		if _, ok, _ := st.Read(be + "/" + key); !ok {
			t.Fatalf("backend %s should be published at connect time", key)
		}
	}

	st.Set(fe+"/state", strconv.Itoa(int(FrontendClosing)))
	waitFor(be+"/state", strconv.Itoa(int(FrontendClosing)))

	st.Set(fe+"/state", strconv.Itoa(int(FrontendClosed)))
	waitFor(be+"/state", strconv.Itoa(int(FrontendClosed)))

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestOrchestratorRunStopsOnContextCancel(t *testing.T) {
	st := storetest.New()
	o := NewOrchestrator("vbd", st, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
