package tapctl

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

// fakeTapdisk serves a single connection, echoing back a canned response
// for every request it receives, until stop is called.
func fakeTapdisk(t *testing.T, path string, respond func(req Message) Message) (stop func()) {
	t.Helper()
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				for {
					buf := make([]byte, messageLen)
					n := 0
					for n < len(buf) {
						m, err := c.Read(buf[n:])
						if err != nil {
							return
						}
						n += m
					}
					req := DecodeMessage(buf)
					resp := respond(req)
					c.Write(resp.Encode())
				}
			}()
		}
	}()
	return func() { ln.Close() }
}

// TestIPCRoundTrip exercises write_message/read_message framing
// end-to-end over a real UNIX-domain socket.
func TestIPCRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctl1234")
	stop := fakeTapdisk(t, path, func(req Message) Message {
		return Message{Type: MsgPIDResponse, Cookie: req.Cookie, PID: 1234}
	})
	defer stop()

	conn, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	resp, err := conn.SendAndReceive(Message{Type: MsgPID}, time.Second)
	if err != nil {
		t.Fatalf("SendAndReceive: %v", err)
	}
	if resp.Type != MsgPIDResponse || resp.PID != 1234 {
		t.Fatalf("got %+v, want PID_RSP pid=1234", resp)
	}
}

func TestIPCCloseRetriesOnBusy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctl5678")

	attempts := 0
	stop := fakeTapdisk(t, path, func(req Message) Message {
		attempts++
		if attempts < 3 {
			return Message{Type: MsgCloseResponse, Cookie: req.Cookie, Errno: 16 /* EBUSY */}
		}
		return Message{Type: MsgCloseResponse, Cookie: req.Cookie, Errno: 0}
	})
	defer stop()

	conn, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Use a short retry delay window by relying on the close loop's
	// fixed inter-retry delay; cap the deadline generously so three
	// retries comfortably complete.
	if err := conn.CloseWithRetry(3, false, 2*time.Second); err != nil {
		t.Fatalf("CloseWithRetry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestIPCTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctl9")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		// Never reply: the client's read should time out.
		select {}
	}()

	conn, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.SendAndReceive(Message{Type: MsgPID}, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error, got nil")
	}
}
