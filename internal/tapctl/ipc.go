package tapctl

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blktap/blktap/internal/taperr"
)

// ControlSocketPath returns the path of the UNIX-domain control socket
// for the tapdisk process with the given pid, under controlDir.
func ControlSocketPath(controlDir string, pid int) string {
	return fmt.Sprintf("%s/ctl%d", controlDir, pid)
}

// TAPCTLCommRetryTimeout is the default deadline applied to CLOSE's
// EBUSY retry loop.
const TAPCTLCommRetryTimeout = 30 * time.Second

// closeRetryDelay is the fixed inter-retry delay while CLOSE keeps
// returning EBUSY.
const closeRetryDelay = 200 * time.Millisecond

// Conn is a framed connection to one tapdisk's control socket.
type Conn struct {
	c net.Conn
}

// Dial connects to the tapdisk control socket at path.
func Dial(path string) (*Conn, error) {
	c, err := net.Dial("unix", path)
	if err != nil {
		return nil, taperr.New(taperr.IO, "tapctl.Dial", err)
	}
	return &Conn{c: c}, nil
}

// Close closes the underlying socket.
func (conn *Conn) Close() error { return conn.c.Close() }

// Path returns the control-socket path this connection is dialed to.
func (conn *Conn) Path() string { return conn.c.RemoteAddr().String() }

// readRaw reads exactly n bytes from conn, retrying transparently on
// partial reads, honoring an optional deadline. A zero
// timeout means no deadline.
func (conn *Conn) readRaw(buf []byte, timeout time.Duration) error {
	if timeout > 0 {
		conn.c.SetReadDeadline(time.Now().Add(timeout))
		defer conn.c.SetReadDeadline(time.Time{})
	}
	read := 0
	for read < len(buf) {
		n, err := conn.c.Read(buf[read:])
		if n > 0 {
			read += n
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return taperr.New(taperr.Timeout, "tapctl.readRaw", err)
			}
			return taperr.New(taperr.IO, "tapctl.readRaw", err)
		}
	}
	return nil
}

// WriteMessage frames and sends m.
func (conn *Conn) WriteMessage(m Message) error {
	buf := m.Encode()
	if _, err := conn.c.Write(buf); err != nil {
		return taperr.New(taperr.IO, "tapctl.WriteMessage", err)
	}
	return nil
}

// ReadMessage receives one fixed-size frame, honoring an optional
// timeout.
func (conn *Conn) ReadMessage(timeout time.Duration) (Message, error) {
	buf := make([]byte, messageLen)
	if err := conn.readRaw(buf, timeout); err != nil {
		return Message{}, err
	}
	return DecodeMessage(buf), nil
}

// SendAndReceive sends req and waits for the paired response, with an
// optional timeout. An ERROR response is returned as a Message (callers
// inspect Type/Errno); transport failures are returned as error.
func (conn *Conn) SendAndReceive(req Message, timeout time.Duration) (Message, error) {
	if err := conn.WriteMessage(req); err != nil {
		return Message{}, err
	}
	return conn.ReadMessage(timeout)
}

// SendAndReceiveTrailer is send_and_receive_ex: after the
// main message, it appends an optional trailer (a log path string, an
// encryption key, or a rate-limit valve socket path) before waiting for
// the response. The trailer's length travels in the request's TrailerLen
// field so the receiver knows how much to drain before the next frame.
func (conn *Conn) SendAndReceiveTrailer(req Message, trailer []byte, timeout time.Duration) (Message, error) {
	req.TrailerLen = int32(len(trailer))
	if err := conn.WriteMessage(req); err != nil {
		return Message{}, err
	}
	if len(trailer) > 0 {
		if _, err := conn.c.Write(trailer); err != nil {
			return Message{}, taperr.New(taperr.IO, "tapctl.SendAndReceiveTrailer", err)
		}
	}
	return conn.ReadMessage(timeout)
}

// Stats issues STATS and returns the free-form text that follows the
// response frame.
func (conn *Conn) Stats(minor int, timeout time.Duration) (string, error) {
	resp, err := conn.SendAndReceive(Message{Type: MsgStats, Cookie: uint16(minor), Minor: int32(minor)}, timeout)
	if err != nil {
		return "", err
	}
	if resp.Errno != 0 {
		return "", taperr.New(taperr.IO, "tapctl.Stats", nil).WithErrno(int(resp.Errno))
	}
	if resp.StatsLength <= 0 {
		return "", nil
	}
	text := make([]byte, resp.StatsLength)
	if err := conn.readRaw(text, timeout); err != nil {
		return "", err
	}
	return string(text), nil
}

// DiskInfo issues DISK_INFO and returns the tapdisk's cached geometry.
func (conn *Conn) DiskInfo(minor int, timeout time.Duration) (sectors int64, secSize, info uint32, err error) {
	resp, err := conn.SendAndReceive(Message{Type: MsgDiskInfo, Cookie: uint16(minor), Minor: int32(minor)}, timeout)
	if err != nil {
		return 0, 0, 0, err
	}
	if resp.Errno != 0 {
		return 0, 0, 0, taperr.New(taperr.IO, "tapctl.DiskInfo", nil).WithErrno(int(resp.Errno))
	}
	return resp.Sectors, resp.SecSize, resp.Info, nil
}

// XenblkifConnect instructs the tapdisk to bind to the guest's ring.
// EALREADY is not an error: a tapback restart after an orderly shutdown
// re-issues the connect against an already-bound ring.
func (conn *Conn) XenblkifConnect(minor int, timeout time.Duration) error {
	resp, err := conn.SendAndReceive(Message{Type: MsgXenblkifConnect, Cookie: uint16(minor), Minor: int32(minor)}, timeout)
	if err != nil {
		return err
	}
	if resp.Errno != 0 && resp.Errno != int32(unix.EALREADY) {
		return taperr.New(taperr.IO, "tapctl.XenblkifConnect", nil).WithErrno(int(resp.Errno))
	}
	return nil
}

// XenblkifDisconnect instructs the tapdisk to unbind from the ring.
func (conn *Conn) XenblkifDisconnect(minor int, timeout time.Duration) error {
	resp, err := conn.SendAndReceive(Message{Type: MsgXenblkifDisconnect, Cookie: uint16(minor), Minor: int32(minor)}, timeout)
	if err != nil {
		return err
	}
	if resp.Errno != 0 {
		return taperr.New(taperr.IO, "tapctl.XenblkifDisconnect", nil).WithErrno(int(resp.Errno))
	}
	return nil
}

// CloseWithRetry issues CLOSE (or FORCE_SHUTDOWN if force) and retries
// while the response carries EBUSY, up to deadline.
func (conn *Conn) CloseWithRetry(minor int, force bool, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = TAPCTLCommRetryTimeout
	}
	typ := MsgClose
	if force {
		typ = MsgForceShutdown
	}
	req := Message{Type: typ, Cookie: uint16(minor), Minor: int32(minor)}
	deadlineAt := time.Now().Add(deadline)
	for {
		resp, err := conn.SendAndReceive(req, closeRetryDelay*5)
		if err != nil {
			return err
		}
		if resp.Errno == 0 {
			return nil
		}
		if resp.Errno == int32(unix.EBUSY) && time.Now().Before(deadlineAt) {
			time.Sleep(closeRetryDelay)
			continue
		}
		return taperr.New(taperr.IO, "tapctl.CloseWithRetry", nil).WithErrno(int(resp.Errno))
	}
}
