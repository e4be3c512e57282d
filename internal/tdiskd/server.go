package tdiskd

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/blktap/blktap/internal/tapctl"
	"github.com/blktap/blktap/internal/taperr"
)

// Server is one tapdisk worker process's core: a single control socket
// serving the control-protocol request types against at most one open
// Driver, since a real tapdisk instance owns exactly one VBD's I/O path.
type Server struct {
	Minor int
	Log   *log.Logger

	ln net.Listener

	// mu serializes dispatch across accepted connections: requests
	// within one channel are strictly ordered on its socket, and a
	// worker owns exactly one image, so concurrent mutation of the
	// driver state is never meaningful.
	mu        sync.Mutex
	driver    Driver
	imagePath string // "type:path" descriptor of the open driver
	paused    bool
	connected bool // ring bound via XENBLKIF_CONNECT
}

// Listen binds the worker's control socket at path.
func Listen(path string, minor int, logger *log.Logger) (*Server, error) {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, taperr.New(taperr.IO, "tdiskd.Listen", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{Minor: minor, Log: logger, ln: ln}, nil
}

// Addr returns the bound control-socket path.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections and dispatches requests until the listener
// is closed.
func (s *Server) Serve() error {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return nil
		}
		go s.handleConn(c)
	}
}

// Close shuts down the listener and any open driver.
func (s *Server) Close() error {
	if s.driver != nil {
		s.driver.Close()
	}
	return s.ln.Close()
}

func (s *Server) handleConn(c net.Conn) {
	defer c.Close()

	for {
		req, trailer, err := readRequest(c)
		if err != nil {
			return
		}
		s.mu.Lock()
		resps := s.dispatch(req, trailer)
		s.mu.Unlock()
		for _, resp := range resps {
			if _, err := c.Write(resp.frame.Encode()); err != nil {
				return
			}
			if len(resp.text) > 0 {
				if _, err := c.Write(resp.text); err != nil {
					return
				}
			}
		}
	}
}

// readRequest reads one fixed-size frame plus, for requests that declare
// one, the trailing payload: a path string or an encryption key record
// follows the OPEN frame.
func readRequest(c net.Conn) (tapctl.Message, []byte, error) {
	buf := make([]byte, tapctl.MessageLen)
	if err := readFull(c, buf); err != nil {
		return tapctl.Message{}, nil, err
	}
	req := tapctl.DecodeMessage(buf)
	if req.TrailerLen <= 0 {
		return req, nil, nil
	}
	trailer := make([]byte, req.TrailerLen)
	if err := readFull(c, trailer); err != nil {
		return tapctl.Message{}, nil, err
	}
	return req, trailer, nil
}

func readFull(c net.Conn, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := c.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

// response pairs a frame with the optional free-form text that follows
// it (STATS_RSP only).
type response struct {
	frame tapctl.Message
	text  []byte
}

func one(m tapctl.Message) []response {
	return []response{{frame: m}}
}

func (s *Server) dispatch(req tapctl.Message, trailer []byte) []response {
	switch req.Type {
	case tapctl.MsgPID:
		return one(tapctl.Message{Type: tapctl.MsgPIDResponse, Cookie: req.Cookie, PID: int32(os.Getpid())})

	case tapctl.MsgAttach:
		s.Minor = int(req.Minor)
		return one(tapctl.Message{Type: tapctl.MsgAttachResponse, Cookie: req.Cookie, Minor: int32(s.Minor)})

	case tapctl.MsgOpen:
		if req.OpenFlags&tapctl.OpenFlagEncrypted != 0 {
			if len(trailer) < 1 || int(trailer[0]) != len(trailer)-1 {
				return one(errorResponse(tapctl.MsgOpenResponse, req.Cookie, taperr.New(taperr.Protocol, "tdiskd.Open", nil)))
			}
			// Key bytes are trailer[1:]. Encrypted images are not
			// supported; a key on a plain VHD is a caller error.
			return one(errorResponse(tapctl.MsgOpenResponse, req.Cookie,
				taperr.New(taperr.InvalidArg, "tdiskd.Open", nil).WithErrno(int(unix.ENOSYS))))
		}
		d, err := Open(req.Path, req.OpenFlags&tapctl.OpenFlagReadOnly != 0)
		if err != nil {
			s.Log.Printf("tdiskd: open %s: %v", req.Path, err)
			return one(errorResponse(tapctl.MsgOpenResponse, req.Cookie, err))
		}
		s.driver = d
		s.imagePath = req.Path
		return one(tapctl.Message{Type: tapctl.MsgOpenResponse, Cookie: req.Cookie})

	case tapctl.MsgPause:
		s.paused = true
		return one(tapctl.Message{Type: tapctl.MsgPauseResponse, Cookie: req.Cookie})

	case tapctl.MsgResume:
		if req.Path != "" {
			// RESUME may swap in a different image atop the ring
			// (live snapshot and storage-migration handoffs).
			d, err := Open(req.Path, req.OpenFlags&tapctl.OpenFlagReadOnly != 0)
			if err != nil {
				return one(errorResponse(tapctl.MsgResumeResponse, req.Cookie, err))
			}
			if s.driver != nil {
				s.driver.Close()
			}
			s.driver = d
			s.imagePath = req.Path
		}
		s.paused = false
		return one(tapctl.Message{Type: tapctl.MsgResumeResponse, Cookie: req.Cookie})

	case tapctl.MsgClose, tapctl.MsgForceShutdown:
		if s.connected && req.Type == tapctl.MsgClose {
			// An image still bound to a ring refuses a graceful close;
			// the caller retries or force-shuts.
			return one(tapctl.Message{Type: tapctl.MsgCloseResponse, Cookie: req.Cookie, Errno: int32(unix.EBUSY)})
		}
		if s.driver != nil {
			s.driver.Close()
			s.driver = nil
			s.imagePath = ""
		}
		s.connected = false
		return one(tapctl.Message{Type: tapctl.MsgCloseResponse, Cookie: req.Cookie})

	case tapctl.MsgDetach:
		return one(tapctl.Message{Type: tapctl.MsgDetachResponse, Cookie: req.Cookie})

	case tapctl.MsgDiskInfo:
		if s.driver == nil {
			return one(errorResponse(tapctl.MsgDiskInfoResponse, req.Cookie, taperr.New(taperr.State, "tdiskd.DiskInfo", nil)))
		}
		sectors, _ := s.driver.GetSize()
		secSize, _ := s.driver.GetSecSize()
		info, _ := s.driver.GetInfo()
		return one(tapctl.Message{Type: tapctl.MsgDiskInfoResponse, Cookie: req.Cookie, Sectors: sectors, SecSize: secSize, Info: info})

	case tapctl.MsgList:
		// Multi-response: one frame per entry, terminated by a frame
		// with ListCount==0.
		terminator := tapctl.Message{Type: tapctl.MsgListResponse, Cookie: req.Cookie, ListCount: 0}
		if s.driver == nil {
			return one(terminator)
		}
		state := uint32(0)
		if s.paused {
			state = 1
		}
		entry := tapctl.Message{
			Type:      tapctl.MsgListResponse,
			Cookie:    req.Cookie,
			ListCount: 1,
			Minor:     int32(s.Minor),
			Info:      state,
			Path:      s.imagePath,
		}
		return []response{{frame: entry}, {frame: terminator}}

	case tapctl.MsgStats:
		text := s.statsText()
		resp := tapctl.Message{Type: tapctl.MsgStatsResponse, Cookie: req.Cookie, StatsLength: int32(len(text))}
		return []response{{frame: resp, text: text}}

	case tapctl.MsgXenblkifConnect:
		if s.driver == nil {
			return one(errorResponse(tapctl.MsgXenblkifConnectResponse, req.Cookie, taperr.New(taperr.State, "tdiskd.XenblkifConnect", nil)))
		}
		if s.connected {
			return one(tapctl.Message{Type: tapctl.MsgXenblkifConnectResponse, Cookie: req.Cookie, Errno: int32(unix.EALREADY)})
		}
		s.connected = true
		return one(tapctl.Message{Type: tapctl.MsgXenblkifConnectResponse, Cookie: req.Cookie})

	case tapctl.MsgXenblkifDisconnect:
		s.connected = false
		return one(tapctl.Message{Type: tapctl.MsgXenblkifDisconnectResponse, Cookie: req.Cookie})

	default:
		return one(errorResponse(tapctl.MsgError, req.Cookie, taperr.New(taperr.Protocol, "tdiskd.dispatch", nil)))
	}
}

func (s *Server) statsText() []byte {
	if s.driver == nil {
		return []byte("{}")
	}
	sectors, _ := s.driver.GetSize()
	secSize, _ := s.driver.GetSecSize()
	return []byte(fmt.Sprintf(`{"name": %q, "minor": %d, "sectors": %d, "sector_size": %d, "paused": %v}`,
		s.imagePath, s.Minor, sectors, secSize, s.paused))
}

func errorResponse(typ tapctl.MessageType, cookie uint16, err error) tapctl.Message {
	errno := int32(1)
	if te, ok := err.(*taperr.Error); ok && te.Errno != 0 {
		errno = int32(te.Errno)
	}
	return tapctl.Message{Type: typ, Cookie: cookie, Errno: errno}
}
