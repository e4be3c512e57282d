package tapctl

import "encoding/binary"

// MessageType enumerates the fixed request/response type pairs of the
// tapdisk control protocol.
type MessageType uint16

const (
	MsgError MessageType = iota
	MsgPID
	MsgPIDResponse
	MsgAttach
	MsgAttachResponse
	MsgOpen
	MsgOpenResponse
	MsgPause
	MsgPauseResponse
	MsgResume
	MsgResumeResponse
	MsgClose
	MsgCloseResponse
	MsgDetach
	MsgDetachResponse
	MsgList
	MsgListResponse
	MsgStats
	MsgStatsResponse
	MsgDiskInfo
	MsgDiskInfoResponse
	MsgXenblkifConnect
	MsgXenblkifConnectResponse
	MsgXenblkifDisconnect
	MsgXenblkifDisconnectResponse
	MsgForceShutdown
)

func (t MessageType) String() string {
	names := [...]string{
		"ERROR", "PID", "PID_RSP", "ATTACH", "ATTACH_RSP", "OPEN", "OPEN_RSP",
		"PAUSE", "PAUSE_RSP", "RESUME", "RESUME_RSP", "CLOSE", "CLOSE_RSP",
		"DETACH", "DETACH_RSP", "LIST", "LIST_RSP", "STATS", "STATS_RSP",
		"DISK_INFO", "DISK_INFO_RSP", "XENBLKIF_CONNECT", "XENBLKIF_CONNECT_RSP",
		"XENBLKIF_DISCONNECT", "XENBLKIF_DISCONNECT_RSP", "FORCE_SHUTDOWN",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "UNKNOWN"
}

// OpenFlags are the bitfield carried by an OPEN request.
type OpenFlags uint32

const (
	OpenFlagReadOnly OpenFlags = 1 << iota
	OpenFlagNoO_Direct
	OpenFlagSecondary
	OpenFlagStandby
	OpenFlagAddLog
	OpenFlagAddLCache
	OpenFlagReuseParent
	OpenFlagEncrypted
)

// messagePayloadLen is the size in bytes of the fixed union payload
// following a message's header (pid, minor, errno, type-specific
// scalars, and a path buffer sized for "type:path" image descriptors).
const messagePayloadLen = 344

// MessageLen is sizeof(Message) on the wire: a 2-byte type, a 2-byte
// cookie (minor number), and the union payload. Both peers read and
// write frames of exactly this size.
const MessageLen = 4 + messagePayloadLen

const messageLen = MessageLen

// Message is one fixed-size frame of the tapdisk control protocol.
type Message struct {
	Type   MessageType
	Cookie uint16 // minor number this message concerns

	// PID is valid on PID_RSP.
	PID int32
	// Minor is valid on ATTACH, ATTACH_RSP and LIST_RSP entries.
	Minor int32
	// Errno is valid on ERROR and any *_RSP carrying a failure.
	Errno int32
	// OpenFlags is valid on OPEN.
	OpenFlags OpenFlags
	// ParentMinor is valid on OPEN, when stacking atop an existing tapdisk.
	ParentMinor int32
	// TimeoutSecs is valid on OPEN.
	TimeoutSecs int32
	// Sectors, SecSize, Info are valid on DISK_INFO_RSP.
	Sectors int64
	SecSize uint32
	Info    uint32
	// ListCount is valid on LIST_RSP: zero terminates a multi-response
	// sequence.
	ListCount int32
	// StatsLength is valid on STATS_RSP: the response is followed by
	// this many bytes of free-form text.
	StatsLength int32
	// TrailerLen is valid on OPEN: the request is followed by this many
	// trailer bytes (a log path, an encryption key record, or a
	// secondary image path), so the receiver knows how much to drain
	// before the next frame.
	TrailerLen int32
	// Path carries the "type:path" image descriptor (OPEN, RESUME) or the
	// list entry's descriptor (LIST_RSP). A secondary image path travels
	// in the OPEN trailer, not here.
	Path string
}

// Encode serializes m into a fixed messageLen-byte frame.
func (m Message) Encode() []byte {
	buf := make([]byte, messageLen)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(m.Type))
	binary.LittleEndian.PutUint16(buf[2:4], m.Cookie)
	p := buf[4:]
	binary.LittleEndian.PutUint32(p[0:4], uint32(m.PID))
	binary.LittleEndian.PutUint32(p[4:8], uint32(m.Minor))
	binary.LittleEndian.PutUint32(p[8:12], uint32(m.Errno))
	binary.LittleEndian.PutUint32(p[12:16], uint32(m.OpenFlags))
	binary.LittleEndian.PutUint32(p[16:20], uint32(m.ParentMinor))
	binary.LittleEndian.PutUint32(p[20:24], uint32(m.TimeoutSecs))
	binary.LittleEndian.PutUint64(p[24:32], uint64(m.Sectors))
	binary.LittleEndian.PutUint32(p[32:36], m.SecSize)
	binary.LittleEndian.PutUint32(p[36:40], m.Info)
	binary.LittleEndian.PutUint32(p[40:44], uint32(m.ListCount))
	binary.LittleEndian.PutUint32(p[44:48], uint32(m.StatsLength))
	binary.LittleEndian.PutUint32(p[48:52], uint32(m.TrailerLen))
	copy(p[52:], m.Path)
	return buf
}

// DecodeMessage parses a fixed messageLen-byte frame.
func DecodeMessage(buf []byte) Message {
	var m Message
	m.Type = MessageType(binary.LittleEndian.Uint16(buf[0:2]))
	m.Cookie = binary.LittleEndian.Uint16(buf[2:4])
	p := buf[4:]
	m.PID = int32(binary.LittleEndian.Uint32(p[0:4]))
	m.Minor = int32(binary.LittleEndian.Uint32(p[4:8]))
	m.Errno = int32(binary.LittleEndian.Uint32(p[8:12]))
	m.OpenFlags = OpenFlags(binary.LittleEndian.Uint32(p[12:16]))
	m.ParentMinor = int32(binary.LittleEndian.Uint32(p[16:20]))
	m.TimeoutSecs = int32(binary.LittleEndian.Uint32(p[20:24]))
	m.Sectors = int64(binary.LittleEndian.Uint64(p[24:32]))
	m.SecSize = binary.LittleEndian.Uint32(p[32:36])
	m.Info = binary.LittleEndian.Uint32(p[36:40])
	m.ListCount = int32(binary.LittleEndian.Uint32(p[40:44]))
	m.StatsLength = int32(binary.LittleEndian.Uint32(p[44:48]))
	m.TrailerLen = int32(binary.LittleEndian.Uint32(p[48:52]))
	pathBuf := p[52:]
	if nul := indexZero(pathBuf); nul >= 0 {
		m.Path = string(pathBuf[:nul])
	} else {
		m.Path = string(pathBuf)
	}
	return m
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
