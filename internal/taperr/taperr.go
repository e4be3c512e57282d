// Package taperr defines the error taxonomy shared by every blktap
// subsystem: VHD codec and I/O, tapdisk control, and the backend
// orchestrator all return *Error rather than opaque error values, so
// callers can branch on Kind instead of string-matching.
package taperr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind classifies an Error.
type Kind int

const (
	// IO is an underlying file or socket failure.
	IO Kind = iota
	// Format is a checksum mismatch, bad cookie, unsupported version or
	// malformed locator.
	Format
	// Protocol is an unexpected IPC message type, truncated frame or
	// framing violation.
	Protocol
	// State is an illegal state transition.
	State
	// Timeout is a deadline elapsed with the operation incomplete.
	Timeout
	// Busy is a transient conflict; retry is expected.
	Busy
	// NotFound is a config-store key, tapdisk pid or minor that does not
	// exist.
	NotFound
	// InvalidArg is caller-side misuse.
	InvalidArg
	// OutOfSpace is a VHD extension or file write that failed with
	// ENOSPC.
	OutOfSpace
	// Broken marks a VBD channel that has entered the Broken state.
	Broken
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case Format:
		return "format"
	case Protocol:
		return "protocol"
	case State:
		return "state"
	case Timeout:
		return "timeout"
	case Busy:
		return "busy"
	case NotFound:
		return "not_found"
	case InvalidArg:
		return "invalid_arg"
	case OutOfSpace:
		return "out_of_space"
	case Broken:
		return "broken"
	default:
		return "unknown"
	}
}

// Error is the typed error every blktap package returns.
type Error struct {
	Kind  Kind
	Op    string // operation that failed, e.g. "vhd.Open"
	Errno int    // errno payload, 0 if not applicable
	Err   error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		if e.Errno != 0 {
			return fmt.Sprintf("%s: %s (errno %d)", e.Op, e.Kind, e.Errno)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %s (errno %d): %v", e.Op, e.Kind, e.Errno, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err (which may be nil) as an Error of the given Kind,
// attributed to op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error with a formatted cause, in the xerrors %w idiom
// used throughout this module.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: xerrors.Errorf(format, args...)}
}

// WithErrno attaches an errno payload to an existing Error and returns it.
func (e *Error) WithErrno(errno int) *Error {
	e.Errno = errno
	return e
}

// Is reports whether err is a *Error of the given Kind, unwrapping any
// number of intermediate wrappers.
func Is(err error, kind Kind) bool {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
