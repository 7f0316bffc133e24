// Package koderr implements the fixed error-kind taxonomy used across the
// ioto-core runtime. Every subsystem wraps failures in a *koderr.Error so
// callers can branch on Kind with errors.As instead of string matching.
package koderr

import (
	"errors"
	"fmt"
)

// Kind is a closed taxonomy of error categories. It is not a type per
// failure site — every subsystem reuses the same small set of kinds.
type Kind int

const (
	Unknown Kind = iota
	BadArgs
	BadState
	BadData
	BadFormat
	Memory
	Timeout
	CantOpen
	CantRead
	CantWrite
	CantConnect
	CantCreate
	CantFind
	CantComplete
	WontFit
	WouldBlock
	AlreadyExists
	Network
	NotReady
	NotConnected
	NotInitialized
	TooMany
	Deleted
	ReadOnly
)

func (k Kind) String() string {
	switch k {
	case BadArgs:
		return "bad-args"
	case BadState:
		return "bad-state"
	case BadData:
		return "bad-data"
	case BadFormat:
		return "bad-format"
	case Memory:
		return "memory"
	case Timeout:
		return "timeout"
	case CantOpen:
		return "cant-open"
	case CantRead:
		return "cant-read"
	case CantWrite:
		return "cant-write"
	case CantConnect:
		return "cant-connect"
	case CantCreate:
		return "cant-create"
	case CantFind:
		return "cant-find"
	case CantComplete:
		return "cant-complete"
	case WontFit:
		return "wont-fit"
	case WouldBlock:
		return "would-block"
	case AlreadyExists:
		return "already-exists"
	case Network:
		return "network"
	case NotReady:
		return "not-ready"
	case NotConnected:
		return "not-connected"
	case NotInitialized:
		return "not-initialized"
	case TooMany:
		return "too-many"
	case Deleted:
		return "deleted"
	case ReadOnly:
		return "read-only"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and the operation that
// produced it, e.g. "socket.Connect: cant-connect: dial tcp: ...".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, koderr.New(SomeKind, "", nil)) to match on Kind
// alone, without needing pointer identity with a particular sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs a tagged error. Err may be nil for a bare kind signal.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Of reports the Kind of err, or Unknown if err does not wrap a *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is tagged with the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
