// Package fault provides structured error values that can cross process and
// node boundaries. An Error carries a Kind, a message and an optional cause;
// errors.Is matches two faults by Kind.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault.
type Kind string

const (
	KindTimeout    Kind = "timeout"     // a reply did not arrive in time
	KindProtocol   Kind = "protocol"    // malformed or unexpected frame/event
	KindNotFound   Kind = "not_found"   // job or handle does not exist
	KindRemote     Kind = "remote"      // the worker or remote node reported an error
	KindTransport  Kind = "transport"   // channel to a process or the bus failed
	KindSplitBrain Kind = "split_brain" // conflicting leadership observed
	KindSpawn      Kind = "spawn"       // worker process could not be started
	KindClosed     Kind = "closed"      // worker process went away
	KindNotLeader  Kind = "not_leader"  // operation requires leadership
	KindOverflow   Kind = "overflow"    // correlation table dropped the request
	KindConfig     Kind = "config"      // invalid configuration
)

// Error is a structured fault.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// Sentinels for errors.Is checks by kind.
var (
	ErrTimeout   = &Error{Kind: KindTimeout}
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrRemote    = &Error{Kind: KindRemote}
	ErrClosed    = &Error{Kind: KindClosed}
	ErrNotLeader = &Error{Kind: KindNotLeader}
	ErrSpawn     = &Error{Kind: KindSpawn}
)

// New returns a fault of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf is New with a format string.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a fault of the given kind caused by err, or nil when err is
// nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Cause: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a fault of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first fault in err's chain, or "" when err
// carries none.
func KindOf(err error) Kind {
	var f *Error
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// Detail is the serialized form of a fault.
type Detail struct {
	Kind    Kind   `json:"kind" msgpack:"kind"`
	Message string `json:"message" msgpack:"message"`
}

// ToDetail converts err for the wire. Errors that are not faults become
// KindRemote. A nil error yields nil.
func ToDetail(err error) *Detail {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind == "" {
		kind = KindRemote
	}
	var f *Error
	if errors.As(err, &f) && f.Message != "" {
		return &Detail{Kind: kind, Message: f.Message}
	}
	return &Detail{Kind: kind, Message: err.Error()}
}

// FromDetail is the inverse of ToDetail. A nil detail yields nil.
func FromDetail(op string, d *Detail) error {
	if d == nil {
		return nil
	}
	kind := d.Kind
	if kind == "" {
		kind = KindRemote
	}
	return &Error{Kind: kind, Op: op, Message: d.Message}
}
