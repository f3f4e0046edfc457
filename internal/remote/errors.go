package remote

import (
	"errors"
	"fmt"
)

// Kind classifies why a remote call failed.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindAuth
	KindTimeout
	KindStart
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network error"
	case KindAuth:
		return "authentication rejected"
	case KindTimeout:
		return "timed out"
	case KindStart:
		return "command could not be started"
	case KindNotFound:
		return "remote file not found"
	default:
		return "unknown error"
	}
}

// Operations reported in Error.Op.
const (
	OpConnect = "connect"
	OpRun     = "run"
	OpFetch   = "fetch"
)

// Error is the only error type returned by Executor. The message never
// contains credentials and is safe to show to an operator.
//
//	var remoteErr *remote.Error
//	if errors.As(err, &remoteErr) && remoteErr.Kind == remote.KindAuth { ... }
type Error struct {
	Kind   Kind
	Op     string
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Target, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind == kind
	}
	return false
}
