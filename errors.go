package s3directory

import (
	"errors"
	"fmt"
)

// Kind classifies the failure mode of an Error, per the taxonomy consumed by
// the index engine: callers branch on Kind, never on message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindTransport
	KindLocalIO
	KindInvalidState
	KindConsistency
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	case KindLocalIO:
		return "local_io"
	case KindInvalidState:
		return "invalid_state"
	case KindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// Error is the single error type every exported operation returns. Op and
// Name identify where and on what logical file the failure occurred; Kind
// lets callers branch with errors.Is against the sentinels below.
type Error struct {
	Op   string
	Name string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("s3directory: %s %s: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("s3directory: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is compares by Kind, so errors.Is(err, ErrNotFound) works regardless of Op
// or Name.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func wrapErr(op, name string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Name: name, Kind: kind, Err: err}
}

var (
	ErrNotFound      = &Error{Kind: KindNotFound, Err: errors.New("not found")}
	ErrTransport     = &Error{Kind: KindTransport, Err: errors.New("transport failure")}
	ErrLocalIO       = &Error{Kind: KindLocalIO, Err: errors.New("local io failure")}
	ErrInvalidState  = &Error{Kind: KindInvalidState, Err: errors.New("invalid state")}
	ErrConsistency   = &Error{Kind: KindConsistency, Err: errors.New("consistency violation")}
	ErrDirectoryShut = errors.New("directory is closed")
)
