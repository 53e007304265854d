package simpledb

import (
	"errors"
	"fmt"
)

// Kind classifies the outcome of a failed operation. It is what the peer
// sees: operations report the kind alone, never the underlying error.
type Kind uint8

const (
	// KindFailure is a generic failure. Results are downgraded to it when
	// the peer went away before they could be delivered.
	KindFailure Kind = iota + 1

	// KindAbort means the operation was cancelled by shutdown, peer
	// disconnect, or invalidation of its directory lock.
	KindAbort

	// KindDisabled means the storage switch is off.
	KindDisabled

	// KindBusy means another connection already has the (origin, name) open.
	KindBusy

	// KindLockFailure means the quota manager declined the directory lock.
	KindLockFailure

	// KindIO wraps an error from the host filesystem.
	KindIO

	// KindPartialWrite means the stream accepted fewer bytes than requested.
	// It matches KindIO under errors.Is.
	KindPartialWrite
)

func (k Kind) String() string {
	switch k {
	case KindFailure:
		return "failure"
	case KindAbort:
		return "aborted"
	case KindDisabled:
		return "disabled"
	case KindBusy:
		return "busy"
	case KindLockFailure:
		return "lock failure"
	case KindIO:
		return "i/o error"
	case KindPartialWrite:
		return "partial write"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is an operation failure. Err carries the host error for KindIO.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := "simpledb: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	msg += e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors of the same kind, so errors.Is(err, ErrBusy)
// holds for any busy error regardless of Op or Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindIO && e.Kind == KindPartialWrite
}

var (
	ErrFailure      = &Error{Kind: KindFailure}
	ErrAborted      = &Error{Kind: KindAbort}
	ErrDisabled     = &Error{Kind: KindDisabled}
	ErrBusy         = &Error{Kind: KindBusy}
	ErrLockFailure  = &Error{Kind: KindLockFailure}
	ErrIO           = &Error{Kind: KindIO}
	ErrPartialWrite = &Error{Kind: KindPartialWrite}
)

// KindOf classifies err. Errors that are not *Error count as KindFailure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFailure
}

func ioError(op string, err error) error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

func partialWriteError(written, requested int) error {
	return &Error{
		Kind: KindPartialWrite,
		Op:   "write",
		Err:  fmt.Errorf("wrote %d of %d bytes", written, requested),
	}
}

// Protocol violations. A request rejected with one of these never runs and
// the connection must be torn down.
var (
	ErrProtocolViolation = errors.New("simpledb: protocol violation")

	ErrShuttingDown       = fmt.Errorf("%w: storage client is shutting down", ErrProtocolViolation)
	ErrNotAllowed         = fmt.Errorf("%w: connection is allowed to close", ErrProtocolViolation)
	ErrRequestRunning     = fmt.Errorf("%w: a request is already running", ErrProtocolViolation)
	ErrInvalidRequest     = fmt.Errorf("%w: invalid request parameters", ErrProtocolViolation)
	ErrReadTooLarge       = fmt.Errorf("%w: read size exceeds limit", ErrProtocolViolation)
	ErrInvalidPersistence = fmt.Errorf("%w: invalid persistence type", ErrProtocolViolation)
	ErrInvalidPrincipal   = fmt.Errorf("%w: invalid principal", ErrProtocolViolation)
	ErrConnectionGone     = fmt.Errorf("%w: connection already destroyed", ErrProtocolViolation)
)
