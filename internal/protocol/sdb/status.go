package sdb

import (
	"fmt"

	"github.com/marmos91/dittosdb/pkg/simpledb"
)

// Status is the result code carried by a Response.
type Status uint32

const (
	StatusOK Status = iota
	StatusFailure
	StatusAbort
	// StatusUnexpected is sent when storage is disabled.
	StatusUnexpected
	StatusBusy
	StatusLockFailure
	StatusIOError
	StatusPartialWrite
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFailure:
		return "FAILURE"
	case StatusAbort:
		return "ABORT"
	case StatusUnexpected:
		return "UNEXPECTED"
	case StatusBusy:
		return "BUSY"
	case StatusLockFailure:
		return "LOCK_FAILURE"
	case StatusIOError:
		return "IO_ERROR"
	case StatusPartialWrite:
		return "PARTIAL_WRITE"
	default:
		return fmt.Sprintf("STATUS_%d", uint32(s))
	}
}

// StatusOf maps an operation result to its wire status.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}

	switch simpledb.KindOf(err) {
	case simpledb.KindAbort:
		return StatusAbort
	case simpledb.KindDisabled:
		return StatusUnexpected
	case simpledb.KindBusy:
		return StatusBusy
	case simpledb.KindLockFailure:
		return StatusLockFailure
	case simpledb.KindIO:
		return StatusIOError
	case simpledb.KindPartialWrite:
		return StatusPartialWrite
	default:
		return StatusFailure
	}
}

// Err maps a wire status back to the matching simpledb sentinel, or nil
// for StatusOK. Unknown codes count as failures.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusAbort:
		return simpledb.ErrAborted
	case StatusUnexpected:
		return simpledb.ErrDisabled
	case StatusBusy:
		return simpledb.ErrBusy
	case StatusLockFailure:
		return simpledb.ErrLockFailure
	case StatusIOError:
		return simpledb.ErrIO
	case StatusPartialWrite:
		return simpledb.ErrPartialWrite
	default:
		return simpledb.ErrFailure
	}
}
