package simpledb

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/spf13/afero"
)

type openState int

const (
	openInitial openState = iota
	openFinishOpen
	openDirectoryOpenPending
	openDatabaseWork
	openSendingResults
	openCompleted
)

func (s openState) String() string {
	switch s {
	case openInitial:
		return "Initial"
	case openFinishOpen:
		return "FinishOpen"
	case openDirectoryOpenPending:
		return "DirectoryOpenPending"
	case openDatabaseWork:
		return "DatabaseWorkOpen"
	case openSendingResults:
		return "SendingResults"
	case openCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("openState(%d)", int(s))
	}
}

// openOp opens (creating if needed) the file for (origin, name) and hands
// it, with its directory lock, to the connection.
//
// It walks a fixed sequence of states, each handled by one method:
//
//	Initial              control  shutdown/peer check, storage switch
//	FinishOpen           control  resolve origin, busy check, request lock
//	DirectoryOpenPending control  waiting on the lock promise
//	DatabaseWorkOpen     I/O      create directory, open file
//	SendingResults       control  reply, transfer or release resources
//	Completed
//
// A failure in any state records the error and jumps to SendingResults.
type openOp struct {
	operationBase

	state openState
	meta  quota.ClientMetadata

	// Owned by the operation until onSuccess moves them to the connection.
	lock       *quota.ClientDirectoryLock
	stream     afero.File
	streamOpen bool

	// reserved is set while (origin, name) is reserved in the registry.
	reserved bool
}

func (op *openOp) Dispatch() error {
	return op.svc.control.Dispatch(op.run)
}

func (op *openOp) run() {
	var err error

	switch op.state {
	case openInitial:
		err = op.open()
	case openFinishOpen:
		err = op.finishOpen()
	case openDatabaseWork:
		err = op.databaseWork()
	case openSendingResults:
		// Shutdown may have started after the last check; a stream opened
		// now would never be asked to close.
		if op.result == nil && op.svc.client.IsShuttingDown() {
			op.maybeSetFailure(ErrAborted)
		}
		op.sendResults()
		return
	default:
		panic("simpledb: open operation run in state " + op.state.String())
	}

	if err == nil || op.state == openSendingResults {
		return
	}

	onIO := op.state == openDatabaseWork
	op.maybeSetFailure(err)
	op.state = openSendingResults

	if onIO {
		op.svc.toControl(op.run)
	} else {
		op.sendResults()
	}
}

func (op *openOp) open() error {
	if op.svc.client.IsShuttingDown() || !op.mayProceed.Load() {
		return ErrAborted
	}

	if !op.svc.enabled() {
		return ErrDisabled
	}

	op.state = openFinishOpen
	return op.svc.control.Dispatch(op.run)
}

func (op *openOp) finishOpen() error {
	if op.svc.client.IsShuttingDown() || op.actorDestroyed {
		return ErrAborted
	}

	c := op.conn

	origin, err := op.svc.resolver.Resolve(c.principal)
	if err != nil {
		return &Error{Kind: KindFailure, Op: "open", Err: err}
	}

	op.meta = quota.ClientMetadata{
		OriginMetadata: quota.OriginMetadata{Origin: origin, Persistence: c.persistence},
		Client:         quota.ClientSDB,
	}

	if op.svc.registry.busy(origin, op.req.Name) {
		op.svc.metrics.RecordBusyRejection()
		return ErrBusy
	}

	op.svc.registry.reserve(origin, op.req.Name)
	op.reserved = true

	op.state = openDirectoryOpenPending

	op.svc.locks.OpenClientDirectory(op.meta).Then(op.svc.control, func(lock *quota.ClientDirectoryLock, err error) {
		if err != nil {
			op.directoryLockFailed(err)
			return
		}
		op.directoryLockAcquired(lock)
	})

	return nil
}

func (op *openOp) directoryLockAcquired(lock *quota.ClientDirectoryLock) {
	if op.state != openDirectoryOpenPending || op.lock != nil {
		panic("simpledb: directory lock delivered in state " + op.state.String())
	}

	op.lock = lock

	if lock.Invalidated() {
		op.fail(ErrAborted)
		return
	}

	if err := op.sendToIOThread(); err != nil {
		op.fail(err)
	}
}

func (op *openOp) directoryLockFailed(err error) {
	if op.state != openDirectoryOpenPending {
		panic("simpledb: directory lock failure delivered in state " + op.state.String())
	}

	logger.Debug("Directory lock request failed",
		logger.KeyConnID, op.conn.id,
		logger.KeyOrigin, op.meta.Origin,
		logger.KeyError, err)

	op.fail(&Error{Kind: KindLockFailure, Op: "open", Err: err})
}

func (op *openOp) fail(err error) {
	op.maybeSetFailure(err)
	op.state = openSendingResults
	op.run()
}

func (op *openOp) sendToIOThread() error {
	if op.svc.client.IsShuttingDown() || op.actorDestroyed {
		return ErrAborted
	}

	op.state = openDatabaseWork
	return op.svc.io.Dispatch(op.run)
}

func (op *openOp) databaseWork() error {
	if op.svc.client.IsShuttingDown() || !op.mayProceed.Load() {
		return ErrAborted
	}

	dir := quota.ClientDirectory(op.meta)
	if err := op.svc.fs.MkdirAll(dir, 0755); err != nil {
		return ioError("open", err)
	}

	file := path.Join(dir, op.req.Name+Suffix)
	stream, err := op.svc.fs.OpenFile(file, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return ioError("open", err)
	}

	op.stream = stream
	op.streamOpen = true

	if err := op.doDatabaseWork(stream); err != nil {
		return err
	}

	op.state = openSendingResults
	op.svc.toControl(op.run)
	return nil
}

// doDatabaseWork holds the I/O executor for the configured warm-up pause.
func (op *openOp) doDatabaseWork(afero.File) error {
	if op.svc.openPause > 0 {
		time.Sleep(op.svc.openPause)
	}
	return nil
}

func (op *openOp) onSuccess() {
	lock, stream := op.lock, op.stream
	op.lock, op.stream, op.streamOpen = nil, nil, false

	op.svc.registry.release(op.meta.Origin, op.req.Name)
	op.reserved = false

	op.conn.onOpen(op.meta.Origin, op.req.Name, lock, stream)
}

// Cleanup releases whatever onSuccess did not take. An open stream means
// the operation failed; it is closed on the I/O executor before the lock
// and the name reservation are let go.
func (op *openOp) Cleanup() {
	var unreserve func()
	if op.reserved {
		origin, name := op.meta.Origin, op.req.Name
		unreserve = func() { op.svc.registry.release(origin, name) }
		op.reserved = false
	}

	if op.stream != nil && op.streamOpen {
		lock, stream := op.lock, op.stream
		op.lock, op.stream, op.streamOpen = nil, nil, false

		op.svc.closeStreamAsync(stream, func() {
			lock.Release()
			if unreserve != nil {
				unreserve()
			}
		})
	} else {
		if op.lock != nil {
			op.lock.Release()
			op.lock = nil
		}
		if unreserve != nil {
			unreserve()
		}
	}

	op.state = openCompleted
	op.operationBase.Cleanup()
}
