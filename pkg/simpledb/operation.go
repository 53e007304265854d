package simpledb

import (
	"sync/atomic"
	"time"

	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/spf13/afero"
)

// operation is one request in flight on a Connection.
//
// Init, Dispatch, Cleanup, response and onSuccess run on the control
// executor; doDatabaseWork runs on the I/O executor. Cleanup runs exactly
// once per operation and always ends by calling the base Cleanup.
type operation interface {
	Init() error
	Dispatch() error
	Cleanup()

	doDatabaseWork(stream afero.File) error
	response() []byte
	onSuccess()

	base() *operationBase
}

// operationBase carries the state shared by every operation. Concrete
// operations embed it and override what they need; self points at the
// concrete operation so shared code reaches the overrides.
type operationBase struct {
	svc  *Service
	conn *Connection
	self operation
	req  Request

	started time.Time

	// result holds the first failure; later failures are dropped.
	result error

	// mayProceed is the only state read off the control executor. It only
	// ever goes from true to false.
	mayProceed atomic.Bool

	actorDestroyed bool
}

func newOperation(c *Connection, req Request) operation {
	var op operation
	switch req.Kind {
	case RequestOpen:
		op = &openOp{}
	case RequestSeek:
		op = &seekOp{}
	case RequestRead:
		op = &readOp{}
	case RequestWrite:
		op = &writeOp{}
	case RequestClose:
		op = &closeOp{}
	default:
		panic("simpledb: unknown request kind " + req.Kind.String())
	}

	b := op.base()
	b.svc = c.svc
	b.conn = c
	b.self = op
	b.req = req
	b.started = time.Now()
	b.mayProceed.Store(true)

	c.svc.pending.Add(1)
	c.svc.metrics.RecordRequestStart(req.Kind.String())

	return op
}

func (b *operationBase) base() *operationBase {
	return b
}

func (b *operationBase) Init() error {
	b.conn.onNewRequest()
	return nil
}

// Dispatch hands the operation to the I/O executor.
func (b *operationBase) Dispatch() error {
	if b.svc.client.IsShuttingDown() || b.actorDestroyed {
		return ErrAborted
	}

	stream := b.conn.stream
	return b.svc.io.Dispatch(func() { b.databaseWork(stream) })
}

func (b *operationBase) databaseWork(stream afero.File) {
	if !b.mayProceed.Load() {
		b.maybeSetFailure(ErrAborted)
	} else if err := b.self.doDatabaseWork(stream); err != nil {
		b.maybeSetFailure(err)
	}

	b.svc.toControl(b.sendResults)
}

func (b *operationBase) doDatabaseWork(afero.File) error {
	return nil
}

func (b *operationBase) response() []byte {
	return nil
}

func (b *operationBase) onSuccess() {}

func (b *operationBase) maybeSetFailure(err error) {
	if b.result == nil {
		b.result = err
	}
}

// sendResults delivers the outcome to the peer and cleans up. The
// acknowledgement goes out before onSuccess so that any notice the success
// path pushes (Closed, AllowToClose) reaches the peer after it.
func (b *operationBase) sendResults() {
	if b.actorDestroyed {
		b.maybeSetFailure(ErrFailure)
	} else {
		reply := Reply{ID: b.req.ID, Kind: b.req.Kind}
		if b.result == nil {
			reply.Data = b.self.response()
			b.conn.peer.SendReply(reply)
			b.self.onSuccess()
		} else {
			reply.Err = b.result
			b.conn.peer.SendReply(reply)
		}
	}

	b.record()
	b.self.Cleanup()
}

func (b *operationBase) record() {
	op := b.req.Kind.String()
	status := "ok"
	if b.result != nil {
		status = KindOf(b.result).String()
		logger.Debug("Request failed",
			logger.KeyConnID, b.conn.id,
			logger.KeyOperation, op,
			logger.KeySeq, b.req.ID,
			logger.KeyError, b.result)
	}

	b.svc.metrics.RecordRequest(op, time.Since(b.started), status)
}

func (b *operationBase) Cleanup() {
	b.conn.onRequestFinished()
	b.conn = nil
	b.svc.metrics.RecordRequestEnd(b.req.Kind.String())
	b.svc.pending.Done()
}

// actorDestroy is called when the peer disconnects with this operation in flight.
func (b *operationBase) actorDestroy() {
	b.mayProceed.Store(false)
	b.actorDestroyed = true
}
