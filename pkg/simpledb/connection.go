package simpledb

import (
	"strings"

	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/marmos91/dittosdb/pkg/principal"
	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/spf13/afero"
)

// Connection is one client's session with the storage service. It owns at
// most one open stream together with the directory lock that protects it,
// and runs at most one request at a time.
//
// All fields are owned by the control executor. Methods without an
// exported wrapper on Service must only be called from there.
type Connection struct {
	svc  *Service
	id   string
	peer Peer

	persistence quota.PersistenceType
	principal   principal.Principal

	// Set while open.
	origin string
	name   string
	lock   *quota.ClientDirectoryLock
	stream afero.File

	current operation

	runningRequest bool
	open           bool
	closing        bool
	allowedToClose bool
	destroyed      bool
	finished       bool

	done chan struct{}
}

// ID is a unique identifier for logs.
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Persistence() quota.PersistenceType {
	return c.persistence
}

func (c *Connection) Principal() principal.Principal {
	return c.principal
}

// Done is closed once the peer is gone and every resource the connection
// held has been released.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ============================================================================
// Request lifecycle
// ============================================================================

func (c *Connection) onNewRequest() {
	if c.runningRequest {
		panic("simpledb: request started while another is running")
	}
	c.runningRequest = true
}

func (c *Connection) onRequestFinished() {
	if !c.runningRequest {
		panic("simpledb: request finished while none was running")
	}
	c.runningRequest = false
	c.current = nil

	c.maybeCloseStream()
	c.maybeFinish()
}

// onOpen takes ownership of a freshly opened stream and its lock.
func (c *Connection) onOpen(origin, name string, lock *quota.ClientDirectoryLock, stream afero.File) {
	if c.open || c.lock != nil || c.stream != nil {
		panic("simpledb: connection opened twice")
	}

	c.origin = origin
	c.name = name
	c.lock = lock
	c.stream = stream
	c.open = true

	c.svc.registry.add(c)
	c.svc.metrics.SetOpenConnections(c.svc.registry.Len())

	logger.Debug("Connection opened",
		logger.KeyConnID, c.id,
		logger.KeyOrigin, origin,
		logger.KeyName, name,
		logger.KeyLockID, lock.ID())

	if lock.Invalidated() {
		c.AllowToClose()
	}
}

// onClose releases the stream and lock. The stream must already be closed.
func (c *Connection) onClose() {
	if !c.open || c.lock == nil || c.stream == nil {
		panic("simpledb: closing a connection that is not open")
	}

	logger.Debug("Connection closed",
		logger.KeyConnID, c.id,
		logger.KeyOrigin, c.origin,
		logger.KeyName, c.name)

	c.origin = ""
	c.name = ""
	c.lock.Release()
	c.lock = nil
	c.stream = nil
	c.open = false
	c.closing = false

	c.svc.registry.remove(c)
	c.svc.metrics.SetOpenConnections(c.svc.registry.Len())

	if c.allowedToClose && !c.destroyed {
		c.peer.SendClosed()
	}

	c.maybeFinish()
}

// AllowToClose asks the client to stop issuing requests and closes the
// stream as soon as no request is running. Idempotent.
func (c *Connection) AllowToClose() {
	if c.allowedToClose {
		return
	}
	c.allowedToClose = true

	if !c.destroyed {
		c.peer.SendAllowToClose()
	}

	c.maybeCloseStream()
}

func (c *Connection) maybeCloseStream() {
	if c.runningRequest || !c.open || !c.allowedToClose || c.closing {
		return
	}
	c.closing = true
	c.svc.closeStreamAsync(c.stream, c.onClose)
}

func (c *Connection) maybeFinish() {
	if c.finished || !c.destroyed || c.runningRequest || c.open {
		return
	}
	c.finished = true
	close(c.done)
	c.svc.connectionFinished(c)
}

// ============================================================================
// Peer events
// ============================================================================

// verifyRequestParams rejects requests that do not fit the connection state.
func (c *Connection) verifyRequestParams(req Request) bool {
	switch req.Kind {
	case RequestOpen:
		return !c.open && validName(req.Name)
	case RequestSeek, RequestRead, RequestWrite, RequestClose:
		return c.open
	default:
		return false
	}
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\\\x00")
}

// handleRequest constructs, initializes and dispatches the operation for
// req. An error means the peer broke protocol and must be disconnected;
// nothing was started.
func (c *Connection) handleRequest(req Request) error {
	if c.destroyed {
		return ErrConnectionGone
	}
	if req.Kind == RequestOpen && c.svc.client.IsShuttingDown() {
		return ErrShuttingDown
	}
	if c.allowedToClose {
		return ErrNotAllowed
	}
	if !c.verifyRequestParams(req) {
		return ErrInvalidRequest
	}
	if c.runningRequest {
		return ErrRequestRunning
	}

	op := newOperation(c, req)
	c.current = op

	if err := op.Init(); err != nil {
		op.Cleanup()
		return err
	}

	if err := op.Dispatch(); err != nil {
		op.Cleanup()
		return err
	}

	return nil
}

// actorDestroy records that the peer is gone and drains the connection.
func (c *Connection) actorDestroy() {
	if c.destroyed {
		return
	}

	if c.current != nil {
		c.current.base().actorDestroy()
	}

	c.destroyed = true
	c.AllowToClose()
	c.maybeFinish()
}

// deleteMe acknowledges a client's request to tear the connection down.
func (c *Connection) deleteMe() {
	if c.destroyed {
		return
	}
	c.peer.SendDeleted()
	c.actorDestroy()
}
