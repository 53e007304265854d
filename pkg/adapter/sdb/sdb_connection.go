package sdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marmos91/dittosdb/internal/logger"
	protocol "github.com/marmos91/dittosdb/internal/protocol/sdb"
	"github.com/marmos91/dittosdb/internal/ratelimiter"
	"github.com/marmos91/dittosdb/pkg/principal"
	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/marmos91/dittosdb/pkg/simpledb"
)

// errQueueFull is logged when a peer stops reading its replies.
var errQueueFull = errors.New("outbound queue full")

// outbound is one message waiting for the writer goroutine.
type outbound struct {
	kind protocol.MessageKind
	seq  uint32
	body any

	// closeAfter closes the socket once the message is written.
	closeAfter bool
}

// SDBConnection serves one socket. The reading side runs in Serve; a
// writer goroutine owns all socket writes so that the peer callbacks,
// which run on the service's control executor, never block.
type SDBConnection struct {
	server  *SDBAdapter
	conn    net.Conn
	addr    string
	limiter *ratelimiter.RateLimiter

	db *simpledb.Connection

	out        chan outbound
	quit       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func NewSDBConnection(server *SDBAdapter, conn net.Conn) *SDBConnection {
	return &SDBConnection{
		server:     server,
		conn:       conn,
		addr:       conn.RemoteAddr().String(),
		limiter:    ratelimiter.New(server.config.RateLimit),
		out:        make(chan outbound, server.config.OutboundQueue),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Serve runs the connection until the peer leaves, breaks protocol, or
// ctx is cancelled. It returns only after the simpledb.Connection has
// drained, so no lock or stream outlives the socket.
func (c *SDBConnection) Serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in SDB connection handler",
				logger.KeyClientAddr, c.addr,
				"panic", r)
		}
		c.closeSocket()
	}()

	go c.writeLoop()
	defer c.stopWriter()

	// Unblock the reader when shutdown starts.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if !c.handshake() {
		return
	}
	defer c.disconnect()

	for {
		if ctx.Err() != nil {
			logger.Debug("SDB connection closed due to shutdown", logger.KeyClientAddr, c.addr)
			return
		}

		if c.server.config.IdleTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.server.config.IdleTimeout)); err != nil {
				logger.Warn("Failed to set read deadline", logger.KeyClientAddr, c.addr, logger.KeyError, err)
			}
		} else if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		msg, err := protocol.ReadMessage(c.conn, c.server.config.MaxMessageSize)
		if err != nil {
			c.logReadError(err)
			return
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		if err := c.handleMessage(msg); err != nil {
			if errors.Is(err, simpledb.ErrProtocolViolation) {
				c.protocolViolation(err)
			} else {
				logger.Warn("SDB request not delivered", logger.KeyClientAddr, c.addr, logger.KeyError, err)
			}
			return
		}
	}
}

// handshake reads the Hello message and binds a simpledb.Connection.
func (c *SDBConnection) handshake() bool {
	if c.server.config.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.server.config.ReadTimeout)); err != nil {
			return false
		}
	}

	msg, err := protocol.ReadMessage(c.conn, c.server.config.MaxMessageSize)
	if err != nil {
		c.logReadError(err)
		return false
	}

	hello, ok := msg.Body.(*protocol.Hello)
	if !ok {
		c.protocolViolation(fmt.Errorf("expected hello, got %s", msg.Kind()))
		return false
	}

	p := principal.Principal{Kind: principal.Kind(hello.PrincipalKind), Origin: hello.Origin}
	db, err := c.server.svc.NewConnection(quota.PersistenceType(hello.Persistence), p, c)
	if err != nil {
		logger.Info("SDB hello rejected",
			logger.KeyClientAddr, c.addr,
			logger.KeyError, err)
		c.enqueue(outbound{
			kind:       protocol.KindResponse,
			seq:        msg.Seq,
			body:       &protocol.Response{Request: uint32(protocol.KindHello), Status: uint32(protocol.StatusOf(err))},
			closeAfter: true,
		})
		return false
	}
	c.db = db

	logger.Debug("SDB hello accepted",
		logger.KeyClientAddr, c.addr,
		logger.KeyConnID, db.ID(),
		logger.KeyPersistence, db.Persistence().String(),
		"principal", p.String())

	c.enqueue(outbound{
		kind: protocol.KindResponse,
		seq:  msg.Seq,
		body: &protocol.Response{Request: uint32(protocol.KindHello), Status: uint32(protocol.StatusOK)},
	})
	return true
}

func (c *SDBConnection) handleMessage(msg protocol.Message) error {
	if msg.Kind() == protocol.KindDeleteMe {
		return c.server.svc.DeleteMe(c.db)
	}

	req, ok := protocol.ToRequest(msg)
	if !ok {
		return fmt.Errorf("%w: unexpected %s", simpledb.ErrProtocolViolation, msg.Kind())
	}

	return c.server.svc.Submit(c.db, req, c.protocolViolation)
}

// protocolViolation drops the peer. It may run on the control executor.
func (c *SDBConnection) protocolViolation(err error) {
	c.server.metrics.RecordProtocolViolation()
	logger.Warn("SDB protocol violation, closing connection",
		logger.KeyClientAddr, c.addr,
		logger.KeyError, err)
	c.closeSocket()
}

// disconnect tells the service the peer is gone and waits for the
// connection to release everything it holds.
func (c *SDBConnection) disconnect() {
	if err := c.server.svc.Disconnect(c.db); err != nil {
		logger.Warn("SDB disconnect not delivered",
			logger.KeyConnID, c.db.ID(),
			logger.KeyError, err)
		return
	}
	<-c.db.Done()
}

func (c *SDBConnection) logReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		logger.Debug("SDB connection closed by peer", logger.KeyClientAddr, c.addr)
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Debug("SDB connection timed out", logger.KeyClientAddr, c.addr)
	case errors.Is(err, protocol.ErrMalformed),
		errors.Is(err, protocol.ErrUnknownKind),
		errors.Is(err, protocol.ErrRecordTooLarge):
		c.protocolViolation(err)
	default:
		logger.Debug("Error reading SDB message", logger.KeyClientAddr, c.addr, logger.KeyError, err)
	}
}

// ============================================================================
// Outbound path
// ============================================================================

// enqueue hands m to the writer without blocking. A full queue means the
// peer is not reading; it is disconnected.
func (c *SDBConnection) enqueue(m outbound) {
	select {
	case c.out <- m:
	default:
		logger.Warn("Dropping SDB connection",
			logger.KeyClientAddr, c.addr,
			logger.KeyError, errQueueFull)
		c.closeSocket()
	}
}

func (c *SDBConnection) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case m := <-c.out:
			if !c.write(m) {
				return
			}
		case <-c.quit:
			for {
				select {
				case m := <-c.out:
					if !c.write(m) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// write sends one message. It returns false once the socket is unusable.
func (c *SDBConnection) write(m outbound) bool {
	if c.server.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
	}

	if err := protocol.WriteMessage(c.conn, m.kind, m.seq, m.body); err != nil {
		logger.Debug("Error writing SDB message",
			logger.KeyClientAddr, c.addr,
			logger.KeyOperation, m.kind.String(),
			logger.KeyError, err)
		c.closeSocket()
		return false
	}

	if m.closeAfter {
		c.closeSocket()
		return false
	}
	return true
}

// stopWriter flushes what is queued and waits for the writer to exit.
func (c *SDBConnection) stopWriter() {
	close(c.quit)
	<-c.writerDone
}

func (c *SDBConnection) closeSocket() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// ============================================================================
// simpledb.Peer
// ============================================================================

func (c *SDBConnection) SendReply(reply simpledb.Reply) {
	c.enqueue(outbound{
		kind: protocol.KindResponse,
		seq:  reply.ID,
		body: protocol.FromReply(reply),
	})
}

func (c *SDBConnection) SendAllowToClose() {
	c.enqueue(outbound{kind: protocol.KindAllowToClose})
}

func (c *SDBConnection) SendClosed() {
	c.enqueue(outbound{kind: protocol.KindClosed})
}

func (c *SDBConnection) SendDeleted() {
	c.enqueue(outbound{kind: protocol.KindDeleted, closeAfter: true})
}
