// Package client speaks the SimpleDB wire protocol to a dittosdb server.
//
// A Client is one connection: it sends a Hello when dialed and then
// carries at most one open database at a time. Requests are serialized by
// the server; issuing a second one before the first returns is a protocol
// violation and gets the connection dropped.
//
//	c, err := client.Dial(ctx, "localhost:4242", client.Options{
//		Persistence: quota.PersistenceTypeDefault,
//		Principal:   principal.Content("https://example.com"),
//	})
//	if err != nil { ... }
//	defer c.Disconnect()
//
//	if err := c.Open(ctx, "notes"); err != nil { ... }
//	if err := c.Write(ctx, []byte("hello")); err != nil { ... }
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittosdb/internal/logger"
	protocol "github.com/marmos91/dittosdb/internal/protocol/sdb"
	"github.com/marmos91/dittosdb/pkg/principal"
	"github.com/marmos91/dittosdb/pkg/quota"
)

// ErrDisconnected is returned for requests on a connection that is gone.
var ErrDisconnected = errors.New("client: disconnected")

// ErrAllowedToClose is returned for requests issued after the server sent
// AllowToClose. The server drops connections that keep talking, so the
// request is refused locally. It wraps ErrDisconnected.
var ErrAllowedToClose = fmt.Errorf("%w: server asked the client to close", ErrDisconnected)

// Options configures Dial.
type Options struct {
	Persistence quota.PersistenceType
	Principal   principal.Principal

	// MaxMessageSize caps incoming records. Zero means the protocol default.
	MaxMessageSize uint32

	// DialTimeout bounds connecting. Zero means no limit beyond ctx.
	DialTimeout time.Duration
}

// Client is a connection to a dittosdb server. Methods are safe for
// concurrent use, but the server accepts one request at a time.
type Client struct {
	conn    net.Conn
	maxSize uint32

	writeMu sync.Mutex
	seq     atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan *protocol.Response
	err     error

	// The server sends each of these at most once per connection, and
	// accepts no Open after AllowToClose, so they are never re-armed.
	allowToClose signal
	closed       signal
	deleted      signal

	done chan struct{}
}

// signal is a channel closed at most once.
type signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() signal {
	return signal{ch: make(chan struct{})}
}

func (s *signal) fire() {
	s.once.Do(func() { close(s.ch) })
}

func (s *signal) fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Dial connects to addr and completes the Hello handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = protocol.DefaultMaxMessageSize
	}

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		conn:         conn,
		maxSize:      opts.MaxMessageSize,
		pending:      make(map[uint32]chan *protocol.Response),
		allowToClose: newSignal(),
		closed:       newSignal(),
		deleted:      newSignal(),
		done:         make(chan struct{}),
	}
	go c.readLoop()

	hello := &protocol.Hello{
		Persistence:   uint32(opts.Persistence),
		PrincipalKind: uint32(opts.Principal.Kind),
		Origin:        opts.Principal.Origin,
	}
	if _, err := c.call(ctx, protocol.KindHello, hello); err != nil {
		_ = c.Disconnect()
		return nil, fmt.Errorf("hello: %w", err)
	}

	return c, nil
}

// Open opens (creating if needed) the named database.
func (c *Client) Open(ctx context.Context, name string) error {
	_, err := c.call(ctx, protocol.KindOpen, &protocol.Open{Name: name})
	return err
}

// Seek moves the cursor to an absolute offset.
func (c *Client) Seek(ctx context.Context, offset uint64) error {
	_, err := c.call(ctx, protocol.KindSeek, &protocol.Seek{Offset: offset})
	return err
}

// Read reads up to size bytes at the cursor. A short result means end of
// file.
func (c *Client) Read(ctx context.Context, size uint64) ([]byte, error) {
	resp, err := c.call(ctx, protocol.KindRead, &protocol.Read{Size: size})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Write writes data at the cursor.
func (c *Client) Write(ctx context.Context, data []byte) error {
	_, err := c.call(ctx, protocol.KindWrite, &protocol.Write{Data: data})
	return err
}

// Close closes the open database. The connection stays usable.
func (c *Client) Close(ctx context.Context) error {
	_, err := c.call(ctx, protocol.KindClose, nil)
	return err
}

// Delete asks the server to tear the connection down and waits for the
// acknowledgement.
func (c *Client) Delete(ctx context.Context) error {
	if err := c.send(protocol.KindDeleteMe, c.seq.Add(1), nil); err != nil {
		return err
	}

	select {
	case <-c.deleted.ch:
		return nil
	case <-c.done:
		select {
		case <-c.deleted.ch:
			return nil
		default:
			return c.doneErr()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AllowToClose is closed when the server asks the client to stop issuing
// requests. It fires at most once per connection; every later request
// fails with ErrAllowedToClose. Dial a new Client to open again.
func (c *Client) AllowToClose() <-chan struct{} {
	return c.allowToClose.ch
}

// Closed is closed when the server has released the database after an
// AllowToClose. Like AllowToClose it fires at most once.
func (c *Client) Closed() <-chan struct{} {
	return c.closed.ch
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Disconnect closes the socket and waits for the reader to exit.
func (c *Client) Disconnect() error {
	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) call(ctx context.Context, kind protocol.MessageKind, body any) (*protocol.Response, error) {
	if c.allowToClose.fired() {
		return nil, ErrAllowedToClose
	}

	seq := c.seq.Add(1)
	ch := make(chan *protocol.Response, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.pending[seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.send(kind, seq, body); err != nil {
		return nil, err
	}

	var resp *protocol.Response
	select {
	case resp = <-ch:
	case <-c.done:
		select {
		case resp = <-ch:
		default:
			return nil, c.doneErr()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if resp.Request != uint32(kind) {
		return nil, fmt.Errorf("%w: response for %s to a %s request",
			protocol.ErrMalformed, protocol.MessageKind(resp.Request), kind)
	}
	if err := protocol.Status(resp.Status).Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return resp, nil
}

func (c *Client) send(kind protocol.MessageKind, seq uint32, body any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := protocol.WriteMessage(c.conn, kind, seq, body); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		msg, err := protocol.ReadMessage(c.conn, c.maxSize)
		if err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %v", ErrDisconnected, err)
			c.mu.Unlock()
			return
		}

		switch body := msg.Body.(type) {
		case *protocol.Response:
			c.mu.Lock()
			ch, ok := c.pending[msg.Seq]
			c.mu.Unlock()
			if ok {
				ch <- body
			} else {
				logger.Debug("Unsolicited response", logger.KeySeq, msg.Seq)
			}
		case *protocol.AllowToClose:
			c.allowToClose.fire()
		case *protocol.Closed:
			c.closed.fire()
		case *protocol.Deleted:
			c.deleted.fire()
		default:
			logger.Debug("Ignoring server message", logger.KeyOperation, msg.Kind().String())
		}
	}
}

func (c *Client) doneErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrDisconnected
}
