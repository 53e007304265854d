// Package simpledb implements the server side of a simple per-origin
// database: a client opens a named byte stream inside its origin's storage
// directory and then seeks, reads, writes and closes it, one request at a
// time.
//
// Two executors divide the work. The control executor owns every
// Connection and operation and is the only place their state changes. The
// I/O executor is the only place blocking filesystem calls happen.
// Operations hop between the two by posting tasks.
package simpledb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/marmos91/dittosdb/pkg/metrics"
	"github.com/marmos91/dittosdb/pkg/principal"
	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/spf13/afero"
)

const (
	// Suffix is appended to the client-supplied name to form the file name.
	Suffix = ".sdb"

	// DefaultMaxReadSize caps a single Read unless Options says otherwise.
	DefaultMaxReadSize = 64 << 20
)

// LockManager grants client directory locks. *quota.Manager implements it.
type LockManager interface {
	OpenClientDirectory(meta quota.ClientMetadata) *quota.Promise
}

// Options configures a Service.
type Options struct {
	// Fs is the storage root shared with the quota manager. Required.
	Fs afero.Fs

	// Locks grants directory locks. Required.
	Locks LockManager

	// Resolver maps principals to origins. Defaults to principal.DefaultResolver.
	Resolver principal.Resolver

	// Enabled is the storage switch, consulted on every Open. Nil means enabled.
	Enabled func() bool

	// MaxReadSize caps a single Read request. Zero means DefaultMaxReadSize.
	// Values above math.MaxInt are clamped.
	MaxReadSize uint64

	// OpenPause holds the I/O executor after each file open. Testing only.
	OpenPause time.Duration

	// Metrics receives request metrics. Nil disables collection.
	Metrics metrics.SDBMetrics
}

// Service runs the storage core: the two executors, the registry of open
// connections, and the StorageClient the quota manager talks to.
type Service struct {
	fs          afero.Fs
	locks       LockManager
	resolver    principal.Resolver
	enabled     func() bool
	maxReadSize uint64
	openPause   time.Duration
	metrics     metrics.SDBMetrics

	control *Executor
	io      *Executor

	registry *ConnectionRegistry
	client   *StorageClient

	// pending counts operations and stream closes that have not finished.
	pending sync.WaitGroup

	// live counts connections that have not finished draining.
	live sync.WaitGroup

	closeOnce sync.Once
}

// NewService validates opts and starts the executors.
func NewService(opts Options) (*Service, error) {
	if opts.Fs == nil {
		return nil, errors.New("simpledb: Options.Fs is required")
	}
	if opts.Locks == nil {
		return nil, errors.New("simpledb: Options.Locks is required")
	}
	if opts.Resolver == nil {
		opts.Resolver = principal.DefaultResolver{}
	}
	if opts.Enabled == nil {
		opts.Enabled = func() bool { return true }
	}
	if opts.MaxReadSize == 0 {
		opts.MaxReadSize = DefaultMaxReadSize
	}
	if opts.MaxReadSize > math.MaxInt {
		opts.MaxReadSize = math.MaxInt
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopSDBMetrics()
	}

	s := &Service{
		fs:          opts.Fs,
		locks:       opts.Locks,
		resolver:    opts.Resolver,
		enabled:     opts.Enabled,
		maxReadSize: opts.MaxReadSize,
		openPause:   opts.OpenPause,
		metrics:     opts.Metrics,
		control:     NewExecutor("sdb-control"),
		io:          NewExecutor("sdb-io"),
		registry:    NewConnectionRegistry(),
	}
	s.client = &StorageClient{svc: s}

	return s, nil
}

// Client returns the StorageClient to register with the quota manager.
func (s *Service) Client() *StorageClient {
	return s.client
}

// OpenConnections returns the number of connections with an open stream.
func (s *Service) OpenConnections() int {
	return s.registry.Len()
}

// NewConnection creates a connection for a peer. It fails while the
// storage client is shutting down and for invalid persistence types or
// principals; the peer should be disconnected in that case.
func (s *Service) NewConnection(persistence quota.PersistenceType, p principal.Principal, peer Peer) (*Connection, error) {
	if s.client.IsShuttingDown() {
		return nil, ErrShuttingDown
	}
	if !persistence.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPersistence, uint32(persistence))
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrincipal, err)
	}

	c := &Connection{
		svc:         s,
		id:          uuid.NewString(),
		peer:        peer,
		persistence: persistence,
		principal:   p,
		done:        make(chan struct{}),
	}
	s.live.Add(1)

	logger.Debug("Connection created",
		logger.KeyConnID, c.id,
		logger.KeyPersistence, persistence.String(),
		"principal", p.String())

	return c, nil
}

// Submit queues req on c. If the request breaks protocol, onReject is
// called on the control executor with the reason and nothing runs; the
// caller is expected to disconnect the peer.
func (s *Service) Submit(c *Connection, req Request, onReject func(error)) error {
	return s.control.Dispatch(func() {
		if err := c.handleRequest(req); err != nil {
			logger.Warn("Rejected request",
				logger.KeyConnID, c.id,
				logger.KeyOperation, req.Kind.String(),
				logger.KeySeq, req.ID,
				logger.KeyError, err)
			if onReject != nil {
				onReject(err)
			}
		}
	})
}

// Disconnect tells c its peer is gone. Any in-flight result is dropped and
// the connection drains; Done is closed when it has.
func (s *Service) Disconnect(c *Connection) error {
	return s.control.Dispatch(c.actorDestroy)
}

// DeleteMe acknowledges a peer's request to delete c, then disconnects it.
func (s *Service) DeleteMe(c *Connection) error {
	return s.control.Dispatch(c.deleteMe)
}

// AllowToClose asks c to wind down as if its directory lock were revoked.
func (s *Service) AllowToClose(c *Connection) error {
	return s.control.Dispatch(c.AllowToClose)
}

// Close waits for every connection and operation to drain, then stops the
// executors. Connections must have been disconnected first. If ctx expires
// the executors are stopped anyway and the context error is returned.
func (s *Service) Close(ctx context.Context) error {
	var err error

	s.closeOnce.Do(func() {
		drained := make(chan struct{})
		go func() {
			s.live.Wait()
			s.pending.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-ctx.Done():
			err = fmt.Errorf("simpledb: waiting for connections to drain: %w", ctx.Err())
			logger.Warn("Stopping executors with work outstanding", logger.KeyError, err)
		}

		s.control.Close()
		s.io.Close()
	})

	return err
}

func (s *Service) toControl(task func()) {
	if err := s.control.Dispatch(task); err != nil {
		logger.Error("Lost control task", logger.KeyError, err)
	}
}

func (s *Service) connectionFinished(c *Connection) {
	logger.Debug("Connection finished", logger.KeyConnID, c.id)
	s.live.Done()
}
