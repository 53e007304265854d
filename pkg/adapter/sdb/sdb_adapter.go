package sdb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittosdb/internal/logger"
	protocol "github.com/marmos91/dittosdb/internal/protocol/sdb"
	"github.com/marmos91/dittosdb/internal/ratelimiter"
	"github.com/marmos91/dittosdb/pkg/metrics"
	"github.com/marmos91/dittosdb/pkg/simpledb"
)

// SDBAdapter serves the SimpleDB wire protocol over TCP.
//
// Every accepted socket gets its own goroutine running SDBConnection.Serve,
// which binds the socket to one simpledb.Connection after the Hello
// handshake. The adapter tracks sockets so shutdown can wait for them and
// force-close stragglers.
//
// Shutdown sequence:
//  1. Serve's context is cancelled or Stop is called
//  2. The listener is closed and shutdownCtx is cancelled, which interrupts
//     reads on every socket
//  3. Each connection disconnects its simpledb.Connection and waits for it
//     to drain (in-flight I/O completes, streams close, locks release)
//  4. After ShutdownTimeout, remaining sockets are force-closed
type SDBAdapter struct {
	config SDBConfig

	svc     *simpledb.Service
	metrics metrics.SDBMetrics

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}

	// activeConns counts serve goroutines.
	activeConns sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     chan struct{}

	connCount atomic.Int32

	// connSemaphore bounds concurrent sockets. Nil means unlimited.
	connSemaphore chan struct{}

	// shutdownCtx is cancelled when shutdown starts. Connections watch it
	// to stop reading.
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	// activeConnections maps remote address to *SDBConnection.
	activeConnections sync.Map
}

// SDBConfig configures the TCP adapter.
type SDBConfig struct {
	// Enabled controls whether the adapter is started.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// BindAddress is the interface to listen on. Empty means all.
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`

	// Port to listen on. Zero asks the OS for a free port.
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`

	// MaxConnections caps concurrent sockets. Zero means unlimited.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" validate:"min=0"`

	// ReadTimeout bounds the Hello handshake.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"min=0"`

	// WriteTimeout bounds writing one message to the socket.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"min=0"`

	// IdleTimeout closes sockets that send nothing for this long. Zero
	// disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"min=0"`

	// ShutdownTimeout is how long shutdown waits before force-closing.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// MetricsLogInterval logs connection counts periodically. Zero disables it.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval" validate:"min=0"`

	// MaxMessageSize caps a single incoming record.
	MaxMessageSize uint32 `mapstructure:"max_message_size" yaml:"max_message_size" validate:"min=0"`

	// OutboundQueue is the number of replies and notifications that may be
	// pending for one socket. A peer that lets it fill is disconnected.
	OutboundQueue int `mapstructure:"outbound_queue" yaml:"outbound_queue" validate:"min=0"`

	// RateLimit throttles requests per socket.
	RateLimit ratelimiter.Config `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// ApplyDefaults fills zero values. Port is left alone: zero is meaningful.
func (c *SDBConfig) ApplyDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if c.OutboundQueue == 0 {
		c.OutboundQueue = 64
	}
}

func (c *SDBConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 0", c.MaxConnections)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return errors.New("invalid timeouts: must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	if c.OutboundQueue < 0 {
		return fmt.Errorf("invalid OutboundQueue %d: must be >= 0", c.OutboundQueue)
	}
	return nil
}

// New creates an adapter. It panics on an invalid config; pkg/config
// validates before this is reached. A nil sdbMetrics disables metrics.
func New(config SDBConfig, sdbMetrics metrics.SDBMetrics) *SDBAdapter {
	config.ApplyDefaults()

	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid SDB config: %v", err))
	}

	var connSemaphore chan struct{}
	if config.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, config.MaxConnections)
	}

	if sdbMetrics == nil {
		sdbMetrics = metrics.NewNoopSDBMetrics()
	}

	shutdownCtx, cancelRequests := context.WithCancel(context.Background())

	return &SDBAdapter{
		config:         config,
		metrics:        sdbMetrics,
		ready:          make(chan struct{}),
		shutdown:       make(chan struct{}),
		connSemaphore:  connSemaphore,
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
	}
}

// SetService implements adapter.Adapter.
func (s *SDBAdapter) SetService(svc *simpledb.Service) {
	s.svc = svc
	logger.Debug("SDB service configured")
}

// Serve listens and accepts connections until ctx is cancelled.
func (s *SDBAdapter) Serve(ctx context.Context) error {
	if s.svc == nil {
		return errors.New("SDB adapter: SetService was not called")
	}

	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create SDB listener on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	logger.Info("SDB server listening",
		logger.KeyPort, s.Port(),
		"max_connections", s.config.MaxConnections,
		"idle_timeout", s.config.IdleTimeout)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("SDB shutdown signal received", logger.KeyError, ctx.Err())
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	if s.config.MetricsLogInterval > 0 {
		go s.logMetrics(ctx)
	}

	for {
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return s.gracefulShutdown()
			}
		}

		tcpConn, err := listener.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}

			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
				logger.Debug("Error accepting SDB connection", logger.KeyError, err)
				continue
			}
		}

		s.activeConns.Add(1)
		s.connCount.Add(1)

		connAddr := tcpConn.RemoteAddr().String()
		conn := NewSDBConnection(s, tcpConn)
		s.activeConnections.Store(connAddr, conn)

		s.metrics.RecordConnectionAccepted()
		current := s.connCount.Load()
		s.metrics.SetActiveConnections(current)

		logger.Debug("SDB connection accepted",
			logger.KeyClientAddr, connAddr,
			logger.KeyCount, current)

		go func(addr string) {
			defer func() {
				s.activeConnections.Delete(addr)

				s.activeConns.Done()
				s.connCount.Add(-1)
				if s.connSemaphore != nil {
					<-s.connSemaphore
				}

				s.metrics.RecordConnectionClosed()
				current := s.connCount.Load()
				s.metrics.SetActiveConnections(current)

				logger.Debug("SDB connection closed",
					logger.KeyClientAddr, addr,
					logger.KeyCount, current)
			}()

			conn.Serve(s.shutdownCtx)
		}(connAddr)
	}
}

// initiateShutdown stops accepting and interrupts every connection. Safe to
// call more than once.
func (s *SDBAdapter) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("SDB shutdown initiated")

		close(s.shutdown)

		s.mu.Lock()
		listener := s.listener
		s.mu.Unlock()

		if listener != nil {
			if err := listener.Close(); err != nil {
				logger.Debug("Error closing SDB listener", logger.KeyError, err)
			}
		}

		s.cancelRequests()
	})
}

func (s *SDBAdapter) waitConnections() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()
	return done
}

// gracefulShutdown waits up to ShutdownTimeout for connections to drain,
// then force-closes the rest.
func (s *SDBAdapter) gracefulShutdown() error {
	logger.Info("SDB graceful shutdown: waiting for active connections",
		logger.KeyCount, s.connCount.Load(),
		"timeout", s.config.ShutdownTimeout)

	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-s.waitConnections():
		logger.Info("SDB graceful shutdown complete")
		return nil

	case <-timer.C:
		remaining := s.connCount.Load()
		logger.Warn("SDB shutdown timeout exceeded, forcing closure",
			logger.KeyCount, remaining,
			"timeout", s.config.ShutdownTimeout)

		s.forceCloseConnections()

		return fmt.Errorf("SDB shutdown timeout: %d connections force-closed", remaining)
	}
}

// forceCloseConnections closes every tracked socket. Their serve loops then
// disconnect from the service and exit.
func (s *SDBAdapter) forceCloseConnections() {
	closed := 0
	s.activeConnections.Range(func(key, value any) bool {
		conn := value.(*SDBConnection)
		conn.closeSocket()
		s.metrics.RecordConnectionForceClosed()
		closed++
		logger.Debug("Force-closed SDB connection", logger.KeyClientAddr, key)
		return true
	})

	if closed > 0 {
		logger.Info("Force-closed SDB connections", logger.KeyCount, closed)
	}
}

// Stop initiates shutdown and waits for connections until ctx is done.
func (s *SDBAdapter) Stop(ctx context.Context) error {
	s.initiateShutdown()

	select {
	case <-s.waitConnections():
		return nil
	case <-ctx.Done():
		logger.Warn("SDB stop: connections still active",
			logger.KeyCount, s.connCount.Load(),
			logger.KeyError, ctx.Err())
		s.forceCloseConnections()
		return ctx.Err()
	}
}

func (s *SDBAdapter) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("SDB metrics",
				"active_connections", s.connCount.Load(),
				"open_databases", s.svc.OpenConnections())
		}
	}
}

// ActiveConnections returns the number of connected sockets.
func (s *SDBAdapter) ActiveConnections() int32 {
	return s.connCount.Load()
}

// Ready is closed once the listener is bound.
func (s *SDBAdapter) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listener address, or nil before Serve binds it.
func (s *SDBAdapter) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound port once listening, else the configured one.
func (s *SDBAdapter) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.config.Port
}

func (s *SDBAdapter) Protocol() string {
	return "SDB"
}
