package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/marmos91/dittosdb/pkg/adapter"
	"github.com/marmos91/dittosdb/pkg/gc"
	"github.com/marmos91/dittosdb/pkg/metrics"
	"github.com/marmos91/dittosdb/pkg/principal"
	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/marmos91/dittosdb/pkg/simpledb"
)

// Options configures a DittoServer.
type Options struct {
	// StorageEnabled is the initial state of the storage switch.
	StorageEnabled bool

	// MaxReadSize and OpenPause are passed to the storage service.
	MaxReadSize uint64
	OpenPause   time.Duration

	// Resolver maps principals to origins. Defaults to principal.DefaultResolver.
	Resolver principal.Resolver

	// Metrics is shared by the storage service and the adapters.
	Metrics metrics.SDBMetrics

	// Admin configures the admin HTTP server. Routes is replaced.
	Admin metrics.ServerConfig

	// Usage is closed once everything else has stopped. Optional.
	Usage quota.UsageStore

	// GC configures the usage ledger collector. It runs only while Serve
	// does; POST /usage/gc triggers a run regardless of GC.Enabled.
	GC gc.Config

	// ShutdownTimeout bounds the whole shutdown sequence. Defaults to 30s.
	ShutdownTimeout time.Duration
}

// DittoServer manages the lifecycle of the storage service and the protocol
// adapters in front of it.
//
// Lifecycle:
//  1. Creation: New() with a quota manager; the storage service is created
//     and registered with it
//  2. Registration: AddAdapter() for each protocol
//  3. Startup: Serve() starts the admin server, the usage collector and
//     all adapters
//  4. Shutdown: cancelling the context stops the adapters, drives the quota
//     manager through storage shutdown, then closes the service
//
// Serve must only be called once.
type DittoServer struct {
	quota    *quota.Manager
	svc      *simpledb.Service
	resolver principal.Resolver
	usage    quota.UsageStore
	gc       *gc.Collector
	admin    *metrics.Server

	shutdownTimeout time.Duration
	storageEnabled  atomic.Bool

	mu       sync.RWMutex
	adapters []adapter.Adapter
	served   bool
}

// New creates the storage service on the quota manager's filesystem and
// registers its client with the manager.
func New(mgr *quota.Manager, opts Options) (*DittoServer, error) {
	if mgr == nil {
		panic("quota manager cannot be nil")
	}
	if opts.Resolver == nil {
		opts.Resolver = principal.DefaultResolver{}
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	s := &DittoServer{
		quota:           mgr,
		resolver:        opts.Resolver,
		usage:           opts.Usage,
		gc:              gc.NewCollector(mgr, opts.GC),
		shutdownTimeout: opts.ShutdownTimeout,
		adapters:        make([]adapter.Adapter, 0, 1),
	}
	s.storageEnabled.Store(opts.StorageEnabled)

	svc, err := simpledb.NewService(simpledb.Options{
		Fs:          mgr.Fs(),
		Locks:       mgr,
		Resolver:    opts.Resolver,
		Enabled:     s.storageEnabled.Load,
		MaxReadSize: opts.MaxReadSize,
		OpenPause:   opts.OpenPause,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage service: %w", err)
	}
	s.svc = svc
	mgr.RegisterClient(svc.Client())

	adminCfg := opts.Admin
	adminCfg.Routes = s.mountAdmin
	s.admin = metrics.NewServer(adminCfg)

	return s, nil
}

// Service returns the storage service adapters are bound to.
func (s *DittoServer) Service() *simpledb.Service {
	return s.svc
}

// Admin returns the admin HTTP server.
func (s *DittoServer) Admin() *metrics.Server {
	return s.admin
}

// StorageEnabled reports the storage switch.
func (s *DittoServer) StorageEnabled() bool {
	return s.storageEnabled.Load()
}

// SetStorageEnabled flips the storage switch. Opens fail with "disabled"
// while it is off; already open streams are unaffected.
func (s *DittoServer) SetStorageEnabled(enabled bool) {
	if s.storageEnabled.Swap(enabled) != enabled {
		logger.Info("Storage switch changed", "enabled", enabled)
	}
}

// AddAdapter registers a protocol adapter and binds it to the storage
// service. Duplicate protocols and port conflicts are rejected.
//
// Panics if a is nil or Serve() has already been called.
func (s *DittoServer) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add adapter after Serve() has been called")
	}

	protocol := a.Protocol()
	port := a.Port()

	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		// Port 0 asks the OS for a free port, so it never conflicts.
		if port != 0 && existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}

	a.SetService(s.svc)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered adapter", logger.KeyProtocol, protocol, logger.KeyPort, port)
	return nil
}

// Adapters returns a snapshot of the registered adapters.
func (s *DittoServer) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}

// adapterError pairs a component name with its failure.
type adapterError struct {
	protocol string
	err      error
}

// Serve starts the admin server and every adapter, and blocks until ctx is
// cancelled or one of them fails. Either way the whole server is shut down
// before Serve returns.
//
// Returns ctx.Err() after a cancellation, the failure that triggered the
// shutdown otherwise, joined with any error from the shutdown itself.
func (s *DittoServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("server: Serve() has already been called")
	}
	s.served = true
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	s.mu.Unlock()

	if len(adapters) == 0 {
		return errors.New("server: no adapters registered; call AddAdapter() before Serve()")
	}

	logger.Info("Starting DittoSDB", "adapters", len(adapters))

	errChan := make(chan adapterError, len(adapters)+1)

	// The admin server outlives the adapters so shutdown progress stays
	// observable.
	adminCtx, stopAdmin := context.WithCancel(context.Background())
	defer stopAdmin()
	adminDone := make(chan struct{})
	go func() {
		defer close(adminDone)
		if err := s.admin.Start(adminCtx); err != nil {
			errChan <- adapterError{protocol: "admin", err: err}
		}
	}()

	var wg sync.WaitGroup
	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			if err := a.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Adapter failed", logger.KeyProtocol, a.Protocol(), logger.KeyError, err)
				errChan <- adapterError{protocol: a.Protocol(), err: err}
				return
			}
			logger.Debug("Adapter stopped", logger.KeyProtocol, a.Protocol())
		}(adp)
	}

	s.gc.Start()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", "reason", ctx.Err())
		serveErr = ctx.Err()
	case failed := <-errChan:
		logger.Error("Initiating shutdown after failure", logger.KeyComponent, failed.protocol, logger.KeyError, failed.err)
		serveErr = fmt.Errorf("%s error: %w", failed.protocol, failed.err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	shutdownErr := s.shutdown(shutdownCtx, adapters, &wg)

	stopAdmin()
	<-adminDone

	if s.usage != nil {
		if err := s.usage.Close(); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("close usage store: %w", err))
		}
	}

	logger.Info("DittoSDB stopped")
	return errors.Join(serveErr, shutdownErr)
}

// shutdown stops the collector and the adapters, then waits for the
// adapters' Serve calls to return, which happens once every connection has
// disconnected from the service. The quota manager then drives the storage
// client through shutdown and the service's executors are stopped.
func (s *DittoServer) shutdown(ctx context.Context, adapters []adapter.Adapter, wg *sync.WaitGroup) error {
	var errs []error

	if err := s.gc.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop usage collector: %w", err))
	}

	s.stopAllAdapters(ctx, adapters)

	served := make(chan struct{})
	go func() {
		wg.Wait()
		close(served)
	}()
	select {
	case <-served:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for adapters: %w", ctx.Err()))
	}

	if err := s.quota.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := s.svc.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// stopAllAdapters stops adapters in reverse registration order.
func (s *DittoServer) stopAllAdapters(ctx context.Context, adapters []adapter.Adapter) {
	logger.Info("Stopping adapters", logger.KeyCount, len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping adapter", logger.KeyProtocol, adp.Protocol(), logger.KeyError, err)
		}
	}
}
