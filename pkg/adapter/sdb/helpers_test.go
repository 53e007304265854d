package sdb

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/marmos91/dittosdb/pkg/client"
	"github.com/marmos91/dittosdb/pkg/principal"
	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/marmos91/dittosdb/pkg/simpledb"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const (
	testOrigin  = "https://example.com"
	waitTimeout = 5 * time.Second
)

type testServer struct {
	t       *testing.T
	fs      afero.Fs
	mgr     *quota.Manager
	svc     *simpledb.Service
	adapter *SDBAdapter

	cancel context.CancelFunc
	served chan error
}

// startServer runs an adapter on a loopback port over an in-memory
// filesystem.
func startServer(t *testing.T, configure ...func(*SDBConfig)) *testServer {
	t.Helper()

	fs := afero.NewMemMapFs()
	mgr := quota.NewManager(quota.ManagerConfig{Fs: fs, ShutdownPollInterval: time.Millisecond})

	svc, err := simpledb.NewService(simpledb.Options{Fs: fs, Locks: mgr})
	require.NoError(t, err)
	mgr.RegisterClient(svc.Client())

	cfg := SDBConfig{
		BindAddress:     "127.0.0.1",
		ShutdownTimeout: 2 * time.Second,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	adapter := New(cfg, nil)
	adapter.SetService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		t:       t,
		fs:      fs,
		mgr:     mgr,
		svc:     svc,
		adapter: adapter,
		cancel:  cancel,
		served:  make(chan error, 1),
	}

	go func() { ts.served <- adapter.Serve(ctx) }()

	select {
	case <-adapter.Ready():
	case err := <-ts.served:
		t.Fatalf("adapter failed to start: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("adapter did not start")
	}

	t.Cleanup(ts.stop)
	return ts
}

// stop shuts the adapter down and then the service. Safe to call twice.
func (ts *testServer) stop() {
	ts.cancel()

	select {
	case <-ts.served:
	case <-time.After(waitTimeout):
		ts.t.Error("adapter did not stop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_ = ts.svc.Close(ctx)
}

func (ts *testServer) addr() string {
	return ts.adapter.Addr().String()
}

func (ts *testServer) dial(p principal.Principal) *client.Client {
	ts.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	c, err := client.Dial(ctx, ts.addr(), client.Options{
		Persistence: quota.PersistenceTypePersistent,
		Principal:   p,
	})
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// rawConn opens a socket without the handshake.
func (ts *testServer) rawConn() net.Conn {
	ts.t.Helper()

	conn, err := net.DialTimeout("tcp", ts.addr(), waitTimeout)
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(waitTimeout))
	return conn
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}
