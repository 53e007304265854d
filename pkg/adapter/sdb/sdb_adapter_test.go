package sdb

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	protocol "github.com/marmos91/dittosdb/internal/protocol/sdb"
	"github.com/marmos91/dittosdb/pkg/client"
	"github.com/marmos91/dittosdb/pkg/principal"
	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/marmos91/dittosdb/pkg/simpledb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSDBConfig_Defaults(t *testing.T) {
	cfg := SDBConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, 0, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, uint32(protocol.DefaultMaxMessageSize), cfg.MaxMessageSize)
	assert.Equal(t, 64, cfg.OutboundQueue)
	assert.NoError(t, cfg.validate())
}

func TestNew_InvalidConfigPanics(t *testing.T) {
	assert.Panics(t, func() { New(SDBConfig{Port: 70000}, nil) })
	assert.Panics(t, func() { New(SDBConfig{MaxConnections: -1}, nil) })
}

func TestServe_RequiresService(t *testing.T) {
	adapter := New(SDBConfig{BindAddress: "127.0.0.1"}, nil)
	assert.Error(t, adapter.Serve(context.Background()))
}

func TestSDBAdapter_RoundTrip(t *testing.T) {
	ts := startServer(t)
	ctx := testContext(t)
	c := ts.dial(principal.Content(testOrigin))

	require.NoError(t, c.Open(ctx, "db"))
	require.NoError(t, c.Write(ctx, []byte("hello world")))
	require.NoError(t, c.Seek(ctx, 6))

	data, err := c.Read(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	require.NoError(t, c.Close(ctx))

	require.NoError(t, c.Open(ctx, "db"))
	data, err = c.Read(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.Equal(t, int32(1), ts.adapter.ActiveConnections())
	assert.Equal(t, 1, ts.svc.OpenConnections())
}

func TestSDBAdapter_BusyAcrossSockets(t *testing.T) {
	ts := startServer(t)
	ctx := testContext(t)

	first := ts.dial(principal.Content(testOrigin))
	second := ts.dial(principal.Content(testOrigin))

	require.NoError(t, first.Open(ctx, "db"))
	assert.ErrorIs(t, second.Open(ctx, "db"), simpledb.ErrBusy)

	// A failed Open leaves the connection usable.
	require.NoError(t, second.Open(ctx, "other"))
}

func TestSDBAdapter_HelloRejected(t *testing.T) {
	ts := startServer(t)
	ctx := testContext(t)

	_, err := client.Dial(ctx, ts.addr(), client.Options{
		Persistence: quota.PersistenceTypePersistent,
		Principal:   principal.Principal{Kind: principal.KindNull},
	})
	assert.ErrorIs(t, err, simpledb.ErrFailure)

	_, err = client.Dial(ctx, ts.addr(), client.Options{
		Persistence: quota.PersistenceType(42),
		Principal:   principal.Content(testOrigin),
	})
	assert.Error(t, err)
}

func TestSDBAdapter_RequestBeforeHello(t *testing.T) {
	ts := startServer(t)
	conn := ts.rawConn()

	require.NoError(t, protocol.WriteMessage(conn, protocol.KindOpen, 1, &protocol.Open{Name: "db"}))

	_, err := protocol.ReadMessage(conn, protocol.DefaultMaxMessageSize)
	assert.True(t, isClosed(err), "expected closed socket, got %v", err)
}

func TestSDBAdapter_ProtocolViolationClosesSocket(t *testing.T) {
	tests := []struct {
		name string
		kind protocol.MessageKind
		body any
	}{
		{"SeekWithoutOpen", protocol.KindSeek, &protocol.Seek{Offset: 1}},
		{"BadName", protocol.KindOpen, &protocol.Open{Name: "../escape"}},
		{"SecondHello", protocol.KindHello, &protocol.Hello{Persistence: 1, PrincipalKind: 1}},
		{"ServerKind", protocol.KindClosed, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := startServer(t)
			conn := ts.rawConn()
			hello(t, conn)

			require.NoError(t, protocol.WriteMessage(conn, tt.kind, 2, tt.body))

			_, err := protocol.ReadMessage(conn, protocol.DefaultMaxMessageSize)
			assert.True(t, isClosed(err), "expected closed socket, got %v", err)
		})
	}
}

func TestSDBAdapter_OversizedRecordClosesSocket(t *testing.T) {
	ts := startServer(t, func(cfg *SDBConfig) { cfg.MaxMessageSize = 64 })
	conn := ts.rawConn()
	hello(t, conn)

	require.NoError(t, protocol.WriteMessage(conn, protocol.KindWrite, 2, &protocol.Write{Data: make([]byte, 128)}))

	_, err := protocol.ReadMessage(conn, protocol.DefaultMaxMessageSize)
	assert.True(t, isClosed(err), "expected closed socket, got %v", err)
}

func TestSDBAdapter_DisconnectReleasesLock(t *testing.T) {
	ts := startServer(t)
	ctx := testContext(t)
	c := ts.dial(principal.Content(testOrigin))

	require.NoError(t, c.Open(ctx, "db"))
	require.Equal(t, 1, ts.mgr.HeldLocks())

	require.NoError(t, c.Disconnect())

	require.Eventually(t, func() bool {
		return ts.mgr.HeldLocks() == 0 && ts.svc.OpenConnections() == 0
	}, waitTimeout, 5*time.Millisecond)
}

func TestSDBAdapter_ClearOriginPushesAllowToClose(t *testing.T) {
	ts := startServer(t)
	ctx := testContext(t)
	c := ts.dial(principal.Content(testOrigin))

	require.NoError(t, c.Open(ctx, "db"))
	require.NoError(t, c.Write(ctx, []byte("data")))

	cleared := make(chan error, 1)
	go func() {
		cleared <- ts.mgr.ClearOrigin(ctx, quota.OriginMetadata{
			Origin:      testOrigin,
			Persistence: quota.PersistenceTypePersistent,
		})
	}()

	waitClosed(t, c.AllowToClose(), "allow-to-close")
	waitClosed(t, c.Closed(), "closed")

	select {
	case err := <-cleared:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("clear did not finish")
	}

	// The client refuses requests after AllowToClose instead of breaking
	// protocol, and the signals stay fired.
	err := c.Open(ctx, "db")
	assert.ErrorIs(t, err, client.ErrAllowedToClose)
	assert.ErrorIs(t, err, client.ErrDisconnected)
	waitClosed(t, c.AllowToClose(), "allow-to-close")
	waitClosed(t, c.Closed(), "closed")

	select {
	case <-c.Done():
		t.Fatal("connection dropped")
	default:
	}

	// A fresh connection opens the same name again.
	fresh := ts.dial(principal.Content(testOrigin))
	require.NoError(t, fresh.Open(ctx, "db"))
}

func TestSDBAdapter_DeleteMe(t *testing.T) {
	ts := startServer(t)
	ctx := testContext(t)
	c := ts.dial(principal.Content(testOrigin))

	require.NoError(t, c.Open(ctx, "db"))
	require.NoError(t, c.Delete(ctx))

	waitClosed(t, c.Done(), "socket close")

	require.Eventually(t, func() bool {
		return ts.mgr.HeldLocks() == 0 && ts.adapter.ActiveConnections() == 0
	}, waitTimeout, 5*time.Millisecond)
}

func TestSDBAdapter_GracefulShutdown(t *testing.T) {
	ts := startServer(t)
	ctx := testContext(t)
	c := ts.dial(principal.Content(testOrigin))
	require.NoError(t, c.Open(ctx, "db"))

	start := time.Now()
	ts.cancel()

	select {
	case err := <-ts.served:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("adapter did not stop")
	}
	assert.Less(t, time.Since(start), 2*time.Second, "idle sockets must not wait for the shutdown timeout")

	waitClosed(t, c.Done(), "client disconnect")
	assert.Equal(t, 0, ts.mgr.HeldLocks())

	// Serve already returned; stop must not block on it again.
	ts.served <- nil
}

func TestSDBAdapter_StopIsIdempotent(t *testing.T) {
	ts := startServer(t)

	ctx := testContext(t)
	require.NoError(t, ts.adapter.Stop(ctx))
	require.NoError(t, ts.adapter.Stop(ctx))
}

func TestSDBAdapter_MaxConnections(t *testing.T) {
	ts := startServer(t, func(cfg *SDBConfig) { cfg.MaxConnections = 1 })
	ctx := testContext(t)

	first := ts.dial(principal.Content(testOrigin))
	require.NoError(t, first.Open(ctx, "db"))

	// The second socket connects at the TCP level but is not served.
	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err := client.Dial(shortCtx, ts.addr(), client.Options{
		Persistence: quota.PersistenceTypePersistent,
		Principal:   principal.Content(testOrigin),
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, first.Disconnect())

	second := ts.dial(principal.Content(testOrigin))
	require.NoError(t, second.Open(ctx, "db"))
}

func TestSDBAdapter_RateLimit(t *testing.T) {
	ts := startServer(t, func(cfg *SDBConfig) {
		cfg.RateLimit.RequestsPerSecond = 20
		cfg.RateLimit.Burst = 1
	})
	ctx := testContext(t)
	c := ts.dial(principal.Content(testOrigin))
	require.NoError(t, c.Open(ctx, "db"))

	start := time.Now()
	for j := 0; j < 3; j++ {
		require.NoError(t, c.Seek(ctx, 0))
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func hello(t *testing.T, conn net.Conn) {
	t.Helper()

	require.NoError(t, protocol.WriteMessage(conn, protocol.KindHello, 1, &protocol.Hello{
		Persistence:   uint32(quota.PersistenceTypePersistent),
		PrincipalKind: uint32(principal.KindContent),
		Origin:        testOrigin,
	}))

	msg, err := protocol.ReadMessage(conn, protocol.DefaultMaxMessageSize)
	require.NoError(t, err)
	resp, ok := msg.Body.(*protocol.Response)
	require.True(t, ok)
	require.Equal(t, uint32(protocol.StatusOK), resp.Status)
}

func isClosed(err error) bool {
	var netErr *net.OpError
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &netErr)
}
