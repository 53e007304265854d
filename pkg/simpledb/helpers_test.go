package simpledb

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittosdb/pkg/principal"
	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

const testOrigin = "https://example.com"

// Peer notices as recorded by fakePeer.
const (
	evAllowToClose = "allow-to-close"
	evClosed       = "closed"
	evDeleted      = "deleted"
)

// fakePeer records everything the service pushes, in order.
type fakePeer struct {
	mu      sync.Mutex
	events  []string
	replies chan Reply
	notices chan string
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		replies: make(chan Reply, 64),
		notices: make(chan string, 64),
	}
}

func (p *fakePeer) record(ev string) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *fakePeer) SendReply(reply Reply) {
	p.record("reply:" + reply.Kind.String())
	p.replies <- reply
}

func (p *fakePeer) SendAllowToClose() {
	p.record(evAllowToClose)
	p.notices <- evAllowToClose
}

func (p *fakePeer) SendClosed() {
	p.record(evClosed)
	p.notices <- evClosed
}

func (p *fakePeer) SendDeleted() {
	p.record(evDeleted)
	p.notices <- evDeleted
}

func (p *fakePeer) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *fakePeer) waitReply(t *testing.T) Reply {
	t.Helper()
	select {
	case r := <-p.replies:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for reply")
		return Reply{}
	}
}

func (p *fakePeer) waitNotice(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-p.notices:
		require.Equal(t, want, got)
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func (p *fakePeer) assertNoReply(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case r := <-p.replies:
		t.Fatalf("unexpected reply %+v", r)
	case <-time.After(within):
	}
}

// rejectingLocks refuses every directory lock.
type rejectingLocks struct {
	err error
}

func (l rejectingLocks) OpenClientDirectory(quota.ClientMetadata) *quota.Promise {
	return quota.Rejected(l.err)
}

// shortWriteFs hands out files that accept only half of each write.
type shortWriteFs struct {
	afero.Fs
}

func (fs shortWriteFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return shortWriteFile{f}, nil
}

type shortWriteFile struct {
	afero.File
}

func (f shortWriteFile) Write(p []byte) (int, error) {
	if len(p) <= 1 {
		return f.File.Write(p)
	}
	return f.File.Write(p[:len(p)/2])
}

// harness wires a Service to a quota.Manager over an in-memory filesystem.
type harness struct {
	t   *testing.T
	fs  afero.Fs
	mgr *quota.Manager
	svc *Service

	mu    sync.Mutex
	conns []*Connection
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()

	fs := afero.NewMemMapFs()
	mgr := quota.NewManager(quota.ManagerConfig{Fs: fs, ShutdownPollInterval: time.Millisecond})

	opts := Options{Fs: fs, Locks: mgr}
	for _, fn := range configure {
		fn(&opts)
	}

	svc, err := NewService(opts)
	require.NoError(t, err)
	mgr.RegisterClient(svc.Client())

	h := &harness{t: t, fs: opts.Fs, mgr: mgr, svc: svc}

	t.Cleanup(func() {
		h.mu.Lock()
		conns := h.conns
		h.mu.Unlock()

		for _, c := range conns {
			_ = svc.Disconnect(c)
		}
		for _, c := range conns {
			select {
			case <-c.Done():
			case <-time.After(waitTimeout):
				t.Errorf("connection %s did not drain", c.ID())
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := svc.Close(ctx); err != nil {
			t.Errorf("service close: %v", err)
		}
	})

	return h
}

func (h *harness) connect(p principal.Principal) (*Connection, *fakePeer) {
	h.t.Helper()

	peer := newFakePeer()
	c, err := h.svc.NewConnection(quota.PersistenceTypePersistent, p, peer)
	require.NoError(h.t, err)

	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.mu.Unlock()

	return c, peer
}

// do submits req and waits for its reply. The request must not be rejected.
func (h *harness) do(c *Connection, peer *fakePeer, req Request) Reply {
	h.t.Helper()

	require.NoError(h.t, h.svc.Submit(c, req, func(err error) {
		h.t.Errorf("request %s rejected: %v", req.Kind, err)
	}))
	return peer.waitReply(h.t)
}

// reject submits req and returns the protocol error it is rejected with.
func (h *harness) reject(c *Connection, req Request) error {
	h.t.Helper()

	errc := make(chan error, 1)
	require.NoError(h.t, h.svc.Submit(c, req, func(err error) { errc <- err }))

	select {
	case err := <-errc:
		return err
	case <-time.After(waitTimeout):
		h.t.Fatalf("request %s was not rejected", req.Kind)
		return nil
	}
}

func (h *harness) open(c *Connection, peer *fakePeer, name string) {
	h.t.Helper()
	reply := h.do(c, peer, Request{Kind: RequestOpen, Name: name})
	require.NoError(h.t, reply.Err)
}

// blockIO parks the I/O executor until the returned func is called.
func (h *harness) blockIO() (release func()) {
	h.t.Helper()

	gate := make(chan struct{})
	parked := make(chan struct{})
	require.NoError(h.t, h.svc.io.Dispatch(func() {
		close(parked)
		<-gate
	}))
	<-parked

	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	h.t.Cleanup(release)
	return release
}

// syncControl waits until everything queued on the control executor so far has run.
func (h *harness) syncControl() {
	h.t.Helper()
	require.NoError(h.t, h.svc.control.Call(func() {}))
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("connection did not finish")
	}
}

func dbPath(origin, name string) string {
	meta := quota.ClientMetadata{
		OriginMetadata: quota.OriginMetadata{Origin: origin, Persistence: quota.PersistenceTypePersistent},
		Client:         quota.ClientSDB,
	}
	return quota.ClientDirectory(meta) + "/" + name + Suffix
}
