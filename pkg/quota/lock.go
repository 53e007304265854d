package quota

import (
	"context"
	"sync"
	"sync/atomic"
)

// Dispatcher runs a callback on some serial execution context.
type Dispatcher interface {
	Dispatch(task func()) error
}

// ClientDirectoryLock is a shared lock on one client directory of an origin.
//
// While a lock is held the quota manager will not delete the directory.
// Clearing the origin invalidates every held lock; holders are expected to
// notice, finish up, and Release.
type ClientDirectoryLock struct {
	id   uint64
	meta ClientMetadata
	mgr  *Manager

	invalidated atomic.Bool
	released    atomic.Bool
}

func (l *ClientDirectoryLock) ID() uint64 {
	return l.id
}

func (l *ClientDirectoryLock) Metadata() ClientMetadata {
	return l.meta
}

// Invalidated reports whether the lock was revoked by an exclusive operation.
func (l *ClientDirectoryLock) Invalidated() bool {
	return l.invalidated.Load()
}

// Release drops the lock. Safe to call more than once.
func (l *ClientDirectoryLock) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	if l.mgr != nil {
		l.mgr.release(l)
	}
}

// Promise is the pending result of a directory lock request.
type Promise struct {
	once sync.Once
	done chan struct{}
	lock *ClientDirectoryLock
	err  error
}

// NewPromise returns an unsettled promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Rejected returns a promise already settled with err.
func Rejected(err error) *Promise {
	p := NewPromise()
	p.Reject(err)
	return p
}

// Resolve settles the promise with a granted lock. Later settlements are ignored.
func (p *Promise) Resolve(lock *ClientDirectoryLock) {
	p.once.Do(func() {
		p.lock = lock
		close(p.done)
	})
}

// Reject settles the promise with an error. Later settlements are ignored.
func (p *Promise) Reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Then delivers the result to fn on d once the promise settles. If d no
// longer accepts work the granted lock is released so it cannot leak.
func (p *Promise) Then(d Dispatcher, fn func(*ClientDirectoryLock, error)) {
	go func() {
		<-p.done
		if err := d.Dispatch(func() { fn(p.lock, p.err) }); err != nil && p.lock != nil {
			p.lock.Release()
		}
	}()
}

// Wait blocks until the promise settles or ctx is done.
func (p *Promise) Wait(ctx context.Context) (*ClientDirectoryLock, error) {
	select {
	case <-p.done:
		return p.lock, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
