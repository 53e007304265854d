package simpledb

import (
	"slices"
	"sync/atomic"
)

// ConnectionRegistry holds the connections that currently have a stream
// open, plus the (origin, name) pairs reserved by opens still in flight.
// It is mutated and iterated only on the control executor; Len and Pending
// are safe to call from anywhere.
type ConnectionRegistry struct {
	conns    []*Connection
	reserved map[registryKey]struct{}
	count    atomic.Int32
	pending  atomic.Int32
}

type registryKey struct {
	origin string
	name   string
}

// NewConnectionRegistry returns an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{reserved: make(map[registryKey]struct{})}
}

// reserve claims (origin, name) for an open in flight. The pair stays busy
// until release.
func (r *ConnectionRegistry) reserve(origin, name string) {
	key := registryKey{origin, name}
	if _, ok := r.reserved[key]; ok {
		panic("simpledb: name reserved twice")
	}
	r.reserved[key] = struct{}{}
	r.pending.Store(int32(len(r.reserved)))
}

func (r *ConnectionRegistry) release(origin, name string) {
	key := registryKey{origin, name}
	if _, ok := r.reserved[key]; !ok {
		panic("simpledb: releasing unreserved name")
	}
	delete(r.reserved, key)
	r.pending.Store(int32(len(r.reserved)))
}

func (r *ConnectionRegistry) add(c *Connection) {
	if slices.Contains(r.conns, c) {
		panic("simpledb: connection registered twice")
	}
	r.conns = append(r.conns, c)
	r.count.Store(int32(len(r.conns)))
}

func (r *ConnectionRegistry) remove(c *Connection) {
	i := slices.Index(r.conns, c)
	if i < 0 {
		panic("simpledb: removing unregistered connection")
	}
	r.conns = slices.Delete(r.conns, i, i+1)
	r.count.Store(int32(len(r.conns)))
}

// busy reports whether an open connection or an open in flight holds
// (origin, name).
func (r *ConnectionRegistry) busy(origin, name string) bool {
	if _, ok := r.reserved[registryKey{origin, name}]; ok {
		return true
	}
	for _, c := range r.conns {
		if c.origin == origin && c.name == name {
			return true
		}
	}
	return false
}

// snapshot returns a copy so callers may mutate the registry while iterating.
func (r *ConnectionRegistry) snapshot() []*Connection {
	return slices.Clone(r.conns)
}

// Len returns the number of open connections.
func (r *ConnectionRegistry) Len() int {
	return int(r.count.Load())
}

// Pending returns the number of opens holding a reservation.
func (r *ConnectionRegistry) Pending() int {
	return int(r.pending.Load())
}
