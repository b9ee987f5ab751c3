// Package registry holds the process-wide current broker connection.
package registry

import (
	"errors"
	"sync/atomic"

	"github.com/lightforgemedia/go-nuts/pkg/broker"
)

// ErrNotConnected is returned when no connection has been installed yet.
var ErrNotConnected = errors.New("not connected to NATS server, call `connect` first")

type slot struct {
	conn broker.Conn
	gen  uint64
}

// Registry holds at most one current connection. Get never blocks Set and a
// connection obtained from Get stays usable after it has been replaced.
type Registry struct {
	cur atomic.Pointer[slot]
	gen atomic.Uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Set installs conn as the current connection and returns the one it
// replaced, if any. A nil conn clears the registry. Closing the previous
// connection is left to the caller.
func (r *Registry) Set(conn broker.Conn) (prev broker.Conn) {
	var next *slot
	if conn != nil {
		next = &slot{conn: conn, gen: r.gen.Add(1)}
	}
	if old := r.cur.Swap(next); old != nil {
		return old.conn
	}
	return nil
}

// Get returns a snapshot of the current connection.
func (r *Registry) Get() (broker.Conn, error) {
	s := r.cur.Load()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// Generation identifies the current connection; it increases with every Set
// of a non-nil connection and is 0 before the first one.
func (r *Registry) Generation() uint64 {
	if s := r.cur.Load(); s != nil {
		return s.gen
	}
	return 0
}

// CompareAndSet replaces the connection only if it is still generation gen.
// It reports whether the swap happened.
func (r *Registry) CompareAndSet(gen uint64, conn broker.Conn) (prev broker.Conn, ok bool) {
	old := r.cur.Load()
	oldGen := uint64(0)
	if old != nil {
		oldGen = old.gen
	}
	if oldGen != gen {
		return nil, false
	}
	var next *slot
	if conn != nil {
		next = &slot{conn: conn, gen: r.gen.Add(1)}
	}
	if !r.cur.CompareAndSwap(old, next) {
		return nil, false
	}
	if old != nil {
		return old.conn, true
	}
	return nil, true
}
