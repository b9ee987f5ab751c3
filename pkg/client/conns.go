package client

import (
	"context"
	"sync"

	"github.com/lightforgemedia/go-nuts/pkg/broker"
)

// connRef counts the operations still using a connection. A connection
// replaced in the registry is retired and closed once its count drops to 0.
type connRef struct {
	n       int
	retired bool
}

// acquire snapshots the current connection and pins it until release.
func (c *Client) acquire() (broker.Conn, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.reg.Get()
	if err != nil {
		return nil, nil, err
	}
	ref := c.refs[conn]
	if ref == nil {
		ref = &connRef{}
		c.refs[conn] = ref
	}
	ref.n++

	var once sync.Once
	release := func() {
		once.Do(func() { c.release(conn) })
	}
	return conn, release, nil
}

func (c *Client) release(conn broker.Conn) {
	c.mu.Lock()
	ref := c.refs[conn]
	if ref == nil {
		c.mu.Unlock()
		return
	}
	ref.n--
	closeNow := ref.n <= 0 && ref.retired
	if ref.n <= 0 {
		delete(c.refs, conn)
	}
	c.mu.Unlock()

	if closeNow {
		c.closeConn(conn)
	}
}

// retire closes conn once nothing uses it anymore.
func (c *Client) retire(conn broker.Conn) {
	if conn == nil {
		return
	}
	c.mu.Lock()
	ref := c.refs[conn]
	if ref != nil && ref.n > 0 {
		ref.retired = true
		c.mu.Unlock()
		c.logger.Debug("Previous connection kept open for running operations", "users", ref.n)
		return
	}
	delete(c.refs, conn)
	c.mu.Unlock()
	c.closeConn(conn)
}

// closeConn drains conn in the background, or inline once the runtime is gone.
func (c *Client) closeConn(conn broker.Conn) {
	drain := func(context.Context) {
		if err := conn.Drain(); err != nil {
			c.logger.Debug("Drain failed, closing connection", "error", err)
			if err := conn.Close(); err != nil {
				c.logger.Warn("Failed to close connection", "error", err)
			}
		}
		c.logger.Debug("Previous connection closed")
	}
	if err := c.rt.Go(context.Background(), "close connection", drain, nil); err != nil {
		drain(context.Background())
	}
}

// pinnedSource releases its connection when the session stops it.
type pinnedSource[T any] struct {
	broker.Source[T]
	release func()
}

func (s *pinnedSource[T]) Stop() error {
	defer s.release()
	return s.Source.Stop()
}
