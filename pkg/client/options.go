package client

import (
	"context"
	"log/slog"

	"github.com/lightforgemedia/go-nuts/pkg/blocking"
	"github.com/lightforgemedia/go-nuts/pkg/broker"
	natsbroker "github.com/lightforgemedia/go-nuts/pkg/broker/nats"
	"github.com/lightforgemedia/go-nuts/pkg/config"
	"github.com/lightforgemedia/go-nuts/pkg/signals"
)

const (
	// defaultBufferLimit keeps session buffers unbounded.
	defaultBufferLimit = 0
	defaultKVHistory   = 1
)

// Dialer opens a broker connection for a resolved profile.
type Dialer func(ctx context.Context, p config.Profile, logger *slog.Logger) (broker.Conn, error)

type clientConfig struct {
	logger      *slog.Logger
	runtime     *blocking.Runtime
	interrupts  *signals.Coordinator
	dialer      Dialer
	bufferLimit int
	kvHistory   uint8
}

// Option configures a Client.
type Option func(*clientConfig)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRuntime shares an existing execution context. The client shuts it
// down on Close.
func WithRuntime(rt *blocking.Runtime) Option {
	return func(c *clientConfig) {
		if rt != nil {
			c.runtime = rt
		}
	}
}

// WithInterrupts routes interrupts from coord to the client's sessions.
func WithInterrupts(coord *signals.Coordinator) Option {
	return func(c *clientConfig) {
		if coord != nil {
			c.interrupts = coord
		}
	}
}

// WithDialer replaces the NATS dialer used by Connect.
func WithDialer(d Dialer) Option {
	return func(c *clientConfig) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithBufferLimit bounds the buffer of every session the client opens.
func WithBufferLimit(n int) Option {
	return func(c *clientConfig) {
		if n >= 0 {
			c.bufferLimit = n
		}
	}
}

// WithKVHistory sets the history depth of buckets created by CreateBucket
// when the caller passes 0.
func WithKVHistory(n uint8) Option {
	return func(c *clientConfig) {
		if n > 0 {
			c.kvHistory = n
		}
	}
}

// DialNATS connects to the NATS server described by p.
func DialNATS(_ context.Context, p config.Profile, logger *slog.Logger) (broker.Conn, error) {
	conn, err := natsbroker.New(natsbroker.Options{
		URL:  p.URL,
		Name: p.Name,
		Auth: natsbroker.Auth{
			User:     p.User,
			Password: p.Password,
			Creds:    p.Creds,
			NKey:     p.NKey,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
