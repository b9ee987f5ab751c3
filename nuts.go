// nuts.go
package nuts

import (
	"context"
	"log/slog"

	"github.com/lightforgemedia/go-nuts/pkg/broker"
	"github.com/lightforgemedia/go-nuts/pkg/broker/ps"
	"github.com/lightforgemedia/go-nuts/pkg/client"
	"github.com/lightforgemedia/go-nuts/pkg/config"
	"github.com/lightforgemedia/go-nuts/pkg/fanout"
	"github.com/lightforgemedia/go-nuts/pkg/gateway"
	"github.com/lightforgemedia/go-nuts/pkg/payload"
	"github.com/lightforgemedia/go-nuts/pkg/registry"
	"github.com/lightforgemedia/go-nuts/pkg/stream"
)

// Re-export core types
type (
	Client         = client.Client
	ClientOption   = client.Option
	Profile        = config.Profile
	Message        = broker.Message
	Entry          = broker.Entry
	Header         = broker.Header
	Conn           = broker.Conn
	Gateway        = gateway.Gateway
	Envelope       = gateway.Envelope
	StreamOption   = stream.Option
	TransportError = broker.TransportError
	EncodingError  = payload.EncodingError
	ProtocolError  = payload.ProtocolError
	BatchError     = fanout.BatchError
)

// Session is a pull-based stream of items of type T.
type Session[T any] = stream.Session[T]

// Re-export error values
var (
	ErrNotConnected   = registry.ErrNotConnected
	ErrKeyNotFound    = broker.ErrKeyNotFound
	ErrBucketNotFound = broker.ErrBucketNotFound
	ErrConnClosed     = broker.ErrConnClosed
	ErrSessionClosed  = stream.ErrSessionClosed
)

// New creates a client with no connection.
func New(opts ...client.Option) *client.Client {
	return client.New(opts...)
}

// Connect creates a client and connects it to the server described by p.
func Connect(ctx context.Context, p config.Profile, opts ...client.Option) (*client.Client, error) {
	c := client.New(opts...)
	if err := c.Connect(ctx, p); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	return c, nil
}

// NewMemory creates a client connected to a fresh in-process broker.
func NewMemory(logger *slog.Logger, opts ...client.Option) *client.Client {
	c := client.New(append([]client.Option{client.WithLogger(logger)}, opts...)...)
	c.ConnectWith(ps.New(ps.Options{Logger: logger}))
	return c
}

// NewGateway serves the sessions of c over WebSocket.
func NewGateway(c *client.Client, opts ...gateway.Option) *gateway.Gateway {
	return gateway.New(c, opts...)
}
