// Package client exposes broker operations to a synchronous caller.
//
// One-shot operations (connect, publish, get, put, delete, listing) block
// until the broker answered. Continuous operations (subscribe, watch, key
// and bucket streams) return a stream.Session that the caller pulls from.
// All of them run on one shared blocking.Runtime.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lightforgemedia/go-nuts/pkg/blocking"
	"github.com/lightforgemedia/go-nuts/pkg/broker"
	"github.com/lightforgemedia/go-nuts/pkg/config"
	"github.com/lightforgemedia/go-nuts/pkg/fanout"
	"github.com/lightforgemedia/go-nuts/pkg/payload"
	"github.com/lightforgemedia/go-nuts/pkg/registry"
	"github.com/lightforgemedia/go-nuts/pkg/signals"
	"github.com/lightforgemedia/go-nuts/pkg/stream"
)

// Client is the facade over the current broker connection.
type Client struct {
	config     clientConfig
	logger     *slog.Logger
	rt         *blocking.Runtime
	reg        *registry.Registry
	interrupts *signals.Coordinator

	mu   sync.Mutex
	refs map[broker.Conn]*connRef
}

// New creates a Client with no connection.
func New(opts ...Option) *Client {
	cfg := clientConfig{
		logger:      slog.Default(),
		dialer:      DialNATS,
		bufferLimit: defaultBufferLimit,
		kvHistory:   defaultKVHistory,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runtime == nil {
		cfg.runtime = blocking.New(blocking.WithLogger(cfg.logger))
	}
	if cfg.interrupts == nil {
		cfg.interrupts = signals.New(signals.WithLogger(cfg.logger))
	}
	return &Client{
		config:     cfg,
		logger:     cfg.logger,
		rt:         cfg.runtime,
		reg:        registry.New(),
		interrupts: cfg.interrupts,
		refs:       make(map[broker.Conn]*connRef),
	}
}

// Runtime returns the shared execution context.
func (c *Client) Runtime() *blocking.Runtime { return c.rt }

// Interrupts returns the coordinator sessions register with.
func (c *Client) Interrupts() *signals.Coordinator { return c.interrupts }

// Generation identifies the current connection, 0 when there is none.
func (c *Client) Generation() uint64 { return c.reg.Generation() }

// Connect dials the broker described by p and makes it the current
// connection. The previous connection is closed once the operations still
// using it have ended.
func (c *Client) Connect(ctx context.Context, p config.Profile) error {
	conn, err := c.dial(ctx, p)
	if err != nil {
		return err
	}
	c.install(conn)
	c.logger.Info("Connected", "profile", p.String())
	return nil
}

// ConnectWith installs an already open connection.
func (c *Client) ConnectWith(conn broker.Conn) {
	c.install(conn)
}

// Reconnect dials p and installs it only if the current connection is still
// generation gen. It reports whether the new connection was installed.
func (c *Client) Reconnect(ctx context.Context, gen uint64, p config.Profile) (bool, error) {
	conn, err := c.dial(ctx, p)
	if err != nil {
		return false, err
	}
	prev, ok := c.reg.CompareAndSet(gen, conn)
	if !ok {
		c.closeConn(conn)
		return false, nil
	}
	c.retire(prev)
	c.logger.Info("Reconnected", "profile", p.String())
	return true, nil
}

func (c *Client) dial(ctx context.Context, p config.Profile) (broker.Conn, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.URL == "" {
		p.URL = config.DefaultURL
	}
	return blocking.Call(c.rt, ctx, "connect", func(ctx context.Context) (broker.Conn, error) {
		return c.config.dialer(ctx, p, c.logger)
	})
}

func (c *Client) install(conn broker.Conn) {
	c.retire(c.reg.Set(conn))
}

// Current returns the current connection or registry.ErrNotConnected.
func (c *Client) Current() (broker.Conn, error) {
	return c.reg.Get()
}

// withConn runs fn against a pinned snapshot of the current connection.
func (c *Client) withConn(ctx context.Context, name string, fn func(ctx context.Context, conn broker.Conn) error) error {
	conn, release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()
	return c.rt.Do(ctx, name, func(ctx context.Context) error {
		return fn(ctx, conn)
	})
}

// Publish sends each value to subject. Several values are published
// concurrently; the first failure is returned and the rest still run.
func (c *Client) Publish(ctx context.Context, subject string, values ...any) error {
	if len(values) == 0 {
		return &payload.ProtocolError{Index: -1, Field: payload.FieldPayload, Reason: "missing payload"}
	}
	return c.withConn(ctx, "publish "+subject, func(ctx context.Context, conn broker.Conn) error {
		ops := make([]fanout.Op, len(values))
		for i, v := range values {
			index := i
			if len(values) == 1 {
				index = -1
			}
			ops[i] = fanout.Op{
				Key: fmt.Sprintf("%s[%d]", subject, i),
				Run: func(ctx context.Context) error {
					msg, err := payload.Message(index, v)
					if err != nil {
						return err
					}
					return conn.Publish(ctx, subject, msg.Payload, msg.Header)
				},
			}
		}
		return unwrapSingle(fanout.Run(c.rt, ctx, "publish "+subject, ops))
	})
}

// Get returns the value stored under key.
func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	e, err := c.Entry(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// Entry returns the latest entry for key with its revision.
func (c *Client) Entry(ctx context.Context, bucket, key string) (broker.Entry, error) {
	var out broker.Entry
	err := c.withConn(ctx, "kv get "+bucket, func(ctx context.Context, conn broker.Conn) error {
		b, err := conn.Bucket(ctx, bucket)
		if err != nil {
			return err
		}
		e, err := b.Get(ctx, key)
		if errors.Is(err, broker.ErrKeyNotFound) {
			return fmt.Errorf("key %s not found in bucket %s: %w", key, bucket, err)
		}
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

// PutValue stores value under key and returns the new revision.
func (c *Client) PutValue(ctx context.Context, bucket, key string, value any) (uint64, error) {
	data, err := payload.Bytes(-1, value)
	if err != nil {
		return 0, err
	}
	var rev uint64
	err = c.withConn(ctx, "kv put "+bucket, func(ctx context.Context, conn broker.Conn) error {
		b, err := conn.Bucket(ctx, bucket)
		if err != nil {
			return err
		}
		rev, err = b.Put(ctx, key, data)
		return err
	})
	return rev, err
}

// Put stores every field of record as its own key. Fields are written
// concurrently and the batch is not atomic: after a failure, any subset of
// the other fields may have been written.
func (c *Client) Put(ctx context.Context, bucket string, record map[string]any) error {
	if len(record) == 0 {
		return &payload.ProtocolError{Index: -1, Field: "record", Reason: "no keys to put"}
	}
	return c.withConn(ctx, "kv put "+bucket, func(ctx context.Context, conn broker.Conn) error {
		b, err := conn.Bucket(ctx, bucket)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(record))
		for k := range record {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		ops := make([]fanout.Op, len(keys))
		for i, key := range keys {
			v := record[key]
			ops[i] = fanout.Op{
				Key: key,
				Run: func(ctx context.Context) error {
					data, err := payload.Bytes(-1, v)
					if err != nil {
						return err
					}
					_, err = b.Put(ctx, key, data)
					return err
				},
			}
		}
		return fanout.Run(c.rt, ctx, "kv put "+bucket, ops)
	})
}

// Delete removes keys from bucket concurrently. With no keys it does nothing.
func (c *Client) Delete(ctx context.Context, bucket string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.withConn(ctx, "kv del "+bucket, func(ctx context.Context, conn broker.Conn) error {
		b, err := conn.Bucket(ctx, bucket)
		if err != nil {
			return err
		}
		ops := make([]fanout.Op, len(keys))
		for i, key := range keys {
			ops[i] = fanout.Op{
				Key: key,
				Run: func(ctx context.Context) error { return b.Delete(ctx, key) },
			}
		}
		return fanout.Run(c.rt, ctx, "kv del "+bucket, ops)
	})
}

// DeleteBucket removes bucket with all of its keys.
func (c *Client) DeleteBucket(ctx context.Context, bucket string) error {
	return c.withConn(ctx, "kv del "+bucket, func(ctx context.Context, conn broker.Conn) error {
		return conn.DeleteBucket(ctx, bucket)
	})
}

// CreateBucket creates bucket keeping history revisions per key. 0 uses the
// client default.
func (c *Client) CreateBucket(ctx context.Context, bucket string, history uint8) error {
	if history == 0 {
		history = c.config.kvHistory
	}
	return c.withConn(ctx, "kv create "+bucket, func(ctx context.Context, conn broker.Conn) error {
		_, err := conn.CreateBucket(ctx, bucket, history)
		return err
	})
}

// Subscribe streams messages published to subject.
func (c *Client) Subscribe(ctx context.Context, subject string, opts ...stream.Option) (*stream.Session[broker.Message], error) {
	return openSession(c, ctx, "sub "+subject, func(ctx context.Context, conn broker.Conn) (broker.Source[broker.Message], error) {
		return conn.Subscribe(ctx, subject)
	}, opts)
}

// Watch streams changes of key in bucket, or of every key when key is "".
// The latest value of each matching key is delivered first.
func (c *Client) Watch(ctx context.Context, bucket, key string, opts ...stream.Option) (*stream.Session[broker.Entry], error) {
	name := "kv watch " + bucket
	if key != "" {
		name += " " + key
	}
	return openSession(c, ctx, name, func(ctx context.Context, conn broker.Conn) (broker.Source[broker.Entry], error) {
		b, err := conn.Bucket(ctx, bucket)
		if err != nil {
			return nil, err
		}
		return b.Watch(ctx, key)
	}, opts)
}

// Keys streams the live keys of bucket.
func (c *Client) Keys(ctx context.Context, bucket string, opts ...stream.Option) (*stream.Session[string], error) {
	return openSession(c, ctx, "kv keys "+bucket, func(ctx context.Context, conn broker.Conn) (broker.Source[string], error) {
		b, err := conn.Bucket(ctx, bucket)
		if err != nil {
			return nil, err
		}
		return b.Keys(ctx)
	}, opts)
}

// KeysList collects the live keys of bucket.
func (c *Client) KeysList(ctx context.Context, bucket string) ([]string, error) {
	s, err := c.Keys(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return s.Collect(ctx)
}

// Buckets streams the bucket names.
func (c *Client) Buckets(ctx context.Context, opts ...stream.Option) (*stream.Session[string], error) {
	return openSession(c, ctx, "kv buckets", func(ctx context.Context, conn broker.Conn) (broker.Source[string], error) {
		return conn.Buckets(ctx)
	}, opts)
}

// BucketsList collects the bucket names.
func (c *Client) BucketsList(ctx context.Context) ([]string, error) {
	s, err := c.Buckets(ctx)
	if err != nil {
		return nil, err
	}
	return s.Collect(ctx)
}

// Close cancels every session, waits for background work and closes the
// current connection.
func (c *Client) Close(ctx context.Context) error {
	prev := c.reg.Set(nil)
	err := c.rt.Shutdown(ctx)
	c.retire(prev)
	if err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

func openSession[T any](c *Client, ctx context.Context, name string, open func(ctx context.Context, conn broker.Conn) (broker.Source[T], error), opts []stream.Option) (*stream.Session[T], error) {
	conn, release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	all := append([]stream.Option{
		stream.WithLogger(c.logger),
		stream.WithInterrupts(c.interrupts),
		stream.WithBufferLimit(c.config.bufferLimit),
	}, opts...)

	s, err := stream.Open(c.rt, ctx, name, func(ctx context.Context) (broker.Source[T], error) {
		src, err := open(ctx, conn)
		if err != nil {
			return nil, err
		}
		return &pinnedSource[T]{Source: src, release: release}, nil
	}, all...)
	if err != nil {
		release()
		return nil, err
	}
	return s, nil
}

// unwrapSingle reports a one-value publish without the batch wrapper.
func unwrapSingle(err error) error {
	var be *fanout.BatchError
	if errors.As(err, &be) && be.Total == 1 {
		return be.Err
	}
	return err
}
