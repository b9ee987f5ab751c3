// Package nats provides a NATS implementation of the broker.Conn interface.
// Subjects use core NATS; buckets use the JetStream key-value API.
package nats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/lightforgemedia/go-nuts/pkg/broker"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultClientName = "nuts"

// Conn is a broker.Conn backed by a NATS connection.
type Conn struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Options contains configuration options for the NATS connection.
type Options struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// Name is reported to the server as the connection name.
	Name string

	// Auth carries the optional credentials.
	Auth Auth

	Logger *slog.Logger

	// ConnectionOptions are additional options for the NATS connection.
	ConnectionOptions []nats.Option
}

var _ broker.Conn = (*Conn)(nil)

// New connects to a NATS server.
func New(opts Options) (*Conn, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Name == "" {
		opts.Name = defaultClientName
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	authOpts, err := opts.Auth.Options()
	if err != nil {
		return nil, err
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "url", opts.URL, "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("NATS async error", "subject", subject, "error", err)
		}),
	}
	natsOpts = append(natsOpts, authOpts...)
	natsOpts = append(natsOpts, opts.ConnectionOptions...)

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, broker.Transport("connect", fmt.Errorf("failed to connect to NATS server %s: %w", opts.URL, err))
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, broker.Transport("connect", fmt.Errorf("failed to create JetStream context: %w", err))
	}

	logger.Debug("Connected to NATS", "url", nc.ConnectedUrl(), "server", nc.ConnectedServerName())
	return &Conn{nc: nc, js: js, logger: logger}, nil
}

// NATS returns the underlying connection.
func (c *Conn) NATS() *nats.Conn { return c.nc }

// Publish publishes payload to subject, with headers when any are given.
func (c *Conn) Publish(ctx context.Context, subject string, payload []byte, header broker.Header) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	if len(header) > 0 {
		err = c.nc.PublishMsg(&nats.Msg{
			Subject: subject,
			Data:    payload,
			Header:  nats.Header(header),
		})
	} else {
		err = c.nc.Publish(subject, payload)
	}
	if err != nil {
		return broker.Transport("publish", fmt.Errorf("failed to publish to NATS subject %s: %w", subject, err))
	}
	return nil
}

// Subscribe opens a synchronous subscription on subject.
func (c *Conn) Subscribe(ctx context.Context, subject string) (broker.Source[broker.Message], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := c.nc.SubscribeSync(subject)
	if err != nil {
		return nil, broker.Transport("subscribe", fmt.Errorf("failed to subscribe to subject %s: %w", subject, err))
	}
	return &subscription{sub: sub, logger: c.logger}, nil
}

type subscription struct {
	sub    *nats.Subscription
	logger *slog.Logger
}

func (s *subscription) Next(ctx context.Context) (broker.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return broker.Message{}, err
		}
		msg, err := s.sub.NextMsgWithContext(ctx)
		switch {
		case err == nil:
			return broker.Message{
				Subject: msg.Subject,
				Reply:   msg.Reply,
				Payload: msg.Data,
				Header:  broker.Header(msg.Header),
			}, nil
		case errors.Is(err, nats.ErrSlowConsumer):
			// The client library already dropped messages; the subscription stays usable.
			s.logger.Warn("Subscription fell behind, messages were dropped", "subject", s.sub.Subject)
			continue
		case ctx.Err() != nil:
			return broker.Message{}, ctx.Err()
		case errors.Is(err, nats.ErrBadSubscription):
			return broker.Message{}, io.EOF
		default:
			return broker.Message{}, broker.Transport("subscribe", err)
		}
	}
}

func (s *subscription) Stop() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

// Bucket binds to an existing key-value bucket.
func (c *Conn) Bucket(ctx context.Context, name string) (broker.Bucket, error) {
	kv, err := c.js.KeyValue(ctx, name)
	if err != nil {
		return nil, mapErr("bucket "+name, err)
	}
	return &bucket{kv: kv}, nil
}

// CreateBucket creates a bucket, or binds to it when an identical one exists.
func (c *Conn) CreateBucket(ctx context.Context, name string, history uint8) (broker.Bucket, error) {
	if history == 0 {
		history = 1
	}
	kv, err := c.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  name,
		History: history,
	})
	if err != nil {
		return nil, mapErr("create bucket "+name, err)
	}
	return &bucket{kv: kv}, nil
}

// DeleteBucket removes a bucket and all of its keys.
func (c *Conn) DeleteBucket(ctx context.Context, name string) error {
	return mapErr("delete bucket "+name, c.js.DeleteKeyValue(ctx, name))
}

// Buckets lists key-value bucket names. ctx bounds the listing's lifetime.
func (c *Conn) Buckets(ctx context.Context) (broker.Source[string], error) {
	listCtx, cancel := context.WithCancel(ctx)
	lister := c.js.KeyValueStoreNames(listCtx)
	return broker.FromChan(lister.Name(), broker.Identity[string],
		func() error { cancel(); return nil },
		func() error {
			if err := lister.Error(); err != nil && !errors.Is(err, context.Canceled) {
				return mapErr("list buckets", err)
			}
			return nil
		},
	), nil
}

func (c *Conn) Drain() error {
	if c.nc.IsClosed() {
		return nil
	}
	return c.nc.Drain()
}

func (c *Conn) Close() error {
	c.nc.Close()
	return nil
}

type bucket struct {
	kv jetstream.KeyValue
}

func (b *bucket) Name() string { return b.kv.Bucket() }

func (b *bucket) Get(ctx context.Context, key string) (broker.Entry, error) {
	e, err := b.kv.Get(ctx, key)
	if err != nil {
		return broker.Entry{}, mapErr("get "+key, err)
	}
	return toEntry(e), nil
}

func (b *bucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Put(ctx, key, value)
	if err != nil {
		return 0, mapErr("put "+key, err)
	}
	return rev, nil
}

func (b *bucket) Delete(ctx context.Context, key string) error {
	return mapErr("delete "+key, b.kv.Delete(ctx, key))
}

// Keys lists the bucket's keys. ctx bounds the listing's lifetime.
func (b *bucket) Keys(ctx context.Context) (broker.Source[string], error) {
	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		return nil, mapErr("list keys", err)
	}
	return broker.FromChan(lister.Keys(), broker.Identity[string], lister.Stop, nil), nil
}

// Watch streams entries for key, or for the whole bucket when key is empty.
// ctx bounds the watcher's lifetime.
func (b *bucket) Watch(ctx context.Context, key string) (broker.Source[broker.Entry], error) {
	var (
		w   jetstream.KeyWatcher
		err error
	)
	if key == "" {
		w, err = b.kv.WatchAll(ctx)
	} else {
		w, err = b.kv.Watch(ctx, key)
	}
	if err != nil {
		return nil, mapErr("watch", err)
	}
	return broker.FromChan(w.Updates(), func(e jetstream.KeyValueEntry) (broker.Entry, bool) {
		// nil marks the end of the initial values.
		if e == nil {
			return broker.Entry{}, false
		}
		return toEntry(e), true
	}, w.Stop, nil), nil
}

func toEntry(e jetstream.KeyValueEntry) broker.Entry {
	op := broker.OpPut
	switch e.Operation() {
	case jetstream.KeyValueDelete:
		op = broker.OpDelete
	case jetstream.KeyValuePurge:
		op = broker.OpPurge
	}
	return broker.Entry{
		Bucket:   e.Bucket(),
		Key:      e.Key(),
		Value:    e.Value(),
		Revision: e.Revision(),
		Created:  e.Created(),
		Op:       op,
	}
}

// mapErr translates JetStream sentinel errors into broker sentinels while
// keeping the library message.
func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return broker.Transport(op, fmt.Errorf("%w: %w", broker.ErrKeyNotFound, err))
	case errors.Is(err, jetstream.ErrBucketNotFound):
		return broker.Transport(op, fmt.Errorf("%w: %w", broker.ErrBucketNotFound, err))
	case errors.Is(err, nats.ErrConnectionClosed):
		return broker.Transport(op, fmt.Errorf("%w: %w", broker.ErrConnClosed, err))
	default:
		return broker.Transport(op, err)
	}
}
