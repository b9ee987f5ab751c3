// Package ps implements broker.Conn in-process on top of cskr/pubsub.
//
// Subjects are matched exactly; NATS wildcards are not interpreted. Buckets
// keep only the latest entry per key.
package ps

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/lightforgemedia/go-nuts/pkg/broker"
)

const defaultQueueLength = 64

// Options configures a Conn.
type Options struct {
	// QueueLength is the per-subscriber channel capacity inside the bus.
	QueueLength int
	Logger      *slog.Logger
}

// Conn is an in-process broker.Conn.
type Conn struct {
	bus    *pubsub.PubSub
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	buckets map[string]*bucket
}

var _ broker.Conn = (*Conn)(nil)

// New creates an empty in-process broker.
func New(opts Options) *Conn {
	if opts.QueueLength <= 0 {
		opts.QueueLength = defaultQueueLength
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Conn{
		bus:     pubsub.New(opts.QueueLength),
		logger:  opts.Logger,
		buckets: make(map[string]*bucket),
	}
}

// Publish delivers a copy of payload to every current subscriber of subject.
func (c *Conn) Publish(ctx context.Context, subject string, payload []byte, header broker.Header) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return broker.Transport("publish", fmt.Errorf("subject cannot be empty"))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return broker.Transport("publish", broker.ErrConnClosed)
	}

	msg := broker.Message{
		Subject: subject,
		Payload: append([]byte(nil), payload...),
		Header:  cloneHeader(header),
	}
	c.logger.Debug("Publishing", "subject", subject, "bytes", len(payload))
	c.bus.Pub(msg, subject)
	return nil
}

// Subscribe registers a subscriber channel for subject.
func (c *Conn) Subscribe(ctx context.Context, subject string) (broker.Source[broker.Message], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if subject == "" {
		return nil, broker.Transport("subscribe", fmt.Errorf("subject cannot be empty"))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, broker.Transport("subscribe", broker.ErrConnClosed)
	}

	ch := c.bus.Sub(subject)
	c.logger.Debug("Subscribed", "subject", subject)
	return broker.FromChan(ch, func(v interface{}) (broker.Message, bool) {
		m, ok := v.(broker.Message)
		return m, ok
	}, func() error {
		c.unsub(ch, subject)
		return nil
	}, nil), nil
}

// unsub detaches ch from topic. The bus goroutine may be blocked delivering
// into ch, so ch is drained until the bus closes it.
func (c *Conn) unsub(ch chan interface{}, topic string) {
	go func() {
		for range ch {
		}
	}()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		// Shutdown already closed every subscriber channel.
		return
	}
	c.bus.Unsub(ch, topic)
}

// Bucket binds to an existing bucket.
func (c *Conn) Bucket(ctx context.Context, name string) (broker.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, broker.Transport("bucket "+name, broker.ErrConnClosed)
	}
	b, ok := c.buckets[name]
	if !ok {
		return nil, broker.Transport("bucket "+name, broker.ErrBucketNotFound)
	}
	return b, nil
}

// CreateBucket creates name, or returns the existing bucket of that name.
func (c *Conn) CreateBucket(ctx context.Context, name string, history uint8) (broker.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, broker.Transport("create bucket", fmt.Errorf("bucket name cannot be empty"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.Transport("create bucket "+name, broker.ErrConnClosed)
	}
	if b, ok := c.buckets[name]; ok {
		return b, nil
	}
	b := newBucket(c, name)
	c.buckets[name] = b
	c.logger.Debug("Created bucket", "bucket", name, "history", history)
	return b, nil
}

// DeleteBucket removes name. Watches already open on it stay open but see no
// further updates.
func (c *Conn) DeleteBucket(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return broker.Transport("delete bucket "+name, broker.ErrConnClosed)
	}
	b, ok := c.buckets[name]
	if !ok {
		return broker.Transport("delete bucket "+name, broker.ErrBucketNotFound)
	}
	b.markDeleted()
	delete(c.buckets, name)
	return nil
}

// Buckets lists bucket names in lexical order.
func (c *Conn) Buckets(ctx context.Context) (broker.Source[string], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	names := make([]string, 0, len(c.buckets))
	for name := range c.buckets {
		names = append(names, name)
	}
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, broker.Transport("list buckets", broker.ErrConnClosed)
	}
	sort.Strings(names)
	return sliceSource(names), nil
}

// Drain is Close for the in-process broker; publishes are delivered synchronously.
func (c *Conn) Drain() error {
	return c.Close()
}

// Close shuts the bus down, ending every open subscription and watch.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.bus.Shutdown()
	c.logger.Debug("In-process broker closed")
	return nil
}

func sliceSource[T any](items []T) broker.Source[T] {
	ch := make(chan T, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return broker.FromChan(ch, broker.Identity[T], nil, nil)
}

func cloneHeader(h broker.Header) broker.Header {
	if len(h) == 0 {
		return nil
	}
	out := make(broker.Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}
