// Package broker defines the capability set the core consumes from a message
// broker client: publish, subscribe and key-value buckets. Implementations live
// in the nats (real server) and ps (in-process) subpackages.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Header carries message headers. Keys are case sensitive, as on the wire.
type Header map[string][]string

// Get returns the first value stored under key.
func (h Header) Get(key string) string {
	if vals := h[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Message is one item received from a subject subscription.
type Message struct {
	Subject string
	Reply   string
	Payload []byte
	Header  Header
}

// Operation is the kind of change a watch entry describes.
type Operation uint8

const (
	OpPut Operation = iota
	OpDelete
	OpPurge
)

func (op Operation) String() string {
	switch op {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpPurge:
		return "purge"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Entry is a key-value entry, either read directly or observed through a watch.
type Entry struct {
	Bucket   string
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
	Op       Operation
}

// Source is a push-delivered event stream exposed as a blocking pull.
//
// Next returns io.EOF once the upstream ended cleanly and ctx.Err() when ctx is
// done before an item arrives. Stop releases the upstream subscription and is
// safe to call more than once.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
	Stop() error
}

// Bucket is a handle on one key-value bucket.
type Bucket interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) (Source[string], error)
	// Watch streams the current values followed by live updates. An empty key
	// watches the whole bucket.
	Watch(ctx context.Context, key string) (Source[Entry], error)
}

// Conn is a live broker connection. Implementations must be safe for
// concurrent use; the same Conn is shared by every in-flight operation.
type Conn interface {
	Publish(ctx context.Context, subject string, payload []byte, header Header) error
	Subscribe(ctx context.Context, subject string) (Source[Message], error)

	Bucket(ctx context.Context, name string) (Bucket, error)
	CreateBucket(ctx context.Context, name string, history uint8) (Bucket, error)
	DeleteBucket(ctx context.Context, name string) error
	Buckets(ctx context.Context) (Source[string], error)

	// Drain flushes pending publishes and unsubscribes before closing.
	Drain() error
	Close() error
}

var (
	// ErrKeyNotFound is returned by Bucket.Get for a missing or deleted key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrBucketNotFound is returned when a named bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrConnClosed is returned by operations on a closed Conn.
	ErrConnClosed = errors.New("connection closed")
)

// TransportError wraps a failure reported by the broker client library.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError for op. A nil err stays nil and
// errors that are already transport errors are returned unchanged.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
