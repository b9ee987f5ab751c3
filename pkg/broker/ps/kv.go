package ps

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/lightforgemedia/go-nuts/pkg/broker"
)

type bucket struct {
	conn  *Conn
	name  string
	topic string

	mu      sync.Mutex
	rev     uint64
	entries map[string]broker.Entry
	deleted bool
}

func newBucket(c *Conn, name string) *bucket {
	return &bucket{
		conn:    c,
		name:    name,
		topic:   "$KV." + name,
		entries: make(map[string]broker.Entry),
	}
}

func (b *bucket) Name() string { return b.name }

func (b *bucket) markDeleted() {
	b.mu.Lock()
	b.deleted = true
	b.mu.Unlock()
}

func (b *bucket) Get(ctx context.Context, key string) (broker.Entry, error) {
	if err := ctx.Err(); err != nil {
		return broker.Entry{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return broker.Entry{}, broker.Transport("get "+key, broker.ErrBucketNotFound)
	}
	e, ok := b.entries[key]
	if !ok || e.Op != broker.OpPut {
		return broker.Entry{}, broker.Transport("get "+key, broker.ErrKeyNotFound)
	}
	return e, nil
}

func (b *bucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	e, err := b.apply(ctx, "put", key, broker.OpPut, value)
	if err != nil {
		return 0, err
	}
	return e.Revision, nil
}

func (b *bucket) Delete(ctx context.Context, key string) error {
	_, err := b.apply(ctx, "delete", key, broker.OpDelete, nil)
	return err
}

// apply records a change and announces it to watchers. The announcement
// happens outside the lock, so watchers see concurrent writers in the order
// the bus receives them, which can differ from revision order.
func (b *bucket) apply(ctx context.Context, op, key string, kind broker.Operation, value []byte) (broker.Entry, error) {
	if err := ctx.Err(); err != nil {
		return broker.Entry{}, err
	}
	if key == "" {
		return broker.Entry{}, broker.Transport(op, fmt.Errorf("key cannot be empty"))
	}

	b.mu.Lock()
	if b.deleted {
		b.mu.Unlock()
		return broker.Entry{}, broker.Transport(op+" "+key, broker.ErrBucketNotFound)
	}
	b.rev++
	e := broker.Entry{
		Bucket:   b.name,
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: b.rev,
		Created:  time.Now(),
		Op:       kind,
	}
	b.entries[key] = e
	b.mu.Unlock()

	b.conn.mu.RLock()
	defer b.conn.mu.RUnlock()
	if b.conn.closed {
		return e, nil
	}
	b.conn.bus.Pub(e, b.topic)
	return e, nil
}

// Keys lists live keys in lexical order.
func (b *bucket) Keys(ctx context.Context) (broker.Source[string], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return nil, broker.Transport("list keys", broker.ErrBucketNotFound)
	}
	keys := make([]string, 0, len(b.entries))
	for k, e := range b.entries {
		if e.Op == broker.OpPut {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return sliceSource(keys), nil
}

// Watch delivers the latest entry of every matching key, ordered by revision,
// then live updates.
func (b *bucket) Watch(ctx context.Context, key string) (broker.Source[broker.Entry], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.conn.mu.RLock()
	if b.conn.closed {
		b.conn.mu.RUnlock()
		return nil, broker.Transport("watch", broker.ErrConnClosed)
	}
	// Subscribe before taking the snapshot so no update falls in between;
	// updates already covered by the snapshot are filtered by revision.
	ch := b.conn.bus.Sub(b.topic)
	b.conn.mu.RUnlock()

	b.mu.Lock()
	if b.deleted {
		b.mu.Unlock()
		b.conn.unsub(ch, b.topic)
		return nil, broker.Transport("watch", broker.ErrBucketNotFound)
	}
	initial := make([]broker.Entry, 0, len(b.entries))
	// Unlike NATS, a key filter is an exact key, never a wildcard.
	for k, e := range b.entries {
		if key == "" || k == key {
			initial = append(initial, e)
		}
	}
	since := b.rev
	b.mu.Unlock()
	sort.Slice(initial, func(i, j int) bool { return initial[i].Revision < initial[j].Revision })

	return &watcher{
		bucket:  b,
		key:     key,
		ch:      ch,
		initial: initial,
		since:   since,
	}, nil
}

type watcher struct {
	bucket  *bucket
	key     string
	ch      chan interface{}
	initial []broker.Entry
	since   uint64

	stopOnce sync.Once
}

func (w *watcher) Next(ctx context.Context) (broker.Entry, error) {
	if len(w.initial) > 0 {
		if err := ctx.Err(); err != nil {
			return broker.Entry{}, err
		}
		e := w.initial[0]
		w.initial = w.initial[1:]
		return e, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return broker.Entry{}, err
		}
		select {
		case <-ctx.Done():
			return broker.Entry{}, ctx.Err()
		case v, ok := <-w.ch:
			if !ok {
				return broker.Entry{}, io.EOF
			}
			e, ok := v.(broker.Entry)
			if !ok || e.Revision <= w.since {
				continue
			}
			if w.key != "" && e.Key != w.key {
				continue
			}
			return e, nil
		}
	}
}

func (w *watcher) Stop() error {
	w.stopOnce.Do(func() {
		w.bucket.conn.unsub(w.ch, w.bucket.topic)
	})
	return nil
}
