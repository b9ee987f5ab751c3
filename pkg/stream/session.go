// Package stream turns push-delivered broker events into a pull sequence.
//
// A Session owns one background task that races cancellation against the
// next upstream event and forwards each event into a buffer. The consumer
// pulls one item per Next call. Items come out in the order the task
// received them.
//
// The buffer is unbounded by default: a producer that stays faster than the
// consumer grows memory without limit. WithBufferLimit bounds it, in which
// case the task stops pulling from upstream while the buffer is full.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/lightforgemedia/go-nuts/pkg/blocking"
	"github.com/lightforgemedia/go-nuts/pkg/broker"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome records why the background task ended.
type Outcome int32

const (
	// OutcomePending means the task is still running.
	OutcomePending Outcome = iota
	// OutcomeCompleted means the upstream source ended.
	OutcomeCompleted
	// OutcomeCancelled means the session was cancelled or its consumer went away.
	OutcomeCancelled
	// OutcomeFailed means reading from upstream failed; Err holds the cause.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int32(o))
	}
}

// ErrSessionClosed is returned by Next after Close.
var ErrSessionClosed = errors.New("stream session closed")

// Interrupts registers a cancel function for the lifetime of one session.
type Interrupts interface {
	Register(name string, cancel func()) (unregister func())
}

// OpenFunc subscribes to the upstream source. ctx lives as long as the session.
type OpenFunc[T any] func(ctx context.Context) (broker.Source[T], error)

type config struct {
	logger      *slog.Logger
	bufferLimit int
	interrupts  Interrupts
	keep        func(any) bool
}

// Option configures a Session.
type Option func(*config)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBufferLimit caps the number of buffered items. 0 keeps the buffer unbounded.
func WithBufferLimit(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.bufferLimit = n
		}
	}
}

// WithInterrupts registers the session's cancel function with in for as long
// as the background task runs.
func WithInterrupts(in Interrupts) Option {
	return func(c *config) {
		c.interrupts = in
	}
}

// WithFilter drops every upstream item for which keep returns false. keep
// runs on the background task, before the item is buffered.
func WithFilter(keep func(any) bool) Option {
	return func(c *config) {
		c.keep = keep
	}
}

// Session is one running subscription, watch or listing.
type Session[T any] struct {
	id     string
	name   string
	rt     *blocking.Runtime
	logger *slog.Logger
	q      *queue[T]
	keep   func(any) bool

	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32

	mu         sync.Mutex
	outcome    Outcome
	err        error
	unregister func()
	closed     bool
}

// Open subscribes through open and starts the background task. The
// subscription happens before Open returns, so every event published after
// that is delivered. ctx bounds only the subscribe step; the session lives
// until it is cancelled, closed, its upstream ends or rt shuts down.
func Open[T any](rt *blocking.Runtime, ctx context.Context, name string, open OpenFunc[T], opts ...Option) (*Session[T], error) {
	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session[T]{
		id:   uuid.NewString(),
		name: name,
		rt:   rt,
		q:    newQueue[T](cfg.bufferLimit),
		keep: cfg.keep,
		done: make(chan struct{}),
	}
	s.logger = cfg.logger.With("session", s.id, "stream", name)
	s.state.Store(int32(StateIdle))

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	stopOpen := context.AfterFunc(ctx, cancel)
	src, err := blocking.Call(rt, ctx, "open "+name, func(context.Context) (broker.Source[T], error) {
		return open(sessCtx)
	})
	stopOpen()
	if err != nil {
		cancel()
		return nil, err
	}

	if cfg.interrupts != nil {
		s.unregister = cfg.interrupts.Register(name, s.Cancel)
	}

	s.state.Store(int32(StateRunning))
	err = rt.Go(sessCtx, name, s.run(src), func(pe *blocking.PanicError) {
		s.finish(OutcomeFailed, pe)
	})
	if err != nil {
		s.state.Store(int32(StateClosed))
		_ = src.Stop()
		s.finish(OutcomeCancelled, nil)
		return nil, err
	}
	s.logger.Debug("Stream session started")
	return s, nil
}

func (s *Session[T]) run(src broker.Source[T]) func(ctx context.Context) {
	return func(ctx context.Context) {
		outcome, cause := OutcomePending, error(nil)
		// Upstream is released before the outcome becomes visible. A panic
		// leaves the outcome pending; the runtime reports it through onPanic.
		defer func() {
			if err := src.Stop(); err != nil {
				s.logger.Debug("Stopping upstream source failed", "error", err)
			}
			if outcome != OutcomePending {
				s.finish(outcome, cause)
			}
		}()
		outcome, cause = s.pump(ctx, src)
	}
}

func (s *Session[T]) pump(ctx context.Context, src broker.Source[T]) (Outcome, error) {
	for {
		v, err := src.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return OutcomeCancelled, nil
			case errors.Is(err, io.EOF):
				return OutcomeCompleted, nil
			default:
				return OutcomeFailed, err
			}
		}
		if s.keep != nil && !s.keep(v) {
			continue
		}
		// An item pulled while the cancel was in flight is dropped.
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}
		if err := s.q.push(ctx, v); err != nil {
			return OutcomeCancelled, nil
		}
	}
}

// finish records the first outcome and closes the buffer. It runs on the
// background task, or on a recovered panic.
func (s *Session[T]) finish(outcome Outcome, err error) {
	s.mu.Lock()
	first := s.outcome == OutcomePending
	if first {
		s.outcome = outcome
		s.err = err
	}
	unregister := s.unregister
	s.unregister = nil
	s.mu.Unlock()
	if !first {
		return
	}

	s.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	s.q.close()
	if unregister != nil {
		unregister()
	}
	close(s.done)

	if outcome == OutcomeFailed {
		s.logger.Warn("Stream session failed", "error", err)
	} else {
		s.logger.Debug("Stream session ended", "outcome", outcome.String())
	}
}

// ID identifies the session in logs.
func (s *Session[T]) ID() string { return s.id }

// Name describes what the session streams.
func (s *Session[T]) Name() string { return s.name }

// State reports the lifecycle position.
func (s *Session[T]) State() State { return State(s.state.Load()) }

// Outcome reports why the background task ended, or OutcomePending.
func (s *Session[T]) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Err returns the upstream failure for OutcomeFailed, nil otherwise.
func (s *Session[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the background task has exited.
func (s *Session[T]) Done() <-chan struct{} { return s.done }

// Buffered reports how many items wait to be pulled.
func (s *Session[T]) Buffered() int { return s.q.len() }

// Next blocks until the next item is available. At the end of the sequence
// it returns io.EOF after a clean end or a cancellation, and the upstream
// error after a failure; the same value is returned by every later call.
// ctx bounds only this pull.
func (s *Session[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if s.State() == StateClosed {
		return zero, s.terminal()
	}

	type pulled struct {
		v  T
		ok bool
	}
	p, err := blocking.Call(s.rt, ctx, "pull "+s.name, func(ctx context.Context) (pulled, error) {
		v, ok, err := s.q.pop(ctx)
		return pulled{v: v, ok: ok}, err
	})
	if err != nil {
		return zero, err
	}
	if !p.ok {
		// Buffer closed and empty, or dropped by Close.
		<-s.done
		s.state.Store(int32(StateClosed))
		return zero, s.terminal()
	}
	return p.v, nil
}

func (s *Session[T]) terminal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrSessionClosed
	case s.outcome == OutcomeFailed:
		return s.err
	default:
		return io.EOF
	}
}

// All returns the remaining items as a sequence. A failure is yielded once as
// the final pair. The session is closed when iteration stops.
func (s *Session[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer s.Close()
		for {
			v, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// Collect drains the session into a slice.
func (s *Session[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for v, err := range s.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Cancel asks the background task to stop. Items already buffered remain
// readable; nothing further is pulled from upstream.
func (s *Session[T]) Cancel() {
	s.cancel()
}

// Close cancels the session, discards buffered items and waits for the
// background task to exit. It is safe to call more than once.
func (s *Session[T]) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return nil
	}

	s.q.drop()
	s.cancel()
	<-s.done
	s.state.Store(int32(StateClosed))
	return nil
}
