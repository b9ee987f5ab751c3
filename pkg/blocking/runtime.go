// Package blocking runs asynchronous work on behalf of synchronous callers.
//
// A Runtime is the single execution context shared by every one-shot call
// and every background task of a process. Calls block the caller until the
// work finishes; tasks run detached until they return or the runtime shuts
// down. Each unit of work gets its own goroutine, so a caller blocked in Call
// can never starve a task it is waiting on.
package blocking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const defaultShutdownTimeout = 5 * time.Second

// ErrRuntimeClosed is returned by Call and Go after Shutdown started.
var ErrRuntimeClosed = errors.New("runtime is shut down")

// PanicError reports a panic recovered from a call or a task.
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("internal failure in %s: %v", e.Task, e.Value)
}

// Runtime is the shared execution context.
type Runtime struct {
	logger          *slog.Logger
	shutdownTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	mu       sync.RWMutex // guards closed against wg.Add racing Wait
	closed   bool
	calls    atomic.Int64
	tasks    atomic.Int64
	shutOnce sync.Once
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithShutdownTimeout bounds how long Shutdown waits when its context has no deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.shutdownTimeout = d
		}
	}
}

// New creates a Runtime.
func New(opts ...Option) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		logger:          slog.Default(),
		shutdownTimeout: defaultShutdownTimeout,
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Context is cancelled when the runtime shuts down.
func (r *Runtime) Context() context.Context { return r.ctx }

// Stats reports the number of blocked calls and running tasks.
func (r *Runtime) Stats() (calls, tasks int64) {
	return r.calls.Load(), r.tasks.Load()
}

func (r *Runtime) enter() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

// Call runs fn to completion and blocks until it returns. fn receives a
// context cancelled when ctx is done or the runtime shuts down; Call still
// waits for fn to observe that and return. A panic in fn is returned as a
// *PanicError.
func Call[T any](r *Runtime, ctx context.Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !r.enter() {
		return zero, ErrRuntimeClosed
	}
	r.calls.Add(1)

	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.ctx, cancel)

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer r.wg.Done()
		defer r.calls.Add(-1)
		var res result
		defer func() {
			if p := recover(); p != nil {
				res = result{err: &PanicError{Task: name, Value: p, Stack: debug.Stack()}}
				r.logger.Error("Recovered panic in blocking call", "call", name, "panic", p)
			}
			done <- res
		}()
		res.v, res.err = fn(opCtx)
	}()

	res := <-done
	stop()
	cancel()
	return res.v, res.err
}

// Do is Call for work without a result.
func (r *Runtime) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	_, err := Call(r, ctx, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Go starts fn as a background task. ctx is the task's own context; it is
// also cancelled when the runtime shuts down. A panic in fn is recovered and
// passed to onPanic when it is non-nil, logged otherwise.
func (r *Runtime) Go(ctx context.Context, name string, fn func(ctx context.Context), onPanic func(*PanicError)) error {
	if !r.enter() {
		return ErrRuntimeClosed
	}
	r.tasks.Add(1)

	taskCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.ctx, cancel)
	go func() {
		defer r.wg.Done()
		defer r.tasks.Add(-1)
		defer stop()
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				pe := &PanicError{Task: name, Value: p, Stack: debug.Stack()}
				r.logger.Error("Recovered panic in background task", "task", name, "panic", p)
				if onPanic != nil {
					onPanic(pe)
				}
			}
		}()
		fn(taskCtx)
	}()
	return nil
}

// Shutdown cancels every call and task and waits for them to return.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.cancel()
	})

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.shutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Debug("Runtime shut down")
		return nil
	case <-ctx.Done():
		calls, tasks := r.Stats()
		r.logger.Warn("Runtime shutdown timed out", "calls", calls, "tasks", tasks)
		return fmt.Errorf("runtime shutdown: %w", ctx.Err())
	}
}
