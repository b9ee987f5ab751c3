// Package signals routes an external interrupt to the stream sessions
// registered for it.
//
// Each session registers exactly one handler bound to its own cancel
// function and removes it when it ends, so overlapping sessions never share
// a cancellation source. Firing an interrupt only cancels; each session's
// task notices at its next select and stops pulling from upstream.
package signals

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

type handler struct {
	name   string
	cancel func()
}

// Coordinator dispatches interrupts to registered handlers.
type Coordinator struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[uint64]handler
	nextID   uint64
	fired    atomic.Uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Coordinator with no signal source attached.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:   slog.Default(),
		handlers: make(map[uint64]handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds cancel for one session and returns the function removing it.
// The returned function is idempotent.
func (c *Coordinator) Register(name string, cancel func()) (unregister func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = handler{name: name, cancel: cancel}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

// Active reports the number of registered handlers.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// Fired reports how many interrupts have been delivered.
func (c *Coordinator) Fired() uint64 { return c.fired.Load() }

// Interrupt cancels every registered session and returns how many there were.
// Handlers stay registered until their sessions end.
func (c *Coordinator) Interrupt() int {
	c.mu.Lock()
	hs := make([]handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	c.fired.Add(1)
	for _, h := range hs {
		c.logger.Info("Cancel", "stream", h.name)
		h.cancel()
	}
	return len(hs)
}

// Listen delivers the given OS signals (os.Interrupt when none are given) as
// interrupts until ctx is done. Signals arriving while no session is
// registered are passed to idle, which may be nil.
func (c *Coordinator) Listen(ctx context.Context, idle func(os.Signal), sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				if n := c.Interrupt(); n == 0 && idle != nil {
					idle(sig)
				}
			}
		}
	}()
}
