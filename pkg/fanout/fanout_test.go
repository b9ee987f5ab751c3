package fanout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-nuts/pkg/blocking"
	"github.com/lightforgemedia/go-nuts/pkg/fanout"
	"github.com/lightforgemedia/go-nuts/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T) *blocking.Runtime {
	t.Helper()
	rt := blocking.New(blocking.WithLogger(testutil.Discard()))
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
	return rt
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty batch", func(t *testing.T) {
		assert.NoError(t, fanout.Run(newRuntime(t), ctx, "none", nil))
	})

	t.Run("All succeed", func(t *testing.T) {
		rt := newRuntime(t)
		var mu sync.Mutex
		seen := map[string]bool{}
		var ops []fanout.Op
		for _, k := range []string{"a", "b", "c"} {
			ops = append(ops, fanout.Op{Key: k, Run: func(context.Context) error {
				mu.Lock()
				seen[k] = true
				mu.Unlock()
				return nil
			}})
		}
		require.NoError(t, fanout.Run(rt, ctx, "batch", ops))
		assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
	})

	t.Run("Operations run concurrently", func(t *testing.T) {
		rt := newRuntime(t)
		// Each op waits for the other; a sequential executor would deadlock.
		a, b := make(chan struct{}), make(chan struct{})
		ops := []fanout.Op{
			{Key: "a", Run: func(ctx context.Context) error { close(a); <-b; return nil }},
			{Key: "b", Run: func(ctx context.Context) error { close(b); <-a; return nil }},
		}
		assert.NoError(t, fanout.Run(rt, ctx, "pair", ops))
	})

	t.Run("First failure is returned, siblings finish", func(t *testing.T) {
		rt := newRuntime(t)
		boom := errors.New("boom")
		finished := make(chan struct{})
		ops := []fanout.Op{
			{Key: "a", Run: func(context.Context) error {
				time.Sleep(50 * time.Millisecond)
				close(finished)
				return nil
			}},
			{Key: "b", Run: func(context.Context) error { return boom }},
		}
		err := fanout.Run(rt, ctx, "batch", ops)
		require.ErrorIs(t, err, boom)
		var be *fanout.BatchError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "b", be.Key)
		assert.Equal(t, 2, be.Total)

		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatal("sibling operation was abandoned")
		}
	})

	t.Run("Single operation keeps its key", func(t *testing.T) {
		rt := newRuntime(t)
		boom := errors.New("boom")
		err := fanout.Run(rt, ctx, "one", []fanout.Op{{Key: "only", Run: func(context.Context) error { return boom }}})
		var be *fanout.BatchError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "only", be.Key)
		assert.Equal(t, "only: boom", err.Error())
	})

	t.Run("Panicking operation", func(t *testing.T) {
		rt := newRuntime(t)
		ops := []fanout.Op{
			{Key: "ok", Run: func(context.Context) error { return nil }},
			{Key: "bad", Run: func(context.Context) error { panic("oops") }},
		}
		err := fanout.Run(rt, ctx, "batch", ops)
		var pe *blocking.PanicError
		assert.ErrorAs(t, err, &pe)
	})
}
