// Package testutil provides common test helpers for go-nuts.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lightforgemedia/go-nuts/pkg/broker"
	"github.com/lightforgemedia/go-nuts/pkg/broker/ps"
)

// Logger returns a logger writing to the test log at debug level.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// Discard returns a logger dropping everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MemoryConn returns an in-process broker closed when the test ends.
func MemoryConn(t *testing.T) *ps.Conn {
	t.Helper()
	conn := ps.New(ps.Options{Logger: Discard()})
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// WaitFor polls condition until it holds or timeout passes.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("condition '%s' not met within %v", description, timeout)
}

// WaitForWithContext polls condition until it holds or ctx is done.
func WaitForWithContext(ctx context.Context, t *testing.T, description string, condition func() bool) error {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled while waiting for condition '%s': %v", description, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Next pulls one item from src within timeout.
func Next[T any](t *testing.T, src broker.Source[T], timeout time.Duration) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return src.Next(ctx)
}
