package filewatcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightforgemedia/go-nuts/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherFiles(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "user.creds")
	other := filepath.Join(dir, "other.creds")
	require.NoError(t, os.WriteFile(creds, []byte("v1"), 0o600))

	w, err := New(
		WithLogger(testutil.Discard()),
		WithFiles(creds),
		WithDebounce(50*time.Millisecond),
	)
	require.NoError(t, err)

	changes := make(chan string, 10)
	w.AddCallback(func(file string) { changes <- file })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(creds, []byte("v2"), 0o600))
	select {
	case got := <-changes:
		assert.Equal(t, creds, got)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for file change notification")
	}

	// Siblings in the same directory are ignored.
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o600))
	select {
	case got := <-changes:
		t.Fatalf("Received unexpected change notification for %s", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherDebounce(t *testing.T) {
	dir := t.TempDir()
	w, err := New(
		WithLogger(testutil.Discard()),
		WithDirs(dir),
		WithPatterns("*.yaml"),
		WithDebounce(100*time.Millisecond),
	)
	require.NoError(t, err)

	changes := make(chan string, 10)
	w.AddCallback(func(file string) { changes <- file })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	profile := filepath.Join(dir, "profile.yaml")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(profile, []byte{byte('a' + i)}, 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case got := <-changes:
		assert.Equal(t, profile, got)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for file change notification")
	}
	select {
	case got := <-changes:
		t.Fatalf("burst of writes reported more than once: %s", got)
	case <-time.After(300 * time.Millisecond):
	}
}
