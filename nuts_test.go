package nuts

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemory(t *testing.T) {
	c := NewMemory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer c.Close(ctx)

	sess, err := c.Subscribe(ctx, "greet")
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, c.Publish(ctx, "greet", "hello"))
	m, err := sess.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(m.Payload))
}

func TestNewIsDisconnected(t *testing.T) {
	c := New()
	defer c.Close(context.Background())
	_, err := c.Current()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectRejectsInvalidProfile(t *testing.T) {
	_, err := Connect(context.Background(), Profile{User: "u"})
	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
}
