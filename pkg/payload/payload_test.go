package payload

import (
	"testing"
	"time"

	"github.com/lightforgemedia/go-nuts/pkg/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageScalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "hello", "hello"},
		{"bytes", []byte{0xff, 0x00}, "\xff\x00"},
		{"int", 42, "42"},
		{"negative", int64(-7), "-7"},
		{"unsigned", uint64(7), "7"},
		{"float", 1.5, "1.5"},
		{"bool", true, "true"},
		{"time", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "2024-01-02T03:04:05Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Message(-1, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out.Payload))
			assert.Nil(t, out.Header)
		})
	}
}

func TestMessageRecord(t *testing.T) {
	t.Run("Payload and headers", func(t *testing.T) {
		out, err := Message(0, map[string]any{
			"payload": "body",
			"headers": map[string]any{"a": "1", "b": 2, "multi": []any{"x", "y"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "body", string(out.Payload))
		assert.Equal(t, broker.Header{"a": {"1"}, "b": {"2"}, "multi": {"x", "y"}}, out.Header)
	})

	t.Run("Missing payload", func(t *testing.T) {
		_, err := Message(3, map[string]any{"headers": map[string]any{}})
		var pe *ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 3, pe.Index)
		assert.Equal(t, FieldPayload, pe.Field)
		assert.Contains(t, err.Error(), "input item 3")
	})

	t.Run("Nested payload", func(t *testing.T) {
		_, err := Message(1, map[string]any{"payload": map[string]any{"x": 1}})
		var ee *EncodingError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, 1, ee.Index)
		assert.Equal(t, FieldPayload, ee.Field)
		assert.Contains(t, err.Error(), "cannot encode record")
	})

	t.Run("Header record value", func(t *testing.T) {
		_, err := Message(-1, map[string]any{
			"payload": "x",
			"headers": map[string]any{"bad": map[string]any{}},
		})
		var ee *EncodingError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, "headers.bad", ee.Field)
	})

	t.Run("Headers must be a record", func(t *testing.T) {
		_, err := Message(-1, map[string]any{"payload": "x", "headers": "nope"})
		var ee *EncodingError
		assert.ErrorAs(t, err, &ee)
	})
}

func TestBytesRejectsContainers(t *testing.T) {
	for _, v := range []any{nil, []any{1, 2}, struct{}{}} {
		_, err := Bytes(-1, v)
		var ee *EncodingError
		assert.ErrorAs(t, err, &ee, "%T", v)
	}
}

func TestText(t *testing.T) {
	assert.Equal(t, "plain", Text([]byte("plain")))
	assert.Equal(t, "a�b", Text([]byte{'a', 0xff, 'b'}))
}
