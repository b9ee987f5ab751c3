package filter

import (
	"testing"

	"github.com/lightforgemedia/go-nuts/pkg/broker"
	"github.com/lightforgemedia/go-nuts/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	_, err := Compile("subject ==", testutil.Discard())
	assert.Error(t, err)

	_, err = Compile(`"not a bool"`, testutil.Discard())
	assert.Error(t, err, "expressions must be boolean")
}

func TestKeepMessages(t *testing.T) {
	p, err := Compile(`subject == "orders" && headers.region == "eu"`, testutil.Discard())
	require.NoError(t, err)

	eu := broker.Message{Subject: "orders", Payload: []byte("x"), Header: broker.Header{"region": {"eu"}}}
	us := broker.Message{Subject: "orders", Payload: []byte("x"), Header: broker.Header{"region": {"us"}}}
	assert.True(t, p.Keep(eu))
	assert.False(t, p.Keep(us))
	assert.False(t, p.Keep(broker.Message{Subject: "orders"}), "missing headers do not match")
}

func TestKeepEntries(t *testing.T) {
	p, err := Compile(`operation == "put" && revision > 2 && value contains "on"`, testutil.Discard())
	require.NoError(t, err)

	assert.True(t, p.Keep(broker.Entry{Key: "a", Value: []byte("on"), Revision: 3, Op: broker.OpPut}))
	assert.False(t, p.Keep(broker.Entry{Key: "a", Value: []byte("on"), Revision: 1, Op: broker.OpPut}))
	assert.False(t, p.Keep(broker.Entry{Key: "a", Revision: 5, Op: broker.OpDelete}))
}

func TestKeepNames(t *testing.T) {
	p, err := Compile(`name startsWith "app."`, testutil.Discard())
	require.NoError(t, err)
	assert.True(t, p.Keep("app.cfg"))
	assert.False(t, p.Keep("sys.cfg"))
}

func TestRow(t *testing.T) {
	row := Row(broker.Message{Subject: "s", Reply: "r", Payload: []byte("p"), Header: broker.Header{"m": {"1", "2"}}})
	assert.Equal(t, "s", row["subject"])
	assert.Equal(t, "r", row["reply"])
	assert.Equal(t, "p", row["payload"])
	assert.Equal(t, map[string]any{"m": []string{"1", "2"}}, row["headers"])

	row = Row(broker.Entry{Bucket: "b", Key: "k", Value: []byte("v"), Revision: 9, Op: broker.OpPurge})
	assert.Equal(t, "purge", row["operation"])
	assert.Equal(t, uint64(9), row["revision"])
	assert.NotContains(t, row, "created")
}
