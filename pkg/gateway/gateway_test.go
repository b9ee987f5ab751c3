package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-nuts/pkg/blocking"
	"github.com/lightforgemedia/go-nuts/pkg/broker"
	"github.com/lightforgemedia/go-nuts/pkg/client"
	"github.com/lightforgemedia/go-nuts/pkg/gateway"
	"github.com/lightforgemedia/go-nuts/pkg/stream"
	"github.com/lightforgemedia/go-nuts/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type fixture struct {
	cli *client.Client
	gw  *gateway.Gateway
	srv *httptest.Server
	// closeBroker shuts the in-process broker down.
	closeBroker func() error
}

func setup(t *testing.T, connected bool) *fixture {
	t.Helper()
	cli := client.New(client.WithLogger(testutil.Discard()))
	f := &fixture{cli: cli}
	if connected {
		mem := testutil.MemoryConn(t)
		cli.ConnectWith(mem)
		f.closeBroker = mem.Close
	}
	f.gw = gateway.New(cli, gateway.WithLogger(testutil.Discard()), gateway.WithPingInterval(0))
	f.srv = httptest.NewServer(f.gw.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		_ = cli.Close(context.Background())
	})
	return f
}

func wsURL(srv *httptest.Server, path string, q url.Values) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?" + q.Encode()
}

func dial(t *testing.T, ctx context.Context, u string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.Dial(ctx, u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func waitActive(t *testing.T, gw *gateway.Gateway, n int) {
	t.Helper()
	require.NoError(t, testutil.WaitFor(t, "active sessions", waitTimeout, func() bool {
		return len(gw.Active()) == n
	}))
}

func TestSubscribeStreamsEnvelopes(t *testing.T) {
	f := setup(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(t, ctx, wsURL(f.srv, "/sub", url.Values{"subject": {"events"}}))
	waitActive(t, f.gw, 1)

	require.NoError(t, f.cli.Publish(ctx, "events", "one"))
	require.NoError(t, f.cli.Publish(ctx, "events", map[string]any{
		"payload": "two",
		"headers": map[string]any{"region": "eu"},
	}))

	var env gateway.Envelope
	require.NoError(t, wsjson.Read(ctx, ws, &env))
	assert.Equal(t, gateway.TypeItem, env.Type)
	assert.Equal(t, uint64(1), env.Seq)
	assert.NotEmpty(t, env.Session)
	assert.Equal(t, "events", env.Item["subject"])
	assert.Equal(t, "one", env.Item["payload"])

	require.NoError(t, wsjson.Read(ctx, ws, &env))
	assert.Equal(t, uint64(2), env.Seq)
	assert.Equal(t, "two", env.Item["payload"])
	assert.Equal(t, map[string]any{"region": "eu"}, env.Item["headers"])
}

func TestWhereFilter(t *testing.T) {
	f := setup(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(t, ctx, wsURL(f.srv, "/sub", url.Values{
		"subject": {"events"},
		"where":   {`payload != "skip"`},
	}))
	waitActive(t, f.gw, 1)

	require.NoError(t, f.cli.Publish(ctx, "events", "skip"))
	require.NoError(t, f.cli.Publish(ctx, "events", "keep"))

	var env gateway.Envelope
	require.NoError(t, wsjson.Read(ctx, ws, &env))
	assert.Equal(t, "keep", env.Item["payload"])
	assert.Equal(t, uint64(1), env.Seq)
}

func TestWatchStreamsEntries(t *testing.T) {
	f := setup(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.cli.CreateBucket(ctx, "cfg", 0))
	_, err := f.cli.PutValue(ctx, "cfg", "a", "1")
	require.NoError(t, err)

	ws := dial(t, ctx, wsURL(f.srv, "/watch", url.Values{"bucket": {"cfg"}}))

	var env gateway.Envelope
	require.NoError(t, wsjson.Read(ctx, ws, &env))
	assert.Equal(t, "cfg", env.Item["bucket"])
	assert.Equal(t, "a", env.Item["key"])
	assert.Equal(t, "1", env.Item["value"])
	assert.Equal(t, "put", env.Item["operation"])
}

func TestRejectedRequests(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		path      string
		query     url.Values
		status    int
	}{
		{"Missing subject", true, "/sub", url.Values{}, http.StatusBadRequest},
		{"Missing bucket", true, "/watch", url.Values{}, http.StatusBadRequest},
		{"Bad filter", true, "/sub", url.Values{"subject": {"a"}, "where": {"payload =="}}, http.StatusBadRequest},
		{"Not connected", false, "/sub", url.Values{"subject": {"a"}}, http.StatusServiceUnavailable},
		{"Unknown bucket", true, "/watch", url.Values{"bucket": {"nope"}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.connected)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, resp, err := websocket.Dial(ctx, wsURL(f.srv, tt.path, tt.query), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Empty(t, f.gw.Active())
		})
	}
}

func TestHealthz(t *testing.T) {
	f := setup(t, false)
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamEndSendsEndFrame(t *testing.T) {
	f := setup(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(t, ctx, wsURL(f.srv, "/sub", url.Values{"subject": {"events"}}))
	waitActive(t, f.gw, 1)

	// Closing the broker ends every subscription cleanly.
	require.NoError(t, f.closeBroker())

	var env gateway.Envelope
	require.NoError(t, wsjson.Read(ctx, ws, &env))
	assert.Equal(t, gateway.TypeEnd, env.Type)

	err := wsjson.Read(ctx, ws, &env)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	waitActive(t, f.gw, 0)
}

func TestPeerDisconnectClosesSession(t *testing.T) {
	f := setup(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(t, ctx, wsURL(f.srv, "/sub", url.Values{"subject": {"events"}}))
	waitActive(t, f.gw, 1)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))
	waitActive(t, f.gw, 0)
	require.NoError(t, testutil.WaitFor(t, "session closed", waitTimeout, func() bool {
		return f.cli.Interrupts().Active() == 0
	}))
}

func TestShutdownClosesConnections(t *testing.T) {
	f := setup(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(t, ctx, wsURL(f.srv, "/sub", url.Values{"subject": {"events"}}))
	waitActive(t, f.gw, 1)

	require.NoError(t, f.gw.Shutdown(ctx))
	var env gateway.Envelope
	err := wsjson.Read(ctx, ws, &env)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.Empty(t, f.gw.Active())

	_, resp, err := websocket.Dial(ctx, wsURL(f.srv, "/sub", url.Values{"subject": {"events"}}), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestShutdownRacesIncomingConnections(t *testing.T) {
	f := setup(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u := wsURL(f.srv, "/sub", url.Values{"subject": {"events"}})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, resp, err := websocket.Dial(ctx, u, nil)
			if err != nil {
				if assert.NotNil(t, resp, "dial failed without a response: %v", err) {
					assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
				}
				return
			}
			defer ws.CloseNow()
			var env gateway.Envelope
			assert.Error(t, wsjson.Read(ctx, ws, &env), "accepted connections are closed by shutdown")
		}()
	}

	require.NoError(t, f.gw.Shutdown(ctx))
	wg.Wait()
	assert.Empty(t, f.gw.Active())
}

// failingStreams serves subscriptions whose upstream fails after one item.
type failingStreams struct {
	rt *blocking.Runtime
}

func (s failingStreams) Subscribe(ctx context.Context, subject string, opts ...stream.Option) (*stream.Session[broker.Message], error) {
	return stream.Open(s.rt, ctx, "sub "+subject, func(context.Context) (broker.Source[broker.Message], error) {
		ch := make(chan broker.Message, 1)
		ch <- broker.Message{Subject: subject, Payload: []byte("last")}
		close(ch)
		return broker.FromChan(ch, broker.Identity[broker.Message], nil, func() error {
			return broker.Transport("subscribe", errors.New("server went away"))
		}), nil
	}, opts...)
}

func (s failingStreams) Watch(context.Context, string, string, ...stream.Option) (*stream.Session[broker.Entry], error) {
	return nil, errors.New("not supported")
}

func TestUpstreamFailureSendsErrorFrame(t *testing.T) {
	rt := blocking.New(blocking.WithLogger(testutil.Discard()))
	defer rt.Shutdown(context.Background())
	gw := gateway.New(failingStreams{rt: rt}, gateway.WithLogger(testutil.Discard()))
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws := dial(t, ctx, wsURL(srv, "/sub", url.Values{"subject": {"events"}}))

	var env gateway.Envelope
	require.NoError(t, wsjson.Read(ctx, ws, &env))
	assert.Equal(t, gateway.TypeItem, env.Type)
	assert.Equal(t, "last", env.Item["payload"])

	require.NoError(t, wsjson.Read(ctx, ws, &env))
	assert.Equal(t, gateway.TypeError, env.Type)
	require.NotNil(t, env.Error)
	assert.Equal(t, http.StatusBadGateway, env.Error.Code)
	assert.Contains(t, env.Error.Message, "server went away")

	err := wsjson.Read(ctx, ws, &env)
	assert.Equal(t, websocket.StatusInternalError, websocket.CloseStatus(err))
}
