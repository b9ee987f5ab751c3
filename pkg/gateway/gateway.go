// Package gateway exposes stream sessions to remote consumers over WebSocket.
//
// Each WebSocket connection owns exactly one session:
//
//	GET /sub?subject=orders.>&where=headers.region=="eu"
//	GET /watch?bucket=config&key=feature.x
//
// Items are sent as JSON envelopes in arrival order. The session is closed
// when the peer goes away, and the connection is closed when the session
// ends.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-nuts/pkg/broker"
	"github.com/lightforgemedia/go-nuts/pkg/filter"
	"github.com/lightforgemedia/go-nuts/pkg/registry"
	"github.com/lightforgemedia/go-nuts/pkg/stream"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Streamer opens the sessions the gateway serves.
type Streamer interface {
	Subscribe(ctx context.Context, subject string, opts ...stream.Option) (*stream.Session[broker.Message], error)
	Watch(ctx context.Context, bucket, key string, opts ...stream.Option) (*stream.Session[broker.Entry], error)
}

type gatewayConfig struct {
	logger        *slog.Logger
	acceptOptions *websocket.AcceptOptions
	writeTimeout  time.Duration
	pingInterval  time.Duration
}

// Option configures a Gateway.
type Option func(*gatewayConfig)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *gatewayConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(c *gatewayConfig) {
		c.acceptOptions = opts
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *gatewayConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithPingInterval sets the keepalive interval; 0 disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *gatewayConfig) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

// Gateway serves sessions of a Streamer.
type Gateway struct {
	config  gatewayConfig
	streams Streamer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closing bool
	active  map[string]string
}

// New creates a Gateway.
func New(streams Streamer, opts ...Option) *Gateway {
	cfg := gatewayConfig{
		logger:        slog.Default(),
		acceptOptions: &websocket.AcceptOptions{},
		writeTimeout:  defaultWriteTimeout,
		pingInterval:  defaultPingInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		config:  cfg,
		streams: streams,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]string),
	}
}

// Handler routes /sub, /watch and /healthz.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sub", g.handleSub)
	mux.HandleFunc("GET /watch", g.handleWatch)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}

// Active returns the names of the streams currently served, by session ID.
func (g *Gateway) Active() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.active))
	for k, v := range g.active {
		out[k] = v
	}
	return out
}

// Shutdown ends every served session and waits for the connections to close.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) handleSub(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		http.Error(w, "missing subject", http.StatusBadRequest)
		return
	}
	serve(g, w, r, func(ctx context.Context, opts ...stream.Option) (*stream.Session[broker.Message], error) {
		return g.streams.Subscribe(ctx, subject, opts...)
	})
}

func (g *Gateway) handleWatch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bucket := q.Get("bucket")
	if bucket == "" {
		http.Error(w, "missing bucket", http.StatusBadRequest)
		return
	}
	key := q.Get("key")
	serve(g, w, r, func(ctx context.Context, opts ...stream.Option) (*stream.Session[broker.Entry], error) {
		return g.streams.Watch(ctx, bucket, key, opts...)
	})
}

type openFunc[T any] func(ctx context.Context, opts ...stream.Option) (*stream.Session[T], error)

func serve[T any](g *Gateway, w http.ResponseWriter, r *http.Request, open openFunc[T]) {
	if !g.enter() {
		http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	var opts []stream.Option
	if where := r.URL.Query().Get("where"); where != "" {
		pred, err := filter.Compile(where, g.config.logger)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts = append(opts, stream.WithFilter(pred.Keep))
	}

	sess, err := open(r.Context(), opts...)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	defer sess.Close()

	conn, err := websocket.Accept(w, r, g.config.acceptOptions)
	if err != nil {
		g.config.logger.Info("Failed to accept websocket connection", "error", err)
		return
	}

	g.track(sess.ID(), sess.Name())
	defer g.untrack(sess.ID())

	logger := g.config.logger.With("session", sess.ID(), "stream", sess.Name())
	logger.Info("Gateway client connected", "remote", r.RemoteAddr)

	connCtx, cancel := context.WithCancel(g.ctx)
	defer cancel()
	// The peer never sends anything; CloseRead reports when it goes away.
	peerCtx := conn.CloseRead(connCtx)

	if g.config.pingInterval > 0 {
		go g.pingLoop(peerCtx, conn, logger)
	}

	var seq uint64
	for {
		v, err := sess.Next(peerCtx)
		if err != nil {
			g.finish(peerCtx, conn, sess.ID(), err, logger)
			return
		}
		seq++
		env := Envelope{Session: sess.ID(), Type: TypeItem, Seq: seq, Item: filter.Row(v)}
		if err := g.write(peerCtx, conn, env); err != nil {
			logger.Info("Gateway write failed, closing", "error", err)
			conn.Close(websocket.StatusInternalError, "write error")
			return
		}
	}
}

// finish reports how the session ended and closes the connection.
func (g *Gateway) finish(ctx context.Context, conn *websocket.Conn, id string, err error, logger *slog.Logger) {
	if ctx.Err() != nil {
		if g.ctx.Err() != nil {
			conn.Close(websocket.StatusGoingAway, "gateway shutting down")
			return
		}
		conn.CloseNow()
		logger.Info("Gateway client disconnected")
		return
	}

	env := Envelope{Session: id, Type: TypeEnd}
	status := websocket.StatusNormalClosure
	reason := "stream ended"
	if !errors.Is(err, io.EOF) {
		env.Type = TypeError
		env.Error = &ErrorPayload{Code: statusOf(err), Message: err.Error()}
		status = websocket.StatusInternalError
		reason = "stream failed"
	}
	if werr := g.write(ctx, conn, env); werr != nil {
		logger.Debug("Failed to send final frame", "error", werr)
	}
	conn.Close(status, reason)
	logger.Info("Gateway stream ended", "type", env.Type)
}

func (g *Gateway) write(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	writeCtx, cancel := context.WithTimeout(ctx, g.config.writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, env)
}

func (g *Gateway) pingLoop(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) {
	ticker := time.NewTicker(g.config.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, g.config.pingInterval/2)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Info("Gateway ping failed, closing", "error", err)
				conn.Close(websocket.StatusPolicyViolation, "ping failure")
				return
			}
		}
	}
}

// enter registers a connection with Shutdown's wait group. It reports false
// once Shutdown has started, so no Add can follow the Wait.
func (g *Gateway) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *Gateway) track(id, name string) {
	g.mu.Lock()
	g.active[id] = name
	g.mu.Unlock()
}

func (g *Gateway) untrack(id string) {
	g.mu.Lock()
	delete(g.active, id)
	g.mu.Unlock()
}

func statusOf(err error) int {
	var te *broker.TransportError
	switch {
	case errors.Is(err, registry.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, broker.ErrBucketNotFound), errors.Is(err, broker.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.As(err, &te):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
