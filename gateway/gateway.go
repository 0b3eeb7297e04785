package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linesport/oddstream/dedup"
	"github.com/linesport/oddstream/dispatch"
	"github.com/linesport/oddstream/errors"
	"github.com/linesport/oddstream/message"
	"github.com/linesport/oddstream/metric"
	"github.com/linesport/oddstream/registry"
	"github.com/linesport/oddstream/tick"
)

// Config holds ingest gateway settings.
type Config struct {
	Port         int           `yaml:"port" json:"port"`
	Path         string        `yaml:"path" json:"path"`
	PingInterval time.Duration `yaml:"pingInterval" json:"pingInterval"`
	ReadTimeout  time.Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout" json:"writeTimeout"`
	ReadLimit    int64         `yaml:"readLimit" json:"readLimit"`
}

// DefaultConfig returns standard gateway settings.
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		Path:         "/ws",
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadLimit:    1 << 20,
	}
}

type clientSession struct {
	conn      *websocket.Conn
	transport *wsTransport
	reg       *registry.Conn
}

// Gateway is the WebSocket ingest server.
type Gateway struct {
	cfg      Config
	logger   *slog.Logger
	registry *registry.Registry
	dedup    *dedup.Cache
	pool     *dispatch.Pool
	metrics  *Metrics

	server   *http.Server
	upgrader websocket.Upgrader

	clients   map[string]*clientSession
	clientsMu sync.RWMutex

	running     bool
	startTime   time.Time
	runCtx      context.Context
	mu          sync.RWMutex
	lifecycleMu sync.Mutex
	shutdown    chan struct{}
	wg          *sync.WaitGroup
}

// New creates a gateway over its collaborators. The metrics registry is
// optional; nil disables gateway metrics.
func New(cfg Config, reg *registry.Registry, cache *dedup.Cache, pool *dispatch.Pool,
	metricsRegistry *metric.MetricsRegistry, logger *slog.Logger) (*Gateway, error) {

	if logger == nil {
		logger = slog.Default()
	}
	metrics, err := newMetrics(metricsRegistry)
	if err != nil {
		return nil, errors.Wrap(err, "gateway", "New", "register metrics")
	}

	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		dedup:    cache,
		pool:     pool,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		clients: make(map[string]*clientSession),
	}, nil
}

// Initialize validates configuration before Start.
func (g *Gateway) Initialize() error {
	if g.cfg.Port < 1024 || g.cfg.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "gateway", "Initialize",
			fmt.Sprintf("invalid port %d (out of range 1024-65535)", g.cfg.Port))
	}
	if g.cfg.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "gateway", "Initialize", "path cannot be empty")
	}
	if g.registry == nil || g.dedup == nil || g.pool == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "gateway", "Initialize",
			"registry, dedup cache, and dispatch pool are required")
	}
	return nil
}

// Handler returns the gateway's HTTP handler. Exposed for tests that mount
// it on their own listener.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.Path, g.handleWebSocket)
	return mux
}

// Start begins accepting connections. It returns once the listener is
// launched; the server runs until Stop.
func (g *Gateway) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}
	if ctx == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "gateway", "Start", "context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "gateway", "Start", "context already cancelled")
	}

	g.runCtx = ctx
	g.shutdown = make(chan struct{})
	g.wg = &sync.WaitGroup{}
	g.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", g.cfg.Port),
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.running = true
	g.startTime = time.Now()

	g.wg.Add(2)
	go g.runServer()
	go g.maintainClients(ctx)

	g.logger.Info("ingest gateway started", "port", g.cfg.Port, "path", g.cfg.Path)
	return nil
}

// Stop shuts the listener down, waits for per-connection goroutines, and
// closes every live connection.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	close(g.shutdown)
	server := g.server
	wg := g.wg
	g.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("http server shutdown", "error", err)
		}
	}

	g.registry.CloseAll()

	if wg != nil {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			g.logger.Warn("gateway goroutines did not exit before timeout", "timeout", timeout)
		}
	}

	g.clientsMu.Lock()
	g.clients = make(map[string]*clientSession)
	g.clientsMu.Unlock()

	g.mu.Lock()
	g.server = nil
	g.wg = nil
	g.mu.Unlock()

	g.logger.Info("ingest gateway stopped")
	return nil
}

// Running reports whether the gateway is accepting connections.
func (g *Gateway) Running() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}

func (g *Gateway) runServer() {
	defer g.wg.Done()

	g.mu.RLock()
	server := g.server
	g.mu.RUnlock()
	if server == nil {
		return
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		g.logger.Error("gateway server failed", "error", err)
		if g.metrics != nil {
			g.metrics.errorsTotal.WithLabelValues("server").Inc()
		}
	}
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if g.metrics != nil {
			g.metrics.errorsTotal.WithLabelValues("connection_upgrade").Inc()
		}
		return
	}

	transport := newWSTransport(conn, g.cfg.WriteTimeout)
	regConn := g.registry.Register(transport)
	sess := &clientSession{conn: conn, transport: transport, reg: regConn}

	g.clientsMu.Lock()
	g.clients[regConn.ID] = sess
	count := len(g.clients)
	g.clientsMu.Unlock()

	if g.metrics != nil {
		g.metrics.connectionTotal.Inc()
		g.metrics.clientsConnected.Set(float64(count))
	}
	g.logger.Debug("client connected", "conn", regConn.ID, "remote", r.RemoteAddr)

	// wg is nil when the handler is mounted without Start (tests) or when
	// Stop already ran; the read loop still serves the connection.
	g.mu.RLock()
	wg := g.wg
	g.mu.RUnlock()
	if wg != nil {
		wg.Add(1)
	}
	go g.readLoop(sess, wg)
}

// readLoop consumes frames from one connection until it closes. The read
// deadline doubles as an idle timeout, pushed forward by any frame or pong.
func (g *Gateway) readLoop(sess *clientSession, wg *sync.WaitGroup) {
	if wg != nil {
		defer wg.Done()
	}

	reason := "normal"
	defer func() { g.removeSession(sess, reason) }()

	sess.conn.SetReadLimit(g.cfg.ReadLimit)
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	})

	for {
		select {
		case <-g.shutdown:
			reason = "shutdown"
			return
		default:
		}

		_ = sess.conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "read_error"
			}
			return
		}
		g.handleFrame(sess, data)
	}
}

func (g *Gateway) handleFrame(sess *clientSession, data []byte) {
	env, err := message.Parse(data)
	if err != nil {
		if g.metrics != nil {
			g.metrics.errorsTotal.WithLabelValues("parse").Inc()
		}
		g.replyError(sess, "invalid message: "+err.Error())
		return
	}
	if g.metrics != nil {
		g.metrics.messagesReceived.WithLabelValues(env.Type).Inc()
	}

	switch env.Type {
	case message.TypeSubscribe:
		g.handleSubscribe(sess, env.Data)
	case message.TypeUnsubscribe:
		g.handleUnsubscribe(sess, env.Data)
	case message.TypePing:
		g.reply(sess, message.New(message.TypePong, nil))
	case message.TypeMarketData:
		g.handleTick(sess, env.Data)
	default:
		g.replyError(sess, "unsupported message type: "+env.Type)
	}
}

// handleSubscribe joins the requested channels. Channels outside the
// allow-list are skipped without an error; the confirmation lists what was
// actually joined.
func (g *Gateway) handleSubscribe(sess *clientSession, data json.RawMessage) {
	var sub message.SubscriptionData
	if err := json.Unmarshal(data, &sub); err != nil {
		g.replyError(sess, "invalid subscription data")
		return
	}

	accepted := make([]string, 0, len(sub.Channels))
	for _, ch := range sub.Channels {
		if g.registry.Subscribe(sess.reg.ID, ch) {
			accepted = append(accepted, ch)
		}
	}
	g.reply(sess, message.New(message.TypeSubscriptionConfirmed,
		message.SubscriptionData{Channels: accepted}))
}

func (g *Gateway) handleUnsubscribe(sess *clientSession, data json.RawMessage) {
	var sub message.SubscriptionData
	if err := json.Unmarshal(data, &sub); err != nil {
		g.replyError(sess, "invalid subscription data")
		return
	}

	for _, ch := range sub.Channels {
		g.registry.Unsubscribe(sess.reg.ID, ch)
	}
	g.reply(sess, message.New(message.TypeUnsubscriptionConfirmed,
		message.SubscriptionData{Channels: sub.Channels}))
}

// handleTick validates and deduplicates one tick, then hands it to the
// pool. Duplicates are dropped without a reply; a full pool drops the tick
// and counts it.
func (g *Gateway) handleTick(sess *clientSession, data json.RawMessage) {
	var t tick.Tick
	if err := json.Unmarshal(data, &t); err != nil {
		if g.metrics != nil {
			g.metrics.ticksRejected.WithLabelValues("malformed").Inc()
		}
		g.replyError(sess, "invalid tick payload")
		return
	}
	if err := t.Validate(); err != nil {
		if g.metrics != nil {
			g.metrics.ticksRejected.WithLabelValues("invalid").Inc()
		}
		g.replyError(sess, err.Error())
		return
	}

	if !g.dedup.CheckAndInsert(t.Fingerprint()) {
		if g.metrics != nil {
			g.metrics.ticksRejected.WithLabelValues("duplicate").Inc()
		}
		return
	}

	if g.metrics != nil {
		g.metrics.ticksReceived.WithLabelValues(t.Exchange).Inc()
	}

	g.mu.RLock()
	ctx := g.runCtx
	g.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := g.pool.Dispatch(ctx, t); err != nil {
		if g.metrics != nil {
			g.metrics.ticksRejected.WithLabelValues("overflow").Inc()
		}
		g.logger.Debug("tick dropped", "tick", t.String(), "error", err)
	}
}

func (g *Gateway) reply(sess *clientSession, env message.Envelope) {
	data, err := env.Encode()
	if err != nil {
		if g.metrics != nil {
			g.metrics.errorsTotal.WithLabelValues("encode").Inc()
		}
		return
	}
	g.registry.Offer(sess.reg, data)
}

func (g *Gateway) replyError(sess *clientSession, msg string) {
	g.reply(sess, message.New(message.TypeError, message.ErrorData{Message: msg}))
}

func (g *Gateway) removeSession(sess *clientSession, reason string) {
	g.clientsMu.Lock()
	if _, ok := g.clients[sess.reg.ID]; !ok {
		g.clientsMu.Unlock()
		return
	}
	delete(g.clients, sess.reg.ID)
	count := len(g.clients)
	g.clientsMu.Unlock()

	g.registry.Remove(sess.reg.ID)
	if g.metrics != nil {
		g.metrics.disconnectionTotal.WithLabelValues(reason).Inc()
		g.metrics.clientsConnected.Set(float64(count))
	}
	g.logger.Debug("client disconnected", "conn", sess.reg.ID, "reason", reason)
}

// maintainClients pings every connection on a timer; a failed ping removes
// the connection.
func (g *Gateway) maintainClients(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.shutdown:
			return
		case <-ticker.C:
			g.pingClients()
		}
	}
}

func (g *Gateway) pingClients() {
	g.clientsMu.RLock()
	sessions := make([]*clientSession, 0, len(g.clients))
	for _, sess := range g.clients {
		sessions = append(sessions, sess)
	}
	g.clientsMu.RUnlock()

	for _, sess := range sessions {
		if err := sess.transport.Ping(); err != nil {
			g.removeSession(sess, "ping_failed")
		}
	}
}
