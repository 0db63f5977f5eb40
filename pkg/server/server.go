package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/pianoroll/pkg/middleware"
	"github.com/vango-dev/pianoroll/pkg/session"
)

// Server is the HTTP/WebSocket front of the relay. It upgrades clients,
// hands each connection to the Relay and owns the session Manager.
type Server struct {
	config *Config

	store    *session.Store
	registry *Registry
	relay    *Relay
	manager  *session.Manager
	metrics  *middleware.Metrics
	tracer   trace.Tracer

	upgrader websocket.Upgrader
	proxies  *proxyMatcher
	limiter  *ipLimiter
	router   chi.Router

	httpServer *http.Server

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	closing  bool
	handlers sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error

	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables Prometheus instrumentation and the /metrics route.
func WithMetrics(m *middleware.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used for message spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// New creates a server relaying sessions held by store and starts its
// session manager. Call Shutdown to stop it.
func New(config *Config, store *session.Store, opts ...Option) *Server {
	config = config.withDefaults()

	s := &Server{
		config:   config,
		store:    store,
		registry: NewRegistry(),
		conns:    make(map[*Conn]struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")

	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin:     checkOrigin,
	}
	s.proxies = newProxyMatcher(config.TrustedProxies, s.logger)
	s.limiter = newIPLimiter(config.MaxConnectionsPerIP)

	managerConfig := config.Manager
	if s.metrics != nil && managerConfig.Observer == nil {
		managerConfig.Observer = s.metrics
	}
	s.manager = session.NewManager(store, s.registry, managerConfig, s.logger)
	s.relay = NewRelay(store, s.registry, s.metrics, s.tracer, s.logger)
	s.router = s.routes()

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(s.logger))
	if s.metrics != nil {
		r.Use(s.metrics.HTTP)
	}
	r.Use(middleware.OpenTelemetry(
		middleware.WithRequestFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	))

	r.Get("/", s.handleWebSocket)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Handler returns the HTTP handler serving WebSocket upgrades, /healthz
// and, with metrics enabled, /metrics.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := ""
	if addr := clientIP(r, s.proxies); addr != nil {
		ip = addr.String()
	}

	if !s.limiter.acquire(ip) {
		s.logger.Warn("connection limit reached", "remote_ip", ip)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.limiter.release(ip)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("upgrade failed", "remote_ip", ip, "error", err)
		if s.metrics != nil {
			s.metrics.WebSocketError("upgrade")
		}
		return
	}

	conn := newConn(ws, s.config.Conn, s.logger.With("remote_ip", ip))
	if !s.track(conn) {
		conn.CloseGoingAway()
		conn.WritePump()
		return
	}
	defer s.untrack(conn)

	if s.metrics != nil {
		conn.onSlow = s.metrics.SlowConsumer
		s.metrics.ConnectionOpened()
		defer s.metrics.ConnectionClosed()
	}

	conn.logger.Debug("connection opened")
	go conn.WritePump()
	s.relay.Serve(r.Context(), conn)
	conn.logger.Debug("connection closed")
}

func (s *Server) track(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.handlers.Done()
}

type healthResponse struct {
	Status      string `json:"status"`
	Resident    int    `json:"resident"`
	Dirty       int    `json:"dirty"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.manager.Stats()
	body, err := sonic.Marshal(healthResponse{
		Status:      "ok",
		Resident:    stats.Resident,
		Dirty:       stats.Dirty,
		Connections: s.Connections(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// Connections returns the number of open WebSocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Registry returns the connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Manager returns the session manager.
func (s *Server) Manager() *session.Manager {
	return s.manager
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err

	case <-ctx.Done():
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting connections, closes the open ones, flushes every
// dirty session and closes the repository. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	var errs []error

	s.mu.Lock()
	srv := s.httpServer
	s.closing = true
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	for _, conn := range conns {
		conn.CloseGoingAway()
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("connections still open at shutdown", "count", s.Connections())
	}

	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Repository().Close(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown error", "error", err)
	} else {
		s.logger.Info("server shutdown complete")
	}
	return err
}
