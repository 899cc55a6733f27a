// Package server provides the HTTP server for the media cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/wolfeidau/media-cache/accounting"
	"github.com/wolfeidau/media-cache/cache"
	"github.com/wolfeidau/media-cache/credentials"
	"github.com/wolfeidau/media-cache/fetch"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Routes used as the "route" tag on logs and metrics.
const (
	routeMedia    = "media"
	routeSession  = "session"
	routeCache    = "cache"
	routeInternal = "internal"
	routeUnknown  = "unknown"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// MaxConns caps concurrent connections. Zero means unlimited.
	MaxConns int

	// AuthToken enables Bearer authentication on every route except
	// /health and /metrics.
	AuthToken string

	// Cache configures the shared media cache.
	Cache cache.Config

	// Accounting is the bandwidth accounting API. When nil or without a base
	// URL, reports are logged and discarded.
	Accounting *credentials.AccountingConfig

	// Upstream holds per-host headers for origin requests.
	Upstream *credentials.UpstreamConfig

	// Dispatcher configures report delivery.
	Dispatcher accounting.DispatcherConfig

	// ShutdownTimeout bounds draining queued reports on Shutdown.
	ShutdownTimeout time.Duration

	// SessionIdleTimeout closes sessions that receive no requests for this
	// long. Zero means DefaultSessionIdleTimeout, negative disables it.
	SessionIdleTimeout time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the media cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	provider   *cache.Provider
	handle     *cache.Handle
	source     *fetch.Source
	dispatcher *accounting.Dispatcher
	accountant *accounting.Accountant
	sessions   *sessionRegistry

	stopReaper chan struct{}
	reaperDone chan struct{}
	stopOnce   sync.Once
}

// New opens the cache and wires the fetch and accounting paths.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.SessionIdleTimeout == 0 {
		cfg.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if cfg.Cache.Logger == nil {
		cfg.Cache.Logger = cfg.Logger
	}
	if cfg.Dispatcher.Logger == nil {
		cfg.Dispatcher.Logger = cfg.Logger
	}

	provider := cache.NewProvider(cfg.Cache)
	handle, err := provider.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	c := handle.Cache()

	source := fetch.NewSource(c,
		fetch.NewHTTPUpstream(fetch.WithRoutes(cfg.Upstream)),
		fetch.WithLogger(cfg.Logger),
	)

	dispatcher := accounting.NewDispatcher(newReporter(cfg.Accounting, cfg.Logger), cfg.Dispatcher)
	accountant := accounting.New(c, dispatcher, accounting.WithLogger(cfg.Logger))

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		provider:   provider,
		handle:     handle,
		source:     source,
		dispatcher: dispatcher,
		accountant: accountant,
		sessions:   newSessionRegistry(time.Now),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // large media ranges
		IdleTimeout:  60 * time.Second,
	}

	go s.reapIdleSessions()

	return s, nil
}

// reapIdleSessions closes sessions abandoned by their player until Shutdown.
func (s *Server) reapIdleSessions() {
	defer close(s.reaperDone)

	if s.config.SessionIdleTimeout < 0 {
		<-s.stopReaper
		return
	}

	ticker := time.NewTicker(max(s.config.SessionIdleTimeout/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.sessions.closeIdle(s.config.SessionIdleTimeout); n > 0 {
				s.logger.Info("closed idle sessions", "count", n, "idle_timeout", s.config.SessionIdleTimeout)
			}
		case <-s.stopReaper:
			return
		}
	}
}

func newReporter(cfg *credentials.AccountingConfig, logger *slog.Logger) accounting.Reporter {
	if cfg == nil || cfg.BaseURL == "" {
		logger.Warn("no accounting API configured, bandwidth reports will be discarded")
		return discardReporter{logger: logger}
	}
	var opts []accounting.ReporterOption
	if cfg.Token != "" {
		opts = append(opts, accounting.WithBearerToken(cfg.Token))
	}
	return accounting.NewHTTPReporter(cfg.BaseURL, opts...)
}

type discardReporter struct {
	logger *slog.Logger
}

func (d discardReporter) Report(_ context.Context, r accounting.Report) error {
	d.logger.Debug("discarding bandwidth report", "url", string(r.Subject.Key), "bytes", r.Bytes)
	return nil
}

// Handler returns the root HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Fetch-through media ranges
	mux.HandleFunc("GET /media", s.handleMedia)
	mux.HandleFunc("HEAD /media", s.handleMedia)

	// Playback sessions
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("POST /sessions/{id}/transfer", s.handleTransfer)
	mux.HandleFunc("POST /sessions/{id}/position", s.handlePosition)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)

	// Cache administration
	mux.HandleFunc("DELETE /cache", s.handleClear)
	mux.HandleFunc("GET /cache/entry", s.handleEntry)
	mux.HandleFunc("DELETE /cache/entry", s.handleRemove)
	mux.HandleFunc("POST /cache/sweep", s.handleSweep)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	cache.Stats
	Sessions       int `json:"sessions"`
	PendingReports int `json:"pending_reports"`
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.handle.Cache().Stats(r.Context())
	if err != nil {
		s.writeCacheError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:          stats,
		Sessions:       s.sessions.len(),
		PendingReports: s.dispatcher.Pending(),
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		telemetry.SetRoute(r, deriveRoute(r.URL.Path))

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", tags.Route,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.SessionID != "" {
			attrs = append(attrs, "session_id", tags.SessionID)
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}

	s.logger.Info("starting server",
		"address", ln.Addr().String(),
		"max_conns", s.config.MaxConns,
		"budget", s.provider.Budget(),
	)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, closes open sessions, drains queued reports
// and releases the cache.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down http server: %w", err))
	}

	s.stopOnce.Do(func() { close(s.stopReaper) })
	<-s.reaperDone
	s.sessions.closeAll()

	drainCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.dispatcher.Close(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("draining reports: %w", err))
	}

	if err := s.handle.Release(); err != nil {
		errs = append(errs, fmt.Errorf("closing cache: %w", err))
	}
	return errors.Join(errs...)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute classifies the request path for logs and metrics.
func deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return routeInternal
	case path == "/media":
		return routeMedia
	case path == "/sessions" || strings.HasPrefix(path, "/sessions/"):
		return routeSession
	case path == "/cache" || strings.HasPrefix(path, "/cache/"):
		return routeCache
	default:
		return routeUnknown
	}
}
