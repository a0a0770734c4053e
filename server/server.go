// Package server runs the shared callback HTTP server: health, status and
// metrics, the control endpoints, and the routes webhook platforms mount at
// runtime. Requests carry correlation IDs for consistent logging.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/config"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/telemetry"
)

// Controller is the session supervisor as the control endpoints see it.
type Controller interface {
	ConnectPlatform(ctx context.Context, p chat.Platform, username, token string) error
	DisconnectPlatform(ctx context.Context, p chat.Platform) error
	ConnectBot(ctx context.Context, p chat.Platform, username, token, refreshToken string) error
	SendAsBot(ctx context.Context, p chat.Platform, text string, allowFallback bool) error
	DeleteMessage(ctx context.Context, p chat.Platform, messageID string) error
	BanUser(ctx context.Context, p chat.Platform, username, userID string) error
	DisablePlatform(ctx context.Context, p chat.Platform, disabled bool) error
	Sessions() []connector.Info
	Started() bool
}

// Options configures a Server.
type Options struct {
	Addr      string
	Control   Controller
	Auth      AuthConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
}

// OptionsFromConfig maps the process config onto server options.
func OptionsFromConfig(cfg *config.Config, ctl Controller) Options {
	return Options{
		Addr:    cfg.CallbackAddr,
		Control: ctl,
		Auth: AuthConfig{
			Username: cfg.AdminUsername,
			Password: cfg.AdminPassword,
			Token:    cfg.AdminToken,
		},
		RateLimit: RateLimitConfig{
			Enabled:       cfg.RateLimitEnabled,
			RequestsPerIP: cfg.RateLimitRequestsPerIP,
			Window:        cfg.RateLimitWindow,
		},
		CORS: CORSConfig{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			Permissive:     cfg.CORSPermissive,
		},
	}
}

// Server is the callback server. Built-in routes are fixed; platform
// routes are added and removed while it runs.
type Server struct {
	addr    string
	control Controller
	handler http.Handler
	mux     *http.ServeMux

	mu     sync.RWMutex
	routes map[string]http.Handler

	startMu  sync.Mutex
	started  bool
	listener net.Listener
	done     chan struct{}
}

// New builds the server and its handler. ctx bounds the rate limiter's
// cleanup goroutine.
func New(ctx context.Context, opts Options) *Server {
	s := &Server{
		addr:    opts.Addr,
		control: opts.Control,
		mux:     http.NewServeMux(),
		routes:  make(map[string]http.Handler),
	}
	if opts.Auth.enabled() {
		slog.Info("control endpoints protected", slog.Bool("token", opts.Auth.Token != ""), slog.Bool("basic", opts.Auth.Username != ""))
	} else {
		slog.Warn("admin authentication not configured: control endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN")
	}
	limiter := newIPRateLimiter(ctx, opts.RateLimit)

	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/readyz", s.handleReadyz)
	s.mux.HandleFunc("/status", s.handleStatus)

	control := http.NewServeMux()
	control.HandleFunc("/control/connect", s.handleConnect)
	control.HandleFunc("/control/disconnect", s.handleDisconnect)
	control.HandleFunc("/control/connect-bot", s.handleConnectBot)
	control.HandleFunc("/control/send", s.handleSend)
	control.HandleFunc("/control/delete", s.handleDelete)
	control.HandleFunc("/control/ban", s.handleBan)
	control.HandleFunc("/control/disable", s.handleDisable)
	s.mux.Handle("/control/", adminAuth(rateLimitMiddleware(control, limiter), opts.Auth))

	s.handler = withCORSConfig(withObservability(http.HandlerFunc(s.route)), opts.CORS)
	return s
}

// SetController installs the supervisor. It must be called before Start
// when the server was built without one.
func (s *Server) SetController(ctl Controller) { s.control = ctl }

// route serves mounted platform routes before the built-in mux.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h, ok := s.routes[r.URL.Path]
	s.mu.RUnlock()
	if ok {
		h.ServeHTTP(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Handle mounts h at path, replacing any handler already there.
func (s *Server) Handle(path string, h http.Handler) {
	s.mu.Lock()
	_, replaced := s.routes[path]
	s.routes[path] = h
	s.mu.Unlock()
	slog.Info("callback route mounted", slog.String("path", path), slog.Bool("replaced", replaced))
}

// Remove unmounts path. Unknown paths are ignored.
func (s *Server) Remove(path string) {
	s.mu.Lock()
	_, ok := s.routes[path]
	delete(s.routes, path)
	s.mu.Unlock()
	if ok {
		slog.Info("callback route removed", slog.String("path", path))
	}
}

// Mounted reports whether a platform route is mounted at path.
func (s *Server) Mounted(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.routes[path]
	return ok
}

// Start listens on the configured address and serves until ctx is done.
// Later calls are no-ops. A busy port is logged and Start returns nil so the
// process keeps running without webhooks.
func (s *Server) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			slog.Warn("callback server address in use, continuing without it", slog.String("addr", s.addr), slog.Any("err", err))
			return nil
		}
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.started = true
	s.listener = ln
	s.done = make(chan struct{})

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values while letting shutdown finish.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	go func() {
		defer close(s.done)
		slog.Info("callback server listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.Any("err", err))
		}
	}()
	return nil
}

// Addr is the bound address once listening, else the configured one.
func (s *Server) Addr() string {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Listening reports whether Start bound the port.
func (s *Server) Listening() bool {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.started
}

// Wait blocks until the server has stopped serving or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	s.startMu.Lock()
	done := s.done
	s.startMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withObservability injects a correlation ID and wraps the request in a span.
func withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
