// Package gateway serves the HTTP and WebSocket API. Every endpoint
// lives under /api/v1; health probes and the metrics exposition sit at
// the root. Authentication is bearer-token based and optional on the
// read paths: anonymous callers act as guests and the rule engine
// decides what guests may do.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"time"

	"log/slog"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/toolgate/toolgate/pkg/audit"
	"github.com/toolgate/toolgate/pkg/auth"
	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/discovery"
	"github.com/toolgate/toolgate/pkg/executor"
	"github.com/toolgate/toolgate/pkg/health"
	"github.com/toolgate/toolgate/pkg/intent"
	"github.com/toolgate/toolgate/pkg/observability"
	"github.com/toolgate/toolgate/pkg/pipeline"
	"github.com/toolgate/toolgate/pkg/registry"
	"github.com/toolgate/toolgate/pkg/rules"
)

// Deps are the wired components the server runs against. All fields
// are required except Health, which disables the probe routes when nil.
type Deps struct {
	Config    *config.Config
	Registry  *registry.Registry
	Pipeline  *pipeline.Pipeline
	Intents   *intent.Engine
	Rules     *rules.Engine
	Caller    pipeline.ToolCaller
	Discovery *discovery.Service
	Audit     audit.Store
	Metrics   *observability.GatewayMetrics
	Tracer    *observability.Tracer
	Health    *health.Server
	Logger    *slog.Logger
}

// Server is the API front end.
type Server struct {
	cfg        *config.Config
	reg        *registry.Registry
	pipe       *pipeline.Pipeline
	intents    *intent.Engine
	rules      *rules.Engine
	caller     pipeline.ToolCaller
	disco      *discovery.Service
	auditStore audit.Store
	metrics    *observability.GatewayMetrics
	tracer     *observability.Tracer
	health     *health.Server
	log        *slog.Logger

	tokens   *auth.Tokens
	authMW   *auth.Middleware
	builder  *executor.Builder
	limiter  *visitorLimiter
	sessions *sessionTracker
	hub      *eventHub

	started time.Time
	httpSrv *http.Server
}

// New builds the server. The token authority is derived from the auth
// config so the CLI and the API always agree on signing.
func New(d Deps) *Server {
	tokens := auth.NewTokens(d.Config.Auth.Secret, d.Config.Auth.AccessTTL(), d.Config.Auth.RefreshTTL())
	return &Server{
		cfg:        d.Config,
		reg:        d.Registry,
		pipe:       d.Pipeline,
		intents:    d.Intents,
		rules:      d.Rules,
		caller:     d.Caller,
		disco:      d.Discovery,
		auditStore: d.Audit,
		metrics:    d.Metrics,
		tracer:     d.Tracer,
		health:     d.Health,
		log:        d.Logger,
		tokens:     tokens,
		authMW:     auth.NewMiddleware(tokens, d.Logger),
		builder:    executor.NewBuilder(d.Logger),
		limiter:    newVisitorLimiter(d.Config.Gateway.RateLimitPerMinute),
		sessions:   newSessionTracker(d.Metrics.ActiveSessions),
		hub:        newEventHub(d.Logger, d.Metrics.EventSubscribers),
		started:    time.Now(),
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.buildHandler(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go s.limiter.run(ctx)
	go s.sessions.run(ctx)

	s.log.Info("gateway listening", "addr", s.cfg.ListenAddr)

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains the event subscribers and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.closeAll()
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// buildHandler assembles routes and the middleware chain. Order on the
// API subrouter: request counting, token parse, rate limit.
func (s *Server) buildHandler() http.Handler {
	root := mux.NewRouter()
	root.Use(s.countRequests)

	if s.health != nil {
		s.health.Routes(func(pattern string, handler func(http.ResponseWriter, *http.Request)) {
			root.HandleFunc(pattern, handler)
		})
	}
	root.Handle("/metrics", s.metricsEndpoint()).Methods(http.MethodGet)

	api := root.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMW.Authenticate)
	api.Use(s.rateLimit)

	admin := s.authMW.RequireRole(auth.RoleAdmin.Name)
	authed := s.authMW.RequireAuth

	ar := api.PathPrefix("/auth").Subrouter()
	ar.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	ar.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	ar.Handle("/me", authed(http.HandlerFunc(s.handleMe))).Methods(http.MethodGet)

	api.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)

	api.HandleFunc("/tools", s.handleListTools).Methods(http.MethodGet)
	api.HandleFunc("/tools/{name}", s.handleGetTool).Methods(http.MethodGet)
	api.Handle("/tools/{name}/execute", authed(http.HandlerFunc(s.handleExecuteTool))).Methods(http.MethodPost)

	api.HandleFunc("/servers", s.handleListServers).Methods(http.MethodGet)
	api.Handle("/servers/discover", admin(http.HandlerFunc(s.handleDiscoverAll))).Methods(http.MethodPost)
	api.Handle("/servers/{id}/discover", admin(http.HandlerFunc(s.handleDiscoverServer))).Methods(http.MethodPost)

	api.Handle("/audit/logs", admin(http.HandlerFunc(s.handleAuditLogs))).Methods(http.MethodGet)
	api.Handle("/traces", admin(http.HandlerFunc(s.handleTraces))).Methods(http.MethodGet)

	api.Handle("/intent/train", admin(http.HandlerFunc(s.handleTrain))).Methods(http.MethodPost)
	api.Handle("/intent/samples", authed(http.HandlerFunc(s.handleAddSample))).Methods(http.MethodPost)

	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.Gateway.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(root)
}

// metricsEndpoint refreshes the scrape-time gauges before delegating to
// the exposition handler.
func (s *Server) metricsEndpoint() http.HandlerFunc {
	inner := observability.MetricsHandler(s.metrics.Registry)
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Uptime.Set(int64(time.Since(s.started).Seconds()))
		s.metrics.GoroutineCount.Set(int64(runtime.NumGoroutine()))
		inner(w, r)
	}
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.HTTPRequests.Inc()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if sw.status >= http.StatusInternalServerError {
			s.metrics.HTTPErrors.Inc()
		}
	})
}

// rateLimit throttles by user id, or by remote address for anonymous
// callers.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := auth.IdentityFrom(r.Context()).UserID
		if key == "" {
			key = remoteIP(r)
		}
		if !s.limiter.allow(key) {
			s.metrics.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auditLogger returns a JSONL audit logger bound to the caller.
func (s *Server) auditLogger(ctx context.Context) *audit.Logger {
	return audit.NewLogger(s.auditStore, auth.IdentityFrom(ctx).Username)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusWriter captures the response code for the error counter. It
// forwards Hijack and Flush so the WebSocket upgrade still works
// through the middleware chain.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
