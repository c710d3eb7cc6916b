package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"query-orchestrator/internal/batch"
	"query-orchestrator/internal/config"
	"query-orchestrator/internal/execution"
	"query-orchestrator/internal/monitor"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Deps are the components the HTTP surface drives.
type Deps struct {
	Store   Store
	Exec    *execution.Orchestrator
	Batches *batch.Orchestrator
	Metrics *monitor.Metrics
	// DB is nil when running on the in-memory store.
	DB HealthChecker
	// PollerRunning reports whether the background sweep is active.
	PollerRunning func() bool
}

// Server is the main HTTP server for the orchestrator API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	deps       Deps
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	handlers := NewHandlers(deps.Store, deps.Exec, deps.Batches, deps.Metrics, cfg.Batch.StaleThreshold)

	s := &Server{
		handlers:  handlers,
		deps:      deps,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true: all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false: all requests will be rejected")
		}
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	h := s.handlers
	cfg := s.cfg

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /executions", h.HandleSubmit)
	apiMux.HandleFunc("GET /executions", h.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", h.HandleGetExecution)
	apiMux.HandleFunc("POST /batches", h.HandleRunBatch)
	apiMux.HandleFunc("GET /batches", h.HandleListBatches)
	apiMux.HandleFunc("POST /batches/recover", h.HandleRecoverBatches)
	apiMux.HandleFunc("GET /batches/{id}", h.HandleGetBatch)
	apiMux.HandleFunc("GET /batches/{id}/results", h.HandleBatchResults)
	apiMux.HandleFunc("POST /batches/{id}/cancel", h.HandleCancelBatch)
	apiMux.HandleFunc("GET /batches/{id}/events", h.HandleBatchEvents)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Outermost last.
	var handler http.Handler = mux
	handler = ConcurrencyLimitMiddleware(cfg.Security.MaxConcurrentBatches, IsBatchSubmission)(handler)
	handler = MetricsMiddleware(s.deps.Metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.DB == nil || s.deps.DB.Healthy(r.Context())
	pollerOK := s.deps.PollerRunning == nil || s.deps.PollerRunning()

	resp := HealthResponse{
		Status:   "ok",
		Database: dbOK,
		Poller:   pollerOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Batches != nil {
		lim := s.deps.Batches.Limiter()
		resp.LimiterInFlight = lim.InFlight()
		resp.LimiterCapacity = lim.Capacity()
	}

	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
