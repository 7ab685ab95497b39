// Package server exposes the control-plane HTTP API: job submission and
// lifecycle, session listing, processor and resource introspection, rate
// limiter status, health, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/governor"
	"github.com/vidforge/vidforge/internal/observability"
	"github.com/vidforge/vidforge/internal/processor"
	"github.com/vidforge/vidforge/internal/progress"
	"github.com/vidforge/vidforge/internal/ratelimit"
	"github.com/vidforge/vidforge/internal/session"
)

// Shutdown and request handling timeouts.
const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Server is the control-plane HTTP server.
type Server struct {
	cfg     config.ServerConfig
	store   *session.Store
	proc    *processor.Processor
	tracker *progress.Tracker
	gov     *governor.Governor
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	httpSrv *http.Server
}

// New assembles the server and its routes.
func New(
	cfg config.ServerConfig,
	store *session.Store,
	proc *processor.Processor,
	tracker *progress.Tracker,
	gov *governor.Governor,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		cfg:     cfg,
		store:   store,
		proc:    proc,
		tracker: tracker,
		gov:     gov,
		limiter: limiter,
		logger:  logger,
	}

	router, err := srv.routes()
	if err != nil {
		return nil, err
	}

	srv.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv, nil
}

// routes builds the mux router with all endpoints and middleware.
func (s *Server) routes() (*mux.Router, error) {
	router := mux.NewRouter()
	router.Use(s.requestLogging)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}", s.handleJobStatus).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/processor", s.handleProcessorMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/processor/pause", s.handlePauseProcessor).Methods(http.MethodPost)
	v1.HandleFunc("/processor/resume", s.handleResumeProcessor).Methods(http.MethodPost)
	v1.HandleFunc("/processor/stop", s.handleStopProcessor).Methods(http.MethodPost)
	v1.HandleFunc("/resources", s.handleResources).Methods(http.MethodGet)
	v1.HandleFunc("/resources/gc", s.handleForceGC).Methods(http.MethodPost)
	v1.HandleFunc("/ratelimit", s.handleRateLimit).Methods(http.MethodGet)
	v1.HandleFunc("/ratelimit/{service}", s.handleRateLimitService).Methods(http.MethodGet)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	promHandler, err := observability.PrometheusHandler()
	if err != nil {
		return nil, fmt.Errorf("metrics endpoint: %w", err)
	}

	router.Handle("/metrics", promHandler).Methods(http.MethodGet)

	return router, nil
}

// Handler returns the assembled HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe blocks serving requests until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("control plane listening", "addr", s.cfg.ListenAddr)

	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err := s.httpSrv.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	return nil
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogging tags every request with an id and logs its outcome.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(rec, r)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
