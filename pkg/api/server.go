// Package api provides the HTTP read and control surface of the pipeline
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/health"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/recorder"
	"github.com/sentinelops/sentinel/internal/service"
	"github.com/sentinelops/sentinel/pkg/errors"
)

// Backend is the pipeline surface served over HTTP. *service.Service
// implements it.
type Backend interface {
	SlowOperations(ctx context.Context) ([]model.SlowOperationAlert, error)
	Snapshots(ctx context.Context, since, until time.Time) ([]model.HealthSnapshot, error)
	Analytics(ctx context.Context, window time.Duration) (recorder.QueryAnalytics, error)
	ErrorPatterns(ctx context.Context) ([]model.ErrorPattern, error)
	ResolveErrorPattern(ctx context.Context, key string) (*model.ErrorPattern, error)
	IgnoreErrorPattern(ctx context.Context, key string) (*model.ErrorPattern, error)
	RecentAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error)
	PatternStats(digest string) (recorder.PatternStats, bool)
	Status(ctx context.Context) (service.StatusReport, error)
	PendingMissions(ctx context.Context) ([]model.RemediationMission, error)
	AckMission(ctx context.Context, id string) error
	Ready(ctx context.Context) health.Report
}

// Server provides HTTP API endpoints for monitoring
type Server struct {
	httpServer *http.Server
	backend    Backend
	logger     *zap.Logger
	config     ServerConfig
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8090")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// MetricsPath mounts MetricsHandler when both are set
	MetricsPath    string       `yaml:"metrics_path" json:"metrics_path"`
	MetricsHandler http.Handler `yaml:"-" json:"-"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
	}
}

const (
	defaultAlertLimit      = 50
	defaultAnalyticsWindow = time.Hour
)

// NewServer creates a new API server
func NewServer(config ServerConfig, backend Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		backend: backend,
		logger:  logger.Named("api"),
		config:  config,
	}

	r := mux.NewRouter()

	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/slow-operations", s.handleSlowOperations).Methods(http.MethodGet)
	v1.HandleFunc("/snapshots", s.handleSnapshots).Methods(http.MethodGet)
	v1.HandleFunc("/analytics", s.handleAnalytics).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/error-patterns", s.handleErrorPatterns).Methods(http.MethodGet)
	v1.HandleFunc("/error-patterns/{key}/resolve", s.handlePatternStatus(backend.ResolveErrorPattern)).Methods(http.MethodPost)
	v1.HandleFunc("/error-patterns/{key}/ignore", s.handlePatternStatus(backend.IgnoreErrorPattern)).Methods(http.MethodPost)
	v1.HandleFunc("/patterns/{digest}/stats", s.handlePatternStats).Methods(http.MethodGet)
	v1.HandleFunc("/missions", s.handleMissions).Methods(http.MethodGet)
	v1.HandleFunc("/missions/{id}/ack", s.handleAckMission).Methods(http.MethodPost)

	if config.MetricsPath != "" && config.MetricsHandler != nil {
		r.Handle(config.MetricsPath, config.MetricsHandler).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.respondError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	var handler http.Handler = r
	handler = s.loggingMiddleware(handler)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("address", s.config.Address))
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := s.backend.Ready(r.Context())
	ready := report.Status != health.StatusCritical

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    report.Status,
		"checks":    report.Checks,
		"timestamp": report.Timestamp,
	})
}

// Pipeline endpoint handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.backend.Status(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleSlowOperations(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.backend.SlowOperations(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"slow_operations": alerts,
		"count":           len(alerts),
		"timestamp":       time.Now(),
	})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseTime(q.Get("since"), time.Now().Add(-time.Hour))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "since must be RFC3339")
		return
	}
	until, err := parseTime(q.Get("until"), time.Time{})
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "until must be RFC3339")
		return
	}

	snaps, err := s.backend.Snapshots(r.Context(), since, until)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": snaps,
		"count":     len(snaps),
		"since":     since,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	window := defaultAnalyticsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.respondError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}

	out, err := s.backend.Analytics(r.Context(), window)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	// Get limit from query parameter; a malformed value falls back to the default.
	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.backend.RecentAlerts(r.Context(), limit)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":    records,
		"count":     len(records),
		"limit":     limit,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleErrorPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.backend.ErrorPatterns(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"error_patterns": patterns,
		"count":          len(patterns),
		"timestamp":      time.Now(),
	})
}

func (s *Server) handlePatternStatus(set func(context.Context, string) (*model.ErrorPattern, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := set(r.Context(), mux.Vars(r)["key"])
		if err != nil {
			s.respondFailure(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handlePatternStats(w http.ResponseWriter, r *http.Request) {
	digest := mux.Vars(r)["digest"]
	stats, ok := s.backend.PatternStats(digest)
	if !ok {
		s.respondError(w, http.StatusNotFound, "No samples for pattern: "+digest)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMissions(w http.ResponseWriter, r *http.Request) {
	missions, err := s.backend.PendingMissions(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"missions":  missions,
		"count":     len(missions),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleAckMission(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.backend.AckMission(r.Context(), id); err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"acknowledged": id,
		"timestamp":    time.Now(),
	})
}

// Middleware

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondFailure maps pipeline error codes to HTTP statuses.
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.HasCode(err, errors.ErrCodeNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.HasCode(err, errors.ErrCodeInvalidArgument):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.HasCode(err, errors.ErrCodeStoreUnavailable), errors.HasCode(err, errors.ErrCodeCircuitOpen):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Warn("request failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "Internal error")
	}
}

func parseTime(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, raw)
}
