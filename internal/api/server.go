// Package api provides the HTTP gateway of the blood-loss service.
// It accepts calculation requests, answers status queries and relays
// direct updates to the main service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/surgilog/bloodloss/internal/domain"
	"github.com/surgilog/bloodloss/internal/health"
	"github.com/surgilog/bloodloss/internal/logger"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// TaskSubmitter accepts calculation requests. Implemented by runner.Runner.
type TaskSubmitter interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (*domain.CalculationTask, error)
}

// TaskReader answers status queries. Implemented by sqlite.DB.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*domain.CalculationTask, error)
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.CalculationTask, error)
	TasksByExternalID(ctx context.Context, ids domain.ExternalIDs) ([]domain.CalculationTask, error)
}

// Forwarder relays a raw update body to the main service. Implemented by notifier.Notifier.
type Forwarder interface {
	Forward(ctx context.Context, body []byte) (int, []byte, error)
}

// HealthReporter reports the latest health checks. Implemented by health.Checker.
type HealthReporter interface {
	Report() health.Report
}

// Server is the HTTP API server.
type Server struct {
	runner         TaskSubmitter
	tasks          TaskReader
	forwarder      Forwarder
	apiKey         string
	health         HealthReporter
	metricsEnabled bool
	log            zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(runner TaskSubmitter, tasks TaskReader) *Server {
	return &Server{runner: runner, tasks: tasks, log: logger.Component("api")}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetDirectUpdate enables POST /api/v1/direct-update, guarded by apiKey.
func (s *Server) SetDirectUpdate(f Forwarder, apiKey string) {
	s.forwarder = f
	s.apiKey = apiKey
}

// SetHealth sets the source of the health report.
func (s *Server) SetHealth(h HealthReporter) { s.health = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/calculate-blood-loss", s.handleCalculate)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleTaskStatus)
		r.Get("/health", s.handleHealth)
		if s.forwarder != nil {
			r.Post("/direct-update", s.handleDirectUpdate)
		}
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
