// Package api exposes the HTTP interface for the coordinator service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deepscout/research-coordinator/internal/coordinator"
	"github.com/deepscout/research-coordinator/internal/intervention"
	"github.com/deepscout/research-coordinator/internal/metrics"
)

const requestTimeout = 30 * time.Second

// LedgerService is the slice of the resource ledger the API exposes.
type LedgerService interface {
	Claim(ctx context.Context, typ coordinator.IdentifierType, value, taskID, workerID string) (coordinator.ClaimResult, error)
	Complete(ctx context.Context, typ coordinator.IdentifierType, value, resultRef string) (bool, error)
	Fail(ctx context.Context, typ coordinator.IdentifierType, value, errorNote string) (bool, error)
	Lookup(ctx context.Context, typ coordinator.IdentifierType, value string) (coordinator.ResourceClaim, bool, error)
}

// JobService is the slice of the job state machine the API exposes.
type JobService interface {
	Submit(ctx context.Context, taskID, kind string, priority int, payload []byte) (coordinator.Job, error)
	Get(ctx context.Context, jobID string) (coordinator.Job, error)
	ListByTask(ctx context.Context, taskID string) ([]coordinator.Job, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// InterventionService is the slice of the intervention queue the API exposes.
type InterventionService interface {
	Enqueue(ctx context.Context, req intervention.EnqueueRequest) (string, error)
	ListPending(ctx context.Context, filter coordinator.InterventionFilter) ([]coordinator.InterventionItem, error)
	GroupByDomain(ctx context.Context) (map[string]coordinator.DomainSummary, error)
	StartSession(ctx context.Context, req intervention.StartSessionRequest) ([]coordinator.InterventionItem, error)
	Complete(ctx context.Context, itemID string, success bool, session []byte) (bool, error)
	CompleteDomain(ctx context.Context, domain string, success bool, session []byte) (coordinator.DomainResolution, error)
	Skip(ctx context.Context, sel coordinator.InterventionSelector, status coordinator.InterventionStatus) (int, error)
	SessionForDomain(ctx context.Context, domain, taskID string) ([]byte, error)
}

// HealthService is the slice of the health tracker the API exposes.
type HealthService interface {
	List() []coordinator.HealthRecord
	Snapshot(kind coordinator.EntityKind, name string) (coordinator.HealthRecord, bool)
	SelectEligible(kind coordinator.EntityKind) []coordinator.HealthRecord
	ForceClose(ctx context.Context, kind coordinator.EntityKind, name string) error
}

// Pinger reports backing store readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls server behavior.
type Config struct {
	AuthEnabled bool
	APIKey      string
}

// Server wires HTTP handlers to the coordination services.
type Server struct {
	router        chi.Router
	ledger        LedgerService
	jobs          JobService
	interventions InterventionService
	health        HealthService
	readiness     Pinger
	logger        *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	cfg Config,
	ledger LedgerService,
	jobs JobService,
	interventions InterventionService,
	health HealthService,
	readiness Pinger,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ledger:        ledger,
		jobs:          jobs,
		interventions: interventions,
		health:        health,
		readiness:     readiness,
		logger:        logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(requestTimeout))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/claims", func(r chi.Router) {
			r.Post("/", s.submitClaim)
			r.Route("/{type}/{value}", func(r chi.Router) {
				r.Get("/", s.lookupClaim)
				r.Post("/complete", s.completeClaim)
				r.Post("/fail", s.failClaim)
			})
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Get("/tasks/{task_id}/jobs", s.listTaskJobs)
		r.Route("/interventions", func(r chi.Router) {
			r.Get("/", s.listInterventions)
			r.Post("/", s.enqueueIntervention)
			r.Post("/sessions", s.startSession)
			r.Post("/skip", s.skipInterventions)
			r.Post("/{item_id}/complete", s.completeIntervention)
			r.Route("/domains", func(r chi.Router) {
				r.Get("/", s.listInterventionDomains)
				r.Post("/{domain}/complete", s.completeDomain)
				r.Get("/{domain}/session", s.getDomainSession)
			})
		})
		r.Route("/breakers", func(r chi.Router) {
			r.Get("/", s.listBreakers)
			r.Get("/{kind}/eligible", s.listEligible)
			r.Get("/{kind}/{name}", s.getBreaker)
			r.Post("/{kind}/{name}/close", s.closeBreaker)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		if err := s.readiness.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
