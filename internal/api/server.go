// Package api provides the coordinator's HTTP and session surface.
// REST routes cover tasks and swarms; /ws carries member sessions.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/app/admission"
	"github.com/neurolov/swarmd/internal/app/swarm"
	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/health"
	"github.com/neurolov/swarmd/internal/infra/connection"
	"github.com/neurolov/swarmd/internal/infra/scheduler"
)

// Config configures the HTTP surface.
type Config struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	Metrics        bool
	MaxBodyBytes   int64
	// PongWait bounds how long a session may stay silent before its read
	// fails. Zero uses 90s.
	PongWait time.Duration
}

// DefaultConfig returns the stock HTTP settings.
func DefaultConfig() Config {
	return Config{
		CORSOrigins:    []string{"*"},
		RequestTimeout: 30 * time.Second,
		Metrics:        true,
		MaxBodyBytes:   4 << 20,
	}
}

// Services are the collaborators the server routes to.
type Services struct {
	Scheduler *scheduler.Scheduler
	Swarms    *swarm.Directory
	Gate      *admission.Gate
	Registry  *connection.Registry
	Health    *health.Checker
}

// Server is the coordinator HTTP API server.
type Server struct {
	cfg Config
	svc Services
	log zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, svc Services, log zerolog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &Server{cfg: cfg, svc: svc, log: log}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Sessions are long-lived and must not inherit the request timeout.
	r.Get("/ws", s.handleSession)

	r.Group(func(r chi.Router) {
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Group(func(r chi.Router) {
				r.Use(s.admit)
				r.Post("/create", s.handleCreateTask)
				r.Post("/{id}/assign", s.handleAssignTask)
				r.Post("/{id}/dispatch", s.handleDispatchTask)
				r.Post("/{id}/complete", s.handleCompleteTask)
				r.Post("/{id}/requeue", s.handleRequeueTask)
			})
		})

		r.Route("/swarms", func(r chi.Router) {
			r.Get("/", s.handleListSwarms)
			r.Get("/{id}", s.handleGetSwarm)
			r.Group(func(r chi.Router) {
				r.Use(s.admit)
				r.Post("/create", s.handleCreateSwarm)
				r.Post("/join/{id}", s.handleJoinSwarm)
				r.Post("/leave/{id}", s.handleLeaveSwarm)
			})
		})
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", actorHeader},
		ExposedHeaders: []string{"Retry-After"},
	})
	return c.Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.svc.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.svc.Health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.svc.Health.Statuses(),
	})
}

// ─── Middleware ─────────────────────────────────────────────────────────────

// actorHeader names the caller for admission when the body does not.
const actorHeader = "X-Actor-ID"

// admit runs the admission gate before a mutating handler. The actor is the
// X-Actor-ID header, falling back to the client host.
func (s *Server) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.svc.Gate == nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := s.svc.Gate.Admit(r.Context(), actorOf(r)); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorOf(r *http.Request) string {
	if a := r.Header.Get(actorHeader); a != "" {
		return a
	}
	// One client opens many connections; only the host identifies it.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// ─── Encoding ───────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind domain.Kind, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": msg,
		},
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindPrecondition:
		return http.StatusConflict
	case domain.KindCapabilityMismatch, domain.KindVerification:
		return http.StatusUnprocessableEntity
	case domain.KindEligibility, domain.KindFraudSuspected:
		return http.StatusForbidden
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindSettlement:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)

	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	msg := err.Error()
	if kind == domain.KindInternal {
		s.log.Error().Err(err).Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		msg = "internal error"
	}
	writeError(w, status, kind, msg)
}

// decode reads a JSON body into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", domain.ErrValidation)
		}
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
	}
	return nil
}
