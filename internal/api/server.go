package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecapture/internal/gateway"
	"github.com/JakeFAU/sitecapture/internal/job"
	"github.com/JakeFAU/sitecapture/internal/metrics"
	"github.com/JakeFAU/sitecapture/internal/objectstore"
	"github.com/JakeFAU/sitecapture/internal/objectstore/signed"
)

const (
	maxCommandBytes = 64 << 10
	requestTimeout  = 60 * time.Second
)

// Submitter is the gateway surface the HTTP layer needs.
type Submitter interface {
	Submit(ctx context.Context, req job.Request) (gateway.Submission, error)
	Status(ctx context.Context) (gateway.Status, error)
	UserAgents() map[string]string
}

// Options configures optional server features.
type Options struct {
	// APIKey, when set, is required on /v1/jobs as X-API-Key.
	APIKey string
	// Artifacts and Verifier enable /v1/artifacts/{key}. Both must be set.
	Artifacts objectstore.Reader
	Verifier  *signed.Signer
}

// Server wires HTTP handlers to the gateway.
type Server struct {
	router  chi.Router
	gateway Submitter
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(gw Submitter, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		gateway: gw,
		opts:    opts,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			if opts.APIKey != "" {
				r.Use(apiKeyMiddleware(opts.APIKey))
			}
			r.Post("/jobs", s.command)
		})
		// Artifacts stream straight from the store; TimeoutHandler would buffer the
		// whole archive in memory.
		if opts.Artifacts != nil && opts.Verifier != nil {
			r.Get("/artifacts/{key}", s.artifact)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCommandBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		s.writeFailure(w, http.StatusBadRequest, "unable to parse request body: "+err.Error())
		return
	}
	if cmd.selected() != 1 {
		s.writeFailure(w, http.StatusBadRequest, "request must set exactly one of list_user_agents, queue_status, submit_job")
		return
	}

	switch {
	case cmd.ListUserAgents:
		s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Message: s.gateway.UserAgents()})
	case cmd.QueueStatus:
		st, err := s.gateway.Status(r.Context())
		if err != nil {
			s.logger.Error("status failed", zap.Error(err))
			s.writeFailure(w, http.StatusFailedDependency, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Message: st})
	default:
		s.submit(w, r, *cmd.SubmitJob)
	}
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req job.Request) {
	sub, err := s.gateway.Submit(r.Context(), req)
	if err != nil {
		var (
			verr *job.ValidationError
			cerr *gateway.CapacityError
		)
		switch {
		case errors.As(err, &verr):
			s.writeJSON(w, http.StatusBadRequest, Response{Status: StatusFailure, Error: verr.Error(), Reasons: verr.Reasons})
		case errors.As(err, &cerr):
			s.writeFailure(w, http.StatusTooManyRequests, cerr.Error())
		default:
			s.logger.Error("submit failed", zap.Error(err))
			s.writeFailure(w, http.StatusFailedDependency, err.Error())
		}
		return
	}
	expires := sub.Capability.ExpiresAt
	s.writeJSON(w, http.StatusOK, Response{
		Status:    StatusSuccess,
		JobID:     sub.JobID,
		URL:       sub.Capability.URL,
		Filename:  sub.Capability.Key,
		ExpiresAt: &expires,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeFailure(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(Response{Status: StatusFailure, Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, Response{Status: StatusFailure, Error: msg})
}
