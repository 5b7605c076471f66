package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/admission"
	"github.com/JakeFAU/scrapecache/internal/coordinator"
	"github.com/JakeFAU/scrapecache/internal/events"
	"github.com/JakeFAU/scrapecache/internal/metrics"
	"github.com/JakeFAU/scrapecache/internal/search"
)

// Resolver runs the coordinator's resolve algorithm.
type Resolver interface {
	Resolve(ctx context.Context, req coordinator.Request) (coordinator.Response, error)
}

// JobReader looks up persisted jobs.
type JobReader interface {
	Status(ctx context.Context, batchID string) (search.Job, error)
}

// Admitter is the slice of admission.Gate the handlers use.
type Admitter interface {
	ValidateQuery(raw string) admission.QueryResult
	ValidatePagination(page, limit int, async bool) error
	Admit(identity string, apiKeyPresent bool) (admission.Decision, func())
	CalculatePriority(identity string, limit int) search.Priority
}

// Subscriber streams events.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Config controls authentication and streaming.
type Config struct {
	// APIKeys, when non-empty, is the set of accepted X-API-Key values.
	APIKeys []string
	// TrustProxy derives the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	// DefaultLimit applies when a request omits limit.
	DefaultLimit int
	EventBuffer  int
	// Heartbeat is the interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

const (
	jobLookupTimeout = 3 * time.Second
	readyTimeout     = 2 * time.Second
)

// Server wires HTTP handlers to the coordinator, dispatcher and event hub.
type Server struct {
	router   chi.Router
	resolver Resolver
	jobs     JobReader
	gate     Admitter
	hub      Subscriber
	checks   []ReadinessCheck
	apiKeys  map[string]struct{}
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. hub may be nil,
// which disables /v1/events.
func NewServer(
	resolver Resolver,
	jobs JobReader,
	gate Admitter,
	hub Subscriber,
	cfg Config,
	logger *zap.Logger,
	checks ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	s := &Server{
		resolver: resolver,
		jobs:     jobs,
		gate:     gate,
		hub:      hub,
		checks:   checks,
		apiKeys:  keys,
		cfg:      cfg,
		logger:   logger,
	}

	r := chi.NewRouter()
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/search", s.searchSync)
		r.Post("/search", s.searchSync)
		r.Post("/search/async", s.searchAsync)
		r.Get("/jobs/{batch_id}", s.getJob)
		r.Get("/events", s.streamEvents)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	for _, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
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
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, search.Internal(fmt.Errorf("panic: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

type errorBody struct {
	Success           bool   `json:"success"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// statusFor maps error codes to HTTP statuses.
func statusFor(code search.Code) int {
	switch code {
	case search.CodeValidation:
		return http.StatusBadRequest
	case search.CodeUnauthorized:
		return http.StatusUnauthorized
	case search.CodeAdmissionDenied:
		return http.StatusTooManyRequests
	case search.CodeResourceBusy, search.CodeFetchBlocked, search.CodeTierUnavailable:
		return http.StatusServiceUnavailable
	case search.CodeFetchFailed:
		return http.StatusBadGateway
	case search.CodeNoResults, search.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

// writeError renders err without its internal cause.
func writeError(w http.ResponseWriter, err error) {
	se := search.AsError(err)
	body := errorBody{
		Code:              string(se.Code),
		Message:           se.Message,
		RetryAfterSeconds: se.RetryAfterSeconds(),
	}
	if body.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	writeJSON(w, statusFor(se.Code), body)
}
