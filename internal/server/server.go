// Package server exposes the content pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/content-pipeline/internal/logging"
	"github.com/jonathan/content-pipeline/internal/pipeline"
	"github.com/jonathan/content-pipeline/internal/server/ratelimit"
	"github.com/jonathan/content-pipeline/internal/types"
)

// Pipeline is the orchestrator surface the server drives; *pipeline.Orchestrator
// implements it.
type Pipeline interface {
	Start(ctx context.Context, input types.PipelineInput, mode types.Mode) (uuid.UUID, error)
	Run(ctx context.Context, id uuid.UUID) (*pipeline.RunOutcome, error)
	SubmitCheckpointAction(ctx context.Context, id uuid.UUID, req types.ActionRequest) (*pipeline.RunOutcome, error)
	RetryStage(ctx context.Context, id uuid.UUID, stage string) (*pipeline.RunOutcome, error)
	GetState(ctx context.Context, id uuid.UUID) (*pipeline.State, error)
}

// Config holds server configuration
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Heartbeat is the keep-alive interval on event streams.
	Heartbeat time.Duration
}

// Deps are the collaborators a Server needs. Pipeline and Broker are required.
type Deps struct {
	Pipeline Pipeline
	// Broker must be the one the orchestrator publishes progress to.
	Broker  *Broker
	Limiter *ratelimit.Limiter // nil disables rate limiting; stopped by Close
	Health  func(ctx context.Context) error
	Logger  *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	pipeline   Pipeline
	broker     *Broker
	limiter    *ratelimit.Limiter
	health     func(ctx context.Context) error
	logger     *zap.Logger
	heartbeat  time.Duration

	// Background runs use baseCtx so shutdown cancels them.
	baseCtx context.Context
	cancel  context.CancelFunc
	runs    sync.WaitGroup
}

// New creates a new server instance
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if deps.Broker == nil {
		return nil, errors.New("server: broker is required")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 300 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		pipeline:  deps.Pipeline,
		broker:    deps.Broker,
		limiter:   deps.Limiter,
		health:    deps.Health,
		logger:    logging.OrNop(deps.Logger).Named("server"),
		heartbeat: cfg.Heartbeat,
		baseCtx:   baseCtx,
		cancel:    cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /executions", s.handleCreateExecution)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /executions/{id}/run", s.handleRunExecution)
	mux.HandleFunc("POST /executions/{id}/actions", s.handleCheckpointAction)
	mux.HandleFunc("POST /executions/{id}/stages/{stage}/retry", s.handleRetryStage)
	mux.HandleFunc("GET /executions/{id}/events", s.handleEvents)

	var handler http.Handler = mux
	handler = s.withCORS(handler)
	handler = s.withLogging(handler)
	if s.limiter != nil {
		handler = s.withRateLimit(handler)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler with its middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully:
// in-flight requests get 30s, background runs are cancelled and awaited.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.Close()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Close cancels background runs and waits for them to stop. Interrupted stages
// stay pending and the executions can be resumed.
func (s *Server) Close() {
	s.cancel()
	s.runs.Wait()
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// launch runs fn on its own goroutine under the server's lifetime context.
func (s *Server) launch(id uuid.UUID, op string, fn func(ctx context.Context) (*pipeline.RunOutcome, error)) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		outcome, err := fn(s.baseCtx)
		log := s.logger.With(zap.String(logging.FieldExecutionID, id.String()), zap.String("op", op))
		if err != nil {
			log.Warn("background run ended with error", zap.Error(err))
			s.broker.Publish(pipeline.ProgressEvent{
				Type:        EventError,
				ExecutionID: id.String(),
				Message:     err.Error(),
				At:          time.Now().UTC(),
			})
			return
		}
		log.Info("background run finished", zap.String("status", string(outcome.Status)))
	}()
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
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

// withRateLimit rejects requests over the client's limit with 429.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.limiter.Allow(clientID(r), r.URL.Path, r.Method)
		setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// clientID is the request's remote IP.
func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	response := map[string]any{
		"error":   "rate_limit_exceeded",
		"message": "Rate limit exceeded. Please try again later.",
		"limit":   info.Limit,
	}
	if info.RetryAfter > 0 {
		secs := int(info.RetryAfter.Seconds()) + 1
		response["retry_after"] = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	s.logger.Warn("rate limit exceeded",
		zap.String("client", clientID(r)),
		zap.String("path", r.URL.Path),
		zap.Int("limit", info.Limit))
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", zap.Error(err))
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// failure writes err with the status HTTPStatus assigns it. Internal errors
// are logged and not echoed.
func (s *Server) failure(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		s.errorResponse(w, status, "internal error")
		return
	}
	s.errorResponse(w, status, err.Error())
}
