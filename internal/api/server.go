// Package api is the HTTP surface of the speculator service: the EventSub
// webhook sink plus health and local-development endpoints. It follows the
// same chassis pattern as the worker side: a chi router with cross-cutting
// middleware applied before domain handlers.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"speculator/internal/config"
	"speculator/internal/types"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDFromContext returns the request id assigned by the middleware, or
// an empty string outside a request scope.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Pinger reports backing-store health for the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies of the HTTP surface.
type Server struct {
	Config  *config.Config
	Webhook *EventSubHandler
	DB      Pinger
	Logger  *slog.Logger

	router *chi.Mux
}

// NewServer builds the server and mounts all routes.
func NewServer(cfg *config.Config, webhook *EventSubHandler, db Pinger, logger *slog.Logger) *Server {
	s := &Server{
		Config:  cfg,
		Webhook: webhook,
		DB:      db,
		Logger:  logger,
		router:  chi.NewRouter(),
	}
	s.mountRoutes()
	return s
}

func (s *Server) mountRoutes() {
	s.router.Use(s.recoverer)
	s.router.Use(requestID)
	s.router.Use(requestLogger(s.Logger))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Post("/webhooks/twitch", s.Webhook.ServeHTTP)
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.DB.Ping(ctx); err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalDB, "database unreachable", err))
		return
	}
	JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// recoverer catches handler panics and converts them to 500 responses. It is
// the outermost middleware.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.Logger.Error("panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("panic", fmt.Sprintf("%v", rvr)),
					slog.String("stack", string(debug.Stack())),
				)
				Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected,
					"an unexpected error occurred", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID assigns each request a uuid, exposed via context and the
// X-Request-Id response header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusCapture records the response status for logging.
type statusCapture struct {
	http.ResponseWriter
	status  int
	written bool
}

func (c *statusCapture) WriteHeader(code int) {
	if !c.written {
		c.status = code
		c.written = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *statusCapture) Write(b []byte) (int, error) {
	if !c.written {
		c.status = http.StatusOK
		c.written = true
	}
	return c.ResponseWriter.Write(b)
}

func (c *statusCapture) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			capture := &statusCapture{ResponseWriter: w}

			next.ServeHTTP(capture, r)

			logger.InfoContext(r.Context(), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", capture.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", RequestIDFromContext(r.Context())),
			)
		})
	}
}
