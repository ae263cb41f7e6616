// Package server exposes the job engine over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/schovi/rexec/internal/engine"
)

const (
	// MaxBodySize bounds request bodies, file uploads included.
	MaxBodySize = 1 << 30

	ShutdownTimeout = 10 * time.Second
)

type Server struct {
	engine  *engine.Engine
	logger  *slog.Logger
	metrics http.Handler
	handler http.Handler
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics serves h on GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine: eng,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.handlePing)

	// Plain-text endpoints kept for existing scripts.
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("GET /wait-run/{id}", s.handleWaitRun)

	mux.HandleFunc("POST /jobs", s.handleSubmit)
	mux.HandleFunc("GET /jobs", s.handleList)
	mux.HandleFunc("GET /jobs/{id}", s.handleStatus)
	mux.HandleFunc("GET /jobs/{id}/output", s.handleOutput)
	mux.HandleFunc("GET /jobs/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /jobs/{id}/ws", s.handleWebSocket)
	mux.HandleFunc("POST /jobs/{id}/kill", s.handleKill)
	mux.HandleFunc("GET /jobs/{id}/wait", s.handleWait)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleRemove)

	mux.HandleFunc("POST /offer-files", s.handleOfferFiles)
	mux.HandleFunc("POST /send-files", s.handleSendFiles)
	mux.HandleFunc("POST /get-file", s.handleGetFile)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.requestID(s.logRequests(limitBody(mux)))
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// No WriteTimeout: stream and ws responses last as long as the job.
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
