package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"mediacache/internal/core/logger"
	"mediacache/internal/core/types"
)

type ServerOption func(*Server)

func WithLogger(logger *logger.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithListen(listen string) ServerOption {
	return func(s *Server) {
		if listen != "" {
			s.listen = listen
		}
	}
}

// Server handles HTTP requests and route registration
type Server struct {
	logger     *logger.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	listen     string
	routes     map[string]http.HandlerFunc
}

// NewServer creates a new HTTP server
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger: logger.NewLogger(logger.WithName("api")),
		listen: types.DefaultServerConfig().Listen,
		mux:    http.NewServeMux(),
		routes: make(map[string]http.HandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:              s.listen,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// RegisterHandler implements HandlerRegistrar
func (s *Server) RegisterHandler(route Route) error {
	pattern := route.String()
	if _, exists := s.routes[pattern]; exists {
		return fmt.Errorf("route %s already registered", pattern)
	}
	s.routes[pattern] = route.Handler
	s.mux.HandleFunc(pattern, route.Handler)
	s.logger.Debug("Registered handler", "route", pattern)
	return nil
}

// Register registers every route of h.
func (s *Server) Register(h EndpointHandler) error {
	return h.RegisterHandlers(s)
}

// Handler returns the router, for serving without a listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting server", "address", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Stopping server")
		shutdownCtx, cancel := types.NewTimeoutSubContext(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown server", "error", err)
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", "error", err)
			return fmt.Errorf("server error: %w", err)
		}
	}
	return nil
}
