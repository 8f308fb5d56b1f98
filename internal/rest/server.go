package rest

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/KilimcininKorOglu/taskflux/internal/logging"
)

// ServerConfig holds REST server configuration.
type ServerConfig struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration // Deadline for a command to commit
}

// DefaultServerConfig returns default configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:        ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Server is the REST API server.
type Server struct {
	config   *ServerConfig
	logger   logging.Logger
	handlers *Handlers
	router   chi.Router
	server   *http.Server
	addr     net.Addr
}

// NewServer creates a new REST server.
func NewServer(cfg *ServerConfig, node Consensus, logger logging.Logger) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(node, cfg.RequestTimeout),
		router:   chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(RequestIDMiddleware())
	s.router.Use(LoggingMiddleware(s.logger))
}

func (s *Server) setupRoutes() {
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handlers.HandleHealth)
		r.Get("/cluster", s.handlers.HandleClusterStatus)

		r.Route("/queues", func(r chi.Router) {
			r.Get("/", s.handlers.HandleListQueues)
			r.Post("/", s.handlers.HandleCreateQueue)
			r.Delete("/{name}", s.handlers.HandleDeleteQueue)
			r.Get("/{name}/count", s.handlers.HandleCount)
			r.Post("/{name}/enqueue", s.handlers.HandleEnqueue)
			r.Post("/{name}/dequeue", s.handlers.HandleDequeue)
		})
	})
}

// Handler returns the routed handler with its middleware.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the REST server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.addr = listener.Addr()

	s.logger.Info("REST server started", "address", s.addr.String())

	go s.server.Serve(listener)

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.addr == nil {
		return s.config.Address
	}
	return s.addr.String()
}

// Stop gracefully stops the REST server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return err
		}
	}

	s.logger.Info("REST server stopped")
	return nil
}
