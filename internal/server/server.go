package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/gowe/internal/config"
	"github.com/me/gowe/internal/dispatcher"
	"github.com/me/gowe/internal/parser"
)

// Server is the gowe admin/observability API: a thin HTTP front end over the
// translator and dispatcher packages, for inspecting a workflow's job graph
// or a live dispatch backend's running set without the CLI.
type Server struct {
	router          chi.Router
	logger          *slog.Logger
	config          config.ServerConfig
	startTime       time.Time
	parser          *parser.Parser
	dispatchWorkers map[string]*dispatcher.Worker // optional; backend name -> live Worker, for /api/v1/dispatch/{backend}/jobs
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithDispatchWorkers registers the live dispatcher.Worker instances the
// server should expose via GET /api/v1/dispatch/{backend}/jobs, keyed by backend
// name (dispatcher.Backend.Name()).
func WithDispatchWorkers(workers map[string]*dispatcher.Worker) Option {
	return func(s *Server) {
		s.dispatchWorkers = workers
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		parser:    parser.New(logger),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Translate/dispatch admin observability.
		r.Post("/translate", s.handleTranslateGraph)
		r.Route("/dispatch/{backend}", func(r chi.Router) {
			r.Get("/jobs", s.handleDispatchJobs)
		})
	})
}
