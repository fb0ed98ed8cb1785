package ops

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fablecast/internal/config"
)

// Pinger reports whether the backing store is reachable. Satisfied by
// *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server assembles the ops router: middleware chain, health endpoint, and
// the authenticated v1 API.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     Pinger
	router *chi.Mux
}

// NewServer creates the ops Server and mounts all routes.
func NewServer(cfg *config.Config, logger *slog.Logger, db Pinger, handler *Handler) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
		router: chi.NewRouter(),
	}

	s.router.Use(Recoverer(logger))
	s.router.Use(RequestID)
	s.router.Use(RequestLogger(logger))

	s.router.Get("/healthz", s.Health)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(RequireAPIKey(cfg.Server.AdminAPIKey))
		handler.Routes(r)
	})

	return s
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// healthStatus is the /healthz response body.
type healthStatus struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	Database string `json:"database"`
}

// Health reports liveness plus a best-effort database check. A failing
// database degrades the status but still returns 200, so orchestrators do
// not restart a process that cannot fix the database.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:   "ok",
		Version:  s.cfg.Build.Version,
		Commit:   s.cfg.Build.Commit,
		Database: "ok",
	}

	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check database ping failed", "error", err)
			status.Status = "degraded"
			status.Database = "unreachable"
		}
	}

	JSON(w, r, http.StatusOK, status)
}
