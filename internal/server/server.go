// Package server provides the HTTP API for a Strata node: memory CRUD,
// context retrieval, and the lifecycle surfaces (deletion, archival,
// backup).
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stratamem/strata/internal/bank"
	"github.com/stratamem/strata/internal/otel"
)

const defaultTimeout = 60 * time.Second

// Server holds the dependencies for the HTTP API.
type Server struct {
	router      *chi.Mux
	bank        *bank.Bank
	limiter     *RateLimiter
	corsOrigins []string
	startTime   time.Time
	version     string
}

// Option configures the Server.
type Option func(*Server)

// WithRateLimiter sets the request rate limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds a Server over the memory bank.
func NewServer(b *bank.Bank, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		bank:        b,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
		version:     "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(s.limiter))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/memories", s.handleMemoryCreate)
		r.Get("/v1/memories", s.handleMemoryList)
		r.Get("/v1/memories/{id}", s.handleMemoryGet)
		r.Patch("/v1/memories/{id}", s.handleMemoryUpdate)
		r.Post("/v1/memories/{id}/access", s.handleMemoryAccess)

		r.Post("/v1/retrieve", s.handleRetrieve)

		r.Post("/v1/memories/{id}/delete", s.handleDelete)
		r.Post("/v1/memories/{id}/delete/validate", s.handleDeleteValidate)
		r.Get("/v1/deletions", s.handleDeletionList)
		r.Get("/v1/deletions/{op}", s.handleDeletionGet)
		r.Post("/v1/deletions/{op}/recover", s.handleDeletionRecover)

		r.Post("/v1/memories/{id}/archive", s.handleArchive)
		r.Post("/v1/archives/{op}/restore", s.handleArchiveRestore)
		r.Get("/v1/archives", s.handleArchiveSearch)
		r.Get("/v1/archives/policies", s.handlePolicyList)
		r.Post("/v1/archives/policies/run", s.handlePolicyRun)

		r.Post("/v1/backups", s.handleBackupCreate)
		r.Get("/v1/backups", s.handleBackupList)
		r.Get("/v1/backups/{id}", s.handleBackupGet)
		r.Post("/v1/backups/{id}/validate", s.handleBackupValidate)
		r.Post("/v1/backups/{id}/restore", s.handleBackupRestore)
		r.Post("/v1/backups/cleanup", s.handleBackupCleanup)

		r.Get("/v1/stats", s.handleStats)
	})

	return r
}
