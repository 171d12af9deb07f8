package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/harrier/internal/batch"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/profile"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/workflow"
)

// Services are the components the API serves. Cache, Bus and Profiles may be nil.
type Services struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Engine    *rules.Engine
	Processor *batch.Processor
	Workflow  *workflow.Service
	Profiles  *profile.Service
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, auth domain.AuthConfig, svc Services, version string) *Server {
	handler := NewHandler(svc, cfg.MaxBodyBytes, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Group(func(r chi.Router) {
		r.Use(AnalystMiddleware(auth))

		// Ingestion
		r.Post("/transactions", handler.SubmitTransactions)
		r.Post("/transactions/import", handler.ImportTransactions)
		r.Post("/batches", handler.SubmitBatch)
		r.Get("/transactions/{id}", handler.GetTransaction)

		r.Get("/rules", handler.ListRules)

		// Alert queue and triage
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/summary", handler.AlertSummary)
		r.Post("/alerts/bulk", handler.BulkAction)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Get("/alerts/{id}/audit", handler.GetAuditLog)
		r.Post("/alerts/{id}/actions", handler.ApplyAction)

		r.Get("/customers/{id}/profile", handler.GetCustomerProfile)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
