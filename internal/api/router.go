package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/agentrpc"
	"github.com/agentflow/agentflow/internal/engine"
	"github.com/agentflow/agentflow/internal/flows"
	"github.com/agentflow/agentflow/internal/registry"
	"github.com/agentflow/agentflow/internal/supervisor"
)

// RouterConfig holds every dependency NewRouter needs, following
// server/internal/api/router.go's RouterConfig struct — a single struct
// keeps the constructor manageable as dependencies grow.
type RouterConfig struct {
	Registry        *registry.Registry
	Supervisor      *supervisor.Supervisor
	FlowStore       *flows.Store
	Engine          *engine.Engine
	RPC             *agentrpc.Client
	Logger          *zap.Logger
	PlatformVersion string
}

// NewRouter builds the fully configured Chi router described by spec.md §6.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(BearerPassThrough)

	agentHandler := NewAgentHandler(cfg.Registry, cfg.Supervisor, cfg.RPC, cfg.Logger)
	runHandler := NewRunHandler(cfg.Registry, cfg.RPC, cfg.Logger)
	flowHandler := NewFlowHandler(cfg.FlowStore, cfg.Engine, cfg.Registry, cfg.PlatformVersion, cfg.Logger)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/platform/agents", func(r chi.Router) {
		r.Post("/register", agentHandler.Register)
		r.Delete("/cleanup", agentHandler.Cleanup)
		r.Delete("/{name}", agentHandler.Delete)
	})

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", agentHandler.List)
		r.Get("/{name}", agentHandler.GetManifest)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", runHandler.Create)
	})

	r.Route("/flows", func(r chi.Router) {
		r.Post("/", flowHandler.Create)
		r.Get("/", flowHandler.List)
		r.Post("/import", flowHandler.Import)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", flowHandler.Get)
			r.Delete("/", flowHandler.Delete)
			r.Get("/export", flowHandler.Export)
			r.Post("/execute", flowHandler.Execute)

			r.Route("/agents", func(r chi.Router) {
				r.Post("/", flowHandler.AddAgent)
				r.Delete("/{agent_name}", flowHandler.RemoveAgent)
			})

			r.Route("/executions", func(r chi.Router) {
				r.Get("/", flowHandler.ListExecutions)
				r.Get("/{exec_id}", flowHandler.GetExecution)
			})
		})
	})

	return r
}
