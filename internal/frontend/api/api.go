// Package api implements the gateway's HTTP handlers.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/budget"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/models"
	"github.com/modelgate/modelgate/internal/pipeline"
	"github.com/modelgate/modelgate/internal/usage"
)

type API struct {
	pipeline *pipeline.Pipeline
	store    *usage.Store
	budget   *budget.Service
	models   *models.Service
	registry *prometheus.Registry
	config   *config.Config
}

func New(
	p *pipeline.Pipeline,
	store *usage.Store,
	budgetSvc *budget.Service,
	modelSvc *models.Service,
	registry *prometheus.Registry,
	cfg *config.Config,
) *API {
	return &API{
		pipeline: p,
		store:    store,
		budget:   budgetSvc,
		models:   modelSvc,
		registry: registry,
		config:   cfg,
	}
}

func (a *API) ConfigureRoutes(r chi.Router) {
	r.Post("/v1/chat/completions", a.chatHandler(adapter.FormatOpenAIChat))
	r.Post("/v1/responses", a.chatHandler(adapter.FormatOpenAIResponses))
	r.Post("/v1/messages", a.chatHandler(adapter.FormatAnthropic))

	r.Get("/v1/models", a.listModels)
	r.Get("/usage", a.getUsage)
	r.Get("/budget", a.getBudget)
	r.Put("/budget", a.putBudget)
	r.Get("/config/status", a.configStatus)
	r.Get("/health", a.health)

	if a.registry != nil {
		r.Get("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
}

func (a *API) chatHandler(format adapter.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.pipeline.Handle(w, r, format)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
