// Package rest exposes the HTTP API: alert queries, task health and
// control, manual simulation, and operational stats.
package rest

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crowdsense/crowdsense-backend/internal/api/middleware"
	"github.com/crowdsense/crowdsense-backend/internal/collector"
	"github.com/crowdsense/crowdsense-backend/internal/metrics"
	"github.com/crowdsense/crowdsense-backend/internal/models"
	"github.com/crowdsense/crowdsense-backend/internal/scheduler"
)

// AlertStore is the read side of alert persistence used by the API.
type AlertStore interface {
	QueryRecentAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error)
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
}

// Injector feeds manually supplied samples through the detection path.
type Injector interface {
	InjectSamples(ctx context.Context, signal string, samples []models.Sample) []models.AnomalyEvent
}

// Handler aggregates the API dependencies.
type Handler struct {
	alerts   AlertStore
	sched    *scheduler.Scheduler
	injector Injector
	// simulated is non-nil only when the simulated source is active;
	// spike triggering is unavailable against a live upstream.
	simulated *collector.SimulatedCollector
	reg       *metrics.Registry
	keywords  map[string]bool
	log       *slog.Logger
}

// HandlerOptions configures the API handler.
type HandlerOptions struct {
	Alerts    AlertStore
	Scheduler *scheduler.Scheduler
	Injector  Injector
	Simulated *collector.SimulatedCollector
	Metrics   *metrics.Registry
	Keywords  []string
	Logger    *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(opts HandlerOptions) *Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	keywords := make(map[string]bool, len(opts.Keywords))
	for _, kw := range opts.Keywords {
		keywords[kw] = true
	}
	return &Handler{
		alerts:    opts.Alerts,
		sched:     opts.Scheduler,
		injector:  opts.Injector,
		simulated: opts.Simulated,
		reg:       opts.Metrics,
		keywords:  keywords,
		log:       log,
	}
}

// SetupRoutes registers all routes on the router. The caller mounts
// health probes, websocket, and CORS around this.
func (h *Handler) SetupRoutes(r *mux.Router, healthz *HealthzHandler, serveWS http.HandlerFunc) {
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing)
	r.Use(middleware.StructuredLog)

	r.HandleFunc("/healthz/live", healthz.Live).Methods(http.MethodGet)
	r.HandleFunc("/healthz/ready", healthz.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if serveWS != nil {
		r.HandleFunc("/ws", serveWS)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/alerts", h.ListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", h.GetAlert).Methods(http.MethodGet)
	api.HandleFunc("/tasks", h.ListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{name}/run", h.RunTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{name}/reset", h.ResetTask).Methods(http.MethodPost)
	api.HandleFunc("/simulate", h.Simulate).Methods(http.MethodPost)
	api.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
}
