package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"bizlens/internal/infrastructure"
	"bizlens/internal/store"
)

// StatsProvider reports store counters for the health payload.
type StatsProvider interface {
	Stats(ctx context.Context) store.Stats
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	stats     StatsProvider
	startedAt time.Time
}

// NewHealthHandler creates a health handler. stats may be nil.
func NewHealthHandler(stats StatsProvider) *HealthHandler {
	return &HealthHandler{stats: stats, startedAt: time.Now()}
}

// HealthResponse is the probe payload.
type HealthResponse struct {
	Status  string       `json:"status"`
	Service string       `json:"service"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Store   *store.Stats `json:"store,omitempty"`
}

// Routes returns a chi router for the health endpoints.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Health)
	r.Get("/ready", h.Health)
	return r
}

// Health handles GET /healthz.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := &HealthResponse{
		Status:  "ok",
		Service: infrastructure.ServiceName,
		Version: infrastructure.ServiceVersion,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
	}
	if h.stats != nil {
		st := h.stats.Stats(r.Context())
		resp.Store = &st
	}
	render.JSON(w, r, resp)
}
