// Package http exposes the license server's activation API over chi.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "bizlens/internal/errors"
	"bizlens/internal/infrastructure"
	"bizlens/internal/services"
	"bizlens/internal/verifier"
)

var validate = validator.New()

// LicenseHandler handles the activation API endpoints.
type LicenseHandler struct {
	service *services.ActivationService
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(service *services.ActivationService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
		tracer:  otel.Tracer("license-handler"),
	}
}

// ActivateRequest is the activation request payload.
type ActivateRequest struct {
	LicenseKey  string `json:"license_key" validate:"required,min=8"`
	DeviceID    string `json:"device_id" validate:"required,min=8"`
	DeviceLabel string `json:"device_label,omitempty" validate:"max=128"`
}

// Bind implements render.Binder.
func (a *ActivateRequest) Bind(r *http.Request) error {
	return validate.Struct(a)
}

// PairRequest identifies a (license, device) pair. Used by heartbeat and
// deactivation.
type PairRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=8"`
	DeviceID   string `json:"device_id" validate:"required,min=8"`
}

// Bind implements render.Binder.
func (p *PairRequest) Bind(r *http.Request) error {
	return validate.Struct(p)
}

// DevicesRequest identifies a license for device listing.
type DevicesRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=8"`
}

// Bind implements render.Binder.
func (d *DevicesRequest) Bind(r *http.Request) error {
	return validate.Struct(d)
}

// PurchaseInfo is the subset of purchase metadata returned to clients.
type PurchaseInfo struct {
	Email       string    `json:"email,omitempty"`
	OrderID     string    `json:"order_id,omitempty"`
	PurchasedAt time.Time `json:"purchased_at,omitempty"`
}

// ActivateResponse is the activation success payload.
type ActivateResponse struct {
	Token          string       `json:"token"`
	TokenExpiresAt time.Time    `json:"token_expires_at"`
	ActivationID   string       `json:"activation_id"`
	Purchase       PurchaseInfo `json:"purchase"`
}

// HeartbeatResponse is the heartbeat success payload.
type HeartbeatResponse struct {
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	LastSeen       time.Time `json:"last_seen"`
}

// DeactivateResponse reports the deactivation outcome.
type DeactivateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DeviceEntry is one bound device in a device listing.
type DeviceEntry struct {
	DeviceLabel string    `json:"device_label"`
	ActivatedAt time.Time `json:"activated_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// DevicesResponse lists the devices bound to a license.
type DevicesResponse struct {
	Devices []DeviceEntry `json:"devices"`
}

// Routes returns a chi router for the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/activate", h.Activate)
	r.Post("/heartbeat", h.Heartbeat)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/devices", h.ListDevices)

	return r
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	ctx, span := h.tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/activate"),
		),
	)
	defer span.End()

	req := &ActivateRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderProblem(w, r, apperrors.NewProblem(http.StatusBadRequest, "Invalid Request", err.Error()))
		return
	}

	span.SetAttributes(attribute.String("license.key", verifier.MaskLicenseKey(req.LicenseKey)))

	result, err := h.service.Activate(ctx, req.LicenseKey, req.DeviceID, req.DeviceLabel)
	if err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "activation request failed",
			slog.String("license_key", verifier.MaskLicenseKey(req.LicenseKey)),
			slog.Duration("latency", time.Since(start)),
			slog.String("error", err.Error()),
		)
		h.renderProblem(w, r, apperrors.MapLicenseError(err, infrastructure.TraceIDFromContext(ctx)))
		return
	}

	h.logger.InfoContext(ctx, "activation request completed",
		slog.String("license_key", verifier.MaskLicenseKey(req.LicenseKey)),
		slog.String("activation_id", result.Activation.ID),
		slog.Duration("latency", time.Since(start)),
	)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, &ActivateResponse{
		Token:          result.Token,
		TokenExpiresAt: result.TokenExpiresAt,
		ActivationID:   result.Activation.ID,
		Purchase: PurchaseInfo{
			Email:       result.Purchase.Email,
			OrderID:     result.Purchase.OrderID,
			PurchasedAt: result.Purchase.PurchasedAt,
		},
	})
}

// Heartbeat handles POST /api/license/heartbeat.
func (h *LicenseHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctx, span := h.tracer.Start(ctx, "license_handler.heartbeat",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/heartbeat"),
		),
	)
	defer span.End()

	req := &PairRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderProblem(w, r, apperrors.NewProblem(http.StatusBadRequest, "Invalid Request", err.Error()))
		return
	}

	result, err := h.service.Heartbeat(ctx, req.LicenseKey, req.DeviceID)
	if err != nil {
		span.RecordError(err)
		h.renderProblem(w, r, apperrors.MapLicenseError(err, infrastructure.TraceIDFromContext(ctx)))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, &HeartbeatResponse{
		Token:          result.Token,
		TokenExpiresAt: result.TokenExpiresAt,
		LastSeen:       result.LastSeen,
	})
}

// Deactivate handles POST /api/license/deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctx, span := h.tracer.Start(ctx, "license_handler.deactivate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/deactivate"),
		),
	)
	defer span.End()

	req := &PairRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderProblem(w, r, apperrors.NewProblem(http.StatusBadRequest, "Invalid Request", err.Error()))
		return
	}

	revoked, err := h.service.Deactivate(ctx, req.LicenseKey, req.DeviceID)
	if err != nil {
		span.RecordError(err)
		h.renderProblem(w, r, apperrors.MapLicenseError(err, infrastructure.TraceIDFromContext(ctx)))
		return
	}

	message := "device deactivated"
	if !revoked {
		message = "device was not activated"
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, &DeactivateResponse{
		Success: revoked,
		Message: message,
	})
}

// ListDevices handles POST /api/license/devices.
func (h *LicenseHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctx, span := h.tracer.Start(ctx, "license_handler.list_devices",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/devices"),
		),
	)
	defer span.End()

	req := &DevicesRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderProblem(w, r, apperrors.NewProblem(http.StatusBadRequest, "Invalid Request", err.Error()))
		return
	}

	activations, err := h.service.ListDevices(ctx, req.LicenseKey)
	if err != nil {
		span.RecordError(err)
		h.renderProblem(w, r, apperrors.MapLicenseError(err, infrastructure.TraceIDFromContext(ctx)))
		return
	}

	resp := &DevicesResponse{Devices: []DeviceEntry{}}
	for _, act := range activations {
		resp.Devices = append(resp.Devices, DeviceEntry{
			DeviceLabel: act.DeviceLabel,
			ActivatedAt: act.ActivatedAt,
			LastSeenAt:  act.LastSeenAt,
		})
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// renderProblem writes an RFC 7807 document. Written by hand because
// render.JSON would overwrite the problem+json media type.
func (h *LicenseHandler) renderProblem(w http.ResponseWriter, r *http.Request, p *apperrors.ProblemDetails) {
	body, err := json.Marshal(p)
	if err != nil {
		h.logger.Error("failed to marshal problem document",
			slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	w.Write(body)
}
