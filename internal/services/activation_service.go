// Package services orchestrates the activation and heartbeat workflows on
// the server side: verify the purchase, reserve the device slot, mint the
// credential token.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	apperrors "bizlens/internal/errors"
	"bizlens/internal/fingerprint"
	"bizlens/internal/infrastructure"
	"bizlens/internal/store"
	"bizlens/internal/token"
	"bizlens/internal/verifier"
)

// minLicenseKeyLength rejects obviously malformed keys before any network
// or store work happens.
const minLicenseKeyLength = 8

// ActivationResult is the outcome of a successful activation.
type ActivationResult struct {
	Activation     *store.DeviceActivation
	Token          string
	TokenExpiresAt time.Time
	Purchase       store.PurchaseMetadata
}

// HeartbeatResult is the outcome of a successful heartbeat.
type HeartbeatResult struct {
	Token          string
	TokenExpiresAt time.Time
	LastSeen       time.Time
}

// ActivationService implements the activation, heartbeat, deactivation and
// device-listing operations. Concurrent activation attempts for the same
// (license, device) pair collapse to a single in-flight call.
type ActivationService struct {
	store    store.Store
	verifier verifier.Verifier
	issuer   *token.Issuer
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *infrastructure.BusinessMetrics

	activations singleflight.Group
}

// NewActivationService wires the service from its collaborators.
func NewActivationService(st store.Store, vf verifier.Verifier, issuer *token.Issuer, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *ActivationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivationService{
		store:    st,
		verifier: vf,
		issuer:   issuer,
		logger:   logger,
		tracer:   otel.Tracer("bizlens/services"),
		metrics:  metrics,
	}
}

// Activate runs the full activation workflow: verify the purchase with the
// remote platform (fail closed), lazily create the license record, reserve
// the device slot, and issue a credential token. Re-activating an
// already-bound device is idempotent.
func (s *ActivationService) Activate(ctx context.Context, licenseKey, deviceID, deviceLabel string) (*ActivationResult, error) {
	ctx, span := s.tracer.Start(ctx, "license.activate")
	defer span.End()

	start := time.Now()

	licenseKey = strings.TrimSpace(licenseKey)
	deviceID = strings.TrimSpace(deviceID)
	if err := validateRequest(licenseKey, deviceID); err != nil {
		infrastructure.RecordActivationAttempt(ctx, s.metrics, time.Since(start), "invalid_request")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("license.key", verifier.MaskLicenseKey(licenseKey)),
		attribute.String("device.id", fingerprint.MaskDeviceID(deviceID)),
	)

	// Collapse concurrent attempts for the same pair: only one verify +
	// reserve sequence runs, the rest share its result.
	flightKey := licenseKey + "|" + deviceID
	v, err, shared := s.activations.Do(flightKey, func() (interface{}, error) {
		return s.activate(ctx, licenseKey, deviceID, deviceLabel)
	})
	if shared {
		s.logger.DebugContext(ctx, "Activation collapsed into in-flight attempt",
			slog.String("license_key", verifier.MaskLicenseKey(licenseKey)))
	}
	if err != nil {
		infrastructure.RecordError(ctx, err)
		infrastructure.RecordActivationAttempt(ctx, s.metrics, time.Since(start), outcomeLabel(err))
		return nil, err
	}

	infrastructure.RecordActivationAttempt(ctx, s.metrics, time.Since(start), "success")
	return v.(*ActivationResult), nil
}

func (s *ActivationService) activate(ctx context.Context, licenseKey, deviceID, deviceLabel string) (*ActivationResult, error) {
	meta, err := s.verifier.Verify(ctx, licenseKey)
	if err != nil {
		if s.metrics != nil {
			s.metrics.VerificationFailures.Add(ctx, 1)
		}
		return nil, err
	}

	if _, err := s.store.GetOrCreateRecord(ctx, licenseKey, meta); err != nil {
		return nil, fmt.Errorf("failed to upsert license record: %w", err)
	}

	_, findErr := s.store.FindActivation(ctx, licenseKey, deviceID)
	firstBind := errors.Is(findErr, apperrors.ErrActivationNotFound)

	act, err := s.store.ReserveSlot(ctx, licenseKey, deviceID, deviceLabel)
	if err != nil {
		return nil, err
	}

	signed, expiresAt, err := s.issuer.Issue(licenseKey, deviceID, act.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue credential: %w", err)
	}

	if firstBind && s.metrics != nil {
		s.metrics.ActiveActivations.Add(ctx, 1)
	}

	s.logger.InfoContext(ctx, "License activated",
		slog.String("license_key", verifier.MaskLicenseKey(licenseKey)),
		slog.String("device_id", fingerprint.MaskDeviceID(deviceID)),
		slog.String("activation_id", act.ID),
		slog.Bool("first_bind", firstBind))

	return &ActivationResult{
		Activation:     act,
		Token:          signed,
		TokenExpiresAt: expiresAt,
		Purchase:       meta,
	}, nil
}

// Heartbeat refreshes an existing activation: advances LastSeenAt and
// reissues the credential token. A pair with no live activation gets
// ErrActivationNotFound.
func (s *ActivationService) Heartbeat(ctx context.Context, licenseKey, deviceID string) (*HeartbeatResult, error) {
	ctx, span := s.tracer.Start(ctx, "license.heartbeat")
	defer span.End()

	licenseKey = strings.TrimSpace(licenseKey)
	deviceID = strings.TrimSpace(deviceID)
	if err := validateRequest(licenseKey, deviceID); err != nil {
		return nil, err
	}

	act, err := s.store.FindActivation(ctx, licenseKey, deviceID)
	if err != nil {
		if s.metrics != nil {
			s.metrics.HeartbeatsTotal.Add(ctx, 1, metricOutcome("not_activated"))
		}
		return nil, err
	}

	if err := s.store.TouchHeartbeat(ctx, act.ID); err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	// Re-read for the advanced timestamp.
	act, err = s.store.FindActivation(ctx, licenseKey, deviceID)
	if err != nil {
		return nil, err
	}

	signed, expiresAt, err := s.issuer.Refresh(licenseKey, deviceID, act.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh credential: %w", err)
	}

	if s.metrics != nil {
		s.metrics.HeartbeatsTotal.Add(ctx, 1, metricOutcome("success"))
	}

	s.logger.DebugContext(ctx, "Heartbeat recorded",
		slog.String("activation_id", act.ID),
		slog.Time("last_seen", act.LastSeenAt))

	return &HeartbeatResult{
		Token:          signed,
		TokenExpiresAt: expiresAt,
		LastSeen:       act.LastSeenAt,
	}, nil
}

// Deactivate revokes the activation for a (license, device) pair, freeing
// its slot. Revoking an already-free pair reports revoked=false.
func (s *ActivationService) Deactivate(ctx context.Context, licenseKey, deviceID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "license.deactivate")
	defer span.End()

	licenseKey = strings.TrimSpace(licenseKey)
	deviceID = strings.TrimSpace(deviceID)
	if err := validateRequest(licenseKey, deviceID); err != nil {
		return false, err
	}

	revoked, err := s.store.Revoke(ctx, licenseKey, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke activation: %w", err)
	}

	if revoked && s.metrics != nil {
		s.metrics.DeactivationsTotal.Add(ctx, 1)
		s.metrics.ActiveActivations.Add(ctx, -1)
	}

	s.logger.InfoContext(ctx, "Deactivation processed",
		slog.String("license_key", verifier.MaskLicenseKey(licenseKey)),
		slog.String("device_id", fingerprint.MaskDeviceID(deviceID)),
		slog.Bool("revoked", revoked))
	return revoked, nil
}

// ListDevices returns the live activations for a license.
func (s *ActivationService) ListDevices(ctx context.Context, licenseKey string) ([]*store.DeviceActivation, error) {
	ctx, span := s.tracer.Start(ctx, "license.list_devices")
	defer span.End()

	licenseKey = strings.TrimSpace(licenseKey)
	if len(licenseKey) < minLicenseKeyLength {
		return nil, apperrors.ErrInvalidLicenseKey
	}

	return s.store.ListActive(ctx, licenseKey)
}

func validateRequest(licenseKey, deviceID string) error {
	if len(licenseKey) < minLicenseKeyLength {
		return apperrors.ErrInvalidLicenseKey
	}
	if deviceID == "" {
		return fmt.Errorf("%w: device id is required", apperrors.ErrInvalidLicenseKey)
	}
	return nil
}

func metricOutcome(outcome string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("outcome", outcome))
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrSlotLimitReached):
		return "slot_limit"
	case errors.Is(err, apperrors.ErrVerificationFailed):
		return "verification_failed"
	default:
		return "error"
	}
}
