// Package verifier talks to the external purchase platform to confirm that
// a license key corresponds to a real purchase. Verification fails closed:
// any network error, non-success status, or negative answer is reported as
// ErrVerificationFailed and no activation may proceed.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	apperrors "bizlens/internal/errors"
	"bizlens/internal/store"
)

// Verifier confirms license purchases with the remote platform.
type Verifier interface {
	Verify(ctx context.Context, licenseKey string) (store.PurchaseMetadata, error)
}

// verifyRequest is the wire request to the purchase platform.
type verifyRequest struct {
	ProductID  string `json:"product_id"`
	LicenseKey string `json:"license_key"`
}

// verifyResponse is the wire response from the purchase platform.
type verifyResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Purchase *struct {
		Email       string    `json:"email"`
		OrderID     string    `json:"order_id"`
		PurchasedAt time.Time `json:"purchased_at"`
	} `json:"purchase,omitempty"`
}

// HTTPVerifier verifies keys against an HTTP endpoint. One attempt per
// call; the caller decides whether and when to retry.
type HTTPVerifier struct {
	url       string
	productID string
	client    *http.Client
	logger    *slog.Logger
}

// NewHTTPVerifier creates a verifier for the given endpoint. The timeout
// bounds the whole request; a timeout is a verification failure.
func NewHTTPVerifier(url, productID string, timeout time.Duration, logger *slog.Logger) *HTTPVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPVerifier{
		url:       url,
		productID: productID,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Verify checks a license key with the purchase platform.
func (v *HTTPVerifier) Verify(ctx context.Context, licenseKey string) (store.PurchaseMetadata, error) {
	body, err := json.Marshal(verifyRequest{
		ProductID:  v.productID,
		LicenseKey: licenseKey,
	})
	if err != nil {
		return store.PurchaseMetadata{}, fmt.Errorf("%w: encode request: %v", apperrors.ErrVerificationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return store.PurchaseMetadata{}, fmt.Errorf("%w: build request: %v", apperrors.ErrVerificationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.WarnContext(ctx, "License verification request failed",
			slog.String("license_key", MaskLicenseKey(licenseKey)),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)))
		return store.PurchaseMetadata{}, fmt.Errorf("%w: %v", apperrors.ErrVerificationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.logger.WarnContext(ctx, "License verification rejected",
			slog.String("license_key", MaskLicenseKey(licenseKey)),
			slog.Int("status", resp.StatusCode))
		return store.PurchaseMetadata{}, fmt.Errorf("%w: platform returned status %d", apperrors.ErrVerificationFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return store.PurchaseMetadata{}, fmt.Errorf("%w: read response: %v", apperrors.ErrVerificationFailed, err)
	}

	var vr verifyResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return store.PurchaseMetadata{}, fmt.Errorf("%w: parse response: %v", apperrors.ErrVerificationFailed, err)
	}

	if !vr.Success {
		v.logger.InfoContext(ctx, "License key rejected by purchase platform",
			slog.String("license_key", MaskLicenseKey(licenseKey)),
			slog.String("message", vr.Message))
		return store.PurchaseMetadata{}, fmt.Errorf("%w: %s", apperrors.ErrVerificationFailed, vr.Message)
	}

	var meta store.PurchaseMetadata
	if vr.Purchase != nil {
		meta = store.PurchaseMetadata{
			Email:       vr.Purchase.Email,
			OrderID:     vr.Purchase.OrderID,
			PurchasedAt: vr.Purchase.PurchasedAt,
		}
	}

	v.logger.InfoContext(ctx, "License key verified",
		slog.String("license_key", MaskLicenseKey(licenseKey)),
		slog.Duration("elapsed", time.Since(start)))
	return meta, nil
}

// MaskLicenseKey returns a log-safe form of a license key.
func MaskLicenseKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:2] + "****" + key[len(key)-2:]
}
