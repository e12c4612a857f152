package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "bizlens/internal/errors"
)

// ServerClient talks to the license server's activation API.
type ServerClient struct {
	baseURL string
	client  *http.Client
}

// NewServerClient creates a client for the license server at baseURL.
func NewServerClient(baseURL string, timeout time.Duration) *ServerClient {
	return &ServerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type activateRequest struct {
	LicenseKey  string `json:"license_key"`
	DeviceID    string `json:"device_id"`
	DeviceLabel string `json:"device_label,omitempty"`
}

// ActivateResponse is the server's answer to a successful activation.
type ActivateResponse struct {
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	ActivationID   string    `json:"activation_id"`
	Purchase       struct {
		Email       string    `json:"email,omitempty"`
		OrderID     string    `json:"order_id,omitempty"`
		PurchasedAt time.Time `json:"purchased_at,omitempty"`
	} `json:"purchase"`
}

type heartbeatRequest struct {
	LicenseKey string `json:"license_key"`
	DeviceID   string `json:"device_id"`
}

// HeartbeatResponse is the server's answer to a successful heartbeat.
type HeartbeatResponse struct {
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	LastSeen       time.Time `json:"last_seen"`
}

// DeactivateResponse reports the outcome of a deactivation.
type DeactivateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DeviceInfo is one bound device as reported by the server.
type DeviceInfo struct {
	DeviceLabel string    `json:"device_label"`
	ActivatedAt time.Time `json:"activated_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// DevicesResponse lists the devices bound to a license.
type DevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// Activate requests a device slot for the license.
func (c *ServerClient) Activate(ctx context.Context, licenseKey, deviceID, deviceLabel string) (*ActivateResponse, error) {
	var out ActivateResponse
	err := c.post(ctx, "/api/license/activate", activateRequest{
		LicenseKey:  licenseKey,
		DeviceID:    deviceID,
		DeviceLabel: deviceLabel,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat refreshes the activation and credential.
func (c *ServerClient) Heartbeat(ctx context.Context, licenseKey, deviceID string) (*HeartbeatResponse, error) {
	var out HeartbeatResponse
	err := c.post(ctx, "/api/license/heartbeat", heartbeatRequest{
		LicenseKey: licenseKey,
		DeviceID:   deviceID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Deactivate frees the device slot.
func (c *ServerClient) Deactivate(ctx context.Context, licenseKey, deviceID string) (*DeactivateResponse, error) {
	var out DeactivateResponse
	err := c.post(ctx, "/api/license/deactivate", heartbeatRequest{
		LicenseKey: licenseKey,
		DeviceID:   deviceID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDevices returns the devices bound to the license.
func (c *ServerClient) ListDevices(ctx context.Context, licenseKey string) (*DevicesResponse, error) {
	var out DevicesResponse
	err := c.post(ctx, "/api/license/devices", map[string]string{
		"license_key": licenseKey,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// problemDocument is the server's RFC 7807 error body.
type problemDocument struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func (c *ServerClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("license server unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return mapProblem(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// mapProblem converts a problem document back into the domain error the
// status code signals.
func mapProblem(status int, body []byte) error {
	var p problemDocument
	detail := ""
	if err := json.Unmarshal(body, &p); err == nil {
		detail = p.Detail
	}

	switch {
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %s", apperrors.ErrSlotLimitReached, detail)
	case status == http.StatusUnauthorized && p.Title == "Not Activated":
		return fmt.Errorf("%w: %s", apperrors.ErrActivationNotFound, detail)
	case status == http.StatusUnauthorized:
		if detail == "" {
			return apperrors.ErrVerificationFailed
		}
		return fmt.Errorf("%w: %s", apperrors.ErrVerificationFailed, detail)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidLicenseKey, detail)
	default:
		return fmt.Errorf("license server error (status %d): %s", status, detail)
	}
}
