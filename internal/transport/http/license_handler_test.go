package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizlens/internal/services"
	"bizlens/internal/store"
	"bizlens/internal/token"
	"bizlens/internal/verifier"
)

const (
	testKey   = "ABCD-1234-EFGH-5678"
	deviceOne = "device-fingerprint-0000000000000001"
	deviceTwo = "device-fingerprint-0000000000000002"
)

// newTestRouter wires a real service stack behind the handler: file store,
// token issuer, and a stub purchase platform.
func newTestRouter(t *testing.T, platformAccepts bool) chi.Router {
	t.Helper()

	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": platformAccepts,
			"message": "unknown license key",
			"purchase": map[string]any{
				"email": "owner@example.com",
			},
		})
	}))
	t.Cleanup(platform.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	digester, err := store.NewDigester("handler-test-hash-salt-000001")
	require.NoError(t, err)
	st, err := store.OpenFileStore(filepath.Join(t.TempDir(), "licenses.json"), digester, store.FileStoreOptions{
		ProductID:  "bizlens-pro",
		MaxDevices: 1,
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	issuer, err := token.NewIssuer("handler-test-signing-secret-01", 168*time.Hour)
	require.NoError(t, err)

	vf := verifier.NewHTTPVerifier(platform.URL, "bizlens-pro", 5*time.Second, logger)
	svc := services.NewActivationService(st, vf, issuer, logger, nil)

	r := chi.NewRouter()
	r.Mount("/api/license", NewLicenseHandler(svc, logger).Routes())
	return r
}

func doPost(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestActivationFlow(t *testing.T) {
	router := newTestRouter(t, true)

	// First device activates.
	rec := doPost(t, router, "/api/license/activate", map[string]string{
		"license_key":  testKey,
		"device_id":    deviceOne,
		"device_label": "laptop",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var activated ActivateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &activated))
	assert.NotEmpty(t, activated.Token)
	assert.NotEmpty(t, activated.ActivationID)
	assert.Equal(t, "owner@example.com", activated.Purchase.Email)

	// Re-activating the same device is idempotent.
	rec = doPost(t, router, "/api/license/activate", map[string]string{
		"license_key": testKey,
		"device_id":   deviceOne,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var again ActivateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, activated.ActivationID, again.ActivationID)

	// A second device hits the slot limit: 409 with actionable wording.
	rec = doPost(t, router, "/api/license/activate", map[string]string{
		"license_key": testKey,
		"device_id":   deviceTwo,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "already activated")

	// Heartbeat refreshes the token.
	rec = doPost(t, router, "/api/license/heartbeat", map[string]string{
		"license_key": testKey,
		"device_id":   deviceOne,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var hb HeartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hb))
	assert.NotEmpty(t, hb.Token)
	assert.False(t, hb.LastSeen.IsZero())

	// Device listing shows the bound device.
	rec = doPost(t, router, "/api/license/devices", map[string]string{
		"license_key": testKey,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var devices DevicesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices.Devices, 1)
	assert.Equal(t, "laptop", devices.Devices[0].DeviceLabel)

	// Deactivation frees the slot.
	rec = doPost(t, router, "/api/license/deactivate", map[string]string{
		"license_key": testKey,
		"device_id":   deviceOne,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var deact DeactivateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deact))
	assert.True(t, deact.Success)

	// Deactivating again is a no-op, not an error.
	rec = doPost(t, router, "/api/license/deactivate", map[string]string{
		"license_key": testKey,
		"device_id":   deviceOne,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deact))
	assert.False(t, deact.Success)

	// The freed slot accepts the second device now.
	rec = doPost(t, router, "/api/license/activate", map[string]string{
		"license_key": testKey,
		"device_id":   deviceTwo,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestActivateVerificationFailure(t *testing.T) {
	router := newTestRouter(t, false)

	rec := doPost(t, router, "/api/license/activate", map[string]string{
		"license_key": testKey,
		"device_id":   deviceOne,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "could not be verified")
}

func TestHeartbeatNotActivated(t *testing.T) {
	router := newTestRouter(t, true)

	rec := doPost(t, router, "/api/license/heartbeat", map[string]string{
		"license_key": testKey,
		"device_id":   deviceOne,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Not Activated")
}

func TestActivateRejectsInvalidPayload(t *testing.T) {
	router := newTestRouter(t, true)

	tests := []struct {
		name string
		body map[string]string
	}{
		{"missing key", map[string]string{"device_id": deviceOne}},
		{"short key", map[string]string{"license_key": "abc", "device_id": deviceOne}},
		{"missing device", map[string]string{"license_key": testKey}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doPost(t, router, "/api/license/activate", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	r := chi.NewRouter()
	r.Mount("/healthz", NewHealthHandler(nil).Routes())

	req := httptest.NewRequest(http.MethodGet, "/healthz/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Nil(t, health.Store)
}
