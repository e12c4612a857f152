package license

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testData() Data {
	return Data{
		LicenseKey:     "ABCD-1234-EFGH-5678",
		DeviceID:       "device-fingerprint-0000000000000001",
		ActivationID:   "act-1",
		Token:          "header.payload.signature",
		TokenExpiresAt: time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC),
		LastHeartbeat:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		State:          StateActive,
		Email:          "owner@example.com",
	}
}

func TestStateFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "license.dat")
	f := newStateFile(path, "state-secret-0001")

	require.NoError(t, f.Save(testData()))

	loaded, err := f.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, testData().LicenseKey, loaded.LicenseKey)
	assert.Equal(t, testData().Token, loaded.Token)
	assert.Equal(t, StateActive, loaded.State)
	assert.True(t, testData().LastHeartbeat.Equal(loaded.LastHeartbeat))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStateFileMissingIsNotAnError(t *testing.T) {
	f := newStateFile(filepath.Join(t.TempDir(), "license.dat"), "state-secret-0001")

	loaded, err := f.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStateFileDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "license.dat")
	f := newStateFile(path, "state-secret-0001")
	require.NoError(t, f.Save(testData()))

	// Backdate last_heartbeat to stretch the grace window.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))

	edited := strings.Replace(string(raw), "2026-03-01T12:00:00Z", "2026-04-01T12:00:00Z", 1)
	require.NotEqual(t, string(raw), edited, "fixture must contain the heartbeat timestamp")
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))

	_, err = f.Load()
	assert.Error(t, err, "edited state must fail signature verification")
}

func TestStateFileWrongSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "license.dat")
	require.NoError(t, newStateFile(path, "state-secret-0001").Save(testData()))

	_, err := newStateFile(path, "a-different-secret").Load()
	assert.Error(t, err)
}

func TestStateFileClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "license.dat")
	f := newStateFile(path, "state-secret-0001")
	require.NoError(t, f.Save(testData()))

	require.NoError(t, f.Clear())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Clearing twice is fine.
	assert.NoError(t, f.Clear())
}
