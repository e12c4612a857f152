package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// stateFile persists the cached license state across restarts. The file is
// HMAC-signed for tamper evidence, not encrypted: the token and key inside
// already belong to the local user, the signature only stops casual edits
// like backdating last_heartbeat to stretch the grace window.
type stateFile struct {
	path   string
	secret []byte
}

// stateEnvelope is the on-disk shape: payload plus signature.
type stateEnvelope struct {
	Data      Data      `json:"data"`
	SavedAt   time.Time `json:"saved_at"`
	Signature string    `json:"signature"`
}

func newStateFile(path, secret string) *stateFile {
	return &stateFile{path: path, secret: []byte(secret)}
}

// Save writes the cached state atomically with restricted permissions.
func (f *stateFile) Save(data Data) error {
	env := stateEnvelope{
		Data:    data,
		SavedAt: time.Now().UTC(),
	}
	env.Signature = f.sign(env)

	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal license state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write license state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace license state: %w", err)
	}
	return nil
}

// Load reads and verifies the cached state. A missing file returns
// (nil, nil); a tampered file is an error.
func (f *stateFile) Load() (*Data, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read license state: %w", err)
	}

	var env stateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse license state: %w", err)
	}

	expected := f.sign(env)
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		return nil, fmt.Errorf("license state signature mismatch")
	}

	return &env.Data, nil
}

// Clear removes the cached state. Missing file is fine.
func (f *stateFile) Clear() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear license state: %w", err)
	}
	return nil
}

// sign computes the envelope signature over a canonical rendering of the
// payload fields, excluding the signature itself.
func (f *stateFile) sign(env stateEnvelope) string {
	fields := map[string]string{
		"license_key":    env.Data.LicenseKey,
		"device_id":      env.Data.DeviceID,
		"activation_id":  env.Data.ActivationID,
		"token":          env.Data.Token,
		"token_expires":  env.Data.TokenExpiresAt.UTC().Format(time.RFC3339Nano),
		"last_heartbeat": env.Data.LastHeartbeat.UTC().Format(time.RFC3339Nano),
		"state":          env.Data.State.String(),
		"saved_at":       env.SavedAt.UTC().Format(time.RFC3339Nano),
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha256.New, f.secret)
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte{0})
		mac.Write([]byte(fields[k]))
		mac.Write([]byte{0})
	}
	return hex.EncodeToString(mac.Sum(nil))
}
