package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "bizlens/internal/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8091, cfg.Server.Port)
	assert.Equal(t, "bizlens-pro", cfg.Verifier.ProductID)
	assert.Equal(t, 1, cfg.License.MaxDevices)
}

func TestValidateRequiresSecretMaterial(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing hash salt", func(c *Config) { c.Security.HashSalt = "" }},
		{"short hash salt", func(c *Config) { c.Security.HashSalt = "short" }},
		{"missing signing secret", func(c *Config) { c.Security.SigningSecret = "" }},
		{"short signing secret", func(c *Config) { c.Security.SigningSecret = "short" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err, "startup must refuse to run without secrets")
			assert.ErrorIs(t, err, apperrors.ErrConfiguration)
		})
	}
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max devices", func(c *Config) { c.License.MaxDevices = 0 }},
		{"zero grace period", func(c *Config) { c.License.OfflineGracePeriod = 0 }},
		{"zero heartbeat interval", func(c *Config) { c.License.HeartbeatInterval = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"missing verifier url", func(c *Config) { c.Verifier.URL = "" }},
		{"missing product id", func(c *Config) { c.Verifier.ProductID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), apperrors.ErrConfiguration)
		})
	}
}

func TestMergeConfigsEnvWins(t *testing.T) {
	fileCfg := *Default()
	fileCfg.Server.Port = 9000
	fileCfg.Security.HashSalt = "file-hash-salt-000000001"

	envCfg := *Default()
	envCfg.Server.Port = 8091
	envCfg.Security.HashSalt = "env-hash-salt-0000000001"

	merged := mergeConfigs(fileCfg, envCfg)
	assert.Equal(t, 8091, merged.Server.Port)
	assert.Equal(t, "env-hash-salt-0000000001", merged.Security.HashSalt)

	// Env gaps fall back to the file values.
	envCfg.Server.Port = 0
	envCfg.Security.HashSalt = ""
	merged = mergeConfigs(fileCfg, envCfg)
	assert.Equal(t, 9000, merged.Server.Port)
	assert.Equal(t, "file-hash-salt-000000001", merged.Security.HashSalt)
}
