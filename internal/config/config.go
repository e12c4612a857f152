package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	apperrors "bizlens/internal/errors"
)

// Config represents the complete license server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	License  LicenseConfig  `yaml:"license" envconfig:"LICENSE"`
	Verifier VerifierConfig `yaml:"verifier" envconfig:"VERIFIER"`
	Paths    PathsConfig    `yaml:"paths" envconfig:"PATHS"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8091"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains the secrets the subsystem refuses to run without,
// plus transport-level protections.
type SecurityConfig struct {
	// HashSalt keys the at-rest digests of license keys and device ids.
	// There is no insecure default: a missing salt is a startup failure.
	HashSalt string `yaml:"hash_salt" envconfig:"HASH_SALT"`
	// SigningSecret signs issued credential tokens.
	SigningSecret  string          `yaml:"signing_secret" envconfig:"SIGNING_SECRET"`
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8091"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"50"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"25"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/licensed.log"`
}

// LicenseConfig carries the licensing policy knobs. The heartbeat interval
// and offline grace period are product policy choices, not technical
// constraints; they are configurable but ship with the agreed defaults.
type LicenseConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL" default:"1h"`
	OfflineGracePeriod time.Duration `yaml:"offline_grace_period" envconfig:"OFFLINE_GRACE_PERIOD" default:"72h"`
	TokenTTL           time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL" default:"168h"`
	StaleAfter         time.Duration `yaml:"stale_after" envconfig:"STALE_AFTER" default:"720h"`
	PruneInterval      time.Duration `yaml:"prune_interval" envconfig:"PRUNE_INTERVAL" default:"6h"`
	MaxDevices         int           `yaml:"max_devices" envconfig:"MAX_DEVICES" default:"1"`
}

// VerifierConfig configures the purchase-platform verification client.
type VerifierConfig struct {
	URL       string        `yaml:"url" envconfig:"URL" default:"https://api.bizlens.app/v1/licenses/verify"`
	ProductID string        `yaml:"product_id" envconfig:"PRODUCT_ID" default:"bizlens-pro"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"12s"`
}

// PathsConfig contains file system paths configuration.
type PathsConfig struct {
	StoreFile string `yaml:"store_file" envconfig:"STORE_FILE" default:"data/licenses.json"`
	StateFile string `yaml:"state_file" envconfig:"STATE_FILE" default:"license.dat"`
	LogsDir   string `yaml:"logs_dir" envconfig:"LOGS_DIR" default:"logs"`
}

// Load loads configuration from environment variables and an optional
// config file. Env vars take precedence over file values.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("BIZLENS", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := findConfigFile(); configFile != "" {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileCfg, cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence).
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Security.HashSalt == "" {
		envConfig.Security.HashSalt = fileConfig.Security.HashSalt
	}
	if envConfig.Security.SigningSecret == "" {
		envConfig.Security.SigningSecret = fileConfig.Security.SigningSecret
	}
	if envConfig.Verifier.URL == "" {
		envConfig.Verifier.URL = fileConfig.Verifier.URL
	}
	if envConfig.Paths.StoreFile == "" {
		envConfig.Paths.StoreFile = fileConfig.Paths.StoreFile
	}

	return envConfig
}

// Validate checks the configuration. Secret material is validated here so
// that a misconfigured deployment fails at startup rather than at request
// time: running without the hash salt or signing secret would silently void
// the at-rest hashing and token signing guarantees.
func (c *Config) Validate() error {
	if c.Security.HashSalt == "" {
		return fmt.Errorf("%w: security.hash_salt (BIZLENS_SECURITY_HASH_SALT) is required", apperrors.ErrConfiguration)
	}
	if len(c.Security.HashSalt) < 16 {
		return fmt.Errorf("%w: security.hash_salt must be at least 16 characters", apperrors.ErrConfiguration)
	}
	if c.Security.SigningSecret == "" {
		return fmt.Errorf("%w: security.signing_secret (BIZLENS_SECURITY_SIGNING_SECRET) is required", apperrors.ErrConfiguration)
	}
	if len(c.Security.SigningSecret) < 16 {
		return fmt.Errorf("%w: security.signing_secret must be at least 16 characters", apperrors.ErrConfiguration)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port %d", apperrors.ErrConfiguration, c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("%w: server timeouts must be positive", apperrors.ErrConfiguration)
	}

	if c.License.MaxDevices <= 0 {
		return fmt.Errorf("%w: license.max_devices must be positive", apperrors.ErrConfiguration)
	}
	if c.License.OfflineGracePeriod <= 0 {
		return fmt.Errorf("%w: license.offline_grace_period must be positive", apperrors.ErrConfiguration)
	}
	if c.License.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: license.heartbeat_interval must be positive", apperrors.ErrConfiguration)
	}

	if c.Verifier.URL == "" {
		return fmt.Errorf("%w: verifier.url is required", apperrors.ErrConfiguration)
	}
	if c.Verifier.ProductID == "" {
		return fmt.Errorf("%w: verifier.product_id is required", apperrors.ErrConfiguration)
	}

	// JSON output is the only supported log format.
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/licensed.log"
	}

	return nil
}

// findConfigFile returns the path to the config file, if any.
func findConfigFile() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns a configuration suitable for tests and local development.
// Production deployments must provide their own secrets; these values exist
// so tests do not have to repeat boilerplate.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8091,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			HashSalt:       "bizlens-test-hash-salt-0001",
			SigningSecret:  "bizlens-test-signing-secret-0001",
			AllowedOrigins: []string{"http://localhost:8091"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     50,
				Burst:   25,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/licensed.log",
		},
		License: LicenseConfig{
			HeartbeatInterval:  time.Hour,
			OfflineGracePeriod: 72 * time.Hour,
			TokenTTL:           168 * time.Hour,
			StaleAfter:         720 * time.Hour,
			PruneInterval:      6 * time.Hour,
			MaxDevices:         1,
		},
		Verifier: VerifierConfig{
			URL:       "https://api.bizlens.app/v1/licenses/verify",
			ProductID: "bizlens-pro",
			Timeout:   12 * time.Second,
		},
		Paths: PathsConfig{
			StoreFile: "data/licenses.json",
			StateFile: "license.dat",
			LogsDir:   "logs",
		},
	}
}
