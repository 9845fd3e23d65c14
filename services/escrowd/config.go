package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the escrowd coordination gateway.
type Config struct {
	ListenAddress string                   `toml:"listen"`
	BackendURL    string                   `toml:"backend_url"`
	DatabasePath  string                   `toml:"database_path"`
	Environment   string                   `toml:"environment"`
	Auth          AuthConfig               `toml:"auth"`
	Log           LogConfig                `toml:"log"`
	Watch         WatchTOML                `toml:"watch"`
	CORS          CORSTOML                 `toml:"cors"`
	RateLimits    map[string]RateLimitTOML `toml:"rate_limits"`
}

// AuthConfig holds the session-token verification parameters.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
	Audience  string `toml:"audience"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	FilePath   string `toml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// WatchTOML bounds automatic status polling.
type WatchTOML struct {
	MaxDuration string `toml:"max_duration"`
}

// CORSTOML configures browser cross-origin access.
type CORSTOML struct {
	AllowedOrigins   []string `toml:"allowed_origins"`
	AllowCredentials bool     `toml:"allow_credentials"`
}

// RateLimitTOML caps request throughput for one route class.
type RateLimitTOML struct {
	RequestsPerMinute float64 `toml:"requests_per_minute"`
	Burst             int     `toml:"burst"`
}

const defaultConfigTOML = `listen = ":8090"
backend_url = ""
database_path = "escrowd.db"
environment = "development"

[auth]
jwt_secret = ""
issuer = "escrowdesk"
audience = ""

[log]
file_path = ""
max_size_mb = 100
max_backups = 7

[watch]
max_duration = "10m"

[cors]
allowed_origins = ["*"]
allow_credentials = false

[rate_limits.mutations]
requests_per_minute = 120
burst = 20

[rate_limits.external]
requests_per_minute = 30
burst = 5
`

// LoadConfig reads the TOML file at path, creating it with defaults when
// missing, then applies environment overrides and validates the result.
// Secrets may be supplied only through the environment so they never land in
// a checked-in file.
func LoadConfig(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(defaultConfigTOML), 0o600); err != nil {
			return Config{}, fmt.Errorf("write default config: %w", err)
		}
	}
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ESCROWD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_BACKEND_URL")); v != "" {
		cfg.BackendURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_DB_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_JWT_ISSUER")); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_JWT_AUDIENCE")); v != "" {
		cfg.Auth.Audience = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_LOG_FILE")); v != "" {
		cfg.Log.FilePath = v
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen address is required")
	}
	if strings.TrimSpace(c.BackendURL) == "" {
		return errors.New("backend_url is required (or set ESCROWD_BACKEND_URL)")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret is required (or set ESCROWD_JWT_SECRET)")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return errors.New("database_path is required")
	}
	if _, err := c.WatchMaxDuration(); err != nil {
		return err
	}
	return nil
}

// WatchMaxDuration resolves the configured polling ceiling.
func (c Config) WatchMaxDuration() (time.Duration, error) {
	raw := strings.TrimSpace(c.Watch.MaxDuration)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse watch.max_duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("watch.max_duration must be positive")
	}
	return dur, nil
}
