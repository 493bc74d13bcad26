package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for ledgerd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	CoinsFile     string          `yaml:"coins_file"`
	Database      DatabaseConfig  `yaml:"database"`
	Escrow        EscrowConfig    `yaml:"escrow"`
	Bridge        BridgeConfig    `yaml:"bridge"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Retention     RetentionConfig `yaml:"retention"`
	Log           LogConfig       `yaml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	DSNEnv          string   `yaml:"dsn_env"`
	Path            string   `yaml:"path"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// EscrowConfig tunes paid service execution.
type EscrowConfig struct {
	DefaultTimeout   Duration `yaml:"default_timeout"`
	RecoveryInterval Duration `yaml:"recovery_interval"`
	RecoveryAge      Duration `yaml:"recovery_age"`
	MaxPayloadBytes  int      `yaml:"max_payload_bytes"`
}

// BridgeConfig carries the reserved coin compliance gate.
type BridgeConfig struct {
	ReservedCoin        string `yaml:"reserved_coin"`
	ReservedCoinAllowed bool   `yaml:"reserved_coin_allowed"`
}

// AuthConfig configures caller JWT verification.
type AuthConfig struct {
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	Leeway         Duration `yaml:"leeway"`
}

// RateLimitConfig bounds per-agent request rates.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// RetentionConfig schedules the ledger archive job.
type RetentionConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Horizon    Duration `yaml:"horizon"`
	RunHour    int      `yaml:"run_hour"`
	RunMinute  int      `yaml:"run_minute"`
	ArchiveDir string   `yaml:"archive_dir"`
	BatchSize  int      `yaml:"batch_size"`
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig wires OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Headers     string  `yaml:"headers"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8085"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" && cfg.Database.DSN == "" && cfg.Database.DSNEnv == "" {
		cfg.Database.Path = "ledgerd.db"
	}
	if cfg.Escrow.DefaultTimeout.Duration == 0 {
		cfg.Escrow.DefaultTimeout.Duration = 30 * time.Second
	}
	if cfg.Escrow.RecoveryInterval.Duration == 0 {
		cfg.Escrow.RecoveryInterval.Duration = time.Minute
	}
	if cfg.Escrow.RecoveryAge.Duration == 0 {
		cfg.Escrow.RecoveryAge.Duration = 10 * time.Minute
	}
	if cfg.Escrow.MaxPayloadBytes <= 0 {
		cfg.Escrow.MaxPayloadBytes = 256 << 10
	}
	if cfg.Auth.Leeway.Duration == 0 {
		cfg.Auth.Leeway.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 50
	}
	if cfg.Retention.Horizon.Duration == 0 {
		cfg.Retention.Horizon.Duration = 365 * 24 * time.Hour
	}
	if cfg.Retention.RunHour == 0 && cfg.Retention.RunMinute == 0 {
		cfg.Retention.RunHour = 3
	}
	if cfg.Retention.ArchiveDir == "" {
		cfg.Retention.ArchiveDir = "archive"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database driver %q not supported", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured for postgres")
	}
	if cfg.Escrow.DefaultTimeout.Duration > 5*time.Minute {
		return fmt.Errorf("escrow default_timeout must not exceed 5m")
	}
	if cfg.Escrow.RecoveryAge.Duration <= 5*time.Minute {
		return fmt.Errorf("escrow recovery_age must exceed the 5m maximum webhook timeout")
	}
	if len(cfg.Auth.HMACSecret) < 32 {
		return fmt.Errorf("auth hmac_secret must be at least 32 bytes")
	}
	if cfg.Retention.RunHour < 0 || cfg.Retention.RunHour > 23 || cfg.Retention.RunMinute < 0 || cfg.Retention.RunMinute > 59 {
		return fmt.Errorf("retention run_hour/run_minute out of range")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be between 0 and 1")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	a.HMACSecretEnv = strings.TrimSpace(a.HMACSecretEnv)
	a.HMACSecretFile = strings.TrimSpace(a.HMACSecretFile)
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	if a.HMACSecret != "" {
		return nil
	}
	switch {
	case a.HMACSecretEnv != "":
		value := strings.TrimSpace(os.Getenv(a.HMACSecretEnv))
		if value == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
		a.HMACSecret = value
	case a.HMACSecretFile != "":
		contents, err := os.ReadFile(a.HMACSecretFile)
		if err != nil {
			return fmt.Errorf("read hmac_secret_file: %w", err)
		}
		a.HMACSecret = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("hmac_secret is required")
	}
	return nil
}

func (d *DatabaseConfig) normalise() error {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	d.DSN = strings.TrimSpace(d.DSN)
	d.Path = strings.TrimSpace(d.Path)
	if d.DSN == "" && strings.TrimSpace(d.DSNEnv) != "" {
		d.DSN = strings.TrimSpace(os.Getenv(strings.TrimSpace(d.DSNEnv)))
		if d.DSN == "" {
			return fmt.Errorf("dsn_env %s is empty", d.DSNEnv)
		}
	}
	return nil
}
