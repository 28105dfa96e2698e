package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure returned by Load and Validate.
var ErrInvalid = errors.New("invalid configuration")

// AnomalyThresholds bound the evolution analyzer's anomaly rules.
type AnomalyThresholds struct {
	MutationRate    float64 `yaml:"mutation_rate" validate:"gt=0"`    // mutations per day
	OverrideRate    float64 `yaml:"override_rate" validate:"gt=0"`    // overrides per day
	DriftPercentage float64 `yaml:"drift_percentage" validate:"gt=0,lte=1"`
}

// ProviderConfig selects where capsule snapshots come from.
type ProviderConfig struct {
	Type          string        `yaml:"type" validate:"oneof=dir http"`
	Dir           string        `yaml:"dir" validate:"required_if=Type dir"`
	URL           string        `yaml:"url" validate:"required_if=Type http,omitempty,url"` // may contain {id}
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	Watch         bool          `yaml:"watch"`
	Token         string        `yaml:"-"` // from env only
}

// AlertConfig lists the enabled alert sinks. Log output is always on.
type AlertConfig struct {
	Stdout         bool    `yaml:"stdout"`
	WebhookURL     string  `yaml:"webhook_url" validate:"omitempty,url"`
	WebhookRetries int     `yaml:"webhook_retries" validate:"gte=0"`
	RateLimit      float64 `yaml:"rate_limit" validate:"gte=0"` // alerts per second, 0 = unlimited
	RedisAddr      string  `yaml:"redis_addr"`
	RedisChannel   string  `yaml:"redis_channel"`
}

// ServerConfig configures the HTTP report and ingest API.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	MaxPayloadBytes int64  `yaml:"max_payload_bytes" validate:"gt=0"`
	TLSCert         string `yaml:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey          string `yaml:"tls_key" validate:"required_with=TLSCert"`
	APIKey          string `yaml:"-"` // from env only
}

// Config is the full capsulewatch configuration.
type Config struct {
	MonitoringInterval time.Duration      `yaml:"monitoring_interval" validate:"gt=0"`
	Capsules           []string           `yaml:"capsules" validate:"dive,required"`
	DriftThresholds    map[string]float64 `yaml:"drift_thresholds" validate:"dive,gte=0,lte=1"`
	AnomalyThresholds  AnomalyThresholds  `yaml:"anomaly_thresholds"`
	MaxHistoryLength   int                `yaml:"max_history_length" validate:"gt=0"`
	PersistenceEnabled bool               `yaml:"persistence_enabled"`
	StorageBackend     string             `yaml:"storage_backend" validate:"oneof=file sqlite memory"`
	StoragePath        string             `yaml:"storage_path" validate:"required_if=PersistenceEnabled true"`
	AlertOnOverride    bool               `yaml:"alert_on_override"`
	BaselineFile       string             `yaml:"baseline_file"`
	Concurrency        int                `yaml:"concurrency" validate:"gte=1"`
	LogLevel           string             `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat          string             `yaml:"log_format" validate:"omitempty,oneof=text json"`
	Provider           ProviderConfig     `yaml:"provider"`
	Alerts             AlertConfig        `yaml:"alerts"`
	Server             ServerConfig       `yaml:"server"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		MonitoringInterval: 300 * time.Second,
		DriftThresholds: map[string]float64{
			"configuration": 0.10,
			"resources":     0.20,
			"performance":   0.15,
		},
		AnomalyThresholds: AnomalyThresholds{
			MutationRate:    5,
			OverrideRate:    1,
			DriftPercentage: 0.25,
		},
		MaxHistoryLength:   100,
		PersistenceEnabled: true,
		StorageBackend:     "file",
		StoragePath:        "/var/log/capsulewatch",
		AlertOnOverride:    true,
		Concurrency:        1,
		LogLevel:           "info",
		LogFormat:          "text",
		Provider: ProviderConfig{
			Type:    "dir",
			Dir:     "/var/lib/capsulewatch/snapshots",
			Timeout: 30 * time.Second,
		},
		Alerts: AlertConfig{
			WebhookRetries: 3,
			RedisChannel:   "capsulewatch:alerts",
		},
		Server: ServerConfig{
			ListenAddr:      ":9312",
			MaxPayloadBytes: 1 << 20,
		},
	}
}

// MutationsDir is where the file backend keeps mutation histories.
func (c *Config) MutationsDir() string { return filepath.Join(c.StoragePath, "mutations") }

// OverridesDir is where the file backend keeps override histories.
func (c *Config) OverridesDir() string { return filepath.Join(c.StoragePath, "overrides") }

// SQLitePath is the database file used by the sqlite backend.
func (c *Config) SQLitePath() string { return filepath.Join(c.StoragePath, "history.db") }

// Load reads a YAML file on top of Default, applies env overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns Default with env overrides applied, for running without a
// config file.
func FromEnv() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv("CAPSULEWATCH_API_KEY"); key != "" {
		c.Server.APIKey = key
	}
	if token := os.Getenv("CAPSULEWATCH_PROVIDER_TOKEN"); token != "" {
		c.Provider.Token = token
	}
	if path := os.Getenv("CAPSULEWATCH_STORAGE_PATH"); path != "" {
		c.StoragePath = path
	}
	if level := os.Getenv("CAPSULEWATCH_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("%w: %s fails %q", ErrInvalid, first.Namespace(), first.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
