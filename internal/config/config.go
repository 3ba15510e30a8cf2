// Package config loads impetus settings from YAML.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/impetus/internal/model"
)

// DecisionConfig configures the decision client.
type DecisionConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	Retries          int           `yaml:"retries"`
	Backoff          time.Duration `yaml:"backoff"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
	Burst            int           `yaml:"burst"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// ActivityConfig configures the writing activity monitor.
type ActivityConfig struct {
	IdleAfter  time.Duration `yaml:"idle_after"`
	StuckAfter time.Duration `yaml:"stuck_after"`
	Tick       time.Duration `yaml:"tick"`
}

// ChaosConfig bounds the chaos scheduler's random interval.
type ChaosConfig struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// FeedbackConfig configures the feedback orchestrator.
type FeedbackConfig struct {
	ReducedMotion bool `yaml:"reduced_motion"`
	Audio         bool `yaml:"audio"`
}

// StorageConfig locates on-disk state. Empty paths disable the store.
type StorageConfig struct {
	AuditLog   string `yaml:"audit_log"`
	Journal    string `yaml:"journal"`
	Breakglass string `yaml:"breakglass"`
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// ServiceConfig configures the decision service.
type ServiceConfig struct {
	Listen         string        `yaml:"listen"`
	GRPCListen     string        `yaml:"grpc_listen"`
	Provider       string        `yaml:"provider"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
	OpenAI         OpenAIConfig  `yaml:"openai"`
}

// Config holds every configurable impetus setting.
type Config struct {
	Mode      string         `yaml:"mode"`
	MinLength int            `yaml:"min_length"`
	Decision  DecisionConfig `yaml:"decision"`
	Activity  ActivityConfig `yaml:"activity"`
	Chaos     ChaosConfig    `yaml:"chaos"`
	Feedback  FeedbackConfig `yaml:"feedback"`
	Storage   StorageConfig  `yaml:"storage"`
	Service   ServiceConfig  `yaml:"service"`
}

// DefaultDir returns ~/.impetus, or a temp directory when there is no home.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "impetus")
	}
	return filepath.Join(home, ".impetus")
}

// DefaultPath returns the config file used when no path is given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	dir := DefaultDir()
	return &Config{
		Mode:      string(model.ModePrimary),
		MinLength: 50,
		Decision: DecisionConfig{
			BaseURL:          "http://127.0.0.1:8787",
			Timeout:          10 * time.Second,
			Retries:          2,
			Backoff:          500 * time.Millisecond,
			RatePerSecond:    1,
			Burst:            2,
			FailureThreshold: 5,
		},
		Activity: ActivityConfig{
			IdleAfter:  5 * time.Second,
			StuckAfter: 60 * time.Second,
			Tick:       time.Second,
		},
		Chaos: ChaosConfig{
			Min: 30 * time.Second,
			Max: 120 * time.Second,
		},
		Feedback: FeedbackConfig{Audio: true},
		Storage: StorageConfig{
			AuditLog:   filepath.Join(dir, "audit.jsonl"),
			Journal:    filepath.Join(dir, "journal.db"),
			Breakglass: filepath.Join(dir, "breakglass"),
		},
		Service: ServiceConfig{
			Listen:         "127.0.0.1:8787",
			GRPCListen:     "127.0.0.1:8788",
			Provider:       "heuristic",
			IdempotencyTTL: 15 * time.Second,
			RatePerSecond:  5,
			Burst:          10,
			OpenAI: OpenAIConfig{
				Model:     "gpt-4o-mini",
				APIKeyEnv: "OPENAI_API_KEY",
			},
		},
	}
}

// Load reads the config at path. Empty path falls back to DefaultPath.
// A missing file returns defaults; invalid YAML returns an error.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads the config and returns the SHA-256 of the raw bytes on
// disk. When no file exists the hash is that of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), hashBytes(nil), nil
		}
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, hashBytes(data), nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := model.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.MinLength < 0 {
		errs = append(errs, fmt.Errorf("min_length must not be negative"))
	}
	if c.Decision.BaseURL == "" {
		errs = append(errs, fmt.Errorf("decision.base_url is required"))
	}
	if c.Decision.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("decision.timeout must be positive"))
	}
	if c.Decision.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("decision.failure_threshold must be at least 1"))
	}
	if c.Activity.IdleAfter <= 0 || c.Activity.StuckAfter <= c.Activity.IdleAfter {
		errs = append(errs, fmt.Errorf("activity: need 0 < idle_after < stuck_after"))
	}
	if c.Activity.Tick <= 0 {
		errs = append(errs, fmt.Errorf("activity.tick must be positive"))
	}
	if c.Chaos.Min <= 0 || c.Chaos.Max < c.Chaos.Min {
		errs = append(errs, fmt.Errorf("chaos: need 0 < min <= max"))
	}
	if c.Service.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("service.rate_per_second must not be negative"))
	}
	switch c.Service.Provider {
	case "heuristic", "openai":
	default:
		errs = append(errs, fmt.Errorf("service.provider %q is not one of heuristic, openai", c.Service.Provider))
	}
	return errors.Join(errs...)
}

// ParsedMode returns the configured mode.
func (c *Config) ParsedMode() model.Mode {
	m, _ := model.ParseMode(c.Mode)
	return m
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
