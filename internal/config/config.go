// Package config provides configuration loading and validation for the
// control plane. All settings come from environment variables; a .env file
// is loaded by the CLI entry point before Load runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the runtime configuration surface of the control plane.
type Config struct {
	Port        int    // PORT, HTTP listen port
	DatabaseURL string // DATABASE_URL, empty selects the in-memory store
	DefaultRepo string // DEFAULT_REPO, fallback repo for manual pipelines

	ApprovalTimeout time.Duration // APPROVAL_TIMEOUT_HOURS, approval gate deadline
	PipelineTimeout time.Duration // PIPELINE_TIMEOUT_HOURS, stuck-pipeline deadline

	WebhookSecret string // GITHUB_WEBHOOK_SECRET, empty disables signature checks
	GitHubToken   string // GITHUB_TOKEN, empty selects the local job runner
	GitHubAPIURL  string // GITHUB_API_URL, override for testing
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            8080,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DefaultRepo:     os.Getenv("DEFAULT_REPO"),
		ApprovalTimeout: 24 * time.Hour,
		PipelineTimeout: 48 * time.Hour,
		WebhookSecret:   os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GitHubToken:     os.Getenv("GITHUB_TOKEN"),
		GitHubAPIURL:    os.Getenv("GITHUB_API_URL"),
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config error: invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}

	var err error
	if cfg.ApprovalTimeout, err = hoursFromEnv("APPROVAL_TIMEOUT_HOURS", cfg.ApprovalTimeout); err != nil {
		return nil, err
	}
	if cfg.PipelineTimeout, err = hoursFromEnv("PIPELINE_TIMEOUT_HOURS", cfg.PipelineTimeout); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func hoursFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	hours, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config error: invalid %s %q: %w", key, v, err)
	}
	return time.Duration(hours * float64(time.Hour)), nil
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config error: port %d out of range", c.Port)
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("config error: APPROVAL_TIMEOUT_HOURS must be positive")
	}
	if c.PipelineTimeout <= 0 {
		return fmt.Errorf("config error: PIPELINE_TIMEOUT_HOURS must be positive")
	}
	return nil
}
