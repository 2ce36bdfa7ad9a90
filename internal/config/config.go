// Package config provides configuration loading for intentd.
package config

import (
	"fmt"
	"time"

	"github.com/seamlab/intentd/internal/logging"
)

// Config is the full intentd configuration.
type Config struct {
	Logging   logging.Config  `koanf:"logging"`
	Workspace WorkspaceConfig `koanf:"workspace"`
	Reasoning ReasoningConfig `koanf:"reasoning"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Verifier  VerifierConfig  `koanf:"verifier"`
	Lessons   LessonsConfig   `koanf:"lessons"`
}

// WorkspaceConfig governs the diff engine.
type WorkspaceConfig struct {
	// Root is the workspace directory mutations are applied under.
	Root string `koanf:"root"`

	// MaxFileSizeBytes is the write ceiling. Zero keeps the default.
	MaxFileSizeBytes int `koanf:"max_file_size_bytes"`

	// BackupRetentionDays bounds backup cleanup.
	BackupRetentionDays int `koanf:"backup_retention_days"`

	// IntegrityPolicy is warn or abort; applied when a file changed on
	// disk between diff creation and application.
	IntegrityPolicy string `koanf:"integrity_policy"`
}

// ReasoningConfig governs reasoning-service calls.
type ReasoningConfig struct {
	APIKey            string  `koanf:"api_key"`
	Model             string  `koanf:"model"`
	MaxTokens         int     `koanf:"max_tokens"`
	Temperature       float64 `koanf:"temperature"`
	MaxRetries        int     `koanf:"max_retries"`
	RequestsPerMinute int     `koanf:"requests_per_minute"`
}

// ExecutorConfig governs plan execution.
type ExecutorConfig struct {
	// Concurrency caps how many independent steps generate at once.
	Concurrency int `koanf:"concurrency"`
}

// VerifierConfig governs verification subprocesses.
type VerifierConfig struct {
	// TimeoutSeconds is the hard budget for one check subprocess.
	TimeoutSeconds int `koanf:"timeout_seconds"`
}

// LessonsConfig governs the lesson store.
type LessonsConfig struct {
	// Dir is where per-project lesson collections live.
	Dir string `koanf:"dir"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Logging: logging.DefaultConfig(),
		Workspace: WorkspaceConfig{
			MaxFileSizeBytes:    5 * 1024 * 1024,
			BackupRetentionDays: 7,
			IntegrityPolicy:     "warn",
		},
		Reasoning: ReasoningConfig{
			Model:             "claude-sonnet-4-5-20250929",
			MaxTokens:         4096,
			MaxRetries:        3,
			RequestsPerMinute: 50,
		},
		Executor: ExecutorConfig{Concurrency: 4},
		Verifier: VerifierConfig{TimeoutSeconds: 300},
		Lessons:  LessonsConfig{Dir: ".intentd/lessons"},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Workspace.MaxFileSizeBytes < 0 {
		return fmt.Errorf("workspace.max_file_size_bytes cannot be negative")
	}
	if p := c.Workspace.IntegrityPolicy; p != "warn" && p != "abort" {
		return fmt.Errorf("workspace.integrity_policy must be warn or abort, got %q", p)
	}
	if c.Workspace.BackupRetentionDays < 0 {
		return fmt.Errorf("workspace.backup_retention_days cannot be negative")
	}
	if c.Executor.Concurrency <= 0 {
		return fmt.Errorf("executor.concurrency must be positive")
	}
	if c.Verifier.TimeoutSeconds <= 0 {
		return fmt.Errorf("verifier.timeout_seconds must be positive")
	}
	if c.Reasoning.MaxRetries <= 0 {
		return fmt.Errorf("reasoning.max_retries must be positive")
	}
	if c.Lessons.Dir == "" {
		return fmt.Errorf("lessons.dir cannot be empty")
	}
	return nil
}

// BackupRetention converts the configured days to a duration.
func (c *WorkspaceConfig) BackupRetention() time.Duration {
	return time.Duration(c.BackupRetentionDays) * 24 * time.Hour
}

// VerifyTimeout converts the configured seconds to a duration.
func (c *VerifierConfig) VerifyTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
