// Package main implements the intentd CLI: plan, execute, verify, and
// learn from code changes described in natural language.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seamlab/intentd/internal/config"
	"github.com/seamlab/intentd/internal/diffengine"
	"github.com/seamlab/intentd/internal/engine"
	"github.com/seamlab/intentd/internal/executor"
	"github.com/seamlab/intentd/internal/lessons"
	"github.com/seamlab/intentd/internal/logging"
	"github.com/seamlab/intentd/internal/planner"
	"github.com/seamlab/intentd/internal/reasoning"
	"github.com/seamlab/intentd/internal/reflector"
	"github.com/seamlab/intentd/internal/verifier"
)

var (
	// configPath is the optional YAML config file
	configPath string
	// workspaceRoot overrides the configured workspace directory
	workspaceRoot string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "intentd",
	Short: "Intent-driven code change orchestration",
	Long: `intentd turns a natural-language request into a structured plan,
applies it as reversible file diffs, verifies the result with the
project's own tooling, and records lessons for future runs.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&workspaceRoot, "workspace", "", "workspace root (defaults to the current directory)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(lessonsCmd)
	rootCmd.AddCommand(cleanupCmd)
}

// app bundles everything a command needs after wiring.
type app struct {
	cfg        config.Config
	logger     *zap.Logger
	engine     *engine.Engine
	diffEngine *diffengine.Engine
	store      *lessons.Store
}

// buildApp loads config and wires the full component stack.
func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if workspaceRoot != "" {
		cfg.Workspace.Root = workspaceRoot
	}
	if cfg.Workspace.Root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving workspace root: %w", err)
		}
		cfg.Workspace.Root = cwd
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	de, err := diffengine.New(cfg.Workspace.Root, diffengine.Options{
		MaxFileSize:     cfg.Workspace.MaxFileSizeBytes,
		BackupRetention: cfg.Workspace.BackupRetention(),
		Integrity:       diffengine.IntegrityPolicy(cfg.Workspace.IntegrityPolicy),
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	store, err := lessons.Open(cfg.Lessons.Dir, logger)
	if err != nil {
		return nil, err
	}

	apiKey := cfg.Reasoning.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	anthropic, err := reasoning.NewAnthropicClient(reasoning.AnthropicOptions{
		APIKey:            apiKey,
		Model:             cfg.Reasoning.Model,
		MaxTokens:         cfg.Reasoning.MaxTokens,
		Temperature:       cfg.Reasoning.Temperature,
		RequestsPerMinute: cfg.Reasoning.RequestsPerMinute,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	client := reasoning.WithRetry(anthropic, cfg.Reasoning.MaxRetries, logger)

	pl, err := planner.New(client, store, logger)
	if err != nil {
		return nil, err
	}
	ex, err := executor.New(client, de, executor.Options{
		Concurrency: cfg.Executor.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	ve, err := verifier.New(cfg.Workspace.Root, verifier.Options{
		Timeout: cfg.Verifier.VerifyTimeout(),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	re, err := reflector.New(client, store, logger)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Deps{
		Planner:    pl,
		Executor:   ex,
		Verifier:   ve,
		Reflector:  re,
		DiffEngine: de,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		engine:     eng,
		diffEngine: de,
		store:      store,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing lesson store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
