// Package main is the entry point for gatehouse.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nugget/gatehouse/internal/audit"
	"github.com/nugget/gatehouse/internal/buildinfo"
	"github.com/nugget/gatehouse/internal/config"
	"github.com/nugget/gatehouse/internal/history"
	"github.com/nugget/gatehouse/internal/httpapi"
	"github.com/nugget/gatehouse/internal/provider"
	"github.com/nugget/gatehouse/internal/upstream"
)

func main() {
	parseCLI()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if CLI.Version {
		fmt.Println(buildinfo.String())
		return
	}

	cfgPath, err := config.FindConfig(CLI.Config)
	if err != nil {
		if CLI.Config != "" {
			logger.Error("config", "error", err)
			os.Exit(1)
		}
		logger.Warn("no config file found, running with defaults", "error", err)
	}

	var cfg *config.Config
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	applyFlagOverrides(cfg)

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting gatehouse", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded", "path", cfgPath, "data_dir", cfg.DataDir, "port", cfg.Listen.Port, "providers", len(cfg.Providers))

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	historyStore, err := history.Open(filepath.Join(cfg.DataDir, "requests-history.db"), logger)
	if err != nil {
		logger.Error("failed to open history database", "error", err)
		os.Exit(1)
	}
	defer historyStore.Close()

	auditSink, err := audit.Open(filepath.Join(cfg.DataDir, "audit.db"), logger)
	if err != nil {
		logger.Error("failed to open audit database", "error", err)
		os.Exit(1)
	}
	defer auditSink.Close()

	registry := provider.NewRegistry(map[string]provider.Factory{
		"ollama": upstream.NewFactory(logger),
	})
	for _, p := range cfg.Providers {
		if !p.Configured() {
			logger.Warn("skipping incomplete provider entry", "label", p.Label)
			continue
		}
		if err := registry.Register(p.Label, p.Kind, p.BaseURL); err != nil {
			logger.Error("failed to register provider", "label", p.Label, "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if errs := registry.Discover(ctx, historyStore); len(errs) > 0 {
		for label, err := range errs {
			logger.Warn("provider discovery failed, will retry on demand", "label", label, "error", err)
		}
	}

	server := httpapi.New(cfg, historyStore, auditSink, registry, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("gatehouse stopped")
}

// applyFlagOverrides layers CLI flags over the loaded config, matching
// the teacher's convention of config-file-as-base with explicit flags
// winning where given.
func applyFlagOverrides(cfg *config.Config) {
	if CLI.DataDir != "" {
		cfg.DataDir = CLI.DataDir
	}
	if CLI.BindHost != "" {
		cfg.Listen.Address = CLI.BindHost
	}
	if CLI.BindPort != 0 {
		cfg.Listen.Port = CLI.BindPort
	}
	if CLI.LogLevel != "" {
		cfg.LogLevel = CLI.LogLevel
	}
	if CLI.TraceFastAPIHTTP {
		cfg.Debug.TraceHTTP = true
	}
	if CLI.ForceOllamaRAG {
		cfg.Retrieval.ForceOllamaRAG = true
	}
}
