// MindLoom Launcher - local execution agent
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mindloom-ai/launcher/internal/bootstrap"
	"github.com/mindloom-ai/launcher/internal/catalog"
	"github.com/mindloom-ai/launcher/internal/config"
	"github.com/mindloom-ai/launcher/internal/executor"
	"github.com/mindloom-ai/launcher/internal/procman"
	"github.com/mindloom-ai/launcher/internal/sysinfo"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		slog.Error("Failed to create work directory", "error", err, "dir", cfg.WorkDir)
		os.Exit(1)
	}

	slog.Info("Starting launcher agent",
		"server", cfg.ServerURL,
		"install_dir", cfg.InstallDir,
		"conda_env", cfg.CondaEnvName)

	sys := sysinfo.NewCollector(cfg.InstallDir)
	boot := bootstrap.New(cfg, sys)
	procs := procman.NewManager(cfg, sys)
	handler := executor.NewHandler(catalog.New(), boot, procs, sys)
	client := executor.NewClient(cfg.ServerURL, handler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client.Run(ctx)

	// A user-initiated shutdown takes down the services this run started;
	// services from earlier runs are left alone.
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if procs.StopOwned(stopCtx) {
		slog.Info("Stopped services started by this agent")
	}
	cancel()

	slog.Info("Agent stopped")
}
