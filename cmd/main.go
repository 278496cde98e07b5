package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/erinolivia/trivy-scheduler/internal/orchestrator"
)

// Version is set at build time via ldflags
var Version = "0.2.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := orchestrator.LoadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	cfg.Version = Version

	logger := setupLogger(cfg.LogFormat, cfg.LogLevel)

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("trivy-scheduler starting",
		"version", Version,
		"schedule", cfg.Schedule,
		"hosts", cfg.Hosts,
		"report_dir", cfg.ReportDir,
	)

	return orch.Run(context.Background())
}

func setupLogger(format, level string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
