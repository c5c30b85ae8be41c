// Package main is the entry point for the channel lifecycle server.
//
// main stays minimal: read configuration, build the logger, make sure the
// shard directories exist, hand everything to server.New.
package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/channel-lifecycle/internal/config"
	"github.com/sakif/channel-lifecycle/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// File-backed shards need their directory; ":memory:" shards don't.
	for _, shard := range cfg.Shards {
		if shard.Path == ":memory:" {
			continue
		}
		dir := filepath.Dir(shard.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create shard directory",
				slog.String("shard", shard.ID),
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	srv, err := server.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start blocks until SIGINT/SIGTERM.
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
