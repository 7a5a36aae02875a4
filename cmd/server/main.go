// Command server runs the nestbid payments API: bid acceptance fees,
// milestone escrow, and the ledger behind them.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nestbid/nestbid/internal/config"
	"github.com/nestbid/nestbid/internal/logging"
	"github.com/nestbid/nestbid/internal/server"
)

// Populated via -ldflags "-X main.version=..." at release time.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting nestbid payments",
		"version", version,
		"commit", commit,
		"build_time", buildTime,
		"env", cfg.Environment,
		"fee_policy", cfg.ConnectionFeePolicy,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(context.Background())
}
