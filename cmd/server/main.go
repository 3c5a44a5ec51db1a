// escrowd - escrow settlement engine for marketplace orders
package main

import (
	"context"
	"os"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting escrowd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"gateway", cfg.GatewayProvider,
		"fee_rate", cfg.PlatformFeeRate.String(),
		"confirm_token_ttl", cfg.ConfirmTokenTTL.String(),
		"storage", storageKind(cfg),
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func storageKind(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}
