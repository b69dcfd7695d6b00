// agentcover serves the agent insurance API: risk scoring, pools and claims.
package main

import (
	"context"
	"os"

	"github.com/mbd888/agentcover/internal/config"
	"github.com/mbd888/agentcover/internal/logging"
	"github.com/mbd888/agentcover/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")
	logger.Info("starting agentcover",
		"version", Version,
		"commit", Commit,
		"buildTime", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"network", cfg.Network,
		"chainId", cfg.ChainID,
		"oracle", cfg.OracleProvider,
	)

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
