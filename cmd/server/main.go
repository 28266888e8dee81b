// Voltrust - Volunteer attendance verification and certificate trust
package main

import (
	"context"
	"os"

	"github.com/mbd888/voltrust/internal/config"
	"github.com/mbd888/voltrust/internal/logging"
	"github.com/mbd888/voltrust/internal/server"
)

// Build info - set by ldflags
var (
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting voltrust",
		"version", server.Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"signing_algorithm", cfg.SigningAlgorithm,
		"serial_prefix", cfg.CertSerialPrefix,
		"compliance_threshold", cfg.ComplianceThreshold,
	)

	// Create and run server
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
