// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pulsegrid/pulsed/internal/config"
	"github.com/pulsegrid/pulsed/internal/daemon"
	"github.com/pulsegrid/pulsed/internal/log"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "pulsed",
		Version: version,
	})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path: explicit flag, otherwise ${PULSED_DATA_DIR}/pulsed.yaml
	// when it exists.
	effectiveConfigPath := strings.TrimSpace(*configPath)
	if effectiveConfigPath == "" {
		dataDir := strings.TrimSpace(config.ParseString("PULSED_DATA_DIR", "./data"))
		autoPath := filepath.Join(dataDir, "pulsed.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectiveConfigPath = autoPath
		}
	}

	loader := config.NewLoader(effectiveConfigPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "pulsed",
		Version: cfg.Version,
	})

	if effectiveConfigPath != "" {
		logger.Info().Str("path", effectiveConfigPath).Msg("loaded configuration from file")
	} else {
		logger.Info().Msg("loaded configuration from environment and defaults")
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("ingest_addr", cfg.IngestAddr).
		Str("api_addr", cfg.APIAddr).
		Msg("starting pulsed")

	var holder *config.Holder
	if effectiveConfigPath != "" {
		holder = config.NewHolder(cfg, loader)
	}

	app, err := daemon.New(ctx, cfg, holder)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize daemon")
	}

	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
}
