package spind

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"spinwin/config"
	"spinwin/observability/logging"
	telemetry "spinwin/observability/otel"
)

// Main initialises and runs the spin escrow daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "spind.toml", "path to spind configuration (.toml or .yaml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	env := strings.TrimSpace(os.Getenv("SPIND_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger, logCloser := logging.Setup("spind", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()
	logger.Info("configuration loaded",
		"path", cfgPath,
		logging.MaskField("vault_seed", cfg.Engine.VaultSeed),
		logging.MaskField("jwt_secret", cfg.Auth.JWTSecret),
	)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("spind", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, cfg, logger)
}
