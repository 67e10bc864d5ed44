package spind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"spinwin/config"
	"spinwin/core/events"
	"spinwin/crypto"
	"spinwin/native/bank"
	"spinwin/native/spinwin"
	"spinwin/storage"
)

// Run starts spind with cfg and blocks until ctx is cancelled or the listener
// fails.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	for _, path := range []string{cfg.LedgerPath, cfg.SnapshotPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := storage.NewLevelDB(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()
	ledger := bank.NewLedger(db, bank.WithAutoOpen())

	snapshots, err := OpenSnapshotStore(cfg.SnapshotPath, nil)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	engineCfg, err := EngineConfig(cfg.Engine)
	if err != nil {
		return err
	}

	emitters := events.Fanout{newMetricsEmitter()}
	var audit *AuditStore
	if cfg.Audit.Driver != "none" {
		audit, err = OpenAudit(cfg.Audit.Driver, cfg.Audit.DSN, logger)
		if err != nil {
			return err
		}
		defer audit.Close()
		emitters = append(emitters, audit)
	}
	producer, err := NewProducer(ProducerConfig{Driver: cfg.Publisher.Driver, Brokers: cfg.Publisher.Brokers})
	if err != nil {
		return err
	}
	if producer != nil {
		publisher := NewPublisher(producer, cfg.Publisher.Topic, logger)
		defer publisher.Close()
		emitters = append(emitters, publisher)
	}

	var seeded *spinwin.SeededEntropy
	if cfg.Engine.Entropy == "seeded" {
		seeded, err = spinwin.NewSeededEntropy([]byte(cfg.Engine.EntropySeed))
		if err != nil {
			return fmt.Errorf("seed entropy: %w", err)
		}
		commitment := seeded.Commitment()
		logger.Info("seeded entropy active", "commitment", fmt.Sprintf("%x", commitment[:]))
	}

	svc, err := NewService(ServiceConfig{
		Ledger:    ledger,
		Engine:    engineCfg,
		Operator:  crypto.AuthorityFromSecret(cfg.Engine.OperatorSecret),
		Snapshots: snapshots,
		Seeded:    seeded,
		Emitter:   emitters,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := svc.Bootstrap(cfg.Bootstrap); err != nil {
		return err
	}

	auth, err := NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}
	limiter := NewRateLimiter(RateLimit{
		RequestsPerMinute: cfg.RateLimit.SpinsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		IdleTTL:           cfg.RateLimit.IdleTTL.Duration,
	})
	server := NewServer(svc, auth, limiter, audit)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("spind listening", "addr", cfg.ListenAddress, "mode", engineCfg.Mode.String(), "capacity", engineCfg.Capacity)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	logger.Info("spind shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

// EngineConfig converts the daemon engine section into the escrow config.
func EngineConfig(cfg config.EngineConfig) (spinwin.Config, error) {
	mode, err := spinwin.ParseSettlementMode(cfg.SettlementMode)
	if err != nil {
		return spinwin.Config{}, err
	}
	return spinwin.Config{
		Capacity:           cfg.Capacity,
		Nonce:              cfg.Nonce,
		VaultAuthority:     crypto.DeriveVaultAuthority([]byte(cfg.VaultSeed), cfg.Nonce),
		Mode:               mode,
		EnforceRatioBudget: cfg.EnforceRatioBudget,
	}, nil
}
