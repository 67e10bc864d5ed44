package config

import (
	"fmt"
	"strings"
)

// Validate checks a configuration after defaults were applied.
func Validate(cfg Config) error {
	if cfg.Engine.Capacity < 0 {
		return fmt.Errorf("engine: capacity must not be negative")
	}
	if strings.TrimSpace(cfg.Engine.VaultSeed) == "" {
		return fmt.Errorf("engine: vault_seed must be configured")
	}
	if strings.TrimSpace(cfg.Engine.OperatorSecret) == "" {
		return fmt.Errorf("engine: operator_secret must be configured")
	}
	switch cfg.Engine.SettlementMode {
	case "recorded", "caller-index", "caller_index", "literal":
	default:
		return fmt.Errorf("engine: unknown settlement_mode %q", cfg.Engine.SettlementMode)
	}
	switch cfg.Engine.Entropy {
	case "clock", "seeded":
	default:
		return fmt.Errorf("engine: unknown entropy source %q", cfg.Engine.Entropy)
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth: jwt_secret must be configured")
	}
	if cfg.RateLimit.SpinsPerMinute < 0 {
		return fmt.Errorf("rate_limit: spins_per_minute must not be negative")
	}
	switch cfg.Audit.Driver {
	case "none":
	case "sqlite", "postgres":
		if strings.TrimSpace(cfg.Audit.DSN) == "" {
			return fmt.Errorf("audit: dsn required for driver %s", cfg.Audit.Driver)
		}
	default:
		return fmt.Errorf("audit: unknown driver %q", cfg.Audit.Driver)
	}
	switch cfg.Publisher.Driver {
	case "none", "stdio":
	case "kafka":
		if len(cfg.Publisher.Brokers) == 0 {
			return fmt.Errorf("publisher: kafka requires brokers")
		}
	default:
		return fmt.Errorf("publisher: unknown driver %q", cfg.Publisher.Driver)
	}
	for i, acct := range cfg.Bootstrap {
		if strings.TrimSpace(acct.Account) == "" || strings.TrimSpace(acct.Mint) == "" {
			return fmt.Errorf("bootstrap[%d]: account and mint required", i)
		}
	}
	return nil
}
