package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so both TOML and YAML files can use human
// readable values such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.parse(string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.parse(value.Value)
}

func (d *Duration) parse(raw string) error {
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	ReadTimeout     Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// EngineConfig carries the escrow instance parameters.
type EngineConfig struct {
	// Capacity bounds the catalogue; 0 leaves it unbounded.
	Capacity int   `toml:"capacity" yaml:"capacity"`
	Nonce    uint8 `toml:"nonce" yaml:"nonce"`
	// VaultSeed derives the vault authority together with Nonce.
	VaultSeed    string `toml:"vault_seed" yaml:"vault_seed"`
	VaultSeedEnv string `toml:"vault_seed_env" yaml:"vault_seed_env"`
	// OperatorSecret derives the authority that signs catalogue deposits.
	OperatorSecret     string `toml:"operator_secret" yaml:"operator_secret"`
	OperatorSecretEnv  string `toml:"operator_secret_env" yaml:"operator_secret_env"`
	SettlementMode     string `toml:"settlement_mode" yaml:"settlement_mode"`
	EnforceRatioBudget bool   `toml:"enforce_ratio_budget" yaml:"enforce_ratio_budget"`
	// Entropy is "clock" or "seeded".
	Entropy     string `toml:"entropy" yaml:"entropy"`
	EntropySeed string `toml:"entropy_seed" yaml:"entropy_seed"`
}

// AuthConfig configures operator bearer tokens.
type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTSecretEnv string `toml:"jwt_secret_env" yaml:"jwt_secret_env"`
	Issuer       string `toml:"issuer" yaml:"issuer"`
	Audience     string `toml:"audience" yaml:"audience"`
}

// RateLimitConfig throttles spins per participant.
type RateLimitConfig struct {
	SpinsPerMinute float64  `toml:"spins_per_minute" yaml:"spins_per_minute"`
	Burst          int      `toml:"burst" yaml:"burst"`
	IdleTTL        Duration `toml:"idle_ttl" yaml:"idle_ttl"`
}

// AuditConfig selects the audit log database. Driver is sqlite, postgres or
// none.
type AuditConfig struct {
	Driver string `toml:"driver" yaml:"driver"`
	DSN    string `toml:"dsn" yaml:"dsn"`
}

// PublisherConfig selects where engine events are published. Driver is
// kafka, stdio or none.
type PublisherConfig struct {
	Driver  string   `toml:"driver" yaml:"driver"`
	Brokers []string `toml:"brokers" yaml:"brokers"`
	Topic   string   `toml:"topic" yaml:"topic"`
}

// LoggingConfig mirrors observability/logging options.
type LoggingConfig struct {
	Level      string `toml:"level" yaml:"level"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

// BootstrapAccount is a ledger account opened and funded on startup. Owner
// defaults to the operator authority.
type BootstrapAccount struct {
	Account     string `toml:"account" yaml:"account"`
	Mint        string `toml:"mint" yaml:"mint"`
	OwnerSecret string `toml:"owner_secret" yaml:"owner_secret"`
	Balance     uint64 `toml:"balance" yaml:"balance"`
}
