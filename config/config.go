package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime configuration for spind.
type Config struct {
	ListenAddress string             `toml:"listen" yaml:"listen"`
	Environment   string             `toml:"environment" yaml:"environment"`
	DataDir       string             `toml:"data_dir" yaml:"data_dir"`
	LedgerPath    string             `toml:"ledger_path" yaml:"ledger_path"`
	SnapshotPath  string             `toml:"snapshot_path" yaml:"snapshot_path"`
	Server        ServerConfig       `toml:"server" yaml:"server"`
	Engine        EngineConfig       `toml:"engine" yaml:"engine"`
	Auth          AuthConfig         `toml:"auth" yaml:"auth"`
	RateLimit     RateLimitConfig    `toml:"rate_limit" yaml:"rate_limit"`
	Audit         AuditConfig        `toml:"audit" yaml:"audit"`
	Publisher     PublisherConfig    `toml:"publisher" yaml:"publisher"`
	Logging       LoggingConfig      `toml:"logging" yaml:"logging"`
	Bootstrap     []BootstrapAccount `toml:"bootstrap" yaml:"bootstrap"`
}

// Load reads the configuration from path. Files ending in .yaml or .yml are
// decoded as YAML, everything else as TOML. Defaults are applied and secrets
// resolved before validation.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		meta, err := toml.Decode(string(raw), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}
	applyDefaults(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns a configuration suitable for local runs.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./spind-data"
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = filepath.Join(cfg.DataDir, "ledger")
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = filepath.Join(cfg.DataDir, "spind.db")
	}
	if cfg.Server.ReadTimeout.Duration == 0 {
		cfg.Server.ReadTimeout.Duration = 10 * time.Second
	}
	if cfg.Server.WriteTimeout.Duration == 0 {
		cfg.Server.WriteTimeout.Duration = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout.Duration == 0 {
		cfg.Server.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Engine.SettlementMode == "" {
		cfg.Engine.SettlementMode = "recorded"
	}
	if cfg.Engine.Entropy == "" {
		cfg.Engine.Entropy = "clock"
	}
	if cfg.RateLimit.SpinsPerMinute == 0 {
		cfg.RateLimit.SpinsPerMinute = 6
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 2
	}
	if cfg.RateLimit.IdleTTL.Duration == 0 {
		cfg.RateLimit.IdleTTL.Duration = 10 * time.Minute
	}
	if cfg.Audit.Driver == "" {
		cfg.Audit.Driver = "sqlite"
	}
	if cfg.Audit.Driver == "sqlite" && cfg.Audit.DSN == "" {
		cfg.Audit.DSN = filepath.Join(cfg.DataDir, "audit.db")
	}
	if cfg.Publisher.Driver == "" {
		cfg.Publisher.Driver = "none"
	}
	if cfg.Publisher.Topic == "" {
		cfg.Publisher.Topic = "spinwin.events"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
}

func (c *Config) resolveSecrets() error {
	var err error
	if c.Engine.VaultSeed, err = fromEnv(c.Engine.VaultSeed, c.Engine.VaultSeedEnv, "vault_seed_env"); err != nil {
		return err
	}
	if c.Engine.OperatorSecret, err = fromEnv(c.Engine.OperatorSecret, c.Engine.OperatorSecretEnv, "operator_secret_env"); err != nil {
		return err
	}
	if c.Auth.JWTSecret, err = fromEnv(c.Auth.JWTSecret, c.Auth.JWTSecretEnv, "jwt_secret_env"); err != nil {
		return err
	}
	return nil
}

func fromEnv(value, envName, field string) (string, error) {
	value = strings.TrimSpace(value)
	envName = strings.TrimSpace(envName)
	if value != "" || envName == "" {
		return value, nil
	}
	resolved := strings.TrimSpace(os.Getenv(envName))
	if resolved == "" {
		return "", fmt.Errorf("%s %s is empty", field, envName)
	}
	return resolved, nil
}
