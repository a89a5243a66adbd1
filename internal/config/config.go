// Package config defines all configuration for the exchange daemon.
// Config is loaded from a YAML file (default: configs/satsbook.yaml) with
// sensitive fields overridable via SATSBOOK_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Maker     MakerConfig     `mapstructure:"maker"`
	Lightning LightningConfig `mapstructure:"lightning"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the HTTP and WebSocket server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StoreConfig sets where exchange state is persisted (a single SQLite file).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ExchangeConfig tunes the order pipeline and the funds layer.
//
//   - InstantWithdrawalMaxSats: withdrawals at or below this are paid by the
//     dispatcher without review; larger ones wait for an operator.
//   - AdminUsername: account created at first boot with admin rights.
type ExchangeConfig struct {
	InstantWithdrawalMaxSats int64  `mapstructure:"instant_withdrawal_max_sats"`
	AdminUsername            string `mapstructure:"admin_username"`
}

// MakerConfig seeds the house maker's persisted configuration on first boot
// and sets its runtime knobs. The persisted row in bot_config is the source
// of truth afterwards; these values only apply when that row is missing.
//
//   - Username: the maker's user account, created if absent.
//   - MaxLossSats: exposure ceiling across all markets.
//   - ThresholdPercent: tier width as a percent of the ceiling.
//   - GlobalMultiplier: scales every curve target.
//   - Parallelism: how many markets reconcile concurrently.
type MakerConfig struct {
	Username         string  `mapstructure:"username"`
	MaxLossSats      int64   `mapstructure:"max_loss_sats"`
	ThresholdPercent int     `mapstructure:"threshold_percent"`
	GlobalMultiplier float64 `mapstructure:"global_multiplier"`
	Parallelism      int     `mapstructure:"parallelism"`
}

// LightningConfig connects the funds layer to an LND REST endpoint.
// If Enabled is false, deposits and withdrawals are admin-driven only.
// DryRun keeps the client from touching the node; invoice payments succeed
// immediately with fake preimages, which is what integration tests want.
type LightningConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	MacaroonHex  string        `mapstructure:"macaroon_hex"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DryRun       bool          `mapstructure:"dry_run"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SATSBOOK_LIGHTNING_MACAROON overrides
// lightning.macaroon_hex so the credential stays out of the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SATSBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if mac := os.Getenv("SATSBOOK_LIGHTNING_MACAROON"); mac != "" {
		cfg.Lightning.MacaroonHex = mac
	}
	if path := os.Getenv("SATSBOOK_STORE_PATH"); path != "" {
		cfg.Store.Path = path
	}
	if os.Getenv("SATSBOOK_LIGHTNING_DRY_RUN") == "true" || os.Getenv("SATSBOOK_LIGHTNING_DRY_RUN") == "1" {
		cfg.Lightning.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("store.path", "data/satsbook.db")
	v.SetDefault("exchange.instant_withdrawal_max_sats", 100_000)
	v.SetDefault("exchange.admin_username", "admin")
	v.SetDefault("maker.username", "housebot")
	v.SetDefault("maker.max_loss_sats", 1_000_000)
	v.SetDefault("maker.threshold_percent", 10)
	v.SetDefault("maker.global_multiplier", 1.0)
	v.SetDefault("maker.parallelism", 4)
	v.SetDefault("lightning.poll_interval", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required (set SATSBOOK_STORE_PATH)")
	}
	if c.Exchange.InstantWithdrawalMaxSats < 0 {
		return fmt.Errorf("exchange.instant_withdrawal_max_sats must be >= 0")
	}
	if c.Exchange.AdminUsername == "" {
		return fmt.Errorf("exchange.admin_username is required")
	}
	if c.Maker.Username == "" {
		return fmt.Errorf("maker.username is required")
	}
	if c.Maker.MaxLossSats <= 0 {
		return fmt.Errorf("maker.max_loss_sats must be > 0")
	}
	if c.Maker.ThresholdPercent <= 0 || c.Maker.ThresholdPercent > 100 {
		return fmt.Errorf("maker.threshold_percent must be in 1..100")
	}
	if c.Maker.GlobalMultiplier <= 0 {
		return fmt.Errorf("maker.global_multiplier must be > 0")
	}
	if c.Maker.Parallelism <= 0 {
		return fmt.Errorf("maker.parallelism must be > 0")
	}
	if c.Lightning.Enabled {
		if c.Lightning.BaseURL == "" {
			return fmt.Errorf("lightning.base_url is required when lightning.enabled")
		}
		if c.Lightning.MacaroonHex == "" && !c.Lightning.DryRun {
			return fmt.Errorf("lightning.macaroon_hex is required (set SATSBOOK_LIGHTNING_MACAROON)")
		}
		if c.Lightning.PollInterval <= 0 {
			return fmt.Errorf("lightning.poll_interval must be > 0")
		}
	}
	return nil
}
