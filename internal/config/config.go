// Package config defines the top-level configuration for the arbitrage
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ARBOT_* environment variables.
type Config struct {
	Venues   VenuesConfig   `toml:"venues"`
	Trading  TradingConfig  `toml:"trading"`
	Risk     RiskConfig     `toml:"risk"`
	Vault    VaultConfig    `toml:"vault"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Health   HealthConfig   `toml:"health"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// VenuesConfig groups the three upstream data sources: two push venues and
// one polling price oracle.
type VenuesConfig struct {
	AMM    VenueConfig  `toml:"amm"`
	CLOB   VenueConfig  `toml:"clob"`
	Oracle OracleConfig `toml:"oracle"`
}

// VenueConfig holds the connection and reconnect policy for one push venue.
type VenueConfig struct {
	Name           string   `toml:"name"`
	WsURL          string   `toml:"ws_url"`
	Pairs          []string `toml:"pairs"`
	ReconnectDelay duration `toml:"reconnect_delay"`
	MaxReconnects  int      `toml:"max_reconnects"`
}

// OracleConfig holds the polling price source parameters.
type OracleConfig struct {
	Name          string   `toml:"name"`
	URL           string   `toml:"url"`
	Pairs         []string `toml:"pairs"`
	PollInterval  duration `toml:"poll_interval"`
	MaxReconnects int      `toml:"max_reconnects"`
}

// TradingConfig holds spread-detection and execution thresholds.
type TradingConfig struct {
	// MinProfitThresholdBps is the minimum cross-venue spread, in basis
	// points, to consider an opportunity.
	MinProfitThresholdBps float64 `toml:"min_profit_threshold_bps"`
	MaxSlippageBps        float64 `toml:"max_slippage_bps"`
	MaxGasPriceGwei       int64   `toml:"max_gas_price_gwei"`
	// MaxPositionSize is the per-trade volume cap in base-token units.
	MaxPositionSize float64 `toml:"max_position_size"`
	// GasCostEstimate is the flat per-trade gas cost estimate in quote units.
	GasCostEstimate float64 `toml:"gas_cost_estimate"`
}

// RiskConfig holds the risk gate thresholds.
type RiskConfig struct {
	// MaxDrawdown is the drawdown ceiling (quote units) above which new
	// opportunities are rejected.
	MaxDrawdown float64 `toml:"max_drawdown"`
	// StopLossThreshold is the drawdown (quote units) that triggers the
	// emergency stop.
	StopLossThreshold float64 `toml:"stop_loss_threshold"`
	// MaxSingleNotional caps one trade's buy-side notional (quote units).
	MaxSingleNotional float64 `toml:"max_single_notional"`
	// MaxTotalExposure caps the summed open notional (quote units).
	MaxTotalExposure      float64  `toml:"max_total_exposure"`
	MaxConsecutiveLosses  int      `toml:"max_consecutive_losses"`
	MaxErrorRate          float64  `toml:"max_error_rate"`
	CooldownPeriod        duration `toml:"cooldown_period"`
}

// VaultConfig holds the on-chain settlement vault parameters.
type VaultConfig struct {
	RPCURL           string            `toml:"rpc_url"`
	Address          string            `toml:"address"`
	ChainID          int64             `toml:"chain_id"`
	GasLimit         uint64            `toml:"gas_limit"`
	PrivateKey       string            `toml:"private_key"`
	EncryptedKeyPath string            `toml:"encrypted_key_path"`
	KeyPassword      string            `toml:"key_password"`
	Tokens           map[string]string `toml:"tokens"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the telemetry bus and
// price mirror.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters for cold archival.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	RetentionDays  int      `toml:"retention_days"`
	ArchiveEvery   duration `toml:"archive_every"`
}

// ServerConfig holds the HTTP command surface parameters. An empty APIKey
// disables authentication.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds operator notification parameters.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// HealthConfig holds health-check and metrics-snapshot intervals.
type HealthConfig struct {
	CheckInterval   duration `toml:"check_interval"`
	CheckTimeout    duration `toml:"check_timeout"`
	MetricsInterval duration `toml:"metrics_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with safe defaults. Load merges the
// TOML file on top of these.
func Defaults() Config {
	return Config{
		Venues: VenuesConfig{
			AMM: VenueConfig{
				Name:           "quickswap",
				Pairs:          []string{"WETH/USDC"},
				ReconnectDelay: duration{5 * time.Second},
				MaxReconnects:  5,
			},
			CLOB: VenueConfig{
				Name:           "standardclob",
				Pairs:          []string{"WETH/USDC"},
				ReconnectDelay: duration{5 * time.Second},
				MaxReconnects:  5,
			},
			Oracle: OracleConfig{
				Name:          "pricefeed",
				Pairs:         []string{"WETH/USDC"},
				PollInterval:  duration{10 * time.Second},
				MaxReconnects: 5,
			},
		},
		Trading: TradingConfig{
			MinProfitThresholdBps: 50, // 0.5%
			MaxSlippageBps:        100,
			MaxGasPriceGwei:       300,
			MaxPositionSize:       10,
			GasCostEstimate:       15,
		},
		Risk: RiskConfig{
			MaxDrawdown:          500,
			StopLossThreshold:    1000,
			MaxSingleNotional:    10_000,
			MaxTotalExposure:     50_000,
			MaxConsecutiveLosses: 5,
			MaxErrorRate:         0.5,
			CooldownPeriod:       duration{5 * time.Minute},
		},
		Vault: VaultConfig{
			ChainID:  137,
			GasLimit: 600_000,
		},
		Postgres: PostgresConfig{
			SSLMode:      "disable",
			PoolMaxConns: 8,
			PoolMinConns: 2,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "arbot",
		},
		S3: S3Config{
			RetentionDays: 30,
			ArchiveEvery:  duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Health: HealthConfig{
			CheckInterval:   duration{30 * time.Second},
			CheckTimeout:    duration{5 * time.Second},
			MetricsInterval: duration{60 * time.Second},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// Validate checks the configuration for fatal problems. Any error returned
// here aborts startup.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "trade", "monitor":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if c.Venues.AMM.WsURL == "" {
		return fmt.Errorf("config: venues.amm.ws_url is required")
	}
	if c.Venues.CLOB.WsURL == "" {
		return fmt.Errorf("config: venues.clob.ws_url is required")
	}
	if c.Venues.AMM.Name == c.Venues.CLOB.Name {
		return fmt.Errorf("config: venue names must be distinct, both are %q", c.Venues.AMM.Name)
	}
	for _, v := range []VenueConfig{c.Venues.AMM, c.Venues.CLOB} {
		if v.MaxReconnects <= 0 {
			return fmt.Errorf("config: venue %s: max_reconnects must be positive", v.Name)
		}
		if len(v.Pairs) == 0 {
			return fmt.Errorf("config: venue %s: at least one pair is required", v.Name)
		}
	}

	if c.Trading.MinProfitThresholdBps <= 0 {
		return fmt.Errorf("config: trading.min_profit_threshold_bps must be positive")
	}
	if c.Trading.MaxPositionSize <= 0 {
		return fmt.Errorf("config: trading.max_position_size must be positive")
	}

	if c.Risk.StopLossThreshold < c.Risk.MaxDrawdown {
		return fmt.Errorf("config: risk.stop_loss_threshold must be >= risk.max_drawdown")
	}
	if c.Risk.CooldownPeriod.Duration <= 0 {
		return fmt.Errorf("config: risk.cooldown_period must be positive")
	}
	if c.Risk.MaxErrorRate <= 0 || c.Risk.MaxErrorRate > 1 {
		return fmt.Errorf("config: risk.max_error_rate must be in (0,1]")
	}

	if strings.ToLower(c.Mode) == "trade" {
		if c.Vault.RPCURL == "" {
			return fmt.Errorf("config: vault.rpc_url is required in trade mode")
		}
		if c.Vault.Address == "" {
			return fmt.Errorf("config: vault.address is required in trade mode")
		}
		if c.Vault.PrivateKey == "" && c.Vault.EncryptedKeyPath == "" {
			return fmt.Errorf("config: vault key is required in trade mode (private_key or encrypted_key_path)")
		}
	}

	return nil
}
