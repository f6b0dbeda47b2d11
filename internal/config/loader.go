package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Venues ──
	setStr(&cfg.Venues.AMM.WsURL, "ARBOT_AMM_WS_URL")
	setInt(&cfg.Venues.AMM.MaxReconnects, "ARBOT_AMM_MAX_RECONNECTS")
	setDuration(&cfg.Venues.AMM.ReconnectDelay, "ARBOT_AMM_RECONNECT_DELAY")
	setStr(&cfg.Venues.CLOB.WsURL, "ARBOT_CLOB_WS_URL")
	setInt(&cfg.Venues.CLOB.MaxReconnects, "ARBOT_CLOB_MAX_RECONNECTS")
	setDuration(&cfg.Venues.CLOB.ReconnectDelay, "ARBOT_CLOB_RECONNECT_DELAY")
	setStr(&cfg.Venues.Oracle.URL, "ARBOT_ORACLE_URL")
	setDuration(&cfg.Venues.Oracle.PollInterval, "ARBOT_ORACLE_POLL_INTERVAL")

	// ── Trading ──
	setFloat64(&cfg.Trading.MinProfitThresholdBps, "ARBOT_TRADING_MIN_PROFIT_THRESHOLD_BPS")
	setFloat64(&cfg.Trading.MaxSlippageBps, "ARBOT_TRADING_MAX_SLIPPAGE_BPS")
	setInt64(&cfg.Trading.MaxGasPriceGwei, "ARBOT_TRADING_MAX_GAS_PRICE_GWEI")
	setFloat64(&cfg.Trading.MaxPositionSize, "ARBOT_TRADING_MAX_POSITION_SIZE")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxDrawdown, "ARBOT_RISK_MAX_DRAWDOWN")
	setFloat64(&cfg.Risk.StopLossThreshold, "ARBOT_RISK_STOP_LOSS_THRESHOLD")
	setFloat64(&cfg.Risk.MaxSingleNotional, "ARBOT_RISK_MAX_SINGLE_NOTIONAL")
	setFloat64(&cfg.Risk.MaxTotalExposure, "ARBOT_RISK_MAX_TOTAL_EXPOSURE")
	setInt(&cfg.Risk.MaxConsecutiveLosses, "ARBOT_RISK_MAX_CONSECUTIVE_LOSSES")
	setFloat64(&cfg.Risk.MaxErrorRate, "ARBOT_RISK_MAX_ERROR_RATE")
	setDuration(&cfg.Risk.CooldownPeriod, "ARBOT_RISK_COOLDOWN_PERIOD")

	// ── Vault ──
	setStr(&cfg.Vault.RPCURL, "ARBOT_VAULT_RPC_URL")
	setStr(&cfg.Vault.Address, "ARBOT_VAULT_ADDRESS")
	setInt64(&cfg.Vault.ChainID, "ARBOT_VAULT_CHAIN_ID")
	setStr(&cfg.Vault.PrivateKey, "ARBOT_VAULT_PRIVATE_KEY")
	setStr(&cfg.Vault.EncryptedKeyPath, "ARBOT_VAULT_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Vault.KeyPassword, "ARBOT_VAULT_KEY_PASSWORD")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ARBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ARBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBOT_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "ARBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "ARBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ARBOT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBOT_S3_SECRET_KEY")
	setInt(&cfg.S3.RetentionDays, "ARBOT_S3_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "ARBOT_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBOT_NOTIFY_EVENTS")

	// ── Health ──
	setDuration(&cfg.Health.CheckInterval, "ARBOT_HEALTH_CHECK_INTERVAL")
	setDuration(&cfg.Health.CheckTimeout, "ARBOT_HEALTH_CHECK_TIMEOUT")
	setDuration(&cfg.Health.MetricsInterval, "ARBOT_HEALTH_METRICS_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBOT_MODE")
	setStr(&cfg.LogLevel, "ARBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
