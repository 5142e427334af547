package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path over Defaults and applies LEVERBOT_*
// environment overrides. An empty path skips the file. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		// Tier arrays in the file replace the defaults instead of merging by index.
		sizeTiers, feeTiers := cfg.Engine.MaxSizeTiers, cfg.Engine.OriginationFeeTiers
		cfg.Engine.MaxSizeTiers, cfg.Engine.OriginationFeeTiers = nil, nil

		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if !meta.IsDefined("engine", "max_size_tiers") {
			cfg.Engine.MaxSizeTiers = sizeTiers
		}
		if !meta.IsDefined("engine", "origination_fee_tiers") {
			cfg.Engine.OriginationFeeTiers = feeTiers
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// postgres
	setStr(&cfg.Postgres.DSN, "LEVERBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LEVERBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LEVERBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LEVERBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LEVERBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LEVERBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LEVERBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LEVERBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LEVERBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LEVERBOT_POSTGRES_RUN_MIGRATIONS")

	// redis
	setStr(&cfg.Redis.Addr, "LEVERBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEVERBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEVERBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEVERBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEVERBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEVERBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "LEVERBOT_REDIS_KEY_PREFIX")

	// s3
	setStr(&cfg.S3.Endpoint, "LEVERBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEVERBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEVERBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEVERBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEVERBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEVERBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEVERBOT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "LEVERBOT_S3_PREFIX")

	// engine
	setDuration(&cfg.Engine.SamplingWindow, "LEVERBOT_ENGINE_SAMPLING_WINDOW")
	setDuration(&cfg.Engine.SamplingInterval, "LEVERBOT_ENGINE_SAMPLING_INTERVAL")
	setDuration(&cfg.Engine.SampleFetchTimeout, "LEVERBOT_ENGINE_SAMPLE_FETCH_TIMEOUT")
	setDuration(&cfg.Engine.SamplerRetryDelay, "LEVERBOT_ENGINE_SAMPLER_RETRY_DELAY")
	setDecimal(&cfg.Engine.MarginCallThreshold, "LEVERBOT_ENGINE_MARGIN_CALL_THRESHOLD")
	setDecimal(&cfg.Engine.LiquidationThreshold, "LEVERBOT_ENGINE_LIQUIDATION_THRESHOLD")
	setDecimal(&cfg.Engine.PlatformFeeRate, "LEVERBOT_ENGINE_PLATFORM_FEE_RATE")
	setDuration(&cfg.Engine.DedupBucket, "LEVERBOT_ENGINE_DEDUP_BUCKET")
	setInt(&cfg.Engine.MinLeverage, "LEVERBOT_ENGINE_MIN_LEVERAGE")
	setInt(&cfg.Engine.MaxLeverage, "LEVERBOT_ENGINE_MAX_LEVERAGE")
	setDuration(&cfg.Engine.ValuationInterval, "LEVERBOT_ENGINE_VALUATION_INTERVAL")
	setInt(&cfg.Engine.MaxConcurrency, "LEVERBOT_ENGINE_MAX_CONCURRENCY")
	setDuration(&cfg.Engine.PriceMaxAge, "LEVERBOT_ENGINE_PRICE_MAX_AGE")
	setStr(&cfg.Engine.CollateralAsset, "LEVERBOT_ENGINE_COLLATERAL_ASSET")
	setStr(&cfg.Engine.Numeraire, "LEVERBOT_ENGINE_NUMERAIRE")
	setDecimal(&cfg.Engine.DefaultMaxSize, "LEVERBOT_ENGINE_DEFAULT_MAX_SIZE")

	// feed
	setBool(&cfg.Feed.Enabled, "LEVERBOT_FEED_ENABLED")
	setStr(&cfg.Feed.URL, "LEVERBOT_FEED_URL")
	setStringSlice(&cfg.Feed.Instruments, "LEVERBOT_FEED_INSTRUMENTS")
	setDuration(&cfg.Feed.ReconnectDelay, "LEVERBOT_FEED_RECONNECT_DELAY")
	setDuration(&cfg.Feed.MaxReconnectDelay, "LEVERBOT_FEED_MAX_RECONNECT_DELAY")

	// server
	setBool(&cfg.Server.Enabled, "LEVERBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LEVERBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LEVERBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LEVERBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "LEVERBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "LEVERBOT_SERVER_RATE_WINDOW")

	// notify
	setStr(&cfg.Notify.TelegramToken, "LEVERBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEVERBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEVERBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LEVERBOT_NOTIFY_EVENTS")

	// archive
	setBool(&cfg.Archive.Enabled, "LEVERBOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "LEVERBOT_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "LEVERBOT_ARCHIVE_RETENTION")
	setInt(&cfg.Archive.BatchSize, "LEVERBOT_ARCHIVE_BATCH_SIZE")

	// log_file
	setStr(&cfg.LogFile.Path, "LEVERBOT_LOG_FILE_PATH")
	setInt(&cfg.LogFile.MaxSizeMB, "LEVERBOT_LOG_FILE_MAX_SIZE_MB")
	setInt(&cfg.LogFile.MaxBackups, "LEVERBOT_LOG_FILE_MAX_BACKUPS")
	setInt(&cfg.LogFile.MaxAgeDays, "LEVERBOT_LOG_FILE_MAX_AGE_DAYS")
	setBool(&cfg.LogFile.Compress, "LEVERBOT_LOG_FILE_COMPRESS")

	setStr(&cfg.Mode, "LEVERBOT_MODE")
	setStr(&cfg.LogLevel, "LEVERBOT_LOG_LEVEL")
}

// Typed env helpers. Each only mutates dst when the variable is set and parses.

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

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
