// Package config defines the leverbot configuration, its defaults and
// validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// Config is the root configuration. Fields come from a TOML file and are then
// overridden by LEVERBOT_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Engine   EngineConfig   `toml:"engine"`
	Feed     FeedConfig     `toml:"feed"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Archive  ArchiveConfig  `toml:"archive"`
	LogFile  LogFileConfig  `toml:"log_file"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds database connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds object storage parameters for the archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// TierConfig is one leverage band of a tier table.
type TierConfig struct {
	MinLeverage int             `toml:"min_leverage"`
	Value       decimal.Decimal `toml:"value"`
}

// EngineConfig holds the position engine's business constants and cadence.
type EngineConfig struct {
	SamplingWindow       duration        `toml:"sampling_window"`
	SamplingInterval     duration        `toml:"sampling_interval"`
	SampleFetchTimeout   duration        `toml:"sample_fetch_timeout"`
	SamplerRetryDelay    duration        `toml:"sampler_retry_delay"`
	MarginCallThreshold  decimal.Decimal `toml:"margin_call_threshold"`
	LiquidationThreshold decimal.Decimal `toml:"liquidation_threshold"`
	PlatformFeeRate      decimal.Decimal `toml:"platform_fee_rate"`
	DedupBucket          duration        `toml:"dedup_bucket"`
	MinLeverage          int             `toml:"min_leverage"`
	MaxLeverage          int             `toml:"max_leverage"`
	ValuationInterval    duration        `toml:"valuation_interval"`
	MaxConcurrency       int             `toml:"max_concurrency"`
	PriceMaxAge          duration        `toml:"price_max_age"`
	CollateralAsset      string          `toml:"collateral_asset"`
	Numeraire            string          `toml:"numeraire"`
	DefaultMaxSize       decimal.Decimal `toml:"default_max_size"`
	DefaultFeeRate       decimal.Decimal `toml:"default_fee_rate"`
	MaxSizeTiers         []TierConfig    `toml:"max_size_tiers"`
	OriginationFeeTiers  []TierConfig    `toml:"origination_fee_tiers"`
}

// FeedConfig configures the upstream price feed.
type FeedConfig struct {
	Enabled           bool     `toml:"enabled"`
	URL               string   `toml:"url"`
	Instruments       []string `toml:"instruments"`
	ReconnectDelay    duration `toml:"reconnect_delay"`
	MaxReconnectDelay duration `toml:"max_reconnect_delay"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per RateWindow per client on mutating routes;
	// zero disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ArchiveConfig controls the periodic export of settled positions.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
	BatchSize int      `toml:"batch_size"`
}

// LogFileConfig enables rotated file logging next to stdout.
type LogFileConfig struct {
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// duration decodes TOML strings such as "5m" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration; they match config.example.toml.
func Defaults() Config {
	policy := domain.DefaultPolicy()
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "leverbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "leverbot:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "leverbot-archive",
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			SamplingWindow:       duration{10 * time.Second},
			SamplingInterval:     duration{2 * time.Second},
			SampleFetchTimeout:   duration{time.Second},
			SamplerRetryDelay:    duration{2 * time.Second},
			MarginCallThreshold:  policy.MarginCallThreshold,
			LiquidationThreshold: policy.LiquidationThreshold,
			PlatformFeeRate:      policy.PlatformFeeRate,
			DedupBucket:          duration{policy.DedupBucket},
			MinLeverage:          policy.MinLeverage,
			MaxLeverage:          policy.MaxLeverage,
			ValuationInterval:    duration{time.Second},
			MaxConcurrency:       16,
			PriceMaxAge:          duration{30 * time.Second},
			CollateralAsset:      "USD",
			Numeraire:            "USD",
			DefaultMaxSize:       policy.MaxPositionSizes.Default,
			DefaultFeeRate:       policy.OriginationFees.Default,
			MaxSizeTiers:         tierConfigs(policy.MaxPositionSizes),
			OriginationFeeTiers:  tierConfigs(policy.OriginationFees),
		},
		Feed: FeedConfig{
			ReconnectDelay:    duration{2 * time.Second},
			MaxReconnectDelay: duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{
				string(domain.AlertMarginCall),
				string(domain.AlertLiquidation),
				string(domain.AlertSettlementFailed),
			},
		},
		Archive: ArchiveConfig{
			Interval:  duration{time.Hour},
			Retention: duration{30 * 24 * time.Hour},
			BatchSize: 500,
		},
		LogFile: LogFileConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

func tierConfigs(t domain.TierTable) []TierConfig {
	out := make([]TierConfig, len(t.Tiers))
	for i, tier := range t.Tiers {
		out[i] = TierConfig{MinLeverage: tier.MinLeverage, Value: tier.Value}
	}
	return out
}

func tierTable(def decimal.Decimal, tiers []TierConfig) domain.TierTable {
	lt := make([]domain.LeverageTier, len(tiers))
	for i, t := range tiers {
		lt[i] = domain.LeverageTier{MinLeverage: t.MinLeverage, Value: t.Value}
	}
	return domain.NewTierTable(def, lt...)
}

// Policy converts the engine section into the engine's business policy.
func (e EngineConfig) Policy() domain.Policy {
	return domain.Policy{
		MinLeverage:          e.MinLeverage,
		MaxLeverage:          e.MaxLeverage,
		MarginCallThreshold:  e.MarginCallThreshold,
		LiquidationThreshold: e.LiquidationThreshold,
		PlatformFeeRate:      e.PlatformFeeRate,
		DedupBucket:          e.DedupBucket.Duration,
		MaxPositionSizes:     tierTable(e.DefaultMaxSize, e.MaxSizeTiers),
		OriginationFees:      tierTable(e.DefaultFeeRate, e.OriginationFeeTiers),
	}
}

// Mode names.
const (
	ModeEngine = "engine"
	ModeAPI    = "api"
	ModeFull   = "full"
)

var validModes = map[string]bool{
	ModeEngine: true,
	ModeAPI:    true,
	ModeFull:   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsEngine reports whether the mode runs the background engine loops.
func (c *Config) RunsEngine() bool {
	m := strings.ToLower(c.Mode)
	return m == ModeEngine || m == ModeFull
}

// RunsAPI reports whether the mode serves HTTP.
func (c *Config) RunsAPI() bool {
	m := strings.ToLower(c.Mode)
	return (m == ModeAPI || m == ModeFull) && c.Server.Enabled
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: engine, api, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	e := c.Engine
	if e.SamplingWindow.Duration <= 0 {
		add("engine: sampling_window must be > 0")
	}
	if e.SamplingInterval.Duration <= 0 || e.SamplingInterval.Duration > e.SamplingWindow.Duration {
		add("engine: sampling_interval must be > 0 and <= sampling_window")
	}
	if e.SamplerRetryDelay.Duration <= 0 {
		add("engine: sampler_retry_delay must be > 0")
	}
	if e.MinLeverage < 2 {
		add("engine: min_leverage must be >= 2, got %d", e.MinLeverage)
	}
	if e.MaxLeverage < e.MinLeverage {
		add("engine: max_leverage must be >= min_leverage")
	}
	if e.MarginCallThreshold.Sign() <= 0 || e.MarginCallThreshold.GreaterThanOrEqual(e.LiquidationThreshold) {
		add("engine: margin_call_threshold must be > 0 and below liquidation_threshold")
	}
	if e.PlatformFeeRate.IsNegative() || e.PlatformFeeRate.GreaterThan(decimal.NewFromInt(1)) {
		add("engine: platform_fee_rate must be within [0, 1]")
	}
	if e.DedupBucket.Duration <= 0 {
		add("engine: dedup_bucket must be > 0")
	}
	if e.ValuationInterval.Duration <= 0 {
		add("engine: valuation_interval must be > 0")
	}
	if e.MaxConcurrency < 1 {
		add("engine: max_concurrency must be >= 1")
	}
	if e.PriceMaxAge.Duration <= 0 {
		add("engine: price_max_age must be > 0")
	}
	if e.DefaultMaxSize.Sign() <= 0 {
		add("engine: default_max_size must be > 0")
	}
	for _, t := range e.MaxSizeTiers {
		if t.Value.Sign() <= 0 {
			add("engine: max_size_tiers[min_leverage=%d] value must be > 0", t.MinLeverage)
		}
	}
	for _, t := range e.OriginationFeeTiers {
		if t.Value.IsNegative() {
			add("engine: origination_fee_tiers[min_leverage=%d] value must be >= 0", t.MinLeverage)
		}
	}

	if c.Feed.Enabled {
		if c.Feed.URL == "" {
			add("feed: url must not be empty when enabled")
		}
		if len(c.Feed.Instruments) == 0 {
			add("feed: instruments must not be empty when enabled")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			add("server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			add("archive: interval must be > 0")
		}
		if c.Archive.Retention.Duration <= 0 {
			add("archive: retention must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}
