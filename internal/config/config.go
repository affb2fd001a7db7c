package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"defi-alerts/internal/logging"
)

// Market data sources.
const (
	SourceHTTP  = "http"
	SourceComet = "comet"
)

// Run lock backends.
const (
	LockNone     = "none"
	LockPostgres = "postgres"
	LockRedis    = "redis"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Market    MarketConfig    `mapstructure:"market"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs run cadence and mutual exclusion.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	LockBackend     string        `mapstructure:"lock_backend"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// MarketConfig selects and configures the market data provider.
type MarketConfig struct {
	Source         string        `mapstructure:"source"`
	Protocol       string        `mapstructure:"protocol"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Markets        []CometMarket `mapstructure:"markets"`
}

// CometMarket is one on-chain Compound v3 market.
type CometMarket struct {
	ChainID      int64  `mapstructure:"chain_id"`
	RPCURL       string `mapstructure:"rpc_url"`
	CometAddress string `mapstructure:"comet_address"`
	AssetSymbol  string `mapstructure:"asset_symbol"`
	AssetAddress string `mapstructure:"asset_address"`
}

// EngineConfig tunes a single evaluation run.
type EngineConfig struct {
	AlertConcurrency int           `mapstructure:"alert_concurrency"`
	RunTimeout       time.Duration `mapstructure:"run_timeout"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Label              string        `mapstructure:"label"`
	ChannelConcurrency int           `mapstructure:"channel_concurrency"`
	Webhook            WebhookConfig `mapstructure:"webhook"`
	Email              EmailConfig   `mapstructure:"email"`
}

// WebhookConfig configures outbound webhook delivery.
type WebhookConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	SMTPHost      string        `mapstructure:"smtp_host"`
	SMTPPort      int           `mapstructure:"smtp_port"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	From          string        `mapstructure:"from"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the trigger HTTP server.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	TriggerPath  string        `mapstructure:"trigger_path"`
	TriggerToken string        `mapstructure:"trigger_token"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig is used when scheduler.lock_backend is redis.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockKey  string        `mapstructure:"lock_key"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from an optional .env file, a config file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("DEFIALERTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "defi-alerts")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.path", "logs/defi-alerts.log")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 7)
	v.SetDefault("logging.file.max_age_days", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.lock_backend", LockPostgres)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x64656669))

	v.SetDefault("market.source", SourceHTTP)
	v.SetDefault("market.protocol", "COMPOUND")
	v.SetDefault("market.request_timeout", "15s")
	v.SetDefault("market.user_agent", "defi-alerts/1.0")

	v.SetDefault("engine.alert_concurrency", 4)
	v.SetDefault("engine.run_timeout", "5m")

	v.SetDefault("alerting.label", "COMPOUND_MARKET_ALERT")
	v.SetDefault("alerting.channel_concurrency", 1)
	v.SetDefault("alerting.webhook.timeout", "10s")
	v.SetDefault("alerting.webhook.user_agent", "defi-alerts/1.0")
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.smtp_port", 587)
	v.SetDefault("alerting.email.subject_prefix", "[DeFi Alerts]")
	v.SetDefault("alerting.email.timeout", "15s")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.trigger_path", "/api/alerts/compound-market")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_key", "defi-alerts:run-lock")
	v.SetDefault("redis.lock_ttl", "10m")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	switch c.Scheduler.LockBackend {
	case LockNone, LockPostgres, LockRedis:
	default:
		return fmt.Errorf("scheduler.lock_backend must be one of none, postgres, redis")
	}
	if c.Scheduler.LockBackend == LockRedis {
		// the lock must outlive the longest possible run
		if c.Engine.RunTimeout <= 0 {
			return fmt.Errorf("engine.run_timeout is required when scheduler.lock_backend is redis")
		}
		if c.Redis.LockTTL <= c.Engine.RunTimeout {
			return fmt.Errorf("redis.lock_ttl (%s) must be greater than engine.run_timeout (%s)", c.Redis.LockTTL, c.Engine.RunTimeout)
		}
	}
	if c.Market.Protocol == "" {
		return fmt.Errorf("market.protocol is required")
	}
	switch c.Market.Source {
	case SourceHTTP:
	case SourceComet:
		if len(c.Market.Markets) == 0 {
			return fmt.Errorf("market.markets must list at least one comet market")
		}
		for i, m := range c.Market.Markets {
			if m.RPCURL == "" || m.CometAddress == "" || m.AssetAddress == "" {
				return fmt.Errorf("market.markets[%d] requires rpc_url, comet_address and asset_address", i)
			}
		}
	default:
		return fmt.Errorf("market.source must be %q or %q", SourceHTTP, SourceComet)
	}
	if c.Engine.AlertConcurrency <= 0 {
		return fmt.Errorf("engine.alert_concurrency must be greater than zero")
	}
	if c.Alerting.ChannelConcurrency <= 0 {
		return fmt.Errorf("alerting.channel_concurrency must be greater than zero")
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.SMTPHost == "" {
			return fmt.Errorf("alerting.email.smtp_host is required when email is enabled")
		}
		if c.Alerting.Email.From == "" {
			return fmt.Errorf("alerting.email.from is required when email is enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
