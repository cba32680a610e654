package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"xchain-radar/internal/logging"
	"xchain-radar/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. XCHAIN_DATABASE_DSN.
const EnvPrefix = "XCHAIN"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Flows      FlowsConfig      `mapstructure:"flows"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Lock       LockConfig       `mapstructure:"lock"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Narrative  NarrativeConfig  `mapstructure:"narrative"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	API        APIConfig        `mapstructure:"api"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
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
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ApplicationName string        `mapstructure:"application_name"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ClickHouseConfig points at an analytical flows_daily table.
type ClickHouseConfig struct {
	DSN          string        `mapstructure:"dsn"`
	Table        string        `mapstructure:"table"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

// FlowsConfig selects the flow store.
type FlowsConfig struct {
	// Source is one of postgres, clickhouse, csv.
	Source  string `mapstructure:"source"`
	CSVPath string `mapstructure:"csv_path"`
}

// RedisConfig is used by the lease lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// LockConfig selects per-key locking.
type LockConfig struct {
	// Backend is one of auto, postgres, redis, local. auto prefers postgres when a DSN is set.
	Backend   string        `mapstructure:"backend"`
	Namespace string        `mapstructure:"namespace"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
}

// PipelineConfig holds evidence and classification parameters.
type PipelineConfig struct {
	Chain            string          `mapstructure:"chain"`
	Timezone         string          `mapstructure:"timezone"`
	Threshold        decimal.Decimal `mapstructure:"threshold"`
	MaterialityFloor decimal.Decimal `mapstructure:"materiality_floor"`
	Epsilon          decimal.Decimal `mapstructure:"epsilon"`
	TopK             int             `mapstructure:"top_k"`
	MaxSnapshotBytes int             `mapstructure:"max_snapshot_bytes"`
	PublishOnRun     bool            `mapstructure:"publish_on_run"`
	BackfillWorkers  int             `mapstructure:"backfill_workers"`
}

// Location resolves Timezone, falling back to UTC for an empty value.
func (p PipelineConfig) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Timezone)
}

// NarrativeConfig configures the summarizer.
type NarrativeConfig struct {
	// Provider is gemini or template.
	Provider        string        `mapstructure:"provider"`
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	FallbackOnError bool          `mapstructure:"fallback_on_error"`
}

// LedgerConfig covers the commitment contract.
type LedgerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	RPCURL              string        `mapstructure:"rpc_url"`
	ContractAddress     string        `mapstructure:"contract_address"`
	PrivateKey          string        `mapstructure:"private_key"`
	ChainID             int64         `mapstructure:"chain_id"`
	GasLimit            uint64        `mapstructure:"gas_limit"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	DryRun              bool          `mapstructure:"dry_run"`
	EvidenceURITemplate string        `mapstructure:"evidence_uri_template"`
}

// RetryConfig bounds retries of external calls.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

// Policy converts the config into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay, Jitter: r.Jitter}
}

// SchedulerConfig governs the daily run.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Offset        time.Duration `mapstructure:"offset"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	RunOnStart    bool          `mapstructure:"run_on_start"`
}

// APIConfig configures the HTTP query surface.
type APIConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	ComputeOnMiss   bool          `mapstructure:"compute_on_miss"`
}

// AlertingConfig defines briefing delivery.
type AlertingConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	OnlyAnomalies  bool           `mapstructure:"only_anomalies"`
	SendOnFallback bool           `mapstructure:"send_on_fallback"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 推送参数。
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

// loadDotEnv reads ./.env without overriding variables already set.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
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
	v.SetDefault("app.name", "xchain-radar")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service", "xchainradar")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.application_name", "xchainradar")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("clickhouse.dsn", "")
	v.SetDefault("clickhouse.table", "flows_daily")
	v.SetDefault("clickhouse.dial_timeout", "10s")
	v.SetDefault("clickhouse.max_open_conns", 5)

	v.SetDefault("flows.source", "postgres")
	v.SetDefault("flows.csv_path", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "xchain-radar:lock")

	v.SetDefault("lock.backend", "auto")
	v.SetDefault("lock.namespace", "xchain-radar")
	v.SetDefault("lock.lease_ttl", "10m")

	v.SetDefault("pipeline.chain", "ethereum")
	v.SetDefault("pipeline.timezone", "Asia/Tokyo")
	v.SetDefault("pipeline.threshold", "0.5")
	v.SetDefault("pipeline.materiality_floor", "10000")
	v.SetDefault("pipeline.epsilon", "1")
	v.SetDefault("pipeline.top_k", 5)
	v.SetDefault("pipeline.max_snapshot_bytes", 900000)
	v.SetDefault("pipeline.publish_on_run", true)
	v.SetDefault("pipeline.backfill_workers", 4)

	v.SetDefault("narrative.provider", "gemini")
	v.SetDefault("narrative.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("narrative.api_key", "")
	v.SetDefault("narrative.model", "gemini-1.5-flash-002")
	v.SetDefault("narrative.temperature", 0.2)
	v.SetDefault("narrative.max_output_tokens", 900)
	v.SetDefault("narrative.request_timeout", "30s")
	v.SetDefault("narrative.user_agent", "xchain-radar/1.0")
	v.SetDefault("narrative.fallback_on_error", false)

	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.rpc_url", "https://zetachain-athens-evm.blockpi.network/v1/rpc/public")
	v.SetDefault("ledger.contract_address", "")
	v.SetDefault("ledger.private_key", "")
	v.SetDefault("ledger.chain_id", 7001)
	v.SetDefault("ledger.gas_limit", 200000)
	v.SetDefault("ledger.request_timeout", "30s")
	v.SetDefault("ledger.dry_run", false)
	v.SetDefault("ledger.evidence_uri_template", "")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.jitter", "100ms")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.offset", "30m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", false)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "120s")
	v.SetDefault("api.shutdown_timeout", "15s")
	v.SetDefault("api.rate_limit", 5.0)
	v.SetDefault("api.rate_burst", 10)
	v.SetDefault("api.compute_on_miss", true)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.only_anomalies", false)
	v.SetDefault("alerting.send_on_fallback", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.request_timeout", "10s")

	v.SetDefault("export.max_data_points", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc decodes strings and numbers into decimal.Decimal.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q: %w", v, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case decimal.Decimal:
			return v, nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Pipeline.Chain == "" {
		return fmt.Errorf("pipeline.chain must be set")
	}
	if _, err := c.Pipeline.Location(); err != nil {
		return fmt.Errorf("pipeline.timezone: %w", err)
	}
	if c.Pipeline.Threshold.IsNegative() {
		return fmt.Errorf("pipeline.threshold cannot be negative")
	}
	if c.Pipeline.MaterialityFloor.IsNegative() {
		return fmt.Errorf("pipeline.materiality_floor cannot be negative")
	}
	if !c.Pipeline.Epsilon.IsPositive() {
		return fmt.Errorf("pipeline.epsilon must be greater than zero")
	}
	if c.Pipeline.TopK <= 0 {
		return fmt.Errorf("pipeline.top_k must be greater than zero")
	}
	if c.Pipeline.MaxSnapshotBytes <= 0 {
		return fmt.Errorf("pipeline.max_snapshot_bytes must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than zero")
	}

	switch c.Flows.Source {
	case "postgres", "clickhouse":
	case "csv":
		if c.Flows.CSVPath == "" {
			return fmt.Errorf("flows.csv_path is required when flows.source=csv")
		}
	default:
		return fmt.Errorf("flows.source must be one of postgres, clickhouse, csv")
	}

	switch c.Lock.Backend {
	case "auto", "postgres", "local":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when lock.backend=redis")
		}
	default:
		return fmt.Errorf("lock.backend must be one of auto, postgres, redis, local")
	}

	// 租约按 TTL/3 续期；单次上游请求不能比整个租约还长。
	if c.Lock.LeaseTTL < time.Second {
		return fmt.Errorf("lock.lease_ttl must be at least 1s")
	}
	if c.Lock.LeaseTTL <= c.Narrative.RequestTimeout || c.Lock.LeaseTTL <= c.Ledger.RequestTimeout {
		return fmt.Errorf("lock.lease_ttl (%s) must exceed narrative.request_timeout and ledger.request_timeout", c.Lock.LeaseTTL)
	}

	switch c.Narrative.Provider {
	case "gemini", "template":
	default:
		return fmt.Errorf("narrative.provider must be gemini or template")
	}

	if c.Ledger.Enabled && !c.Ledger.DryRun {
		if c.Ledger.ContractAddress == "" {
			return fmt.Errorf("ledger.contract_address is required when the ledger is enabled")
		}
		if c.Ledger.PrivateKey == "" {
			return fmt.Errorf("ledger.private_key is required unless ledger.dry_run is set")
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
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
