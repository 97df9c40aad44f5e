package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"crypto-price-alerts/internal/asset"
	"crypto-price-alerts/internal/logging"
)

// Quote providers.
const (
	ProviderChainlink = "chainlink"
	ProviderMoralis   = "moralis"
	ProviderStatic    = "static"
)

// Notification channels.
const (
	ChannelLog      = "log"
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Sampler   SamplerConfig   `mapstructure:"sampler"`
	Events    EventsConfig    `mapstructure:"events"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Retention RetentionConfig `mapstructure:"retention"`
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
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig configures the optional latest-price cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// SamplerConfig lists tracked assets and per-fetch limits.
type SamplerConfig struct {
	Symbols      []string      `mapstructure:"symbols"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// EventsConfig sizes the in-process price event bus.
type EventsConfig struct {
	Buffer  int `mapstructure:"buffer"`
	Workers int `mapstructure:"workers"`
}

// QuoteConfig selects and configures the price quote source.
type QuoteConfig struct {
	Provider  string          `mapstructure:"provider"`
	Chainlink ChainlinkConfig `mapstructure:"chainlink"`
	Moralis   MoralisConfig   `mapstructure:"moralis"`
	Static    StaticConfig    `mapstructure:"static"`
}

// ChainlinkConfig covers on-chain USD aggregator feeds.
type ChainlinkConfig struct {
	RPCURL string            `mapstructure:"rpc_url"`
	Feeds  map[string]string `mapstructure:"feeds"`
}

// MoralisConfig covers the token price REST API.
type MoralisConfig struct {
	BaseURL   string            `mapstructure:"base_url"`
	APIKey    string            `mapstructure:"api_key"`
	Chain     string            `mapstructure:"chain"`
	Tokens    map[string]string `mapstructure:"tokens"`
	UserAgent string            `mapstructure:"user_agent"`
}

// StaticConfig holds fixed prices, mostly for local runs.
type StaticConfig struct {
	Prices map[string]string `mapstructure:"prices"`
}

// AlertingConfig defines notification routing and surge detection.
type AlertingConfig struct {
	Channel     string         `mapstructure:"channel"`
	SendTimeout time.Duration  `mapstructure:"send_timeout"`
	Surge       SurgeConfig    `mapstructure:"surge"`
	Email       EmailConfig    `mapstructure:"email"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// SurgeConfig 描述涨幅告警参数。
type SurgeConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Symbol       string        `mapstructure:"symbol"`
	ThresholdPct decimal.Decimal `mapstructure:"threshold_pct"`
	Cooldown     time.Duration   `mapstructure:"cooldown"`
	Lookback     time.Duration   `mapstructure:"lookback"`
	Destination  string          `mapstructure:"destination"`
	Channel      string          `mapstructure:"channel"`
}

// EmailConfig carries SMTP credentials.
type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// RetentionConfig controls pruning of old price points.
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	MaxAge   time.Duration `mapstructure:"max_age"`
	Schedule string        `mapstructure:"schedule"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRYPTOWATCH")
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
	v.SetDefault("app.name", "cryptowatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "15m")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63707477))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("sampler.symbols", []string{"ETH", "BTC", "SOL"})
	v.SetDefault("sampler.fetch_timeout", "10s")

	v.SetDefault("events.buffer", 64)
	v.SetDefault("events.workers", 4)

	v.SetDefault("quote.provider", ProviderChainlink)
	v.SetDefault("quote.chainlink.rpc_url", "")
	v.SetDefault("quote.chainlink.feeds", map[string]string{
		"ETH": "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
		"BTC": "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c",
		"SOL": "0x4ffC43a60e009B551865A93d232E33Fce9f01507",
	})
	v.SetDefault("quote.moralis.base_url", "https://deep-index.moralis.io/api/v2.2")
	v.SetDefault("quote.moralis.api_key", "")
	v.SetDefault("quote.moralis.chain", "eth")
	v.SetDefault("quote.moralis.user_agent", "cryptowatch/1.0")
	v.SetDefault("quote.moralis.tokens", map[string]string{
		"ETH": "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		"BTC": "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599",
		"SOL": "0xD31a59c85aE9D8edEFeC411D448f90841571b89c",
	})

	v.SetDefault("alerting.channel", ChannelLog)
	v.SetDefault("alerting.send_timeout", "10s")
	v.SetDefault("alerting.surge.enabled", true)
	v.SetDefault("alerting.surge.symbol", "ETH")
	v.SetDefault("alerting.surge.threshold_pct", "3")
	v.SetDefault("alerting.surge.cooldown", "60m")
	v.SetDefault("alerting.surge.lookback", "60m")
	v.SetDefault("alerting.surge.destination", "")
	v.SetDefault("alerting.surge.channel", "")
	v.SetDefault("alerting.email.host", "")
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.email.username", "")
	v.SetDefault("alerting.email.password", "")
	v.SetDefault("alerting.email.from", "")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.max_age", "720h")
	v.SetDefault("retention.schedule", "0 30 3 * * *")
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

// stringToDecimalHookFunc decodes YAML numbers and env strings into
// decimal.Decimal. Floats are formatted with the shortest round-trip
// representation, which is the literal written in the file.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromString(strconv.FormatFloat(v, 'f', -1, 64))
		default:
			return data, nil
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Sampler.FetchTimeout <= 0 {
		return fmt.Errorf("sampler.fetch_timeout must be greater than zero")
	}
	if _, err := c.TrackedSymbols(); err != nil {
		return fmt.Errorf("sampler.symbols: %w", err)
	}
	if c.Events.Buffer <= 0 || c.Events.Workers <= 0 {
		return fmt.Errorf("events.buffer and events.workers must be greater than zero")
	}

	switch c.Quote.Provider {
	case ProviderChainlink, ProviderMoralis, ProviderStatic:
	default:
		return fmt.Errorf("quote.provider %q is not supported", c.Quote.Provider)
	}

	if err := validateChannel("alerting.channel", c.Alerting.Channel); err != nil {
		return err
	}
	surge := c.Alerting.Surge
	if surge.Enabled {
		if _, err := asset.Parse(surge.Symbol); err != nil {
			return fmt.Errorf("alerting.surge.symbol: %w", err)
		}
		if surge.ThresholdPct.IsNegative() {
			return fmt.Errorf("alerting.surge.threshold_pct cannot be negative")
		}
		if surge.Cooldown < 0 || surge.Lookback <= 0 {
			return fmt.Errorf("alerting.surge.cooldown/lookback 配置不合法")
		}
		if surge.Channel != "" {
			if err := validateChannel("alerting.surge.channel", surge.Channel); err != nil {
				return err
			}
		}
	}

	if c.usesChannel(ChannelEmail) {
		if c.Alerting.Email.Host == "" || c.Alerting.Email.From == "" {
			return fmt.Errorf("alerting.email.host 与 alerting.email.from 必须配置")
		}
	}
	if c.usesChannel(ChannelTelegram) && c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token 必须配置")
	}

	if c.Retention.Enabled {
		if c.Retention.MaxAge <= 0 {
			return fmt.Errorf("retention.max_age must be greater than zero")
		}
		if _, err := cron.NewParser(CronFields).Parse(c.Retention.Schedule); err != nil {
			return fmt.Errorf("retention.schedule: %w", err)
		}
	}
	return nil
}

// CronFields is the cron layout used for scheduled maintenance jobs (with seconds).
const CronFields = cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// TrackedSymbols parses the configured sampler symbol set.
func (c *Config) TrackedSymbols() ([]asset.Symbol, error) {
	if len(c.Sampler.Symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol is required")
	}
	return asset.ParseList(c.Sampler.Symbols)
}

// SurgeChannel returns the channel used for operator surge notifications.
func (c *Config) SurgeChannel() string {
	if c.Alerting.Surge.Channel != "" {
		return c.Alerting.Surge.Channel
	}
	return c.Alerting.Channel
}

func (c *Config) usesChannel(ch string) bool {
	if c.Alerting.Channel == ch {
		return true
	}
	return c.Alerting.Surge.Enabled && c.SurgeChannel() == ch
}

func validateChannel(key, ch string) error {
	switch ch {
	case ChannelLog, ChannelEmail, ChannelTelegram:
		return nil
	default:
		return fmt.Errorf("%s %q is not supported", key, ch)
	}
}
