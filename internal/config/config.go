package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Collector   CollectorConfig   `mapstructure:"collector"`
	MarketHours MarketHoursConfig `mapstructure:"market_hours"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// UpstreamConfig selects and configures the chain source
type UpstreamConfig struct {
	Mode                string        `mapstructure:"mode"` // http | file
	BaseURL             string        `mapstructure:"base_url"`
	Token               string        `mapstructure:"token"`
	Timeout             time.Duration `mapstructure:"timeout"`
	StrikeCount         int           `mapstructure:"strike_count"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelayBase      time.Duration `mapstructure:"retry_delay_base"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	FixtureDir          string        `mapstructure:"fixture_dir"`
}

// CollectorConfig holds collection loop configuration
type CollectorConfig struct {
	Symbols       []string      `mapstructure:"symbols"`
	WatchlistPath string        `mapstructure:"watchlist_path"`
	Interval      time.Duration `mapstructure:"interval"`
	RateLimit     time.Duration `mapstructure:"rate_limit"` // minimum delay between upstream calls
	NotifySummary bool          `mapstructure:"notify_summary"`
}

// MarketHoursConfig holds the trading session window
type MarketHoursConfig struct {
	Timezone        string   `mapstructure:"timezone"`
	Open            string   `mapstructure:"open"`
	Close           string   `mapstructure:"close"`
	ExtendedClose   string   `mapstructure:"extended_close"`
	ExtendedSymbols []string `mapstructure:"extended_symbols"`
	Holidays        []string `mapstructure:"holidays"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath         string        `mapstructure:"db_path"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	ReadConns      int           `mapstructure:"read_conns"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MetricsConfig holds the Prometheus listener configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. A .env file in the
// working directory is loaded first so secrets can stay out of the YAML file. An empty
// path or a missing file falls back to defaults and environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// FLOWTRACK_UPSTREAM_TOKEN overrides upstream.token, and so on.
	v.SetEnvPrefix("FLOWTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Collector.WatchlistPath != "" {
		watch, err := LoadWatchlist(cfg.Collector.WatchlistPath)
		if err != nil {
			return nil, err
		}
		cfg.Collector.Symbols = MergeSymbols(cfg.Collector.Symbols, watch)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Upstream defaults
	v.SetDefault("upstream.mode", "http")
	v.SetDefault("upstream.base_url", "https://api.schwabapi.com/marketdata/v1")
	v.SetDefault("upstream.token", "")
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("upstream.strike_count", 20)
	v.SetDefault("upstream.max_retries", 3)
	v.SetDefault("upstream.retry_delay_base", "1s")
	v.SetDefault("upstream.max_idle_conns", 10)
	v.SetDefault("upstream.max_idle_conns_per_host", 5)
	v.SetDefault("upstream.idle_conn_timeout", "90s")
	v.SetDefault("upstream.fixture_dir", "./testdata/chains")

	// Collector defaults
	v.SetDefault("collector.symbols", []string{"SPY", "QQQ", "IWM", "DIA"})
	v.SetDefault("collector.interval", "5m")
	v.SetDefault("collector.rate_limit", "1s")
	v.SetDefault("collector.notify_summary", false)
	v.SetDefault("collector.watchlist_path", "")

	// Market hours defaults
	v.SetDefault("market_hours.timezone", "America/New_York")
	v.SetDefault("market_hours.open", "09:30")
	v.SetDefault("market_hours.close", "16:00")
	v.SetDefault("market_hours.extended_close", "16:15")
	v.SetDefault("market_hours.extended_symbols", []string{"SPY", "QQQ", "IWM", "DIA"})

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/options.db")
	v.SetDefault("storage.busy_timeout", "5s")
	v.SetDefault("storage.max_attempts", 5)
	v.SetDefault("storage.retry_base_delay", "100ms")
	v.SetDefault("storage.read_conns", 4)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9108")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Upstream config
	switch c.Upstream.Mode {
	case "http":
		if c.Upstream.BaseURL == "" {
			return fmt.Errorf("upstream.base_url is required in http mode")
		}
	case "file":
		if c.Upstream.FixtureDir == "" {
			return fmt.Errorf("upstream.fixture_dir is required in file mode")
		}
	default:
		return fmt.Errorf("upstream.mode must be one of: http, file")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.StrikeCount < 1 {
		return fmt.Errorf("upstream.strike_count must be at least 1")
	}
	if c.Upstream.MaxRetries < 1 {
		return fmt.Errorf("upstream.max_retries must be at least 1")
	}

	// Validate Collector config
	if len(c.Collector.Symbols) == 0 {
		return fmt.Errorf("collector.symbols must contain at least one symbol")
	}
	if c.Collector.Interval < 10*time.Second {
		return fmt.Errorf("collector.interval must be at least 10 seconds")
	}
	if c.Collector.RateLimit < 0 {
		return fmt.Errorf("collector.rate_limit must not be negative")
	}

	// Validate Market hours config
	if c.MarketHours.Open == "" || c.MarketHours.Close == "" {
		return fmt.Errorf("market_hours.open and market_hours.close are required")
	}

	// Validate Storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.MaxAttempts < 1 {
		return fmt.Errorf("storage.max_attempts must be at least 1")
	}
	if c.Storage.RetryBaseDelay <= 0 {
		return fmt.Errorf("storage.retry_base_delay must be positive")
	}
	if c.Storage.BusyTimeout < 0 {
		return fmt.Errorf("storage.busy_timeout must not be negative")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

type watchlist struct {
	Symbols []string `json:"symbols"`
}

// LoadWatchlist reads a JSON watchlist of the form {"symbols": ["SPY", ...]}.
func LoadWatchlist(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist: %w", err)
	}
	var w watchlist
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist %s: %w", path, err)
	}
	return w.Symbols, nil
}

// MergeSymbols returns the upper-cased union of lists, keeping first-seen order.
func MergeSymbols(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, s := range l {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
