package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/hewjoe/ebay-catalog/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Ebay     EbayConfig     `mapstructure:"ebay"`
	Search   SearchConfig   `mapstructure:"search"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. DSN, when set, wins
// over the individual fields.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ConnString returns a postgres URL for pgx.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   d.Host + ":" + strconv.Itoa(d.Port),
		Path:   "/" + d.Name,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else {
		u.User = url.User(d.User)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{d.SSLMode}}.Encode()
	}
	return u.String()
}

// EbayConfig covers the listing source.
type EbayConfig struct {
	UseScraping bool   `mapstructure:"use_scraping"`
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"`
	APIBaseURL  string `mapstructure:"api_base_url"`
	UserAgent   string `mapstructure:"user_agent"`
	// RequestDelay is the minimum spacing between requests, in seconds.
	RequestDelay   float64       `mapstructure:"request_delay"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxPages       int           `mapstructure:"max_pages"`
}

// Delay converts RequestDelay to a duration.
func (e EbayConfig) Delay() time.Duration {
	return time.Duration(e.RequestDelay * float64(time.Second))
}

// SearchConfig defines what is tracked. Periods are in hours.
type SearchConfig struct {
	Pattern             string        `mapstructure:"pattern"`
	AuctionPeriod       int           `mapstructure:"auction_period"`
	CompletedPeriod     int           `mapstructure:"completed_period"`
	ExcludedTerms       []string      `mapstructure:"excluded_terms"`
	EndingSoonThreshold time.Duration `mapstructure:"ending_soon_threshold"`
}

// AuctionWindow is how far ahead discovery looks.
func (s SearchConfig) AuctionWindow() time.Duration {
	return time.Duration(s.AuctionPeriod) * time.Hour
}

// CompletedWindow is how far back recheck looks.
func (s SearchConfig) CompletedWindow() time.Duration {
	return time.Duration(s.CompletedPeriod) * time.Hour
}

// TrackerConfig tunes the polling engine.
type TrackerConfig struct {
	MissingCycles    int           `mapstructure:"missing_cycles"`
	ConcurrentPasses bool          `mapstructure:"concurrent_passes"`
	EndTimeTolerance time.Duration `mapstructure:"end_time_tolerance"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
}

// DaemonConfig governs polling cadence. PollingInterval is in minutes.
type DaemonConfig struct {
	PollingInterval int           `mapstructure:"polling_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// Interval converts PollingInterval to a duration.
func (d DaemonConfig) Interval() time.Duration {
	return time.Duration(d.PollingInterval) * time.Minute
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
	ChartWidth    int `mapstructure:"chart_width"`
	ChartHeight   int `mapstructure:"chart_height"`
}

// ConfigurationError reports an invalid or missing setting. It is fatal at
// startup.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// ConfigurationError marks e for auction.Classify.
func (e *ConfigurationError) ConfigurationError() bool { return true }

// IsConfigurationError reports whether err carries a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Load builds configuration from file, environment, and defaults and
// validates it.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read builds configuration like Load without validating it, for callers
// that layer further overrides before calling Validate.
func Read(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EBAYTRACKER")
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
		return nil, &ConfigurationError{Key: "config", Reason: err.Error()}
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return &ConfigurationError{Key: "config", Reason: err.Error()}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ebaytracker")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.caller", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "ebay_tracker")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("ebay.use_scraping", true)
	v.SetDefault("ebay.api_key", "")
	v.SetDefault("ebay.base_url", "https://www.ebay.com")
	v.SetDefault("ebay.api_base_url", "https://api.ebay.com/buy/browse/v1")
	v.SetDefault("ebay.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("ebay.request_delay", 2.0)
	v.SetDefault("ebay.jitter_fraction", 0.5)
	v.SetDefault("ebay.request_timeout", "20s")
	v.SetDefault("ebay.max_pages", 5)

	v.SetDefault("search.pattern", "rtx 3090")
	v.SetDefault("search.auction_period", 24)
	v.SetDefault("search.completed_period", 48)
	v.SetDefault("search.excluded_terms", []string{"broken", "not working", "for parts", "repair", "faulty"})
	v.SetDefault("search.ending_soon_threshold", "1h")

	v.SetDefault("tracker.missing_cycles", 3)
	v.SetDefault("tracker.concurrent_passes", false)
	v.SetDefault("tracker.end_time_tolerance", "5m")
	v.SetDefault("tracker.advisory_lock_key", int64(0x65626179))

	v.SetDefault("daemon.polling_interval", 30)
	v.SetDefault("daemon.startup_delay", "0s")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.chart_width", 1024)
	v.SetDefault("export.chart_height", 480)
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
	if strings.TrimSpace(c.Search.Pattern) == "" {
		return &ConfigurationError{Key: "search.pattern", Reason: "must not be empty"}
	}
	if c.Search.AuctionPeriod <= 0 {
		return &ConfigurationError{Key: "search.auction_period", Reason: "must be greater than zero"}
	}
	if c.Search.CompletedPeriod <= 0 {
		return &ConfigurationError{Key: "search.completed_period", Reason: "must be greater than zero"}
	}
	if c.Search.EndingSoonThreshold < 0 {
		return &ConfigurationError{Key: "search.ending_soon_threshold", Reason: "cannot be negative"}
	}
	if c.Daemon.PollingInterval <= 0 {
		return &ConfigurationError{Key: "daemon.polling_interval", Reason: "must be greater than zero"}
	}
	if c.Ebay.RequestDelay < 0 {
		return &ConfigurationError{Key: "ebay.request_delay", Reason: "cannot be negative"}
	}
	if c.Ebay.JitterFraction < 0 || c.Ebay.JitterFraction > 1 {
		return &ConfigurationError{Key: "ebay.jitter_fraction", Reason: "must be between 0 and 1"}
	}
	if !c.Ebay.UseScraping && strings.TrimSpace(c.Ebay.APIKey) == "" {
		return &ConfigurationError{Key: "ebay.api_key", Reason: "required when ebay.use_scraping is false"}
	}
	if c.Tracker.MissingCycles <= 0 {
		return &ConfigurationError{Key: "tracker.missing_cycles", Reason: "must be greater than zero"}
	}
	if c.Database.DSN == "" {
		if c.Database.Name == "" {
			return &ConfigurationError{Key: "database.name", Reason: "must be set"}
		}
		if c.Database.User == "" {
			return &ConfigurationError{Key: "database.user", Reason: "must be set"}
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return &ConfigurationError{Key: "database.port", Reason: "out of range"}
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return &ConfigurationError{Key: "export.max_data_points", Reason: "must be greater than zero"}
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
