package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Venuesync AppConfig       `yaml:"venuesync"`
	Endpoints EndpointConfig  `yaml:"endpoints"`
	Session   SessionConfig   `yaml:"session"`
	REST      RESTConfig      `yaml:"rest"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Feed      FeedConfig      `yaml:"feed"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type EndpointConfig struct {
	WebSocketURL string `yaml:"ws_url"`
	RESTURL      string `yaml:"rest_url"`
}

type SessionConfig struct {
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

// BackoffConfig describes the reconnect delays. An explicit Schedule wins;
// otherwise delays grow from Min by Factor up to Max.
type BackoffConfig struct {
	Schedule []time.Duration `yaml:"schedule"`
	Min      time.Duration   `yaml:"min"`
	Max      time.Duration   `yaml:"max"`
	Factor   float64         `yaml:"factor"`
}

type RESTConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	UserAgent string          `yaml:"user_agent"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type StoreConfig struct {
	RecentTradesLimit int           `yaml:"recent_trades_limit"`
	MailboxSize       int           `yaml:"mailbox_size"`
	DefaultMarket     string        `yaml:"default_market"`
	UserAddress       string        `yaml:"user_address"`
	CandleInterval    string        `yaml:"candle_interval"`
	CandleLookback    time.Duration `yaml:"candle_lookback"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	Dashboard       string `yaml:"dashboard"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DashboardConfig controls the read-only JSON status server.
type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	MetricsHistory int           `yaml:"metrics_history"`
	LogHistory     int           `yaml:"log_history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// FeedConfig controls the Kafka change feed. Topics filters which store
// topics are published; empty means all of them.
type FeedConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Topics       []string      `yaml:"topics"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// Default returns the settings used for every key the YAML file leaves out.
// The same defaults apply in every environment.
func Default() Config {
	return Config{
		Venuesync: AppConfig{Name: "venuesync", Version: "dev"},
		Session: SessionConfig{
			PingInterval:     30 * time.Second,
			PongTimeout:      60 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
			Backoff: BackoffConfig{
				Min:    time.Second,
				Max:    16 * time.Second,
				Factor: 2,
			},
		},
		REST: RESTConfig{
			Timeout:   10 * time.Second,
			UserAgent: "venuesync",
			RateLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
		},
		Store: StoreConfig{
			RecentTradesLimit: 100,
			MailboxSize:       1024,
			CandleInterval:    "1m",
			CandleLookback:    24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{Namespace: "Venuesync", Dashboard: "Venuesync"},
			Prometheus: PrometheusConfig{Address: "0.0.0.0:2112"},
		},
		Dashboard: DashboardConfig{
			Address:        "0.0.0.0:8080",
			MetricsHistory: 200,
			LogHistory:     200,
			SampleInterval: 5 * time.Second,
		},
		Feed: FeedConfig{
			Topic:        "venuesync.state",
			BatchTimeout: 100 * time.Millisecond,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	override := func(target *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*target = v
		}
	}

	override(&config.Endpoints.WebSocketURL, "VENUESYNC_WS_URL")
	override(&config.Endpoints.RESTURL, "VENUESYNC_REST_URL")
	override(&config.Store.UserAddress, "VENUESYNC_USER_ADDRESS")
	override(&config.Store.DefaultMarket, "VENUESYNC_DEFAULT_MARKET")

	if v := strings.TrimSpace(os.Getenv("VENUESYNC_FEED_BROKERS")); v != "" {
		config.Feed.Brokers = strings.Split(v, ",")
	}

	if config.Metrics.CloudWatch.Enabled {
		override(&config.Metrics.CloudWatch.AccessKeyID, "AWS_ACCESS_KEY_ID")
		override(&config.Metrics.CloudWatch.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		override(&config.Metrics.CloudWatch.Region, "AWS_REGION")
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Venuesync.Name == "" {
		return fmt.Errorf("venuesync.name is required")
	}

	if err := validateURL("endpoints.ws_url", cfg.Endpoints.WebSocketURL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateURL("endpoints.rest_url", cfg.Endpoints.RESTURL, "http", "https"); err != nil {
		return err
	}

	if cfg.Session.PingInterval <= 0 {
		return fmt.Errorf("session.ping_interval must be greater than 0")
	}
	if cfg.Session.PongTimeout <= 0 {
		return fmt.Errorf("session.pong_timeout must be greater than 0")
	}
	for i, d := range cfg.Session.Backoff.Schedule {
		if d <= 0 {
			return fmt.Errorf("session.backoff.schedule[%d] must be greater than 0", i)
		}
	}
	if len(cfg.Session.Backoff.Schedule) == 0 {
		if cfg.Session.Backoff.Min <= 0 {
			return fmt.Errorf("session.backoff.min must be greater than 0")
		}
		if cfg.Session.Backoff.Max < cfg.Session.Backoff.Min {
			return fmt.Errorf("session.backoff.max must not be less than session.backoff.min")
		}
		if cfg.Session.Backoff.Factor < 1 {
			return fmt.Errorf("session.backoff.factor must be at least 1")
		}
	}

	if cfg.Store.RecentTradesLimit <= 0 {
		return fmt.Errorf("store.recent_trades_limit must be greater than 0")
	}
	if cfg.Store.MailboxSize <= 0 {
		return fmt.Errorf("store.mailbox_size must be greater than 0")
	}

	if cfg.REST.RateLimit.RequestsPerSecond < 0 || cfg.REST.RateLimit.BurstSize < 0 {
		return fmt.Errorf("rest.rate_limit values must not be negative")
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Namespace == "" {
		return fmt.Errorf("metrics.cloudwatch.namespace is required when CloudWatch is enabled")
	}
	if cfg.Metrics.Prometheus.Enabled && cfg.Metrics.Prometheus.Address == "" {
		return fmt.Errorf("metrics.prometheus.address is required when Prometheus is enabled")
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Address == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}

	if cfg.Feed.Enabled {
		if len(cfg.Feed.Brokers) == 0 {
			return fmt.Errorf("feed.brokers is required when the feed is enabled")
		}
		if cfg.Feed.Topic == "" {
			return fmt.Errorf("feed.topic is required when the feed is enabled")
		}
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", field, err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", field, schemes, parsed.Scheme)
}
