package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow       TickflowConfig       `yaml:"tickflow"`
	Logging        LoggingConfig        `yaml:"logging"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Symbols        []string             `yaml:"symbols"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Websocket      WebsocketConfig      `yaml:"websocket"`
	Fetcher        FetcherConfig        `yaml:"fetcher"`
	Orders         OrdersConfig         `yaml:"orders"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

type ExchangeConfig struct {
	RestURL        string               `yaml:"rest_url"`
	PublicWSURL    string               `yaml:"public_ws_url"`
	PrivateWSURL   string               `yaml:"private_ws_url"`
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	Category       string               `yaml:"category"`
	RecvWindow     string               `yaml:"recv_window"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	MaxCalls int           `yaml:"max_calls"`
	Window   time.Duration `yaml:"window"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type WebsocketConfig struct {
	PingInterval     time.Duration   `yaml:"ping_interval"`
	PongTimeout      time.Duration   `yaml:"pong_timeout"`
	AuthTimeout      time.Duration   `yaml:"auth_timeout"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	Backoff          []time.Duration `yaml:"backoff"`
	OpsPerSecond     int             `yaml:"ops_per_second"`
}

type FetcherConfig struct {
	Interval      time.Duration `yaml:"interval"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	KlineInterval string        `yaml:"kline_interval"`
	KlineLimit    int           `yaml:"kline_limit"`
}

type OrdersConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

type MetricsConfig struct {
	CloudwatchEnabled bool   `yaml:"cloudwatch_enabled"`
	Region            string `yaml:"region"`
	Namespace         string `yaml:"namespace"`
}

var configEnvPaths = map[string]string{
	environmentDevelopment: "config/config.development.yml",
	environmentStaging:     "config/config.staging.yml",
	environmentProduction:  "config/config.production.yml",
}

const defaultConfigPath = "config/config.yml"

func LoadConfig(path string) (*Config, error) {
	requested := path
	if requested == "" {
		requested = defaultConfigPath
	}
	path = resolveEnvSpecificPath(requested, defaultConfigPath, configEnvPaths)

	data, err := os.ReadFile(path)
	if err != nil && os.IsNotExist(err) && path != requested {
		// No per-environment file shipped; use the requested one.
		path = requested
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment when set so keys never need to
	// live in the config file.
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		config.Exchange.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		config.Exchange.APISecret = strings.TrimSpace(v)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Exchange: ExchangeConfig{
			RestURL:      "https://api.bybit.com",
			PublicWSURL:  "wss://stream.bybit.com/v5/public/linear",
			PrivateWSURL: "wss://stream.bybit.com/v5/private",
			Category:     "linear",
			RecvWindow:   "5000",
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    32,
				MaxConnsPerHost: 16,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		RateLimit: RateLimitConfig{
			MaxCalls: 120,
			Window:   time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Websocket: WebsocketConfig{
			PingInterval:     20 * time.Second,
			PongTimeout:      30 * time.Second,
			AuthTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			Backoff: []time.Duration{
				time.Second,
				2 * time.Second,
				5 * time.Second,
				10 * time.Second,
				30 * time.Second,
			},
			OpsPerSecond: 10,
		},
		Fetcher: FetcherConfig{
			Interval:      30 * time.Second,
			MaxConcurrent: 5,
			BatchTimeout:  25 * time.Second,
			RetryDelay:    2 * time.Second,
			KlineInterval: "1",
			KlineLimit:    5,
		},
		Orders: OrdersConfig{
			CheckInterval:  10 * time.Second,
			DefaultTimeout: 5 * time.Minute,
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}
	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}

	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one symbol")
	}
	for _, s := range cfg.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("symbols must not contain empty entries")
		}
	}

	if cfg.Exchange.RestURL == "" {
		return fmt.Errorf("exchange.rest_url is required")
	}
	if cfg.Exchange.PublicWSURL == "" {
		return fmt.Errorf("exchange.public_ws_url is required")
	}

	if cfg.RateLimit.MaxCalls <= 0 {
		return fmt.Errorf("rate_limit.max_calls must be greater than 0")
	}
	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be greater than 0")
	}

	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be greater than 0")
	}
	if cfg.CircuitBreaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.recovery_timeout must be greater than 0")
	}

	if cfg.Websocket.PingInterval <= 0 {
		return fmt.Errorf("websocket.ping_interval must be greater than 0")
	}
	if cfg.Websocket.PongTimeout <= cfg.Websocket.PingInterval {
		return fmt.Errorf("websocket.pong_timeout must exceed websocket.ping_interval")
	}
	if len(cfg.Websocket.Backoff) == 0 {
		return fmt.Errorf("websocket.backoff must list at least one delay")
	}
	for i, d := range cfg.Websocket.Backoff {
		if d <= 0 {
			return fmt.Errorf("websocket.backoff[%d] must be greater than 0", i)
		}
	}

	if cfg.Fetcher.Interval <= 0 {
		return fmt.Errorf("fetcher.interval must be greater than 0")
	}
	if cfg.Fetcher.MaxConcurrent <= 0 {
		return fmt.Errorf("fetcher.max_concurrent must be greater than 0")
	}
	if cfg.Fetcher.BatchTimeout <= 0 {
		return fmt.Errorf("fetcher.batch_timeout must be greater than 0")
	}
	if cfg.Fetcher.KlineLimit < 3 {
		return fmt.Errorf("fetcher.kline_limit must be at least 3")
	}

	if cfg.Orders.CheckInterval <= 0 {
		return fmt.Errorf("orders.check_interval must be greater than 0")
	}
	if cfg.Orders.DefaultTimeout <= 0 {
		return fmt.Errorf("orders.default_timeout must be greater than 0")
	}

	if cfg.Metrics.CloudwatchEnabled && cfg.Metrics.Region == "" && os.Getenv("AWS_REGION") == "" {
		return fmt.Errorf("metrics.region is required when cloudwatch is enabled")
	}

	// Private channels and order management need credentials.
	if cfg.Exchange.PrivateWSURL != "" && (cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "") {
		return fmt.Errorf("exchange.api_key and exchange.api_secret are required for the private websocket")
	}

	return nil
}

// HasPrivate reports whether the configuration enables the authenticated
// private websocket channel.
func (c *Config) HasPrivate() bool {
	return c.Exchange.PrivateWSURL != "" && c.Exchange.APIKey != "" && c.Exchange.APISecret != ""
}
