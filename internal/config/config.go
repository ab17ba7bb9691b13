// Package config loads service configuration from an optional YAML file and
// MOMO_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	OrderService OrderServiceConfig `mapstructure:"order_service"`
	Polling      PollingConfig      `mapstructure:"polling"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Simulation   SimulationConfig   `mapstructure:"simulation"`
}

type ServerConfig struct {
	Addr            string `mapstructure:"addr"`
	ReportCapacity  int    `mapstructure:"report_capacity"` // bound of the in-memory outcome log
	DefaultCurrency string `mapstructure:"default_currency"`
	// SessionRetention is how long a finished session stays readable
	// before it is dropped.
	SessionRetention time.Duration `mapstructure:"session_retention"`
}

// GatewayConfig points at the mobile-money gateway transaction-status endpoint.
type GatewayConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	StatusPath string        `mapstructure:"status_path"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// RetryAttempts is the number of extra tries within one probe on 429/5xx
	// or transport errors. Negative disables retries.
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// OrderServiceConfig points at the fallback order-status endpoint. An empty
// BaseURL disables the fallback.
type OrderServiceConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	StatusPath string        `mapstructure:"status_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type PollingConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Interval     time.Duration `mapstructure:"interval"`
	SuccessDelay time.Duration `mapstructure:"success_delay"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	OpenTimeout       time.Duration `mapstructure:"open_timeout"`
	HalfOpenSuccesses int           `mapstructure:"half_open_successes"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	PrettyPrint bool   `mapstructure:"pretty_print"`
	ServiceName string `mapstructure:"service_name"`
}

// WebhookConfig tunes delivery of outcomes to host callback URLs.
type WebhookConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
}

// SimulationConfig replaces the gateway with an in-process fake that answers
// pending PendingProbes times per reference and then ResultCode.
type SimulationConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	PendingProbes int           `mapstructure:"pending_probes"`
	ResultCode    string        `mapstructure:"result_code"`
	ResultDesc    string        `mapstructure:"result_desc"`
	Latency       time.Duration `mapstructure:"latency"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", ReportCapacity: 1000, DefaultCurrency: "TZS", SessionRetention: 15 * time.Minute},
		Gateway: GatewayConfig{
			BaseURL:       "http://localhost:9090",
			StatusPath:    "/v1/payments/status",
			Timeout:       5 * time.Second,
			RetryAttempts: 1,
			RetryDelay:    300 * time.Millisecond,
		},
		OrderService: OrderServiceConfig{
			StatusPath: "/v1/orders/{orderRef}/status",
			Timeout:    5 * time.Second,
		},
		Polling: PollingConfig{
			MaxAttempts:  30,
			Interval:     6 * time.Second,
			SuccessDelay: 2 * time.Second,
			RetryDelay:   time.Second,
			ProbeTimeout: 5 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  3,
			OpenTimeout:       30 * time.Second,
			HalfOpenSuccesses: 1,
		},
		Logging: LoggingConfig{Level: "info"},
		Tracing: TracingConfig{ServiceName: "momo-confirm"},
		Webhook: WebhookConfig{Timeout: 5 * time.Second, RetryAttempts: 2},
		Simulation: SimulationConfig{
			PendingProbes: 3,
			ResultCode:    "0",
			ResultDesc:    "The service request is processed successfully.",
			Latency:       200 * time.Millisecond,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies MOMO_*
// environment overrides, e.g. MOMO_POLLING_INTERVAL=3s.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("MOMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("config: gateway.base_url is required")
	}
	if c.Polling.MaxAttempts <= 0 {
		return fmt.Errorf("config: polling.max_attempts must be positive, got %d", c.Polling.MaxAttempts)
	}
	if c.Polling.Interval <= 0 {
		return fmt.Errorf("config: polling.interval must be positive, got %s", c.Polling.Interval)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.report_capacity", d.Server.ReportCapacity)
	v.SetDefault("server.default_currency", d.Server.DefaultCurrency)
	v.SetDefault("server.session_retention", d.Server.SessionRetention)

	v.SetDefault("gateway.base_url", d.Gateway.BaseURL)
	v.SetDefault("gateway.status_path", d.Gateway.StatusPath)
	v.SetDefault("gateway.api_key", d.Gateway.APIKey)
	v.SetDefault("gateway.timeout", d.Gateway.Timeout)
	v.SetDefault("gateway.retry_attempts", d.Gateway.RetryAttempts)
	v.SetDefault("gateway.retry_delay", d.Gateway.RetryDelay)

	v.SetDefault("order_service.base_url", d.OrderService.BaseURL)
	v.SetDefault("order_service.status_path", d.OrderService.StatusPath)
	v.SetDefault("order_service.timeout", d.OrderService.Timeout)

	v.SetDefault("polling.max_attempts", d.Polling.MaxAttempts)
	v.SetDefault("polling.interval", d.Polling.Interval)
	v.SetDefault("polling.success_delay", d.Polling.SuccessDelay)
	v.SetDefault("polling.retry_delay", d.Polling.RetryDelay)
	v.SetDefault("polling.probe_timeout", d.Polling.ProbeTimeout)

	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.open_timeout", d.Breaker.OpenTimeout)
	v.SetDefault("breaker.half_open_successes", d.Breaker.HalfOpenSuccesses)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.pretty_print", d.Tracing.PrettyPrint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)

	v.SetDefault("webhook.timeout", d.Webhook.Timeout)
	v.SetDefault("webhook.retry_attempts", d.Webhook.RetryAttempts)

	v.SetDefault("simulation.enabled", d.Simulation.Enabled)
	v.SetDefault("simulation.pending_probes", d.Simulation.PendingProbes)
	v.SetDefault("simulation.result_code", d.Simulation.ResultCode)
	v.SetDefault("simulation.result_desc", d.Simulation.ResultDesc)
	v.SetDefault("simulation.latency", d.Simulation.Latency)
}
