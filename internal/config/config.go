// Package config handles configuration management with validation
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System      SystemConfig      `yaml:"system"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Margin      MarginConfig      `yaml:"margin"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Closure     ClosureConfig     `yaml:"closure"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Stream      StreamConfig      `yaml:"stream"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Audit       AuditConfig       `yaml:"audit"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel    string `yaml:"log_level"`
	ServiceName string `yaml:"service_name"`
}

// MonitorConfig lists what the engine watches and how often it re-evaluates
type MonitorConfig struct {
	Accounts          []string      `yaml:"accounts"`
	Symbols           []string      `yaml:"symbols"`
	ReevaluateEvery   time.Duration `yaml:"reevaluate_every"`
	CoalesceThreshold float64       `yaml:"coalesce_threshold"`
}

// MarginConfig holds band thresholds (percent) and the escalation policy
type MarginConfig struct {
	WarningLevel          float64       `yaml:"warning_level"`
	CriticalLevel         float64       `yaml:"critical_level"`
	LiquidationLevel      float64       `yaml:"liquidation_level"`
	LiquidationInclusive  bool          `yaml:"liquidation_inclusive"`
	EscalateOnLiquidation bool          `yaml:"escalate_on_liquidation"`
	CriticalGrace         time.Duration `yaml:"critical_grace"`
	NotifyInterval        time.Duration `yaml:"notify_interval"`
}

// TriggerConfig controls stop-loss/take-profit bookkeeping
type TriggerConfig struct {
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// ClosureConfig contains ledger RPC and retry settings
type ClosureConfig struct {
	LedgerURL      string        `yaml:"ledger_url"`
	APIToken       Secret        `yaml:"api_token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RateLimit      float64       `yaml:"rate_limit"`
}

// IdempotencyConfig selects and tunes the idempotency store
type IdempotencyConfig struct {
	Backend         string        `yaml:"backend"`
	TTL             time.Duration `yaml:"ttl"`
	FailedRetention time.Duration `yaml:"failed_retention"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   Secret        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	KeyPrefix       string        `yaml:"key_prefix"`
}

// StreamConfig contains realtime feed and connection pool settings
type StreamConfig struct {
	URL                     string        `yaml:"url"`
	APIKey                  Secret        `yaml:"api_key"`
	MaxConnections          int           `yaml:"max_connections"`
	MaxSubscriptionsPerConn int           `yaml:"max_subscriptions_per_connection"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	HealthInterval          time.Duration `yaml:"health_interval"`
	InitialBackoff          time.Duration `yaml:"initial_backoff"`
	MaxBackoff              time.Duration `yaml:"max_backoff"`
	BackoffMultiplier       float64       `yaml:"backoff_multiplier"`
	JitterFactor            float64       `yaml:"jitter_factor"`
	PingInterval            time.Duration `yaml:"ping_interval"`
	PongWait                time.Duration `yaml:"pong_wait"`
}

// AlertsConfig contains notification channel settings
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// AuditConfig contains the audit journal settings
type AuditConfig struct {
	SQLitePath string        `yaml:"sqlite_path"`
	Retention  time.Duration `yaml:"retention"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ClosurePoolSize   int `yaml:"closure_pool_size"`
	ClosurePoolBuffer int `yaml:"closure_pool_buffer"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// A .env file next to the working directory is loaded first when present.
func LoadConfig(filename string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []ValidationError
	errs = append(errs, c.validateSystemConfig()...)
	errs = append(errs, c.validateMarginConfig()...)
	errs = append(errs, c.validateClosureConfig()...)
	errs = append(errs, c.validateIdempotencyConfig()...)
	errs = append(errs, c.validateStreamConfig()...)
	errs = append(errs, c.validateConcurrencyConfig()...)

	if len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(msgs, "\n"))
	}

	return nil
}

func (c *Config) validateSystemConfig() []ValidationError {
	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
		return nil
	}
	return []ValidationError{{Field: "system.log_level", Value: c.System.LogLevel, Message: "must be one of DEBUG, INFO, WARN, ERROR, FATAL"}}
}

func (c *Config) validateMarginConfig() []ValidationError {
	m := c.Margin
	var errs []ValidationError
	if m.LiquidationLevel <= 0 {
		errs = append(errs, ValidationError{Field: "margin.liquidation_level", Value: m.LiquidationLevel, Message: "must be positive"})
	}
	if !(m.LiquidationLevel < m.CriticalLevel && m.CriticalLevel < m.WarningLevel) {
		errs = append(errs, ValidationError{
			Field:   "margin",
			Value:   fmt.Sprintf("%v/%v/%v", m.LiquidationLevel, m.CriticalLevel, m.WarningLevel),
			Message: "thresholds must be ordered liquidation < critical < warning",
		})
	}
	if !m.EscalateOnLiquidation && m.CriticalGrace <= 0 {
		errs = append(errs, ValidationError{Field: "margin.critical_grace", Value: m.CriticalGrace, Message: "must be positive when escalate_on_liquidation is false"})
	}
	if m.NotifyInterval <= 0 {
		errs = append(errs, ValidationError{Field: "margin.notify_interval", Value: m.NotifyInterval, Message: "must be positive"})
	}
	return errs
}

func (c *Config) validateClosureConfig() []ValidationError {
	var errs []ValidationError
	if u, err := url.Parse(c.Closure.LedgerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{Field: "closure.ledger_url", Value: c.Closure.LedgerURL, Message: "must be an absolute URL"})
	}
	if c.Closure.MaxAttempts < 1 || c.Closure.MaxAttempts > 10 {
		errs = append(errs, ValidationError{Field: "closure.max_attempts", Value: c.Closure.MaxAttempts, Message: "must be between 1 and 10"})
	}
	if c.Closure.InitialBackoff <= 0 || c.Closure.MaxBackoff < c.Closure.InitialBackoff {
		errs = append(errs, ValidationError{Field: "closure.initial_backoff", Value: c.Closure.InitialBackoff, Message: "must be positive and not exceed max_backoff"})
	}
	return errs
}

func (c *Config) validateIdempotencyConfig() []ValidationError {
	var errs []ValidationError
	switch c.Idempotency.Backend {
	case "memory":
	case "redis":
		if c.Idempotency.RedisAddr == "" {
			errs = append(errs, ValidationError{Field: "idempotency.redis_addr", Value: "", Message: "required for redis backend"})
		}
	default:
		errs = append(errs, ValidationError{Field: "idempotency.backend", Value: c.Idempotency.Backend, Message: "must be memory or redis"})
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, ValidationError{Field: "idempotency.ttl", Value: c.Idempotency.TTL, Message: "must be positive"})
	}
	return errs
}

func (c *Config) validateStreamConfig() []ValidationError {
	var errs []ValidationError
	if u, err := url.Parse(c.Stream.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, ValidationError{Field: "stream.url", Value: c.Stream.URL, Message: "must be a ws:// or wss:// URL"})
	}
	if c.Stream.MaxConnections < 1 {
		errs = append(errs, ValidationError{Field: "stream.max_connections", Value: c.Stream.MaxConnections, Message: "must be at least 1"})
	}
	if c.Stream.MaxSubscriptionsPerConn < 1 {
		errs = append(errs, ValidationError{Field: "stream.max_subscriptions_per_connection", Value: c.Stream.MaxSubscriptionsPerConn, Message: "must be at least 1"})
	}
	if c.Stream.JitterFactor < 0 || c.Stream.JitterFactor >= 1 {
		errs = append(errs, ValidationError{Field: "stream.jitter_factor", Value: c.Stream.JitterFactor, Message: "must be in [0, 1)"})
	}
	return errs
}

func (c *Config) validateConcurrencyConfig() []ValidationError {
	var errs []ValidationError
	if c.Concurrency.ClosurePoolSize < 1 || c.Concurrency.ClosurePoolSize > 100 {
		errs = append(errs, ValidationError{Field: "concurrency.closure_pool_size", Value: c.Concurrency.ClosurePoolSize, Message: "must be between 1 and 100"})
	}
	if c.Concurrency.ClosurePoolBuffer < 1 {
		errs = append(errs, ValidationError{Field: "concurrency.closure_pool_buffer", Value: c.Concurrency.ClosurePoolBuffer, Message: "must be at least 1"})
	}
	return errs
}

// String returns a YAML rendering with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

// DefaultConfig returns the built-in defaults; file values override them
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:    "INFO",
			ServiceName: "riskguard",
		},
		Monitor: MonitorConfig{
			ReevaluateEvery:   30 * time.Second,
			CoalesceThreshold: 0.001,
		},
		Margin: MarginConfig{
			WarningLevel:          150,
			CriticalLevel:         100,
			LiquidationLevel:      50,
			EscalateOnLiquidation: true,
			CriticalGrace:         5 * time.Minute,
			NotifyInterval:        time.Minute,
		},
		Trigger: TriggerConfig{
			HistoryRetention: time.Hour,
		},
		Closure: ClosureConfig{
			LedgerURL:      "http://localhost:8080",
			RequestTimeout: 10 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			RateLimit:      20,
		},
		Idempotency: IdempotencyConfig{
			Backend:         "memory",
			TTL:             5 * time.Minute,
			FailedRetention: time.Second,
			SweepInterval:   time.Minute,
			KeyPrefix:       "riskguard:idem:",
		},
		Stream: StreamConfig{
			URL:                     "ws://localhost:4000/realtime",
			MaxConnections:          10,
			MaxSubscriptionsPerConn: 100,
			ConnectTimeout:          10 * time.Second,
			IdleTimeout:             60 * time.Second,
			HealthInterval:          30 * time.Second,
			InitialBackoff:          time.Second,
			MaxBackoff:              30 * time.Second,
			BackoffMultiplier:       2,
			JitterFactor:            0.3,
			PingInterval:            20 * time.Second,
			PongWait:                60 * time.Second,
		},
		Audit: AuditConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Concurrency: ConcurrencyConfig{
			ClosurePoolSize:   8,
			ClosurePoolBuffer: 1000,
		},
	}
}
