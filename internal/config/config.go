package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"go.uber.org/zap/zapcore"
)

// Config holds the core runtime configuration for the service.
// Values are sourced from environment variables (optionally via a .env
// file loaded by main), with defaults declared in the struct tags.
type Config struct {
	ListenAddr string `env:"APP_LISTEN_ADDR,default=:8080"`

	// DatabaseURL is the PostgreSQL URL of the service's own store.
	DatabaseURL string `env:"APP_DATABASE_URL"`

	// APIToken guards the HTTP surface. Empty disables the check.
	APIToken string `env:"APP_API_TOKEN"`

	// EncryptionSecret keys the credential codec. Either a 64-char hex key
	// or a passphrase of at least 16 characters.
	EncryptionSecret string `env:"APP_ENCRYPTION_SECRET"`

	LogLevel string `env:"APP_LOG_LEVEL,default=info"`

	// CacheMode selects the context cache store: auto (redis when
	// RedisURL is set, otherwise memory), redis, memory or off.
	CacheMode  string        `env:"APP_CACHE_MODE,default=auto"`
	RedisURL   string        `env:"APP_REDIS_URL"`
	ContextTTL time.Duration `env:"APP_CONTEXT_TTL,default=1h"`

	// AMQPURL enables RabbitMQ alert notifications. Empty logs alerts only.
	AMQPURL   string `env:"APP_AMQP_URL"`
	AMQPQueue string `env:"APP_AMQP_QUEUE,default=queryinsight.alerts"`

	AIBaseURL       string        `env:"APP_AI_BASE_URL,default=https://api.openai.com/v1"`
	AIAPIKey        string        `env:"APP_AI_API_KEY"`
	AIModel         string        `env:"APP_AI_MODEL,default=gpt-4o-mini"`
	AITimeout       time.Duration `env:"APP_AI_TIMEOUT,default=60s"`
	AIRatePerMinute int           `env:"APP_AI_RATE_PER_MINUTE,default=20"`

	CollectInterval time.Duration `env:"APP_COLLECT_INTERVAL,default=5m"`
	AlertInterval   time.Duration `env:"APP_ALERT_INTERVAL,default=2m"`
	SchemaInterval  time.Duration `env:"APP_SCHEMA_INTERVAL,default=15m"`
	SuggestInterval time.Duration `env:"APP_SUGGEST_INTERVAL,default=20m"`

	// OverlapPolicy is applied to every job: skip, queue or concurrent.
	OverlapPolicy string `env:"APP_OVERLAP_POLICY,default=skip"`

	// Concurrency bounds how many targets one job processes at once.
	Concurrency int `env:"APP_PIPELINE_CONCURRENCY,default=1"`

	CollectLimit            int           `env:"APP_COLLECT_LIMIT,default=50"`
	AlertLimit              int           `env:"APP_ALERT_LIMIT,default=100"`
	ContextQueryLimit       int           `env:"APP_CONTEXT_QUERY_LIMIT,default=20"`
	CriticalThresholdMs     float64       `env:"APP_CRITICAL_THRESHOLD_MS,default=500"`
	SignificanceThresholdMs float64       `env:"APP_SIGNIFICANCE_THRESHOLD_MS,default=1000"`
	EventLookback           time.Duration `env:"APP_EVENT_LOOKBACK,default=24h"`

	// AlertCooldown suppresses repeated notifications for the same target.
	// Zero (the default) re-notifies on every breaching poll.
	AlertCooldown time.Duration `env:"APP_ALERT_COOLDOWN,default=0s"`

	ConnectTimeout time.Duration `env:"APP_CONNECT_TIMEOUT,default=10s"`
	QueryTimeout   time.Duration `env:"APP_QUERY_TIMEOUT,default=15s"`
	TargetTimeout  time.Duration `env:"APP_TARGET_TIMEOUT,default=2m"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, "APP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if len(c.EncryptionSecret) < 16 {
		problems = append(problems, "APP_ENCRYPTION_SECRET must be at least 16 characters")
	}
	for name, d := range map[string]time.Duration{
		"APP_COLLECT_INTERVAL": c.CollectInterval,
		"APP_ALERT_INTERVAL":   c.AlertInterval,
		"APP_SCHEMA_INTERVAL":  c.SchemaInterval,
		"APP_SUGGEST_INTERVAL": c.SuggestInterval,
		"APP_CONNECT_TIMEOUT":  c.ConnectTimeout,
		"APP_QUERY_TIMEOUT":    c.QueryTimeout,
		"APP_TARGET_TIMEOUT":   c.TargetTimeout,
		"APP_CONTEXT_TTL":      c.ContextTTL,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.AlertCooldown < 0 {
		problems = append(problems, "APP_ALERT_COOLDOWN must not be negative")
	}
	if c.CriticalThresholdMs <= 0 || c.SignificanceThresholdMs <= 0 {
		problems = append(problems, "thresholds must be positive")
	}
	if c.CollectLimit <= 0 || c.AlertLimit <= 0 || c.ContextQueryLimit <= 0 {
		problems = append(problems, "limits must be positive")
	}
	if c.Concurrency < 1 {
		problems = append(problems, "APP_PIPELINE_CONCURRENCY must be at least 1")
	}
	switch c.OverlapPolicy {
	case "skip", "queue", "concurrent":
	default:
		problems = append(problems, fmt.Sprintf("APP_OVERLAP_POLICY %q must be skip, queue or concurrent", c.OverlapPolicy))
	}
	switch c.CacheMode {
	case "auto", "memory", "off":
	case "redis":
		if c.RedisURL == "" {
			problems = append(problems, "APP_REDIS_URL is required when APP_CACHE_MODE=redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("APP_CACHE_MODE %q must be auto, redis, memory or off", c.CacheMode))
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// ZapLevel maps LogLevel to a zap level, defaulting to info.
func (c *Config) ZapLevel() zapcore.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
