// Package config loads modelgate settings from defaults, an optional YAML
// file and MODELGATE_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/martinemde/modelgate/idempotency"
	"github.com/martinemde/modelgate/retry"
	"github.com/martinemde/modelgate/schema"
)

// EnvPrefix prefixes every environment override; "retry.max_retries" is
// read from MODELGATE_RETRY_MAX_RETRIES.
const EnvPrefix = "MODELGATE"

// Config is the root configuration.
type Config struct {
	Idempotency IdempotencyConfig `mapstructure:"idempotency" yaml:"idempotency"`
	Schema      SchemaConfig      `mapstructure:"schema" yaml:"schema"`
	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry"`
	Provider    ProviderConfig    `mapstructure:"provider" yaml:"provider"`
	Gollm       GollmConfig       `mapstructure:"gollm" yaml:"gollm"`
	Catalog     CatalogConfig     `mapstructure:"catalog" yaml:"catalog"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
}

// IdempotencyConfig sizes the idempotency store.
type IdempotencyConfig struct {
	TTLSeconds           int `mapstructure:"ttl_seconds" yaml:"ttl_seconds" validate:"min=1"`
	EvictIntervalSeconds int `mapstructure:"evict_interval_seconds" yaml:"evict_interval_seconds" validate:"min=1"`
}

// SchemaConfig controls the schema resolver cache.
type SchemaConfig struct {
	TTLSeconds          int `mapstructure:"ttl_seconds" yaml:"ttl_seconds" validate:"min=1"`
	FetchTimeoutSeconds int `mapstructure:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds" validate:"min=1"`
}

// RetryConfig is the backoff policy for upstream calls.
type RetryConfig struct {
	MaxRetries            int     `mapstructure:"max_retries" yaml:"max_retries" validate:"min=0,max=20"`
	InitialDelayMS        int     `mapstructure:"initial_delay_ms" yaml:"initial_delay_ms" validate:"min=0"`
	BackoffMultiplier     float64 `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" validate:"gte=1"`
	MaxDelayMS            int     `mapstructure:"max_delay_ms" yaml:"max_delay_ms" validate:"min=0"`
	AttemptTimeoutSeconds int     `mapstructure:"attempt_timeout_seconds" yaml:"attempt_timeout_seconds" validate:"min=0"`
	Jitter                bool    `mapstructure:"jitter" yaml:"jitter"`
}

// ProviderConfig configures the HTTP predictions provider.
type ProviderConfig struct {
	BaseURL        string  `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIToken       string  `mapstructure:"api_token" yaml:"api_token"`
	RatePerSecond  float64 `mapstructure:"rate_per_second" yaml:"rate_per_second" validate:"min=0"`
	Burst          int     `mapstructure:"burst" yaml:"burst" validate:"min=1"`
	PollIntervalMS int     `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms" validate:"min=1"`
}

// GollmConfig configures the text-generation providers.
type GollmConfig struct {
	OpenAIAPIKey    string `mapstructure:"openai_api_key" yaml:"openai_api_key"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key" yaml:"anthropic_api_key"`
	MaxTokens       int    `mapstructure:"max_tokens" yaml:"max_tokens" validate:"min=1"`
}

// CatalogConfig points at an optional catalog file replacing the built-in one.
type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("idempotency.ttl_seconds", int(idempotency.DefaultTTL/time.Second))
	v.SetDefault("idempotency.evict_interval_seconds", int(idempotency.DefaultEvictInterval/time.Second))
	v.SetDefault("schema.ttl_seconds", 3600)
	v.SetDefault("schema.fetch_timeout_seconds", 30)

	def := retry.DefaultPolicy()
	v.SetDefault("retry.max_retries", def.MaxRetries)
	v.SetDefault("retry.initial_delay_ms", def.InitialDelay.Milliseconds())
	v.SetDefault("retry.backoff_multiplier", def.BackoffMultiplier)
	v.SetDefault("retry.max_delay_ms", 0)
	v.SetDefault("retry.attempt_timeout_seconds", 120)
	v.SetDefault("retry.jitter", false)

	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.api_token", "")
	v.SetDefault("provider.rate_per_second", 0)
	v.SetDefault("provider.burst", 1)
	v.SetDefault("provider.poll_interval_ms", 1000)

	v.SetDefault("gollm.openai_api_key", "")
	v.SetDefault("gollm.anthropic_api_key", "")
	v.SetDefault("gollm.max_tokens", 1024)

	v.SetDefault("catalog.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.http_addr", ":8080")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply. A named file that cannot be read is
// an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional provider variables are honored after the prefixed ones.
	for key, env := range map[string]string{
		"provider.api_token":      "REPLICATE_API_TOKEN",
		"gollm.openai_api_key":    "OPENAI_API_KEY",
		"gollm.anthropic_api_key": "ANTHROPIC_API_KEY",
	} {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with nothing but defaults applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return &cfg
}

// RetryPolicy converts the retry settings.
func (c *Config) RetryPolicy() retry.Policy {
	r := c.Retry
	return retry.Policy{
		MaxRetries:        r.MaxRetries,
		InitialDelay:      time.Duration(r.InitialDelayMS) * time.Millisecond,
		BackoffMultiplier: r.BackoffMultiplier,
		MaxDelay:          time.Duration(r.MaxDelayMS) * time.Millisecond,
		Jitter:            r.Jitter,
		AttemptTimeout:    time.Duration(r.AttemptTimeoutSeconds) * time.Second,
	}
}

// StoreOptions returns idempotency store options.
func (c *Config) StoreOptions(logger *slog.Logger) []idempotency.Option {
	return []idempotency.Option{
		idempotency.WithTTL(time.Duration(c.Idempotency.TTLSeconds) * time.Second),
		idempotency.WithEvictInterval(time.Duration(c.Idempotency.EvictIntervalSeconds) * time.Second),
		idempotency.WithLogger(logger),
	}
}

// ResolverOptions returns schema resolver options.
func (c *Config) ResolverOptions(logger *slog.Logger) []schema.Option {
	return []schema.Option{
		schema.WithTTL(time.Duration(c.Schema.TTLSeconds) * time.Second),
		schema.WithFetchTimeout(time.Duration(c.Schema.FetchTimeoutSeconds) * time.Second),
		schema.WithLogger(logger),
	}
}

// PollInterval is how often pending predictions are polled.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Provider.PollIntervalMS) * time.Millisecond
}
