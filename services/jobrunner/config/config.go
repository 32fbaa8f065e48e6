package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-ingest-flow/internal/pool"
	"github.com/ramiqadoumi/go-ingest-flow/pkg/retry"
	"github.com/ramiqadoumi/go-ingest-flow/services/jobrunner"
)

// Config holds typed configuration for the job runner.
type Config struct {
	LogLevel     string `validate:"oneof=debug info warn error"`
	KafkaBrokers string `validate:"required"`
	JobsTopic    string `validate:"required"`
	EventsTopic  string `validate:"required"`
	RedisAddr    string `validate:"required,hostname_port"`
	PostgresDSN  string `validate:"required"`
	MetricsAddr  string `validate:"required"`
	OTelEndpoint string

	OutputDir   string `validate:"required"`
	FallbackDir string

	MaxWorkers      int `validate:"gt=0"`
	DownloadWorkers int `validate:"gt=0"`

	RetryMaxAttempts int           `validate:"gt=0"`
	RetryBaseDelay   time.Duration `validate:"gte=0"`
	RetryMultiplier  float64       `validate:"gte=1"`
	RetryJitter      float64       `validate:"gte=0,lte=1"`

	EmitInterval     time.Duration `validate:"gte=0"`
	JobTimeout       time.Duration `validate:"gte=0"`
	InFlightPolicy   string        `validate:"oneof=await abandon"`
	FetchTimeout     time.Duration `validate:"gt=0"`
	RateLimitPerHost int           `validate:"gte=0"`

	Schedules []jobrunner.Schedule `validate:"dive"`
}

// Load reads all values from the given viper instance and validates them.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:         v.GetString("log_level"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		JobsTopic:        v.GetString("jobs_topic"),
		EventsTopic:      v.GetString("events_topic"),
		RedisAddr:        v.GetString("redis_addr"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		MetricsAddr:      v.GetString("metrics_addr"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		OutputDir:        v.GetString("output_dir"),
		FallbackDir:      v.GetString("fallback_dir"),
		MaxWorkers:       v.GetInt("max_workers"),
		DownloadWorkers:  v.GetInt("download_workers"),
		RetryMaxAttempts: v.GetInt("retry_max_attempts"),
		RetryBaseDelay:   v.GetDuration("retry_base_delay"),
		RetryMultiplier:  v.GetFloat64("retry_multiplier"),
		RetryJitter:      v.GetFloat64("retry_jitter"),
		EmitInterval:     v.GetDuration("emit_interval"),
		JobTimeout:       v.GetDuration("job_timeout"),
		InFlightPolicy:   v.GetString("inflight_policy"),
		FetchTimeout:     v.GetDuration("fetch_timeout"),
		RateLimitPerHost: v.GetInt("rate_limit_per_host"),
	}
	if err := v.UnmarshalKey("schedules", &cfg.Schedules); err != nil {
		return Config{}, fmt.Errorf("decode schedules: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// RetryPolicy builds the per-item retry policy.
func (c Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.RetryMaxAttempts
	p.BaseDelay = c.RetryBaseDelay
	p.Multiplier = c.RetryMultiplier
	p.JitterFraction = c.RetryJitter
	return p
}

func (c Config) InFlight() pool.InFlightPolicy { return pool.InFlightPolicy(c.InFlightPolicy) }
