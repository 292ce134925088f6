// Package config loads dispatcher settings from defaults, an optional config
// file and THOR_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Suhaibinator/thor/pkg/dispatcher"
	"github.com/Suhaibinator/thor/pkg/logging"
	"github.com/Suhaibinator/thor/pkg/metrics"
	"github.com/Suhaibinator/thor/pkg/middleware"
	"github.com/Suhaibinator/thor/pkg/pipeline"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "THOR"

// Config holds the settings of a thor server.
type Config struct {
	// Addr is the listen address.
	Addr string `mapstructure:"addr" validate:"required"`

	// ShutdownTimeout bounds the drain of in-flight requests.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`

	// RequestTimeout, when positive, installs the timeout processor.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`

	// MaxBodyBytes, when positive, installs the body limit processor.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"gte=0"`

	TrustRequestID      bool `mapstructure:"trust_request_id"`
	RejectWhileDraining bool `mapstructure:"reject_while_draining"`

	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups  int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays  int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path" validate:"omitempty,startswith=/"`
}

// RateLimitConfig configures the per-client rate limit.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit" validate:"gte=0"`
	Window  time.Duration `mapstructure:"window" validate:"gte=0"`
}

// CORSConfig configures cross-origin requests.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowOrigins     []string `mapstructure:"allow_origins"`
	AllowOriginRegex string   `mapstructure:"allow_origin_regex"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("request_timeout", 0)
	v.SetDefault("max_body_bytes", 0)
	v.SetDefault("trust_request_id", false)
	v.SetDefault("reject_while_draining", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "thor")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.limit", 100)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("cors.enabled", false)
	v.SetDefault("cors.allow_origins", []string{"*"})
	v.SetDefault("cors.allow_origin_regex", "")
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 600)
}

// Load reads the configuration. path names an optional config file in any
// format viper understands; environment variables such as
// THOR_LOG_LEVEL or THOR_RATE_LIMIT_ENABLED override it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(problems, "; "))
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Logger builds the logger described by the log section.
func (c *Config) Logger() (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:       c.Log.Level,
		Development: c.Log.Development,
		File:        c.Log.File,
		MaxSizeMB:   c.Log.MaxSizeMB,
		MaxBackups:  c.Log.MaxBackups,
		MaxAgeDays:  c.Log.MaxAgeDays,
	})
}

// ToDispatcher maps the configuration to dispatcher.Config.
func (c *Config) ToDispatcher(logger *zap.Logger, collector *metrics.Collector) dispatcher.Config {
	return dispatcher.Config{
		Logger:              logger,
		ShutdownTimeout:     c.ShutdownTimeout,
		TrustRequestID:      c.TrustRequestID,
		RejectWhileDraining: c.RejectWhileDraining,
		Metrics:             collector,
	}
}

// NewDispatcher builds the logger, the metrics collector when enabled, and a
// dispatcher with the configured processors installed.
func (c *Config) NewDispatcher(opts ...dispatcher.Option) (*dispatcher.Dispatcher, error) {
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if c.Metrics.Enabled {
		collector, err = metrics.NewCollector(metrics.Config{Namespace: c.Metrics.Namespace})
		if err != nil {
			return nil, fmt.Errorf("config: metrics: %w", err)
		}
	}

	d := dispatcher.New(c.ToDispatcher(logger, collector), opts...)
	p := d.Pipeline()

	pipeline.Add(p, "request_logging", middleware.RequestLogging, middleware.LoggingConfig{Logger: logger})
	if c.CORS.Enabled {
		pipeline.Add(p, "cors", middleware.CORS, middleware.CORSConfig{
			AllowOrigins:     c.CORS.AllowOrigins,
			AllowOriginRegex: c.CORS.AllowOriginRegex,
			AllowCredentials: c.CORS.AllowCredentials,
			MaxAge:           c.CORS.MaxAge,
		})
	}
	if c.RateLimit.Enabled {
		pipeline.Add(p, "rate_limit", middleware.RateLimit, middleware.RateLimitConfig{
			Limit:  c.RateLimit.Limit,
			Window: c.RateLimit.Window,
			Logger: logger,
		})
	}
	if c.MaxBodyBytes > 0 {
		pipeline.Add(p, "body_limit", middleware.BodyLimit, middleware.BodyLimitConfig{MaxBytes: c.MaxBodyBytes})
	}
	if c.RequestTimeout > 0 {
		pipeline.Add(p, "timeout", middleware.Timeout, middleware.TimeoutConfig{Timeout: c.RequestTimeout, Logger: logger})
	}

	// Surface processor configuration errors now rather than on the first request.
	if _, err := p.Build(); err != nil {
		return nil, err
	}
	return d, nil
}

// Server returns an http.Server for d listening on Addr. When metrics are
// enabled the registry is exposed on the metrics path.
func (c *Config) Server(d *dispatcher.Dispatcher) *http.Server {
	var handler http.Handler = d
	if collector := d.Metrics(); collector != nil && c.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(c.Metrics.Path, collector.Handler())
		mux.Handle("/", d)
		handler = mux
	}
	return &http.Server{
		Addr:              c.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
