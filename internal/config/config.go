// Package config loads console and job service settings from defaults, an optional YAML file and
// OPSCONSOLE_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/nadmax/opsconsole/internal/logging"
)

const (
	EnvPrefix        = "OPSCONSOLE_"
	ConfigPathEnvVar = "CONFIG_PATH"
)

var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/opsconsole/config.yaml",
}

type (
	Config struct {
		Console    ConsoleConfig    `koanf:"console"`
		JobClient  JobClientConfig  `koanf:"job_client"`
		Auth       AuthConfig       `koanf:"auth"`
		Logging    logging.Config   `koanf:"logging"`
		JobService JobServiceConfig `koanf:"job_service"`
		Redis      RedisConfig      `koanf:"redis"`
		Postgres   PostgresConfig   `koanf:"postgres"`
		Notify     NotifyConfig     `koanf:"notify"`
		Telemetry  TelemetryConfig  `koanf:"telemetry"`

		// Warnings lists adjustments made while loading, such as a poll interval raised to its floor.
		Warnings []string `koanf:"-"`
	}

	ConsoleConfig struct {
		Addr                 string        `koanf:"addr" validate:"required"`
		AutoRefresh          bool          `koanf:"auto_refresh"`
		PollInterval         time.Duration `koanf:"poll_interval" validate:"gt=0"`
		MinPollInterval      time.Duration `koanf:"min_poll_interval" validate:"gt=0"`
		FetchTimeout         time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
		StaleAfter           time.Duration `koanf:"stale_after" validate:"gte=0"`
		AbandonAfter         int           `koanf:"abandon_after" validate:"gte=1"`
		LogTail              int           `koanf:"log_tail" validate:"gte=1,lte=500"`
		NotificationCapacity int           `koanf:"notification_capacity" validate:"gte=1"`
		RateLimit            int           `koanf:"rate_limit" validate:"gte=0"`
		RateLimitWindow      time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
		ShutdownTimeout      time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	}

	JobClientConfig struct {
		BaseURL         string        `koanf:"base_url" validate:"required,url"`
		Token           string        `koanf:"token"`
		Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
		BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
		BreakerCooldown time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`
	}

	AuthConfig struct {
		JWTSecret   string        `koanf:"jwt_secret" validate:"required,min=16"`
		TokenExpiry time.Duration `koanf:"token_expiry" validate:"gt=0"`
	}

	JobServiceConfig struct {
		Addr            string        `koanf:"addr" validate:"required"`
		Workers         int           `koanf:"workers" validate:"gte=1,lte=64"`
		DequeueInterval time.Duration `koanf:"dequeue_interval" validate:"gt=0"`
		StepDelay       time.Duration `koanf:"step_delay" validate:"gte=0"`
		RetentionPeriod time.Duration `koanf:"retention_period" validate:"gte=0"`
		ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	}

	RedisConfig struct {
		Addr     string `koanf:"addr" validate:"required,hostname_port"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db" validate:"gte=0"`
	}

	// PostgresConfig enables operation history when DSN is set.
	PostgresConfig struct {
		DSN string `koanf:"dsn"`
	}

	// NotifyConfig enables failure emails when SendGridAPIKey is set.
	NotifyConfig struct {
		SendGridAPIKey string   `koanf:"sendgrid_api_key"`
		FromEmail      string   `koanf:"from_email" validate:"omitempty,email"`
		FromName       string   `koanf:"from_name"`
		Recipients     []string `koanf:"recipients" validate:"dive,email"`
	}

	TelemetryConfig struct {
		DiskPath      string  `koanf:"disk_path" validate:"required"`
		LinkSpeedMbps float64 `koanf:"link_speed_mbps" validate:"gt=0"`
	}
)

func defaultConfig() *Config {
	return &Config{
		Console: ConsoleConfig{
			Addr:                 ":8080",
			AutoRefresh:          true,
			PollInterval:         5 * time.Second,
			MinPollInterval:      time.Second,
			FetchTimeout:         10 * time.Second,
			StaleAfter:           30 * time.Second,
			AbandonAfter:         6,
			LogTail:              10,
			NotificationCapacity: 50,
			RateLimit:            120,
			RateLimitWindow:      time.Minute,
			ShutdownTimeout:      10 * time.Second,
		},
		JobClient: JobClientConfig{
			BaseURL:         "http://localhost:8090",
			Timeout:         10 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Auth: AuthConfig{
			TokenExpiry: 12 * time.Hour,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		JobService: JobServiceConfig{
			Addr:            ":8090",
			Workers:         2,
			DequeueInterval: time.Second,
			StepDelay:       2 * time.Second,
			RetentionPeriod: 24 * time.Hour,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Notify: NotifyConfig{
			FromName:   "Maintenance Console",
			Recipients: []string{},
		},
		Telemetry: TelemetryConfig{
			DiskPath:      "/",
			LinkSpeedMbps: 1000,
		},
	}
}

// Load layers defaults, the first config file found and OPSCONSOLE_ environment variables, then validates.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path skips the file layer.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitList(k, "notify.recipients"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// OPSCONSOLE_CONSOLE__POLL_INTERVAL -> console.poll_interval
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func splitList(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok {
		return nil
	}

	parts := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if err := k.Set(path, parts); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and raises a poll interval below the floor to the floor.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Console.PollInterval < c.Console.MinPollInterval {
		c.Warnings = append(c.Warnings, fmt.Sprintf("console.poll_interval %s is below the %s floor, using %s",
			c.Console.PollInterval, c.Console.MinPollInterval, c.Console.MinPollInterval))
		c.Console.PollInterval = c.Console.MinPollInterval
	}
	if c.Notify.SendGridAPIKey != "" && c.Notify.FromEmail == "" {
		return fmt.Errorf("notify.from_email is required when notify.sendgrid_api_key is set")
	}

	return nil
}
