package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Device    DeviceConfig    `mapstructure:"device"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type StorageConfig struct {
	RemindersPath string `mapstructure:"reminders_path"`
	JobsDir       string `mapstructure:"jobs_dir"`
}

type SchedulerConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Tolerance time.Duration `mapstructure:"tolerance"`
	Retention time.Duration `mapstructure:"retention"`
	Horizon   time.Duration `mapstructure:"horizon"`
	Timezone  string        `mapstructure:"timezone"`
}

type GatewayConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	AppID       string        `mapstructure:"app_id"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// DeviceConfig drives the in-process notification platform.
type DeviceConfig struct {
	// Permission is the answer given when the user is prompted: granted, denied or prompt.
	Permission     string `mapstructure:"permission"`
	ExternalUserID string `mapstructure:"external_user_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("storage.reminders_path", "data/reminders.json")
	v.SetDefault("storage.jobs_dir", "data")
	v.SetDefault("scheduler.interval", 30*time.Second)
	v.SetDefault("scheduler.tolerance", 60*time.Second)
	v.SetDefault("scheduler.retention", 24*time.Hour)
	v.SetDefault("scheduler.horizon", 72*time.Hour)
	v.SetDefault("scheduler.timezone", "Local")
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.app_id", "")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("gateway.max_attempts", 3)
	v.SetDefault("gateway.backoff", 500*time.Millisecond)
	v.SetDefault("device.permission", "prompt")
	v.SetDefault("device.external_user_id", "")
}

// LoadConfig reads path if it exists, then applies MEDREMIND_* environment
// overrides (MEDREMIND_GATEWAY_API_KEY for gateway.api_key).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MEDREMIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks scheduler timing and device settings. Missing gateway
// credentials are not an error here; the gateway reports them at startup.
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", s.Interval)
	}
	if s.Tolerance < s.Interval {
		return fmt.Errorf("scheduler.tolerance (%s) must be at least scheduler.interval (%s)", s.Tolerance, s.Interval)
	}
	if s.Retention <= s.Tolerance {
		return fmt.Errorf("scheduler.retention (%s) must exceed scheduler.tolerance (%s)", s.Retention, s.Tolerance)
	}
	if s.Horizon < 0 {
		return fmt.Errorf("scheduler.horizon must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Device.Permission {
	case "granted", "denied", "prompt":
	default:
		return fmt.Errorf("device.permission must be granted, denied or prompt, got %q", c.Device.Permission)
	}
	if c.Gateway.MaxAttempts <= 0 {
		return fmt.Errorf("gateway.max_attempts must be positive")
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" || c.Scheduler.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}
