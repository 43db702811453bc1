// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all configuration for the dispatcher.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	TargetURL         string        `mapstructure:"target_url" validate:"required,url"`
	JobsFile          string        `mapstructure:"jobs_file" validate:"required"`
	Namespace         string        `mapstructure:"namespace"`
	ConcurrencyLimit  int           `mapstructure:"concurrency_limit" validate:"min=1"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"min=1"`
	BaseDelay         time.Duration `mapstructure:"base_delay" validate:"min=0"`
	MaxDelay          time.Duration `mapstructure:"max_delay" validate:"min=0"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"min=0"`
	GracePeriod       time.Duration `mapstructure:"grace_period" validate:"min=0"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"min=0"`
	RateLimit         float64       `mapstructure:"rate_limit" validate:"min=0"`
	Schedule          string        `mapstructure:"schedule" validate:"omitempty,cronexpr"`
	MetricsListenAddr string        `mapstructure:"metrics_listen_addr"`
	TraceID           string        `mapstructure:"trace_id"`
	EtcdEndpoints     []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout       time.Duration `mapstructure:"etcd_timeout"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	// Set default values
	viper.SetDefault("namespace", "refresh")
	viper.SetDefault("concurrency_limit", 4)
	viper.SetDefault("max_attempts", 3)
	viper.SetDefault("base_delay", "500ms")
	viper.SetDefault("max_delay", "5s")
	viper.SetDefault("timeout", "0")
	viper.SetDefault("grace_period", "2s")
	viper.SetDefault("request_timeout", "15s")
	viper.SetDefault("jobs_file", "jobs.json")
	viper.SetDefault("etcd_timeout", "5s")

	// Set config file details
	viper.SetConfigName("config")    // name of config file (without extension)
	viper.SetConfigType("yaml")      // or "json", "toml"
	viper.AddConfigPath("./configs") // path to look for the config file in
	viper.AddConfigPath(".")         // optionally look for config in the working directory

	// Read environment variables
	viper.AutomaticEnv()

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; rely on defaults and env vars
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// validate checks the loaded configuration, failing before any job starts.
func validate(cfg *Config) error {
	v := validator.New()

	err := v.RegisterValidation("cronexpr", func(fl validator.FieldLevel) bool {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		_, err := parser.Parse(fl.Field().String())
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("failed to register cron validation: %w", err)
	}

	return v.Struct(cfg)
}
