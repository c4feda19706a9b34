// This file defines the configuration structure for the application.
package config

import (
	// use Viper for loading the config.yml file.
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	Port     int `mapstructure:"port"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Throttle struct {
		StepPercent   float64 `mapstructure:"step_percent"`
		MaxIntervalMS int     `mapstructure:"max_interval_ms"`
	} `mapstructure:"throttle"`
	Gateway struct {
		AuthWindowSeconds int `mapstructure:"auth_window_seconds"`
		HistoryPageSize   int `mapstructure:"history_page_size"`
		InboundPerSecond  int `mapstructure:"inbound_per_second"`
	} `mapstructure:"gateway"`
	ViewGraceMinutes int `mapstructure:"view_grace_minutes"`
}

// ThrottleMaxInterval returns the throttle time window as a duration.
func (c *Config) ThrottleMaxInterval() time.Duration {
	return time.Duration(c.Throttle.MaxIntervalMS) * time.Millisecond
}

// AuthWindow returns the gateway authentication grace window as a duration.
func (c *Config) AuthWindow() time.Duration {
	return time.Duration(c.Gateway.AuthWindowSeconds) * time.Second
}

// ViewGracePeriod returns how long a terminal job's view is retained.
func (c *Config) ViewGracePeriod() time.Duration {
	return time.Duration(c.ViewGraceMinutes) * time.Minute
}

// Load reads configuration from a file named "config.yml" in the
// current directory and unmarshals it into a Config struct.
func Load() (*Config, error) {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or "yaml"
	viper.AddConfigPath(".")      // looking for config in the current directory

	// --- Environment Variable Overrides ---
	// This tells Viper to look for environment variables with a "JOBPULSE_"
	// prefix. e.g., JOBPULSE_DATABASE_PATH overrides the `database.path` key.
	viper.SetEnvPrefix("JOBPULSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("port", 8080)
	viper.SetDefault("database.path", "./jobpulse.db")
	viper.SetDefault("throttle.step_percent", 5.0)
	viper.SetDefault("throttle.max_interval_ms", 2000)
	viper.SetDefault("gateway.auth_window_seconds", 10)
	viper.SetDefault("gateway.history_page_size", 200)
	viper.SetDefault("gateway.inbound_per_second", 20)
	viper.SetDefault("view_grace_minutes", 5)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error and use defaults
		} else {
			// Config file was found but another error was produced
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
