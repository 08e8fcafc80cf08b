// Package config loads service configuration from config.yaml and
// OVERWATCH_-prefixed environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the overwatch service.
type Config struct {
	DataPaths struct {
		DataDir    string `mapstructure:"data_dir"`
		SQLitePath string `mapstructure:"sqlite_path"`
		RulesDir   string `mapstructure:"rules_dir"`
	} `mapstructure:"data_paths"`

	Ingest struct {
		Host      string `mapstructure:"host"`
		Port      int    `mapstructure:"port"`
		RateLimit int    `mapstructure:"rate_limit"` // events per second
	} `mapstructure:"ingest"`

	API struct {
		Host      string `mapstructure:"host"`
		Port      int    `mapstructure:"port"`
		RateLimit struct {
			Requests int           `mapstructure:"requests"`
			Window   time.Duration `mapstructure:"window"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Auth struct {
		Enabled   bool   `mapstructure:"enabled"`
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`

	Redis struct {
		Enabled  bool          `mapstructure:"enabled"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		IndexTTL time.Duration `mapstructure:"index_ttl"`
	} `mapstructure:"redis"`

	Correlation struct {
		// Lookback windows per severity. Zero falls back to the
		// built-in defaults.
		WindowCritical time.Duration `mapstructure:"window_critical"`
		WindowMajor    time.Duration `mapstructure:"window_major"`
		WindowMinor    time.Duration `mapstructure:"window_minor"`
		WindowInfo     time.Duration `mapstructure:"window_info"`
	} `mapstructure:"correlation"`

	SLA struct {
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		// Per-severity overrides in minutes; zero keeps the default
		// policy for that severity.
		AckMinutes     map[string]int `mapstructure:"ack_minutes"`
		ResolveMinutes map[string]int `mapstructure:"resolve_minutes"`
	} `mapstructure:"sla"`

	Notifications struct {
		Workers int  `mapstructure:"workers"`
		Console bool `mapstructure:"console"`
		Webhook struct {
			Enabled bool              `mapstructure:"enabled"`
			URL     string            `mapstructure:"url"`
			Headers map[string]string `mapstructure:"headers"`
			Timeout time.Duration     `mapstructure:"timeout"`
		} `mapstructure:"webhook"`
		Email struct {
			Enabled  bool     `mapstructure:"enabled"`
			Host     string   `mapstructure:"host"`
			Port     int      `mapstructure:"port"`
			From     string   `mapstructure:"from"`
			To       []string `mapstructure:"to"`
			Username string   `mapstructure:"username"`
			Password string   `mapstructure:"password"`
		} `mapstructure:"email"`
	} `mapstructure:"notifications"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // json or console
	} `mapstructure:"logging"`
}

func setDefaults() {
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "")
	viper.SetDefault("data_paths.rules_dir", "")

	viper.SetDefault("ingest.host", "0.0.0.0")
	viper.SetDefault("ingest.port", 8081)
	viper.SetDefault("ingest.rate_limit", 1000)

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.rate_limit.requests", 100)
	viper.SetDefault("api.rate_limit.window", "1m")

	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.jwt_secret", "")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.index_ttl", "1h")

	viper.SetDefault("correlation.window_critical", "60m")
	viper.SetDefault("correlation.window_major", "30m")
	viper.SetDefault("correlation.window_minor", "15m")
	viper.SetDefault("correlation.window_info", "5m")

	viper.SetDefault("sla.sweep_interval", "2s")

	viper.SetDefault("notifications.workers", 2)
	viper.SetDefault("notifications.console", true)
	viper.SetDefault("notifications.webhook.enabled", false)
	viper.SetDefault("notifications.webhook.timeout", "10s")
	viper.SetDefault("notifications.email.enabled", false)
	viper.SetDefault("notifications.email.port", 25)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

func loadFromEnv() {
	viper.SetEnvPrefix("OVERWATCH")
	viper.AutomaticEnv()

	_ = viper.BindEnv("data_paths.data_dir", "OVERWATCH_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "OVERWATCH_SQLITE_PATH")
	_ = viper.BindEnv("data_paths.rules_dir", "OVERWATCH_RULES_DIR")
	_ = viper.BindEnv("auth.jwt_secret", "OVERWATCH_JWT_SECRET")
	_ = viper.BindEnv("redis.addr", "OVERWATCH_REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "OVERWATCH_REDIS_PASSWORD")
}

// LoadConfig loads configuration from config.yaml (working directory or
// ./config) and the environment. A missing file is not an error.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, defaults and env vars apply.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.resolvePaths()
	return &cfg, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	if c.Ingest.Port <= 0 || c.Ingest.Port > 65535 {
		return fmt.Errorf("invalid ingest port %d", c.Ingest.Port)
	}
	if c.API.Port == c.Ingest.Port {
		return fmt.Errorf("api and ingest listeners cannot share port %d", c.API.Port)
	}
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters when auth is enabled")
	}
	if c.SLA.SweepInterval < 0 {
		return fmt.Errorf("sla sweep interval cannot be negative")
	}
	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return fmt.Errorf("webhook notifications enabled without a URL")
	}
	if c.Notifications.Email.Enabled {
		if c.Notifications.Email.Host == "" || c.Notifications.Email.From == "" || len(c.Notifications.Email.To) == 0 {
			return fmt.Errorf("email notifications require host, from, and at least one recipient")
		}
	}
	return nil
}

func (c *Config) resolvePaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
		c.DataPaths.DataDir = dataDir
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = dataDir + "/overwatch.db"
	}
	if c.DataPaths.RulesDir == "" {
		c.DataPaths.RulesDir = dataDir + "/rules"
	}
}
