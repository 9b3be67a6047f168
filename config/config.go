/*
Package config loads runtime settings and builds the process logger.

SOURCES (lowest to highest precedence):
  1. Defaults set below (the binary runs without any file)
  2. configs/config.yaml, or the file named by RENT_CONFIG
  3. .env in the working directory
  4. Environment variables: server.port is SERVER_PORT, redis.addr is
     REDIS_ADDR, and so on

SEE ALSO:
  - logger.go: NewLogger, LogError
  - cmd/server/main.go: Consumer
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const DefaultConfigFile = "configs/config.yaml"

type Config struct {
	Server struct {
		Port               int      `mapstructure:"port"`
		CorsAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
		ShutdownSeconds    int      `mapstructure:"shutdown_seconds"`
	} `mapstructure:"server"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Redis struct {
		Addr     string `mapstructure:"addr"` // Empty keeps locks in-process
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		LockTTL  int    `mapstructure:"lock_ttl_seconds"`
	} `mapstructure:"redis"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // json or text
	} `mapstructure:"log"`

	Billing struct {
		ExpiringHorizonMonths int   `mapstructure:"expiring_horizon_months"`
		PercentagePrecision   int32 `mapstructure:"percentage_precision"`
		LoadDemoData          bool  `mapstructure:"load_demo_data"`
	} `mapstructure:"billing"`
}

// Load reads the configuration. A missing config file is not an error.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	path := os.Getenv("RENT_CONFIG")
	if path == "" {
		path = DefaultConfigFile
	}
	v.SetConfigFile(path)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("server.shutdown_seconds", 30)
	v.SetDefault("database.path", "rent.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl_seconds", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("billing.expiring_horizon_months", 2)
	v.SetDefault("billing.percentage_precision", 2)
	v.SetDefault("billing.load_demo_data", false)
}

func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	case c.Database.Path == "":
		return errors.New("database.path is required")
	case c.Billing.ExpiringHorizonMonths < 0:
		return fmt.Errorf("invalid billing.expiring_horizon_months %d", c.Billing.ExpiringHorizonMonths)
	case c.Billing.PercentagePrecision < 0 || c.Billing.PercentagePrecision > 6:
		return fmt.Errorf("billing.percentage_precision must be within 0..6, got %d", c.Billing.PercentagePrecision)
	}
	return nil
}
