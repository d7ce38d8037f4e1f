// Package config loads the YAML configuration file for the billing service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no explicit path is given.
const DefaultConfigPath = "config.yaml"

// AppConfig carries process-level flags from the command line.
type AppConfig struct {
	ConfigPath string
}

// Config is the root of the YAML configuration file.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig carries the storage DSN. Postgres URLs and SQLite file
// paths are both accepted; the db package detects the dialect.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig controls the optional balance read cache. An empty addr
// disables caching entirely.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig controls service-token verification for the admin API.
type JWTConfig struct {
	Secret     string `yaml:"secret"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

// TTL returns the token lifetime.
func (c JWTConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// LogConfig controls logrus output and file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ResolveConfigPath picks the effective config path: the explicit path, then
// the CREDITLEDGER_CONFIG environment variable, then the default.
func ResolveConfigPath(explicit string) string {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		return trimmed
	}
	if fromEnv := strings.TrimSpace(os.Getenv("CREDITLEDGER_CONFIG")); fromEnv != "" {
		return fromEnv
	}
	return DefaultConfigPath
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	raw, errRead := os.ReadFile(path)
	if errRead != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	var cfg Config
	if errUnmarshal := yaml.Unmarshal(raw, &cfg); errUnmarshal != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}
	cfg.applyDefaults()

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return Config{}, errors.New("config: database.dsn is required")
	}
	return cfg, nil
}

// LoadDatabaseDSN loads only the storage DSN, for commands that never start
// the server. The CREDITLEDGER_DSN environment variable wins over the file.
func LoadDatabaseDSN(path string) (string, error) {
	if fromEnv := strings.TrimSpace(os.Getenv("CREDITLEDGER_DSN")); fromEnv != "" {
		return fromEnv, nil
	}
	cfg, errLoad := Load(path)
	if errLoad != nil {
		return "", errLoad
	}
	return cfg.Database.DSN, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8318"
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.JWT.TTLMinutes <= 0 {
		c.JWT.TTLMinutes = 24 * 60
	}
}
