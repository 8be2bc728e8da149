// Package config loads fieldrec settings.
//
// Sources in increasing precedence: built-in defaults, an optional YAML
// file, FIELDREC_* environment variables. Command-line flags are applied on
// top by the cli package.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "FIELDREC_"

// Config holds all the configuration the service needs.
type Config struct {
	HTTPAddr     string        `yaml:"http_addr"`
	Store        string        `yaml:"store"`
	SQLitePath   string        `yaml:"sqlite_path"`
	PostgresDSN  string        `yaml:"postgres_dsn"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisPrefix  string        `yaml:"redis_prefix"`
	SchemaDir    string        `yaml:"schema_dir"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	LockShards   int           `yaml:"lock_shards"`
	JWTSecret    string        `yaml:"jwt_secret"`
	LogFormat    string        `yaml:"log_format"`
	LogLevel     string        `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:     ":8080",
		Store:        StoreSQLite,
		SQLitePath:   "fieldrec.db",
		RedisAddr:    "127.0.0.1:6379",
		RedisPrefix:  "fieldrec:",
		StoreTimeout: 5 * time.Second,
		LockShards:   256,
		LogFormat:    "text",
		LogLevel:     "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.mergeEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	// Decoding into the populated struct keeps defaults for absent keys.
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) mergeEnv(lookup lookupFunc) error {
	c.HTTPAddr = getEnv(lookup, "HTTP_ADDR", c.HTTPAddr)
	c.Store = getEnv(lookup, "STORE", c.Store)
	c.SQLitePath = getEnv(lookup, "SQLITE_PATH", c.SQLitePath)
	c.PostgresDSN = getEnv(lookup, "POSTGRES_DSN", c.PostgresDSN)
	c.RedisAddr = getEnv(lookup, "REDIS_ADDR", c.RedisAddr)
	c.RedisPrefix = getEnv(lookup, "REDIS_PREFIX", c.RedisPrefix)
	c.SchemaDir = getEnv(lookup, "SCHEMA_DIR", c.SchemaDir)
	c.JWTSecret = getEnv(lookup, "JWT_SECRET", c.JWTSecret)
	c.LogFormat = getEnv(lookup, "LOG_FORMAT", c.LogFormat)
	c.LogLevel = getEnv(lookup, "LOG_LEVEL", c.LogLevel)

	var err error
	if c.StoreTimeout, err = getEnvDuration(lookup, "STORE_TIMEOUT", c.StoreTimeout); err != nil {
		return err
	}
	if c.LockShards, err = getEnvInt(lookup, "LOCK_SHARDS", c.LockShards); err != nil {
		return err
	}
	return nil
}

// Validate checks that the selected backend is fully configured.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite_path is required for the sqlite store"))
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres_dsn is required for the postgres store"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q (want sqlite, memory, postgres or redis)", c.Store))
	}
	if c.StoreTimeout < 0 {
		errs = append(errs, errors.New("store_timeout must not be negative"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (want text or json)", c.LogFormat))
	}
	return errors.Join(errs...)
}

func getEnv(lookup lookupFunc, key, fallback string) string {
	if v, ok := lookup(EnvPrefix + key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(lookup lookupFunc, key string, fallback int) (int, error) {
	v, ok := lookup(EnvPrefix + key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return n, nil
}

func getEnvDuration(lookup lookupFunc, key string, fallback time.Duration) (time.Duration, error) {
	v, ok := lookup(EnvPrefix + key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return d, nil
}
