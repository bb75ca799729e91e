package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                 string `yaml:"port"`
	LogLevel             string `yaml:"logLevel"`
	StoreBackend         string `yaml:"storeBackend"`
	DatabaseURL          string `yaml:"databaseURL"`
	SQLitePath           string `yaml:"sqlitePath"`
	RedisAddr            string `yaml:"redisAddr"`
	RedisPassword        string `yaml:"redisPassword"`
	RedisPrefix          string `yaml:"redisPrefix"`
	BooksAPIURL          string `yaml:"booksAPIURL"`
	BooksAPIKey          string `yaml:"booksAPIKey"`
	BooksMaxResults      int    `yaml:"booksMaxResults"`
	BooksTimeoutSeconds  int    `yaml:"booksTimeoutSeconds"`
	PageSize             int    `yaml:"pageSize"`
	RetentionMinutes     int    `yaml:"retentionMinutes"`
	SweepIntervalSeconds int    `yaml:"sweepIntervalSeconds"`
	LockTTLSeconds       int    `yaml:"lockTTLSeconds"`
}

// Load reads config from path (defaults to config.yaml), applies
// environment overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				*dst = v
				return
			}
		}
	}
	setInt := func(dst *int, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString(&cfg.Port, "BOOKS_PORT")
	setString(&cfg.LogLevel, "BOOKS_LOG_LEVEL")
	setString(&cfg.StoreBackend, "BOOKS_STORE_BACKEND")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.SQLitePath, "BOOKS_SQLITE_PATH")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.RedisPrefix, "BOOKS_REDIS_PREFIX")
	setString(&cfg.BooksAPIURL, "BOOKS_API_URL")
	setString(&cfg.BooksAPIKey, "BOOKS_API_KEY")
	setInt(&cfg.BooksMaxResults, "BOOKS_MAX_RESULTS")
	setInt(&cfg.BooksTimeoutSeconds, "BOOKS_TIMEOUT_SECONDS")
	setInt(&cfg.PageSize, "BOOKS_PAGE_SIZE")
	setInt(&cfg.RetentionMinutes, "BOOKS_RETENTION_MINUTES")
	setInt(&cfg.SweepIntervalSeconds, "BOOKS_SWEEP_INTERVAL_SECONDS")
	setInt(&cfg.LockTTLSeconds, "BOOKS_LOCK_TTL_SECONDS")
}

func applyDefaults(cfg *FileConfig) {
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendMemory
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 5
	}
	if cfg.BooksTimeoutSeconds == 0 {
		cfg.BooksTimeoutSeconds = 10
	}
	if cfg.SweepIntervalSeconds == 0 {
		cfg.SweepIntervalSeconds = 60
	}
	if cfg.LockTTLSeconds == 0 {
		cfg.LockTTLSeconds = 30
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres backend (set in config.yaml or DATABASE_URL)")
		}
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			return errors.New("config: sqlitePath is required for the sqlite backend (set in config.yaml)")
		}
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis backend (set in config.yaml or REDIS_ADDR)")
		}
	default:
		return fmt.Errorf("config: unknown storeBackend %q", cfg.StoreBackend)
	}
	if cfg.PageSize < 1 {
		return errors.New("config: pageSize must be positive")
	}
	if cfg.BooksMaxResults < 0 || cfg.BooksMaxResults > 40 {
		return errors.New("config: booksMaxResults must be at most 40")
	}
	if cfg.BooksTimeoutSeconds < 0 || cfg.RetentionMinutes < 0 || cfg.SweepIntervalSeconds < 0 || cfg.LockTTLSeconds < 0 {
		return errors.New("config: durations must not be negative")
	}
	return nil
}

func (c FileConfig) BooksTimeout() time.Duration {
	return time.Duration(c.BooksTimeoutSeconds) * time.Second
}

// Retention is zero when eviction is disabled.
func (c FileConfig) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

func (c FileConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c FileConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}
