package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	EnvPrefix = "DUMPSEARCH_"

	defaultCatalogURL     = "https://api.bgpkit.com/v3/broker"
	defaultCatalogTimeout = 30 * time.Second
	defaultPageSize       = 1000
	defaultMaxPages       = 10
	defaultDownload       = 10 * time.Minute
	defaultMaxAttempts    = 3
	defaultInitialDelay   = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultLockTTL        = 10 * time.Minute
	defaultHistorySize    = 100
	defaultListen         = ":9100"
	defaultCacheDirName   = "dumpsearch"
)

type CatalogConfig struct {
	URL      string        `yaml:"url" validate:"required,url"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
	PageSize int           `yaml:"page_size" validate:"gt=0"`
	MaxPages int           `yaml:"max_pages" validate:"gt=0"`
}

type CacheConfig struct {
	Dir     string `yaml:"dir"`
	Enabled bool   `yaml:"enabled"`
}

type PipelineConfig struct {
	Concurrency int    `yaml:"concurrency" validate:"gte=0"`
	OrderBy     string `yaml:"order_by" validate:"omitempty,oneof=timestamp prefix peer_address peer_id source_id"`
	Order       string `yaml:"order" validate:"omitempty,oneof=asc desc"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" validate:"gt=0"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gtefield=InitialDelay"`
}

type DownloadConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type RedisConfig struct {
	URL         string        `yaml:"url" validate:"omitempty,url"`
	LockTTL     time.Duration `yaml:"lock_ttl" validate:"gte=0"`
	HistorySize int           `yaml:"history_size" validate:"gte=0"`
}

type Config struct {
	LogLevel string         `yaml:"log_level" validate:"oneof=debug info warn error"`
	Listen   string         `yaml:"listen"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Cache    CacheConfig    `yaml:"cache"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Retry    RetryConfig    `yaml:"retry"`
	Download DownloadConfig `yaml:"download"`
	Redis    RedisConfig    `yaml:"redis"`
}

func (c *Config) SetDefaults() {
	c.LogLevel = LogLevelInfo
	c.Listen = defaultListen

	c.Catalog = CatalogConfig{
		URL:      defaultCatalogURL,
		Timeout:  defaultCatalogTimeout,
		PageSize: defaultPageSize,
		MaxPages: defaultMaxPages,
	}

	c.Cache = CacheConfig{
		Dir:     defaultCacheDir(),
		Enabled: true,
	}

	c.Pipeline = PipelineConfig{}

	c.Retry = RetryConfig{
		MaxAttempts:  defaultMaxAttempts,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
	}

	c.Download = DownloadConfig{Timeout: defaultDownload}

	c.Redis = RedisConfig{
		LockTTL:     defaultLockTTL,
		HistorySize: defaultHistorySize,
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), defaultCacheDirName)
	}

	return filepath.Join(dir, defaultCacheDirName)
}

/*
Load builds the configuration in three layers:
 1. defaults;
 2. the YAML file at path, if it exists;
 3. DUMPSEARCH_* environment variables, after loading .env from the working directory.
*/
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.SetDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"LOG_LEVEL":   &c.LogLevel,
		"LISTEN":      &c.Listen,
		"CATALOG_URL": &c.Catalog.URL,
		"CACHE_DIR":   &c.Cache.Dir,
		"REDIS_URL":   &c.Redis.URL,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CONCURRENCY":  &c.Pipeline.Concurrency,
		"PAGE_SIZE":    &c.Catalog.PageSize,
		"MAX_PAGES":    &c.Catalog.MaxPages,
		"MAX_ATTEMPTS": &c.Retry.MaxAttempts,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("cannot parse %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "CACHE_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("cannot parse %sCACHE_ENABLED: %w", EnvPrefix, err)
		}
		c.Cache.Enabled = b
	}

	return nil
}
