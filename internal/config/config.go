// Package config provides layered configuration loading for shelf.
// It merges Defaults -> Environment Variables, then validates the result.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/shelf/internal/app"
)

// EnvPrefix is stripped from environment variable names, e.g.
// SHELF_DATA_DIR -> data_dir.
const EnvPrefix = "SHELF_"

// databaseFile is the SQLite file under DataDir shared by progress and metrics.
const databaseFile = "shelf.db"

// Limits applied by the Settings methods when a value is not positive.
const (
	SafeMaxCacheSize ByteSize = 100 * MiB
	SafeCacheExpiry           = 7 * 24 * time.Hour
)

var _ app.Settings = (*Config)(nil)

// Config holds the merged runtime configuration.
type Config struct {
	DataDir       string        `koanf:"data_dir" validate:"required,datadir"`
	MaxCacheSize  ByteSize      `koanf:"max_cache_size" validate:"gte=0"`
	ChapterExpiry time.Duration `koanf:"cache_expiry" validate:"gte=0"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	BookCacheSize int           `koanf:"book_cache_size" validate:"gte=1"`
	BookCacheTTL  time.Duration `koanf:"book_cache_ttl" validate:"gt=0"`
	FetchAttempts int           `koanf:"fetch_attempts" validate:"gte=1,lte=10"`
	FetchTimeout  time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
	FetchRate     float64       `koanf:"fetch_rate" validate:"gt=0"`
	FetchBurst    int           `koanf:"fetch_burst" validate:"gte=1"`
	MetricsFlush  time.Duration `koanf:"metrics_flush" validate:"gt=0"`
	LogLevel      string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat     string        `koanf:"log_format" validate:"oneof=json text"`
}

// DefaultAppConfig is the lowest configuration layer.
var DefaultAppConfig = Config{
	DataDir:       "data",
	MaxCacheSize:  SafeMaxCacheSize,
	ChapterExpiry: SafeCacheExpiry,
	SweepInterval: 6 * time.Hour,
	BookCacheSize: 100,
	BookCacheTTL:  30 * time.Minute,
	FetchAttempts: 3,
	FetchTimeout:  30 * time.Second,
	FetchRate:     2,
	FetchBurst:    4,
	MetricsFlush:  10 * time.Second,
	LogLevel:      "info",
	LogFormat:     "json",
}

// The loading stages are package variables so tests can inject failures.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: EnvPrefix,
			TransformFunc: func(key, value string) (string, any) {
				return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
			},
		}), nil)
	}
	registerValidators = func(v *validator.Validate) error {
		return v.RegisterValidation("datadir", validDataDir)
	}
)

// Load builds the Config from defaults and SHELF_* environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				StringToByteSize(),
				mapstructure.StringToTimeDurationHookFunc(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	v := validator.New()
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout >= cfg.BookCacheTTL {
		return nil, errors.New("fetch_timeout must be less than book_cache_ttl")
	}
	return &cfg, nil
}

// validDataDir rejects empty paths, the filesystem root, the working
// directory itself and any path with a parent reference.
func validDataDir(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return false
		}
	}
	clean := filepath.Clean(p)
	return clean != "." && clean != string(filepath.Separator)
}

// DatabasePath returns the SQLite file used for progress and metrics.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, databaseFile) }

// MaxCacheSizeBytes returns the chapter cache cap, or 100 MiB when unset.
func (c *Config) MaxCacheSizeBytes() int64 {
	if c.MaxCacheSize <= 0 {
		return int64(SafeMaxCacheSize)
	}
	return int64(c.MaxCacheSize)
}

// CacheExpiry returns the chapter cache TTL, or 7 days when unset.
func (c *Config) CacheExpiry() time.Duration {
	if c.ChapterExpiry <= 0 {
		return SafeCacheExpiry
	}
	return c.ChapterExpiry
}
