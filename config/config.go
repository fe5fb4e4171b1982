// Package config loads imgcache settings from a TOML file. Environment
// variables and command-line flags are layered on top by the imgcache
// command.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/richardartoul/imgcache/backends"
	"github.com/richardartoul/imgcache/cache"
	"github.com/richardartoul/imgcache/variant"
)

// Dedupe modes.
const (
	DedupeMemory       = "memory"
	DedupeSingleflight = "singleflight"
	DedupeFSLock       = "fslock"
	DedupeNoop         = "noop"
)

// Config is the complete imgcache configuration.
type Config struct {
	Cache    Cache    `toml:"cache"`
	Origin   Origin   `toml:"origin"`
	Prefetch Prefetch `toml:"prefetch"`
	Logging  Logging  `toml:"logging"`
	Metrics  Metrics  `toml:"metrics"`
}

// Cache holds tier budgets and processing limits.
type Cache struct {
	Dir                   string   `toml:"dir"`
	MaxMemoryBytes        int64    `toml:"max_memory_bytes"`
	MaxMemoryCount        int      `toml:"max_memory_count"`
	MaxDiskBytes          int64    `toml:"max_disk_bytes"`
	CleanupTargetRatio    float64  `toml:"cleanup_target_ratio"`
	MaxConcurrentIO       int64    `toml:"max_concurrent_io"`
	MaxConcurrentOptimize int      `toml:"max_concurrent_optimize"`
	PreserveOriginal      []string `toml:"preserve_original"`
	Dedupe                string   `toml:"dedupe"`
	LockDir               string   `toml:"lock_dir"`
	BackgroundFetchRate   float64  `toml:"background_fetch_rate"`
	BackgroundFetchBurst  int      `toml:"background_fetch_burst"`
	// EfficientCodec registers the WebP encoder so variants prefer it.
	EfficientCodec        bool     `toml:"efficient_codec"`
}

// Origin configures where source images come from.
type Origin struct {
	HTTPTimeoutSeconds int      `toml:"http_timeout_seconds"`
	MaxSourceBytes     int64    `toml:"max_source_bytes"`
	UserAgent          string   `toml:"user_agent"`
	File               bool     `toml:"file"`
	FileRoot           string   `toml:"file_root"`
	S3                 bool     `toml:"s3"`
	GCS                bool     `toml:"gcs"`
	ErrorRate          float64  `toml:"error_rate"`
	ErrorFaults        []string `toml:"error_faults"`
}

// Prefetch configures the prefetch scheduler.
type Prefetch struct {
	Concurrency int `toml:"concurrency"`
}

// Logging configures the process logger.
type Logging struct {
	Debug bool `toml:"debug"`
	// Format is "auto", "text" or "json". Auto picks text on a terminal.
	Format string `toml:"format"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Addr string `toml:"addr"`
}

// DefaultCacheDir returns the user cache directory for imgcache.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "imgcache")
	}
	return filepath.Join(os.TempDir(), "imgcache")
}

// Default returns the built-in configuration.
func Default() Config {
	budget := cache.DefaultBudget()
	return Config{
		Cache: Cache{
			Dir:                DefaultCacheDir(),
			MaxMemoryBytes:     budget.MaxMemoryBytes,
			MaxMemoryCount:     budget.MaxMemoryCount,
			MaxDiskBytes:       budget.MaxDiskBytes,
			CleanupTargetRatio: budget.DiskCleanupTargetRatio,
			MaxConcurrentIO:    16,
			Dedupe:             DedupeMemory,
			EfficientCodec:     true,
		},
		Origin: Origin{
			HTTPTimeoutSeconds: 30,
			MaxSourceBytes:     32 << 20,
			UserAgent:          "imgcache/1.0",
			File:               true,
			S3:                 false,
			GCS:                false,
		},
		Prefetch: Prefetch{
			Concurrency: 10,
		},
		Logging: Logging{
			Format: "auto",
		},
	}
}

// Load reads the TOML file at path over the defaults. An empty path
// returns the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("parse config: %s", strict.String())
		}
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Cache.Dir) == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.Cache.MaxMemoryBytes <= 0 {
		return fmt.Errorf("cache.max_memory_bytes must be positive")
	}
	if c.Cache.MaxMemoryCount < 0 {
		return fmt.Errorf("cache.max_memory_count must not be negative")
	}
	if c.Cache.MaxDiskBytes <= 0 {
		return fmt.Errorf("cache.max_disk_bytes must be positive")
	}
	if c.Cache.CleanupTargetRatio <= 0 || c.Cache.CleanupTargetRatio > 1 {
		return fmt.Errorf("cache.cleanup_target_ratio must be in (0,1], got %v", c.Cache.CleanupTargetRatio)
	}
	if c.Cache.BackgroundFetchRate < 0 {
		return fmt.Errorf("cache.background_fetch_rate must not be negative")
	}
	switch c.Cache.Dedupe {
	case DedupeMemory, DedupeSingleflight, DedupeFSLock, DedupeNoop:
	default:
		return fmt.Errorf("cache.dedupe must be one of %s, %s, %s, %s; got %q",
			DedupeMemory, DedupeSingleflight, DedupeFSLock, DedupeNoop, c.Cache.Dedupe)
	}
	if _, err := ParseVariants(c.Cache.PreserveOriginal); err != nil {
		return fmt.Errorf("cache.preserve_original: %w", err)
	}
	if c.Origin.ErrorRate < 0 || c.Origin.ErrorRate > 1 {
		return fmt.Errorf("origin.error_rate must be in [0,1], got %v", c.Origin.ErrorRate)
	}
	if _, err := ParseFaults(c.Origin.ErrorFaults); err != nil {
		return fmt.Errorf("origin.error_faults: %w", err)
	}
	if c.Origin.HTTPTimeoutSeconds < 0 {
		return fmt.Errorf("origin.http_timeout_seconds must not be negative")
	}
	if c.Prefetch.Concurrency <= 0 {
		return fmt.Errorf("prefetch.concurrency must be positive")
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("logging.format must be auto, text or json; got %q", c.Logging.Format)
	}
	return nil
}

// CacheConfig converts the cache section into a cache.Config.
func (c Config) CacheConfig() (cache.Config, error) {
	preserve, err := ParseVariants(c.Cache.PreserveOriginal)
	if err != nil {
		return cache.Config{}, err
	}
	return cache.Config{
		Dir: c.Cache.Dir,
		Budget: cache.Budget{
			MaxMemoryBytes:         c.Cache.MaxMemoryBytes,
			MaxMemoryCount:         c.Cache.MaxMemoryCount,
			MaxDiskBytes:           c.Cache.MaxDiskBytes,
			DiskCleanupTargetRatio: c.Cache.CleanupTargetRatio,
		},
		MaxConcurrentIO:       c.Cache.MaxConcurrentIO,
		MaxConcurrentOptimize: c.Cache.MaxConcurrentOptimize,
		PreserveOriginal:      preserve,
		BackgroundFetchRate:   c.Cache.BackgroundFetchRate,
		BackgroundFetchBurst:  c.Cache.BackgroundFetchBurst,
	}, nil
}

// ParseVariants parses variant names, e.g. from a comma-separated flag.
func ParseVariants(names []string) ([]variant.Variant, error) {
	var out []variant.Variant
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		v, err := variant.Parse(n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ParseFaults parses injected fault names. An empty list means transport
// failures only.
func ParseFaults(names []string) ([]backends.Fault, error) {
	var out []backends.Fault
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		f, err := backends.ParseFault(n)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
