package cache

import (
	"fmt"

	"github.com/richardartoul/imgcache/variant"
)

// Budget bounds the two cache tiers.
type Budget struct {
	MaxMemoryBytes int64
	MaxMemoryCount int
	MaxDiskBytes   int64
	// DiskCleanupTargetRatio is the fraction of MaxDiskBytes a cleanup
	// shrinks the disk tier to.
	DiskCleanupTargetRatio float64
}

// DefaultBudget returns a budget suitable for a single desktop process.
func DefaultBudget() Budget {
	return Budget{
		MaxMemoryBytes:         100 << 20,
		MaxMemoryCount:         500,
		MaxDiskBytes:           500 << 20,
		DiskCleanupTargetRatio: 0.8,
	}
}

// Config configures a Cache.
type Config struct {
	// Dir is the disk tier root.
	Dir    string
	Budget Budget
	// MaxConcurrentIO bounds concurrent disk reads and writes.
	MaxConcurrentIO int64
	// MaxConcurrentOptimize bounds concurrent transcoding passes.
	// Zero means GOMAXPROCS.
	MaxConcurrentOptimize int
	// PreserveOriginal lists variants stored in their source encoding.
	PreserveOriginal []variant.Variant
	// BackgroundFetchRate paces origin fetches made at background priority,
	// in fetches per second. Zero disables pacing.
	BackgroundFetchRate  float64
	BackgroundFetchBurst int
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("cache directory is required")
	}
	b := c.Budget
	if b.MaxMemoryBytes <= 0 {
		return fmt.Errorf("max memory bytes must be positive, got %d", b.MaxMemoryBytes)
	}
	if b.MaxMemoryCount < 0 {
		return fmt.Errorf("max memory count must not be negative, got %d", b.MaxMemoryCount)
	}
	if b.MaxDiskBytes <= 0 {
		return fmt.Errorf("max disk bytes must be positive, got %d", b.MaxDiskBytes)
	}
	if b.DiskCleanupTargetRatio <= 0 || b.DiskCleanupTargetRatio > 1 {
		return fmt.Errorf("disk cleanup target ratio must be in (0,1], got %v", b.DiskCleanupTargetRatio)
	}
	if c.BackgroundFetchRate < 0 {
		return fmt.Errorf("background fetch rate must not be negative, got %v", c.BackgroundFetchRate)
	}
	for _, v := range c.PreserveOriginal {
		if !v.Valid() {
			return fmt.Errorf("unknown variant %d in preserve-original list", int(v))
		}
	}
	return nil
}
