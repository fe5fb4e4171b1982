package cache

import (
	"time"

	"github.com/richardartoul/imgcache/telemetry"
)

// Stats is a read-only view of cache state.
type Stats struct {
	DiskUsageBytes int64
	MaxDiskBytes   int64
	// UsageRatio is DiskUsageBytes / MaxDiskBytes.
	UsageRatio    float64
	DiskFileCount int64

	MemoryBytes     int64
	MemoryCount     int
	MaxMemoryBytes  int64
	MemoryEvictions int64

	MemoryHits    int64
	DiskHits      int64
	Misses        int64
	Fetches       int64
	Optimizations int64
	Errors        int64
	Evictions     int64
	BytesFetched  int64
	HitRate       float64
	ErrorsByKind  map[string]int64

	FetchP50 time.Duration
	FetchP99 time.Duration
}

// Stats returns a snapshot of usage and counters.
func (c *Cache) Stats() Stats {
	snap := c.counters.Snapshot()
	_, _, memEvictions := c.mem.Stats()

	byKind := make(map[string]int64, len(snap.ByFailure))
	for k, v := range snap.ByFailure {
		byKind[string(k)] = v
	}

	s := Stats{
		DiskUsageBytes:  c.disk.Size(),
		MaxDiskBytes:    c.disk.MaxBytes(),
		DiskFileCount:   c.disk.Count(),
		MemoryBytes:     c.mem.Size(),
		MemoryCount:     c.mem.Len(),
		MaxMemoryBytes:  c.cfg.Budget.MaxMemoryBytes,
		MemoryEvictions: memEvictions,
		MemoryHits:      snap.MemoryHits,
		DiskHits:        snap.DiskHits,
		Misses:          snap.Misses,
		Fetches:         snap.Fetches,
		Optimizations:   snap.Optimizations,
		Errors:          snap.Errors,
		Evictions:       snap.Evictions,
		BytesFetched:    snap.BytesIn,
		HitRate:         snap.HitRate(),
		ErrorsByKind:    byKind,
		FetchP50:        c.latency.Quantile(0.5),
		FetchP99:        c.latency.Quantile(0.99),
	}
	if s.MaxDiskBytes > 0 {
		s.UsageRatio = float64(s.DiskUsageBytes) / float64(s.MaxDiskBytes)
	}
	return s
}

// ErrorCount returns the number of failures of the given kind.
func (s Stats) ErrorCount(f telemetry.Failure) int64 {
	return s.ErrorsByKind[string(f)]
}
