// Package cache is the image cache facade. A lookup checks the memory
// tier, then (inside a single-flight unit per key) the disk tier, and
// finally fetches from the origin, optimizes the bytes and populates both
// tiers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/richardartoul/imgcache/backends"
	"github.com/richardartoul/imgcache/dedupe"
	"github.com/richardartoul/imgcache/diskcache"
	"github.com/richardartoul/imgcache/keys"
	"github.com/richardartoul/imgcache/memcache"
	"github.com/richardartoul/imgcache/optimize"
	"github.com/richardartoul/imgcache/telemetry"
	"github.com/richardartoul/imgcache/variant"
)

// ErrNotFound is returned when no tier holds the image and the origin has
// nothing for it.
var ErrNotFound = errors.New("image not found")

// Optimizer transcodes source bytes for a variant. *optimize.Pipeline is
// the standard implementation.
type Optimizer interface {
	Optimize(ctx context.Context, raw []byte, v variant.Variant) (optimize.Result, error)
}

// Cache is a two-tier image cache in front of an origin backend.
type Cache struct {
	cfg       Config
	backend   backends.Backend
	policy    variant.Policy
	keys      *keys.Codec
	mem       *memcache.LRU
	disk      *diskcache.Store
	group     dedupe.Group
	optimizer Optimizer
	encoders  *optimize.Encoders
	limiter   *rate.Limiter
	logger    *slog.Logger

	sink     telemetry.Sink
	extra    telemetry.Sink
	counters *telemetry.Counters
	latency  *telemetry.Sketch

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgMu     sync.Mutex
	bgWG     sync.WaitGroup
	closed   bool
	cleaning atomic.Bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithTelemetry adds a sink that receives every cache event.
func WithTelemetry(s telemetry.Sink) Option {
	return func(c *Cache) { c.extra = s }
}

// WithGroup sets the request coalescing strategy.
func WithGroup(g dedupe.Group) Option {
	return func(c *Cache) { c.group = g }
}

// WithOptimizer replaces the transcoding pipeline. The optimizer should
// encode with the same variant policy the cache derives keys from.
func WithOptimizer(o Optimizer) Option {
	return func(c *Cache) { c.optimizer = o }
}

// WithBackgroundLimiter paces background-priority origin fetches.
func WithBackgroundLimiter(l *rate.Limiter) Option {
	return func(c *Cache) { c.limiter = l }
}

// WithEncoders sets the encoder registry. Whether it can encode the
// efficient codec decides the output format of every variant.
func WithEncoders(e *optimize.Encoders) Option {
	return func(c *Cache) { c.encoders = e }
}

// New creates a Cache rooted at cfg.Dir.
func New(cfg Config, backend backends.Backend, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}

	c := &Cache{
		cfg:     cfg,
		backend: backend,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.encoders == nil {
		c.encoders = optimize.DefaultEncoders
	}
	if c.group == nil {
		c.group = dedupe.NewCoordinator()
	}
	if c.limiter == nil && cfg.BackgroundFetchRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.BackgroundFetchRate), max(1, cfg.BackgroundFetchBurst))
	}

	c.policy = variant.NewPolicy(
		c.encoders.CanEncode(variant.CodecEfficient),
		variant.PreserveOriginal(cfg.PreserveOriginal...),
	)
	c.keys = keys.New(c.policy)
	if c.optimizer == nil {
		c.optimizer = optimize.New(c.policy,
			optimize.WithEncoders(c.encoders),
			optimize.WithMaxConcurrent(cfg.MaxConcurrentOptimize))
	}

	latency, err := telemetry.NewSketch(0.01)
	if err != nil {
		return nil, err
	}
	c.latency = latency
	c.counters = telemetry.NewCounters()
	c.sink = telemetry.Multi(c.counters, c.latency, c.extra)

	c.mem = memcache.New(cfg.Budget.MaxMemoryBytes, cfg.Budget.MaxMemoryCount)
	disk, err := diskcache.Open(diskcache.Config{
		Root:               cfg.Dir,
		MaxBytes:           cfg.Budget.MaxDiskBytes,
		CleanupTargetRatio: cfg.Budget.DiskCleanupTargetRatio,
		MaxConcurrentIO:    cfg.MaxConcurrentIO,
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open disk cache: %w", err)
	}
	c.disk = disk

	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())

	c.logger.Info("cache opened",
		"dir", cfg.Dir,
		"disk_bytes", disk.Size(),
		"disk_files", disk.Count(),
		"efficient_codec", c.policy.EfficientSupported())

	// A previous run may have left the disk tier over budget.
	c.CleanupIfOverBudget()
	return c, nil
}

// Policy returns the variant policy keys and outputs are derived from.
func (c *Cache) Policy() variant.Policy {
	return c.policy
}

// Key returns the cache key for url rendered as v.
func (c *Cache) Key(url string, v variant.Variant) (string, error) {
	return c.keys.KeyFor(url, v)
}

// DiskPath returns the path of the disk entry for url rendered as v, and
// whether it exists.
func (c *Cache) DiskPath(url string, v variant.Variant) (string, bool) {
	key, err := c.keys.KeyFor(url, v)
	if err != nil {
		return "", false
	}
	return c.disk.Path(key), c.disk.Contains(key)
}

// Get returns the optimized bytes for url rendered as v, or false if they
// could not be produced. It never fails for a missing image; use Resolve
// to learn why a lookup came back empty.
func (c *Cache) Get(ctx context.Context, url string, v variant.Variant) ([]byte, bool) {
	data, err := c.Resolve(ctx, url, v)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Resolve is Get with the failure reason. Errors wrap keys.ErrInvalidURL,
// ErrNotFound, backends.ErrTransport or a context error.
func (c *Cache) Resolve(ctx context.Context, url string, v variant.Variant) ([]byte, error) {
	key, err := c.keys.KeyFor(url, v)
	if err != nil {
		c.emit(telemetry.Event{Kind: telemetry.Error, Variant: v, URL: url, Failure: telemetry.FailureInvalidURL, Err: err})
		return nil, err
	}

	if data, ok := c.mem.Get(key); ok {
		c.emit(telemetry.Event{Kind: telemetry.MemoryHit, Variant: v, Key: key, Bytes: int64(len(data))})
		return data, nil
	}

	data, err, _ := c.group.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		return c.load(ctx, key, url, v)
	})
	return data, err
}

// load runs inside the single-flight unit for key.
func (c *Cache) load(ctx context.Context, key, url string, v variant.Variant) ([]byte, error) {
	// A unit that finished just before this one started may have filled
	// the memory tier.
	if data, ok := c.mem.Get(key); ok {
		c.emit(telemetry.Event{Kind: telemetry.MemoryHit, Variant: v, Key: key, Bytes: int64(len(data))})
		return data, nil
	}

	if data, ok := c.disk.Get(ctx, key); ok {
		c.mem.Put(key, data, int64(len(data)))
		c.emit(telemetry.Event{Kind: telemetry.DiskHit, Variant: v, Key: key, Bytes: int64(len(data))})
		return data, nil
	}
	c.emit(telemetry.Event{Kind: telemetry.Miss, Variant: v, Key: key})

	if err := c.waitBackground(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := c.backend.Fetch(ctx, url)
	c.emit(telemetry.Event{Kind: telemetry.Fetch, Variant: v, Key: key, URL: url, Bytes: int64(len(raw)), Duration: time.Since(start), Err: err})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if backends.IsNotFound(err) {
			c.emit(telemetry.Event{Kind: telemetry.Error, Variant: v, Key: key, URL: url, Failure: telemetry.FailureNotFound, Err: err})
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		c.emit(telemetry.Event{Kind: telemetry.Error, Variant: v, Key: key, URL: url, Failure: telemetry.FailureTransport, Err: err})
		return nil, err
	}
	if len(raw) == 0 {
		c.emit(telemetry.Event{Kind: telemetry.Error, Variant: v, Key: key, URL: url, Failure: telemetry.FailureNotFound})
		return nil, fmt.Errorf("%w: empty response for %s", ErrNotFound, url)
	}

	data, err := c.optimizeOrRaw(ctx, key, url, raw, v)
	if err != nil {
		return nil, err
	}

	c.mem.Put(key, data, int64(len(data)))
	if err := c.disk.Put(ctx, key, data); err != nil {
		// Not persisted this time; the caller still gets the bytes.
		c.logger.Warn("failed to persist cache entry", "key", key, "error", err)
		c.emit(telemetry.Event{Kind: telemetry.Error, Variant: v, Key: key, URL: url, Failure: telemetry.FailureStorage, Err: err})
		return data, nil
	}
	c.CleanupIfOverBudget()
	return data, nil
}

// optimizeOrRaw transcodes raw, falling back to raw itself when the
// pipeline cannot decode or encode it.
func (c *Cache) optimizeOrRaw(ctx context.Context, key, url string, raw []byte, v variant.Variant) ([]byte, error) {
	start := time.Now()
	res, err := c.optimizer.Optimize(ctx, raw, v)
	c.emit(telemetry.Event{Kind: telemetry.Optimize, Variant: v, Key: key, Bytes: int64(len(res.Data)), Duration: time.Since(start), Err: err})

	switch {
	case err == nil:
		return res.Data, nil
	case errors.Is(err, optimize.ErrEncode):
		c.emit(telemetry.Event{Kind: telemetry.Error, Variant: v, Key: key, URL: url, Failure: telemetry.FailureEncode, Err: err})
		if len(res.Data) > 0 {
			return res.Data, nil
		}
		return raw, nil
	case errors.Is(err, optimize.ErrDecode):
		c.emit(telemetry.Event{Kind: telemetry.Error, Variant: v, Key: key, URL: url, Failure: telemetry.FailureDecode, Err: err})
		return raw, nil
	default:
		// Cancellation while waiting for a transcoding slot.
		return nil, err
	}
}

// waitBackground paces background-priority fetches. A unit that a
// foreground caller joins stops waiting immediately.
func (c *Cache) waitBackground(ctx context.Context) error {
	if c.limiter == nil || dedupe.PriorityFrom(ctx) != dedupe.Background {
		return nil
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return nil
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-dedupe.Promoted(ctx):
		r.Cancel()
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Preload warms the cache for url in the background, discarding the result.
func (c *Cache) Preload(url string, v variant.Variant) {
	c.goBackground(func(ctx context.Context) {
		ctx = dedupe.WithPriority(ctx, dedupe.Background)
		if _, err := c.Resolve(ctx, url, v); err != nil {
			c.logger.Debug("preload failed", "url", url, "variant", v.String(), "error", err)
		}
	})
}

// PreloadAll calls Preload for every url.
func (c *Cache) PreloadAll(urls []string, v variant.Variant) {
	for _, u := range urls {
		c.Preload(u, v)
	}
}

// Contains reports whether either tier holds url rendered as v. It never
// touches the network.
func (c *Cache) Contains(url string, v variant.Variant) bool {
	key, err := c.keys.KeyFor(url, v)
	if err != nil {
		return false
	}
	return c.mem.Contains(key) || c.disk.Contains(key)
}

// ClearMemory drops every memory entry. It is the response to memory
// pressure.
func (c *Cache) ClearMemory() {
	c.mem.Clear()
	c.logger.Info("memory cache cleared")
}

// ClearDisk deletes every disk entry.
func (c *Cache) ClearDisk(ctx context.Context) error {
	if err := c.disk.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to clear disk cache: %w", err)
	}
	c.logger.Info("disk cache cleared")
	return nil
}

// ClearAll clears both tiers.
func (c *Cache) ClearAll(ctx context.Context) error {
	c.ClearMemory()
	return c.ClearDisk(ctx)
}

// CleanupIfOverBudget starts an asynchronous disk cleanup when the disk
// tier is over budget. At most one cleanup runs at a time.
func (c *Cache) CleanupIfOverBudget() {
	if !c.disk.OverBudget() {
		return
	}
	if !c.cleaning.CompareAndSwap(false, true) {
		return
	}
	started := c.goBackground(func(ctx context.Context) {
		removed := c.evict(ctx)
		c.cleaning.Store(false)
		if removed {
			// Writes that landed while the cleanup ran may have pushed the
			// tier over budget again.
			c.CleanupIfOverBudget()
		}
	})
	if !started {
		c.cleaning.Store(false)
	}
}

// evict runs one cleanup and reports whether it removed anything.
func (c *Cache) evict(ctx context.Context) bool {
	start := time.Now()
	res, err := c.disk.EvictToTarget(ctx)
	if err != nil {
		c.logger.Warn("disk cleanup failed", "error", err)
		c.emit(telemetry.Event{Kind: telemetry.Error, Failure: telemetry.FailureStorage, Err: err})
		return false
	}
	if res.Skipped {
		c.logger.Debug("disk cleanup skipped, another process holds the lock")
		return false
	}
	c.logger.Info("disk cleanup completed",
		"removed", res.Removed,
		"freed_bytes", res.FreedBytes,
		"failed", res.Failed,
		"disk_bytes", c.disk.Size(),
		"duration", time.Since(start))
	c.emit(telemetry.Event{Kind: telemetry.Eviction, Bytes: res.FreedBytes, Duration: time.Since(start)})
	return res.Removed > 0
}

// Cleaning reports whether a disk cleanup is running.
func (c *Cache) Cleaning() bool {
	return c.cleaning.Load()
}

// goBackground runs fn on the cache's background context unless the cache
// is closed.
func (c *Cache) goBackground(fn func(ctx context.Context)) bool {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.closed {
		return false
	}
	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()
		fn(c.bgCtx)
	}()
	return true
}

func (c *Cache) emit(e telemetry.Event) {
	c.sink.Emit(e)
}

// Close cancels background work, waits for it and releases the disk tier.
// It does not close the backend.
func (c *Cache) Close() error {
	c.bgMu.Lock()
	if c.closed {
		c.bgMu.Unlock()
		return nil
	}
	c.closed = true
	c.bgMu.Unlock()

	c.bgCancel()
	c.bgWG.Wait()
	return c.disk.Close()
}
