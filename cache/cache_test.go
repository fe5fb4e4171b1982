package cache

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/webp"
	"golang.org/x/time/rate"

	"github.com/richardartoul/imgcache/backends"
	"github.com/richardartoul/imgcache/dedupe"
	"github.com/richardartoul/imgcache/keys"
	"github.com/richardartoul/imgcache/optimize"
	"github.com/richardartoul/imgcache/telemetry"
	"github.com/richardartoul/imgcache/variant"
)

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

// origin is a fake backend that counts fetches and can block them.
type origin struct {
	mu      sync.Mutex
	images  map[string][]byte
	fetches atomic.Int32
	gate    chan struct{}
	err     error
}

func newOrigin() *origin {
	return &origin{images: make(map[string][]byte)}
}

func (o *origin) Fetch(ctx context.Context, url string) ([]byte, error) {
	o.fetches.Add(1)
	o.mu.Lock()
	gate, err, data := o.gate, o.err, o.images[url]
	o.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %w: %s", backends.ErrTransport, backends.ErrNotFound, url)
	}
	return data, nil
}

func (o *origin) Close() error { return nil }

func (o *origin) set(url string, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.images[url] = data
}

// countingOptimizer wraps an Optimizer and counts calls.
type countingOptimizer struct {
	inner Optimizer
	calls atomic.Int32
}

func (c *countingOptimizer) Optimize(ctx context.Context, raw []byte, v variant.Variant) (optimize.Result, error) {
	c.calls.Add(1)
	return c.inner.Optimize(ctx, raw, v)
}

// fixedOptimizer returns size bytes for every input.
type fixedOptimizer struct {
	size int
}

func (f fixedOptimizer) Optimize(ctx context.Context, raw []byte, v variant.Variant) (optimize.Result, error) {
	return optimize.Result{Data: bytes.Repeat([]byte{'x'}, f.size), Codec: variant.CodecUniversal}, nil
}

func testConfig(t *testing.T) Config {
	return Config{
		Dir:    t.TempDir(),
		Budget: DefaultBudget(),
	}
}

func newTestCache(t *testing.T, cfg Config, b backends.Backend, opts ...Option) *Cache {
	t.Helper()
	c, err := New(cfg, b, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGet_ColdCacheScenario(t *testing.T) {
	o := newOrigin()
	o.set("https://x/img.jpg", pngImage(t, 640, 480))
	opt := &countingOptimizer{inner: optimize.New(variant.NewPolicy(false))}
	c := newTestCache(t, testConfig(t), o, WithOptimizer(opt), WithEncoders(optimize.NewEncoders()))

	first, ok := c.Get(context.Background(), "https://x/img.jpg", variant.Thumbnail)
	require.True(t, ok)
	assert.Equal(t, int32(1), o.fetches.Load())
	assert.Equal(t, int32(1), opt.calls.Load())

	key, err := c.Key("https://x/img.jpg", variant.Thumbnail)
	require.NoError(t, err)
	assert.Equal(t, "thumbnails/", key[:len("thumbnails/")])
	assert.True(t, c.mem.Contains(key))
	assert.True(t, c.disk.Contains(key))

	cfg, format, err := image.DecodeConfig(bytes.NewReader(first))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 120, cfg.Width)
	assert.Equal(t, 90, cfg.Height)

	second, ok := c.Get(context.Background(), "https://x/img.jpg", variant.Thumbnail)
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), o.fetches.Load())
	assert.Equal(t, int32(1), opt.calls.Load())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Fetches)
	assert.Equal(t, int64(1), stats.DiskFileCount)
	assert.Equal(t, int64(len(first)), stats.DiskUsageBytes)
}

func TestGet_ColdCacheScenarioWebP(t *testing.T) {
	o := newOrigin()
	o.set("https://x/img.jpg", pngImage(t, 640, 480))
	encoders := optimize.NewEncoders()
	encoders.Register(variant.CodecEfficient, optimize.WebPEncoder())
	c := newTestCache(t, testConfig(t), o, WithEncoders(encoders))
	require.True(t, c.Policy().EfficientSupported())

	data, ok := c.Get(context.Background(), "https://x/img.jpg", variant.Thumbnail)
	require.True(t, ok)

	key, err := c.Key("https://x/img.jpg", variant.Thumbnail)
	require.NoError(t, err)
	assert.Regexp(t, `^thumbnails/[0-9a-f]+\.webp$`, key)
	assert.True(t, c.disk.Contains(key))

	cfg, err := webp.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Width)
	assert.Equal(t, 90, cfg.Height)

	onDisk, err := os.ReadFile(c.disk.Path(key))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}

func TestGet_SingleFlight(t *testing.T) {
	o := newOrigin()
	o.set("https://x/a.png", pngImage(t, 300, 300))
	o.gate = make(chan struct{})
	opt := &countingOptimizer{inner: optimize.New(variant.NewPolicy(false))}
	c := newTestCache(t, testConfig(t), o, WithOptimizer(opt), WithEncoders(optimize.NewEncoders()))

	const n = 25
	var wg sync.WaitGroup
	results := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, ok := c.Get(context.Background(), "https://x/a.png", variant.Medium)
			assert.True(t, ok)
			results[i] = data
		}(i)
	}
	require.Eventually(t, func() bool { return o.fetches.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(o.gate)
	wg.Wait()

	assert.Equal(t, int32(1), o.fetches.Load())
	assert.Equal(t, int32(1), opt.calls.Load())
	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestGet_TierPromotion(t *testing.T) {
	o := newOrigin()
	o.set("https://x/a.png", pngImage(t, 50, 50))
	c := newTestCache(t, testConfig(t), o)

	_, ok := c.Get(context.Background(), "https://x/a.png", variant.Full)
	require.True(t, ok)

	c.ClearMemory()
	key, _ := c.Key("https://x/a.png", variant.Full)
	require.False(t, c.mem.Contains(key))

	_, ok = c.Get(context.Background(), "https://x/a.png", variant.Full)
	require.True(t, ok)
	assert.True(t, c.mem.Contains(key), "disk hit promotes into memory")
	assert.Equal(t, int32(1), o.fetches.Load())

	_, ok = c.Get(context.Background(), "https://x/a.png", variant.Full)
	require.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.DiskHits)
	assert.Equal(t, int64(1), stats.MemoryHits)
}

func TestGet_VariantsAreIndependent(t *testing.T) {
	o := newOrigin()
	o.set("https://x/a.png", pngImage(t, 1000, 1000))
	c := newTestCache(t, testConfig(t), o)

	thumb, ok := c.Get(context.Background(), "https://x/a.png", variant.Thumbnail)
	require.True(t, ok)
	medium, ok := c.Get(context.Background(), "https://x/a.png", variant.Medium)
	require.True(t, ok)

	assert.NotEqual(t, thumb, medium)
	assert.Equal(t, int32(2), o.fetches.Load())
	assert.True(t, c.Contains("https://x/a.png", variant.Thumbnail))
	assert.False(t, c.Contains("https://x/a.png", variant.Full))
}

func TestGet_InvalidURL(t *testing.T) {
	o := newOrigin()
	c := newTestCache(t, testConfig(t), o)

	data, ok := c.Get(context.Background(), "not a url", variant.Thumbnail)
	assert.False(t, ok)
	assert.Nil(t, data)
	assert.Equal(t, int32(0), o.fetches.Load())

	_, err := c.Resolve(context.Background(), "", variant.Thumbnail)
	assert.ErrorIs(t, err, keys.ErrInvalidURL)
	assert.Equal(t, int64(2), c.Stats().ErrorCount(telemetry.FailureInvalidURL))
	assert.False(t, c.Contains("not a url", variant.Thumbnail))
}

func TestGet_TransportFailureIsNotCached(t *testing.T) {
	o := newOrigin()
	o.err = fmt.Errorf("%w: connection reset", backends.ErrTransport)
	c := newTestCache(t, testConfig(t), o)

	_, err := c.Resolve(context.Background(), "https://x/a.png", variant.Thumbnail)
	assert.ErrorIs(t, err, backends.ErrTransport)
	assert.False(t, c.Contains("https://x/a.png", variant.Thumbnail))

	o.mu.Lock()
	o.err = nil
	o.mu.Unlock()
	o.set("https://x/a.png", pngImage(t, 10, 10))

	_, ok := c.Get(context.Background(), "https://x/a.png", variant.Thumbnail)
	assert.True(t, ok)
	assert.Equal(t, int32(2), o.fetches.Load(), "no negative caching")
	assert.Equal(t, int64(1), c.Stats().ErrorCount(telemetry.FailureTransport))
}

func TestGet_NotFound(t *testing.T) {
	c := newTestCache(t, testConfig(t), newOrigin())

	_, err := c.Resolve(context.Background(), "https://x/missing.png", variant.Medium)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(1), c.Stats().ErrorCount(telemetry.FailureNotFound))
}

func TestGet_UndecodableSourceReturnsRaw(t *testing.T) {
	o := newOrigin()
	o.set("https://x/a.heic", []byte("opaque bytes"))
	c := newTestCache(t, testConfig(t), o)

	data, ok := c.Get(context.Background(), "https://x/a.heic", variant.Thumbnail)
	require.True(t, ok)
	assert.Equal(t, "opaque bytes", string(data))
	assert.Equal(t, int64(1), c.Stats().ErrorCount(telemetry.FailureDecode))
}

func TestGet_StorageFailureStillReturnsBytes(t *testing.T) {
	o := newOrigin()
	o.set("https://x/a.png", pngImage(t, 10, 10))
	cfg := testConfig(t)
	c := newTestCache(t, cfg, o)

	// Replace the namespace directory with a file so writes fail.
	ns := filepath.Join(cfg.Dir, variant.Thumbnail.Namespace())
	require.NoError(t, os.RemoveAll(ns))
	require.NoError(t, os.WriteFile(ns, []byte("blocker"), 0644))

	data, ok := c.Get(context.Background(), "https://x/a.png", variant.Thumbnail)
	require.True(t, ok)
	assert.NotEmpty(t, data)
	assert.Equal(t, int64(1), c.Stats().ErrorCount(telemetry.FailureStorage))

	// Still served from memory.
	_, ok = c.Get(context.Background(), "https://x/a.png", variant.Thumbnail)
	assert.True(t, ok)
	assert.Equal(t, int32(1), o.fetches.Load())
}

func TestCleanupIfOverBudget_RunsAsynchronously(t *testing.T) {
	o := newOrigin()
	cfg := testConfig(t)
	cfg.Budget.MaxDiskBytes = 1000
	cfg.Budget.DiskCleanupTargetRatio = 0.5
	c := newTestCache(t, cfg, o, WithOptimizer(fixedOptimizer{size: 300}))

	for i := 0; i < 6; i++ {
		url := fmt.Sprintf("https://x/%d.png", i)
		o.set(url, []byte("raw"))
		_, ok := c.Get(context.Background(), url, variant.Thumbnail)
		require.True(t, ok)
	}

	// Depending on when the cleanup scanned, later writes may have landed
	// after it; either way the tier ends up back within budget.
	require.Eventually(t, func() bool {
		return !c.Cleaning() && c.Stats().Evictions >= 1 && c.disk.Size() <= 1000
	}, 5*time.Second, 5*time.Millisecond)
	assert.Less(t, c.disk.Count(), int64(6))
}

func TestPreload(t *testing.T) {
	o := newOrigin()
	urls := []string{"https://x/1.png", "https://x/2.png", "https://x/3.png"}
	for _, u := range urls {
		o.set(u, pngImage(t, 20, 20))
	}
	c := newTestCache(t, testConfig(t), o)

	c.PreloadAll(urls, variant.Thumbnail)
	require.Eventually(t, func() bool {
		for _, u := range urls {
			if !c.Contains(u, variant.Thumbnail) {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	// Failures are swallowed.
	c.Preload("https://x/missing.png", variant.Thumbnail)
	c.Preload("::", variant.Thumbnail)
}

func TestForegroundGetPromotesPacedBackgroundFetch(t *testing.T) {
	o := newOrigin()
	o.set("https://x/1.png", pngImage(t, 10, 10))
	o.set("https://x/2.png", pngImage(t, 10, 10))

	group := dedupe.NewCoordinator()
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	c := newTestCache(t, testConfig(t), o, WithGroup(group), WithBackgroundLimiter(limiter))

	// The first background fetch uses the only token.
	c.Preload("https://x/1.png", variant.Thumbnail)
	require.Eventually(t, func() bool { return c.Contains("https://x/1.png", variant.Thumbnail) }, 5*time.Second, time.Millisecond)

	// The second one waits for an hour...
	c.Preload("https://x/2.png", variant.Thumbnail)
	key, err := c.Key("https://x/2.png", variant.Thumbnail)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return group.InFlight(key) }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), o.fetches.Load())

	// ...until a foreground caller needs it.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := c.Resolve(ctx, "https://x/2.png", variant.Thumbnail)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, int32(2), o.fetches.Load())
}

func TestClose_CancelsBackgroundWork(t *testing.T) {
	o := newOrigin()
	o.set("https://x/1.png", pngImage(t, 10, 10))
	o.gate = make(chan struct{})
	c, err := New(testConfig(t), o)
	require.NoError(t, err)

	c.Preload("https://x/1.png", variant.Thumbnail)
	require.Eventually(t, func() bool { return o.fetches.Load() == 1 }, 5*time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not cancel the pending preload")
	}

	// Preloads after close are ignored.
	c.Preload("https://x/1.png", variant.Thumbnail)
	assert.NoError(t, c.Close())
}

func TestClearAll(t *testing.T) {
	o := newOrigin()
	o.set("https://x/a.png", pngImage(t, 10, 10))
	c := newTestCache(t, testConfig(t), o)

	_, ok := c.Get(context.Background(), "https://x/a.png", variant.Thumbnail)
	require.True(t, ok)
	require.True(t, c.Contains("https://x/a.png", variant.Thumbnail))

	require.NoError(t, c.ClearAll(context.Background()))
	assert.False(t, c.Contains("https://x/a.png", variant.Thumbnail))
	stats := c.Stats()
	assert.Equal(t, int64(0), stats.DiskUsageBytes)
	assert.Equal(t, 0, stats.MemoryCount)
	assert.Equal(t, 0.0, stats.UsageRatio)
}

func TestNew_ReconcilesExistingDisk(t *testing.T) {
	o := newOrigin()
	o.set("https://x/a.png", pngImage(t, 10, 10))
	cfg := testConfig(t)

	c, err := New(cfg, o)
	require.NoError(t, err)
	data, ok := c.Get(context.Background(), "https://x/a.png", variant.Medium)
	require.True(t, ok)
	require.NoError(t, c.Close())

	reopened := newTestCache(t, cfg, o)
	stats := reopened.Stats()
	assert.Equal(t, int64(len(data)), stats.DiskUsageBytes)
	assert.Equal(t, int64(1), stats.DiskFileCount)

	path, ok := reopened.DiskPath("https://x/a.png", variant.Medium)
	assert.True(t, ok)
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Dir: "x", Budget: DefaultBudget()}
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Dir = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Budget.DiskCleanupTargetRatio = 1.5
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Budget.MaxMemoryBytes = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.PreserveOriginal = []variant.Variant{variant.Variant(42)}
	assert.Error(t, bad.Validate())

	_, err := New(Config{}, newOrigin())
	assert.Error(t, err)
}
