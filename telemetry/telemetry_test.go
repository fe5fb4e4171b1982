package telemetry

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/imgcache/variant"
)

func TestCounters(t *testing.T) {
	c := NewCounters()
	c.Emit(Event{Kind: MemoryHit})
	c.Emit(Event{Kind: MemoryHit})
	c.Emit(Event{Kind: DiskHit})
	c.Emit(Event{Kind: Miss})
	c.Emit(Event{Kind: Fetch, Bytes: 100})
	c.Emit(Event{Kind: Fetch, Bytes: 50, Err: errors.New("x")})
	c.Emit(Event{Kind: Error, Failure: FailureTransport})
	c.Emit(Event{Kind: Error, Failure: FailureTransport})
	c.Emit(Event{Kind: Error, Failure: FailureDecode})
	c.Emit(Event{Kind: Optimize})

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.MemoryHits)
	assert.Equal(t, int64(1), s.DiskHits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(2), s.Fetches)
	assert.Equal(t, int64(100), s.BytesIn)
	assert.Equal(t, int64(1), s.Optimizations)
	assert.Equal(t, int64(3), s.Errors)
	assert.Equal(t, int64(2), s.ByFailure[FailureTransport])
	assert.Equal(t, int64(1), s.ByFailure[FailureDecode])
	assert.InDelta(t, 0.75, s.HitRate(), 1e-9)
	assert.Equal(t, 0.0, Snapshot{}.HitRate())
}

func TestCounters_Concurrent(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Emit(Event{Kind: Error, Failure: FailureStorage})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(8000), c.Snapshot().ByFailure[FailureStorage])
}

func TestMulti(t *testing.T) {
	a, b := NewCounters(), NewCounters()
	m := Multi(a, nil, b)
	m.Emit(Event{Kind: Miss})
	assert.Equal(t, int64(1), a.Snapshot().Misses)
	assert.Equal(t, int64(1), b.Snapshot().Misses)

	assert.Equal(t, Nop{}, Multi())
	assert.Same(t, a, Multi(nil, a))
}

func TestSketch_Quantiles(t *testing.T) {
	s, err := NewSketch(0.01)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), s.Quantile(0.5))

	for i := 1; i <= 100; i++ {
		s.Emit(Event{Kind: Fetch, Duration: time.Duration(i) * time.Millisecond})
	}
	// Ignored: failures and non-fetch events.
	s.Emit(Event{Kind: Fetch, Duration: time.Hour, Err: errors.New("x")})
	s.Emit(Event{Kind: Miss, Duration: time.Hour})

	assert.Equal(t, int64(100), s.Count())
	assert.InDelta(t, float64(50*time.Millisecond), float64(s.Quantile(0.5)), float64(2*time.Millisecond))
	assert.InDelta(t, float64(99*time.Millisecond), float64(s.Quantile(0.99)), float64(3*time.Millisecond))
}

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.Emit(Event{Kind: MemoryHit, Variant: variant.Thumbnail})
	p.Emit(Event{Kind: MemoryHit, Variant: variant.Thumbnail})
	p.Emit(Event{Kind: Error, Variant: variant.Full, Failure: FailureNotFound})
	p.Emit(Event{Kind: Fetch, Variant: variant.Medium, Bytes: 1234, Duration: 10 * time.Millisecond})
	p.Emit(Event{Kind: Eviction, Bytes: 4096})

	assert.Equal(t, 2.0, testutil.ToFloat64(p.events.WithLabelValues("memory_hit", "thumbnail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.errors.WithLabelValues("not_found")))
	assert.Equal(t, 1234.0, testutil.ToFloat64(p.bytesIn))
	assert.Equal(t, 4096.0, testutil.ToFloat64(p.freed))

	require.NoError(t, p.WatchGauge("disk_usage_bytes", "Disk usage.", func() float64 { return 42 }))
	expected := `
# HELP imgcache_disk_usage_bytes Disk usage.
# TYPE imgcache_disk_usage_bytes gauge
imgcache_disk_usage_bytes 42
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "imgcache_disk_usage_bytes"))

	_, err = NewPrometheus(reg)
	assert.Error(t, err, "duplicate registration")
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	l.Emit(Event{Kind: MemoryHit, Key: "thumbnails/x.jpg"})
	assert.Empty(t, buf.String(), "hits are debug level")

	l.Emit(Event{Kind: Error, Failure: FailureNotFound})
	assert.Empty(t, buf.String(), "not found is debug level")

	l.Emit(Event{Kind: Error, Failure: FailureStorage, Err: errors.New("disk full")})
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "failure=storage")
	assert.Contains(t, buf.String(), "disk full")
}
