// Package telemetry carries cache events to pluggable sinks: structured
// logs, in-process counters, latency sketches and Prometheus metrics.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/richardartoul/imgcache/variant"
)

// Kind classifies an event.
type Kind string

const (
	MemoryHit Kind = "memory_hit"
	DiskHit   Kind = "disk_hit"
	Miss      Kind = "miss"
	// Fetch is emitted after every origin fetch, successful or not.
	Fetch Kind = "fetch"
	// Optimize is emitted after every transcoding pass.
	Optimize Kind = "optimize"
	Error    Kind = "error"
	// Eviction is emitted once per disk cleanup run.
	Eviction Kind = "eviction"
)

// Failure classifies an Error event.
type Failure string

const (
	FailureDecode     Failure = "decode"
	FailureEncode     Failure = "encode"
	FailureTransport  Failure = "transport"
	FailureStorage    Failure = "storage"
	FailureNotFound   Failure = "not_found"
	FailureInvalidURL Failure = "invalid_url"
)

// Event is a single observation.
type Event struct {
	Kind    Kind
	Variant variant.Variant
	Key     string
	URL     string
	Failure Failure
	// Bytes is the payload size for hits and fetches, or the bytes freed
	// by an eviction.
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Sink receives events. Emit must be safe for concurrent use and must not
// block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards events.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(Event) {}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans events out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	switch len(m) {
	case 0:
		return Nop{}
	case 1:
		return m[0]
	}
	return m
}

// Counters keeps running totals per event kind and failure.
type Counters struct {
	memoryHits atomic.Int64
	diskHits   atomic.Int64
	misses     atomic.Int64
	fetches    atomic.Int64
	optimized  atomic.Int64
	errors     atomic.Int64
	bytesIn    atomic.Int64
	evictions  atomic.Int64

	mu        sync.Mutex
	byFailure map[Failure]int64
}

// NewCounters creates an empty Counters sink.
func NewCounters() *Counters {
	return &Counters{byFailure: make(map[Failure]int64)}
}

// Emit records e.
func (c *Counters) Emit(e Event) {
	switch e.Kind {
	case MemoryHit:
		c.memoryHits.Add(1)
	case DiskHit:
		c.diskHits.Add(1)
	case Miss:
		c.misses.Add(1)
	case Fetch:
		c.fetches.Add(1)
		if e.Err == nil {
			c.bytesIn.Add(e.Bytes)
		}
	case Optimize:
		c.optimized.Add(1)
	case Eviction:
		c.evictions.Add(1)
	case Error:
		c.errors.Add(1)
		c.mu.Lock()
		c.byFailure[e.Failure]++
		c.mu.Unlock()
	}
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	MemoryHits    int64
	DiskHits      int64
	Misses        int64
	Fetches       int64
	Optimizations int64
	Errors        int64
	BytesIn       int64
	Evictions     int64
	ByFailure     map[Failure]int64
}

// HitRate returns the fraction of lookups served by either tier.
func (s Snapshot) HitRate() float64 {
	total := s.MemoryHits + s.DiskHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.MemoryHits+s.DiskHits) / float64(total)
}

// Snapshot returns the current totals.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	byFailure := make(map[Failure]int64, len(c.byFailure))
	for k, v := range c.byFailure {
		byFailure[k] = v
	}
	c.mu.Unlock()

	return Snapshot{
		MemoryHits:    c.memoryHits.Load(),
		DiskHits:      c.diskHits.Load(),
		Misses:        c.misses.Load(),
		Fetches:       c.fetches.Load(),
		Optimizations: c.optimized.Load(),
		Errors:        c.errors.Load(),
		BytesIn:       c.bytesIn.Load(),
		Evictions:     c.evictions.Load(),
		ByFailure:     byFailure,
	}
}
