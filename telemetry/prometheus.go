package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports events as Prometheus metrics.
type Prometheus struct {
	events   *prometheus.CounterVec
	errors   *prometheus.CounterVec
	bytesIn  prometheus.Counter
	freed    prometheus.Counter
	duration *prometheus.HistogramVec
	reg      prometheus.Registerer
}

// NewPrometheus creates the cache metrics and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "events_total",
			Help:      "Cache events by kind and variant.",
		}, []string{"kind", "variant"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "errors_total",
			Help:      "Cache failures by kind.",
		}, []string{"failure"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "fetched_bytes_total",
			Help:      "Source bytes fetched from origins.",
		}),
		freed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "evicted_bytes_total",
			Help:      "Bytes freed by disk cleanup.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "imgcache",
			Name:      "fetch_duration_seconds",
			Help:      "Origin fetch latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"variant"}),
		reg: reg,
	}

	for _, c := range []prometheus.Collector{p.events, p.errors, p.bytesIn, p.freed, p.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return p, nil
}

// Emit updates the metrics for e.
func (p *Prometheus) Emit(e Event) {
	v := e.Variant.String()
	if e.Kind == Eviction {
		v = "all"
	}
	p.events.WithLabelValues(string(e.Kind), v).Inc()
	switch e.Kind {
	case Error:
		p.errors.WithLabelValues(string(e.Failure)).Inc()
	case Fetch:
		if e.Err == nil {
			p.bytesIn.Add(float64(e.Bytes))
			p.duration.WithLabelValues(v).Observe(e.Duration.Seconds())
		}
	case Eviction:
		p.freed.Add(float64(e.Bytes))
	}
}

// WatchGauge registers a gauge whose value is read from fn at scrape time.
func (p *Prometheus) WatchGauge(name, help string, fn func() float64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "imgcache",
		Name:      name,
		Help:      help,
	}, fn)
	if err := p.reg.Register(g); err != nil {
		return fmt.Errorf("failed to register gauge %s: %w", name, err)
	}
	return nil
}
