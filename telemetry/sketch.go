package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Sketch records fetch latencies in a DDSketch so quantiles can be read
// with bounded relative error and constant memory.
type Sketch struct {
	mu     sync.Mutex
	sketch *ddsketch.DDSketch
}

// NewSketch creates a Sketch with the given relative accuracy, e.g. 0.01.
func NewSketch(relativeAccuracy float64) (*Sketch, error) {
	s, err := ddsketch.NewDefaultDDSketch(relativeAccuracy)
	if err != nil {
		return nil, fmt.Errorf("failed to create sketch: %w", err)
	}
	return &Sketch{sketch: s}, nil
}

// Emit records the duration of successful fetches.
func (s *Sketch) Emit(e Event) {
	if e.Kind != Fetch || e.Err != nil || e.Duration <= 0 {
		return
	}
	s.Record(e.Duration)
}

// Record adds one latency sample.
func (s *Sketch) Record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.sketch.Add(d.Seconds())
}

// Count returns the number of recorded samples.
func (s *Sketch) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.sketch.GetCount())
}

// Quantile returns the latency at q in [0,1]. It returns 0 when nothing
// has been recorded.
func (s *Sketch) Quantile(q float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sketch.IsEmpty() {
		return 0
	}
	v, err := s.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
