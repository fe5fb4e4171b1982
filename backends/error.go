package backends

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// Fault is a kind of failure the Error backend can inject.
type Fault int

const (
	// FaultTransport fails the fetch with ErrTransport.
	FaultTransport Fault = iota
	// FaultNotFound fails the fetch with ErrNotFound.
	FaultNotFound
	// FaultCorrupt truncates the origin payload so it no longer decodes.
	FaultCorrupt
)

func (f Fault) String() string {
	switch f {
	case FaultTransport:
		return "transport"
	case FaultNotFound:
		return "not_found"
	case FaultCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("fault(%d)", int(f))
	}
}

// ErrorStats counts injected faults.
type ErrorStats struct {
	Transport int64
	NotFound  int64
	Corrupt   int64
	Close     int64
}

// Error wraps a Backend and fails a fraction of operations. Faults are
// drawn uniformly from the configured kinds.
type Error struct {
	backend   Backend
	errorRate float64
	faults    []Fault

	mu  sync.Mutex
	rng *rand.Rand

	transport atomic.Int64
	notFound  atomic.Int64
	corrupt   atomic.Int64
	closeErrs atomic.Int64
}

// ErrorOption configures an Error backend.
type ErrorOption func(*Error)

// WithFaults sets the fault kinds to inject. Defaults to FaultTransport.
func WithFaults(faults ...Fault) ErrorOption {
	return func(e *Error) {
		if len(faults) > 0 {
			e.faults = faults
		}
	}
}

// WithSeed makes fault selection deterministic.
func WithSeed(seed uint64) ErrorOption {
	return func(e *Error) { e.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// NewError wraps backend. errorRate is clamped to [0,1].
func NewError(backend Backend, errorRate float64, opts ...ErrorOption) *Error {
	e := &Error{
		backend:   backend,
		errorRate: min(max(errorRate, 0), 1),
		faults:    []Fault{FaultTransport},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		seed := uint64(time.Now().UnixNano())
		e.rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return e
}

// pick reports whether this operation fails and with which fault.
func (e *Error) pick() (Fault, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rng.Float64() >= e.errorRate {
		return 0, false
	}
	return e.faults[e.rng.IntN(len(e.faults))], true
}

// Fetch fetches from the wrapped backend unless a fault is injected.
func (e *Error) Fetch(ctx context.Context, url string) ([]byte, error) {
	fault, fail := e.pick()
	if !fail {
		return e.backend.Fetch(ctx, url)
	}

	switch fault {
	case FaultNotFound:
		e.notFound.Add(1)
		return nil, fmt.Errorf("%w: %w: error backend: simulated missing object %s", ErrTransport, ErrNotFound, url)
	case FaultCorrupt:
		data, err := e.backend.Fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		e.corrupt.Add(1)
		return data[:len(data)/2], nil
	default:
		e.transport.Add(1)
		return nil, fmt.Errorf("%w: error backend: simulated Fetch error (error rate: %.2f%%)", ErrTransport, e.errorRate*100)
	}
}

// Close closes the wrapped backend, or fails at the configured rate.
func (e *Error) Close() error {
	if _, fail := e.pick(); fail {
		e.closeErrs.Add(1)
		return fmt.Errorf("error backend: simulated Close error (error rate: %.2f%%)", e.errorRate*100)
	}
	return e.backend.Close()
}

// Stats returns the number of injected faults by kind.
func (e *Error) Stats() ErrorStats {
	return ErrorStats{
		Transport: e.transport.Load(),
		NotFound:  e.notFound.Load(),
		Corrupt:   e.corrupt.Load(),
		Close:     e.closeErrs.Load(),
	}
}

// ParseFault converts a fault name into a Fault.
func ParseFault(s string) (Fault, error) {
	for _, f := range []Fault{FaultTransport, FaultNotFound, FaultCorrupt} {
		if s == f.String() {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown fault %q (supported: transport, not_found, corrupt)", s)
}
