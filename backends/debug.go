package backends

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultSlowFetch is the fetch duration above which Debug logs at warn level.
const DefaultSlowFetch = 2 * time.Second

// Debug logs every origin fetch made through the wrapped backend.
type Debug struct {
	backend Backend
	logger  *slog.Logger
	slow    time.Duration
	seq     atomic.Uint64
}

// DebugOption configures a Debug backend.
type DebugOption func(*Debug)

// WithSlowFetch sets the slow fetch threshold. Zero disables the warning.
func WithSlowFetch(d time.Duration) DebugOption {
	return func(b *Debug) { b.slow = d }
}

// NewDebug wraps backend. A nil logger means slog.Default().
func NewDebug(backend Backend, logger *slog.Logger, opts ...DebugOption) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Debug{
		backend: backend,
		logger:  logger.With("component", "origin"),
		slow:    DefaultSlowFetch,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Debug) Fetch(ctx context.Context, url string) ([]byte, error) {
	logger := d.logger.With("fetch", d.seq.Add(1), "url", url)
	logger.Debug("origin fetch started")

	start := time.Now()
	data, err := d.backend.Fetch(ctx, url)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Debug("origin fetch abandoned", "error", err, "elapsed", elapsed)
	case err != nil:
		logger.Debug("origin fetch failed", "error", err, "not_found", IsNotFound(err), "elapsed", elapsed)
	default:
		logger.Debug("origin fetch done",
			"bytes", len(data),
			"sniffed", http.DetectContentType(data),
			"elapsed", elapsed)
	}
	if d.slow > 0 && elapsed > d.slow {
		logger.Warn("slow origin fetch", "elapsed", elapsed, "threshold", d.slow)
	}
	return data, err
}

// Fetches returns the number of fetches seen so far.
func (d *Debug) Fetches() uint64 {
	return d.seq.Load()
}

func (d *Debug) Close() error {
	err := d.backend.Close()
	d.logger.Debug("origin closed", "fetches", d.seq.Load(), "error", err)
	return err
}
