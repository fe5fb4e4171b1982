package backends

import (
	"context"
	"errors"
)

var (
	// ErrTransport wraps every failure to obtain source bytes.
	ErrTransport = errors.New("transport failure")
	// ErrNotFound is wrapped, together with ErrTransport, when the origin
	// reports that the image does not exist.
	ErrNotFound = errors.New("source not found")
)

// Backend defines the interface for fetching source images from an origin.
//
// Implementations can be swapped to use different origins (HTTP, S3, GCS,
// local files).
//
// Implementations must be thread-safe and support concurrent operations,
// but the caller (the cache) guarantees that there will never be two
// inflight fetches for the same cache key (singleflight) which makes
// implementing the backends simpler.
type Backend interface {
	// Fetch returns the raw bytes at url. Errors wrap ErrTransport.
	Fetch(ctx context.Context, url string) ([]byte, error)

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

// Func adapts a function to the Backend interface.
type Func func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// Close is a no-op.
func (f Func) Close() error {
	return nil
}

// IsNotFound reports whether err means the origin has no such image.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
