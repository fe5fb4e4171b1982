package backends

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMaxBytes caps the size of a fetched source image.
const DefaultMaxBytes = 32 << 20

// HTTP fetches images over http and https.
type HTTP struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// HTTPOption configures an HTTP backend.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithMaxBytes sets the largest accepted response body.
func WithMaxBytes(n int64) HTTPOption {
	return func(h *HTTP) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(h *HTTP) { h.userAgent = ua }
}

// NewHTTP creates an HTTP backend. Without WithHTTPClient it uses a client
// with a 30s overall timeout.
func NewHTTP(opts ...HTTPOption) *HTTP {
	h := &HTTP{
		client:    &http.Client{Timeout: 30 * time.Second},
		maxBytes:  DefaultMaxBytes,
		userAgent: "imgcache/1.0",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Fetch performs a GET for url.
func (h *HTTP) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", "image/*")
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %w: %s", ErrTransport, ErrNotFound, url)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrTransport, resp.StatusCode, url)
	}

	if resp.ContentLength > h.maxBytes {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds limit of %d", ErrTransport, resp.ContentLength, h.maxBytes)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds limit of %d bytes", ErrTransport, h.maxBytes)
	}
	return body, nil
}

// Close releases idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
