package backends

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Mux routes fetches to a backend by URL scheme.
type Mux struct {
	mu       sync.RWMutex
	byScheme map[string]Backend
	backends []Backend
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{byScheme: make(map[string]Backend)}
}

// Register routes URLs with the given schemes to b.
func (m *Mux) Register(b Backend, schemes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends = append(m.backends, b)
	for _, s := range schemes {
		m.byScheme[strings.ToLower(s)] = b
	}
}

// Handles reports whether a backend is registered for scheme.
func (m *Mux) Handles(scheme string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byScheme[strings.ToLower(scheme)]
	return ok
}

// Fetch dispatches to the backend registered for the URL's scheme.
func (m *Mux) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	m.mu.RLock()
	b, ok := m.byScheme[strings.ToLower(u.Scheme)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no backend for scheme %q", ErrTransport, u.Scheme)
	}
	return b.Fetch(ctx, rawURL)
}

// Close closes every registered backend, once per Register call.
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, b := range m.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
