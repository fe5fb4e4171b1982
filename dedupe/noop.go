package dedupe

import (
	"context"
	"sync/atomic"
)

// NoOpGroup runs every call. Concurrent callers for the same key each do
// their own work.
type NoOpGroup struct {
	calls atomic.Int64
}

// NewNoOpGroup returns a group that never coalesces.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

// Do runs fn under ctx. shared is always false.
func (n *NoOpGroup) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error, bool) {
	n.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err, false
	}
	v, err := fn(ctx)
	return v, err, false
}

// Calls returns how many times Do was invoked.
func (n *NoOpGroup) Calls() int64 {
	return n.calls.Load()
}
