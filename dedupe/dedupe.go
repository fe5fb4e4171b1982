// Package dedupe coalesces concurrent requests for the same cache key into a
// single unit of work.
package dedupe

import "context"

// Group is an interface for deduplicating concurrent requests.
// It ensures that only one execution is in-flight for a given key at a time.
type Group interface {
	// Do executes and returns the results of the given function, making sure
	// that only one execution is in-flight for a given key at a time. If a
	// duplicate comes in, the duplicate caller waits for the original to
	// complete and receives the same results. The return value shared
	// indicates whether v was given to multiple callers.
	Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) (v []byte, err error, shared bool)
}

// Priority orders work competing for background resources.
type Priority int

const (
	// Foreground work was requested by a caller that is waiting for it.
	Foreground Priority = iota
	// Background work is speculative, e.g. prefetching.
	Background
)

func (p Priority) String() string {
	if p == Background {
		return "background"
	}
	return "foreground"
}

type priorityKey struct{}

type promotedKey struct{}

// WithPriority returns a context carrying p.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority carried by ctx, Foreground by default.
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return Foreground
}

// Promoted returns a channel that is closed once a foreground caller depends
// on the unit of work running under ctx. It returns nil (never ready) when
// the group does not track promotion.
func Promoted(ctx context.Context) <-chan struct{} {
	ch, _ := ctx.Value(promotedKey{}).(<-chan struct{})
	return ch
}
