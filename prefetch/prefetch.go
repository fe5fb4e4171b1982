// Package prefetch warms the cache for images that are about to become
// visible. Prefetching is a hint: a new batch supersedes the previous one,
// and failures are logged, never surfaced.
package prefetch

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/richardartoul/imgcache/dedupe"
	"github.com/richardartoul/imgcache/variant"
)

// DefaultConcurrency is the default ceiling on running prefetch tasks.
const DefaultConcurrency = 10

// Priority orders tasks within a batch.
type Priority int

const (
	// Low is for images expected to scroll into view soon.
	Low Priority = iota
	// High is for images that are visible now.
	High
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "low"
}

// Loader is the cache surface the scheduler needs. *cache.Cache satisfies it.
type Loader interface {
	Contains(url string, v variant.Variant) bool
	Get(ctx context.Context, url string, v variant.Variant) ([]byte, bool)
}

// ImageSource is a domain entity that may carry an image URL. An empty
// string means it has none.
type ImageSource interface {
	ImageURL() string
}

// URLsFrom returns the non-empty image URLs of items, without duplicates,
// in their original order.
func URLsFrom[T ImageSource](items []T) []string {
	seen := make(map[string]bool, len(items))
	urls := make([]string, 0, len(items))
	for _, item := range items {
		u := strings.TrimSpace(item.ImageURL())
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

// Stats counts task outcomes since the scheduler was created.
type Stats struct {
	Scheduled int64
	Completed int64
	Skipped   int64
	Failed    int64
	Cancelled int64
}

type task struct {
	url  string
	prio Priority
}

// Scheduler runs prefetch batches with bounded concurrency.
type Scheduler struct {
	loader      Loader
	concurrency int
	logger      *slog.Logger
	slots       *semaphore.Weighted

	ctx      context.Context
	shutdown context.CancelFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	batches sync.WaitGroup

	scheduled atomic.Int64
	completed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConcurrency sets the ceiling on running tasks.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler that warms loader.
func New(loader Loader, opts ...Option) *Scheduler {
	s := &Scheduler{
		loader:      loader,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.slots = semaphore.NewWeighted(int64(s.concurrency))
	s.ctx, s.shutdown = context.WithCancel(context.Background())
	return s
}

// Schedule replaces the current batch with urls at a single priority.
func (s *Scheduler) Schedule(urls []string, v variant.Variant, prio Priority) {
	tasks := make([]task, 0, len(urls))
	for _, u := range urls {
		tasks = append(tasks, task{url: u, prio: prio})
	}
	s.submit(tasks, v)
}

// ScheduleVisible replaces the current batch with the visible URLs at High
// priority followed by the upcoming ones at Low priority.
func (s *Scheduler) ScheduleVisible(visible, upcoming []string, v variant.Variant) {
	seen := make(map[string]bool, len(visible)+len(upcoming))
	tasks := make([]task, 0, len(visible)+len(upcoming))
	add := func(urls []string, prio Priority) {
		for _, u := range urls {
			if seen[u] {
				continue
			}
			seen[u] = true
			tasks = append(tasks, task{url: u, prio: prio})
		}
	}
	add(visible, High)
	add(upcoming, Low)
	s.submit(tasks, v)
}

func (s *Scheduler) submit(tasks []task, v variant.Variant) {
	// Priority first, then submission order.
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].prio > tasks[j].prio })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.batches.Add(1)
	s.mu.Unlock()

	s.scheduled.Add(int64(len(tasks)))
	go func() {
		defer s.batches.Done()
		defer close(done)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for i, t := range tasks {
			if gctx.Err() != nil {
				s.cancelled.Add(int64(len(tasks) - i))
				break
			}
			g.Go(func() error {
				s.run(gctx, t, v)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (s *Scheduler) run(ctx context.Context, t task, v variant.Variant) {
	if ctx.Err() != nil {
		s.cancelled.Add(1)
		return
	}
	// The ceiling holds across batches: tasks of a superseded batch that
	// are still unwinding keep their slots until they return.
	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.cancelled.Add(1)
		return
	}
	defer s.slots.Release(1)

	if s.loader.Contains(t.url, v) {
		s.skipped.Add(1)
		return
	}

	ctx = dedupe.WithPriority(ctx, dedupe.Background)
	if _, ok := s.loader.Get(ctx, t.url, v); !ok {
		if ctx.Err() != nil {
			s.cancelled.Add(1)
			return
		}
		s.failed.Add(1)
		s.logger.Debug("prefetch failed", "url", t.url, "variant", v.String(), "priority", t.prio.String())
		return
	}
	s.completed.Add(1)
}

// Cancel stops the current batch. Tasks that already joined a shared fetch
// leave it; the fetch itself continues if another caller needs it.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the current batch has finished or been cancelled and
// all of its tasks have returned.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close cancels all batches, waits for their tasks to return and rejects
// further batches.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.shutdown()
	s.batches.Wait()
	return nil
}

// Stats returns task counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Scheduled: s.scheduled.Load(),
		Completed: s.completed.Load(),
		Skipped:   s.skipped.Load(),
		Failed:    s.failed.Load(),
		Cancelled: s.cancelled.Load(),
	}
}
