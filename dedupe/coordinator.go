package dedupe

import (
	"context"
	"sync"
)

// Coordinator is the default Group. Unlike a plain singleflight it lets each
// caller give up independently: a caller whose context ends stops waiting,
// but the shared work keeps running for the remaining callers. The work is
// cancelled only when its last caller leaves.
type Coordinator struct {
	mu    sync.Mutex
	calls map[string]*call
}

type call struct {
	done chan struct{}
	val  []byte
	err  error

	waiters  int
	dups     int
	finished bool

	// aborted is set once every caller has left and the work was cancelled.
	aborted bool
	cancel  context.CancelFunc

	promoted    chan struct{}
	promoteOnce sync.Once
}

func (cl *call) promote() {
	cl.promoteOnce.Do(func() { close(cl.promoted) })
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{calls: make(map[string]*call)}
}

// Do runs fn once per key among concurrent callers. fn receives a context
// that is detached from any single caller; it keeps the first caller's
// values and is cancelled only when no caller is left waiting.
func (c *Coordinator) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error, bool) {
	prio := PriorityFrom(ctx)
	for {
		c.mu.Lock()
		if c.calls == nil {
			c.calls = make(map[string]*call)
		}
		if cl, ok := c.calls[key]; ok {
			if cl.aborted {
				// Nobody wants the old result any more; let it drain so
				// there is never more than one unit per key, then start over.
				c.mu.Unlock()
				select {
				case <-cl.done:
					continue
				case <-ctx.Done():
					return nil, ctx.Err(), false
				}
			}
			cl.waiters++
			cl.dups++
			if prio == Foreground {
				cl.promote()
			}
			c.mu.Unlock()
			v, err := c.wait(ctx, cl)
			return v, err, true
		}

		workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		cl := &call{
			done:     make(chan struct{}),
			waiters:  1,
			cancel:   cancel,
			promoted: make(chan struct{}),
		}
		if prio == Foreground {
			cl.promote()
		}
		workCtx = context.WithValue(workCtx, promotedKey{}, (<-chan struct{})(cl.promoted))
		c.calls[key] = cl
		c.mu.Unlock()

		go c.run(workCtx, key, cl, fn)

		v, err := c.wait(ctx, cl)
		if err != nil && ctx.Err() != nil {
			return v, err, false
		}
		return v, err, cl.dups > 0
	}
}

func (c *Coordinator) run(ctx context.Context, key string, cl *call, fn func(ctx context.Context) ([]byte, error)) {
	v, err := fn(ctx)

	c.mu.Lock()
	cl.val, cl.err = v, err
	cl.finished = true
	if c.calls[key] == cl {
		delete(c.calls, key)
	}
	c.mu.Unlock()

	cl.cancel()
	close(cl.done)
}

func (c *Coordinator) wait(ctx context.Context, cl *call) ([]byte, error) {
	select {
	case <-cl.done:
		return cl.val, cl.err
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl.finished {
		// The result raced with cancellation; hand it out anyway.
		<-cl.done
		return cl.val, cl.err
	}
	cl.waiters--
	if cl.waiters == 0 {
		cl.aborted = true
		cl.cancel()
	}
	return nil, ctx.Err()
}

// InFlight reports whether a unit of work for key is running.
func (c *Coordinator) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.calls[key]
	return ok
}

// Len returns the number of running units of work.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
