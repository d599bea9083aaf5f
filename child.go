package poolz

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Child is a typed facade over a Pool for one batch of related work. It
// adds a private depth bound on top of the pool's global backlog bound,
// tracks the items enqueued through it, aggregates wall and CPU durations
// of completed items, and offers batch waits, batch abort, and aggregate
// failure reporting.
//
// The parameter type P is preserved from enqueue to task invocation. A
// child borrows its pool and relies on its lifetime; stopping the pool
// while a child still has pending items fails the child's operations with
// ErrShuttingDown.
type Child[P any] struct {
	pool     *Pool
	maxDepth int

	mu        sync.Mutex
	items     []*Item
	wallTotal time.Duration
	cpuTotal  time.Duration
}

// NewChild creates a child of the pool. maxDepth bounds how many of the
// child's items may be incomplete at once; zero means the child adds no
// bound of its own and only the pool's global bound applies. Admission
// waits on whichever bound is tighter.
//
// NewChild is a free function because Go methods cannot introduce type
// parameters; it is the create-child operation of the Pool.
func NewChild[P any](p *Pool, maxDepth int) *Child[P] {
	if maxDepth < 0 {
		maxDepth = 0
	}
	return &Child[P]{pool: p, maxDepth: maxDepth}
}

// Enqueue submits a task with its typed parameter through the child. It
// first purges completed items into the running totals, then waits for
// space under the child bound, then enqueues into the pool. The depth
// bound is exact for a single producer; concurrent producers on one child
// may transiently overshoot by the number of racing enqueues.
func (c *Child[P]) Enqueue(ctx context.Context, param P, fn func(P) error, opts ...ItemOption) (*Item, error) {
	if fn == nil {
		return nil, fmt.Errorf("poolz: nil task")
	}
	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	it, err := EnqueueWith(ctx, c.pool, param, fn, opts...)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.items = append(c.items, it)
	c.mu.Unlock()
	return it, nil
}

// admit waits until the count of incomplete tracked items is below the
// child bound, with the same spin-then-park discipline as pool admission.
func (c *Child[P]) admit(ctx context.Context) error {
	c.mu.Lock()
	c.purgeLocked()
	depth := c.pendingLocked()
	c.mu.Unlock()
	if c.maxDepth <= 0 || depth < c.maxDepth {
		return nil
	}
	clock := c.pool.getClock()
	spins := 0
	for {
		if c.pool.stopping() {
			return ErrShuttingDown
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.mu.Lock()
		c.purgeLocked()
		depth = c.pendingLocked()
		c.mu.Unlock()
		if depth < c.maxDepth {
			return nil
		}
		if spins < c.pool.cfg.SpinCount {
			spins++
			runtime.Gosched()
			continue
		}
		select {
		case <-c.pool.backlog.dequeued:
		case <-ctx.Done():
		case <-clock.After(c.pool.cfg.ParkWait):
		}
		spins = 0
	}
}

// purgeLocked drops completed items from the tracked set and rolls their
// durations into the running totals. Failed items are retained until
// consumed by ThrowAggregate; FailedItems reports them without removing
// them.
func (c *Child[P]) purgeLocked() {
	kept := c.items[:0]
	for _, it := range c.items {
		if it.IsComplete() && !it.HadError() {
			c.wallTotal += it.WallDuration()
			if cpu, ok := it.CPUDuration(); ok {
				c.cpuTotal += cpu
			}
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(c.items); i++ {
		c.items[i] = nil
	}
	c.items = kept
}

// pendingLocked counts tracked items that have not reached a terminal
// state; this is the depth the child bound applies to.
func (c *Child[P]) pendingLocked() int {
	n := 0
	for _, it := range c.items {
		if !it.IsComplete() {
			n++
		}
	}
	return n
}

// snapshot returns the tracked items after a purge.
func (c *Child[P]) snapshot() []*Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	items := make([]*Item, len(c.items))
	copy(items, c.items)
	return items
}

// Len returns the number of tracked items: pending, running, and retained
// failures.
func (c *Child[P]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Totals returns the accumulated wall and CPU durations of items purged
// from the tracked set. CPU is zero when the pool has no CPUTime
// capability.
func (c *Child[P]) Totals() (wall, cpu time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallTotal, c.cpuTotal
}

// AnyFailed reports whether any tracked item failed.
func (c *Child[P]) AnyFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.items {
		if it.HadError() {
			return true
		}
	}
	return false
}

// FailedItems returns a snapshot of the tracked items that failed.
func (c *Child[P]) FailedItems() []*Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	var failed []*Item
	for _, it := range c.items {
		if it.HadError() {
			failed = append(failed, it)
		}
	}
	return failed
}

// AbortAll attempts to abort every tracked item. It returns true iff every
// attempt succeeded, that is, no tracked item had already started.
func (c *Child[P]) AbortAll() bool {
	c.mu.Lock()
	items := make([]*Item, len(c.items))
	copy(items, c.items)
	c.mu.Unlock()
	all := true
	for _, it := range items {
		if !it.Abort() {
			all = false
		}
	}
	return all
}

// WaitAll blocks until every tracked item reaches a terminal state. It
// returns ErrShuttingDown if the pool stops while waiting. Completed items
// are purged into the totals on entry and on return.
func (c *Child[P]) WaitAll(ctx context.Context) error {
	for _, it := range c.snapshot() {
		if err := it.Wait(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.purgeLocked()
	c.mu.Unlock()
	return nil
}

// WaitAllFor blocks like WaitAll with an overall timeout across the batch.
// It returns true when every item completed, false on timeout without
// aborting the remaining items, and ErrShuttingDown if the pool stops.
func (c *Child[P]) WaitAllFor(ctx context.Context, timeout time.Duration) (bool, error) {
	clock := c.pool.getClock()
	start := clock.Now()
	for _, it := range c.snapshot() {
		remaining := timeout - clock.Since(start)
		if remaining <= 0 {
			if !it.IsComplete() {
				return false, nil
			}
			continue
		}
		ok, err := it.WaitFor(ctx, remaining)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	c.mu.Lock()
	c.purgeLocked()
	c.mu.Unlock()
	return true, nil
}

// WaitAllProgress blocks like WaitAll, invoking progress every interval
// elapsed without the batch completing. If progress returns false, the wait
// stops and returns false; the items keep running. ErrShuttingDown is
// returned if the pool stops while waiting.
func (c *Child[P]) WaitAllProgress(ctx context.Context, interval time.Duration, progress func() bool) (bool, error) {
	for _, it := range c.snapshot() {
		for {
			ok, err := it.WaitFor(ctx, interval)
			if err != nil {
				return false, err
			}
			if ok {
				break
			}
			if !progress() {
				return false, nil
			}
		}
	}
	c.mu.Lock()
	c.purgeLocked()
	c.mu.Unlock()
	return true, nil
}

// ThrowAggregate returns an *AggregateError bundling every tracked
// failure, or nil when none failed. Thrown failures leave the tracked set
// and their durations roll into the totals.
func (c *Child[P]) ThrowAggregate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	kept := c.items[:0]
	for _, it := range c.items {
		if it.HadError() {
			errs = append(errs, it.Err())
			c.wallTotal += it.WallDuration()
			if cpu, ok := it.CPUDuration(); ok {
				c.cpuTotal += cpu
			}
			continue
		}
		kept = append(kept, it)
	}
	if len(errs) == 0 {
		return nil
	}
	for i := len(kept); i < len(c.items); i++ {
		c.items[i] = nil
	}
	c.items = kept
	return &AggregateError{Errors: errs}
}
