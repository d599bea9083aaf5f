package poolz

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// Task is the unit of work executed by a pool worker. A non-nil return
// marks the item as failed; the error is stored on the item and never
// propagates out of the worker loop. A panic inside the task is recovered
// and converted to an item error the same way.
type Task func() error

// ItemState is the lifecycle state of an enqueued item.
type ItemState int32

// Item lifecycle states. The machine is monotonic: once an item reaches
// any of the three terminal states, no further transitions occur.
const (
	StatePending ItemState = iota
	StateRunning
	StateCompletedOK
	StateCompletedErr
	StateAborted
)

// String returns the state name for logging.
func (s ItemState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompletedOK:
		return "completed-ok"
	case StateCompletedErr:
		return "completed-err"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// terminal reports whether the state admits no further transitions.
func (s ItemState) terminal() bool {
	return s == StateCompletedOK || s == StateCompletedErr || s == StateAborted
}

// Item is the handle returned by every enqueue: the sole mechanism to
// observe completion, failure, abort, and timing for one task.
//
// An item is owned by the pool while on the backlog and by the executing
// worker until completion; afterwards the caller's handle remains valid for
// inspection. Items hold a non-owning back-pointer to their pool; the pool
// must outlive every item it has handed out.
type Item struct {
	pool       *Pool
	run        Task
	onComplete func(*Item)
	name       string

	state   atomic.Int32
	started atomic.Int64  // unix nanos of invocation; 0 until a worker begins
	done    chan struct{} // closed exactly once on the terminal transition

	// Written by the executing worker before the terminal transition and
	// published by the state store; read only after observing a terminal
	// state.
	wall   time.Duration
	cpu    time.Duration
	hasCPU bool
	err    error
}

// ItemOption configures an item at enqueue time.
type ItemOption func(*Item)

// WithName labels the item. The name shows up in trace tags and item
// events; it has no effect on scheduling.
func WithName(name string) ItemOption {
	return func(it *Item) { it.name = name }
}

// WithOnComplete registers a hook invoked exactly once when the item
// reaches a terminal state, from the goroutine that performed the
// transition. It fires for completed, failed, and aborted items, including
// items aborted before any worker picked them up.
func WithOnComplete(fn func(*Item)) ItemOption {
	return func(it *Item) { it.onComplete = fn }
}

func newItem(p *Pool, run Task, opts []ItemOption) *Item {
	it := &Item{
		pool: p,
		run:  run,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// begin transitions Pending -> Running. The executing worker calls it after
// dequeue; failure means the item was aborted between pop and start, in
// which case the worker skips it entirely.
func (it *Item) begin() bool {
	return it.state.CompareAndSwap(int32(StatePending), int32(StateRunning))
}

// finish stores err and transitions Running -> CompletedOK/CompletedErr.
// Timings must be written before the call. Only the executing worker holds
// Running, so the swap cannot be contended.
func (it *Item) finish(err error) {
	it.err = err
	next := StateCompletedOK
	if err != nil {
		next = StateCompletedErr
	}
	if !it.state.CompareAndSwap(int32(StateRunning), int32(next)) {
		return
	}
	close(it.done)
	it.pool.noteItemDone(it)
	if it.onComplete != nil {
		it.onComplete(it)
	}
}

// Abort transitions a Pending item to Aborted, fires its completion hook,
// wakes its waiters, and returns true. Aborting a running or terminal item
// is a no-op returning false; a running task is never interrupted.
func (it *Item) Abort() bool {
	if !it.state.CompareAndSwap(int32(StatePending), int32(StateAborted)) {
		return false
	}
	close(it.done)
	it.pool.noteItemDone(it)
	if it.onComplete != nil {
		it.onComplete(it)
	}
	return true
}

// State returns the item's current lifecycle state.
func (it *Item) State() ItemState {
	return ItemState(it.state.Load())
}

// IsComplete reports whether the item reached any terminal state:
// completed, failed, or aborted.
func (it *Item) IsComplete() bool {
	return it.State().terminal()
}

// WasAborted reports whether the item was aborted before execution.
func (it *Item) WasAborted() bool {
	return it.State() == StateAborted
}

// HadError reports whether the task terminated abnormally. Completed and
// failed items both report IsComplete; this is the channel that tells them
// apart.
func (it *Item) HadError() bool {
	return it.State() == StateCompletedErr
}

// Err returns the task's error, or nil if the item has not failed.
func (it *Item) Err() error {
	if it.State() != StateCompletedErr {
		return nil
	}
	return it.err
}

// Name returns the label given at enqueue, if any.
func (it *Item) Name() string {
	return it.name
}

// StartedAt returns the instant the task was invoked. It is zero until a
// worker begins executing the item, and stays zero for items aborted before
// execution.
func (it *Item) StartedAt() time.Time {
	ns := it.started.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// WallDuration returns the task's wall-clock execution time. It is zero
// until the item completes, and stays zero for items aborted before
// execution.
func (it *Item) WallDuration() time.Duration {
	if !it.IsComplete() {
		return 0
	}
	return it.wall
}

// CPUDuration returns the CPU time the task consumed on its worker thread,
// when the pool was configured with the CPUTime capability. The second
// return is false when the capability is absent or the item has not
// completed.
func (it *Item) CPUDuration() (time.Duration, bool) {
	if !it.IsComplete() || !it.hasCPU {
		return 0, false
	}
	return it.cpu, true
}

// Wait blocks until the item reaches a terminal state. It returns
// ErrShuttingDown if the pool stops while waiting, and the context error if
// ctx is cancelled first. Completion is always checked before the pool's
// state, so waiting on an already-complete item succeeds even after
// shutdown.
func (it *Item) Wait(ctx context.Context) error {
	spins := 0
	clock := it.pool.getClock()
	for {
		if it.IsComplete() {
			return nil
		}
		if it.pool.stopping() {
			return ErrShuttingDown
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if spins < it.pool.cfg.SpinCount {
			spins++
			runtime.Gosched()
			continue
		}
		select {
		case <-it.done:
		case <-ctx.Done():
		case <-clock.After(it.pool.cfg.ParkWait):
		}
		spins = 0
	}
}

// WaitFor blocks until the item reaches a terminal state or the timeout
// elapses. It returns true on completion and false on timeout; a timeout
// does not abort the item. ErrShuttingDown is returned if the pool stops
// while waiting.
func (it *Item) WaitFor(ctx context.Context, timeout time.Duration) (bool, error) {
	spins := 0
	clock := it.pool.getClock()
	start := clock.Now()
	for {
		if it.IsComplete() {
			return true, nil
		}
		if it.pool.stopping() {
			return false, ErrShuttingDown
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if clock.Since(start) >= timeout {
			return false, nil
		}
		if spins < it.pool.cfg.SpinCount {
			spins++
			runtime.Gosched()
			continue
		}
		select {
		case <-it.done:
		case <-ctx.Done():
		case <-clock.After(it.pool.cfg.ParkWait):
		}
		spins = 0
	}
}

// WaitProgress blocks like Wait, but invokes progress every interval
// elapsed without completion. If progress returns false, WaitProgress
// returns false without aborting the item. It returns true on completion
// and ErrShuttingDown if the pool stops while waiting.
func (it *Item) WaitProgress(ctx context.Context, interval time.Duration, progress func() bool) (bool, error) {
	spins := 0
	clock := it.pool.getClock()
	lastTick := clock.Now()
	for {
		if it.IsComplete() {
			return true, nil
		}
		if it.pool.stopping() {
			return false, ErrShuttingDown
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if clock.Since(lastTick) >= interval {
			if !progress() {
				return false, nil
			}
			lastTick = clock.Now()
		}
		if spins < it.pool.cfg.SpinCount {
			spins++
			runtime.Gosched()
			continue
		}
		select {
		case <-it.done:
		case <-ctx.Done():
		case <-clock.After(it.pool.cfg.ParkWait):
		}
		spins = 0
	}
}
