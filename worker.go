package poolz

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
)

// Worker slot states.
const (
	workerIdle int32 = iota
	workerExecuting
)

// workerSlot is one pre-spawned worker: its identity, its park/wake
// primitive, its lifecycle flag, and its last-known state. Slots are owned
// by the pool; the sizing controller retires them individually by clearing
// keepRunning.
type workerSlot struct {
	id          int
	state       atomic.Int32
	keepRunning atomic.Bool
	wake        chan struct{} // auto-reset park signal, capacity 1
	done        chan struct{} // closed when the worker goroutine exits
	cpuTotal    atomic.Int64  // nanoseconds, when the CPUTime capability is set
}

func newWorkerSlot(id int) *workerSlot {
	s := &workerSlot{
		id:   id,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.keepRunning.Store(true)
	return s
}

// signal wakes the slot if it is parked. Signalling an executing slot
// coalesces into an immediate return from its next park.
func (s *workerSlot) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// idle reports whether the slot is between items.
func (s *workerSlot) idle() bool {
	return s.state.Load() == workerIdle
}

// WorkerInfo is a point-in-time snapshot of one worker slot, exposed by
// Pool.Workers.
type WorkerInfo struct {
	// ID is the pool-managed worker id, unique for the pool's lifetime.
	ID int
	// Executing reports whether the worker was running a task at snapshot
	// time.
	Executing bool
	// CPUTotal is the total CPU time consumed by tasks on this worker.
	// Zero when the pool has no CPUTime capability.
	CPUTotal time.Duration
}

// runWorker is the loop every slot runs: pop, execute, repeat, with a
// spin-then-park discipline while the backlog is empty. The backlog mutex
// is never held across a task invocation.
func (p *Pool) runWorker(s *workerSlot) {
	defer close(s.done)
	clock := p.getClock()
	spins := 0
	for p.keepRunning.Load() && s.keepRunning.Load() {
		it := p.backlog.tryPop()
		if it == nil {
			if spins < p.cfg.SpinCount {
				spins++
				runtime.Gosched()
				continue
			}
			select {
			case <-s.wake:
			case <-clock.After(p.cfg.ParkWait):
			}
			spins = 0
			continue
		}
		spins = 0
		s.state.Store(workerExecuting)
		p.execute(s, it)
		s.state.Store(workerIdle)
	}
	capitan.Info(context.Background(), SignalWorkerExited,
		FieldPool.Field(p.name),
		FieldWorkerID.Field(s.id),
		FieldTimestamp.Field(float64(clock.Now().Unix())),
	)
}

// execute runs one item on the calling worker. Timings are captured at the
// instant of invocation, the task's error or panic is recorded on the item,
// and the terminal transition wakes waiters and fires the completion hook.
func (p *Pool) execute(s *workerSlot, it *Item) {
	clock := p.getClock()

	t0 := clock.Now()
	if !it.begin() {
		// Aborted between pop and start; the abort already fired the
		// hook and woke waiters, so the item is skipped entirely.
		return
	}
	it.started.Store(t0.UnixNano())

	_, span := p.tracer.StartSpan(context.Background(), ItemExecuteSpan)
	span.SetTag(ItemTagPool, p.name)
	span.SetTag(ItemTagWorkerID, fmt.Sprintf("%d", s.id))
	if it.name != "" {
		span.SetTag(ItemTagName, it.name)
	}

	var cpu0 time.Duration
	hasCPU := p.cfg.CPUTime != nil
	if hasCPU {
		cpu0 = p.cfg.CPUTime()
	}

	err := runTask(it.run)

	it.wall = clock.Since(t0)
	if hasCPU {
		it.cpu = p.cfg.CPUTime() - cpu0
		it.hasCPU = true
		s.cpuTotal.Add(int64(it.cpu))
	}

	if err != nil {
		span.SetTag(ItemTagSuccess, "false")
		span.SetTag(ItemTagError, err.Error())
	} else {
		span.SetTag(ItemTagSuccess, "true")
	}
	span.Finish()

	it.finish(err)
}

// runTask invokes the task, converting a panic into an error so that
// nothing unwinds past the worker loop.
func runTask(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poolz: task panicked: %v", r)
		}
	}()
	return task()
}
