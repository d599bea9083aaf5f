package poolz

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric keys for pool observability.
const (
	PoolEnqueuedTotal  = metricz.Key("pool.enqueued.total")
	PoolCompletedTotal = metricz.Key("pool.completed.total")
	PoolFailedTotal    = metricz.Key("pool.failed.total")
	PoolAbortedTotal   = metricz.Key("pool.aborted.total")
	PoolSaturatedTotal = metricz.Key("pool.admission.saturated.total")
	PoolBacklogDepth   = metricz.Key("pool.backlog.depth")
	PoolWorkersCurrent = metricz.Key("pool.workers.current")
	PoolGrownTotal     = metricz.Key("pool.workers.grown.total")
	PoolShrunkTotal    = metricz.Key("pool.workers.shrunk.total")
)

// Span names and tags for task execution.
const (
	ItemExecuteSpan = tracez.Key("item.execute")

	ItemTagPool     = tracez.Tag("item.pool")
	ItemTagName     = tracez.Tag("item.name")
	ItemTagWorkerID = tracez.Tag("item.worker_id")
	ItemTagSuccess  = tracez.Tag("item.success")
	ItemTagError    = tracez.Tag("item.error")
)

// Hook event keys.
const (
	ItemEventDone = hookz.Key("item.done")
)

// ItemEvent is emitted via hooks whenever an item reaches a terminal state:
// completed, failed, or aborted.
type ItemEvent struct {
	Pool      string        // Pool instance name
	Name      string        // Item label, if any
	State     ItemState     // Terminal state reached
	Err       error         // Task error (nil unless State is CompletedErr)
	Wall      time.Duration // Wall-clock execution time (zero if never started)
	CPU       time.Duration // CPU time consumed (when the capability is set)
	HasCPU    bool          // Whether CPU was measured
	Timestamp time.Time     // When the event occurred
}

// Pool owns the shared backlog and the worker set. Workers are pre-spawned
// at construction and stay alive regardless of load; an elastic sizing
// controller grows the set under sustained overload and shrinks it under
// sustained idleness.
//
// All methods are safe for concurrent use. A Pool must be released with
// Stop or Close; both are idempotent.
type Pool struct {
	name string
	cfg  Config

	backlog *backlog

	slotsMu sync.RWMutex
	slots   []*workerSlot
	retired []*workerSlot // shrunk slots, joined at Stop
	nextID  int

	keepRunning atomic.Bool
	stopOnce    sync.Once

	sizingStop chan struct{}
	sizingDone chan struct{}

	metrics   *metricz.Registry
	tracer    *tracez.Tracer
	itemHooks *hookz.Hooks[ItemEvent]
	sizeHooks *hookz.Hooks[SizeEvent]
}

// New creates a Pool, spawns its initial workers, and starts the sizing
// controller. It returns an error wrapping ErrInvalidConfig when the
// configuration is unusable; the defaults documented on Config fill every
// zero field.
func New(name string, cfg Config) (*Pool, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	registry := metricz.New()
	registry.Counter(PoolEnqueuedTotal)
	registry.Counter(PoolCompletedTotal)
	registry.Counter(PoolFailedTotal)
	registry.Counter(PoolAbortedTotal)
	registry.Counter(PoolSaturatedTotal)
	registry.Counter(PoolGrownTotal)
	registry.Counter(PoolShrunkTotal)
	registry.Gauge(PoolBacklogDepth)
	registry.Gauge(PoolWorkersCurrent)

	p := &Pool{
		name:       name,
		cfg:        cfg,
		backlog:    newBacklog(),
		sizingStop: make(chan struct{}),
		sizingDone: make(chan struct{}),
		metrics:    registry,
		tracer:     tracez.New(),
		itemHooks:  hookz.New[ItemEvent](),
		sizeHooks:  hookz.New[SizeEvent](),
	}
	p.keepRunning.Store(true)

	p.slotsMu.Lock()
	for i := 0; i < cfg.InitialWorkers; i++ {
		p.addSlotLocked()
	}
	p.slotsMu.Unlock()

	go p.runSizing()

	return p, nil
}

// addSlotLocked spawns one worker slot. Callers hold slotsMu.
func (p *Pool) addSlotLocked() *workerSlot {
	s := newWorkerSlot(p.nextID)
	p.nextID++
	p.slots = append(p.slots, s)
	p.metrics.Gauge(PoolWorkersCurrent).Set(float64(len(p.slots)))
	go p.runWorker(s)
	capitan.Info(context.Background(), SignalWorkerStarted,
		FieldPool.Field(p.name),
		FieldWorkerID.Field(s.id),
		FieldTimestamp.Field(float64(p.getClock().Now().Unix())),
	)
	return s
}

// Enqueue submits a task and returns its item handle, the sole mechanism to
// observe completion. When the backlog is bounded and full, Enqueue blocks
// with a spin-then-park loop until space frees; it fails with
// ErrShuttingDown if the pool stops first, or with the context error if ctx
// is cancelled.
func (p *Pool) Enqueue(ctx context.Context, task Task, opts ...ItemOption) (*Item, error) {
	if task == nil {
		return nil, fmt.Errorf("poolz: nil task")
	}
	it := newItem(p, task, opts)
	if err := p.admit(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

// EnqueueWith submits a task with a typed parameter. The parameter type is
// preserved through to the task; the pool itself stores only the closure,
// so no reflection is involved.
func EnqueueWith[P any](ctx context.Context, p *Pool, param P, fn func(P) error, opts ...ItemOption) (*Item, error) {
	if fn == nil {
		return nil, fmt.Errorf("poolz: nil task")
	}
	return p.Enqueue(ctx, func() error { return fn(param) }, opts...)
}

// admit pushes the item into the backlog, honoring the global bound. The
// bound check and the append share one critical section, so the backlog
// never exceeds the bound.
func (p *Pool) admit(ctx context.Context, it *Item) error {
	clock := p.getClock()
	spins := 0
	saturated := false
	for {
		if !p.keepRunning.Load() {
			return ErrShuttingDown
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.backlog.tryPush(it, p.cfg.MaxBacklog) {
			p.metrics.Counter(PoolEnqueuedTotal).Inc()
			p.metrics.Gauge(PoolBacklogDepth).Set(float64(p.backlog.len()))
			p.signalIdleWorker()
			return nil
		}
		if !saturated {
			saturated = true
			p.metrics.Counter(PoolSaturatedTotal).Inc()
			capitan.Warn(ctx, SignalPoolSaturated,
				FieldPool.Field(p.name),
				FieldBacklogLen.Field(p.backlog.len()),
				FieldMaxBacklog.Field(p.cfg.MaxBacklog),
				FieldTimestamp.Field(float64(clock.Now().Unix())),
			)
		}
		if spins < p.cfg.SpinCount {
			spins++
			runtime.Gosched()
			continue
		}
		select {
		case <-p.backlog.dequeued:
		case <-ctx.Done():
		case <-clock.After(p.cfg.ParkWait):
		}
		spins = 0
	}
}

// signalIdleWorker wakes one idle slot. Finding none is fine: the next
// dequeue attempt observes the new tail.
func (p *Pool) signalIdleWorker() {
	p.slotsMu.RLock()
	defer p.slotsMu.RUnlock()
	for _, s := range p.slots {
		if s.idle() {
			s.signal()
			return
		}
	}
}

// Abort attempts to abort the item; see Item.Abort.
func (p *Pool) Abort(it *Item) bool {
	return it.Abort()
}

// noteItemDone records metrics and emits the item event for any terminal
// transition. It runs on the goroutine that performed the transition: the
// executing worker, or the aborter.
func (p *Pool) noteItemDone(it *Item) {
	p.metrics.Gauge(PoolBacklogDepth).Set(float64(p.backlog.len()))
	switch it.State() {
	case StateCompletedOK:
		p.metrics.Counter(PoolCompletedTotal).Inc()
	case StateCompletedErr:
		p.metrics.Counter(PoolFailedTotal).Inc()
	case StateAborted:
		p.metrics.Counter(PoolAbortedTotal).Inc()
	}
	if p.itemHooks.ListenerCount(ItemEventDone) > 0 {
		cpu, hasCPU := it.CPUDuration()
		_ = p.itemHooks.Emit(context.Background(), ItemEventDone, ItemEvent{ //nolint:errcheck
			Pool:      p.name,
			Name:      it.name,
			State:     it.State(),
			Err:       it.Err(),
			Wall:      it.WallDuration(),
			CPU:       cpu,
			HasCPU:    hasCPU,
			Timestamp: p.getClock().Now(),
		})
	}
}

// stopping reports whether Stop has begun.
func (p *Pool) stopping() bool {
	return !p.keepRunning.Load()
}

// Stop shuts the pool down: the sizing controller exits, every worker is
// signalled once and joined after finishing its in-flight task, and the
// slot set is cleared. Items still on the backlog are discarded without
// reaching a terminal state; waiters on them observe ErrShuttingDown. Stop
// is idempotent.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		clock := p.getClock()
		capitan.Info(context.Background(), SignalPoolStopping,
			FieldPool.Field(p.name),
			FieldBacklogLen.Field(p.backlog.len()),
			FieldTimestamp.Field(float64(clock.Now().Unix())),
		)

		p.keepRunning.Store(false)
		close(p.sizingStop)
		<-p.sizingDone

		p.slotsMu.Lock()
		slots := append(p.slots, p.retired...)
		p.slots = nil
		p.retired = nil
		p.slotsMu.Unlock()

		for _, s := range slots {
			s.signal()
		}
		for _, s := range slots {
			<-s.done
		}
		p.metrics.Gauge(PoolWorkersCurrent).Set(0)

		// Nudge producers parked on the bound so they observe the stop
		// without waiting out a full park.
		p.backlog.notifyDequeued()

		p.tracer.Close()
		p.itemHooks.Close()
		p.sizeHooks.Close()

		capitan.Info(context.Background(), SignalPoolStopped,
			FieldPool.Field(p.name),
			FieldTimestamp.Field(float64(clock.Now().Unix())),
		)
	})
}

// Close stops the pool. It exists for io.Closer shaped call sites and is
// idempotent like Stop.
func (p *Pool) Close() error {
	p.Stop()
	return nil
}

// Name returns the pool's instance name.
func (p *Pool) Name() string {
	return p.name
}

// WorkerCount returns the current number of worker slots.
func (p *Pool) WorkerCount() int {
	p.slotsMu.RLock()
	defer p.slotsMu.RUnlock()
	return len(p.slots)
}

// Workers returns a snapshot of the current worker slots.
func (p *Pool) Workers() []WorkerInfo {
	p.slotsMu.RLock()
	defer p.slotsMu.RUnlock()
	infos := make([]WorkerInfo, len(p.slots))
	for i, s := range p.slots {
		infos[i] = WorkerInfo{
			ID:        s.id,
			Executing: !s.idle(),
			CPUTotal:  time.Duration(s.cpuTotal.Load()),
		}
	}
	return infos
}

// BacklogLen returns the current backlog depth.
func (p *Pool) BacklogLen() int {
	return p.backlog.len()
}

// Metrics returns the metrics registry for this pool.
func (p *Pool) Metrics() *metricz.Registry {
	return p.metrics
}

// Tracer returns the tracer for this pool.
func (p *Pool) Tracer() *tracez.Tracer {
	return p.tracer
}

// OnItemDone registers a handler for item terminal transitions. The handler
// is called asynchronously for completed, failed, and aborted items.
func (p *Pool) OnItemDone(handler func(context.Context, ItemEvent) error) error {
	_, err := p.itemHooks.Hook(ItemEventDone, handler)
	return err
}

// OnGrow registers a handler for pool growth events.
func (p *Pool) OnGrow(handler func(context.Context, SizeEvent) error) error {
	_, err := p.sizeHooks.Hook(SizeEventGrown, handler)
	return err
}

// OnShrink registers a handler for pool shrink events.
func (p *Pool) OnShrink(handler func(context.Context, SizeEvent) error) error {
	_, err := p.sizeHooks.Hook(SizeEventShrunk, handler)
	return err
}

// getClock returns the clock to use.
func (p *Pool) getClock() clockz.Clock {
	if p.cfg.Clock == nil {
		return clockz.RealClock
	}
	return p.cfg.Clock
}
