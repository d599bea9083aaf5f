package poolz

import (
	"context"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
)

// Hook event keys for sizing.
const (
	SizeEventGrown  = hookz.Key("pool.grown")
	SizeEventShrunk = hookz.Key("pool.shrunk")
)

// SizeEvent is emitted via hooks when the sizing controller changes the
// worker set.
type SizeEvent struct {
	Pool      string        // Pool instance name
	Workers   int           // Worker count after the change
	Backlog   int           // Backlog depth observed at the tick
	Threshold time.Duration // Overload threshold that triggered growth (grow only)
	Timestamp time.Time     // When the change occurred
}

// sizingState is the controller's memory between ticks: the current
// overload threshold and the start of any overload or underload streak.
// A zero time means the streak is not running.
type sizingState struct {
	threshold      time.Duration
	overloadSince  time.Time
	underloadSince time.Time
}

// runSizing drives the elastic sizing controller on a periodic tick until
// Stop. Growth and shrink decisions run against a snapshot of the worker
// set taken under the slot mutex, which is separate from the backlog
// mutex; the backlog mutex is taken only briefly to read the backlog
// length.
func (p *Pool) runSizing() {
	defer close(p.sizingDone)
	clock := p.getClock()
	st := sizingState{threshold: p.cfg.GrowOverloadMin}
	for {
		select {
		case <-p.sizingStop:
			return
		case <-clock.After(p.cfg.SizingInterval):
		}
		p.sizingTick(&st, clock.Now())
	}
}

// sizingTick evaluates one observation. Overload precedes shrink
// consideration; at most one size change happens per tick, and the worker
// count always stays within [InitialWorkers, MaxWorkers].
func (p *Pool) sizingTick(st *sizingState, now time.Time) {
	p.slotsMu.Lock()

	count := len(p.slots)
	anyIdle := false
	for _, s := range p.slots {
		if s.idle() {
			anyIdle = true
			break
		}
	}
	backlogLen := p.backlog.len()

	overloaded := count < p.cfg.MaxWorkers && !anyIdle && backlogLen >= count
	if overloaded {
		// Overload implies not underloaded; the underload streak ends.
		st.underloadSince = time.Time{}
		if st.overloadSince.IsZero() {
			st.overloadSince = now
			p.slotsMu.Unlock()
			return
		}
		if now.Sub(st.overloadSince) <= st.threshold {
			p.slotsMu.Unlock()
			return
		}
		p.addSlotLocked()
		grown := len(p.slots)
		used := st.threshold
		st.overloadSince = time.Time{}
		st.threshold *= time.Duration(p.cfg.GrowOverloadFactor)
		if st.threshold > p.cfg.GrowOverloadMax {
			st.threshold = p.cfg.GrowOverloadMax
		}
		p.metrics.Counter(PoolGrownTotal).Inc()
		p.slotsMu.Unlock()

		capitan.Info(context.Background(), SignalPoolGrown,
			FieldPool.Field(p.name),
			FieldWorkerCount.Field(grown),
			FieldBacklogLen.Field(backlogLen),
			FieldThreshold.Field(used.Seconds()),
			FieldTimestamp.Field(float64(now.Unix())),
		)
		p.emitSizeEvent(SizeEventGrown, SizeEvent{
			Pool:      p.name,
			Workers:   grown,
			Backlog:   backlogLen,
			Threshold: used,
			Timestamp: now,
		})
		return
	}

	// First non-overload tick resets the growth streak and its threshold.
	st.overloadSince = time.Time{}
	st.threshold = p.cfg.GrowOverloadMin

	underloaded := count > p.cfg.InitialWorkers && anyIdle && backlogLen == 0
	if !underloaded {
		st.underloadSince = time.Time{}
		p.slotsMu.Unlock()
		return
	}
	if st.underloadSince.IsZero() {
		st.underloadSince = now
		p.slotsMu.Unlock()
		return
	}
	if now.Sub(st.underloadSince) <= p.cfg.ShrinkIdle {
		p.slotsMu.Unlock()
		return
	}

	// Retire the last-added idle slot: clear its lifecycle flag, wake it so
	// it observes the flag, and drop it from the set.
	var retired *workerSlot
	for i := len(p.slots) - 1; i >= 0; i-- {
		if p.slots[i].idle() {
			retired = p.slots[i]
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			break
		}
	}
	st.underloadSince = time.Time{}
	if retired == nil {
		p.slotsMu.Unlock()
		return
	}
	retired.keepRunning.Store(false)
	retired.signal()
	// A retired slot that raced into one last item still finishes it;
	// Stop joins retired slots alongside live ones.
	p.retired = append(p.retired, retired)
	remaining := len(p.slots)
	p.metrics.Counter(PoolShrunkTotal).Inc()
	p.metrics.Gauge(PoolWorkersCurrent).Set(float64(remaining))
	p.slotsMu.Unlock()

	capitan.Info(context.Background(), SignalPoolShrunk,
		FieldPool.Field(p.name),
		FieldWorkerCount.Field(remaining),
		FieldBacklogLen.Field(backlogLen),
		FieldTimestamp.Field(float64(now.Unix())),
	)
	p.emitSizeEvent(SizeEventShrunk, SizeEvent{
		Pool:      p.name,
		Workers:   remaining,
		Backlog:   backlogLen,
		Timestamp: now,
	})
}

func (p *Pool) emitSizeEvent(key hookz.Key, event SizeEvent) {
	if p.sizeHooks.ListenerCount(key) > 0 {
		_ = p.sizeHooks.Emit(context.Background(), key, event) //nolint:errcheck
	}
}
