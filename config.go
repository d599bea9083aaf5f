package poolz

import (
	"fmt"
	"runtime"
	"time"

	"github.com/zoobzio/clockz"
)

// Priority is the scheduling priority requested for the pool's workers.
// The Go runtime schedules goroutines itself, so the priority is advisory:
// it is recorded on the pool and exposed for diagnostics, and hosts that
// pin workers to OS threads may act on it.
type Priority int

// Worker priorities, lowest to highest. PriorityNormal is the default.
const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityAboveNormal
	PriorityHigh
	PriorityRealtime
)

// String returns the priority name for logging.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityAboveNormal:
		return "above-normal"
	case PriorityHigh:
		return "high"
	case PriorityRealtime:
		return "realtime"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// CPUTimeFunc reports the CPU time consumed by the calling goroutine's
// thread. It is an optional capability supplied by the host; when set, it is
// sampled on the executing worker immediately before and after each task,
// and the delta becomes the item's CPU duration. When nil, CPU durations
// are left unset and totals omit them.
type CPUTimeFunc func() time.Duration

// Config controls a Pool. The zero value is usable: every field has a
// default applied at construction, after which the configuration is frozen.
type Config struct {
	// InitialWorkers is the number of workers spawned at construction and
	// the floor the pool never shrinks below. Defaults to the logical CPU
	// count.
	InitialWorkers int

	// MaxWorkers is the ceiling the pool never grows beyond. Defaults to
	// four times the logical CPU count, and must be at least
	// InitialWorkers.
	MaxWorkers int

	// Priority is the advisory scheduling priority for workers.
	Priority Priority

	// Detached marks the workers as not blocking process exit. Goroutines
	// never block exit, so this is advisory and recorded for diagnostics.
	Detached bool

	// MaxBacklog bounds the shared backlog. Zero means unbounded; a
	// negative value is rejected at construction. When the backlog is
	// full, Enqueue blocks until space frees or the pool stops.
	MaxBacklog int

	// SpinCount is how many times an admission or wait loop busy-checks
	// its predicate before parking. Defaults to 100.
	SpinCount int

	// ParkWait is the upper bound on a single park. Every park is finite
	// so shutdown is observed with bounded latency. Defaults to 1ms.
	ParkWait time.Duration

	// GrowOverloadMin is the initial duration overload must persist
	// before the pool grows by one worker. Defaults to 100ms.
	GrowOverloadMin time.Duration

	// GrowOverloadMax caps the overload threshold. Defaults to 6.4s.
	GrowOverloadMax time.Duration

	// GrowOverloadFactor multiplies the overload threshold after each
	// growth. Defaults to 2.
	GrowOverloadFactor int

	// ShrinkIdle is how long underload must persist before the pool
	// retires one worker. Defaults to 30s.
	ShrinkIdle time.Duration

	// SizingInterval is the sizing controller's tick period. Defaults to
	// 100ms.
	SizingInterval time.Duration

	// CPUTime is the optional per-thread CPU time capability.
	CPUTime CPUTimeFunc

	// Clock is the time source for all timing, parks, and sizing ticks.
	// Defaults to clockz.RealClock.
	Clock clockz.Clock
}

// normalize applies defaults and validates the result. It is called once by
// New; the returned Config is the frozen effective configuration.
func (c Config) normalize() (Config, error) {
	if c.MaxBacklog < 0 {
		return c, fmt.Errorf("%w: MaxBacklog %d is negative", ErrInvalidConfig, c.MaxBacklog)
	}
	if c.InitialWorkers < 0 {
		return c, fmt.Errorf("%w: InitialWorkers %d is negative", ErrInvalidConfig, c.InitialWorkers)
	}
	if c.InitialWorkers == 0 {
		c.InitialWorkers = runtime.NumCPU()
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 4 * runtime.NumCPU()
		if c.MaxWorkers < c.InitialWorkers {
			c.MaxWorkers = c.InitialWorkers
		}
	}
	if c.MaxWorkers < c.InitialWorkers {
		return c, fmt.Errorf("%w: MaxWorkers %d is below InitialWorkers %d", ErrInvalidConfig, c.MaxWorkers, c.InitialWorkers)
	}
	if c.Priority < PriorityLow || c.Priority > PriorityRealtime {
		return c, fmt.Errorf("%w: unknown priority %d", ErrInvalidConfig, int(c.Priority))
	}
	if c.SpinCount <= 0 {
		c.SpinCount = 100
	}
	if c.ParkWait <= 0 {
		c.ParkWait = time.Millisecond
	}
	if c.GrowOverloadMin <= 0 {
		c.GrowOverloadMin = 100 * time.Millisecond
	}
	if c.GrowOverloadMax <= 0 {
		c.GrowOverloadMax = 6400 * time.Millisecond
	}
	if c.GrowOverloadMax < c.GrowOverloadMin {
		return c, fmt.Errorf("%w: GrowOverloadMax %v is below GrowOverloadMin %v", ErrInvalidConfig, c.GrowOverloadMax, c.GrowOverloadMin)
	}
	if c.GrowOverloadFactor <= 0 {
		c.GrowOverloadFactor = 2
	}
	if c.ShrinkIdle <= 0 {
		c.ShrinkIdle = 30 * time.Second
	}
	if c.SizingInterval <= 0 {
		c.SizingInterval = 100 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clockz.RealClock
	}
	return c, nil
}
