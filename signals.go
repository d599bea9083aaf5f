package poolz

import "github.com/zoobzio/capitan"

// Signal constants for pool events.
// Signals follow the pattern: <component>.<event>.
const (
	// Pool lifecycle signals.
	SignalPoolStopping capitan.Signal = "pool.stopping"
	SignalPoolStopped  capitan.Signal = "pool.stopped"

	// Admission signals.
	SignalPoolSaturated capitan.Signal = "pool.saturated"

	// Sizing signals.
	SignalPoolGrown  capitan.Signal = "pool.grown"
	SignalPoolShrunk capitan.Signal = "pool.shrunk"

	// Worker signals.
	SignalWorkerStarted capitan.Signal = "worker.started"
	SignalWorkerExited  capitan.Signal = "worker.exited"
)

// Common field keys using capitan primitive types.
// All keys use primitive types to avoid custom struct serialization.
var (
	// Common fields.
	FieldPool      = capitan.NewStringKey("pool")       // Pool instance name
	FieldTimestamp = capitan.NewFloat64Key("timestamp") // Unix timestamp

	// Admission fields.
	FieldBacklogLen = capitan.NewIntKey("backlog_len") // Current backlog depth
	FieldMaxBacklog = capitan.NewIntKey("max_backlog") // Configured backlog bound

	// Sizing fields.
	FieldWorkerCount = capitan.NewIntKey("worker_count")  // Worker count after the change
	FieldThreshold   = capitan.NewFloat64Key("threshold") // Overload threshold in seconds

	// Worker fields.
	FieldWorkerID = capitan.NewIntKey("worker_id") // Managed worker id
)
