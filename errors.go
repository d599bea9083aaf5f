package poolz

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by pool infrastructure. Task errors are never
// wrapped in these; they are stored on the item and surfaced via Item.Err.
var (
	// ErrInvalidConfig indicates a construction-time configuration
	// violation, such as a negative backlog bound or MaxWorkers below
	// InitialWorkers. New wraps it with the specific violation.
	ErrInvalidConfig = errors.New("poolz: invalid configuration")

	// ErrShuttingDown is returned when an admission, wait, or batch
	// operation observes that the pool is stopping. Items still on the
	// backlog at shutdown never reach a terminal state; waiters on them
	// receive this error.
	ErrShuttingDown = errors.New("poolz: pool is shutting down")
)

// AggregateError bundles the errors of every failed item in a child pool.
// It is returned only by Child.ThrowAggregate, and only when at least one
// tracked item failed.
type AggregateError struct {
	Errors []error
}

// Error implements the error interface, listing each bundled failure.
func (e *AggregateError) Error() string {
	if e == nil || len(e.Errors) == 0 {
		return "poolz: no task failures"
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("poolz: %d task(s) failed: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap returns the bundled errors, supporting errors.Is and errors.As
// against any individual task failure.
func (e *AggregateError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return e.Errors
}
