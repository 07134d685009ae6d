package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned by AddTask when the scheduler has not been
	// started. Other mutations report false instead.
	ErrNotRunning = errors.New("scheduler not running")

	// ErrMaxInstances marks a firing skipped because the task already had
	// max_instances executions in flight.
	ErrMaxInstances = errors.New("max instances in flight; firing skipped")

	// ErrQueueFull marks a firing the executor could not accept.
	ErrQueueFull = errors.New("executor queue full; firing skipped")
)

// StartupError reports a fatal problem during Start(): a bad trigger in a
// replayed job, or an unsupported job-store/executor configuration.
type StartupError struct {
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	if e.Err == nil {
		return "scheduler startup: " + e.Reason
	}
	return fmt.Sprintf("scheduler startup: %s: %v", e.Reason, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
