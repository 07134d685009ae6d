package task

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task's most recent (or in-flight) run.
//
// Transitions: PENDING -> RUNNING -> {SUCCESS, ERROR, MISSED}.
// ERROR may schedule a retry, which re-enters PENDING under the same task id.
// PENDING/RUNNING can move to PAUSED via PauseTask; removal moves any state
// to STOPPED.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
	StatusMissed  Status = "MISSED"
	StatusPaused  Status = "PAUSED"
	StatusStopped Status = "STOPPED"
)

// Terminal reports whether the status is an end state for a single firing.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusMissed, StatusStopped:
		return true
	}
	return false
}

type TriggerKind string

const (
	TriggerDate     TriggerKind = "date"
	TriggerInterval TriggerKind = "interval"
	TriggerCron     TriggerKind = "cron"
)

// TriggerSpec describes when a task fires. Exactly one kind applies.
type TriggerSpec struct {
	Kind TriggerKind `json:"kind"`

	// At is the single fire instant for date triggers. Zero means "now".
	At time.Time `json:"at,omitzero"`

	// Every is the period for interval triggers.
	Every time.Duration `json:"every,omitempty"`

	// Expr is the cron expression for cron triggers, in the order
	// "minute hour day month day-of-week second" (six fields).
	Expr string `json:"expr,omitempty"`

	// Optional validity window for interval/cron triggers.
	StartAt time.Time `json:"start_at,omitzero"`
	EndAt   time.Time `json:"end_at,omitzero"`
}

// Definition is the static description of one schedulable unit of work.
// It is owned by the Task Manager; the scheduler only reads it.
type Definition struct {
	ID       string      `json:"task_id"`
	Name     string      `json:"name"`
	Function string      `json:"task_function"` // registry key, never an import path
	Trigger  TriggerSpec `json:"trigger"`

	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`

	// Priority breaks ties among jobs due at the same instant; higher
	// dispatches first.
	Priority     int           `json:"priority"`
	MaxInstances int           `json:"max_instances"`
	RetryCount   int           `json:"retry_count"`
	RetryDelay   time.Duration `json:"retry_delay"`
	Timeout      time.Duration `json:"timeout"`

	DependsOn []string `json:"depends_on,omitempty"`
	Active    bool     `json:"active"`

	Tags map[string]string `json:"tags,omitempty"`
}

// WithDefaults fills the defaults for omitted optional fields.
func (d Definition) WithDefaults() Definition {
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.MaxInstances <= 0 {
		d.MaxInstances = 1
	}
	if d.RetryCount < 0 {
		d.RetryCount = 0
	}
	if d.RetryDelay < 0 {
		d.RetryDelay = 0
	}
	if d.Timeout < 0 {
		d.Timeout = 0
	}
	return d
}

// Validate checks the fields the scheduler depends on.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(d.Function) == "" {
		return fmt.Errorf("task %s: function name is required", d.ID)
	}
	switch d.Trigger.Kind {
	case TriggerDate, TriggerInterval, TriggerCron:
	default:
		return fmt.Errorf("task %s: unknown trigger kind %q", d.ID, d.Trigger.Kind)
	}
	return nil
}
