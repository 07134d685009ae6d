package task

import "time"

// ExecutionInfo is the mutable run-state for one task id. Exactly one live
// instance exists per task; the scheduler's execution wrapper is the only
// writer. Callers get copies.
type ExecutionInfo struct {
	TaskID      string        `json:"task_id"`
	Status      Status        `json:"status"`
	StartTime   time.Time     `json:"start_time,omitzero"`
	EndTime     time.Time     `json:"end_time,omitzero"`
	Duration    time.Duration `json:"duration"`
	Result      any           `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	RetriesUsed int           `json:"retries_used"`
	NextRunTime time.Time     `json:"next_run_time,omitzero"`
}

// ExecutionRecord is one entry in a task's bounded execution history.
//
// A retry attempt is recorded under the same task id with RetryOf set to the
// run id of the attempt it retries, so history queries for the original id
// naturally include the whole retry chain.
type ExecutionRecord struct {
	RunID       string        `json:"run_id"`
	TaskID      string        `json:"task_id"`
	Status      Status        `json:"status"`
	ScheduledAt time.Time     `json:"scheduled_at,omitzero"`
	StartTime   time.Time     `json:"start_time,omitzero"`
	EndTime     time.Time     `json:"end_time,omitzero"`
	QueueDelay  time.Duration `json:"queue_delay"`
	Duration    time.Duration `json:"duration"`
	Result      any           `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempt     int           `json:"attempt"`
	RetryOf     string        `json:"retry_of,omitempty"`
}
