package monitor

import (
	"time"

	"taskd/internal/task"
)

// TaskMetrics is the rolling aggregate for one task. It is only ever written
// by the monitor's event loop; readers get copies.
type TaskMetrics struct {
	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`

	TotalRuns      uint64 `json:"total_runs"`
	SuccessfulRuns uint64 `json:"successful_runs"`
	FailedRuns     uint64 `json:"failed_runs"`
	MissedRuns     uint64 `json:"missed_runs"`

	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`

	SuccessRate float64 `json:"success_rate"`
	FailureRate float64 `json:"failure_rate"`
	RunsPerHour float64 `json:"runs_per_hour"`

	FirstRun   time.Time   `json:"first_run,omitzero"`
	LastRun    time.Time   `json:"last_run,omitzero"`
	LastStatus task.Status `json:"last_status,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
}

// observe folds one finished run into the aggregate.
func (tm *TaskMetrics) observe(rec task.ExecutionRecord) {
	now := rec.EndTime
	if now.IsZero() {
		now = time.Now()
	}
	if tm.FirstRun.IsZero() {
		tm.FirstRun = now
	}
	tm.LastRun = now
	tm.LastStatus = rec.Status
	tm.LastError = rec.Error

	tm.TotalRuns++
	switch rec.Status {
	case task.StatusSuccess:
		tm.SuccessfulRuns++
	case task.StatusError:
		tm.FailedRuns++
	case task.StatusMissed:
		tm.MissedRuns++
	}

	if rec.Status != task.StatusMissed {
		d := rec.Duration
		tm.TotalDuration += d
		if tm.MinDuration == 0 || d < tm.MinDuration {
			tm.MinDuration = d
		}
		if d > tm.MaxDuration {
			tm.MaxDuration = d
		}
	}
	tm.recompute(now)
}

// recompute refreshes the derived fields. Called on every observation and by
// the periodic refresh loop.
func (tm *TaskMetrics) recompute(now time.Time) {
	executed := tm.SuccessfulRuns + tm.FailedRuns
	if executed > 0 {
		tm.AvgDuration = tm.TotalDuration / time.Duration(executed)
		tm.SuccessRate = float64(tm.SuccessfulRuns) / float64(executed)
		tm.FailureRate = float64(tm.FailedRuns) / float64(executed)
	}
	if !tm.FirstRun.IsZero() {
		hours := now.Sub(tm.FirstRun).Hours()
		if hours < 1.0/60 {
			hours = 1.0 / 60
		}
		tm.RunsPerHour = float64(tm.TotalRuns) / hours
	}
}

// GlobalMetrics aggregates across every task plus live scheduler state.
type GlobalMetrics struct {
	TotalTasks   int `json:"total_tasks"`
	PendingTasks int `json:"pending_tasks"`
	RunningTasks int `json:"running_tasks"`
	SuccessTasks int `json:"success_tasks"`
	ErrorTasks   int `json:"error_tasks"`
	MissedTasks  int `json:"missed_tasks"`
	PausedTasks  int `json:"paused_tasks"`

	TotalRuns          uint64  `json:"total_runs"`
	OverallSuccessRate float64 `json:"overall_success_rate"`

	UptimeSeconds float64 `json:"uptime_seconds"`
}

// MetricsTree is the full snapshot returned by GetAllMetrics and dumped by
// the JSON export.
type MetricsTree struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Global      GlobalMetrics          `json:"global_metrics"`
	Tasks       map[string]TaskMetrics `json:"task_metrics"`
	Custom      map[string]float64     `json:"custom_metrics,omitempty"`
}
