package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Config is the process-wide configuration document.
//
// Loaded once at process start. Reload is supported through the watcher, but
// only applies when the scheduler is stopped; a change detected while jobs
// are in flight is recorded as pending.
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`

	// Tasks maps task id -> task definition fields (see internal/task).
	// The task_id field inside the map defaults to the key.
	Tasks map[string]map[string]any `json:"tasks,omitempty"`
}

// SchedulerConfig controls the scheduler core.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	// Timezone is an IANA TZ name, e.g. "Asia/Jakarta". Empty means local.
	Timezone string `json:"timezone,omitempty"`

	// MaxWorkers is the default worker count when executor.max_workers is 0.
	MaxWorkers int `json:"max_workers,omitempty"`

	// Coalesce collapses multiple overdue firings of a task into one.
	// Pointer so "omitted" defaults to true.
	Coalesce *bool `json:"coalesce,omitempty"`

	// MisfireGraceTime is how late a firing may be dispatched before it is
	// recorded as MISSED instead of executed. Omitted defaults to one minute;
	// an explicit "0s" disables the misfire policy.
	MisfireGraceTime string `json:"misfire_grace_time,omitempty"`

	JobStore JobStoreConfig `json:"job_store"`
	Executor ExecutorConfig `json:"executor"`

	// Retry delay used when a task's retry_delay is 0: exponential backoff
	// starting at RetryBase, capped at RetryMaxDelay.
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// Circuit breaker (per task, consecutive-failure based). Off by default.
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty"`

	Monitor MonitorConfig `json:"monitor,omitempty"`
}

// JobStoreConfig selects the persistence backend for scheduled job state.
//
// Types: "memory" (default), "sqlite", "file". Unknown types fail startup.
type JobStoreConfig struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`

	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ExecutorConfig selects how task bodies run.
//
// Types: "pool" (bounded workers, default) or "goroutine" (spawn per job).
// Unknown types fail startup.
type ExecutorConfig struct {
	Type       string `json:"type,omitempty"`
	MaxWorkers int    `json:"max_workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
}

type CircuitBreakerConfig struct {
	Enabled      bool   `json:"enabled"`
	TripFailures int    `json:"trip_failures,omitempty"` // default 5
	OpenTimeout  string `json:"open_timeout,omitempty"`  // default "30s"
}

// MonitorConfig controls the metrics refresh loop.
type MonitorConfig struct {
	RefreshInterval string `json:"refresh_interval,omitempty"` // default "30s"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Validate performs the structural checks that do not need the registry:
// known enum values and parseable durations.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("scheduler.misfire_grace_time", c.Scheduler.MisfireGraceTime); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.retry_base", c.Scheduler.RetryBase); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.retry_max_delay", c.Scheduler.RetryMaxDelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.job_store.busy_timeout", c.Scheduler.JobStore.BusyTimeout); err != nil {
		return err
	}
	if cb := c.Scheduler.CircuitBreaker; cb != nil {
		if _, err := ParseDurationField("scheduler.circuit_breaker.open_timeout", cb.OpenTimeout); err != nil {
			return err
		}
	}
	if _, err := ParseDurationField("scheduler.monitor.refresh_interval", c.Scheduler.Monitor.RefreshInterval); err != nil {
		return err
	}
	switch c.Scheduler.JobStore.Type {
	case "", "memory", "sqlite", "sqlite3", "file":
	default:
		return fmt.Errorf("scheduler.job_store.type: unknown type %q", c.Scheduler.JobStore.Type)
	}
	switch c.Scheduler.Executor.Type {
	case "", "pool", "goroutine":
	default:
		return fmt.Errorf("scheduler.executor.type: unknown type %q", c.Scheduler.Executor.Type)
	}
	return nil
}
