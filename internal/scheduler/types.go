package scheduler

import (
	"fmt"
	"strings"
	"time"

	"taskd/internal/config"
	"taskd/internal/jobstore"
	"taskd/internal/task"
)

// Event names published on the bus and to registered listeners.
const (
	EventJobAdded    = "job_added"
	EventJobRemoved  = "job_removed"
	EventJobExecuted = "job_executed"
	EventJobError    = "job_error"
	EventJobMissed   = "job_missed"
)

// Event is the payload delivered to listeners and bus subscribers.
// Record is set for executed/error/missed events.
type Event struct {
	Type   string                `json:"type"`
	TaskID string                `json:"task_id"`
	Time   time.Time             `json:"time"`
	Status task.Status           `json:"status,omitempty"`
	Record *task.ExecutionRecord `json:"record,omitempty"`
	Result any                   `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// Listener receives lifecycle events. Sync listeners run inline on the
// publishing goroutine; async listeners each get their own goroutine per
// event. Either way a listener failure is logged and swallowed.
type Listener func(Event)

// ExecKind selects how task bodies are dispatched.
type ExecKind int

const (
	// ExecPool runs bodies on a bounded worker pool so blocking callables
	// never stall the run loop.
	ExecPool ExecKind = iota
	// ExecGoroutine spawns one goroutine per firing, for callables that
	// suspend on their own I/O boundaries.
	ExecGoroutine
)

func (k ExecKind) String() string {
	switch k {
	case ExecPool:
		return "pool"
	case ExecGoroutine:
		return "goroutine"
	default:
		return fmt.Sprintf("exec(%d)", int(k))
	}
}

func ParseExecKind(s string) (ExecKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pool":
		return ExecPool, nil
	case "goroutine":
		return ExecGoroutine, nil
	default:
		return 0, fmt.Errorf("unknown executor type %q", s)
	}
}

// CircuitConfig enables the optional per-task circuit breaker.
type CircuitConfig struct {
	TripFailures uint32
	OpenTimeout  time.Duration
}

// Config is the scheduler core's typed configuration, produced once from the
// config document at load time. Reload requires a stopped scheduler.
type Config struct {
	Location *time.Location
	Coalesce bool

	// MisfireGrace bounds how late a due firing may still dispatch; anything
	// later is recorded MISSED without running. Zero disables the misfire
	// policy so firings dispatch no matter how late. The config document
	// defaults the field to one minute when it is left unset.
	MisfireGrace time.Duration

	JobStore jobstore.Config

	Executor   ExecKind
	MaxWorkers int
	QueueSize  int

	// Retry delay policy when a task's retry_delay is 0.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	Circuit *CircuitConfig
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	return c
}

// ConfigFromDocument maps the loaded config document into the typed Config.
// Unknown job-store or executor types surface here, before Start().
func ConfigFromDocument(doc *config.Config) (Config, error) {
	var out Config
	sc := doc.Scheduler

	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return out, fmt.Errorf("scheduler.timezone: %w", err)
		}
		out.Location = loc
	}

	out.Coalesce = true
	if sc.Coalesce != nil {
		out.Coalesce = *sc.Coalesce
	}

	// An unset grace defaults to one minute; an explicit "0s" disables the
	// misfire policy.
	var err error
	out.MisfireGrace = time.Minute
	if strings.TrimSpace(sc.MisfireGraceTime) != "" {
		if out.MisfireGrace, err = config.ParseDurationField("scheduler.misfire_grace_time", sc.MisfireGraceTime); err != nil {
			return out, err
		}
	}
	if out.RetryBase, err = config.ParseDurationField("scheduler.retry_base", sc.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("scheduler.retry_max_delay", sc.RetryMaxDelay); err != nil {
		return out, err
	}

	kind, err := jobstore.ParseKind(sc.JobStore.Type)
	if err != nil {
		return out, fmt.Errorf("scheduler.job_store.type: %w", err)
	}
	busy, err := config.ParseDurationField("scheduler.job_store.busy_timeout", sc.JobStore.BusyTimeout)
	if err != nil {
		return out, err
	}
	out.JobStore = jobstore.Config{Kind: kind, URL: sc.JobStore.URL, BusyTimeout: busy}

	if out.Executor, err = ParseExecKind(sc.Executor.Type); err != nil {
		return out, fmt.Errorf("scheduler.executor.type: %w", err)
	}
	out.MaxWorkers = sc.Executor.MaxWorkers
	if out.MaxWorkers <= 0 {
		out.MaxWorkers = sc.MaxWorkers
	}
	out.QueueSize = sc.Executor.QueueSize

	if cb := sc.CircuitBreaker; cb != nil && cb.Enabled {
		trip := cb.TripFailures
		if trip <= 0 {
			trip = 5
		}
		openTimeout, err := config.ParseDurationOrDefault("scheduler.circuit_breaker.open_timeout", cb.OpenTimeout, 30*time.Second)
		if err != nil {
			return out, err
		}
		out.Circuit = &CircuitConfig{TripFailures: uint32(trip), OpenTimeout: openTimeout}
	}

	return out, nil
}

// JobInfo is a read-only view of one scheduled job for diagnostics.
type JobInfo struct {
	TaskID  string    `json:"task_id"`
	Name    string    `json:"name"`
	Next    time.Time `json:"next,omitzero"`
	Prev    time.Time `json:"prev,omitzero"`
	Paused  bool      `json:"paused"`
	Active  bool      `json:"active"`
	Trigger string    `json:"trigger"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Executor string    `json:"executor"`
	Workers  int       `json:"workers"`
	InFlight int       `json:"in_flight"`
	Skipped  uint64    `json:"skipped_max_instances"`
	Missed   uint64    `json:"missed"`
	Jobs     []JobInfo `json:"jobs"`
}
