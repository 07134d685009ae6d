// Package trigger translates a task's trigger specification into next-fire
// semantics. Triggers are pure: all mutable scheduling state lives in the
// scheduler core.
package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/task"
)

// ConfigError reports an invalid trigger specification.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "trigger config: " + e.Msg
	}
	return fmt.Sprintf("trigger config: %s: %s", e.Field, e.Msg)
}

// Trigger computes fire times for one task.
type Trigger interface {
	// Next returns the first fire time strictly after the given instant,
	// or the zero time when the trigger will never fire again.
	Next(after time.Time) time.Time
}

// Options carries process-wide trigger context.
type Options struct {
	// Location is the scheduler timezone. Nil means time.Local.
	Location *time.Location

	// MisfireGrace is the scheduler's misfire grace period. A date trigger
	// whose instant is already in the past is only accepted when a grace
	// period is configured.
	MisfireGrace time.Duration
}

func (o Options) location() *time.Location {
	if o.Location == nil {
		return time.Local
	}
	return o.Location
}

// Parser accepts six-field expressions with the seconds field enabled, plus
// the @every / @hourly descriptors cron ships with.
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New builds a trigger from its specification.
func New(spec task.TriggerSpec, opts Options) (Trigger, error) {
	switch spec.Kind {
	case task.TriggerDate:
		return newDate(spec, opts)
	case task.TriggerInterval:
		return newInterval(spec, opts)
	case task.TriggerCron:
		return newCron(spec, opts)
	default:
		return nil, &ConfigError{Field: "kind", Msg: fmt.Sprintf("unknown trigger kind %q", spec.Kind)}
	}
}

// ---- date ----

type dateTrigger struct {
	at time.Time
}

func newDate(spec task.TriggerSpec, opts Options) (Trigger, error) {
	at := spec.At
	if at.IsZero() {
		at = time.Now().In(opts.location())
	}
	if at.Before(time.Now()) && opts.MisfireGrace <= 0 {
		return nil, &ConfigError{Field: "at", Msg: fmt.Sprintf("fire time %s is in the past and no misfire grace is set", at.Format(time.RFC3339))}
	}
	return &dateTrigger{at: at}, nil
}

func (t *dateTrigger) Next(after time.Time) time.Time {
	if !after.Before(t.at) {
		return time.Time{}
	}
	return t.at
}

// ---- interval ----

type intervalTrigger struct {
	every   time.Duration
	startAt time.Time
	endAt   time.Time
}

func newInterval(spec task.TriggerSpec, opts Options) (Trigger, error) {
	if spec.Every <= 0 {
		return nil, &ConfigError{Field: "every", Msg: "interval must be > 0"}
	}
	return &intervalTrigger{every: spec.Every, startAt: spec.StartAt, endAt: spec.EndAt}, nil
}

func (t *intervalTrigger) Next(after time.Time) time.Time {
	var next time.Time
	if t.startAt.IsZero() {
		next = after.Add(t.every)
	} else if after.Before(t.startAt) {
		next = t.startAt
	} else {
		// Align to the start anchor so pause/resume does not drift the phase.
		elapsed := after.Sub(t.startAt)
		n := elapsed/t.every + 1
		next = t.startAt.Add(n * t.every)
	}
	if !t.endAt.IsZero() && next.After(t.endAt) {
		return time.Time{}
	}
	return next
}

// ---- cron ----

type cronTrigger struct {
	sched   cron.Schedule
	loc     *time.Location
	startAt time.Time
	endAt   time.Time
}

func newCron(spec task.TriggerSpec, opts Options) (Trigger, error) {
	sched, err := parseCronExpr(spec.Expr)
	if err != nil {
		return nil, err
	}
	return &cronTrigger{sched: sched, loc: opts.location(), startAt: spec.StartAt, endAt: spec.EndAt}, nil
}

// parseCronExpr parses the configured six-field expression
// (minute hour dom month dow second) by rotating it into the seconds-first
// order the cron library expects.
func parseCronExpr(expr string) (cron.Schedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 6 {
		return nil, &ConfigError{Field: "expr", Msg: fmt.Sprintf("cron expression %q must have exactly 6 fields (minute hour dom month dow second), got %d", expr, len(fields))}
	}
	rotated := strings.Join(append([]string{fields[5]}, fields[:5]...), " ")
	sched, err := parser.Parse(rotated)
	if err != nil {
		return nil, &ConfigError{Field: "expr", Msg: fmt.Sprintf("cron expression %q: %v", expr, err)}
	}
	return sched, nil
}

func (t *cronTrigger) Next(after time.Time) time.Time {
	after = after.In(t.loc)
	if !t.startAt.IsZero() && after.Before(t.startAt) {
		after = t.startAt
	}
	next := t.sched.Next(after)
	if next.IsZero() {
		return time.Time{}
	}
	if !t.endAt.IsZero() && next.After(t.endAt) {
		return time.Time{}
	}
	return next
}

// Preview returns a short, human-friendly list of the next n fire times.
// Used for debug logging when a job is registered.
func Preview(tr Trigger, from time.Time, n int) string {
	if tr == nil || n <= 0 {
		return ""
	}
	var b strings.Builder
	t := from
	for i := 0; i < n; i++ {
		t = tr.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
