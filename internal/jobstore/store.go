// Package jobstore persists scheduled job state behind a small interface so
// the scheduler core does not care whether jobs live in memory, SQLite, or a
// snapshot file.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"taskd/internal/task"
	"taskd/pkg/logx"
)

var ErrJobNotFound = errors.New("job not found")

// Job is one scheduled entry: the task definition plus its trigger cursor.
type Job struct {
	TaskID     string          `json:"task_id"`
	Definition task.Definition `json:"definition"`
	NextRun    time.Time       `json:"next_run,omitzero"`
	PrevRun    time.Time       `json:"prev_run,omitzero"`
	Paused     bool            `json:"paused,omitempty"`
}

// Store is the persistence API the scheduler core uses. The core's run loop
// is the only writer; other components read snapshots through the core.
type Store interface {
	// Put upserts a job by task id.
	Put(ctx context.Context, j Job) error

	// Get returns the job for the task id, or ErrJobNotFound.
	Get(ctx context.Context, taskID string) (Job, error)

	// Remove deletes the job. Removing an absent job is not an error.
	Remove(ctx context.Context, taskID string) error

	// UpdateRun moves the job's trigger cursor after a firing.
	UpdateRun(ctx context.Context, taskID string, prev, next time.Time) error

	// SetPaused flips the paused flag without touching the cursor.
	SetPaused(ctx context.Context, taskID string, paused bool) error

	// Due returns all non-paused jobs with NextRun <= now, ordered by
	// NextRun; jobs due at the same instant come back highest priority first.
	Due(ctx context.Context, now time.Time) ([]Job, error)

	// NextWake returns the earliest NextRun among non-paused jobs.
	NextWake(ctx context.Context) (time.Time, bool, error)

	// All returns every job (paused included).
	All(ctx context.Context) ([]Job, error)

	Close() error
}

// sortDue orders due jobs for dispatch: earliest NextRun first, ties broken
// by higher definition priority so contested worker slots go to the more
// important task. Every backend funnels its Due result through here.
func sortDue(jobs []Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].NextRun.Equal(jobs[b].NextRun) {
			return jobs[a].NextRun.Before(jobs[b].NextRun)
		}
		return jobs[a].Definition.Priority > jobs[b].Definition.Priority
	})
}

// Kind selects the backend. Parsed once at configuration load; free-form
// strings never reach the scheduler.
type Kind int

const (
	KindMemory Kind = iota
	KindSQLite
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindSQLite:
		return "sqlite"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "memory":
		return KindMemory, nil
	case "sqlite", "sqlite3":
		return KindSQLite, nil
	case "file":
		return KindFile, nil
	default:
		return 0, fmt.Errorf("unknown job store type %q", s)
	}
}

// Config configures storage.
type Config struct {
	Kind Kind

	// URL is the backend location: a database file for sqlite, a snapshot
	// path for file. Ignored by memory.
	URL string

	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch cfg.Kind {
	case KindMemory:
		return newMemory(), nil
	case KindSQLite:
		return openSQLite(cfg, log)
	case KindFile:
		return openFile(cfg, log)
	default:
		return nil, fmt.Errorf("unknown job store kind %v", cfg.Kind)
	}
}
