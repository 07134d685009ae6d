// Package manager layers dependency-aware operations over the scheduler core:
// task creation with generated ids, dependency-gated manual execution, task
// chains, bounded per-task execution history, and enable/disable reloads.
package manager

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"taskd/internal/scheduler"
	"taskd/internal/task"
	"taskd/pkg/logx"
)

// historyLimit bounds retained execution records per task.
const historyLimit = 20

type Manager struct {
	sched *scheduler.Service
	log   logx.Logger

	mu      sync.Mutex
	defs    map[string]task.Definition
	history map[string][]task.ExecutionRecord
	locks   map[string]*sync.Mutex
}

// New builds a manager over sched and installs itself as the core's execution
// recorder, making it the single writer of execution history.
func New(sched *scheduler.Service, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		sched:   sched,
		log:     log,
		defs:    map[string]task.Definition{},
		history: map[string][]task.ExecutionRecord{},
		locks:   map[string]*sync.Mutex{},
	}
	sched.SetRecorder(m.recordExecution)
	return m
}

// recordExecution appends a finished run to the task's bounded history.
// Called synchronously from the core's execution wrapper. Records for ids no
// longer managed are dropped, so an execution that outlives its removal cannot
// resurrect a purged history entry.
func (m *Manager) recordExecution(rec task.ExecutionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[rec.TaskID]; !ok {
		return
	}
	h := append(m.history[rec.TaskID], rec)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	m.history[rec.TaskID] = h
}

// CreateTask registers def with the core. A def without an id gets a
// time-based one derived from its name. Returns the canonical id.
func (m *Manager) CreateTask(def task.Definition) (string, error) {
	if def.ID == "" {
		base := def.Name
		if base == "" {
			base = def.Function
		}
		def.ID = generateID(base)
	}
	def = def.WithDefaults()

	// Managed before scheduled: a trigger that fires the moment the core
	// accepts it must find the definition already present so its first
	// record is kept.
	m.mu.Lock()
	m.defs[def.ID] = def
	m.mu.Unlock()

	if err := m.sched.AddTask(def); err != nil {
		m.Purge(def.ID)
		return "", err
	}

	m.log.Info("task created",
		logx.String("task", def.ID),
		logx.String("function", def.Function),
		logx.Int("deps", len(def.DependsOn)))
	return def.ID, nil
}

func generateID(name string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
	if slug == "" {
		slug = "task"
	}
	return fmt.Sprintf("%s_%d", slug, time.Now().UnixNano())
}

// UpdateTask replaces the definition stored under def.ID and reloads the job
// in place so trigger or argument changes take effect immediately. History
// and metrics for the id are retained; no removal event is emitted. A failed
// reload leaves the previous job registered and the previous definition
// managed.
func (m *Manager) UpdateTask(def task.Definition) error {
	m.mu.Lock()
	_, ok := m.defs[def.ID]
	m.mu.Unlock()
	if !ok {
		if _, found := m.sched.Job(def.ID); !found {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, def.ID)
		}
	}

	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return err
	}

	if err := m.sched.ReloadTask(def); err != nil {
		return err
	}

	m.mu.Lock()
	m.defs[def.ID] = def
	m.mu.Unlock()

	m.log.Info("task updated",
		logx.String("task", def.ID),
		logx.String("function", def.Function),
		logx.Bool("active", def.Active))
	return nil
}

// RemoveTask withdraws the task from the core and purges every manager-side
// trace of it. The purge is all-or-nothing with respect to this manager.
func (m *Manager) RemoveTask(id string) bool {
	removed := m.sched.RemoveTask(id)
	m.Purge(id)
	return removed
}

// Purge drops the manager's definition, history, and lock for id without
// touching the core. Used on removal paths that already withdrew the job.
func (m *Manager) Purge(id string) {
	m.mu.Lock()
	delete(m.defs, id)
	delete(m.history, id)
	delete(m.locks, id)
	m.mu.Unlock()
}

// EnableTask marks the task active and reloads its job in the core.
func (m *Manager) EnableTask(id string) error {
	return m.setActive(id, true)
}

// DisableTask marks the task inactive and withdraws its job from the core.
// Unlike RemoveTask this emits no removal event, so history and metrics for
// the id (and for every other task) stay intact.
func (m *Manager) DisableTask(id string) error {
	return m.setActive(id, false)
}

// setActive flips the flag and reloads just that task's registration.
func (m *Manager) setActive(id string, active bool) error {
	m.mu.Lock()
	def, ok := m.defs[id]
	if !ok {
		if j, found := m.sched.Job(id); found {
			def = j.Definition
			ok = true
		}
	}
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	def.Active = active
	m.defs[id] = def
	m.mu.Unlock()

	if err := m.sched.ReloadTask(def); err != nil {
		m.log.Error("task reload failed", logx.String("task", id), logx.Err(err))
		return err
	}
	m.log.Info("task reloaded", logx.String("task", id), logx.Bool("active", active))
	return nil
}

// Definition returns the managed definition for id.
func (m *Manager) Definition(id string) (task.Definition, bool) {
	m.mu.Lock()
	def, ok := m.defs[id]
	m.mu.Unlock()
	if ok {
		return def, true
	}
	if j, found := m.sched.Job(id); found {
		return j.Definition, true
	}
	return task.Definition{}, false
}

// History returns a copy of the retained execution records for id,
// oldest first. Retries appear as records carrying a retry_of back-reference.
func (m *Manager) History(id string) []task.ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[id]
	if len(h) == 0 {
		return nil
	}
	return append([]task.ExecutionRecord(nil), h...)
}

// Info returns the core's live run-state for id.
func (m *Manager) Info(id string) (task.ExecutionInfo, bool) {
	return m.sched.ExecutionInfo(id)
}

// taskLock serializes manual executions of one task id.
func (m *Manager) taskLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// HasLock reports whether a per-task lock exists for id.
func (m *Manager) HasLock(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[id]
	return ok
}
