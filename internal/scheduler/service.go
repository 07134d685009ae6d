// Package scheduler owns the run loop: it decides when tasks fire, dispatches
// their bodies through an executor, tracks per-task run state, and publishes
// lifecycle events. Task CRUD and dependency gating live in the manager.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"taskd/internal/eventbus"
	"taskd/internal/jobstore"
	"taskd/internal/registry"
	"taskd/internal/task"
	"taskd/internal/trigger"
	"taskd/pkg/logx"
)

// Recorder receives every finished execution record. The manager installs one
// to maintain bounded per-task history; it is called synchronously from the
// execution wrapper, making the wrapper the single writer per record.
type Recorder func(task.ExecutionRecord)

type Service struct {
	cfg Config
	reg *registry.Registry
	bus eventbus.Bus
	log logx.Logger

	mu      sync.Mutex
	running bool
	store   jobstore.Store
	exec    executor
	stopCh  chan struct{}
	doneCh  chan struct{}
	wake    chan struct{}

	// triggers holds the runtime trigger per task id, rebuilt on add/replay.
	triggers map[string]trigger.Trigger

	// statusMu guards infos; the execution wrapper is the only writer.
	statusMu sync.Mutex
	infos    map[string]*task.ExecutionInfo

	// max_instances gates, one weighted semaphore per task id.
	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	listenerMu     sync.Mutex
	listeners      []Listener
	asyncListeners []Listener

	recorder atomic.Value // Recorder

	// retry timers pending by run id, canceled on Stop/RemoveTask.
	retryMu     sync.Mutex
	retryTimers map[string]*time.Timer

	inFlight int32
	skipped  uint64
	missed   uint64

	// Throttles repeated dispatch-failure warnings (queue full etc).
	warnLimiter *rate.Limiter
}

func New(cfg Config, reg *registry.Registry, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		reg:         reg,
		bus:         bus,
		log:         log,
		triggers:    map[string]trigger.Trigger{},
		infos:       map[string]*task.ExecutionInfo{},
		sems:        map[string]*semaphore.Weighted{},
		breakers:    map[string]*gobreaker.CircuitBreaker{},
		retryTimers: map[string]*time.Timer{},
		warnLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Start opens the job store, builds the executor, replays persisted active
// jobs, and launches the run loop. A bad store/executor configuration or an
// unreplayable job fails with StartupError.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	store, err := jobstore.Open(s.cfg.JobStore, s.log.With(logx.String("comp", "jobstore")))
	if err != nil {
		return &StartupError{Reason: "job store", Err: err}
	}

	exec := newExecutor(s.cfg.Executor, s.cfg.MaxWorkers, s.cfg.QueueSize, s.log.With(logx.String("comp", "executor")))

	// Replay persisted jobs: rebuild triggers and recompute missing cursors.
	jobs, err := store.All(context.Background())
	if err != nil {
		_ = store.Close()
		return &StartupError{Reason: "job replay", Err: err}
	}
	now := time.Now().In(s.cfg.Location)
	for _, j := range jobs {
		if !j.Definition.Active {
			continue
		}
		tr, err := trigger.New(j.Definition.Trigger, s.triggerOptions())
		if err != nil {
			_ = store.Close()
			return &StartupError{Reason: "job " + j.TaskID, Err: err}
		}
		s.triggers[j.TaskID] = tr
		s.ensureInfoLocked(j.TaskID, j.NextRun)
		// A job with no cursor and no recorded run never fired; recompute.
		// One-shots that already fired stay inert across restarts.
		if j.NextRun.IsZero() && j.PrevRun.IsZero() {
			next := tr.Next(now)
			if next.IsZero() {
				next = firstDateFire(j.Definition)
			}
			if !next.IsZero() {
				_ = store.UpdateRun(context.Background(), j.TaskID, j.PrevRun, next)
			}
		}
	}

	s.store = store
	s.exec = exec
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.wake = make(chan struct{}, 1)
	s.running = true

	exec.start()
	go s.loop(s.stopCh, s.doneCh)

	s.log.Info("scheduler started",
		logx.String("tz", s.cfg.Location.String()),
		logx.String("job_store", s.cfg.JobStore.Kind.String()),
		logx.String("executor", s.cfg.Executor.String()),
		logx.Int("workers", s.cfg.MaxWorkers),
		logx.Int("jobs", len(jobs)))
	return nil
}

// Stop halts the run loop. When wait is true, in-flight executions finish
// before Stop returns. Pending retry timers are always canceled.
func (s *Service) Stop(wait bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	exec := s.exec
	store := s.store
	s.mu.Unlock()

	<-done

	s.retryMu.Lock()
	for id, t := range s.retryTimers {
		t.Stop()
		delete(s.retryTimers, id)
	}
	s.retryMu.Unlock()

	exec.stop(wait)
	if err := store.Close(); err != nil {
		s.log.Warn("job store close failed", logx.Err(err))
	}
	s.log.Info("scheduler stopped", logx.Bool("waited", wait))
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) triggerOptions() trigger.Options {
	return trigger.Options{Location: s.cfg.Location, MisfireGrace: s.cfg.MisfireGrace}
}

// AddTask registers a task definition and schedules its first firing.
// It is the one mutation that is disallowed before Start().
func (s *Service) AddTask(def task.Definition) error {
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	if err := s.registerJobLocked(def); err != nil {
		return err
	}
	s.publish(Event{Type: EventJobAdded, TaskID: def.ID, Time: time.Now()})
	s.nudge()
	return nil
}

// ReloadTask re-registers a definition in place without emitting lifecycle
// events, so listeners cannot mistake a reload for a real removal. An inactive
// definition is withdrawn from the store; its run state, semaphore, and
// breaker survive so a later enable resumes where it left off.
func (s *Service) ReloadTask(def task.Definition) error {
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	if !def.Active {
		delete(s.triggers, def.ID)
		if err := s.store.Remove(context.Background(), def.ID); err != nil {
			return err
		}
		s.nudge()
		return nil
	}
	if err := s.registerJobLocked(def); err != nil {
		return err
	}
	s.nudge()
	return nil
}

// registerJobLocked resolves the function, builds the trigger, and upserts the
// stored job. The current instant is taken before the trigger is built so a
// date trigger that defaults its fire time to "now" still sorts after it.
// Caller holds s.mu with s.running true.
func (s *Service) registerJobLocked(def task.Definition) error {
	// Resolve now so a bad function name fails the add, not the first fire.
	if _, err := s.reg.Resolve(def.Function); err != nil {
		return err
	}

	now := time.Now().In(s.cfg.Location)
	tr, err := trigger.New(def.Trigger, s.triggerOptions())
	if err != nil {
		return err
	}

	// A re-register keeps the previous-run cursor, so an already-fired
	// one-shot is not re-armed by an update or an enable round-trip.
	prev := time.Time{}
	if old, err := s.store.Get(context.Background(), def.ID); err == nil {
		prev = old.PrevRun
	}

	next := time.Time{}
	if def.Active {
		next = tr.Next(now)
		if next.IsZero() && prev.IsZero() {
			next = firstDateFire(def)
		}
	}
	j := jobstore.Job{TaskID: def.ID, Definition: def, NextRun: next, PrevRun: prev}
	if err := s.store.Put(context.Background(), j); err != nil {
		return err
	}
	s.triggers[def.ID] = tr
	s.ensureInfoLocked(def.ID, next)

	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("job registered",
			logx.String("task", def.ID),
			logx.String("trigger", string(def.Trigger.Kind)),
			logx.String("next", trigger.Preview(tr, now, 3)))
	}
	return nil
}

// firstDateFire seeds the cursor for a date trigger whose instant is not
// strictly in the future. The instant itself is stored; the run loop's misfire
// policy decides whether the firing still dispatches or is marked MISSED.
func firstDateFire(def task.Definition) time.Time {
	if def.Trigger.Kind != task.TriggerDate {
		return time.Time{}
	}
	return def.Trigger.At
}

// RemoveTask withdraws the job and purges the core's run state for the id.
// Returns false when the scheduler is not running or the id is unknown.
func (s *Service) RemoveTask(id string) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	_, known := s.triggers[id]
	delete(s.triggers, id)
	store := s.store
	s.mu.Unlock()

	if !known {
		if _, err := store.Get(context.Background(), id); err != nil {
			return false
		}
	}
	if err := store.Remove(context.Background(), id); err != nil {
		s.log.Warn("job remove failed", logx.String("task", id), logx.Err(err))
		return false
	}

	s.statusMu.Lock()
	if info, ok := s.infos[id]; ok {
		info.Status = task.StatusStopped
	}
	delete(s.infos, id)
	s.statusMu.Unlock()

	s.semMu.Lock()
	delete(s.sems, id)
	s.semMu.Unlock()

	s.breakerMu.Lock()
	delete(s.breakers, id)
	s.breakerMu.Unlock()

	s.publish(Event{Type: EventJobRemoved, TaskID: id, Time: time.Now()})
	s.nudge()
	return true
}

// PauseTask suspends firing without touching the computed next fire time.
func (s *Service) PauseTask(id string) bool {
	return s.setPaused(id, true)
}

// ResumeTask lifts a pause; the job's next fire time is left as it was.
func (s *Service) ResumeTask(id string) bool {
	return s.setPaused(id, false)
}

func (s *Service) setPaused(id string, paused bool) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	store := s.store
	s.mu.Unlock()

	if err := store.SetPaused(context.Background(), id, paused); err != nil {
		return false
	}

	s.statusMu.Lock()
	if info, ok := s.infos[id]; ok {
		if paused {
			if info.Status == task.StatusPending || info.Status == task.StatusRunning {
				info.Status = task.StatusPaused
			}
		} else if info.Status == task.StatusPaused {
			info.Status = task.StatusPending
		}
	}
	s.statusMu.Unlock()

	s.nudge()
	return true
}

// RunTaskNow fires the task immediately through the normal execution wrapper.
// The scheduled cursor is not advanced.
func (s *Service) RunTaskNow(id string) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	store := s.store
	s.mu.Unlock()

	j, err := store.Get(context.Background(), id)
	if err != nil {
		return false
	}
	now := time.Now().In(s.cfg.Location)
	if err := s.dispatch(j, now); err != nil {
		s.log.Debug("manual fire skipped", logx.String("task", id), logx.Err(err))
		return false
	}
	return true
}

// ---- read side ----

// Job returns the stored job for id.
func (s *Service) Job(id string) (jobstore.Job, bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return jobstore.Job{}, false
	}
	store := s.store
	s.mu.Unlock()
	j, err := store.Get(context.Background(), id)
	if err != nil {
		return jobstore.Job{}, false
	}
	return j, true
}

// Jobs returns all stored jobs.
func (s *Service) Jobs() []jobstore.Job {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	store := s.store
	s.mu.Unlock()
	jobs, err := store.All(context.Background())
	if err != nil {
		s.log.Warn("job list failed", logx.Err(err))
		return nil
	}
	return jobs
}

// ExecutionInfo returns a copy of the live run-state for id.
func (s *Service) ExecutionInfo(id string) (task.ExecutionInfo, bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	info, ok := s.infos[id]
	if !ok {
		return task.ExecutionInfo{}, false
	}
	return *info, true
}

// AllExecutionInfo returns a copy of every task's live run-state.
func (s *Service) AllExecutionInfo() map[string]task.ExecutionInfo {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	out := make(map[string]task.ExecutionInfo, len(s.infos))
	for id, info := range s.infos {
		out[id] = *info
	}
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.running
	store := s.store
	s.mu.Unlock()

	snap := Snapshot{
		Running:  running,
		Timezone: s.cfg.Location.String(),
		Executor: s.cfg.Executor.String(),
		Workers:  s.cfg.MaxWorkers,
		InFlight: int(atomic.LoadInt32(&s.inFlight)),
		Skipped:  atomic.LoadUint64(&s.skipped),
		Missed:   atomic.LoadUint64(&s.missed),
	}
	if !running {
		return snap
	}
	jobs, err := store.All(context.Background())
	if err != nil {
		return snap
	}
	for _, j := range jobs {
		snap.Jobs = append(snap.Jobs, JobInfo{
			TaskID:  j.TaskID,
			Name:    j.Definition.Name,
			Next:    j.NextRun,
			Prev:    j.PrevRun,
			Paused:  j.Paused,
			Active:  j.Definition.Active,
			Trigger: string(j.Definition.Trigger.Kind),
		})
	}
	return snap
}

// ---- listeners ----

// AddListener registers a synchronous lifecycle listener.
func (s *Service) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

// AddAsyncListener registers a listener invoked on its own goroutine per event.
func (s *Service) AddAsyncListener(fn Listener) {
	if fn == nil {
		return
	}
	s.listenerMu.Lock()
	s.asyncListeners = append(s.asyncListeners, fn)
	s.listenerMu.Unlock()
}

// SetRecorder installs the execution-record sink (normally the manager).
func (s *Service) SetRecorder(r Recorder) {
	s.recorder.Store(r)
}

func (s *Service) record(rec task.ExecutionRecord) {
	v := s.recorder.Load()
	if v == nil {
		return
	}
	r, ok := v.(Recorder)
	if !ok || r == nil {
		return
	}
	r(rec)
}

// publish delivers the event to the bus and every listener. A listener panic
// is logged and swallowed; it must never abort the run loop.
func (s *Service) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: ev.Type, Time: ev.Time, Data: ev})
	}

	s.listenerMu.Lock()
	direct := append([]Listener(nil), s.listeners...)
	async := append([]Listener(nil), s.asyncListeners...)
	s.listenerMu.Unlock()

	for _, fn := range direct {
		s.invokeListener(fn, ev)
	}
	for _, fn := range async {
		go s.invokeListener(fn, ev)
	}
}

func (s *Service) invokeListener(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("event listener panic", logx.String("event", ev.Type), logx.String("task", ev.TaskID), logx.Any("panic", r))
		}
	}()
	fn(ev)
}

// nudge wakes the run loop so it re-reads the store after a mutation.
func (s *Service) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ensureInfoLocked initializes the live run-state entry for a task id, or
// refreshes its next fire time when the entry survived a reload.
// Caller holds s.mu.
func (s *Service) ensureInfoLocked(id string, next time.Time) {
	s.statusMu.Lock()
	if info, ok := s.infos[id]; ok {
		info.NextRunTime = next
	} else {
		s.infos[id] = &task.ExecutionInfo{TaskID: id, Status: task.StatusPending, NextRunTime: next}
	}
	s.statusMu.Unlock()
}
