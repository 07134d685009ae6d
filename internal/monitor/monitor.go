// Package monitor derives rolling per-task and global metrics from scheduler
// lifecycle events, and renders them as performance reports, a JSON tree, or
// a Prometheus text exposition.
package monitor

import (
	"sort"
	"sync"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/scheduler"
	"taskd/internal/task"
	"taskd/pkg/logx"
)

const defaultRefreshInterval = 30 * time.Second

type Config struct {
	// RefreshInterval is the cadence of the derived-gauge recompute loop.
	RefreshInterval time.Duration
}

type Monitor struct {
	sched *scheduler.Service
	bus   eventbus.Bus
	log   logx.Logger
	cfg   Config

	mu      sync.Mutex
	tasks   map[string]*TaskMetrics
	custom  map[string]float64
	global  GlobalMetrics
	started time.Time

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	unsub   func()
}

func New(sched *scheduler.Service, bus eventbus.Bus, cfg Config, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	return &Monitor{
		sched:  sched,
		bus:    bus,
		log:    log,
		cfg:    cfg,
		tasks:  map[string]*TaskMetrics{},
		custom: map[string]float64{},
	}
}

// Start subscribes to lifecycle events and launches the refresh loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.started = time.Now()
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	events, unsub := m.bus.SubscribeTypes(128,
		scheduler.EventJobExecuted,
		scheduler.EventJobError,
		scheduler.EventJobMissed,
		scheduler.EventJobRemoved,
	)
	m.unsub = unsub

	go m.loop(events)
	m.log.Info("monitor started", logx.Duration("refresh", m.cfg.RefreshInterval))
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	m.unsub()
	<-done
	m.log.Info("monitor stopped")
}

func (m *Monitor) loop(events <-chan eventbus.Event) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.safeApply(ev)
		case <-ticker.C:
			m.safeRefresh()
		}
	}
}

// safeApply contains a metrics-update panic; metrics degradation must never
// stop scheduling.
func (m *Monitor) safeApply(ev eventbus.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("metrics update panic", logx.String("event", ev.Type), logx.Any("panic", r))
		}
	}()
	m.apply(ev)
}

func (m *Monitor) apply(ev eventbus.Event) {
	sev, ok := ev.Data.(scheduler.Event)
	if !ok {
		return
	}

	if sev.Type == scheduler.EventJobRemoved {
		m.RemoveTask(sev.TaskID)
		return
	}
	if sev.Record == nil {
		return
	}

	m.mu.Lock()
	tm := m.taskEntryLocked(sev.TaskID)
	if tm != nil {
		tm.observe(*sev.Record)
	}
	m.mu.Unlock()
}

// taskEntryLocked returns (creating if needed) the aggregate for id. An id
// with no retained aggregate and no stored job is a record from an execution
// that outlived its removal; it returns nil so the purge sticks.
// Caller holds m.mu.
func (m *Monitor) taskEntryLocked(id string) *TaskMetrics {
	if tm, ok := m.tasks[id]; ok {
		return tm
	}
	j, found := m.sched.Job(id)
	if !found {
		return nil
	}
	name := id
	if j.Definition.Name != "" {
		name = j.Definition.Name
	}
	tm := &TaskMetrics{TaskID: id, TaskName: name}
	m.tasks[id] = tm
	return tm
}

func (m *Monitor) safeRefresh() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("metrics refresh panic", logx.Any("panic", r))
		}
	}()
	m.refresh()
}

// refresh recomputes derived gauges from live scheduler state so metrics stay
// honest even when no event has arrived since the last tick.
func (m *Monitor) refresh() {
	infos := m.sched.AllExecutionInfo()
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var g GlobalMetrics
	g.TotalTasks = len(infos)
	for _, info := range infos {
		switch info.Status {
		case task.StatusPending:
			g.PendingTasks++
		case task.StatusRunning:
			g.RunningTasks++
		case task.StatusSuccess:
			g.SuccessTasks++
		case task.StatusError:
			g.ErrorTasks++
		case task.StatusMissed:
			g.MissedTasks++
		case task.StatusPaused:
			g.PausedTasks++
		}
	}

	var runs, ok uint64
	for _, tm := range m.tasks {
		tm.recompute(now)
		runs += tm.TotalRuns
		ok += tm.SuccessfulRuns
	}
	g.TotalRuns = runs
	executed := uint64(0)
	for _, tm := range m.tasks {
		executed += tm.SuccessfulRuns + tm.FailedRuns
	}
	if executed > 0 {
		g.OverallSuccessRate = float64(ok) / float64(executed)
	}
	if !m.started.IsZero() {
		g.UptimeSeconds = now.Sub(m.started).Seconds()
	}
	m.global = g
}

// RemoveTask purges all retained metrics for id.
func (m *Monitor) RemoveTask(id string) {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
}

// GetTaskMetrics returns a copy of the aggregate for id.
func (m *Monitor) GetTaskMetrics(id string) (TaskMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.tasks[id]
	if !ok {
		return TaskMetrics{}, false
	}
	return *tm, true
}

// GetAllMetrics returns the full metrics tree as a point-in-time copy.
func (m *Monitor) GetAllMetrics() MetricsTree {
	m.safeRefresh()

	m.mu.Lock()
	defer m.mu.Unlock()
	out := MetricsTree{
		GeneratedAt: time.Now(),
		Global:      m.global,
		Tasks:       make(map[string]TaskMetrics, len(m.tasks)),
	}
	for id, tm := range m.tasks {
		out.Tasks[id] = *tm
	}
	if len(m.custom) > 0 {
		out.Custom = make(map[string]float64, len(m.custom))
		for k, v := range m.custom {
			out.Custom[k] = v
		}
	}
	return out
}

// SetCustomMetric records a named application-level gauge.
func (m *Monitor) SetCustomMetric(name string, value float64) {
	m.mu.Lock()
	m.custom[name] = value
	m.mu.Unlock()
}

// AddCustomMetric adds delta to a named application-level counter.
func (m *Monitor) AddCustomMetric(name string, delta float64) {
	m.mu.Lock()
	m.custom[name] += delta
	m.mu.Unlock()
}

// TaskRank is one row of a performance-report ranking.
type TaskRank struct {
	TaskID   string  `json:"task_id"`
	TaskName string  `json:"task_name"`
	Value    float64 `json:"value"`
}

// PerformanceReport ranks tasks active within the window, each list truncated
// to the top five.
type PerformanceReport struct {
	WindowHours      int        `json:"window_hours"`
	GeneratedAt      time.Time  `json:"generated_at"`
	TasksConsidered  int        `json:"tasks_considered"`
	MostRuns         []TaskRank `json:"most_runs"`
	BestSuccessRate  []TaskRank `json:"best_success_rate"`
	WorstSuccessRate []TaskRank `json:"worst_success_rate"`
	SlowestAverage   []TaskRank `json:"slowest_average"`
	FastestAverage   []TaskRank `json:"fastest_average"`
}

const reportTopN = 5

// GetPerformanceReport builds rankings over tasks whose last run falls within
// the past `hours` hours. hours <= 0 means no window.
func (m *Monitor) GetPerformanceReport(hours int) PerformanceReport {
	m.safeRefresh()

	m.mu.Lock()
	var considered []TaskMetrics
	cutoff := time.Time{}
	if hours > 0 {
		cutoff = time.Now().Add(-time.Duration(hours) * time.Hour)
	}
	for _, tm := range m.tasks {
		if tm.TotalRuns == 0 {
			continue
		}
		if !cutoff.IsZero() && tm.LastRun.Before(cutoff) {
			continue
		}
		considered = append(considered, *tm)
	}
	m.mu.Unlock()

	rep := PerformanceReport{
		WindowHours:     hours,
		GeneratedAt:     time.Now(),
		TasksConsidered: len(considered),
	}
	rep.MostRuns = rank(considered, func(tm TaskMetrics) float64 { return float64(tm.TotalRuns) }, true)
	rep.BestSuccessRate = rank(considered, func(tm TaskMetrics) float64 { return tm.SuccessRate }, true)
	rep.WorstSuccessRate = rank(considered, func(tm TaskMetrics) float64 { return tm.SuccessRate }, false)
	rep.SlowestAverage = rank(considered, func(tm TaskMetrics) float64 { return tm.AvgDuration.Seconds() }, true)
	rep.FastestAverage = rank(considered, func(tm TaskMetrics) float64 { return tm.AvgDuration.Seconds() }, false)
	return rep
}

func rank(in []TaskMetrics, value func(TaskMetrics) float64, desc bool) []TaskRank {
	rows := make([]TaskRank, 0, len(in))
	for _, tm := range in {
		rows = append(rows, TaskRank{TaskID: tm.TaskID, TaskName: tm.TaskName, Value: value(tm)})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if desc {
			return rows[i].Value > rows[j].Value
		}
		return rows[i].Value < rows[j].Value
	})
	if len(rows) > reportTopN {
		rows = rows[:reportTopN]
	}
	return rows
}
