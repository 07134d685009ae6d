package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/jobstore"
	"taskd/internal/manager"
	"taskd/internal/registry"
	"taskd/internal/scheduler"
	"taskd/internal/task"
	"taskd/pkg/logx"
)

func newTestStack(t *testing.T) (*Monitor, *scheduler.Service, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	bus := eventbus.New()
	cfg := scheduler.Config{
		Location: time.Local,
		Coalesce: true,
		JobStore: jobstore.Config{Kind: jobstore.KindMemory},
		Executor: scheduler.ExecPool,
	}
	sched := scheduler.New(cfg, reg, bus, logx.Nop())
	mon := New(sched, bus, Config{RefreshInterval: 50 * time.Millisecond}, logx.Nop())
	if err := sched.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	mon.Start()
	t.Cleanup(func() {
		mon.Stop()
		sched.Stop(true)
	})
	return mon, sched, reg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func addAndRun(t *testing.T, sched *scheduler.Service, reg *registry.Registry, id, name string, fail bool) {
	t.Helper()
	fn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if fail {
			return nil, fmt.Errorf("boom")
		}
		return "ok", nil
	}
	_ = reg.Register("fn_"+id, fn)
	def := task.Definition{
		ID:       id,
		Name:     name,
		Function: "fn_" + id,
		Trigger:  task.TriggerSpec{Kind: task.TriggerInterval, Every: time.Hour},
		Active:   true,
	}
	if err := sched.AddTask(def); err != nil {
		t.Fatalf("AddTask(%s) error: %v", id, err)
	}
	if !sched.RunTaskNow(id) {
		t.Fatalf("RunTaskNow(%s) = false", id)
	}
}

func TestMetricsFromEvents(t *testing.T) {
	t.Parallel()
	mon, sched, reg := newTestStack(t)

	addAndRun(t, sched, reg, "ok_task", "OK Task", false)
	addAndRun(t, sched, reg, "bad_task", "Bad Task", true)

	waitFor(t, 3*time.Second, func() bool {
		okm, ok1 := mon.GetTaskMetrics("ok_task")
		bad, ok2 := mon.GetTaskMetrics("bad_task")
		return ok1 && ok2 && okm.TotalRuns == 1 && bad.TotalRuns == 1
	})

	okm, _ := mon.GetTaskMetrics("ok_task")
	if okm.SuccessfulRuns != 1 || okm.FailedRuns != 0 || okm.SuccessRate != 1 {
		t.Fatalf("ok metrics = %+v", okm)
	}
	if okm.TaskName != "OK Task" {
		t.Fatalf("TaskName = %q", okm.TaskName)
	}
	if okm.LastRun.IsZero() || okm.RunsPerHour <= 0 {
		t.Fatalf("derived fields = %+v", okm)
	}

	bad, _ := mon.GetTaskMetrics("bad_task")
	if bad.FailedRuns != 1 || bad.FailureRate != 1 || bad.LastError == "" {
		t.Fatalf("bad metrics = %+v", bad)
	}

	tree := mon.GetAllMetrics()
	if tree.Global.TotalRuns != 2 {
		t.Fatalf("global runs = %d, want 2", tree.Global.TotalRuns)
	}
	if tree.Global.OverallSuccessRate != 0.5 {
		t.Fatalf("overall success rate = %v, want 0.5", tree.Global.OverallSuccessRate)
	}
}

func TestPrometheusExportSeriesName(t *testing.T) {
	t.Parallel()
	mon, sched, reg := newTestStack(t)

	addAndRun(t, sched, reg, "daily_sync_1", "Daily Sync", false)
	waitFor(t, 3*time.Second, func() bool {
		tm, ok := mon.GetTaskMetrics("daily_sync_1")
		return ok && tm.TotalRuns == 1
	})

	out, err := mon.ExportMetrics("prometheus")
	if err != nil {
		t.Fatalf("ExportMetrics error: %v", err)
	}
	text := string(out)

	// Spaces in the task name become underscores in the series name.
	if !strings.Contains(text, "task_Daily_Sync_total_runs") {
		t.Fatalf("export missing task_Daily_Sync_total_runs:\n%s", text)
	}
	if !strings.Contains(text, `task_id="daily_sync_1"`) {
		t.Fatalf("export missing task_id label:\n%s", text)
	}
	if !strings.Contains(text, "# HELP") || !strings.Contains(text, "# TYPE") {
		t.Fatalf("export missing HELP/TYPE lines:\n%s", text)
	}
	if !strings.Contains(text, "scheduler_runs_total") {
		t.Fatalf("export missing global series:\n%s", text)
	}
}

func TestJSONExport(t *testing.T) {
	t.Parallel()
	mon, sched, reg := newTestStack(t)

	addAndRun(t, sched, reg, "t1", "T One", false)
	waitFor(t, 3*time.Second, func() bool {
		tm, ok := mon.GetTaskMetrics("t1")
		return ok && tm.TotalRuns == 1
	})

	out, err := mon.ExportMetrics("json")
	if err != nil {
		t.Fatalf("ExportMetrics error: %v", err)
	}
	var tree MetricsTree
	if err := json.Unmarshal(out, &tree); err != nil {
		t.Fatalf("invalid JSON export: %v", err)
	}
	if _, ok := tree.Tasks["t1"]; !ok {
		t.Fatalf("JSON export missing task: %s", out)
	}

	if _, err := mon.ExportMetrics("xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestRemoveTaskPurgesMetrics(t *testing.T) {
	t.Parallel()
	mon, sched, reg := newTestStack(t)

	addAndRun(t, sched, reg, "gone", "Gone", false)
	waitFor(t, 3*time.Second, func() bool {
		tm, ok := mon.GetTaskMetrics("gone")
		return ok && tm.TotalRuns == 1
	})

	// The core's job_removed event reaches the monitor through the bus.
	if !sched.RemoveTask("gone") {
		t.Fatal("RemoveTask = false")
	}
	waitFor(t, 3*time.Second, func() bool {
		_, ok := mon.GetTaskMetrics("gone")
		return !ok
	})
}

func TestDisableTaskKeepsMetrics(t *testing.T) {
	t.Parallel()
	mon, sched, reg := newTestStack(t)
	mgr := manager.New(sched, logx.Nop())

	addAndRun(t, sched, reg, "keep", "Keep", false)
	addAndRun(t, sched, reg, "toggle", "Toggle", false)
	waitFor(t, 3*time.Second, func() bool {
		keep, ok1 := mon.GetTaskMetrics("keep")
		tog, ok2 := mon.GetTaskMetrics("toggle")
		return ok1 && ok2 && keep.TotalRuns == 1 && tog.TotalRuns == 1
	})

	// Disabling withdraws the job without a removal event, so neither the
	// toggled task's metrics nor anyone else's are purged.
	if err := mgr.DisableTask("toggle"); err != nil {
		t.Fatalf("DisableTask error: %v", err)
	}
	if _, ok := sched.Job("toggle"); ok {
		t.Fatal("disabled task still scheduled")
	}
	time.Sleep(150 * time.Millisecond)

	keep, ok := mon.GetTaskMetrics("keep")
	if !ok || keep.TotalRuns != 1 {
		t.Fatalf("keep metrics after disable = %+v, %v", keep, ok)
	}
	if tog, ok := mon.GetTaskMetrics("toggle"); !ok || tog.TotalRuns != 1 {
		t.Fatalf("toggle metrics after disable = %+v, %v", tog, ok)
	}

	if err := mgr.EnableTask("toggle"); err != nil {
		t.Fatalf("EnableTask error: %v", err)
	}
	if tog, ok := mon.GetTaskMetrics("toggle"); !ok || tog.TotalRuns != 1 {
		t.Fatalf("toggle metrics after enable = %+v, %v", tog, ok)
	}
}

func TestLateRecordAfterRemovalIgnored(t *testing.T) {
	t.Parallel()
	mon, sched, reg := newTestStack(t)

	addAndRun(t, sched, reg, "ghost", "Ghost", false)
	waitFor(t, 3*time.Second, func() bool {
		tm, ok := mon.GetTaskMetrics("ghost")
		return ok && tm.TotalRuns == 1
	})
	if !sched.RemoveTask("ghost") {
		t.Fatal("RemoveTask = false")
	}
	waitFor(t, 3*time.Second, func() bool {
		_, ok := mon.GetTaskMetrics("ghost")
		return !ok
	})

	// A record from an execution that finished after the removal must not
	// re-create the purged aggregate.
	rec := task.ExecutionRecord{RunID: "straggler", TaskID: "ghost", Status: task.StatusSuccess}
	mon.safeApply(eventbus.Event{
		Type: scheduler.EventJobExecuted,
		Data: scheduler.Event{Type: scheduler.EventJobExecuted, TaskID: "ghost", Record: &rec},
	})
	if _, ok := mon.GetTaskMetrics("ghost"); ok {
		t.Fatal("late record resurrected purged metrics")
	}
}

func TestCustomMetrics(t *testing.T) {
	t.Parallel()
	mon, _, _ := newTestStack(t)

	mon.SetCustomMetric("queue_depth", 7)
	mon.AddCustomMetric("ingested", 3)
	mon.AddCustomMetric("ingested", 2)

	tree := mon.GetAllMetrics()
	if tree.Custom["queue_depth"] != 7 || tree.Custom["ingested"] != 5 {
		t.Fatalf("custom = %+v", tree.Custom)
	}

	out, err := mon.ExportMetrics("prometheus")
	if err != nil {
		t.Fatalf("ExportMetrics error: %v", err)
	}
	if !strings.Contains(string(out), "custom_queue_depth") {
		t.Fatalf("export missing custom metric:\n%s", out)
	}
}

func TestPerformanceReportTopFive(t *testing.T) {
	t.Parallel()
	mon, _, _ := newTestStack(t)
	now := time.Now()

	mon.mu.Lock()
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("t%d", i)
		n := uint64(i + 1)
		mon.tasks[id] = &TaskMetrics{
			TaskID:         id,
			TaskName:       id,
			TotalRuns:      n,
			SuccessfulRuns: n,
			// Distinct averages: avg = (i+1)s once recomputed.
			TotalDuration: time.Duration(n*n) * time.Second,
			FirstRun:      now.Add(-time.Hour),
			LastRun:       now,
		}
	}
	// Stale task outside the report window.
	mon.tasks["stale"] = &TaskMetrics{
		TaskID: "stale", TaskName: "stale",
		TotalRuns: 100, SuccessfulRuns: 100,
		FirstRun: now.Add(-72 * time.Hour), LastRun: now.Add(-48 * time.Hour),
	}
	mon.mu.Unlock()

	rep := mon.GetPerformanceReport(24)
	if rep.TasksConsidered != 8 {
		t.Fatalf("TasksConsidered = %d, want 8 (stale excluded)", rep.TasksConsidered)
	}
	if len(rep.MostRuns) != 5 {
		t.Fatalf("MostRuns = %d rows, want 5", len(rep.MostRuns))
	}
	if rep.MostRuns[0].TaskID != "t7" {
		t.Fatalf("top runner = %s, want t7", rep.MostRuns[0].TaskID)
	}
	if rep.SlowestAverage[0].TaskID != "t7" || rep.FastestAverage[0].TaskID != "t0" {
		t.Fatalf("duration rankings = %+v / %+v", rep.SlowestAverage[0], rep.FastestAverage[0])
	}
}
