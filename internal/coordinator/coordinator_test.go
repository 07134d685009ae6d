package coordinator

import (
	"context"
	"strings"
	"testing"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/jobstore"
	"taskd/internal/manager"
	"taskd/internal/monitor"
	"taskd/internal/registry"
	"taskd/internal/scheduler"
	"taskd/internal/task"
	"taskd/pkg/logx"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *manager.Manager, *scheduler.Service, *registry.Registry) {
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
	mgr := manager.New(sched, logx.Nop())
	mon := monitor.New(sched, bus, monitor.Config{}, logx.Nop())
	coord := New(sched, mgr, mon, reg, logx.Nop())
	if err := sched.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() { sched.Stop(true) })
	return coord, mgr, sched, reg
}

func registerNoop(t *testing.T, reg *registry.Registry, name string) {
	t.Helper()
	if err := reg.Register(name, func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
}

func TestAddCronTask(t *testing.T) {
	t.Parallel()
	coord, _, sched, reg := newTestCoordinator(t)
	registerNoop(t, reg, "report")

	id, err := coord.AddCronTask("nightly report", "report", "0 1 * * * 0",
		WithPriority(2), WithTags(map[string]string{"team": "data"}))
	if err != nil {
		t.Fatalf("AddCronTask error: %v", err)
	}
	if !strings.HasPrefix(id, "nightly_report_") {
		t.Fatalf("id = %q", id)
	}

	j, ok := sched.Job(id)
	if !ok {
		t.Fatal("task not scheduled")
	}
	if j.Definition.Trigger.Kind != task.TriggerCron || j.Definition.Priority != 2 {
		t.Fatalf("definition = %+v", j.Definition)
	}
	if next := j.NextRun; next.Hour() != 1 || next.Minute() != 0 || next.Second() != 0 {
		t.Fatalf("NextRun = %v, want next 01:00:00", next)
	}
}

func TestAddCronTaskBadExpression(t *testing.T) {
	t.Parallel()
	coord, _, _, reg := newTestCoordinator(t)
	registerNoop(t, reg, "report")
	if _, err := coord.AddCronTask("bad", "report", "* * * * *"); err == nil {
		t.Fatal("expected error for five-field expression")
	}
}

func TestAddIntervalAndOneTimeTask(t *testing.T) {
	t.Parallel()
	coord, _, sched, reg := newTestCoordinator(t)
	registerNoop(t, reg, "poll")

	iid, err := coord.AddIntervalTask("poller", "poll", 15*time.Minute, WithMaxInstances(2))
	if err != nil {
		t.Fatalf("AddIntervalTask error: %v", err)
	}
	j, _ := sched.Job(iid)
	if j.Definition.Trigger.Every != 15*time.Minute || j.Definition.MaxInstances != 2 {
		t.Fatalf("definition = %+v", j.Definition)
	}

	at := time.Now().Add(time.Hour)
	oid, err := coord.AddOneTimeTask("once", "poll", at)
	if err != nil {
		t.Fatalf("AddOneTimeTask error: %v", err)
	}
	j, _ = sched.Job(oid)
	if j.Definition.Trigger.Kind != task.TriggerDate || !j.NextRun.Equal(at) {
		t.Fatalf("job = %+v", j)
	}
}

func TestAddFunctionTask(t *testing.T) {
	t.Parallel()
	coord, mgr, _, reg := newTestCoordinator(t)

	done := make(chan struct{}, 1)
	id, err := coord.AddFunctionTask("inline", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		done <- struct{}{}
		return "inline result", nil
	}, task.TriggerSpec{Kind: task.TriggerInterval, Every: time.Hour})
	if err != nil {
		t.Fatalf("AddFunctionTask error: %v", err)
	}
	if !reg.Has("fn_inline") {
		t.Fatal("function not registered")
	}

	res, err := mgr.ExecuteTask(context.Background(), id, true, 5*time.Second)
	if err != nil {
		t.Fatalf("ExecuteTask error: %v", err)
	}
	if res != "inline result" {
		t.Fatalf("result = %v", res)
	}
	<-done
}

func TestRemoveTaskPurgesEverywhere(t *testing.T) {
	t.Parallel()
	coord, mgr, sched, reg := newTestCoordinator(t)
	registerNoop(t, reg, "work")

	id, err := coord.AddIntervalTask("work", "work", time.Hour)
	if err != nil {
		t.Fatalf("AddIntervalTask error: %v", err)
	}
	if _, err := mgr.ExecuteTask(context.Background(), id, true, 5*time.Second); err != nil {
		t.Fatalf("ExecuteTask error: %v", err)
	}

	if !coord.RemoveTask(id) {
		t.Fatal("RemoveTask = false")
	}
	if _, ok := sched.Job(id); ok {
		t.Fatal("core job survived removal")
	}
	if len(mgr.History(id)) != 0 {
		t.Fatal("manager history survived removal")
	}
}

func TestPauseResumeForwarding(t *testing.T) {
	t.Parallel()
	coord, _, sched, reg := newTestCoordinator(t)
	registerNoop(t, reg, "work")

	id, err := coord.AddIntervalTask("work", "work", time.Hour)
	if err != nil {
		t.Fatalf("AddIntervalTask error: %v", err)
	}
	if !coord.PauseTask(id) {
		t.Fatal("PauseTask = false")
	}
	j, _ := sched.Job(id)
	if !j.Paused {
		t.Fatal("job not paused")
	}
	if !coord.ResumeTask(id) {
		t.Fatal("ResumeTask = false")
	}
	j, _ = sched.Job(id)
	if j.Paused {
		t.Fatal("job still paused")
	}
	if !coord.RunTask(id) {
		t.Fatal("RunTask = false")
	}
}
