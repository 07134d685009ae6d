// Package coordinator is a thin façade over the scheduler core, manager, and
// monitor: convenience constructors for the common trigger shapes plus
// forwarding operations that keep removal cleanup in one place.
package coordinator

import (
	"time"

	"taskd/internal/manager"
	"taskd/internal/monitor"
	"taskd/internal/registry"
	"taskd/internal/scheduler"
	"taskd/internal/task"
	"taskd/pkg/logx"
)

type Coordinator struct {
	sched *scheduler.Service
	mgr   *manager.Manager
	mon   *monitor.Monitor
	reg   *registry.Registry
	log   logx.Logger
}

func New(sched *scheduler.Service, mgr *manager.Manager, mon *monitor.Monitor, reg *registry.Registry, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{sched: sched, mgr: mgr, mon: mon, reg: reg, log: log}
}

// Start brings up the scheduler core, then the monitor, so the monitor never
// subscribes to a core that cannot publish yet.
func (c *Coordinator) Start() error {
	if err := c.sched.Start(); err != nil {
		return err
	}
	c.mon.Start()
	return nil
}

// Stop shuts the monitor down before the core. When wait is true, in-flight
// executions finish first.
func (c *Coordinator) Stop(wait bool) {
	c.mon.Stop()
	c.sched.Stop(wait)
}

// CreateTask registers a fully specified definition through the manager.
// The Add helpers below cover the common trigger shapes.
func (c *Coordinator) CreateTask(def task.Definition) (string, error) {
	return c.mgr.CreateTask(def)
}

// Option adjusts a definition built by one of the Add helpers.
type Option func(*task.Definition)

func WithArgs(args ...any) Option {
	return func(d *task.Definition) { d.Args = args }
}

func WithKwargs(kwargs map[string]any) Option {
	return func(d *task.Definition) { d.Kwargs = kwargs }
}

func WithPriority(p int) Option {
	return func(d *task.Definition) { d.Priority = p }
}

func WithMaxInstances(n int) Option {
	return func(d *task.Definition) { d.MaxInstances = n }
}

func WithRetries(count int, delay time.Duration) Option {
	return func(d *task.Definition) { d.RetryCount = count; d.RetryDelay = delay }
}

func WithTimeout(t time.Duration) Option {
	return func(d *task.Definition) { d.Timeout = t }
}

func WithDependsOn(ids ...string) Option {
	return func(d *task.Definition) { d.DependsOn = ids }
}

func WithTags(tags map[string]string) Option {
	return func(d *task.Definition) { d.Tags = tags }
}

func WithInactive() Option {
	return func(d *task.Definition) { d.Active = false }
}

// AddCronTask schedules function under a six-field cron expression
// (minute hour day month weekday second).
func (c *Coordinator) AddCronTask(name, function, expr string, opts ...Option) (string, error) {
	return c.add(name, function, task.TriggerSpec{Kind: task.TriggerCron, Expr: expr}, opts)
}

// AddIntervalTask schedules function to fire every `every`.
func (c *Coordinator) AddIntervalTask(name, function string, every time.Duration, opts ...Option) (string, error) {
	return c.add(name, function, task.TriggerSpec{Kind: task.TriggerInterval, Every: every}, opts)
}

// AddOneTimeTask schedules function to fire once at `at`. A zero instant
// means now.
func (c *Coordinator) AddOneTimeTask(name, function string, at time.Time, opts ...Option) (string, error) {
	return c.add(name, function, task.TriggerSpec{Kind: task.TriggerDate, At: at}, opts)
}

// AddFunctionTask registers fn under a name derived from the task and
// schedules it on the given trigger. The registration lives for the life of
// the registry; RemoveTask does not unregister it.
func (c *Coordinator) AddFunctionTask(name string, fn registry.Func, spec task.TriggerSpec, opts ...Option) (string, error) {
	fnName := "fn_" + name
	if err := c.reg.Register(fnName, fn); err != nil {
		return "", err
	}
	return c.add(name, fnName, spec, opts)
}

func (c *Coordinator) add(name, function string, spec task.TriggerSpec, opts []Option) (string, error) {
	def := task.Definition{
		Name:     name,
		Function: function,
		Trigger:  spec,
		Active:   true,
	}
	for _, opt := range opts {
		opt(&def)
	}
	id, err := c.mgr.CreateTask(def)
	if err != nil {
		return "", err
	}
	c.log.Debug("task added",
		logx.String("task", id),
		logx.String("trigger", string(spec.Kind)))
	return id, nil
}

// RemoveTask withdraws the task and purges manager history, locks, and
// monitor metrics for the id in one call.
func (c *Coordinator) RemoveTask(id string) bool {
	removed := c.mgr.RemoveTask(id)
	c.mon.RemoveTask(id)
	return removed
}

// RunTask fires the task immediately via the core.
func (c *Coordinator) RunTask(id string) bool {
	return c.sched.RunTaskNow(id)
}

func (c *Coordinator) PauseTask(id string) bool {
	return c.sched.PauseTask(id)
}

func (c *Coordinator) ResumeTask(id string) bool {
	return c.sched.ResumeTask(id)
}
