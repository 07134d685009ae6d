package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskd/internal/config"
	"taskd/internal/coordinator"
	"taskd/internal/eventbus"
	"taskd/internal/manager"
	"taskd/internal/monitor"
	"taskd/internal/registry"
	"taskd/internal/scheduler"
	"taskd/internal/task"
	"taskd/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfgMgr := config.NewManager(cfgPath)
	doc, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   doc.Logging.Level,
		Console: doc.Logging.Console,
		File: logx.FileConfig{
			Enabled: doc.Logging.File.Enabled,
			Path:    doc.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	schedCfg, err := scheduler.ConfigFromDocument(doc)
	if err != nil {
		return err
	}

	reg := registry.New()
	registerBuiltins(reg, log)

	bus := eventbus.New()
	sched := scheduler.New(schedCfg, reg, bus, log.With(logx.String("comp", "scheduler")))
	mgr := manager.New(sched, log.With(logx.String("comp", "manager")))
	mon := monitor.New(sched, bus, monitor.Config{
		RefreshInterval: refreshInterval(doc),
	}, log.With(logx.String("comp", "monitor")))
	coord := coordinator.New(sched, mgr, mon, reg, log.With(logx.String("comp", "coordinator")))

	if err := coord.Start(); err != nil {
		return err
	}

	if err := loadTasks(doc, coord, log); err != nil {
		coord.Stop(false)
		return err
	}

	go func() {
		if err := cfgMgr.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	log.Info("taskd running", logx.String("config", cfgPath))
	<-ctx.Done()

	coord.Stop(true)
	return nil
}

func refreshInterval(doc *config.Config) (d time.Duration) {
	d, err := config.ParseDurationField("scheduler.monitor.refresh_interval", doc.Scheduler.Monitor.RefreshInterval)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// loadTasks registers every task declared in the config document. The map key
// is the canonical task id.
func loadTasks(doc *config.Config, coord *coordinator.Coordinator, log logx.Logger) error {
	for id, fields := range doc.Tasks {
		def, err := task.DefinitionFromMap(fields)
		if err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
		def.ID = id
		if _, err := coord.CreateTask(def); err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
	}
	if len(doc.Tasks) > 0 {
		log.Info("config tasks loaded", logx.Int("count", len(doc.Tasks)))
	}
	return nil
}
