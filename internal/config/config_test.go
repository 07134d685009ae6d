package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
scheduler:
  timezone: "UTC"
  max_workers: 4
  coalesce: false
  misfire_grace_time: "2m"
  job_store:
    type: "sqlite"
    url: "./jobs.db"
    busy_timeout: "5s"
  executor:
    type: "goroutine"
    max_workers: 8
  retry_base: "250ms"
  retry_max_delay: "10s"
  circuit_breaker:
    enabled: true
    trip_failures: 3
    open_timeout: "45s"
  monitor:
    refresh_interval: "15s"
logging:
  level: "debug"
  console: true
  file:
    enabled: false
    path: ""
tasks:
  nightly_report:
    task_id: "nightly_report"
    task_function: "report"
    trigger:
      kind: "cron"
      expr: "0 1 * * * 0"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	sc := cfg.Scheduler
	if sc.Timezone != "UTC" || sc.MaxWorkers != 4 {
		t.Fatalf("scheduler = %+v", sc)
	}
	if sc.Coalesce == nil || *sc.Coalesce {
		t.Fatalf("coalesce = %v, want explicit false", sc.Coalesce)
	}
	if sc.JobStore.Type != "sqlite" || sc.JobStore.URL != "./jobs.db" {
		t.Fatalf("job store = %+v", sc.JobStore)
	}
	if sc.Executor.Type != "goroutine" || sc.Executor.MaxWorkers != 8 {
		t.Fatalf("executor = %+v", sc.Executor)
	}
	if sc.CircuitBreaker == nil || !sc.CircuitBreaker.Enabled || sc.CircuitBreaker.TripFailures != 3 {
		t.Fatalf("circuit breaker = %+v", sc.CircuitBreaker)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}

	fields, ok := cfg.Tasks["nightly_report"]
	if !ok {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
	if fields["task_function"] != "report" {
		t.Fatalf("task fields = %+v", fields)
	}

	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
	if m.Pending() {
		t.Fatal("freshly loaded config must not be pending")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, `
scheduler:
  timzone: "UTC"
logging:
  level: "info"
`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad duration",
			yaml: "scheduler:\n  misfire_grace_time: \"soon\"\nlogging:\n  level: \"info\"\n",
			want: "misfire_grace_time",
		},
		{
			name: "bad job store",
			yaml: "scheduler:\n  job_store:\n    type: \"redis\"\nlogging:\n  level: \"info\"\n",
			want: "job_store.type",
		},
		{
			name: "bad executor",
			yaml: "scheduler:\n  executor:\n    type: \"thread\"\nlogging:\n  level: \"info\"\n",
			want: "executor.type",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(writeConfig(t, tt.yaml))
			_, err := m.Parse()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "90s")
	if err != nil || d != 90*time.Second {
		t.Fatalf("ParseDurationField = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "fast"); err == nil {
		t.Fatal("expected error")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default = %v, %v", d, err)
	}
}

func TestCommitTracksHash(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	// Same content reloaded is a no-op for pending state.
	m.reloadPending(context.Background())
	if m.Pending() {
		t.Fatal("unchanged config must not be flagged pending")
	}

	changed := strings.Replace(sampleYAML, `max_workers: 4`, `max_workers: 6`, 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	m.reloadPending(context.Background())
	if !m.Pending() {
		t.Fatal("changed config must be staged as pending")
	}
	if got := m.Get().Scheduler.MaxWorkers; got != 6 {
		t.Fatalf("MaxWorkers = %d, want 6", got)
	}
}
