package task

import (
	"reflect"
	"testing"
	"time"
)

func TestDefinitionRoundTrip(t *testing.T) {
	t.Parallel()
	orig := Definition{
		ID:       "sync_users",
		Name:     "Sync Users",
		Function: "sync_users",
		Trigger: TriggerSpec{
			Kind:    TriggerCron,
			Expr:    "0 1 * * * 0",
			StartAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Args:         []any{"full"},
		Kwargs:       map[string]any{"batch": "100"},
		Priority:     3,
		MaxInstances: 2,
		RetryCount:   2,
		RetryDelay:   5 * time.Second,
		Timeout:      time.Minute,
		DependsOn:    []string{"warm_cache"},
		Active:       true,
		Tags:         map[string]string{"team": "data"},
	}

	got, err := DefinitionFromMap(orig.ToMap())
	if err != nil {
		t.Fatalf("DefinitionFromMap error: %v", err)
	}
	if !reflect.DeepEqual(got, orig) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, orig)
	}
}

func TestDefinitionFromMapDefaults(t *testing.T) {
	t.Parallel()
	got, err := DefinitionFromMap(map[string]any{
		"task_id":       "cleanup",
		"task_function": "cleanup",
		"trigger":       map[string]any{"kind": "interval", "every": "30s"},
	})
	if err != nil {
		t.Fatalf("DefinitionFromMap error: %v", err)
	}
	if got.Name != "cleanup" {
		t.Fatalf("Name = %q, want task id", got.Name)
	}
	if got.MaxInstances != 1 {
		t.Fatalf("MaxInstances = %d, want 1", got.MaxInstances)
	}
	if !got.Active {
		t.Fatal("expected active to default to true")
	}
	if got.RetryCount != 0 || got.RetryDelay != 0 || got.Timeout != 0 {
		t.Fatalf("expected zero retry/timeout defaults, got %+v", got)
	}
	if got.Trigger.Every != 30*time.Second {
		t.Fatalf("Every = %v, want 30s", got.Trigger.Every)
	}
}

func TestDefinitionFromMapNumericSeconds(t *testing.T) {
	t.Parallel()
	got, err := DefinitionFromMap(map[string]any{
		"task_id":       "t1",
		"task_function": "f",
		"trigger":       map[string]any{"kind": "interval", "every": float64(90)},
		"retry_delay":   float64(2),
	})
	if err != nil {
		t.Fatalf("DefinitionFromMap error: %v", err)
	}
	if got.Trigger.Every != 90*time.Second {
		t.Fatalf("Every = %v, want 90s", got.Trigger.Every)
	}
	if got.RetryDelay != 2*time.Second {
		t.Fatalf("RetryDelay = %v, want 2s", got.RetryDelay)
	}
}

func TestDefinitionFromMapErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   map[string]any
	}{
		{name: "missing id", in: map[string]any{"task_function": "f", "trigger": map[string]any{"kind": "date"}}},
		{name: "missing function", in: map[string]any{"task_id": "x", "trigger": map[string]any{"kind": "date"}}},
		{name: "missing trigger", in: map[string]any{"task_id": "x", "task_function": "f"}},
		{name: "bad trigger kind", in: map[string]any{"task_id": "x", "task_function": "f", "trigger": map[string]any{"kind": "weekly"}}},
		{name: "interval without every", in: map[string]any{"task_id": "x", "task_function": "f", "trigger": map[string]any{"kind": "interval"}}},
		{name: "bad duration", in: map[string]any{"task_id": "x", "task_function": "f", "trigger": map[string]any{"kind": "date"}, "timeout": "soon"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DefinitionFromMap(tt.in); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusSuccess, StatusError, StatusMissed, StatusStopped} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning, StatusPaused} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
