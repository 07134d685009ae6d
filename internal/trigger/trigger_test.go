package trigger

import (
	"errors"
	"testing"
	"time"

	"taskd/internal/task"
)

func TestCronNextOneAM(t *testing.T) {
	t.Parallel()
	// minute=0, hour=1, every day/month/weekday, second=0
	tr, err := New(task.TriggerSpec{Kind: task.TriggerCron, Expr: "0 1 * * * 0"}, Options{Location: time.Local})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	from := time.Date(2026, 3, 10, 14, 30, 0, 0, time.Local)
	next := tr.Next(from)
	want := time.Date(2026, 3, 11, 1, 0, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
	if next.Hour() != 1 || next.Minute() != 0 || next.Second() != 0 {
		t.Fatalf("expected 01:00:00, got %v", next)
	}
}

func TestCronFieldCount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		expr string
		ok   bool
	}{
		{name: "six fields", expr: "*/5 * * * * 0", ok: true},
		{name: "five fields", expr: "*/5 * * * *", ok: false},
		{name: "seven fields", expr: "0 0 0 * * * *", ok: false},
		{name: "garbage field", expr: "a b c d e f", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(task.TriggerSpec{Kind: task.TriggerCron, Expr: tt.expr}, Options{})
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				var cerr *ConfigError
				if !errors.As(err, &cerr) {
					t.Fatalf("expected ConfigError, got %v", err)
				}
			}
		})
	}
}

func TestDatePastRejected(t *testing.T) {
	t.Parallel()
	past := time.Now().Add(-time.Hour)

	_, err := New(task.TriggerSpec{Kind: task.TriggerDate, At: past}, Options{})
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigError for past instant, got %v", err)
	}

	// With a grace period configured the same instant is accepted.
	if _, err := New(task.TriggerSpec{Kind: task.TriggerDate, At: past}, Options{MisfireGrace: 2 * time.Hour}); err != nil {
		t.Fatalf("expected past instant accepted under grace, got %v", err)
	}
}

func TestDateFiresOnce(t *testing.T) {
	t.Parallel()
	at := time.Now().Add(time.Hour)
	tr, err := New(task.TriggerSpec{Kind: task.TriggerDate, At: at}, Options{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if next := tr.Next(time.Now()); !next.Equal(at) {
		t.Fatalf("Next = %v, want %v", next, at)
	}
	if next := tr.Next(at); !next.IsZero() {
		t.Fatalf("expected no fire after the instant, got %v", next)
	}
}

func TestIntervalAnchoredToStart(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr, err := New(task.TriggerSpec{Kind: task.TriggerInterval, Every: 10 * time.Minute, StartAt: start}, Options{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	// Before the anchor, the anchor is the first fire.
	if next := tr.Next(start.Add(-time.Hour)); !next.Equal(start) {
		t.Fatalf("Next = %v, want anchor %v", next, start)
	}

	// Mid-period times snap to the anchor phase, not to "after + every".
	after := start.Add(23 * time.Minute)
	want := start.Add(30 * time.Minute)
	if next := tr.Next(after); !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestIntervalEndBound(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(25 * time.Minute)
	tr, err := New(task.TriggerSpec{Kind: task.TriggerInterval, Every: 10 * time.Minute, StartAt: start, EndAt: end}, Options{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if next := tr.Next(start.Add(15 * time.Minute)); !next.Equal(start.Add(20 * time.Minute)) {
		t.Fatalf("Next = %v, want %v", next, start.Add(20*time.Minute))
	}
	if next := tr.Next(start.Add(20 * time.Minute)); !next.IsZero() {
		t.Fatalf("expected no fire past end bound, got %v", next)
	}
}

func TestIntervalRequiresPositiveEvery(t *testing.T) {
	t.Parallel()
	_, err := New(task.TriggerSpec{Kind: task.TriggerInterval}, Options{})
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr, err := New(task.TriggerSpec{Kind: task.TriggerInterval, Every: time.Hour, StartAt: start}, Options{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	out := Preview(tr, start, 2)
	if out == "" {
		t.Fatal("expected non-empty preview")
	}
}
