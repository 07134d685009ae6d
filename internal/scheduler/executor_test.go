package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"taskd/pkg/logx"
)

func TestPoolExecutorRuns(t *testing.T) {
	t.Parallel()
	ex := newExecutor(ExecPool, 2, 8, logx.Nop())
	ex.start()
	defer ex.stop(true)

	var ran atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		last := i == 4
		if err := ex.submit(func() {
			ran.Add(1)
			if last {
				close(done)
			}
		}); err != nil {
			t.Fatalf("submit error: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain")
	}
}

func TestPoolExecutorQueueFull(t *testing.T) {
	t.Parallel()
	ex := newExecutor(ExecPool, 1, 1, logx.Nop())
	ex.start()

	block := make(chan struct{})
	started := make(chan struct{})
	// Occupy the single worker.
	if err := ex.submit(func() { close(started); <-block }); err != nil {
		t.Fatalf("submit error: %v", err)
	}
	<-started
	// Fill the single queue slot.
	if err := ex.submit(func() {}); err != nil {
		t.Fatalf("submit error: %v", err)
	}
	// Next submission must be rejected, never block.
	if err := ex.submit(func() {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("submit = %v, want ErrQueueFull", err)
	}

	close(block)
	ex.stop(true)
}

func TestPoolExecutorSubmitAfterStop(t *testing.T) {
	t.Parallel()
	ex := newExecutor(ExecPool, 1, 1, logx.Nop())
	ex.start()
	ex.stop(true)
	if err := ex.submit(func() {}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("submit after stop = %v, want ErrNotRunning", err)
	}
}

func TestGoroutineExecutor(t *testing.T) {
	t.Parallel()
	ex := newExecutor(ExecGoroutine, 0, 0, logx.Nop())
	ex.start()

	done := make(chan struct{})
	if err := ex.submit(func() { close(done) }); err != nil {
		t.Fatalf("submit error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine executor never ran the body")
	}

	ex.stop(true)
	if err := ex.submit(func() {}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("submit after stop = %v, want ErrNotRunning", err)
	}
}
