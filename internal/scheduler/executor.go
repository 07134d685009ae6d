package scheduler

import (
	"runtime/debug"
	"sync"

	"taskd/pkg/logx"
)

// executor decouples "when to fire" (the run loop) from "where the body
// runs". Submit must never block the run loop.
type executor interface {
	start()
	// submit schedules fn. ErrQueueFull when the executor cannot accept it.
	submit(fn func()) error
	// stop halts intake; when wait is true, in-flight work finishes first.
	stop(wait bool)
}

func newExecutor(kind ExecKind, workers, queueSize int, log logx.Logger) executor {
	switch kind {
	case ExecGoroutine:
		return &goroutineExecutor{log: log}
	default:
		return &poolExecutor{workers: workers, queueSize: queueSize, log: log}
	}
}

// ---- pool ----

// poolExecutor runs bodies on a fixed set of workers fed by a bounded queue.
// A worker that panics is respawned; the panic itself is already converted to
// an error inside the execution wrapper, so a worker panic here means a bug
// in the scheduler rather than in a task body.
type poolExecutor struct {
	workers   int
	queueSize int
	log       logx.Logger

	mu     sync.Mutex
	q      chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func (p *poolExecutor) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q != nil {
		return
	}
	p.q = make(chan func(), p.queueSize)
	p.stopCh = make(chan struct{})
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *poolExecutor) worker(idx int) {
	defer p.wg.Done()
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-p.stopCh:
			return
		default:
		}

		select {
		case <-p.stopCh:
			return
		case fn, ok := <-p.q:
			if !ok {
				return
			}
			p.run(fn, idx)
		}
	}
}

func (p *poolExecutor) run(fn func(), idx int) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("executor worker panic", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

func (p *poolExecutor) submit(fn func()) error {
	p.mu.Lock()
	q := p.q
	p.mu.Unlock()
	if q == nil {
		return ErrNotRunning
	}
	select {
	case q <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *poolExecutor) stop(wait bool) {
	p.mu.Lock()
	if p.q == nil {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.q = nil
	p.mu.Unlock()
	if wait {
		p.wg.Wait()
	}
}

// ---- goroutine ----

// goroutineExecutor spawns one goroutine per firing. Meant for callables that
// cooperate (block on I/O, respect ctx); there is no upper bound here beyond
// each task's max_instances gate.
type goroutineExecutor struct {
	log logx.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func (g *goroutineExecutor) start() {
	g.mu.Lock()
	g.stopped = false
	g.mu.Unlock()
}

func (g *goroutineExecutor) submit(fn func()) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return ErrNotRunning
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("task goroutine panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		fn()
	}()
	return nil
}

func (g *goroutineExecutor) stop(wait bool) {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	if wait {
		g.wg.Wait()
	}
}
