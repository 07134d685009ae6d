package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"taskd/internal/jobstore"
	"taskd/internal/registry"
	"taskd/internal/task"
	"taskd/pkg/logx"
)

func newRunID() string { return uuid.NewString() }

// dispatch hands one firing of j to the executor. A firing that cannot get a
// max_instances slot is skipped, never queued.
func (s *Service) dispatch(j jobstore.Job, scheduled time.Time) error {
	fn, err := s.reg.Resolve(j.Definition.Function)
	if err != nil {
		return err
	}

	sem := s.semaphoreFor(j.TaskID, j.Definition.MaxInstances)
	if !sem.TryAcquire(1) {
		atomic.AddUint64(&s.skipped, 1)
		s.log.Debug("firing skipped, max instances reached",
			logx.String("task", j.TaskID),
			logx.Int("max_instances", j.Definition.MaxInstances))
		return ErrMaxInstances
	}

	atomic.AddInt32(&s.inFlight, 1)
	def := j.Definition
	if err := s.exec.submit(func() {
		defer atomic.AddInt32(&s.inFlight, -1)
		defer sem.Release(1)
		s.execute(def, fn, scheduled, 0, "")
	}); err != nil {
		atomic.AddInt32(&s.inFlight, -1)
		sem.Release(1)
		return err
	}
	return nil
}

func (s *Service) semaphoreFor(id string, max int) *semaphore.Weighted {
	if max <= 0 {
		max = 1
	}
	s.semMu.Lock()
	defer s.semMu.Unlock()
	sem, ok := s.sems[id]
	if !ok {
		sem = semaphore.NewWeighted(int64(max))
		s.sems[id] = sem
	}
	return sem
}

// execute runs one attempt of def's function and records the outcome.
// attempt starts at 0; a retry attempt carries the failed run's id in retryOf.
func (s *Service) execute(def task.Definition, fn registry.Func, scheduled time.Time, attempt int, retryOf string) {
	start := time.Now().In(s.cfg.Location)
	rec := task.ExecutionRecord{
		RunID:       newRunID(),
		TaskID:      def.ID,
		ScheduledAt: scheduled,
		StartTime:   start,
		Attempt:     attempt,
		RetryOf:     retryOf,
	}
	if !scheduled.IsZero() {
		rec.QueueDelay = start.Sub(scheduled)
	}

	s.statusMu.Lock()
	info, ok := s.infos[def.ID]
	var before task.ExecutionInfo
	if ok {
		before = *info
		info.Status = task.StatusRunning
		info.StartTime = start
		info.EndTime = time.Time{}
		info.RetriesUsed = attempt
	}
	s.statusMu.Unlock()

	result, runErr := s.invoke(def, fn)

	end := time.Now().In(s.cfg.Location)
	rec.EndTime = end
	rec.Duration = end.Sub(start)

	// An open breaker rejects the call before the body runs. That is a skipped
	// firing like an overlap skip, not a failed run: no record, no error event,
	// no retry chain. The pre-attempt run state is put back.
	if errors.Is(runErr, gobreaker.ErrOpenState) || errors.Is(runErr, gobreaker.ErrTooManyRequests) {
		atomic.AddUint64(&s.skipped, 1)
		if ok {
			s.statusMu.Lock()
			if cur, still := s.infos[def.ID]; still {
				*cur = before
			}
			s.statusMu.Unlock()
		}
		s.log.Debug("firing skipped, circuit open",
			logx.String("task", def.ID),
			logx.Int("attempt", attempt))
		return
	}

	if runErr == nil {
		rec.Status = task.StatusSuccess
		rec.Result = result
		s.finishInfo(def.ID, rec, attempt)
		s.record(rec)
		s.log.Info("run succeeded",
			logx.String("task", def.ID),
			logx.String("run", rec.RunID),
			logx.Duration("took", rec.Duration),
			logx.Int("attempt", attempt))
		s.publish(Event{Type: EventJobExecuted, TaskID: def.ID, Time: end, Status: task.StatusSuccess, Record: &rec, Result: result})
		return
	}

	rec.Status = task.StatusError
	rec.Error = runErr.Error()
	s.finishInfo(def.ID, rec, attempt)
	s.record(rec)
	s.log.Error("run failed",
		logx.String("task", def.ID),
		logx.String("run", rec.RunID),
		logx.Int("attempt", attempt),
		logx.Duration("took", rec.Duration),
		logx.Err(runErr))
	s.publish(Event{Type: EventJobError, TaskID: def.ID, Time: end, Status: task.StatusError, Record: &rec, Error: rec.Error})

	if attempt < def.RetryCount {
		s.scheduleRetry(def, fn, scheduled, attempt+1, rec.RunID)
	}
}

// invoke runs the function body with timeout, circuit breaker, and panic
// containment applied.
func (s *Service) invoke(def task.Definition, fn registry.Func) (any, error) {
	body := func() (any, error) {
		ctx := context.Background()
		cancel := func() {}
		if def.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		}
		defer cancel()
		return s.callWithDeadline(ctx, def, fn)
	}

	br := s.breakerFor(def.ID)
	if br == nil {
		return body()
	}
	res, err := br.Execute(func() (interface{}, error) { return body() })
	if err != nil {
		return nil, err
	}
	return res, nil
}

// callWithDeadline runs fn on its own goroutine so a body that ignores its
// context cannot hold an executor slot past the task timeout. The goroutine
// itself is left to finish; only its result is abandoned.
func (s *Service) callWithDeadline(ctx context.Context, def task.Definition, fn registry.Func) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		res, err := fn(ctx, def.Args, def.Kwargs)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("task %s timed out after %s: %w", def.ID, def.Timeout, ctx.Err())
	}
}

func (s *Service) breakerFor(id string) *gobreaker.CircuitBreaker {
	if s.cfg.Circuit == nil {
		return nil
	}
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()
	if br, ok := s.breakers[id]; ok {
		return br
	}
	trip := s.cfg.Circuit.TripFailures
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    id,
		Timeout: s.cfg.Circuit.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("circuit state changed",
				logx.String("task", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()))
		},
	})
	s.breakers[id] = br
	return br
}

// finishInfo folds a finished attempt into the task's live run-state.
func (s *Service) finishInfo(id string, rec task.ExecutionRecord, attempt int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	info, ok := s.infos[id]
	if !ok {
		return
	}
	info.Status = rec.Status
	info.EndTime = rec.EndTime
	info.Duration = rec.Duration
	info.Result = rec.Result
	info.Error = rec.Error
	info.RetriesUsed = attempt
}

// scheduleRetry arms a timer that re-fires the task under the same task id.
// The new run carries the failed run's id in RetryOf; no derived task is ever
// created. Timers are tracked so Stop() can cancel a pending retry.
func (s *Service) scheduleRetry(def task.Definition, fn registry.Func, scheduled time.Time, attempt int, retryOf string) {
	delay := def.RetryDelay
	if delay <= 0 {
		delay = s.backoffDelay(attempt)
	}

	s.log.Info("retry scheduled",
		logx.String("task", def.ID),
		logx.String("retry_of", retryOf),
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay))

	s.retryMu.Lock()
	timer := time.AfterFunc(delay, func() {
		s.retryMu.Lock()
		delete(s.retryTimers, retryOf)
		s.retryMu.Unlock()
		s.fireRetry(def, fn, scheduled, attempt, retryOf)
	})
	s.retryTimers[retryOf] = timer
	s.retryMu.Unlock()
}

func (s *Service) fireRetry(def task.Definition, fn registry.Func, scheduled time.Time, attempt int, retryOf string) {
	s.mu.Lock()
	running := s.running
	_, present := s.triggers[def.ID]
	s.mu.Unlock()
	if !running || !present {
		return
	}

	sem := s.semaphoreFor(def.ID, def.MaxInstances)
	if !sem.TryAcquire(1) {
		atomic.AddUint64(&s.skipped, 1)
		s.log.Debug("retry skipped, max instances reached", logx.String("task", def.ID))
		return
	}
	atomic.AddInt32(&s.inFlight, 1)
	if err := s.exec.submit(func() {
		defer atomic.AddInt32(&s.inFlight, -1)
		defer sem.Release(1)
		s.execute(def, fn, scheduled, attempt, retryOf)
	}); err != nil {
		atomic.AddInt32(&s.inFlight, -1)
		sem.Release(1)
		if s.warnLimiter.Allow() {
			s.log.Warn("retry dispatch failed", logx.String("task", def.ID), logx.Err(err))
		}
	}
}

// backoffDelay derives the wait before a given retry attempt when the task
// carries no explicit retry_delay.
func (s *Service) backoffDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryBase
	bo.MaxInterval = s.cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	if d <= 0 {
		d = s.cfg.RetryBase
	}
	return d
}
