package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"taskd/internal/jobstore"
	"taskd/internal/task"
	"taskd/internal/trigger"
	"taskd/pkg/logx"
)

// maxIdle bounds how long the loop sleeps with nothing scheduled, so a store
// mutated behind its back (file store swapped on disk) is still picked up.
const maxIdle = time.Minute

// loop is the scheduler's single timing goroutine. It sleeps until the
// earliest stored next-fire time, collects due jobs, applies misfire and
// coalesce policy, advances each job's cursor, then dispatches.
func (s *Service) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		now := time.Now().In(s.cfg.Location)
		s.tick(now)

		next, ok, err := s.store.NextWake(context.Background())
		if err != nil {
			s.log.Warn("next wake query failed", logx.Err(err))
			timer.Reset(time.Second)
			continue
		}
		d := maxIdle
		if ok && !next.IsZero() {
			d = time.Until(next)
			if d < 0 {
				d = 0
			}
			if d > maxIdle {
				d = maxIdle
			}
		}
		timer.Reset(d)
	}
}

// tick processes every job due at or before now.
func (s *Service) tick(now time.Time) {
	due, err := s.store.Due(context.Background(), now)
	if err != nil {
		s.log.Warn("due query failed", logx.Err(err))
		return
	}
	for _, j := range due {
		s.processDue(j, now)
	}
}

func (s *Service) processDue(j jobstore.Job, now time.Time) {
	s.mu.Lock()
	tr, ok := s.triggers[j.TaskID]
	s.mu.Unlock()
	if !ok {
		// Stored job with no runtime trigger: stale row, drop the cursor.
		_ = s.store.UpdateRun(context.Background(), j.TaskID, j.PrevRun, time.Time{})
		return
	}

	scheduled := j.NextRun
	late := now.Sub(scheduled)

	// Misfire: past the grace window, record MISSED without invoking.
	if s.cfg.MisfireGrace > 0 && late > s.cfg.MisfireGrace {
		s.markMissed(j, scheduled, now)
		s.advance(j, tr, now)
		return
	}

	// Coalesce: several backlogged firings collapse into this single one.
	// With coalesce off each backlogged instant fires once.
	fires := 1
	if !s.cfg.Coalesce {
		fires = s.backlogCount(tr, scheduled, now)
	}

	s.advance(j, tr, now)

	if j.Paused || !j.Definition.Active {
		return
	}
	for i := 0; i < fires; i++ {
		if err := s.dispatch(j, scheduled); err != nil {
			if errors.Is(err, ErrMaxInstances) {
				break
			}
			if s.warnLimiter.Allow() {
				s.log.Warn("dispatch failed", logx.String("task", j.TaskID), logx.Err(err))
			}
			break
		}
	}
}

// backlogCount counts trigger instants in (scheduled, now], including the
// scheduled one itself, capped to keep a long outage from flooding the queue.
func (s *Service) backlogCount(tr trigger.Trigger, scheduled, now time.Time) int {
	const maxBacklog = 32
	n := 1
	t := scheduled
	for n < maxBacklog {
		t = tr.Next(t)
		if t.IsZero() || t.After(now) {
			break
		}
		n++
	}
	return n
}

// advance computes and persists the job's next fire time. A zero next leaves
// the job stored but inert (one-shot date triggers keep their info visible
// until removed).
func (s *Service) advance(j jobstore.Job, tr trigger.Trigger, now time.Time) {
	next := tr.Next(now)
	if err := s.store.UpdateRun(context.Background(), j.TaskID, j.NextRun, next); err != nil {
		s.log.Warn("cursor advance failed", logx.String("task", j.TaskID), logx.Err(err))
		return
	}
	s.statusMu.Lock()
	if info, ok := s.infos[j.TaskID]; ok {
		info.NextRunTime = next
	}
	s.statusMu.Unlock()
}

func (s *Service) markMissed(j jobstore.Job, scheduled, now time.Time) {
	atomic.AddUint64(&s.missed, 1)

	s.statusMu.Lock()
	if info, ok := s.infos[j.TaskID]; ok && info.Status != task.StatusRunning {
		info.Status = task.StatusMissed
	}
	s.statusMu.Unlock()

	rec := task.ExecutionRecord{
		RunID:       newRunID(),
		TaskID:      j.TaskID,
		Status:      task.StatusMissed,
		ScheduledAt: scheduled,
		StartTime:   now,
		EndTime:     now,
		QueueDelay:  now.Sub(scheduled),
	}
	s.record(rec)

	s.log.Warn("run missed",
		logx.String("task", j.TaskID),
		logx.Time("scheduled", scheduled),
		logx.Duration("late", now.Sub(scheduled)))
	s.publish(Event{Type: EventJobMissed, TaskID: j.TaskID, Time: now, Status: task.StatusMissed, Record: &rec})
}
