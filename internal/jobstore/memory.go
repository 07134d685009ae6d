package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore is the default backend: a mutex-guarded map.
type memoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func newMemory() *memoryStore {
	return &memoryStore{jobs: map[string]Job{}}
}

func (s *memoryStore) Put(ctx context.Context, j Job) error {
	_ = ctx
	s.mu.Lock()
	s.jobs[j.TaskID] = j
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Get(ctx context.Context, taskID string) (Job, error) {
	_ = ctx
	s.mu.RLock()
	j, ok := s.jobs[taskID]
	s.mu.RUnlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j, nil
}

func (s *memoryStore) Remove(ctx context.Context, taskID string) error {
	_ = ctx
	s.mu.Lock()
	delete(s.jobs, taskID)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) UpdateRun(ctx context.Context, taskID string, prev, next time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[taskID]
	if !ok {
		return ErrJobNotFound
	}
	j.PrevRun = prev
	j.NextRun = next
	s.jobs[taskID] = j
	return nil
}

func (s *memoryStore) SetPaused(ctx context.Context, taskID string, paused bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[taskID]
	if !ok {
		return ErrJobNotFound
	}
	j.Paused = paused
	s.jobs[taskID] = j
	return nil
}

func (s *memoryStore) Due(ctx context.Context, now time.Time) ([]Job, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]Job, 0, 4)
	for _, j := range s.jobs {
		if j.Paused || j.NextRun.IsZero() {
			continue
		}
		if !j.NextRun.After(now) {
			out = append(out, j)
		}
	}
	s.mu.RUnlock()
	sortDue(out)
	return out, nil
}

func (s *memoryStore) NextWake(ctx context.Context) (time.Time, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var earliest time.Time
	found := false
	for _, j := range s.jobs {
		if j.Paused || j.NextRun.IsZero() {
			continue
		}
		if !found || j.NextRun.Before(earliest) {
			earliest = j.NextRun
			found = true
		}
	}
	return earliest, found, nil
}

func (s *memoryStore) All(ctx context.Context) ([]Job, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].TaskID < out[b].TaskID })
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
