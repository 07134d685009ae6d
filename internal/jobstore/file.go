package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"taskd/pkg/logx"
)

// fileStore persists jobs as a single JSON snapshot, rewritten atomically
// (tmp + rename) on every mutation. Job counts are small enough that a full
// rewrite is cheaper than maintaining a journal.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	jobs map[string]Job
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.URL)
	if path == "" {
		return nil, errors.New("job_store.url is required for file")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	jobs := map[string]Job{}
	if err := loadSnapshot(path, jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job snapshot unreadable; starting empty", logx.String("path", path), logx.Err(err))
		jobs = map[string]Job{}
	}

	return &fileStore{log: log, path: path, jobs: jobs}, nil
}

func loadSnapshot(path string, out map[string]Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Job
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func (s *fileStore) flushLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Put(ctx context.Context, j Job) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.TaskID] = j
	return s.flushLocked()
}

func (s *fileStore) Get(ctx context.Context, taskID string) (Job, error) {
	_ = ctx
	s.mu.Lock()
	j, ok := s.jobs[taskID]
	s.mu.Unlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j, nil
}

func (s *fileStore) Remove(ctx context.Context, taskID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[taskID]; !ok {
		return nil
	}
	delete(s.jobs, taskID)
	return s.flushLocked()
}

func (s *fileStore) UpdateRun(ctx context.Context, taskID string, prev, next time.Time) error {
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
	return s.flushLocked()
}

func (s *fileStore) SetPaused(ctx context.Context, taskID string, paused bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[taskID]
	if !ok {
		return ErrJobNotFound
	}
	j.Paused = paused
	s.jobs[taskID] = j
	return s.flushLocked()
}

func (s *fileStore) Due(ctx context.Context, now time.Time) ([]Job, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]Job, 0, 4)
	for _, j := range s.jobs {
		if j.Paused || j.NextRun.IsZero() {
			continue
		}
		if !j.NextRun.After(now) {
			out = append(out, j)
		}
	}
	s.mu.Unlock()
	sortDue(out)
	return out, nil
}

func (s *fileStore) NextWake(ctx context.Context) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *fileStore) All(ctx context.Context) ([]Job, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].TaskID < out[b].TaskID })
	return out, nil
}

func (s *fileStore) Close() error { return nil }
