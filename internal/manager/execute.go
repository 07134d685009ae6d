package manager

import (
	"context"
	"fmt"
	"time"

	"taskd/internal/task"
	"taskd/pkg/logx"
)

// waitPollInterval is the status poll cadence for wait-for-completion.
const waitPollInterval = 50 * time.Millisecond

// ExecuteTask fires id immediately after a point-in-time dependency check.
// Every entry in depends_on must have last recorded status SUCCESS or the
// call fails with DependencyUnmetError before the core is touched. The check
// is not re-validated while the task runs.
//
// When wait is true the call polls until the run reaches a terminal status
// and returns its result, or ErrWaitTimeout once timeout elapses.
func (m *Manager) ExecuteTask(ctx context.Context, id string, wait bool, timeout time.Duration) (any, error) {
	def, ok := m.Definition(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if unmet := m.unmetDependencies(def); len(unmet) > 0 {
		return nil, &DependencyUnmetError{TaskID: id, Unmet: unmet}
	}

	lock := m.taskLock(id)
	lock.Lock()
	defer lock.Unlock()

	mark := len(m.History(id))

	if !m.sched.RunTaskNow(id) {
		return nil, fmt.Errorf("task %s could not be fired", id)
	}
	m.log.Debug("task fired manually", logx.String("task", id), logx.Bool("wait", wait))

	if !wait {
		return nil, nil
	}
	return m.waitTerminal(ctx, id, mark, timeout)
}

// waitTerminal polls history until a run recorded after mark reaches a
// terminal status.
func (m *Manager) waitTerminal(ctx context.Context, id string, mark int, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		h := m.History(id)
		if len(h) > mark {
			// A retrying run is not terminal until its last attempt lands.
			last := h[len(h)-1]
			if last.Status.Terminal() && !m.retryPending(id, last) {
				if last.Status == task.StatusSuccess {
					return last.Result, nil
				}
				return nil, fmt.Errorf("task %s finished with status %s: %s", id, last.Status, last.Error)
			}
		}

		if time.Now().After(deadline) {
			return nil, ErrWaitTimeout
		}
	}
}

// retryPending reports whether last is a failed attempt that still has
// retries to go.
func (m *Manager) retryPending(id string, last task.ExecutionRecord) bool {
	if last.Status != task.StatusError {
		return false
	}
	def, ok := m.Definition(id)
	if !ok {
		return false
	}
	return last.Attempt < def.RetryCount
}

// ChainResult is the per-task outcome of ExecuteChain.
type ChainResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecuteChain runs ids sequentially, waiting for each to finish. When
// stopOnError is set the chain halts at the first failure; later ids are not
// reported. timeout bounds each link, not the whole chain.
func (m *Manager) ExecuteChain(ctx context.Context, ids []string, stopOnError bool, timeout time.Duration) map[string]ChainResult {
	out := make(map[string]ChainResult, len(ids))
	for _, id := range ids {
		res, err := m.ExecuteTask(ctx, id, true, timeout)
		if err != nil {
			out[id] = ChainResult{Success: false, Error: err.Error()}
			m.log.Warn("chain link failed", logx.String("task", id), logx.Err(err))
			if stopOnError {
				break
			}
			continue
		}
		out[id] = ChainResult{Success: true, Result: res}
	}
	return out
}
