package manager

import (
	"fmt"

	"github.com/gammazero/toposort"

	"taskd/internal/task"
)

// unmetDependencies returns the depends_on entries whose last recorded status
// is not SUCCESS. The check is point-in-time: a dependency that fails after
// this call returns is not re-validated.
func (m *Manager) unmetDependencies(def task.Definition) []string {
	var unmet []string
	for _, dep := range def.DependsOn {
		if m.lastStatus(dep) != task.StatusSuccess {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// lastStatus reports the most recent terminal status of id, preferring
// recorded history over the live run-state.
func (m *Manager) lastStatus(id string) task.Status {
	m.mu.Lock()
	h := m.history[id]
	m.mu.Unlock()
	if len(h) > 0 {
		return h[len(h)-1].Status
	}
	if info, ok := m.sched.ExecutionInfo(id); ok {
		return info.Status
	}
	return task.StatusPending
}

// DependencyOrder topologically sorts ids by their depends_on edges.
// Dependencies outside ids are ignored; a cycle fails the sort. Cycles are
// otherwise only surfaced at run time as permanent dependency failures, so
// this is the one eager check callers can opt into.
func (m *Manager) DependencyOrder(ids []string) ([]string, error) {
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}

	var edges []toposort.Edge
	for _, id := range ids {
		def, ok := m.Definition(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		linked := false
		for _, dep := range def.DependsOn {
			if in[dep] {
				edges = append(edges, toposort.Edge{dep, id})
				linked = true
			}
		}
		if !linked {
			edges = append(edges, toposort.Edge{nil, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency cycle: %w", err)
	}

	order := make([]string, 0, len(ids))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(string))
		}
	}
	return order, nil
}
