package manager

import (
	"errors"
	"fmt"
	"strings"
)

// ErrWaitTimeout is returned when wait-for-completion polling expires before
// the task reaches a terminal status.
var ErrWaitTimeout = errors.New("timed out waiting for task completion")

// ErrTaskNotFound is returned for operations on an id the manager does not know.
var ErrTaskNotFound = errors.New("task not found")

// DependencyUnmetError reports that execute was refused because at least one
// dependency's last recorded status is not SUCCESS. The core is not touched.
type DependencyUnmetError struct {
	TaskID string
	Unmet  []string
}

func (e *DependencyUnmetError) Error() string {
	return fmt.Sprintf("task %s has unmet dependencies: %s", e.TaskID, strings.Join(e.Unmet, ", "))
}
