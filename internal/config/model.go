package config

import (
	"time"

	"github.com/vk/taskgridgo/internal/task"
)

// Model is the unified, format-agnostic representation of the loaded
// configuration.
type Model struct {
	Grid *Grid
}

// Grid represents the user's task grid definition.
type Grid struct {
	Defaults Defaults
	Tasks    []*TaskSpec
}

// Defaults are grid-level execution settings. Zero values mean "not set";
// the app falls back to its own configuration for those.
type Defaults struct {
	Workers          int
	Timeout          time.Duration
	Retries          int
	RetryDelay       time.Duration
	StopOnFirstError bool
}

// TaskSpec is the format-agnostic representation of a `task` block.
type TaskSpec struct {
	Name      string
	Type      string
	Priority  int
	Timeout   time.Duration
	DependsOn []string
	Payload   map[string]any
}

// NewGrid creates and returns an initialized Grid.
func NewGrid() *Grid {
	return &Grid{}
}

// BuildTasks converts the grid's task specs into schedulable tasks,
// preserving declaration order.
func (g *Grid) BuildTasks() []*task.Task {
	out := make([]*task.Task, 0, len(g.Tasks))
	for _, spec := range g.Tasks {
		out = append(out, &task.Task{
			ID:        spec.Name,
			Type:      spec.Type,
			Payload:   spec.Payload,
			Priority:  spec.Priority,
			DependsOn: spec.DependsOn,
			Timeout:   spec.Timeout,
		})
	}
	return out
}
