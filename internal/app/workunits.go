package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/taskgridgo/internal/ctxlog"
	"github.com/vk/taskgridgo/internal/task"
)

// WorkRegistry resolves a task's type to the work unit that executes it.
type WorkRegistry map[string]task.WorkFunc

// Resolve returns a single WorkFunc dispatching on task type. An empty type
// selects the noop unit; an unknown type fails the task.
func (r WorkRegistry) Resolve() task.WorkFunc {
	return func(ctx context.Context, t *task.Task) (any, error) {
		name := t.Type
		if name == "" {
			name = "noop"
		}
		work, ok := r[name]
		if !ok {
			return nil, fmt.Errorf("no work unit registered for task type %q", name)
		}
		return work(ctx, t)
	}
}

// BuiltinWorkUnits returns the default registry: small demonstration units
// for exercising grids without an embedding system.
func BuiltinWorkUnits() WorkRegistry {
	return WorkRegistry{
		"noop":  runNoop,
		"print": runPrint,
		"sleep": runSleep,
		"fail":  runFail,
	}
}

func runNoop(ctx context.Context, t *task.Task) (any, error) {
	return nil, nil
}

// runPrint logs the payload's message.
func runPrint(ctx context.Context, t *task.Task) (any, error) {
	message, _ := t.Payload["message"].(string)
	ctxlog.FromContext(ctx).Info(message, "task", t.ID)
	return message, nil
}

// runSleep blocks for the payload's duration, honoring cancellation.
func runSleep(ctx context.Context, t *task.Task) (any, error) {
	raw, _ := t.Payload["duration"].(string)
	if raw == "" {
		return nil, errors.New("sleep task requires a duration payload attribute")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid sleep duration: %w", err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runFail always fails; it exists to demonstrate retry and report behavior.
func runFail(ctx context.Context, t *task.Task) (any, error) {
	message, _ := t.Payload["message"].(string)
	if message == "" {
		message = "task is configured to fail"
	}
	return nil, errors.New(message)
}
