package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lambda-feedback/sandcastle/sandcastle"
)

// ErrUnknownTask is returned for tasks without a registered handler.
var ErrUnknownTask = errors.New("unknown task")

// TaskRegistry answers tasks raised by scripts by name.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]sandcastle.TaskFunc
}

// NewTaskRegistry creates a registry with the built-in tasks.
func NewTaskRegistry() *TaskRegistry {
	r := &TaskRegistry{
		tasks: make(map[string]sandcastle.TaskFunc),
	}

	r.Register("echo", echoTask)

	return r
}

// Register adds or replaces the handler for name.
func (r *TaskRegistry) Register(name string, fn sandcastle.TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[name] = fn
}

// Handle answers task with the handler registered for its name.
func (r *TaskRegistry) Handle(ctx context.Context, task sandcastle.Task) (any, error) {
	r.mu.RLock()
	fn, ok := r.tasks[task.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, task.Name)
	}

	return fn(ctx, task)
}

// echoTask answers with the task options.
func echoTask(_ context.Context, task sandcastle.Task) (any, error) {
	return task.Options, nil
}
