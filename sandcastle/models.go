package sandcastle

import (
	"errors"
	"time"

	"github.com/lambda-feedback/sandcastle/internal/execution/frame"
	"github.com/lambda-feedback/sandcastle/internal/execution/script"
)

// Script is a reusable handle to run one source in the sandbox.
type Script = script.Script

// Task is a unit of work requested by a running script.
type Task = script.Task

// TaskFunc answers tasks raised by a running script.
type TaskFunc = script.TaskFunc

// ScriptError is an error thrown by a script.
type ScriptError = frame.ScriptError

var (
	ErrTimeout       = script.ErrTimeout
	ErrExited        = script.ErrExited
	ErrNoTaskHandler = script.ErrNoTaskHandler

	ErrMalformedPayload = frame.ErrMalformedPayload

	// ErrClosed is returned by CreateScript after Shutdown.
	ErrClosed = errors.New("sandcastle is shut down")
)

type scriptOptions struct {
	extraAPI             string
	timeout              time.Duration
	refreshTimeoutOnTask bool
}

// ScriptOption customizes a script created by CreateScript.
type ScriptOption func(*scriptOptions)

// WithExtraAPI appends trusted source to the shared support library for
// this script only.
func WithExtraAPI(source string) ScriptOption {
	return func(o *scriptOptions) {
		o.extraAPI = source
	}
}

// WithTimeout overrides the execution deadline of the script.
func WithTimeout(timeout time.Duration) ScriptOption {
	return func(o *scriptOptions) {
		o.timeout = timeout
	}
}

// WithRefreshTimeoutOnTask overrides whether answering a task resets the
// execution deadline.
func WithRefreshTimeoutOnTask(refresh bool) ScriptOption {
	return func(o *scriptOptions) {
		o.refreshTimeoutOnTask = refresh
	}
}
