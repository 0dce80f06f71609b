package script

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTimeout is returned by Run when the execution deadline expires.
	ErrTimeout = errors.New("script execution timed out")

	// ErrExited is returned when answering a task of an execution that
	// has already reached its terminal state.
	ErrExited = errors.New("script execution already exited")

	// ErrStaleTask is returned when answering a task whose connection has
	// been lost. The execution reconnects and replays its request.
	ErrStaleTask = errors.New("task connection is gone")

	// ErrNoSandbox is returned by Start when the script has no sandbox
	// to connect to.
	ErrNoSandbox = errors.New("no sandbox configured")

	// ErrNoTaskHandler is returned by Run when a script raises a task
	// but no TaskFunc was given.
	ErrNoTaskHandler = errors.New("script raised a task but no handler is set")
)

const (
	// DefaultMethod is the exported function invoked when no method is given.
	DefaultMethod = "main"

	DefaultTimeout    = 5 * time.Second
	DefaultRetryDelay = 500 * time.Millisecond
)

// Sandbox is the worker host an execution connects to.
type Sandbox interface {
	// WaitReady blocks until the worker accepts connections.
	WaitReady(ctx context.Context) error

	// ForceRestart kills and respawns the worker.
	ForceRestart()

	// Endpoint returns the unix socket path of the worker.
	Endpoint() string
}

// Dialer opens connections to the sandbox endpoint.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Params struct {
	// Source is the untrusted script source.
	Source string

	// SourceAPI is the trusted support library evaluated before Source.
	SourceAPI string

	// Timeout is the execution deadline.
	Timeout time.Duration

	// RefreshTimeoutOnTask resets the deadline whenever a task is answered.
	RefreshTimeoutOnTask bool

	// RetryDelay is the pause before reconnecting after a transport error.
	RetryDelay time.Duration

	Sandbox Sandbox
	Dialer  Dialer

	Log *zap.Logger
}

// Request is the first frame written on every connection.
type Request struct {
	Source     string `json:"source"`
	SourceAPI  string `json:"sourceAPI"`
	Globals    string `json:"globals,omitempty"`
	MethodName string `json:"methodName"`
}

// Task is a unit of work requested by the script.
type Task struct {
	// ID is the task identifier rendered as text.
	ID string

	// Name is the task name, if the worker provided one.
	Name string

	// Raw is the task object as sent by the worker. It is echoed back
	// verbatim in the answer.
	Raw any

	// Options are the task options. Never nil.
	Options map[string]any
}

type answer struct {
	Task any `json:"task"`
	Data any `json:"data"`
}

// Event is emitted on the Events channel of an execution.
type Event interface {
	event()
}

// TaskEvent is emitted for every task frame. The task must be answered
// with Answer for the script to make progress.
type TaskEvent struct {
	Task Task

	// Err is set when the task payload could not be decoded.
	Err error

	exec    *Execution
	attempt int
}

// Answer writes the answer frame for the task on the live connection.
func (e *TaskEvent) Answer(ctx context.Context, data any) error {
	return e.exec.answer(ctx, e, data)
}

// ExitEvent is the terminal event of a completed execution.
type ExitEvent struct {
	Result any
	Err    error
}

// TimeoutEvent is the terminal event of an execution whose deadline expired.
type TimeoutEvent struct {
	Method string
}

func (*TaskEvent) event()    {}
func (*ExitEvent) event()    {}
func (*TimeoutEvent) event() {}

func (e *TimeoutEvent) String() string {
	return fmt.Sprintf("timeout running %q", e.Method)
}
