package runner

import "errors"

var (
	// ErrMethodNotFound is reported when the requested export is not a function.
	ErrMethodNotFound = errors.New("method not found")

	// errExited interrupts the VM once the script called exit.
	errExited = errors.New("script exited")

	// errShutdown interrupts running VMs when the runner stops.
	errShutdown = errors.New("runner shut down")
)

type Config struct {
	// Socket is the unix socket path to listen on.
	Socket string `conf:"socket"`

	// UseStrict compiles scripts in strict mode.
	UseStrict bool `conf:"use_strict"`

	// ExposeGC installs a global gc() function.
	ExposeGC bool `conf:"expose_gc"`

	// MemoryLimitMB sets a soft memory limit for the worker process.
	// Zero means no limit.
	MemoryLimitMB int `conf:"max_old_space_size"`

	// MaxCallStackSize limits the VM call stack depth.
	MaxCallStackSize int `conf:"max_call_stack_size"`
}

const defaultMaxCallStackSize = 4096

// readyMessage is written to stdout once the runner accepts connections.
type readyMessage struct {
	Type   string `json:"type"`
	Socket string `json:"socket"`
}
