package supervisor

import (
	"time"

	"github.com/lambda-feedback/sandcastle/internal/execution/script"
	"github.com/lambda-feedback/sandcastle/internal/execution/worker"
)

// StopConfig describes the configuration for stopping the worker.
type StopConfig = worker.StopConfig

type Config struct {
	// Timeout is the liveness window. The worker is restarted when no
	// heartbeat succeeded for longer than Timeout.
	Timeout time.Duration `conf:"timeout"`

	// MemoryLimitMB caps the worker heap. Zero means no explicit cap.
	MemoryLimitMB int `conf:"memory_limit_mb"`

	// UseStrictMode evaluates scripts in strict mode.
	UseStrictMode bool `conf:"use_strict_mode"`

	// Cwd is the working directory of the worker process.
	Cwd string `conf:"cwd"`

	// SpawnExecPath is the binary started as the worker. Defaults to
	// the current executable.
	SpawnExecPath string `conf:"spawn_exec_path"`

	// Entry are program arguments placed before the sandbox subcommand.
	Entry []string `conf:"entry"`

	// Env is a map of additional environment variables for the worker.
	Env map[string]string `conf:"env"`

	// Socket is the unix socket path the worker listens on.
	Socket string `conf:"socket"`

	// HeartbeatInterval is the period of the liveness probe.
	HeartbeatInterval time.Duration `conf:"heartbeat_interval"`

	// RetryDelay is the pause before an execution reconnects to the worker.
	RetryDelay time.Duration `conf:"retry_delay"`

	// MaxRespawnDelay caps the backoff between respawns of a worker
	// that keeps exiting before it becomes ready.
	MaxRespawnDelay time.Duration `conf:"max_respawn_delay"`

	// Stop configures the graceful shutdown of the worker.
	Stop StopConfig `conf:"stop"`
}

const (
	DefaultTimeout           = 5 * time.Second
	DefaultSocket            = "/tmp/sandcastle.sock"
	DefaultHeartbeatInterval = time.Second
	DefaultMaxRespawnDelay   = 5 * time.Second
	DefaultStopTimeout       = 5 * time.Second
	DefaultRetryDelay        = script.DefaultRetryDelay

	minRespawnDelay = 100 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}

	if c.Socket == "" {
		c.Socket = DefaultSocket
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}

	if c.MaxRespawnDelay <= 0 {
		c.MaxRespawnDelay = DefaultMaxRespawnDelay
	}

	if c.Stop.Timeout <= 0 {
		c.Stop.Timeout = DefaultStopTimeout
	}

	return c
}
