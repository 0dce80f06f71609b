package sandcastle

import (
	"github.com/lambda-feedback/sandcastle/internal/execution/supervisor"
)

type Config struct {
	// Config configures the supervised sandbox worker.
	supervisor.Config `conf:",squash"`

	// API is the path of the trusted support library evaluated before
	// every script. Relative paths are resolved against Cwd.
	API string `conf:"api"`

	// RefreshTimeoutOnTask resets the execution deadline whenever a task
	// raised by a script is answered.
	RefreshTimeoutOnTask bool `conf:"refresh_timeout_on_task"`

	// InProcess serves scripts from the current process instead of a
	// spawned worker. Scripts are not isolated from the host.
	InProcess bool `conf:"in_process"`
}

// DefaultConfig returns the config used when nothing else is set.
func DefaultConfig() Config {
	return Config{
		Config: supervisor.Config{
			Timeout:           supervisor.DefaultTimeout,
			UseStrictMode:     true,
			Socket:            supervisor.DefaultSocket,
			HeartbeatInterval: supervisor.DefaultHeartbeatInterval,
			RetryDelay:        supervisor.DefaultRetryDelay,
			MaxRespawnDelay:   supervisor.DefaultMaxRespawnDelay,
			Stop: supervisor.StopConfig{
				Timeout: supervisor.DefaultStopTimeout,
			},
		},
		RefreshTimeoutOnTask: true,
	}
}
