package runtime

import (
	"github.com/lambda-feedback/sandcastle/internal/execution/dispatcher"
)

type Config struct {
	// Dispatcher bounds the number of concurrent executions.
	Dispatcher dispatcher.PooledDispatcherConfig `conf:",squash"`
}

// RunRequest asks the runtime to run one script.
type RunRequest struct {
	// Source is the untrusted script source.
	Source string `json:"source"`

	// Method is the exported function to invoke. Defaults to main.
	Method string `json:"method,omitempty"`

	// Globals are bound as global variables before the script runs.
	Globals map[string]any `json:"globals,omitempty"`

	// ExtraAPI is trusted source appended to the shared API.
	ExtraAPI string `json:"extra_api,omitempty"`

	// TimeoutMS overrides the execution deadline in milliseconds.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// RunResponse is the outcome of a successful run.
type RunResponse struct {
	// Result is the value the script passed to exit.
	Result any `json:"result"`

	// Tasks is the number of tasks the script raised.
	Tasks int `json:"tasks"`

	// DurationMS is the wall time of the run in milliseconds.
	DurationMS int64 `json:"duration_ms"`
}
