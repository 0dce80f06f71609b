package config

import (
	"github.com/lambda-feedback/sandcastle/runtime"
	"github.com/lambda-feedback/sandcastle/sandcastle"
	"github.com/lambda-feedback/sandcastle/util/conf"
)

type AuthConfig struct {
	// Key is the API key required in the api-key header. Empty disables
	// authorization.
	Key string `conf:"key"`
}

type Config struct {
	// LogLevel is the log level for the application
	LogLevel string `conf:"log_level"`

	// LogFormat is the log format for the application
	LogFormat string `conf:"log_format"`

	// Auth is the authorization configuration for HTTP requests
	Auth AuthConfig `conf:"auth"`

	// Runtime is the runtime configuration
	Runtime runtime.Config `conf:"runtime"`

	// Sandcastle is the sandbox configuration
	Sandcastle sandcastle.Config `conf:"sandbox"`
}

var sandboxDefaults = conf.DefaultConfig{
	"timeout":                 sandcastle.DefaultConfig().Timeout,
	"use_strict_mode":         true,
	"socket":                  sandcastle.DefaultConfig().Socket,
	"heartbeat_interval":      sandcastle.DefaultConfig().HeartbeatInterval,
	"retry_delay":             sandcastle.DefaultConfig().RetryDelay,
	"max_respawn_delay":       sandcastle.DefaultConfig().MaxRespawnDelay,
	"refresh_timeout_on_task": true,
	"stop.timeout":            sandcastle.DefaultConfig().Stop.Timeout,
}

var runtimeDefaults = conf.DefaultConfig{
	"max_sessions": 16,
}

// DefaultConfig is the flat set of defaults loaded before any other
// config source.
var DefaultConfig = conf.MergeDefaults(
	conf.DefaultConfig{
		"log_level":  "info",
		"log_format": "production",
	},
	conf.Namespace("runtime", runtimeDefaults),
	conf.Namespace("sandbox", sandboxDefaults),
)
