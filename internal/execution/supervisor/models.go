package supervisor

import "errors"

var (
	// ErrShutdown is returned by WaitReady once the supervisor is shut down.
	ErrShutdown = errors.New("supervisor is shut down")

	ErrAlreadyStarted = errors.New("supervisor already started")
)

// heartbeatSource is the script run by every heartbeat execution.
const heartbeatSource = "exports.main = function() {exit(true)}"

// Restart reasons reported to metrics and logs.
const (
	reasonTimeout  = "timeout"
	reasonLiveness = "liveness"
)
