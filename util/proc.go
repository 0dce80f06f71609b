package util

import (
	"errors"
	"os"
	"syscall"
)

// IsProcessAlive probes pid with signal 0. A process owned by another
// user still counts as alive.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = p.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}

	return errors.Is(err, syscall.EPERM)
}
