package shell

import (
	"errors"
	"fmt"
	"os"
)

// ExitError asks the caller to terminate the process with ExitCode.
type ExitError struct {
	ExitCode int

	// Signal is the OS signal that stopped the shell, if any.
	Signal os.Signal
}

func (e *ExitError) Error() string {
	if e.Signal != nil {
		return fmt.Sprintf("shell exited with %d after %s", e.ExitCode, e.Signal)
	}
	return fmt.Sprintf("shell exited with %d", e.ExitCode)
}

func NewExitError(exitCode int) *ExitError {
	return &ExitError{ExitCode: exitCode}
}

func IsExitError(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}
