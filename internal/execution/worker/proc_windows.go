package worker

import (
	"os"
	"os/exec"
	"syscall"
)

func sendKillSignal(pid int, _ syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	return p.Kill()
}

func initCmd(cmd *exec.Cmd) {
	// No-op on Windows.
}
