package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type proc struct {
	pid    int
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	stdout io.ReadCloser
	stderr io.ReadCloser
	stdin  io.WriteCloser

	pipes sync.WaitGroup

	log *zap.Logger
}

// startProc starts the configured command in its own process group. Output is
// delivered to observer, which may be nil.
func startProc(config StartConfig, observer OutputFunc, log *zap.Logger) (*proc, error) {
	if config.Cmd == "" {
		return nil, errors.New("no command provided")
	}

	cmd := exec.Command(config.Cmd, config.Args...)

	if config.Env != nil {
		env := os.Environ()
		for k, v := range config.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	if config.Cwd != "" {
		cmd.Dir = config.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	initCmd(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	process := &proc{
		pid:    cmd.Process.Pid,
		cmd:    cmd,
		done:   make(chan struct{}),
		stdout: stdout,
		stderr: stderr,
		stdin:  stdin,
		log:    log.Named("proc").With(zap.Int("pid", cmd.Process.Pid)),
	}

	process.pipes.Add(2)
	go process.pump(Stdout, stdout, observer)
	go process.pump(Stderr, stderr, observer)

	go func() {
		// Wait closes the pipes, so drain them first
		process.pipes.Wait()

		// block until the process exits, then publish the exit error
		process.err = cmd.Wait()
		close(process.done)
	}()

	return process, nil
}

func (p *proc) pump(stream Stream, r io.Reader, observer OutputFunc) {
	defer p.pipes.Done()

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && observer != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			observer(stream, chunk)
		}

		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				p.log.Debug("failed to read from pipe",
					zap.Stringer("stream", stream),
					zap.Error(err))
			}
			return
		}
	}
}

// Done returns a channel that is closed once the process has exited.
func (p *proc) Done() <-chan struct{} {
	return p.done
}

// Pid returns the process id.
func (p *proc) Pid() int {
	return p.pid
}

func (p *proc) Terminate() error {
	return p.signal(syscall.SIGTERM, -1)
}

func (p *proc) Kill(timeout time.Duration) error {
	return p.signal(syscall.SIGKILL, timeout)
}

// Wait blocks until the process exits and returns its exit error.
func (p *proc) Wait() error {
	<-p.done
	return p.err
}

func (p *proc) signal(signal syscall.Signal, timeout time.Duration) error {
	// report success if the process terminated by the time we got here
	select {
	case <-p.done:
		p.log.Debug("process already terminated")
		return nil
	default:
	}

	p.kill(signal)

	return p.waitForTermination(timeout)
}

func (p *proc) waitForTermination(timeout time.Duration) error {
	// if timeout is < 0, don't wait for the process to exit
	if timeout < 0 {
		return nil
	}

	// if timeout is 0, wait indefinitely
	if timeout == 0 {
		<-p.done
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return ErrKillTimeout
	}
}

func (p *proc) kill(signal syscall.Signal) {
	log := p.log.With(zap.Stringer("signal", signal))

	log.Debug("sending signal")

	// best effort, ignore errors
	if err := sendKillSignal(p.pid, signal); err != nil {
		log.Error("signal failed", zap.Error(err))
	}

	// the process must not hang on input if it ignores the signal
	if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Debug("close stdin failed", zap.Error(err))
	}
}
