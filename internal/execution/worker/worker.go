package worker

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// stderrTail is the number of trailing stderr bytes kept for the exit event.
const stderrTail = 64 * 1024

type Worker interface {
	Start(context.Context) error
	Terminate() error
	Kill() error
	Wait(context.Context) (ExitEvent, error)
	WaitFor(context.Context, time.Duration) (ExitEvent, error)
	Pid() int
}

type ProcessWorker struct {
	ctx    context.Context
	config StartConfig

	processLock sync.Mutex
	process     *proc
	observer    OutputFunc
	exitChan    chan ExitEvent

	stderrLock sync.Mutex
	stderr     []byte

	log *zap.Logger
}

var _ Worker = (*ProcessWorker)(nil)

// NewProcessWorker creates a worker for the given command. The process is
// killed once ctx is cancelled.
func NewProcessWorker(ctx context.Context, config StartConfig, log *zap.Logger) *ProcessWorker {
	return &ProcessWorker{
		ctx:      ctx,
		config:   config,
		exitChan: make(chan ExitEvent, 1),
		log:      log.Named("worker"),
	}
}

// Observe registers fn to receive the process output. It must be called
// before Start.
func (w *ProcessWorker) Observe(fn OutputFunc) {
	w.processLock.Lock()
	defer w.processLock.Unlock()

	w.observer = fn
}

// Start starts the worker process.
func (w *ProcessWorker) Start(ctx context.Context) error {
	w.log.With(
		zap.String("command", w.config.Cmd),
		zap.Strings("args", w.config.Args),
		zap.String("cwd", w.config.Cwd),
	).Debug("starting worker process")

	// synchronize access to the process
	w.processLock.Lock()
	defer w.processLock.Unlock()

	// return if the worker is already started
	if w.process != nil {
		return ErrWorkerAlreadyStarted
	}

	// exit early if the context is already cancelled
	if ctx.Err() != nil {
		return fmt.Errorf("failed to start process: %w", ctx.Err())
	}

	observer := w.observer
	process, err := startProc(w.config, func(stream Stream, data []byte) {
		if stream == Stderr {
			w.keepStderr(data)
		}
		if observer != nil {
			observer(stream, data)
		}
	}, w.log)
	if err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	w.process = process

	// wait for the process to terminate,
	// and send the exit event to the channel
	go func() {
		err := process.Wait()

		w.stderrLock.Lock()
		stderr := string(w.stderr)
		w.stderrLock.Unlock()

		w.exitChan <- getExitEvent(err, stderr)
		close(w.exitChan)
	}()

	// wait for the worker context to be cancelled,
	// and kill the process.
	go func() {
		select {
		case <-process.Done():
		case <-w.ctx.Done():
			process.Kill(-1)
		}
	}()

	return nil
}

func (w *ProcessWorker) keepStderr(chunk []byte) {
	w.stderrLock.Lock()
	defer w.stderrLock.Unlock()

	w.stderr = append(w.stderr, chunk...)
	if over := len(w.stderr) - stderrTail; over > 0 {
		w.stderr = w.stderr[over:]
	}
}

// Wait waits for the worker process to exit. The method blocks until the process
// exits. The method returns an ExitEvent object that contains the exit status of
// the process. The exit event can only be consumed once.
func (w *ProcessWorker) Wait(ctx context.Context) (ExitEvent, error) {
	if w.acquireProcess() == nil {
		return ExitEvent{}, ErrWorkerNotStarted
	}

	select {
	case <-ctx.Done():
		return ExitEvent{}, ctx.Err()
	case exitEvent, ok := <-w.exitChan:
		if !ok {
			return ExitEvent{}, ErrWorkerExited
		}
		return exitEvent, nil
	}
}

// WaitFor waits for the worker process to exit. It blocks until the process exits
// or the timeout is reached.
func (w *ProcessWorker) WaitFor(
	ctx context.Context,
	deadline time.Duration,
) (ExitEvent, error) {
	var waitCtx context.Context
	var cancel context.CancelFunc

	if deadline <= 0 {
		waitCtx, cancel = context.WithCancel(ctx)
	} else {
		waitCtx, cancel = context.WithTimeout(ctx, deadline)
	}

	defer cancel()

	return w.Wait(waitCtx)
}

// Kill sends a SIGKILL signal to the worker process group.
// The method returns immediately, without waiting for the process to stop.
func (w *ProcessWorker) Kill() error {
	if process := w.acquireProcess(); process != nil {
		return process.Kill(-1)
	}

	return ErrWorkerNotStarted
}

// Terminate sends a SIGTERM signal to the worker process to request it to stop.
// The method returns immediately, without waiting for the process to stop.
func (w *ProcessWorker) Terminate() error {
	if process := w.acquireProcess(); process != nil {
		return process.Terminate()
	}

	return ErrWorkerNotStarted
}

func (w *ProcessWorker) Pid() int {
	if process := w.acquireProcess(); process != nil {
		return process.Pid()
	}

	return 0
}

// acquireProcess returns the worker process. The method is thread-safe.
func (w *ProcessWorker) acquireProcess() *proc {
	w.processLock.Lock()
	defer w.processLock.Unlock()

	return w.process
}

// MARK: - Helpers

func getExitEvent(err error, stderr string) ExitEvent {
	var cell int
	var exitStatus *int
	var signo *int

	if err == nil {
		// the process exited successfully, set the exit code to 0
		exitStatus = &cell
	} else if exitError, ok := err.(*exec.ExitError); ok {
		// the process exited with an error
		if status, ok := exitError.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				cell = int(status.Signal())
				signo = &cell
			} else {
				cell = status.ExitStatus()
				exitStatus = &cell
			}
		}
	}

	if signo == nil && exitStatus == nil {
		// could not determine the exit status or signal,
		// set exit status to 1
		cell = 1
		exitStatus = &cell
	}

	return ExitEvent{
		Code:   exitStatus,
		Signal: signo,
		Stderr: stderr,
	}
}
