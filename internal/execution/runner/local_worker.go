package runner

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/internal/execution/worker"
)

// LocalWorker serves the sandbox socket from inside the current process.
// Scripts share the host's memory and crash domain, so it trades isolation
// for startup time.
type LocalWorker struct {
	runner *Runner
	output worker.OutputFunc

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	log *zap.Logger
}

var _ worker.Worker = (*LocalWorker)(nil)

func NewLocalWorker(config Config, output worker.OutputFunc, log *zap.Logger) *LocalWorker {
	return &LocalWorker{
		runner: New(config, log),
		output: output,
		done:   make(chan struct{}),
		log:    log.Named("local_worker"),
	}
}

func (w *LocalWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return worker.ErrWorkerAlreadyStarted
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	l, err := w.runner.Listen()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	w.started = true
	w.cancel = cancel

	go func() {
		defer close(w.done)

		err := w.runner.Serve(ctx, l, outputWriter{stream: worker.Stdout, fn: w.output})

		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
	}()

	return nil
}

// Terminate stops accepting connections and interrupts running scripts.
func (w *LocalWorker) Terminate() error {
	return w.stop()
}

// Kill is the same as Terminate. Running scripts are interrupted either way.
func (w *LocalWorker) Kill() error {
	return w.stop()
}

func (w *LocalWorker) stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return worker.ErrWorkerNotStarted
	}

	w.cancel()

	return nil
}

func (w *LocalWorker) Wait(ctx context.Context) (worker.ExitEvent, error) {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	if !started {
		return worker.ExitEvent{}, worker.ErrWorkerNotStarted
	}

	select {
	case <-w.done:
	case <-ctx.Done():
		return worker.ExitEvent{}, ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	code := 0
	evt := worker.ExitEvent{Code: &code}
	if w.err != nil {
		code = 1
		evt.Stderr = w.err.Error()
	}

	return evt, nil
}

func (w *LocalWorker) WaitFor(ctx context.Context, timeout time.Duration) (worker.ExitEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return w.Wait(ctx)
}

// Pid returns the pid of the current process.
func (w *LocalWorker) Pid() int {
	return os.Getpid()
}

// outputWriter forwards writes to a worker output func.
type outputWriter struct {
	stream worker.Stream
	fn     worker.OutputFunc
}

func (o outputWriter) Write(p []byte) (int, error) {
	if o.fn != nil {
		o.fn(o.stream, p)
	}
	return len(p), nil
}
