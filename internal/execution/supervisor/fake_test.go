package supervisor_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/internal/execution/frame"
	"github.com/lambda-feedback/sandcastle/internal/execution/worker"
)

// behaviour configures one spawned fake worker.
type behaviour struct {
	// hang accepts requests but never answers them
	hang bool

	// crashOnRequest exits as soon as a request arrives
	crashOnRequest bool

	// exitOnStart exits right after start without becoming ready
	exitOnStart bool

	// readyDelay delays the ready line
	readyDelay time.Duration
}

// fakeWorker serves the wire protocol in-process and answers every
// request with true.
type fakeWorker struct {
	config    worker.StartConfig
	output    worker.OutputFunc
	behaviour behaviour
	pid       int

	mu       sync.Mutex
	listener net.Listener
	conns    []net.Conn

	exitOnce sync.Once
	exitEvt  worker.ExitEvent
	exited   chan struct{}

	kills      atomic.Int32
	terminates atomic.Int32
	startedAt  time.Time
}

var _ worker.Worker = (*fakeWorker)(nil)

func (w *fakeWorker) socket() string {
	for _, arg := range w.config.Args {
		if strings.HasPrefix(arg, "--socket=") {
			return strings.TrimPrefix(arg, "--socket=")
		}
	}
	return ""
}

func (w *fakeWorker) Start(ctx context.Context) error {
	w.startedAt = time.Now()

	if w.behaviour.exitOnStart {
		go w.exit(worker.ExitEvent{Code: intp(1)})
		return nil
	}

	l, err := net.Listen("unix", w.socket())
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.listener = l
	w.mu.Unlock()

	go w.serve(l)

	go func() {
		if w.behaviour.readyDelay > 0 {
			select {
			case <-time.After(w.behaviour.readyDelay):
			case <-w.exited:
				return
			}
		}
		w.output(worker.Stdout, []byte("ready\n"))
	}()

	go func() {
		select {
		case <-ctx.Done():
			w.Kill()
		case <-w.exited:
		}
	}()

	return nil
}

func (w *fakeWorker) serve(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}

		w.mu.Lock()
		w.conns = append(w.conns, conn)
		w.mu.Unlock()

		go func() {
			defer conn.Close()

			r := frame.NewReader(conn)
			if _, err := r.Next(); err != nil {
				return
			}

			switch {
			case w.behaviour.crashOnRequest:
				w.exit(worker.ExitEvent{Code: intp(1)})
			case w.behaviour.hang:
				r.Next()
			default:
				conn.Write(frame.Frame{Kind: frame.KindExit, Payload: []byte("true")}.Bytes())
			}
		}()
	}
}

func (w *fakeWorker) connCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

func (w *fakeWorker) exit(evt worker.ExitEvent) {
	w.exitOnce.Do(func() {
		w.mu.Lock()
		if w.listener != nil {
			w.listener.Close()
		}
		for _, conn := range w.conns {
			conn.Close()
		}
		w.mu.Unlock()

		w.exitEvt = evt
		close(w.exited)
	})
}

func (w *fakeWorker) Terminate() error {
	w.terminates.Add(1)
	w.exit(worker.ExitEvent{Signal: intp(int(syscall.SIGTERM))})
	return nil
}

func (w *fakeWorker) Kill() error {
	w.kills.Add(1)
	w.exit(worker.ExitEvent{Signal: intp(int(syscall.SIGKILL))})
	return nil
}

func (w *fakeWorker) Wait(ctx context.Context) (worker.ExitEvent, error) {
	select {
	case <-w.exited:
		return w.exitEvt, nil
	case <-ctx.Done():
		return worker.ExitEvent{}, ctx.Err()
	}
}

func (w *fakeWorker) WaitFor(ctx context.Context, timeout time.Duration) (worker.ExitEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return w.Wait(ctx)
}

func (w *fakeWorker) Pid() int {
	return w.pid
}

// fleet records every worker spawned by the supervisor.
type fleet struct {
	mu      sync.Mutex
	workers []*fakeWorker
	behave  func(i int) behaviour
	fail    error
}

func (f *fleet) factory(
	_ context.Context,
	config worker.StartConfig,
	output worker.OutputFunc,
	_ *zap.Logger,
) (worker.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != nil {
		return nil, f.fail
	}

	var b behaviour
	if f.behave != nil {
		b = f.behave(len(f.workers))
	}

	w := &fakeWorker{
		config:    config,
		output:    output,
		behaviour: b,
		pid:       1000 + len(f.workers),
		exited:    make(chan struct{}),
	}
	f.workers = append(f.workers, w)

	return w, nil
}

func (f *fleet) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

func (f *fleet) get(i int) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[i]
}

func intp(v int) *int {
	return &v
}

func socketPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "sc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	return filepath.Join(dir, "s.sock")
}

var errFactory = errors.New("factory failed")
