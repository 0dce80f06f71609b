package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Runner is the worker side of the sandbox socket. Every connection runs
// one script in a fresh VM.
type Runner struct {
	config Config

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup

	log *zap.Logger
}

func New(config Config, log *zap.Logger) *Runner {
	if config.MaxCallStackSize <= 0 {
		config.MaxCallStackSize = defaultMaxCallStackSize
	}

	return &Runner{
		config:   config,
		sessions: make(map[*session]struct{}),
		log:      log.Named("runner"),
	}
}

// Listen removes a stale socket file and listens on the configured socket.
// The socket is only accessible by the owner.
func (r *Runner) Listen() (net.Listener, error) {
	if err := os.Remove(r.config.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	l, err := net.Listen("unix", r.config.Socket)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", r.config.Socket, err)
	}

	if err := os.Chmod(r.config.Socket, 0o600); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	return l, nil
}

// Run listens on the configured socket and serves until ctx is done.
func (r *Runner) Run(ctx context.Context, ready io.Writer) error {
	l, err := r.Listen()
	if err != nil {
		return err
	}

	return r.Serve(ctx, l, ready)
}

// Serve accepts connections on l until ctx is done. The ready message is
// written to ready before the first connection is accepted.
func (r *Runner) Serve(ctx context.Context, l net.Listener, ready io.Writer) error {
	if r.config.MemoryLimitMB > 0 {
		debug.SetMemoryLimit(int64(r.config.MemoryLimitMB) << 20)
	}

	go func() {
		<-ctx.Done()
		l.Close()
		r.interruptAll()
	}()

	if ready != nil {
		msg, _ := json.Marshal(readyMessage{Type: "ready", Socket: r.config.Socket})
		if _, err := fmt.Fprintln(ready, string(msg)); err != nil {
			return fmt.Errorf("failed to signal readiness: %w", err)
		}
	}

	r.log.Info("sandbox listening", zap.String("socket", r.config.Socket))

	defer r.wg.Wait()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(conn)
		}()
	}
}

func (r *Runner) handle(conn net.Conn) {
	defer conn.Close()

	sess := newSession(conn, r.config, r.log)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.sessions[sess] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.sessions, sess)
		r.mu.Unlock()
	}()

	if err := sess.run(); err != nil {
		r.log.Debug("session failed", zap.Error(err))
	}
}

func (r *Runner) interruptAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	for sess := range r.sessions {
		sess.interrupt(errShutdown)
	}
}
