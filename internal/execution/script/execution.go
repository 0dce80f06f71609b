package script

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/internal/execution/frame"
	"github.com/lambda-feedback/sandcastle/internal/metrics"
)

type state int

const (
	stateAwaitingReady state = iota
	stateConnecting
	stateStreaming
	stateExited
)

func (s state) String() string {
	switch s {
	case stateAwaitingReady:
		return "awaiting_ready"
	case stateConnecting:
		return "connecting"
	case stateStreaming:
		return "streaming"
	case stateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// messages sent to the execution loop. Every message produced by a
// connection attempt carries its attempt number, so that messages of
// superseded attempts can be told apart and dropped.
type (
	message interface{}

	readyMsg struct {
		attempt int
	}

	connectedMsg struct {
		attempt int
		conn    net.Conn
	}

	frameMsg struct {
		attempt int
		frame   frame.Frame
	}

	failedMsg struct {
		attempt int
		err     error
	}

	answerMsg struct {
		attempt int
		reply   chan answerReply
	}

	answerReply struct {
		conn net.Conn
		err  error
	}
)

// Execution is a single run of a script. All of its state is owned by one
// loop goroutine; connection attempts, timers and answers reach it as
// messages.
type Execution struct {
	id      string
	method  string
	request []byte
	params  Params

	events chan Event
	inbox  chan message

	quit      chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	log *zap.Logger
}

// ID returns the unique identifier of the execution.
func (e *Execution) ID() string {
	return e.id
}

// Method returns the name of the invoked method.
func (e *Execution) Method() string {
	return e.method
}

// Events returns the event stream of the execution. The channel is closed
// after the terminal event, or once the execution is closed.
func (e *Execution) Events() <-chan Event {
	return e.events
}

// Done is closed once the execution loop has stopped.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Close abandons the execution. No further events are delivered. Close
// does not wait for the loop to stop and is safe to call from any
// goroutine, including event handlers.
func (e *Execution) Close() {
	e.closeOnce.Do(func() {
		close(e.quit)
	})
}

// Wait consumes the event stream, answering tasks with fn, until the
// execution terminates.
func (e *Execution) Wait(ctx context.Context, fn TaskFunc) (any, error) {
	for {
		select {
		case <-ctx.Done():
			e.Close()
			return nil, ctx.Err()
		case ev, ok := <-e.events:
			if !ok {
				return nil, ErrExited
			}

			switch ev := ev.(type) {
			case *TaskEvent:
				if err := e.handleTask(ctx, ev, fn); err != nil {
					e.Close()
					return nil, err
				}
			case *ExitEvent:
				return ev.Result, ev.Err
			case *TimeoutEvent:
				return nil, ErrTimeout
			}
		}
	}
}

func (e *Execution) handleTask(ctx context.Context, ev *TaskEvent, fn TaskFunc) error {
	if ev.Err != nil {
		return fmt.Errorf("failed to decode task: %w", ev.Err)
	}

	if fn == nil {
		return ErrNoTaskHandler
	}

	data, err := fn(ctx, ev.Task)
	if err != nil {
		return err
	}

	err = ev.Answer(ctx, data)
	if errors.Is(err, ErrStaleTask) || errors.Is(err, ErrExited) {
		// the terminal event or a replayed task follows
		return nil
	}

	return err
}

func (e *Execution) answer(ctx context.Context, ev *TaskEvent, data any) error {
	payload, err := frame.Encode(frame.KindTask, answer{Task: ev.Task.Raw, Data: data})
	if err != nil {
		return err
	}

	reply := make(chan answerReply, 1)
	if !e.send(answerMsg{attempt: ev.attempt, reply: reply}) {
		return ErrExited
	}

	var r answerReply
	select {
	case r = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}

	if r.err != nil {
		return r.err
	}

	if deadline, ok := ctx.Deadline(); ok {
		r.conn.SetWriteDeadline(deadline)
		defer r.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := r.conn.Write(payload); err != nil {
		// the loop drops the connection and replays the request
		e.send(failedMsg{attempt: ev.attempt, err: fmt.Errorf("failed to write answer: %w", err)})
		return ErrStaleTask
	}

	return nil
}

// send delivers msg to the loop. It reports false once the loop is gone.
func (e *Execution) send(msg message) bool {
	select {
	case e.inbox <- msg:
		return true
	case <-e.done:
		return false
	}
}

// connect runs one connection attempt: wait for the sandbox, dial, write
// the request and stream frames until the connection fails.
func (e *Execution) connect(ctx context.Context, attempt int) {
	if err := e.params.Sandbox.WaitReady(ctx); err != nil {
		e.send(failedMsg{attempt: attempt, err: err})
		return
	}

	if !e.send(readyMsg{attempt: attempt}) {
		return
	}

	conn, err := e.params.Dialer.DialContext(ctx, "unix", e.params.Sandbox.Endpoint())
	if err != nil {
		e.send(failedMsg{attempt: attempt, err: err})
		return
	}

	if _, err := conn.Write(e.request); err != nil {
		conn.Close()
		e.send(failedMsg{attempt: attempt, err: fmt.Errorf("failed to write request: %w", err)})
		return
	}

	if !e.send(connectedMsg{attempt: attempt, conn: conn}) {
		conn.Close()
		return
	}

	reader := frame.NewReader(conn)
	for {
		f, err := reader.Next()
		if err != nil {
			e.send(failedMsg{attempt: attempt, err: err})
			return
		}

		if !e.send(frameMsg{attempt: attempt, frame: f}) {
			return
		}
	}
}

func (e *Execution) run() {
	defer close(e.done)
	defer close(e.events)

	var (
		st       = stateAwaitingReady
		attempt  int
		conn     net.Conn
		cancel   context.CancelFunc = func() {}
		retry    <-chan time.Time
		pending  []Event
		started  = time.Now()
		deadline = time.NewTimer(e.params.Timeout)
	)

	defer deadline.Stop()

	begin := func() {
		attempt++
		st = stateAwaitingReady

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		go e.connect(ctx, attempt)
	}

	disconnect := func() {
		cancel()
		if conn != nil {
			conn.Close()
			conn = nil
		}
	}

	// exit moves the loop into its absorbing state. Everything still
	// arriving for this execution is dropped from here on.
	exit := func(outcome string) {
		st = stateExited
		retry = nil
		disconnect()
		deadline.Stop()

		elapsed := time.Since(started)
		metrics.Executions.WithLabelValues(outcome).Inc()
		metrics.ExecutionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())

		e.log.Debug("execution exited",
			zap.String("outcome", outcome),
			zap.Duration("elapsed", elapsed))
	}

	defer disconnect()

	e.log.Debug("starting execution")

	begin()

	for {
		var out chan<- Event
		var head Event

		if len(pending) > 0 {
			out = e.events
			head = pending[0]
		} else if st == stateExited {
			return
		}

		select {
		case out <- head:
			pending = pending[1:]

		case <-e.quit:
			e.log.Debug("execution closed", zap.Stringer("state", st))
			return

		case <-deadline.C:
			if st == stateExited {
				continue
			}

			e.log.Warn("execution timed out", zap.Duration("timeout", e.params.Timeout))

			exit(metrics.OutcomeTimeout)

			// undelivered tasks never fired, only the timeout does
			pending = []Event{&TimeoutEvent{Method: e.method}}

			e.params.Sandbox.ForceRestart()

		case <-retry:
			retry = nil
			metrics.Reconnects.Inc()
			begin()

		case msg := <-e.inbox:
			switch m := msg.(type) {
			case answerMsg:
				m.reply <- e.acceptAnswer(m, st, attempt, conn, deadline)

			case readyMsg:
				if m.attempt == attempt && st == stateAwaitingReady {
					st = stateConnecting
				}

			case connectedMsg:
				if m.attempt != attempt || st == stateExited {
					m.conn.Close()
					continue
				}
				conn = m.conn
				st = stateStreaming

			case frameMsg:
				if m.attempt != attempt || st != stateStreaming {
					continue
				}

				switch m.frame.Kind {
				case frame.KindTask:
					metrics.Tasks.Inc()
					pending = append(pending, e.taskEvent(m.frame, attempt))

				case frame.KindExit:
					result, err := frame.Decode(m.frame.Payload)
					if err != nil {
						exit(metrics.OutcomeError)
					} else {
						exit(metrics.OutcomeResult)
					}
					pending = append(pending, &ExitEvent{Result: result, Err: err})
				}

			case failedMsg:
				if m.attempt != attempt || st == stateExited {
					continue
				}

				e.log.Debug("connection failed, retrying",
					zap.Int("attempt", attempt),
					zap.Stringer("state", st),
					zap.Duration("delay", e.params.RetryDelay),
					zap.Error(m.err))

				disconnect()
				st = stateAwaitingReady
				retry = time.After(e.params.RetryDelay)
			}
		}
	}
}

func (e *Execution) acceptAnswer(
	m answerMsg,
	st state,
	attempt int,
	conn net.Conn,
	deadline *time.Timer,
) answerReply {
	if st == stateExited {
		return answerReply{err: ErrExited}
	}

	if m.attempt != attempt || st != stateStreaming || conn == nil {
		return answerReply{err: ErrStaleTask}
	}

	if e.params.RefreshTimeoutOnTask {
		if !deadline.Stop() {
			select {
			case <-deadline.C:
			default:
			}
		}
		deadline.Reset(e.params.Timeout)
	}

	return answerReply{conn: conn}
}

func (e *Execution) taskEvent(f frame.Frame, attempt int) *TaskEvent {
	ev := &TaskEvent{
		exec:    e,
		attempt: attempt,
		Task:    Task{Options: map[string]any{}},
	}

	out, err := frame.Decode(f.Payload)
	if err != nil {
		ev.Err = err
		return ev
	}

	obj, ok := out.(map[string]any)
	if !ok {
		return ev
	}

	if opts, ok := obj["options"].(map[string]any); ok {
		ev.Task.Options = opts
	}

	ev.Task.Raw = obj["task"]

	if task, ok := obj["task"].(map[string]any); ok {
		if id, ok := task["id"]; ok && id != nil {
			ev.Task.ID = fmt.Sprint(id)
		}
		if name, ok := task["name"].(string); ok {
			ev.Task.Name = name
		}
	}

	return ev
}
