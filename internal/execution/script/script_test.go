package script_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lambda-feedback/sandcastle/internal/execution/frame"
	"github.com/lambda-feedback/sandcastle/internal/execution/script"
)

func TestScript_Run_ReturnsResult(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, func(t *testing.T, conn net.Conn, req script.Request, _ *frame.Reader) {
		assert.Equal(t, "exports.main=function(){exit(true)}", req.Source)
		assert.Equal(t, "main", req.MethodName)
		writeFrame(conn, frame.KindExit, "true")
	})

	s := newScript(newFakeSandbox(path, true), "exports.main=function(){exit(true)}")

	res, err := s.Run(context.Background(), "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestScript_Run_SendsGlobalsAndMethod(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, func(t *testing.T, conn net.Conn, req script.Request, _ *frame.Reader) {
		assert.Equal(t, "compute", req.MethodName)
		assert.JSONEq(t, `{"a":1,"b":"x"}`, req.Globals)
		assert.Equal(t, "var api = 1;", req.SourceAPI)
		writeFrame(conn, frame.KindExit, `{"ok":1}`)
	})

	s := script.New(script.Params{
		Source:    "exports.compute=function(){}",
		SourceAPI: "var api = 1;",
		Sandbox:   newFakeSandbox(path, true),
		Log:       zaptest.NewLogger(t),
	})

	res, err := s.Run(context.Background(), "compute", map[string]any{"a": 1, "b": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": float64(1)}, res)
}

func TestScript_Run_AnswersTask(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, echoAnswer)

	s := newScript(newFakeSandbox(path, true), "")

	var seen []script.Task
	res, err := s.Run(context.Background(), "main", nil, func(_ context.Context, task script.Task) (any, error) {
		seen = append(seen, task)
		return "pong", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", res)

	require.Len(t, seen, 1)
	assert.Equal(t, "7", seen[0].ID)
	assert.Equal(t, "echo", seen[0].Name)
	assert.Equal(t, map[string]any{"value": float64(1)}, seen[0].Options)
}

func TestScript_Run_TaskWithoutHandler(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, echoAnswer)

	s := newScript(newFakeSandbox(path, true), "")

	_, err := s.Run(context.Background(), "main", nil, nil)
	assert.ErrorIs(t, err, script.ErrNoTaskHandler)
}

func TestScript_Run_TaskHandlerError(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, echoAnswer)

	s := newScript(newFakeSandbox(path, true), "")

	boom := errors.New("boom")
	_, err := s.Run(context.Background(), "main", nil, func(context.Context, script.Task) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestScript_Run_ReturnsScriptError(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, func(t *testing.T, conn net.Conn, _ script.Request, _ *frame.Reader) {
		writeFrame(conn, frame.KindExit, `{"error":{"message":"boom","stack":"at main"}}`)
	})

	s := newScript(newFakeSandbox(path, true), "")

	res, err := s.Run(context.Background(), "main", nil, nil)
	assert.Nil(t, res)

	var scriptErr *frame.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "boom", scriptErr.Message)
	assert.Equal(t, "at main", scriptErr.Stack)
}

func TestScript_Run_ReturnsMalformedPayload(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, func(t *testing.T, conn net.Conn, _ script.Request, _ *frame.Reader) {
		writeFrame(conn, frame.KindExit, `{nope`)
	})

	s := newScript(newFakeSandbox(path, true), "")

	_, err := s.Run(context.Background(), "main", nil, nil)
	assert.ErrorIs(t, err, frame.ErrMalformedPayload)
}

func TestScript_Run_UndefinedResult(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, func(t *testing.T, conn net.Conn, _ script.Request, _ *frame.Reader) {
		writeFrame(conn, frame.KindExit, frame.Undefined)
	})

	s := newScript(newFakeSandbox(path, true), "")

	res, err := s.Run(context.Background(), "main", nil, nil)
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestScript_Run_TimesOutAndRestartsSandbox(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, func(t *testing.T, conn net.Conn, _ script.Request, r *frame.Reader) {
		// never exit, wait for the host to hang up
		r.Next()
	})

	sandbox := newFakeSandbox(path, true)
	s := script.New(script.Params{
		Timeout: 100 * time.Millisecond,
		Sandbox: sandbox,
	})

	start := time.Now()
	_, err := s.Run(context.Background(), "main", nil, nil)
	assert.ErrorIs(t, err, script.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int32(1), sandbox.restarts.Load())
}

func TestScript_Run_TimesOutWhileWaitingForSandbox(t *testing.T) {
	sandbox := newFakeSandbox(socketPath(t), false)
	s := script.New(script.Params{
		Timeout: 50 * time.Millisecond,
		Sandbox: sandbox,
	})

	_, err := s.Run(context.Background(), "main", nil, nil)
	assert.ErrorIs(t, err, script.ErrTimeout)
	assert.Equal(t, int32(1), sandbox.restarts.Load())
}

func TestScript_Run_WaitsForSandbox(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, func(t *testing.T, conn net.Conn, _ script.Request, _ *frame.Reader) {
		writeFrame(conn, frame.KindExit, "1")
	})

	sandbox := newFakeSandbox(path, false)
	time.AfterFunc(50*time.Millisecond, sandbox.markReady)

	s := newScript(sandbox, "")

	res, err := s.Run(context.Background(), "main", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), res)
}

func TestScript_Run_RetriesClosedConnection(t *testing.T) {
	path := socketPath(t)

	var calls atomic.Int32
	w := startFakeWorker(t, path, func(t *testing.T, conn net.Conn, _ script.Request, _ *frame.Reader) {
		if calls.Add(1) == 1 {
			// hang up without sending anything
			return
		}
		writeFrame(conn, frame.KindExit, `"second"`)
	})

	s := newScript(newFakeSandbox(path, true), "")

	res, err := s.Run(context.Background(), "main", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", res)
	assert.Equal(t, int32(2), w.conns.Load())
}

func TestScript_Run_RetriesDialFailure(t *testing.T) {
	path := socketPath(t)

	// the worker starts listening only after the first dial failed
	time.AfterFunc(50*time.Millisecond, func() {
		startFakeWorker(t, path, func(t *testing.T, conn net.Conn, _ script.Request, _ *frame.Reader) {
			writeFrame(conn, frame.KindExit, "true")
		})
	})

	s := newScript(newFakeSandbox(path, true), "")

	res, err := s.Run(context.Background(), "main", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestScript_Run_RefreshesTimeoutOnAnswer(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, func(t *testing.T, conn net.Conn, _ script.Request, r *frame.Reader) {
		for i := 0; i < 3; i++ {
			writeFrame(conn, frame.KindTask, `{"task":{"id":1}}`)
			if _, err := r.Next(); err != nil {
				return
			}
		}
		writeFrame(conn, frame.KindExit, "true")
	})

	s := script.New(script.Params{
		Timeout:              300 * time.Millisecond,
		RefreshTimeoutOnTask: true,
		Sandbox:              newFakeSandbox(path, true),
	})

	// three answers at 200ms each exceed the timeout in total, but never
	// between two answers
	res, err := s.Run(context.Background(), "main", nil, func(context.Context, script.Task) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestScript_Run_TimeoutNotRefreshedWhenDisabled(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, func(t *testing.T, conn net.Conn, _ script.Request, r *frame.Reader) {
		for i := 0; i < 3; i++ {
			writeFrame(conn, frame.KindTask, `{"task":{"id":1}}`)
			if _, err := r.Next(); err != nil {
				return
			}
		}
		writeFrame(conn, frame.KindExit, "true")
	})

	s := script.New(script.Params{
		Timeout: 300 * time.Millisecond,
		Sandbox: newFakeSandbox(path, true),
	})

	_, err := s.Run(context.Background(), "main", nil, func(context.Context, script.Task) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})
	assert.ErrorIs(t, err, script.ErrTimeout)
}

func TestScript_Run_ContextCancelled(t *testing.T) {
	path := socketPath(t)
	startFakeWorker(t, path, func(t *testing.T, conn net.Conn, _ script.Request, r *frame.Reader) {
		r.Next()
	})

	sandbox := newFakeSandbox(path, true)
	s := newScript(sandbox, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Run(ctx, "main", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(0), sandbox.restarts.Load())
}

func TestScript_Start_RejectsUnencodableGlobals(t *testing.T) {
	s := newScript(newFakeSandbox(socketPath(t), true), "")

	_, err := s.Start("main", map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestScript_Start_RequiresSandbox(t *testing.T) {
	s := script.New(script.Params{})

	_, err := s.Start("main", nil)
	assert.ErrorIs(t, err, script.ErrNoSandbox)
}

// brokenAnswerConn fails every write after the request frame.
type brokenAnswerConn struct {
	net.Conn
	writes atomic.Int32
}

func (c *brokenAnswerConn) Write(p []byte) (int, error) {
	if c.writes.Add(1) > 1 {
		c.Conn.Close()
		return 0, errors.New("write: broken pipe")
	}
	return c.Conn.Write(p)
}

// firstConnBroken breaks the answer path of the first connection only.
type firstConnBroken struct {
	dialer net.Dialer
	dials  atomic.Int32
}

func (d *firstConnBroken) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}

	if d.dials.Add(1) == 1 {
		return &brokenAnswerConn{Conn: conn}, nil
	}

	return conn, nil
}

func TestScript_Run_RetriesWhenAnswerWriteFails(t *testing.T) {
	path := socketPath(t)
	worker := startFakeWorker(t, path, echoAnswer)

	dialer := &firstConnBroken{}

	s := script.New(script.Params{
		Timeout:    2 * time.Second,
		RetryDelay: 10 * time.Millisecond,
		Sandbox:    newFakeSandbox(path, true),
		Dialer:     dialer,
	})

	res, err := s.Run(context.Background(), "main", nil, func(context.Context, script.Task) (any, error) {
		return "pong", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", res)

	assert.Equal(t, int32(2), dialer.dials.Load())
	assert.Equal(t, int32(2), worker.conns.Load())
}
