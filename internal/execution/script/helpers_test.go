package script_test

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lambda-feedback/sandcastle/internal/execution/frame"
	"github.com/lambda-feedback/sandcastle/internal/execution/script"
)

type fakeSandbox struct {
	endpoint string
	ready    chan struct{}
	once     sync.Once
	restarts atomic.Int32
}

func newFakeSandbox(endpoint string, ready bool) *fakeSandbox {
	s := &fakeSandbox{endpoint: endpoint, ready: make(chan struct{})}
	if ready {
		s.markReady()
	}
	return s
}

func (s *fakeSandbox) markReady() {
	s.once.Do(func() { close(s.ready) })
}

func (s *fakeSandbox) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSandbox) ForceRestart() {
	s.restarts.Add(1)
}

func (s *fakeSandbox) Endpoint() string {
	return s.endpoint
}

// handlerFunc serves one connection of the fake worker.
type handlerFunc func(t *testing.T, conn net.Conn, req script.Request, r *frame.Reader)

type fakeWorker struct {
	listener net.Listener
	conns    atomic.Int32
}

func socketPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "sc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	return filepath.Join(dir, "s.sock")
}

func startFakeWorker(t *testing.T, path string, handler handlerFunc) *fakeWorker {
	l, err := net.Listen("unix", path)
	require.NoError(t, err)

	w := &fakeWorker{listener: l}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			w.conns.Add(1)

			go func() {
				defer conn.Close()

				r := frame.NewReader(conn)
				f, err := r.Next()
				if err != nil || f.Kind != frame.KindExit {
					return
				}

				var req script.Request
				if err := json.Unmarshal(f.Payload, &req); err != nil {
					return
				}

				handler(t, conn, req, r)
			}()
		}
	}()

	return w
}

func writeFrame(conn net.Conn, kind frame.Kind, payload string) {
	conn.Write(frame.Frame{Kind: kind, Payload: []byte(payload)}.Bytes())
}

// echoAnswer raises one task and exits with its answer data.
func echoAnswer(t *testing.T, conn net.Conn, _ script.Request, r *frame.Reader) {
	writeFrame(conn, frame.KindTask, `{"task":{"id":7,"name":"echo"},"options":{"value":1}}`)

	f, err := r.Next()
	if err != nil {
		return
	}

	var ans struct {
		Task map[string]any  `json:"task"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(f.Payload, &ans); err != nil {
		t.Errorf("malformed answer: %v", err)
		return
	}

	if ans.Task["id"] != float64(7) {
		t.Errorf("answer carries wrong task: %v", ans.Task)
	}

	writeFrame(conn, frame.KindExit, string(ans.Data))
}

func newScript(sandbox script.Sandbox, source string) *script.Script {
	return script.New(script.Params{
		Source:               source,
		Timeout:              2 * time.Second,
		RefreshTimeoutOnTask: true,
		RetryDelay:           10 * time.Millisecond,
		Sandbox:              sandbox,
	})
}
