package script

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/internal/execution/frame"
)

// TaskFunc answers a task raised by a script. The returned value is sent
// back to the script as the answer data.
type TaskFunc func(ctx context.Context, task Task) (any, error)

// Script runs one source against a sandbox. Starting it again supersedes
// the previous execution.
type Script struct {
	params Params

	mu      sync.Mutex
	current *Execution

	log *zap.Logger
}

func New(params Params) *Script {
	if params.Timeout <= 0 {
		params.Timeout = DefaultTimeout
	}

	if params.RetryDelay <= 0 {
		params.RetryDelay = DefaultRetryDelay
	}

	if params.Dialer == nil {
		params.Dialer = &net.Dialer{}
	}

	if params.Log == nil {
		params.Log = zap.NewNop()
	}

	return &Script{
		params: params,
		log:    params.Log.Named("script"),
	}
}

// Start begins a new execution of method with the given globals. Any
// execution previously started on this script is closed without further
// events. An empty method runs DefaultMethod.
func (s *Script) Start(method string, globals any) (*Execution, error) {
	if s.params.Sandbox == nil {
		return nil, ErrNoSandbox
	}

	if method == "" {
		method = DefaultMethod
	}

	req := Request{
		Source:     s.params.Source,
		SourceAPI:  s.params.SourceAPI,
		MethodName: method,
	}

	if globals != nil {
		data, err := json.Marshal(globals)
		if err != nil {
			return nil, fmt.Errorf("failed to encode globals: %w", err)
		}
		req.Globals = string(data)
	}

	payload, err := frame.Encode(frame.KindExit, req)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()

	exec := &Execution{
		id:      id,
		method:  method,
		request: payload,
		params:  s.params,
		events:  make(chan Event),
		inbox:   make(chan message),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     s.log.With(zap.String("execution", id), zap.String("method", method)),
	}

	s.mu.Lock()
	prev := s.current
	s.current = exec
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	go exec.run()

	return exec, nil
}

// Run starts an execution and blocks until it terminates. Tasks are
// answered by fn. It returns the decoded result, the script or decode
// error, ErrTimeout, or the context error.
func (s *Script) Run(ctx context.Context, method string, globals any, fn TaskFunc) (any, error) {
	exec, err := s.Start(method, globals)
	if err != nil {
		return nil, err
	}

	return exec.Wait(ctx, fn)
}

// Close abandons the current execution without emitting further events.
func (s *Script) Close() {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
}
