// Package sandcastle runs untrusted scripts in a supervised sandbox
// process.
package sandcastle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/internal/execution/runner"
	"github.com/lambda-feedback/sandcastle/internal/execution/script"
	"github.com/lambda-feedback/sandcastle/internal/execution/supervisor"
	"github.com/lambda-feedback/sandcastle/internal/execution/worker"
)

type Params struct {
	// Config is the sandbox configuration.
	Config Config

	// WorkerFactory overrides how worker processes are created.
	WorkerFactory supervisor.WorkerFactoryFn

	// Log is the logger to use
	Log *zap.Logger
}

// Sandcastle owns one sandbox worker and creates scripts bound to it.
type Sandcastle struct {
	config     Config
	api        string
	supervisor *supervisor.Supervisor

	mu     sync.RWMutex
	closed bool

	log *zap.Logger
}

// New loads the trusted API source, then spawns and supervises the
// sandbox worker.
func New(ctx context.Context, params Params) (*Sandcastle, error) {
	log := params.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("sandcastle")

	config := params.Config

	api, err := readAPI(config)
	if err != nil {
		return nil, err
	}

	factory := params.WorkerFactory
	if factory == nil && config.InProcess {
		factory = localWorkerFactory(config)
	}

	sup, err := supervisor.New(supervisor.Params{
		Config:        config.Config,
		WorkerFactory: factory,
		Log:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	if err := sup.Start(ctx); err != nil {
		return nil, err
	}

	return &Sandcastle{
		config:     config,
		api:        api,
		supervisor: sup,
		log:        log,
	}, nil
}

// CreateScript returns a script for source. The script shares the
// sandbox, the trusted API and the configured timeout.
func (s *Sandcastle) CreateScript(source string, opts ...ScriptOption) (*Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	o := scriptOptions{
		timeout:              s.config.Timeout,
		refreshTimeoutOnTask: s.config.RefreshTimeoutOnTask,
	}
	for _, opt := range opts {
		opt(&o)
	}

	api := s.api
	if o.extraAPI != "" {
		api = api + ";\n" + o.extraAPI
	}

	return script.New(script.Params{
		Source:               source,
		SourceAPI:            api,
		Timeout:              o.timeout,
		RefreshTimeoutOnTask: o.refreshTimeoutOnTask,
		RetryDelay:           s.config.RetryDelay,
		Sandbox:              s.supervisor,
		Log:                  s.log,
	}), nil
}

// Ready reports whether the sandbox worker accepts connections.
func (s *Sandcastle) Ready() bool {
	return s.supervisor.Ready()
}

// Pid returns the process id of the current worker, or 0.
func (s *Sandcastle) Pid() int {
	return s.supervisor.Pid()
}

// WaitReady blocks until the sandbox worker accepts connections.
func (s *Sandcastle) WaitReady(ctx context.Context) error {
	return s.supervisor.WaitReady(ctx)
}

// Shutdown stops the sandbox worker. Scripts still running fail.
func (s *Sandcastle) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.supervisor.Shutdown(ctx)
}

func readAPI(config Config) (string, error) {
	if config.API == "" {
		return "", nil
	}

	path := config.API
	if !filepath.IsAbs(path) && config.Cwd != "" {
		path = filepath.Join(config.Cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read api source: %w", err)
	}

	return string(data), nil
}

func localWorkerFactory(config Config) supervisor.WorkerFactoryFn {
	return func(
		_ context.Context,
		_ worker.StartConfig,
		output worker.OutputFunc,
		log *zap.Logger,
	) (worker.Worker, error) {
		return runner.NewLocalWorker(runner.Config{
			Socket:    config.Socket,
			UseStrict: config.UseStrictMode,
			ExposeGC:  true,
		}, output, log), nil
	}
}
