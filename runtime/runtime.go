package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/internal/execution/dispatcher"
	"github.com/lambda-feedback/sandcastle/internal/execution/supervisor"
	"github.com/lambda-feedback/sandcastle/sandcastle"
)

// ErrNotStarted is returned by Handle before Start.
var ErrNotStarted = errors.New("runtime not started")

// Runtime is the interface for a runtime.
type Runtime interface {
	Handle(context.Context, RunRequest) (RunResponse, error)

	// Ready reports whether scripts can currently be run.
	Ready() bool

	Start(context.Context) error

	Shutdown(context.Context) error
}

// SandboxRuntime runs scripts in the sandbox, bounded by a dispatcher.
type SandboxRuntime struct {
	config        sandcastle.Config
	workerFactory supervisor.WorkerFactoryFn
	dispatcher    dispatcher.Dispatcher
	tasks         *TaskRegistry

	castle atomic.Pointer[sandcastle.Sandcastle]

	log *zap.Logger
}

var _ Runtime = (*SandboxRuntime)(nil)

// RuntimeParams defines the dependencies for the runtime.
type RuntimeParams struct {
	fx.In

	// Config is the config for the dispatcher
	Config Config

	// Sandcastle is the config for the sandbox
	Sandcastle sandcastle.Config

	// Tasks answers tasks raised by scripts. Defaults to the built-in tasks.
	Tasks *TaskRegistry `optional:"true"`

	// WorkerFactory overrides how sandbox workers are created.
	WorkerFactory supervisor.WorkerFactoryFn `optional:"true"`

	// Log is the logger to use for the runtime
	Log *zap.Logger
}

// NewRuntime creates a new runtime.
func NewRuntime(params RuntimeParams) (*SandboxRuntime, error) {
	dispatcher, err := dispatcher.NewPooledDispatcher(dispatcher.PooledDispatcherParams{
		Config: params.Config.Dispatcher,
		Log:    params.Log,
	})
	if err != nil {
		return nil, err
	}

	tasks := params.Tasks
	if tasks == nil {
		tasks = NewTaskRegistry()
	}

	return &SandboxRuntime{
		config:        params.Sandcastle,
		workerFactory: params.WorkerFactory,
		dispatcher:    dispatcher,
		tasks:         tasks,
		log:           params.Log.Named("runtime"),
	}, nil
}

func NewLifecycleRuntime(params RuntimeParams, lc fx.Lifecycle) (Runtime, error) {
	r, err := NewRuntime(params)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return r.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return r.Shutdown(ctx)
		},
	})

	return r, nil
}

// Start spawns the sandbox worker.
func (r *SandboxRuntime) Start(ctx context.Context) error {
	castle, err := sandcastle.New(ctx, sandcastle.Params{
		Config:        r.config,
		WorkerFactory: r.workerFactory,
		Log:           r.log,
	})
	if err != nil {
		return err
	}

	r.castle.Store(castle)

	return nil
}

func (r *SandboxRuntime) Ready() bool {
	castle := r.castle.Load()
	return castle != nil && castle.Ready()
}

func (r *SandboxRuntime) Handle(ctx context.Context, req RunRequest) (RunResponse, error) {
	castle := r.castle.Load()
	if castle == nil {
		return RunResponse{}, ErrNotStarted
	}

	var opts []sandcastle.ScriptOption
	if req.ExtraAPI != "" {
		opts = append(opts, sandcastle.WithExtraAPI(req.ExtraAPI))
	}
	if req.TimeoutMS > 0 {
		opts = append(opts, sandcastle.WithTimeout(time.Duration(req.TimeoutMS)*time.Millisecond))
	}

	var res RunResponse

	err := r.dispatcher.Dispatch(ctx, func(ctx context.Context) error {
		script, err := castle.CreateScript(req.Source, opts...)
		if err != nil {
			return err
		}
		defer script.Close()

		start := time.Now()

		var globals any
		if req.Globals != nil {
			globals = req.Globals
		}

		result, err := script.Run(ctx, req.Method, globals, func(ctx context.Context, task sandcastle.Task) (any, error) {
			res.Tasks++
			return r.tasks.Handle(ctx, task)
		})

		res.DurationMS = time.Since(start).Milliseconds()
		res.Result = result

		return err
	})
	if err != nil {
		r.log.Debug("run failed", zap.Error(err))
		return res, err
	}

	return res, nil
}

func (r *SandboxRuntime) Shutdown(ctx context.Context) error {
	if err := r.dispatcher.Shutdown(ctx); err != nil {
		r.log.Warn("failed to shut down dispatcher", zap.Error(err))
	}

	castle := r.castle.Load()
	if castle == nil {
		return nil
	}

	return castle.Shutdown(ctx)
}
