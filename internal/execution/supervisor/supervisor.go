package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/internal/execution/script"
	"github.com/lambda-feedback/sandcastle/internal/execution/worker"
	"github.com/lambda-feedback/sandcastle/internal/metrics"
)

// WorkerFactoryFn creates a worker for the given start config. The output
// func must receive everything the worker writes to stdout and stderr.
type WorkerFactoryFn func(context.Context, worker.StartConfig, worker.OutputFunc, *zap.Logger) (worker.Worker, error)

type Params struct {
	// Config is the config used to set up the supervisor and its workers.
	Config Config

	// WorkerFactory is a factory function to create a new worker. This
	// is called whenever the supervisor (re)spawns the worker.
	WorkerFactory WorkerFactoryFn

	// Dialer is used by heartbeat executions. Defaults to net.Dialer.
	Dialer script.Dialer

	// Log is the logger to use for the supervisor
	Log *zap.Logger
}

// instance is one spawned worker process.
type instance struct {
	worker worker.Worker

	// ready is set once the worker wrote to stdout.
	ready bool

	// killed is set when the supervisor kills the worker on purpose.
	// Output of a killed worker is ignored.
	killed bool

	// exited is closed once the worker process has exited.
	exited chan struct{}
}

// Supervisor owns the sandbox worker process. It spawns the worker,
// exposes a readiness gate, probes liveness with heartbeat executions and
// respawns the worker whenever it exits.
type Supervisor struct {
	config       Config
	createWorker WorkerFactoryFn
	dialer       script.Dialer

	// ctx is cancelled on shutdown and kills any worker still running.
	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	started           bool
	stopped           bool
	current           *instance
	ready             bool
	readyCh           chan struct{}
	readyOpen         bool
	lastHeartbeat     time.Time
	heartbeatInFlight bool
	heartbeat         *script.Execution
	respawnDelay      time.Duration

	stop     chan struct{}
	loops    sync.WaitGroup
	watchers sync.WaitGroup

	log *zap.Logger
}

var _ script.Sandbox = (*Supervisor)(nil)

func New(params Params) (*Supervisor, error) {
	config := params.Config.withDefaults()

	if config.SpawnExecPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker executable: %w", err)
		}
		config.SpawnExecPath = exe
	}

	if params.WorkerFactory == nil {
		params.WorkerFactory = defaultWorkerFactory
	}

	if params.Log == nil {
		params.Log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		config:       config,
		createWorker: params.WorkerFactory,
		dialer:       params.Dialer,
		ctx:          ctx,
		cancel:       cancel,
		readyCh:      make(chan struct{}),
		stop:         make(chan struct{}),
		log:          params.Log.Named("supervisor"),
	}, nil
}

// Start spawns the first worker and starts the heartbeat.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()

	if ctx.Err() != nil {
		return fmt.Errorf("failed to start supervisor: %w", ctx.Err())
	}

	if err := s.spawn(); err != nil {
		return fmt.Errorf("failed to spawn worker: %w", err)
	}

	s.loops.Add(1)
	go s.runHeartbeatLoop()

	return nil
}

// Endpoint returns the unix socket path of the worker.
func (s *Supervisor) Endpoint() string {
	return s.config.Socket
}

// Ready reports whether the worker currently accepts connections.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ready
}

// Pid returns the process id of the current worker, or 0.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return 0
	}

	return s.current.worker.Pid()
}

// LastHeartbeat returns the time of the last successful heartbeat.
func (s *Supervisor) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastHeartbeat
}

// WaitReady blocks until the worker is ready, the context is done or the
// supervisor is shut down.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return ErrShutdown
		}
		if s.ready {
			s.mu.Unlock()
			return nil
		}
		ch := s.readyCh
		s.mu.Unlock()

		// the gate may have been closed again by the time we wake up,
		// so loop and check the state once more
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ForceRestart kills the worker. It is respawned by the exit handler.
func (s *Supervisor) ForceRestart() {
	s.forceRestart(reasonTimeout)
}

func (s *Supervisor) forceRestart(reason string) {
	s.mu.Lock()

	if s.heartbeat != nil {
		s.heartbeat.Close()
		s.heartbeat = nil
	}

	inst := s.current

	// a worker that never became ready is still starting up
	if s.stopped || !s.ready || inst == nil {
		s.mu.Unlock()
		return
	}

	inst.killed = true
	s.lastHeartbeat = time.Now()
	s.setReadyLocked(false)
	s.mu.Unlock()

	metrics.ForceRestarts.WithLabelValues(reason).Inc()

	s.log.Warn("force restarting worker",
		zap.String("reason", reason),
		zap.Int("pid", inst.worker.Pid()))

	if err := inst.worker.Kill(); err != nil {
		s.log.Error("failed to kill worker", zap.Error(err))
	}
}

// Shutdown stops the heartbeat, disables respawning and stops the worker.
// The worker is asked to terminate and killed if it did not exit within
// the stop timeout or before ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}

	s.stopped = true
	close(s.stop)

	// wake up everyone waiting for readiness
	s.ready = false
	if !s.readyOpen {
		close(s.readyCh)
		s.readyOpen = true
	}

	if s.heartbeat != nil {
		s.heartbeat.Close()
		s.heartbeat = nil
	}

	inst := s.current
	s.mu.Unlock()

	s.loops.Wait()

	metrics.WorkerReady.Set(0)

	defer s.cancel()

	if inst == nil {
		return nil
	}

	s.log.Debug("stopping worker", zap.Int("pid", inst.worker.Pid()))

	if err := inst.worker.Terminate(); err != nil && !errors.Is(err, worker.ErrWorkerNotStarted) {
		s.log.Warn("failed to terminate worker", zap.Error(err))
	}

	stopCtx, cancel := context.WithTimeout(ctx, s.config.Stop.Timeout)
	defer cancel()

	select {
	case <-inst.exited:
	case <-stopCtx.Done():
		s.log.Warn("worker did not stop in time, killing it")
		inst.worker.Kill()

		select {
		case <-inst.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.watchers.Wait()
	s.removeSocket()

	return nil
}

// setReadyLocked flips the readiness gate. s.mu must be held.
func (s *Supervisor) setReadyLocked(ready bool) {
	s.ready = ready

	if ready {
		metrics.WorkerReady.Set(1)
		if !s.readyOpen {
			close(s.readyCh)
			s.readyOpen = true
		}
		return
	}

	metrics.WorkerReady.Set(0)
	if s.readyOpen {
		s.readyCh = make(chan struct{})
		s.readyOpen = false
	}
}

func (s *Supervisor) removeSocket() {
	if err := os.Remove(s.config.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("failed to remove socket", zap.String("socket", s.config.Socket), zap.Error(err))
	}
}

// args builds the launch arguments of the worker process.
func (s *Supervisor) args() []string {
	args := []string{
		"--expose-gc",
		"--use-strict=" + strconv.FormatBool(s.config.UseStrictMode),
		"--max-old-space-size=" + strconv.Itoa(s.config.MemoryLimitMB),
	}

	args = append(args, s.config.Entry...)

	return append(args, "sandbox", "--socket="+s.config.Socket)
}

func (s *Supervisor) spawn() error {
	s.removeSocket()

	inst := &instance{exited: make(chan struct{})}

	config := worker.StartConfig{
		Cmd:  s.config.SpawnExecPath,
		Cwd:  s.config.Cwd,
		Args: s.args(),
		Env:  s.config.Env,
	}

	w, err := s.createWorker(s.ctx, config, func(stream worker.Stream, data []byte) {
		s.onOutput(inst, stream, data)
	}, s.log)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	inst.worker = w

	// publish the instance before starting it, so that early output
	// is attributed to it
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrShutdown
	}
	s.current = inst
	s.setReadyLocked(false)
	s.mu.Unlock()

	if err := w.Start(s.ctx); err != nil {
		close(inst.exited)
		return fmt.Errorf("failed to start worker: %w", err)
	}

	metrics.WorkerSpawns.Inc()

	s.log.Info("worker spawned", zap.Int("pid", w.Pid()), zap.String("socket", s.config.Socket))

	s.watchers.Add(1)
	go s.watch(inst)

	return nil
}

func (s *Supervisor) onOutput(inst *instance, stream worker.Stream, data []byte) {
	if stream == worker.Stderr {
		s.log.Debug("worker stderr", zap.ByteString("output", data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != inst || inst.killed || s.stopped {
		return
	}

	// any output proves the worker is alive
	s.heartbeatInFlight = false

	if stream != worker.Stdout || s.ready {
		return
	}

	// a fresh worker gets a full liveness window
	inst.ready = true
	s.respawnDelay = 0
	s.lastHeartbeat = time.Now()
	s.setReadyLocked(true)

	s.log.Debug("worker ready", zap.Int("pid", inst.worker.Pid()))
}

// watch waits for the worker to exit and respawns it.
func (s *Supervisor) watch(inst *instance) {
	defer s.watchers.Done()

	evt, err := inst.worker.Wait(context.Background())
	close(inst.exited)

	log := s.log.With(zap.Int("pid", inst.worker.Pid()))
	if err != nil {
		log.Error("failed to wait for worker", zap.Error(err))
	} else {
		log.Info("worker exited",
			zap.Intp("code", evt.Code),
			zap.Intp("signal", evt.Signal),
			zap.String("stderr", evt.Stderr))
	}

	s.mu.Lock()
	if s.stopped || s.current != inst {
		s.mu.Unlock()
		return
	}

	s.setReadyLocked(false)

	// a worker that crashes before it ever became ready is likely to
	// crash again, so back off
	var delay time.Duration
	if !inst.ready {
		delay = s.nextRespawnDelayLocked()
	}
	s.mu.Unlock()

	for {
		if delay > 0 {
			log.Warn("delaying respawn", zap.Duration("delay", delay))

			select {
			case <-time.After(delay):
			case <-s.stop:
				return
			}
		}

		err := s.spawn()
		if err == nil || errors.Is(err, ErrShutdown) {
			return
		}

		log.Error("failed to respawn worker", zap.Error(err))

		s.mu.Lock()
		delay = s.nextRespawnDelayLocked()
		s.mu.Unlock()
	}
}

func (s *Supervisor) nextRespawnDelayLocked() time.Duration {
	if s.respawnDelay == 0 {
		s.respawnDelay = minRespawnDelay
	} else {
		s.respawnDelay *= 2
	}

	if s.respawnDelay > s.config.MaxRespawnDelay {
		s.respawnDelay = s.config.MaxRespawnDelay
	}

	return s.respawnDelay
}

func defaultWorkerFactory(
	ctx context.Context,
	config worker.StartConfig,
	output worker.OutputFunc,
	log *zap.Logger,
) (worker.Worker, error) {
	w := worker.NewProcessWorker(ctx, config, log)
	w.Observe(output)
	return w, nil
}
