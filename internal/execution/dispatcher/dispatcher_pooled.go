package dispatcher

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/internal/metrics"
)

// slot is a permit to run one execution.
type slot struct {
	id int64
}

type PooledDispatcher struct {
	pool *puddle.Pool[*slot]
	log  *zap.Logger
}

var _ Dispatcher = (*PooledDispatcher)(nil)

type PooledDispatcherConfig struct {
	// MaxSessions is the maximum number of concurrent executions.
	// Defaults to the number of CPU cores.
	MaxSessions int `conf:"max_sessions"`
}

type PooledDispatcherParams struct {
	// Config is the config for the dispatcher
	Config PooledDispatcherConfig

	// Log is the logger to use for the dispatcher
	Log *zap.Logger
}

func NewPooledDispatcher(params PooledDispatcherParams) (*PooledDispatcher, error) {
	log := params.Log.Named("dispatcher_pooled")

	pool, err := createPool(params.Config, log)
	if err != nil {
		return nil, err
	}

	return &PooledDispatcher{
		pool: pool,
		log:  log,
	}, nil
}

func (m *PooledDispatcher) Dispatch(ctx context.Context, fn TaskFunc) error {
	resource, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring session slot: %w", err)
	}

	metrics.SessionsActive.Inc()

	defer func() {
		metrics.SessionsActive.Dec()
		resource.Release()
	}()

	m.log.Debug("running on slot", zap.Int64("slot", resource.Value().id))

	return fn(ctx)
}

func (m *PooledDispatcher) Stats() Stats {
	stat := m.pool.Stat()

	return Stats{
		Acquired: int(stat.AcquiredResources()),
		Max:      int(stat.MaxResources()),
	}
}

// Shutdown stops the dispatcher. Close blocks until all acquired slots
// have been released.
func (m *PooledDispatcher) Shutdown(context.Context) error {
	m.log.Debug("shutting down dispatcher")
	m.pool.Close()
	return nil
}

// MARK: - Pool

func createPool(config PooledDispatcherConfig, log *zap.Logger) (*puddle.Pool[*slot], error) {
	size := config.MaxSessions
	if size <= 0 {
		size = runtime.NumCPU()
	}

	var ids atomic.Int64

	constructor := func(context.Context) (*slot, error) {
		s := &slot{id: ids.Add(1)}
		log.Debug("created session slot", zap.Int64("slot", s.id))
		return s, nil
	}

	destructor := func(s *slot) {
		log.Debug("destroyed session slot", zap.Int64("slot", s.id))
	}

	return puddle.NewPool(&puddle.Config[*slot]{
		Constructor: constructor,
		Destructor:  destructor,
		MaxSize:     int32(size),
	})
}
