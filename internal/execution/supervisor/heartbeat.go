package supervisor

import (
	"time"

	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/internal/execution/frame"
	"github.com/lambda-feedback/sandcastle/internal/execution/script"
	"github.com/lambda-feedback/sandcastle/internal/metrics"
)

func (s *Supervisor) runHeartbeatLoop() {
	defer s.loops.Done()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick runs one heartbeat and restarts the worker if the last successful
// heartbeat is older than the liveness window.
func (s *Supervisor) tick(now time.Time) {
	s.runHeartbeat()

	s.mu.Lock()
	violated := now.Sub(s.lastHeartbeat) > s.config.Timeout
	if violated {
		// one restart per violation window
		s.lastHeartbeat = time.Now()
	}
	s.mu.Unlock()

	if violated {
		s.forceRestart(reasonLiveness)
	}
}

func (s *Supervisor) runHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// only one heartbeat on the wire at a time
	if s.stopped || s.heartbeatInFlight {
		return
	}

	if s.heartbeat != nil {
		s.heartbeat.Close()
		s.heartbeat = nil
	}

	sc := script.New(script.Params{
		Source:     heartbeatSource,
		Timeout:    s.config.Timeout,
		RetryDelay: s.config.RetryDelay,
		Sandbox:    s,
		Dialer:     s.dialer,
		Log:        s.log.Named("heartbeat"),
	})

	exec, err := sc.Start(script.DefaultMethod, nil)
	if err != nil {
		s.log.Error("failed to start heartbeat", zap.Error(err))
		return
	}

	s.heartbeatInFlight = true
	s.heartbeat = exec

	go s.awaitHeartbeat(exec, time.Now())
}

func (s *Supervisor) awaitHeartbeat(exec *script.Execution, sentAt time.Time) {
	for ev := range exec.Events() {
		exit, ok := ev.(*script.ExitEvent)
		if !ok {
			continue
		}

		if exit.Err != nil || !frame.Truthy(exit.Result) {
			s.log.Debug("heartbeat failed", zap.Error(exit.Err), zap.Any("result", exit.Result))
			continue
		}

		s.mu.Lock()
		if s.heartbeat == exec {
			s.lastHeartbeat = time.Now()
			s.heartbeatInFlight = false
			s.heartbeat = nil
		}
		s.mu.Unlock()

		metrics.HeartbeatLatency.Observe(time.Since(sentAt).Seconds())
	}
}
