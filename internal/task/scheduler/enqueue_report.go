package scheduler

import (
	"errors"
	"time"

	"cadence/internal/task/engine"
	logx "cadence/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed hand-off to the engine, at most once per
// task name every few seconds. The claim is released by the caller.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		s.log.Debug("engine not accepting fires", logx.String("task", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	for k, at := range s.lastEnqWarn {
		if now.Sub(at) >= enqueueWarnThrottle {
			delete(s.lastEnqWarn, k)
		}
	}
	s.enqMu.Unlock()

	// Queue full is important but can be bursty.
	s.log.Warn("fire failed to enqueue, claim released", logx.String("task", name), logx.Err(err))
}
