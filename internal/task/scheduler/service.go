package scheduler

import (
	"context"
	"strings"
	"time"

	logx "cadence/pkg/logx"
)

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:         withConfigDefaults(cfg),
		log:         log,
		deps:        deps,
		now:         now,
		inflight:    map[int64]*fire{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps poll settings; the loop picks them up on its next tick.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = withConfigDefaults(cfg)
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the poll loop. Triggers that came due while the process
// was down fire on the first poll.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	cur := s.cfg
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.String("tz", strings.TrimSpace(cur.Timezone)))
	if !cur.Enabled {
		return
	}

	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go func() {
		defer close(done)
		s.loop(lctx)
	}()
	s.log.Info("service started",
		logx.Duration("poll", cur.PollInterval),
		logx.Int("batch", cur.ClaimBatch),
		logx.Duration("claim_timeout", cur.ClaimTimeout),
	)
}

// Stop ends the poll loop. Fires already handed to the engine finish there;
// stopping the engine afterwards releases their claims.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Service) loop(ctx context.Context) {
	interval := s.config().PollInterval
	t := time.NewTicker(interval)
	defer t.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.poll(ctx)
		if next := s.config().PollInterval; next != interval {
			interval = next
			t.Reset(interval)
		}
	}
}

// poll claims at most as many triggers as the engine can queue right now.
func (s *Service) poll(ctx context.Context) {
	cfg := s.config()
	limit := cfg.ClaimBatch
	if free := s.deps.Engine.Free(); free < limit {
		limit = free
	}
	if limit <= 0 {
		return
	}

	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	claimed, err := s.deps.Store.ClaimDue(ctx, s.now(), limit, cfg.ClaimTimeout)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("claim failed", logx.Err(err))
		}
		return
	}
	for _, t := range claimed {
		s.dispatch(t)
	}
}
