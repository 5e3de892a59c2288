package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "cadence/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG so concurrent retries don't contend on the global source.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}

			release, ok := s.groups.tryAcquire(groupKey(t.task.ConcurrencyKey, t.task.Name), t.opt.ConcurrencyLimit)
			if !ok {
				// Group at capacity: put it back and look at other work.
				if !s.requeue(ctx, stopCh, queue, t) || !pause(ctx, stopCh, groupRetryDelay) {
					return
				}
				continue
			}

			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, t, rng)
			s.inFlight.Add(-1)
			release()
		}
	}
}

// groupRetryDelay spaces out re-checks of a task whose group is full.
const groupRetryDelay = 10 * time.Millisecond

// pause waits d; it returns false when the worker should exit.
func pause(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C:
		return true
	}
}

// requeue returns false when the worker should exit.
func (s *Service) requeue(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, t queuedTask) bool {
	drop := func(err error) {
		finish(t.task, Outcome{TaskID: t.task.ID, Err: err, Dropped: true})
	}
	select {
	case <-ctx.Done():
		drop(ErrStopping)
		return false
	case <-stopCh:
		drop(ErrStopping)
		return false
	case queue <- t:
		return true
	default:
		s.onQueueFullDropped(time.Now(), t.task, queue)
		drop(ErrQueueFull)
		return true
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := time.Duration(0)
	if !qt.enqueuedAt.IsZero() {
		queueDelay = start.Sub(qt.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.appendHistory(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		finish(qt.task, Outcome{TaskID: qt.task.ID, Err: ErrStale, Dropped: true})
		return
	}

	s.log.Debug("task started", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay))
	s.publish("task.started", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	attempts, err := s.runAttempts(ctx, stopCh, qt, rng)

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task failed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish("task.failed", ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		s.publish("task.finished", ev)
	}
	s.appendHistory(item)

	s.safeFinish(qt.task, Outcome{TaskID: qt.task.ID, Attempts: attempts, Err: err})
}

func (s *Service) runAttempts(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) (attempts int, err error) {
	maxAttempts := 1 + qt.opt.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel context.CancelFunc
		if qt.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		}
		// A panicking task becomes a failed attempt; the worker survives.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("task panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			err = qt.task.Run(runCtx)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return attempts, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempts, nr.err
		}
		if attempt >= maxAttempts {
			return attempts, err
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		if delay <= 0 {
			continue
		}
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempts, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return attempts, ErrStopping
		case <-tmr.C:
		}
	}
	return attempts, err
}

func (s *Service) safeFinish(t Task, o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task done callback panic", logx.String("task", t.Name), logx.Any("panic", r))
		}
	}()
	finish(t, o)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		maxD := opt.RetryMaxDelay
		if maxD <= 0 {
			maxD = 15 * time.Second
		}
		return clampJitter(d, maxD, opt.RetryJitter, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return clampJitter(d, maxD, opt.RetryJitter, rng)
}

func clampJitter(d, maxD time.Duration, j float64, rng *rand.Rand) time.Duration {
	if d > maxD {
		d = maxD
	}
	if j > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
