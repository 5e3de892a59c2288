package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cadence/internal/agent"
	"cadence/internal/apperr"
	"cadence/internal/eventbus"
	"cadence/internal/router"
	"cadence/internal/task/engine"
	"cadence/internal/task/recurrence"
	"cadence/internal/task/trigger"
	logx "cadence/pkg/logx"
)

const (
	ackTimeout      = 10 * time.Second
	reportRetries   = 3
	reportRetryStep = 100 * time.Millisecond
)

// FireError is an agent failure surfaced to the engine retry policy.
type FireError struct {
	Agent  string
	Reason string
}

func (e *FireError) Error() string { return fmt.Sprintf("agent %s failed: %s", e.Agent, e.Reason) }

func taskName(id int64) string { return fmt.Sprintf("trigger.%d", id) }

// agentGroup is the engine concurrency group shared by fires of one agent.
func agentGroup(name string) string { return "agent:" + name }

// dispatch hands a claimed trigger to the engine. A trigger that is still
// running from an earlier claim only has its token renewed.
func (s *Service) dispatch(t trigger.Trigger) {
	s.fmu.Lock()
	if f, ok := s.inflight[t.ID]; ok {
		f.renew(t.ClaimToken)
		s.fmu.Unlock()
		s.renewed.Add(1)
		s.log.Debug("trigger still running, claim renewed", logx.Int64("trigger", t.ID))
		return
	}
	f := &fire{trig: t, token: t.ClaimToken, started: s.now()}
	s.inflight[t.ID] = f
	s.fmu.Unlock()

	s.claimed.Add(1)
	s.publish(eventbus.TriggerClaimed, t, 0, "")

	err := s.deps.Engine.Enqueue(engine.Task{
		Name:           taskName(t.ID),
		ConcurrencyKey: agentGroup(t.TargetAgent),
		Run:            func(ctx context.Context) error { return s.run(ctx, f) },
		Done:           func(o engine.Outcome) { s.finish(f, o) },
		Opt:            engine.TaskOptions{ConcurrencyLimit: s.config().AgentConcurrency},
	})
	if err != nil {
		s.reportEnqueueError(taskName(t.ID), err)
		s.forget(t.ID)
		s.release(f)
	}
}

func (s *Service) forget(id int64) {
	s.fmu.Lock()
	delete(s.inflight, id)
	s.fmu.Unlock()
}

// run performs one attempt: invoke the target agent and wait for its result.
func (s *Service) run(ctx context.Context, f *fire) error {
	t := f.trig
	h := s.deps.Agents.Invoke(ctx, t.TargetAgent, agent.Instruction{
		TriggerID: t.ID,
		Kind:      t.Kind,
		OwnerID:   t.OwnerID,
		HabitID:   t.HabitID,
		ContextID: t.ContextID,
		Text:      t.Payload,
		FiredAt:   t.NextFireAt,
	})
	res, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	f.record(h.ID, res)

	switch v := res.(type) {
	case agent.Success:
		return nil
	case agent.Failure:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ferr := &FireError{Agent: t.TargetAgent, Reason: v.Reason}
		switch {
		case !v.Retryable:
			return engine.NoRetry(ferr)
		case v.Reason == agent.ReasonTimeout:
			return engine.RetryAfter(ferr, s.config().TimeoutBackoff)
		default:
			return ferr
		}
	default:
		return engine.NoRetry(fmt.Errorf("agent %s returned no result", t.TargetAgent))
	}
}

// interrupted reports whether an outcome means the fire never got a fair
// run, so the trigger should be re-claimed rather than failed.
func interrupted(o engine.Outcome) bool {
	if o.Dropped {
		return true
	}
	return errors.Is(o.Err, context.Canceled) ||
		errors.Is(o.Err, engine.ErrStopping) ||
		errors.Is(o.Err, engine.ErrStale)
}

// finish applies the terminal outcome of a fire to the store, then reports
// it.
func (s *Service) finish(f *fire, o engine.Outcome) {
	if inv, res, ok := s.settle(f, o); ok {
		s.report(f.trig, inv, res)
	}
}

// settle runs under claimMu so an ack never races a re-claim of the same
// trigger: the ack either sees the renewed token or the re-claim finds the
// trigger already rescheduled.
func (s *Service) settle(f *fire, o engine.Outcome) (string, agent.Result, bool) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	defer s.forget(f.trig.ID)
	t := f.trig

	if interrupted(o) {
		s.log.Debug("fire interrupted, releasing claim", logx.Int64("trigger", t.ID), logx.Err(o.Err))
		s.release(f)
		return "", nil, false
	}

	now := s.now()
	inv, res := f.outcome()
	ack := trigger.Ack{ID: t.ID, ClaimToken: f.claimToken(), FiredAt: now}

	if o.Err != nil {
		ack.Status = trigger.StatusFailed
		ack.NextFireAt = t.NextFireAt
		ack.Error = o.Err.Error()
		if _, ok := res.(agent.Failure); !ok {
			res = agent.Failure{Reason: o.Err.Error()}
		}
		s.failed.Add(1)
		s.log.Warn("trigger failed",
			logx.Int64("trigger", t.ID),
			logx.String("agent", t.TargetAgent),
			logx.Int("attempts", o.Attempts),
			logx.Err(o.Err),
		)
		if s.ack(ack) {
			s.publish(eventbus.TriggerFailed, t, o.Attempts, ack.Error)
		}
		return inv, res, true
	}

	ack.NextFireAt, ack.Status = s.nextFire(t, now)
	s.succeeded.Add(1)
	s.log.Info("trigger fired",
		logx.Int64("trigger", t.ID),
		logx.String("kind", string(t.Kind)),
		logx.String("agent", t.TargetAgent),
		logx.String("status", string(ack.Status)),
		logx.Time("next", ack.NextFireAt),
	)
	if s.ack(ack) {
		typ := eventbus.TriggerFired
		if ack.Status == trigger.StatusCompleted {
			typ = eventbus.TriggerCompleted
		}
		t.NextFireAt = ack.NextFireAt
		s.publish(typ, t, o.Attempts, "")
	}
	return inv, res, true
}

// nextFire computes the state after a successful fire. Successive fires of
// a recurring trigger are strictly increasing and never in the past.
func (s *Service) nextFire(t trigger.Trigger, now time.Time) (time.Time, trigger.Status) {
	if !t.Recurring() {
		return t.NextFireAt, trigger.StatusCompleted
	}
	ref := t.NextFireAt.Add(time.Second)
	if now.After(ref) {
		ref = now
	}
	next, err := recurrence.Next(t.Recurrence, t.Anchor, ref, t.Timezone)
	if err != nil {
		if errors.Is(err, recurrence.ErrInvalidRecurrence) {
			s.log.Info("recurrence exhausted, trigger completed", logx.Int64("trigger", t.ID), logx.String("rule", t.Recurrence))
		} else {
			s.log.Error("recurrence evaluation failed, trigger completed", logx.Int64("trigger", t.ID), logx.String("rule", t.Recurrence), logx.Err(err))
		}
		return t.NextFireAt, trigger.StatusCompleted
	}
	return next, trigger.StatusActive
}

func (s *Service) ack(a trigger.Ack) bool {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	err := s.deps.Store.Reschedule(ctx, a)
	switch {
	case err == nil:
		return true
	case errors.Is(err, apperr.ErrClaimLost):
		s.log.Debug("claim lost, skipping ack", logx.Int64("trigger", a.ID))
	default:
		s.log.Warn("trigger reschedule failed", logx.Int64("trigger", a.ID), logx.Err(err))
	}
	return false
}

func (s *Service) release(f *fire) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	err := s.deps.Store.Release(ctx, f.trig.ID, f.claimToken())
	switch {
	case err == nil:
		s.released.Add(1)
	case errors.Is(err, apperr.ErrClaimLost):
		s.log.Debug("claim lost, skipping release", logx.Int64("trigger", f.trig.ID))
	default:
		s.log.Warn("trigger release failed", logx.Int64("trigger", f.trig.ID), logx.Err(err))
	}
}

// report passes the fire's result to the router. Empty successes are not
// reported.
func (s *Service) report(t trigger.Trigger, invocation string, res agent.Result) {
	if s.deps.Reports == nil || res == nil {
		return
	}
	rep, ok := router.ReportFor(t.TargetAgent, invocation, res)
	if !ok {
		return
	}
	rep.TriggerID = t.ID
	rep.OwnerID = t.OwnerID
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	err := s.deps.Reports.Submit(ctx, rep)
	for i := 1; i <= reportRetries && errors.Is(err, router.ErrQueueFull); i++ {
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(i) * reportRetryStep):
		}
		err = s.deps.Reports.Submit(ctx, rep)
	}
	if err != nil && !errors.Is(err, router.ErrDisabled) {
		s.log.Warn("report submit failed", logx.Int64("trigger", t.ID), logx.String("invocation", invocation), logx.Err(err))
	}
}

func (s *Service) publish(typ string, t trigger.Trigger, attempts int, errText string) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: eventbus.TriggerEvent{
		TriggerID: t.ID,
		Kind:      string(t.Kind),
		Owner:     t.OwnerID,
		NextFire:  t.NextFireAt,
		Attempts:  attempts,
		Error:     errText,
	}})
}
