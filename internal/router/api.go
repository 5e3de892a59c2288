package router

import (
	"context"
	"errors"
	"time"

	"cadence/internal/agent"
	"cadence/internal/goals"
	"cadence/internal/task/trigger"
	logx "cadence/pkg/logx"
)

func (r *Router) CreateTrigger(ctx context.Context, spec trigger.Spec) (int64, error) {
	return r.deps.Triggers.Create(ctx, spec)
}

func (r *Router) PauseTrigger(ctx context.Context, id int64) error {
	return r.deps.Triggers.Pause(ctx, id)
}

func (r *Router) ResolveContext(ctx context.Context, id int64) (goals.Context, error) {
	return r.deps.Goals.Contexts.Resolve(ctx, id)
}

func (r *Router) LogProgress(ctx context.Context, req goals.LogRequest) (goals.Ack, error) {
	return r.deps.Goals.Progress.Log(ctx, req)
}

// EvaluateProgression evaluates a habit as of today.
func (r *Router) EvaluateProgression(ctx context.Context, habitID int64) (goals.Decision, error) {
	return r.deps.Goals.Progression.Evaluate(ctx, habitID, time.Time{})
}

// GetScore calculates the owner's current score. Peak is the stored
// high-water mark.
func (r *Router) GetScore(ctx context.Context, owner string) (goals.Breakdown, error) {
	b, err := r.deps.Goals.Scorer.Calculate(ctx, owner, time.Time{})
	if err != nil {
		return goals.Breakdown{}, err
	}
	sc, err := r.deps.Goals.Scorer.Get(ctx, owner)
	if err != nil {
		return goals.Breakdown{}, err
	}
	b.Peak = sc.Peak
	return b, nil
}

// InvokeAgent starts an invocation and reports its result when it finishes.
// The invocation outlives ctx.
func (r *Router) InvokeAgent(ctx context.Context, name string, in agent.Instruction) *agent.Handle {
	h := r.deps.Agents.Invoke(context.WithoutCancel(ctx), name, in)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.accepting || r.sup == nil {
		r.log.Warn("router not running, result will not be reported", logx.String("agent", name), logx.String("invocation", h.ID))
		return h
	}
	r.sup.Go0("relay", func(c context.Context) {
		select {
		case <-h.Done():
		case <-c.Done():
			return
		}
		res, _ := h.Result()
		if err := r.AgentReports(c, name, h.ID, res); err != nil && !errors.Is(err, ErrDisabled) {
			r.log.Warn("report relay failed", logx.String("invocation", h.ID), logx.Err(err))
		}
	})
	return h
}

// AgentReports routes a terminal agent result upward. A Success without a
// payload has nothing to say and is not delivered.
func (r *Router) AgentReports(ctx context.Context, name, invocationID string, res agent.Result) error {
	rep, ok := ReportFor(name, invocationID, res)
	if !ok {
		r.log.Debug("empty result not reported", logx.String("agent", name), logx.String("invocation", invocationID))
		return nil
	}
	return r.Submit(ctx, rep)
}

// ReportFor builds the report for a result. ok is false for an empty Success.
func ReportFor(name, invocationID string, res agent.Result) (rep Report, ok bool) {
	rep = Report{InvocationID: invocationID, Agent: name, At: time.Now()}
	switch v := res.(type) {
	case agent.Success:
		if v.Payload == "" {
			return rep, false
		}
		rep.Status = StatusSuccess
		rep.Payload = v.Payload
	case agent.Failure:
		rep.Status = StatusFailed
		rep.Reason = v.Reason
		rep.Retryable = v.Retryable
	default:
		rep.Status = StatusFailed
		rep.Reason = "no result"
	}
	return rep, true
}
