package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cadence/internal/goals"
	"cadence/internal/task/trigger"
)

// Handler executes one capability call and returns its result value.
type Handler func(ctx context.Context, c Capability) (any, error)

// Registry dispatches capability calls by kind.
type Registry map[CapabilityKind]Handler

// ErrUnknownCapability is returned for a call without a registered handler.
var ErrUnknownCapability = errors.New("unknown capability")

func (r Registry) Call(ctx context.Context, c Capability) (any, error) {
	h, ok := r[c.Kind()]
	if !ok || h == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownCapability, c.Kind())
	}
	return h(ctx, c)
}

// TriggerControl is the part of the trigger service agents may use.
type TriggerControl interface {
	Create(ctx context.Context, spec trigger.Spec) (int64, error)
	Pause(ctx context.Context, id int64) error
}

// GoalsRegistry binds every capability except SendResult to the goals
// components and the trigger service.
func GoalsRegistry(g *goals.Service, triggers TriggerControl) Registry {
	return Registry{
		KindLogProgress: func(ctx context.Context, c Capability) (any, error) {
			return g.Progress.Log(ctx, c.(LogProgress).Request)
		},
		KindListHabits: func(ctx context.Context, c Capability) (any, error) {
			lh := c.(ListHabits)
			if lh.DueOnly {
				return g.Habits.DueForCheckIn(ctx, lh.OwnerID, "", time.Time{})
			}
			return g.Habits.List(ctx, lh.OwnerID, lh.ActiveOnly)
		},
		KindCreateTrigger: func(ctx context.Context, c Capability) (any, error) {
			return triggers.Create(ctx, c.(CreateTrigger).Spec)
		},
		KindPauseTrigger: func(ctx context.Context, c Capability) (any, error) {
			return nil, triggers.Pause(ctx, c.(PauseTrigger).ID)
		},
		KindCreateContext: func(ctx context.Context, c Capability) (any, error) {
			return g.Contexts.Create(ctx, c.(CreateContext).Context)
		},
		KindResolveContext: func(ctx context.Context, c Capability) (any, error) {
			return g.Contexts.Resolve(ctx, c.(ResolveContext).ID)
		},
		KindResolveExpiredContexts: func(ctx context.Context, c Capability) (any, error) {
			rc := c.(ResolveExpiredContexts)
			return g.Contexts.AutoResolveExpired(ctx, rc.OwnerID, rc.Today)
		},
		KindEvaluateProgression: func(ctx context.Context, c Capability) (any, error) {
			return g.Progression.Evaluate(ctx, c.(EvaluateProgression).HabitID, time.Time{})
		},
		KindEvaluateAll: func(ctx context.Context, c Capability) (any, error) {
			return g.Progression.EvaluateAll(ctx, c.(EvaluateAll).OwnerID, time.Time{})
		},
		KindCalculateScore: func(ctx context.Context, c Capability) (any, error) {
			cs := c.(CalculateScore)
			if cs.Record {
				return g.Scorer.UpdateHistory(ctx, cs.OwnerID, time.Time{}, cs.Reason, cs.SourceKey)
			}
			return g.Scorer.Calculate(ctx, cs.OwnerID, time.Time{})
		},
	}
}
