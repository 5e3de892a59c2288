package goals

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cadence/internal/apperr"
	"cadence/internal/task/trigger"
	logx "cadence/pkg/logx"
)

// Bootstrapper gives a new owner the default habits, a daily check-in
// trigger per habit and the weekly progression trigger. It runs at most once
// per owner; the flag is persisted in the same transaction as the habits.
type Bootstrapper struct {
	habits   *Habits
	owners   OwnerStore
	triggers Triggers
	clock    clock
	tz       string
	agent    string
	defaults []NewHabit
	log      logx.Logger
}

// Bootstrap reports created=false when the owner was already bootstrapped or
// already had habits of their own; nothing is created in that case.
func (b *Bootstrapper) Bootstrap(ctx context.Context, owner string) (res BootstrapResult, created bool, err error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return BootstrapResult{}, false, apperr.Validationf("owner", "required")
	}
	if _, done, err := b.owners.Bootstrapped(ctx, owner); err != nil {
		return BootstrapResult{}, false, err
	} else if done {
		return BootstrapResult{}, false, nil
	}

	now := b.clock.now()
	existing, err := b.habits.List(ctx, owner, true)
	if err != nil {
		return BootstrapResult{}, false, err
	}
	plan := BootstrapPlan{Owner: owner, At: now}
	if len(existing) == 0 {
		if plan, err = b.plan(owner); err != nil {
			return BootstrapResult{}, false, err
		}
	}

	res, err = b.owners.Bootstrap(ctx, plan)
	if errors.Is(err, ErrAlreadyBootstrapped) {
		b.log.Debug("owner already bootstrapped", logx.String("owner", owner))
		return BootstrapResult{}, false, nil
	}
	if err != nil {
		return BootstrapResult{}, false, fmt.Errorf("bootstrap %s: %w", owner, err)
	}
	if len(existing) > 0 {
		b.log.Info("owner has habits, marked bootstrapped", logx.String("owner", owner), logx.Int("habits", len(existing)))
		return res, false, nil
	}
	b.log.Info("owner bootstrapped", logx.String("owner", owner), logx.Int("habits", len(res.Habits)), logx.Int("triggers", len(res.Triggers)))
	return res, true, nil
}

func (b *Bootstrapper) plan(owner string) (BootstrapPlan, error) {
	defs := b.defaults
	if len(defs) == 0 {
		defs = BuiltinDefaults()
	}
	now := b.clock.now()
	plan := BootstrapPlan{Owner: owner, At: now}
	for i, def := range defs {
		def.OwnerID = owner
		if err := ValidateNew(def); err != nil {
			return BootstrapPlan{}, fmt.Errorf("default habit %d: %w", i, err)
		}
		plan.Habits = append(plan.Habits, b.habits.fromNew(def))
	}
	plan.CheckIns = func(h Habit) ([]trigger.Trigger, error) {
		t, err := b.triggers.Prepare(CheckInSpec(h, b.tz, b.agent, now))
		if err != nil {
			return nil, err
		}
		return []trigger.Trigger{t}, nil
	}
	weekly, err := b.triggers.Prepare(WeeklySpec(owner, b.tz, now))
	if err != nil {
		return BootstrapPlan{}, err
	}
	plan.Global = []trigger.Trigger{weekly}
	return plan, nil
}
