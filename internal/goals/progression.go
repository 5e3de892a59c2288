package goals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cadence/internal/eventbus"
	logx "cadence/pkg/logx"
)

const (
	progressionWindow = 14
	increaseAt        = 0.80
	decreaseBelow     = 0.50
	increaseStep      = 2
)

type Progression struct {
	habits    HabitStore
	progress  *Progress
	decisions DecisionStore
	clock     clock
	bus       eventbus.Bus
	log       logx.Logger
}

// Evaluate decides whether the habit's current frequency should move, using
// the 14 days ending today. Excused days are left out of the rate. A change
// resets the habit's progression anchor to today.
func (p *Progression) Evaluate(ctx context.Context, habitID int64, today time.Time) (Decision, error) {
	h, err := p.habits.GetHabit(ctx, habitID)
	if err != nil {
		return Decision{}, err
	}
	return p.evaluate(ctx, h, p.clock.orToday(today))
}

func (p *Progression) evaluate(ctx context.Context, h Habit, today time.Time) (Decision, error) {
	days := daysBetween(h.ProgressionStart, today)
	d := Decision{
		HabitID:        h.ID,
		OwnerID:        h.OwnerID,
		HabitName:      h.Name,
		From:           h.CurrentFrequency,
		To:             h.CurrentFrequency,
		WeeksCompleted: max(days, 0) / 7,
		Day:            today,
		DecidedAt:      p.clock.now(),
	}

	if days < progressionWindow {
		d.Verdict = VerdictTooEarly
		d.Reason = fmt.Sprintf("%d of %d days at current level", max(days, 0), progressionWindow)
		return p.record(ctx, d)
	}

	from := today.AddDate(0, 0, -(progressionWindow - 1))
	hist, err := p.progress.history(ctx, h, from, today)
	if err != nil {
		return Decision{}, err
	}
	d.Rate, d.Completed, d.Eligible, d.Excluded = hist.rate(from, today, false)
	if d.Eligible == 0 {
		d.Verdict = VerdictTooEarly
		d.Reason = "every day in the window is excused"
		return p.record(ctx, d)
	}

	switch {
	case d.Rate >= increaseAt && h.CurrentFrequency >= h.TargetFrequency:
		d.Verdict = VerdictMaintain
		d.AtTarget = true
		d.Reason = "already at target frequency"
	case d.Rate >= increaseAt:
		d.Verdict = VerdictIncrease
		d.To = min(h.CurrentFrequency+increaseStep, h.TargetFrequency)
	case d.Rate < decreaseBelow && h.CurrentFrequency <= MinFrequency:
		d.Verdict = VerdictMaintain
		d.Reason = "already at minimum frequency"
	case d.Rate < decreaseBelow:
		d.Verdict = VerdictDecrease
		d.To = h.CurrentFrequency - 1
	default:
		d.Verdict = VerdictMaintain
	}
	if d.Reason == "" {
		d.Reason = fmt.Sprintf("%d/%d eligible days completed (%.0f%%)", d.Completed, d.Eligible, d.Rate*100)
	}

	if d.Changed() {
		h.CurrentFrequency = d.To
		h.ProgressionStart = today
		h.UpdatedAt = p.clock.now()
		if err := p.habits.UpdateHabit(ctx, h); err != nil {
			return Decision{}, fmt.Errorf("apply progression: %w", err)
		}
	}
	return p.record(ctx, d)
}

func (p *Progression) record(ctx context.Context, d Decision) (Decision, error) {
	if p.decisions != nil {
		if err := p.decisions.AppendDecision(ctx, d); err != nil {
			p.log.Warn("decision audit append failed", logx.Int64("habit_id", d.HabitID), logx.Err(err))
		}
	}
	lvl := p.log.Debug
	if d.Changed() {
		lvl = p.log.Info
	}
	lvl("progression evaluated",
		logx.Int64("habit_id", d.HabitID),
		logx.String("verdict", string(d.Verdict)),
		logx.Float64("rate", d.Rate),
		logx.Int("eligible", d.Eligible),
		logx.Int("excluded", d.Excluded),
		logx.Int("from", d.From),
		logx.Int("to", d.To),
	)
	publish(p.bus, eventbus.ProgressionDecided, eventbus.GoalEvent{Owner: d.OwnerID, HabitID: d.HabitID, Detail: string(d.Verdict), Value: d.Rate})
	return d, nil
}

// EvaluateAll evaluates every active habit of owner. Per-habit failures are
// joined; the other habits are still evaluated.
func (p *Progression) EvaluateAll(ctx context.Context, owner string, today time.Time) ([]Decision, error) {
	habits, err := p.habits.ListHabits(ctx, owner, true)
	if err != nil {
		return nil, err
	}
	today = p.clock.orToday(today)
	var (
		out  []Decision
		errs []error
	)
	for _, h := range habits {
		d, err := p.evaluate(ctx, h, today)
		if err != nil {
			errs = append(errs, fmt.Errorf("habit %d: %w", h.ID, err))
			continue
		}
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// LevelStatus describes where a habit stands in its current level.
type LevelStatus struct {
	HabitID      int64
	HabitName    string
	Current      int
	Target       int
	WeeksAtLevel int
	Rate         float64
	Progress     float64
	Ready        bool
}

// Status reports a habit's level without deciding anything.
func (p *Progression) Status(ctx context.Context, habitID int64, today time.Time) (LevelStatus, error) {
	h, err := p.habits.GetHabit(ctx, habitID)
	if err != nil {
		return LevelStatus{}, err
	}
	today = p.clock.orToday(today)
	from := today.AddDate(0, 0, -(progressionWindow - 1))
	hist, err := p.progress.history(ctx, h, from, today)
	if err != nil {
		return LevelStatus{}, err
	}
	rate, _, _, _ := hist.rate(from, today, false)
	days := daysBetween(h.ProgressionStart, today)
	return LevelStatus{
		HabitID:      h.ID,
		HabitName:    h.Name,
		Current:      h.CurrentFrequency,
		Target:       h.TargetFrequency,
		WeeksAtLevel: max(days, 0) / 7,
		Rate:         rate,
		Progress:     float64(h.CurrentFrequency) / float64(h.TargetFrequency),
		Ready:        days >= progressionWindow,
	}, nil
}
