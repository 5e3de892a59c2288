package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/goals"
	"cadence/internal/task/trigger"
	logx "cadence/pkg/logx"
)

// Call is one executed capability call.
type Call struct {
	Capability Capability
	Value      any
	Err        error
}

// Turn is one completed round of calls.
type Turn struct {
	Calls []Call
}

// Step is a planner decision: run Calls, or finish with Final.
type Step struct {
	Calls []Capability
	Final Result
}

// Planner decides the next step of an invocation from the instruction and
// the rounds run so far.
type Planner interface {
	Plan(ctx context.Context, in Instruction, history []Turn) (Step, error)
}

type PlannerFunc func(ctx context.Context, in Instruction, history []Turn) (Step, error)

func (f PlannerFunc) Plan(ctx context.Context, in Instruction, history []Turn) (Step, error) {
	return f(ctx, in, history)
}

func callsOf(cs ...Capability) Step { return Step{Calls: cs} }

func done(payload string) Step { return Step{Final: Success{Payload: payload}} }

// valueOf returns the typed result of call i in t.
func valueOf[T any](t Turn, i int) (T, error) {
	var zero T
	if i >= len(t.Calls) {
		return zero, fmt.Errorf("missing call %d", i)
	}
	c := t.Calls[i]
	if c.Err != nil {
		return zero, fmt.Errorf("%s: %w", c.Capability.Kind(), c.Err)
	}
	if c.Value == nil {
		return zero, nil
	}
	v, ok := c.Value.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result %T", c.Capability.Kind(), c.Value)
	}
	return v, nil
}

// DirectivePlanner runs the fixed routine for each trigger kind.
type DirectivePlanner struct {
	// Timezone is used for follow-up triggers.
	Timezone string
	Now      func() time.Time
	Log      logx.Logger
}

func (p *DirectivePlanner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *DirectivePlanner) Plan(ctx context.Context, in Instruction, history []Turn) (Step, error) {
	switch in.Kind {
	case trigger.KindHabitCheckIn, trigger.KindFollowUp:
		return p.habitReminder(in, history)
	case trigger.KindWeeklyProgression:
		return p.weekly(in, history)
	case trigger.KindContextRefresh:
		return p.contextRefresh(in, history)
	default:
		return p.message(in, history)
	}
}

// message relays the instruction text.
func (p *DirectivePlanner) message(in Instruction, history []Turn) (Step, error) {
	if len(history) == 0 && strings.TrimSpace(in.Text) != "" {
		return callsOf(SendResult{Text: in.Text}), nil
	}
	return done(""), nil
}

// habitReminder sends a check-in or follow-up unless the habit was already
// logged today. A check-in also schedules its follow-up.
func (p *DirectivePlanner) habitReminder(in Instruction, history []Turn) (Step, error) {
	if in.HabitID == 0 {
		return p.message(in, history)
	}
	switch len(history) {
	case 0:
		return callsOf(ListHabits{OwnerID: in.OwnerID, DueOnly: true}), nil
	case 1:
		due, err := valueOf[[]goals.Habit](history[0], 0)
		if err != nil {
			return Step{}, err
		}
		h, ok := findHabit(due, in.HabitID)
		if !ok {
			// Already logged or inactive: nothing to say.
			return done(""), nil
		}
		text := in.Text
		if strings.TrimSpace(text) == "" {
			text = fmt.Sprintf("Check in about habit: %s", h.Name)
		}
		calls := []Capability{SendResult{Text: text}}
		if in.Kind == trigger.KindHabitCheckIn && h.FollowUpDelay > 0 {
			calls = append(calls, CreateTrigger{Spec: p.followUp(in, h)})
		}
		return callsOf(calls...), nil
	default:
		if calls := history[1].Calls; len(calls) > 1 && calls[1].Err != nil {
			p.Log.Warn("follow-up not scheduled", logx.Int64("habit_id", in.HabitID), logx.Err(calls[1].Err))
		}
		return done(""), nil
	}
}

// followUp is the reminder scheduled by a check-in fire. A redelivered fire
// produces the same spec, which the trigger store collapses by source key.
func (p *DirectivePlanner) followUp(in Instruction, h goals.Habit) trigger.Spec {
	base := in.FiredAt
	if base.IsZero() {
		base = p.now()
	}
	spec := goals.FollowUpSpec(h, p.Timezone, in.Agent, base.Add(time.Duration(h.FollowUpDelay)*time.Minute))
	if key := in.SourceKey(); key != "" {
		spec.SourceKey = key + "/follow_up"
	}
	return spec
}

// weekly resolves expired contexts, evaluates every habit and records the
// score.
func (p *DirectivePlanner) weekly(in Instruction, history []Turn) (Step, error) {
	switch len(history) {
	case 0:
		return callsOf(ResolveExpiredContexts{OwnerID: in.OwnerID}), nil
	case 1:
		if _, err := valueOf[[]goals.Context](history[0], 0); err != nil {
			return Step{}, err
		}
		return callsOf(EvaluateAll{OwnerID: in.OwnerID}), nil
	case 2:
		if _, err := valueOf[[]goals.Decision](history[1], 0); err != nil {
			return Step{}, err
		}
		return callsOf(CalculateScore{OwnerID: in.OwnerID, Record: true, Reason: "weekly", SourceKey: in.SourceKey()}), nil
	default:
		decisions, _ := valueOf[[]goals.Decision](history[1], 0)
		score, err := valueOf[goals.Breakdown](history[2], 0)
		if err != nil {
			return Step{}, err
		}
		return done(weeklySummary(decisions, score)), nil
	}
}

// contextRefresh asks how a context is going, or reports that it ended.
func (p *DirectivePlanner) contextRefresh(in Instruction, history []Turn) (Step, error) {
	switch len(history) {
	case 0:
		return callsOf(ResolveExpiredContexts{OwnerID: in.OwnerID}), nil
	case 1:
		resolved, err := valueOf[[]goals.Context](history[0], 0)
		if err != nil {
			return Step{}, err
		}
		for _, c := range resolved {
			if c.ID == in.ContextID {
				return done(fmt.Sprintf("Context ended: %s (%s) was resolved", contextLabel(c), c.Type)), nil
			}
		}
		return callsOf(SendResult{Text: in.Text}), nil
	default:
		return done(""), nil
	}
}

func findHabit(hs []goals.Habit, id int64) (goals.Habit, bool) {
	for _, h := range hs {
		if h.ID == id {
			return h, true
		}
	}
	return goals.Habit{}, false
}

func contextLabel(c goals.Context) string {
	if c.Description != "" {
		return c.Description
	}
	return fmt.Sprintf("context %d", c.ID)
}

func weeklySummary(ds []goals.Decision, b goals.Breakdown) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Weekly review: %d habit(s) evaluated", len(ds))
	for _, d := range ds {
		switch d.Verdict {
		case goals.VerdictTooEarly:
			fmt.Fprintf(&sb, "\n- %s: too early (%d week(s) at %dx)", d.HabitName, d.WeeksCompleted, d.From)
		default:
			fmt.Fprintf(&sb, "\n- %s: %s %dx -> %dx (%.0f%%)", d.HabitName, d.Verdict, d.From, d.To, d.Rate*100)
		}
	}
	fmt.Fprintf(&sb, "\nConsistency score: %.1f (peak %.1f)", b.Total, b.Peak)
	return sb.String()
}
