package goals

import (
	"context"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/task/trigger"
	logx "cadence/pkg/logx"
)

const (
	// TrackerAgent receives weekly progression and context refresh fires.
	TrackerAgent = "habit-tracker"

	defaultScoreHistory = 90
)

// Triggers is the slice of the trigger service the goals components use.
type Triggers interface {
	Create(ctx context.Context, spec trigger.Spec) (int64, error)
	Prepare(spec trigger.Spec) (trigger.Trigger, error)
	CompleteForContext(ctx context.Context, contextID int64) (int, error)
}

type Config struct {
	Location         *time.Location
	Timezone         string
	ScoreHistorySize int
	// CheckInAgent receives habit check-in and follow-up fires.
	CheckInAgent string
	Defaults     []NewHabit
	// Now overrides the wall clock.
	Now func() time.Time
}

// Service bundles the goals components over one store.
type Service struct {
	Habits       *Habits
	Progress     *Progress
	Contexts     *Contexts
	Progression  *Progression
	Scorer       *Scorer
	Bootstrapper *Bootstrapper
}

func New(store Store, triggers Triggers, cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Timezone == "" {
		cfg.Timezone = cfg.Location.String()
	}
	if cfg.ScoreHistorySize <= 0 {
		cfg.ScoreHistorySize = defaultScoreHistory
	}
	if cfg.CheckInAgent == "" {
		cfg.CheckInAgent = TrackerAgent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	clk := clock{loc: cfg.Location, now: cfg.Now}

	ctxs := &Contexts{store: store, triggers: triggers, clock: clk, tz: cfg.Timezone, log: log.With(logx.String("comp", "goals.contexts"))}
	progress := &Progress{habits: store, store: store, contexts: ctxs, clock: clk, bus: bus, log: log.With(logx.String("comp", "goals.progress"))}
	habits := &Habits{store: store, progress: store, clock: clk, log: log.With(logx.String("comp", "goals.habits"))}
	boot := &Bootstrapper{
		habits:   habits,
		owners:   store,
		triggers: triggers,
		clock:    clk,
		tz:       cfg.Timezone,
		agent:    cfg.CheckInAgent,
		defaults: cfg.Defaults,
		log:      log.With(logx.String("comp", "goals.bootstrap")),
	}
	return &Service{
		Habits:       habits,
		Progress:     progress,
		Contexts:     ctxs,
		Progression:  &Progression{habits: store, progress: progress, decisions: store, clock: clk, bus: bus, log: log.With(logx.String("comp", "goals.progression"))},
		Scorer:       &Scorer{habits: store, progress: progress, scores: store, clock: clk, historySize: cfg.ScoreHistorySize, bus: bus, log: log.With(logx.String("comp", "goals.scorer"))},
		Bootstrapper: boot,
	}
}

type clock struct {
	loc *time.Location
	now func() time.Time
}

func (c clock) today() time.Time { return Day(c.now(), c.loc) }

// orToday returns day normalized, or today when day is zero.
func (c clock) orToday(day time.Time) time.Time {
	if day.IsZero() {
		return c.today()
	}
	return AsDay(day)
}

func publish(bus eventbus.Bus, typ string, ev eventbus.GoalEvent) {
	if bus != nil {
		bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}
