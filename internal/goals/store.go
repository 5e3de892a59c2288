package goals

import (
	"context"
	"errors"
	"time"

	"cadence/internal/task/trigger"
)

// ErrAlreadyBootstrapped is returned by OwnerStore.Bootstrap for an owner
// whose defaults were already created.
var ErrAlreadyBootstrapped = errors.New("owner already bootstrapped")

type HabitStore interface {
	CreateHabit(ctx context.Context, h Habit) (int64, error)
	GetHabit(ctx context.Context, id int64) (Habit, error)
	UpdateHabit(ctx context.Context, h Habit) error
	ListHabits(ctx context.Context, owner string, activeOnly bool) ([]Habit, error)
}

type ProgressStore interface {
	// UpsertEntry writes e as the entry for (habit, date). When the stored
	// entry already carries e.SourceKey nothing is written and duplicate is true.
	UpsertEntry(ctx context.Context, e Entry) (duplicate bool, err error)
	// Entries returns entries with from <= date <= to, oldest first.
	Entries(ctx context.Context, habitID int64, from, to time.Time) ([]Entry, error)
}

type ContextStore interface {
	CreateContext(ctx context.Context, c Context) (int64, error)
	GetContext(ctx context.Context, id int64) (Context, error)
	ListContexts(ctx context.Context, owner string, unresolvedOnly bool) ([]Context, error)
	// ResolveContext reports false when the context was already resolved.
	ResolveContext(ctx context.Context, id int64, at time.Time) (bool, error)
}

type ScoreStore interface {
	GetScore(ctx context.Context, owner string) (Score, error)
	SaveScore(ctx context.Context, s Score) error
}

type DecisionStore interface {
	AppendDecision(ctx context.Context, d Decision) error
	ListDecisions(ctx context.Context, habitID int64, limit int) ([]Decision, error)
}

// BootstrapPlan lists what Bootstrap creates for one owner. CheckIns is
// called per inserted habit (with its ID set) inside the same transaction.
type BootstrapPlan struct {
	Owner    string
	At       time.Time
	Habits   []Habit
	CheckIns func(h Habit) ([]trigger.Trigger, error)
	Global   []trigger.Trigger
}

type BootstrapResult struct {
	Habits   []Habit
	Triggers []int64
}

type OwnerStore interface {
	Bootstrapped(ctx context.Context, owner string) (time.Time, bool, error)
	// Bootstrap creates the plan atomically and marks the owner. A second
	// call for the same owner returns ErrAlreadyBootstrapped.
	Bootstrap(ctx context.Context, plan BootstrapPlan) (BootstrapResult, error)
}

// Store is every repository the goals services use.
type Store interface {
	HabitStore
	ProgressStore
	ContextStore
	ScoreStore
	DecisionStore
	OwnerStore
}
