package goals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/apperr"
	"cadence/internal/task/recurrence"
	"cadence/internal/task/trigger"
	logx "cadence/pkg/logx"
)

// refreshHour is the owner-local hour context refresh check-ins fire at.
const refreshHour = 10

type Contexts struct {
	store    ContextStore
	triggers Triggers
	clock    clock
	tz       string
	log      logx.Logger
}

// Create stores a life context. With a positive cadence it also schedules a
// recurring context_refresh trigger starting the next day.
func (m *Contexts) Create(ctx context.Context, n NewContext) (Context, error) {
	owner := strings.TrimSpace(n.OwnerID)
	if owner == "" {
		return Context{}, apperr.Validationf("owner", "required")
	}
	if !n.Type.Valid() {
		return Context{}, apperr.Validationf("type", "unknown %q", n.Type)
	}
	start := m.clock.orToday(n.Start)
	var end time.Time
	if !n.ExpectedEnd.IsZero() {
		end = AsDay(n.ExpectedEnd)
		if !end.After(start) {
			return Context{}, apperr.Validationf("expected_end", "must be after start")
		}
	}
	cadence := n.CadenceDays
	if cadence == 0 {
		cadence = n.Type.defaultCadence()
	}
	if cadence < 0 {
		cadence = 0
	}

	c := Context{
		OwnerID:     owner,
		Type:        n.Type,
		Description: strings.TrimSpace(n.Description),
		Start:       start,
		ExpectedEnd: end,
		CadenceDays: cadence,
		HabitIDs:    dedupIDs(n.HabitIDs),
		CreatedAt:   m.clock.now(),
	}
	id, err := m.store.CreateContext(ctx, c)
	if err != nil {
		return Context{}, fmt.Errorf("create context: %w", err)
	}
	c.ID = id
	m.log.Info("context created",
		logx.Int64("context_id", id),
		logx.String("owner", owner),
		logx.String("type", string(c.Type)),
		logx.Int("habits", len(c.HabitIDs)),
		logx.Int("cadence_days", cadence),
	)

	if cadence > 0 && m.triggers != nil {
		if _, err := m.triggers.Create(ctx, m.refreshSpec(c)); err != nil {
			// The context stands; only its reminders are missing.
			m.log.Warn("context refresh trigger failed", logx.Int64("context_id", id), logx.Err(err))
		}
	}
	return c, nil
}

func (m *Contexts) refreshSpec(c Context) trigger.Spec {
	next := m.clock.today().AddDate(0, 0, 1)
	loc := m.clock.loc
	start := time.Date(next.Year(), next.Month(), next.Day(), refreshHour, 0, 0, 0, loc)
	text := fmt.Sprintf("Context check-in: %s", c.Description)
	if c.Description == "" {
		text = fmt.Sprintf("Context check-in: %s", c.Type)
	}
	return trigger.Spec{
		OwnerID:     c.OwnerID,
		ContextID:   c.ID,
		Kind:        trigger.KindContextRefresh,
		Recurrence:  recurrence.Daily(c.CadenceDays, refreshHour, 0),
		Timezone:    m.tz,
		Start:       start,
		Payload:     text,
		TargetAgent: TrackerAgent,
	}
}

func (m *Contexts) Get(ctx context.Context, id int64) (Context, error) {
	return m.store.GetContext(ctx, id)
}

// Active returns the owner's unresolved contexts.
func (m *Contexts) Active(ctx context.Context, owner string) ([]Context, error) {
	return m.store.ListContexts(ctx, owner, true)
}

// Resolve closes a context and retires its refresh triggers. Resolving an
// already resolved context is a no-op.
func (m *Contexts) Resolve(ctx context.Context, id int64) (Context, error) {
	changed, err := m.store.ResolveContext(ctx, id, m.clock.now())
	if err != nil {
		return Context{}, err
	}
	c, err := m.store.GetContext(ctx, id)
	if err != nil {
		return Context{}, err
	}
	if !changed {
		return c, nil
	}
	retired := 0
	if m.triggers != nil {
		retired, err = m.triggers.CompleteForContext(ctx, id)
		if err != nil {
			return c, fmt.Errorf("retire refresh triggers: %w", err)
		}
	}
	m.log.Info("context resolved", logx.Int64("context_id", id), logx.Int("triggers_retired", retired))
	return c, nil
}

// AutoResolveExpired resolves unresolved contexts whose expected end is
// before today and returns them.
func (m *Contexts) AutoResolveExpired(ctx context.Context, owner string, today time.Time) ([]Context, error) {
	today = m.clock.orToday(today)
	open, err := m.store.ListContexts(ctx, owner, true)
	if err != nil {
		return nil, err
	}
	var out []Context
	for _, c := range open {
		if c.ExpectedEnd.IsZero() || !c.ExpectedEnd.Before(today) {
			continue
		}
		rc, err := m.Resolve(ctx, c.ID)
		if err != nil {
			return out, err
		}
		out = append(out, rc)
	}
	return out, nil
}

// Excluded reports whether day is excused for habitID.
func (m *Contexts) Excluded(ctx context.Context, habitID int64, day time.Time, owner string) (bool, error) {
	day = AsDay(day)
	set, err := m.ExcludedDays(ctx, habitID, owner, day, day)
	if err != nil {
		return false, err
	}
	return set[day], nil
}

// ExcludedDays returns the excused days for habitID within [from, to].
func (m *Contexts) ExcludedDays(ctx context.Context, habitID int64, owner string, from, to time.Time) (map[time.Time]bool, error) {
	open, err := m.store.ListContexts(ctx, owner, true)
	if err != nil {
		return nil, err
	}
	from, to = AsDay(from), AsDay(to)
	out := map[time.Time]bool{}
	for _, c := range open {
		for d := maxDay(from, c.Start); !d.After(to); d = d.AddDate(0, 0, 1) {
			if !c.Covers(habitID, d) {
				break
			}
			out[d] = true
		}
	}
	return out, nil
}

func maxDay(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func dedupIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
