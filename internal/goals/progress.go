package goals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/apperr"
	"cadence/internal/eventbus"
	logx "cadence/pkg/logx"
)

// streakHorizon bounds how far back a streak walk looks.
const streakHorizon = 365

type Progress struct {
	habits   HabitStore
	store    ProgressStore
	contexts *Contexts
	clock    clock
	bus      eventbus.Bus
	log      logx.Logger
}

// Log records the day's outcome for a habit. The latest write for a
// (habit, day) wins; replaying a SourceKey is acknowledged as a duplicate.
func (p *Progress) Log(ctx context.Context, req LogRequest) (Ack, error) {
	if req.HabitID <= 0 {
		return Ack{}, apperr.Validationf("habit_id", "required")
	}
	h, err := p.habits.GetHabit(ctx, req.HabitID)
	if err != nil {
		return Ack{}, err
	}
	if req.OwnerID != "" && req.OwnerID != h.OwnerID {
		return Ack{}, apperr.NotFound("habit", req.HabitID)
	}
	today := p.clock.today()
	day := p.clock.orToday(req.Date)
	if day.After(today) {
		return Ack{}, apperr.Validationf("date", "%s is in the future", day.Format("2006-01-02"))
	}

	e := Entry{
		HabitID:        h.ID,
		Date:           day,
		Completed:      req.Completed,
		Excuse:         strings.TrimSpace(req.Excuse),
		ExcuseCategory: strings.ToLower(strings.TrimSpace(req.ExcuseCategory)),
		Snippet:        strings.TrimSpace(req.Snippet),
		SourceKey:      strings.TrimSpace(req.SourceKey),
		LoggedAt:       p.clock.now(),
	}
	dup, err := p.store.UpsertEntry(ctx, e)
	if err != nil {
		return Ack{}, fmt.Errorf("log progress: %w", err)
	}
	ack := Ack{HabitID: h.ID, Date: day, Completed: req.Completed, Duplicate: dup}
	if dup {
		p.log.Debug("progress replay ignored", logx.Int64("habit_id", h.ID), logx.String("source", e.SourceKey))
		return ack, nil
	}
	p.log.Info("progress logged",
		logx.Int64("habit_id", h.ID),
		logx.String("day", day.Format("2006-01-02")),
		logx.Bool("completed", req.Completed),
		logx.String("excuse_category", e.ExcuseCategory),
	)
	publish(p.bus, eventbus.ProgressLogged, eventbus.GoalEvent{Owner: h.OwnerID, HabitID: h.ID, Detail: day.Format("2006-01-02")})
	return ack, nil
}

// Logged reports whether the habit has any entry for day.
func (p *Progress) Logged(ctx context.Context, habitID int64, day time.Time) (bool, error) {
	day = p.clock.orToday(day)
	es, err := p.store.Entries(ctx, habitID, day, day)
	if err != nil {
		return false, err
	}
	return len(es) > 0, nil
}

// Statistics summarizes the windowDays days ending today. The completion
// rate is over logged, non-excluded days; the streak follows streakOf.
func (p *Progress) Statistics(ctx context.Context, habitID int64, windowDays int, today time.Time) (Stats, error) {
	if windowDays <= 0 {
		windowDays = 14
	}
	h, err := p.habits.GetHabit(ctx, habitID)
	if err != nil {
		return Stats{}, err
	}
	today = p.clock.orToday(today)
	hist, err := p.history(ctx, h, today.AddDate(0, 0, -streakHorizon), today)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{HabitID: h.ID, HabitName: h.Name, Current: h.CurrentFrequency, Target: h.TargetFrequency}
	from := today.AddDate(0, 0, -(windowDays - 1))
	for d := from; !d.After(today); d = d.AddDate(0, 0, 1) {
		if hist.excluded[d] {
			st.Excluded++
			continue
		}
		e, ok := hist.byDay[d]
		if !ok {
			continue
		}
		st.Logged++
		if e.Completed {
			st.Completed++
		}
	}
	if st.Logged > 0 {
		st.CompletionRate = float64(st.Completed) / float64(st.Logged)
	}
	st.CurrentStreak = hist.streak(today, today.AddDate(0, 0, -streakHorizon))
	return st, nil
}

// habitHistory is a habit's entries and excluded days over a day range.
type habitHistory struct {
	byDay    map[time.Time]Entry
	excluded map[time.Time]bool
}

func (p *Progress) history(ctx context.Context, h Habit, from, to time.Time) (habitHistory, error) {
	entries, err := p.store.Entries(ctx, h.ID, from, to)
	if err != nil {
		return habitHistory{}, err
	}
	excluded, err := p.contexts.ExcludedDays(ctx, h.ID, h.OwnerID, from, to)
	if err != nil {
		return habitHistory{}, err
	}
	byDay := make(map[time.Time]Entry, len(entries))
	for _, e := range entries {
		byDay[AsDay(e.Date)] = e
	}
	return habitHistory{byDay: byDay, excluded: excluded}, nil
}

// streak walks back from today. Excluded days are skipped, today without an
// entry is still pending, and the first other non-completed day ends it.
func (hh habitHistory) streak(today, floor time.Time) int {
	n := 0
	for d := today; !d.Before(floor); d = d.AddDate(0, 0, -1) {
		if hh.excluded[d] {
			continue
		}
		e, ok := hh.byDay[d]
		if !ok && d.Equal(today) {
			continue
		}
		if !ok || !e.Completed {
			break
		}
		n++
	}
	return n
}

// rate is completed/eligible over [from, to], skipping excluded days. When
// loggedOnly is set, unlogged days do not count as eligible.
func (hh habitHistory) rate(from, to time.Time, loggedOnly bool) (rate float64, completed, eligible, excluded int) {
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if hh.excluded[d] {
			excluded++
			continue
		}
		e, ok := hh.byDay[d]
		if !ok && loggedOnly {
			continue
		}
		eligible++
		if ok && e.Completed {
			completed++
		}
	}
	if eligible > 0 {
		rate = float64(completed) / float64(eligible)
	}
	return rate, completed, eligible, excluded
}
