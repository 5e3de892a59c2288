package goals_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cadence/internal/apperr"
	"cadence/internal/goals"
	"cadence/internal/storage"
	"cadence/internal/task/trigger"
	logx "cadence/pkg/logx"
)

// 2026-10-15 is a Thursday.
var today = time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

type fixture struct {
	st       *storage.SQLite
	svc      *goals.Service
	triggers *trigger.Service
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "goals.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{st: st, now: today.Add(12 * time.Hour)}
	f.triggers = trigger.NewService(st, "UTC", logx.Nop(), nil)
	f.svc = goals.New(st, f.triggers, goals.Config{
		Location: time.UTC,
		Now:      func() time.Time { return f.now },
	}, logx.Nop(), nil)
	return f
}

// habitStartedAt creates a habit and backdates its progression anchor.
func (f *fixture) habitStartedAt(t *testing.T, target int, anchor time.Time) goals.Habit {
	t.Helper()
	ctx := context.Background()
	h, err := f.svc.Habits.Create(ctx, goals.NewHabit{OwnerID: "ana", Name: "Run", TargetFrequency: target, CheckInTime: "08:00"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.ProgressionStart = anchor
	if err := f.st.UpdateHabit(ctx, h); err != nil {
		t.Fatalf("UpdateHabit: %v", err)
	}
	return h
}

func (f *fixture) log(t *testing.T, habitID int64, day time.Time, completed bool) {
	t.Helper()
	_, err := f.svc.Progress.Log(context.Background(), goals.LogRequest{HabitID: habitID, Date: day, Completed: completed})
	if err != nil {
		t.Fatalf("Log %s: %v", day.Format("2006-01-02"), err)
	}
}

func TestStartingFrequency(t *testing.T) {
	t.Parallel()
	want := map[int]int{1: 1, 2: 1, 3: 1, 4: 2, 5: 2, 6: 3, 7: 3}
	for target, exp := range want {
		got := goals.StartingFrequency(target)
		if got != exp {
			t.Fatalf("StartingFrequency(%d) = %d, want %d", target, got, exp)
		}
		if got < 1 || got > target {
			t.Fatalf("StartingFrequency(%d) = %d out of [1,%d]", target, got, target)
		}
	}
}

func TestHabitValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	neg := -5
	tests := []struct {
		name string
		in   goals.NewHabit
	}{
		{"empty name", goals.NewHabit{OwnerID: "ana", Name: "  ", TargetFrequency: 3}},
		{"target zero", goals.NewHabit{OwnerID: "ana", Name: "Run", TargetFrequency: 0}},
		{"target eight", goals.NewHabit{OwnerID: "ana", Name: "Run", TargetFrequency: 8}},
		{"bad clock", goals.NewHabit{OwnerID: "ana", Name: "Run", TargetFrequency: 3, CheckInTime: "25:00"}},
		{"negative delay", goals.NewHabit{OwnerID: "ana", Name: "Run", TargetFrequency: 3, FollowUpDelay: &neg}},
		{"no owner", goals.NewHabit{Name: "Run", TargetFrequency: 3}},
	}
	for _, tc := range tests {
		if _, err := f.svc.Habits.Create(ctx, tc.in); !apperr.IsValidation(err) {
			t.Fatalf("%s: err = %v, want ValidationError", tc.name, err)
		}
	}
	if hs, _ := f.svc.Habits.List(ctx, "ana", false); len(hs) != 0 {
		t.Fatalf("invalid habits were persisted: %d", len(hs))
	}
}

func TestHabitUpdateKeepsBounds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	h, _ := f.svc.Habits.Create(ctx, goals.NewHabit{OwnerID: "ana", Name: "Run", TargetFrequency: 7})
	if h.CurrentFrequency != 3 || h.CheckInTime != goals.CheckInAnytime || h.FollowUpDelay != goals.DefaultFollowUpDelay {
		t.Fatalf("created habit = %+v", h)
	}

	two := 2
	h, err := f.svc.Habits.Update(ctx, h.ID, goals.HabitPatch{TargetFrequency: &two})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if h.TargetFrequency != 2 || h.CurrentFrequency != 2 {
		t.Fatalf("after lowering target: %+v", h)
	}
	five := 5
	if _, err := f.svc.Habits.Update(ctx, h.ID, goals.HabitPatch{CurrentFrequency: &five}); !apperr.IsValidation(err) {
		t.Fatalf("current above target: err = %v", err)
	}
	if _, err := f.svc.Habits.Update(ctx, 999, goals.HabitPatch{}); !apperr.IsNotFound(err) {
		t.Fatalf("unknown habit: err = %v", err)
	}

	if err := f.svc.Habits.SoftDelete(ctx, h.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if active, _ := f.svc.Habits.List(ctx, "ana", true); len(active) != 0 {
		t.Fatalf("soft-deleted habit still active")
	}
}

func TestDueForCheckIn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	morning, _ := f.svc.Habits.Create(ctx, goals.NewHabit{OwnerID: "ana", Name: "Run", TargetFrequency: 3, CheckInTime: "08:00"})
	evening, _ := f.svc.Habits.Create(ctx, goals.NewHabit{OwnerID: "ana", Name: "Read", TargetFrequency: 3, CheckInTime: "21:00"})
	anytime, _ := f.svc.Habits.Create(ctx, goals.NewHabit{OwnerID: "ana", Name: "Stretch", TargetFrequency: 3, CheckInTime: "anytime"})
	f.log(t, anytime.ID, today, true)

	due, err := f.svc.Habits.DueForCheckIn(ctx, "ana", "12:00", today)
	if err != nil {
		t.Fatalf("DueForCheckIn: %v", err)
	}
	if len(due) != 1 || due[0].ID != morning.ID {
		t.Fatalf("due at noon = %+v, want only %d", due, morning.ID)
	}
	due, _ = f.svc.Habits.DueForCheckIn(ctx, "ana", "", today)
	if len(due) != 2 || due[1].ID != evening.ID {
		t.Fatalf("due end of day = %+v", due)
	}
}

func TestProgressLastWriteWinsAndReplay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	h, _ := f.svc.Habits.Create(ctx, goals.NewHabit{OwnerID: "ana", Name: "Run", TargetFrequency: 3})

	req := goals.LogRequest{HabitID: h.ID, Completed: false, SourceKey: "trigger:1@2026-10-15T08:00:00Z"}
	if ack, err := f.svc.Progress.Log(ctx, req); err != nil || ack.Duplicate || !ack.Date.Equal(today) {
		t.Fatalf("first log: %+v %v", ack, err)
	}
	req.Completed = true
	if ack, _ := f.svc.Progress.Log(ctx, req); !ack.Duplicate {
		t.Fatalf("replay not detected")
	}
	req.SourceKey = "chat:77"
	if ack, _ := f.svc.Progress.Log(ctx, req); ack.Duplicate {
		t.Fatalf("new source treated as replay")
	}
	st, err := f.svc.Progress.Statistics(ctx, h.ID, 7, today)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if st.Completed != 1 || st.Logged != 1 || st.CompletionRate != 1 {
		t.Fatalf("stats = %+v", st)
	}

	if _, err := f.svc.Progress.Log(ctx, goals.LogRequest{HabitID: h.ID, Date: today.AddDate(0, 0, 1)}); !apperr.IsValidation(err) {
		t.Fatalf("future day: err = %v", err)
	}
	if _, err := f.svc.Progress.Log(ctx, goals.LogRequest{HabitID: 404}); !apperr.IsNotFound(err) {
		t.Fatalf("unknown habit: err = %v", err)
	}
}

func TestStreak(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		// days back from today -> completed; missing days are unlogged
		log  map[int]bool
		sick [2]int // excluded [from, to) as days back, zero value means none
		want int
	}{
		{"pending today", map[int]bool{1: true, 2: true, 3: false}, [2]int{}, 2},
		{"today done", map[int]bool{0: true, 1: true}, [2]int{}, 2},
		{"today missed", map[int]bool{0: false, 1: true}, [2]int{}, 0},
		{"gap breaks", map[int]bool{1: true, 3: true}, [2]int{}, 1},
		{"excluded skipped", map[int]bool{1: true, 4: true, 5: true, 6: false}, [2]int{3, 1}, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := context.Background()
			h, _ := f.svc.Habits.Create(ctx, goals.NewHabit{OwnerID: "ana", Name: "Run", TargetFrequency: 7})
			for back, done := range tc.log {
				f.log(t, h.ID, today.AddDate(0, 0, -back), done)
			}
			if tc.sick != [2]int{} {
				_, err := f.svc.Contexts.Create(ctx, goals.NewContext{
					OwnerID: "ana", Type: goals.ContextSick, CadenceDays: -1,
					Start: today.AddDate(0, 0, -tc.sick[0]), ExpectedEnd: today.AddDate(0, 0, -tc.sick[1]),
					HabitIDs: []int64{h.ID},
				})
				if err != nil {
					t.Fatalf("context: %v", err)
				}
			}
			st, err := f.svc.Progress.Statistics(ctx, h.ID, 14, today)
			if err != nil {
				t.Fatalf("Statistics: %v", err)
			}
			if st.CurrentStreak != tc.want {
				t.Fatalf("streak = %d, want %d", st.CurrentStreak, tc.want)
			}
		})
	}
}

func TestProgressionIncreaseScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	h := f.habitStartedAt(t, 7, today.AddDate(0, 0, -14))

	// 13 of 14 days completed.
	for back := 0; back < 14; back++ {
		f.log(t, h.ID, today.AddDate(0, 0, -back), back != 5)
	}
	d, err := f.svc.Progression.Evaluate(ctx, h.ID, today)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Verdict != goals.VerdictIncrease || d.From != 3 || d.To != 5 {
		t.Fatalf("decision = %+v, want increase 3->5", d)
	}
	if d.Completed != 13 || d.Eligible != 14 || d.Rate < 0.92 || d.Rate > 0.93 {
		t.Fatalf("decision numbers = %+v", d)
	}
	got, _ := f.svc.Habits.Get(ctx, h.ID)
	if got.CurrentFrequency != 5 || !got.ProgressionStart.Equal(today) {
		t.Fatalf("habit after increase = %+v", got)
	}

	// The anchor moved: the next evaluation is too early.
	d, _ = f.svc.Progression.Evaluate(ctx, h.ID, today.AddDate(0, 0, 3))
	if d.Verdict != goals.VerdictTooEarly {
		t.Fatalf("after reset = %s, want too_early", d.Verdict)
	}
	decisions, _ := f.st.ListDecisions(ctx, h.ID, 10)
	if len(decisions) != 2 {
		t.Fatalf("audit trail has %d decisions, want 2", len(decisions))
	}
}

func TestProgressionSickDaysExcluded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	h := f.habitStartedAt(t, 7, today.AddDate(0, 0, -20))
	windowStart := today.AddDate(0, 0, -13)

	// Days 5-8 of the window (1-based) are sick days and left unlogged. The
	// other ten are all completed.
	sickFrom, sickTo := windowStart.AddDate(0, 0, 4), windowStart.AddDate(0, 0, 8)
	for d := windowStart; !d.After(today); d = d.AddDate(0, 0, 1) {
		if !d.Before(sickFrom) && d.Before(sickTo) {
			continue
		}
		f.log(t, h.ID, d, true)
	}
	if _, err := f.svc.Contexts.Create(ctx, goals.NewContext{
		OwnerID: "ana", Type: goals.ContextSick, Start: sickFrom, ExpectedEnd: sickTo, HabitIDs: []int64{h.ID},
	}); err != nil {
		t.Fatalf("context: %v", err)
	}

	d, err := f.svc.Progression.Evaluate(ctx, h.ID, today)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Excluded != 4 || d.Eligible != 10 || d.Completed != 10 || d.Rate != 1 {
		t.Fatalf("decision = %+v, want 10/10 with 4 excluded", d)
	}
	st, _ := f.svc.Progress.Statistics(ctx, h.ID, 14, today)
	// The streak runs through the excused days to the start of the window.
	if st.CurrentStreak != 10 {
		t.Fatalf("streak = %d, want 10", st.CurrentStreak)
	}
}

func TestProgressionRules(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		target   int
		current  int
		done     int
		verdict  goals.Verdict
		to       int
		atTarget bool
	}{
		{"maintain mid band", 7, 3, 9, goals.VerdictMaintain, 3, false},
		{"decrease", 7, 3, 4, goals.VerdictDecrease, 2, false},
		{"floor at one", 3, 1, 0, goals.VerdictMaintain, 1, false},
		{"cap at target", 4, 3, 14, goals.VerdictIncrease, 4, false},
		{"already at target", 4, 4, 14, goals.VerdictMaintain, 4, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := context.Background()
			h := f.habitStartedAt(t, tc.target, today.AddDate(0, 0, -30))
			h.CurrentFrequency = tc.current
			if err := f.st.UpdateHabit(ctx, h); err != nil {
				t.Fatalf("UpdateHabit: %v", err)
			}
			for back := 0; back < 14; back++ {
				f.log(t, h.ID, today.AddDate(0, 0, -back), back < tc.done)
			}
			d, err := f.svc.Progression.Evaluate(ctx, h.ID, today)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if d.Verdict != tc.verdict || d.To != tc.to || d.AtTarget != tc.atTarget {
				t.Fatalf("decision = %+v", d)
			}
			if d.Rate >= 0.8 && d.To < d.From {
				t.Fatalf("high rate decreased frequency")
			}
			if d.Rate < 0.5 && d.To > d.From {
				t.Fatalf("low rate increased frequency")
			}
		})
	}
}

func TestProgressionTooEarly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.habitStartedAt(t, 5, today.AddDate(0, 0, -9))
	d, err := f.svc.Progression.Evaluate(context.Background(), h.ID, today)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Verdict != goals.VerdictTooEarly || d.WeeksCompleted != 1 || d.Changed() {
		t.Fatalf("decision = %+v", d)
	}
}

func TestProgressionUnloggedDaysAreMisses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	h := f.habitStartedAt(t, 7, today.AddDate(0, 0, -20))

	// Six completions, eight days never logged.
	for back := 0; back < 6; back++ {
		f.log(t, h.ID, today.AddDate(0, 0, -back), true)
	}
	d, err := f.svc.Progression.Evaluate(ctx, h.ID, today)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Eligible != 14 || d.Completed != 6 || d.Excluded != 0 {
		t.Fatalf("decision numbers = %+v, want 6/14", d)
	}
	if d.Verdict != goals.VerdictDecrease || d.To != 2 {
		t.Fatalf("decision = %+v, want decrease 3->2", d)
	}
}

func TestProgressionFullyExcusedWindowIsTooEarly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	h := f.habitStartedAt(t, 7, today.AddDate(0, 0, -20))
	windowStart := today.AddDate(0, 0, -13)

	if _, err := f.svc.Contexts.Create(ctx, goals.NewContext{
		OwnerID: "ana", Type: goals.ContextSick, Start: windowStart, ExpectedEnd: today.AddDate(0, 0, 1), HabitIDs: []int64{h.ID},
	}); err != nil {
		t.Fatalf("context: %v", err)
	}
	d, err := f.svc.Progression.Evaluate(ctx, h.ID, today)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Verdict != goals.VerdictTooEarly || d.Eligible != 0 || d.Excluded != 14 || d.Changed() {
		t.Fatalf("decision = %+v, want too_early with 14 excluded", d)
	}
}

func TestFrequencyStaysInBounds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	h := f.habitStartedAt(t, 6, today.AddDate(0, 0, -200))

	// Alternate long good and bad stretches; evaluate every two weeks.
	day := today.AddDate(0, 0, -180)
	for cycle := 0; cycle < 12; cycle++ {
		good := cycle%3 != 2
		for i := 0; i < 14; i++ {
			f.log(t, h.ID, day, good)
			day = day.AddDate(0, 0, 1)
		}
		f.now = day.Add(-12 * time.Hour)
		d, err := f.svc.Progression.Evaluate(ctx, h.ID, day.AddDate(0, 0, -1))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d.To < 1 || d.To > 6 {
			t.Fatalf("cycle %d: frequency %d out of bounds", cycle, d.To)
		}
	}
}

func TestContextsLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	h, _ := f.svc.Habits.Create(ctx, goals.NewHabit{OwnerID: "ana", Name: "Run", TargetFrequency: 3})

	c, err := f.svc.Contexts.Create(ctx, goals.NewContext{
		OwnerID: "ana", Type: goals.ContextTravel, Start: today.AddDate(0, 0, -3), ExpectedEnd: today.AddDate(0, 0, -1),
		HabitIDs: []int64{h.ID, h.ID},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.CadenceDays != 2 || len(c.HabitIDs) != 1 {
		t.Fatalf("context = %+v", c)
	}
	refresh, _ := f.st.ListByContext(ctx, c.ID)
	if len(refresh) != 1 || refresh[0].Kind != trigger.KindContextRefresh || refresh[0].TargetAgent != goals.TrackerAgent {
		t.Fatalf("refresh triggers = %+v", refresh)
	}
	want := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	if !refresh[0].NextFireAt.Equal(want) {
		t.Fatalf("refresh first fire = %v, want %v", refresh[0].NextFireAt, want)
	}

	ex, _ := f.svc.Contexts.Excluded(ctx, h.ID, today.AddDate(0, 0, -2), "ana")
	if !ex {
		t.Fatalf("day inside context not excluded")
	}
	ex, _ = f.svc.Contexts.Excluded(ctx, h.ID, today.AddDate(0, 0, -1), "ana")
	if ex {
		t.Fatalf("end day is exclusive")
	}

	resolved, err := f.svc.Contexts.AutoResolveExpired(ctx, "ana", today)
	if err != nil {
		t.Fatalf("AutoResolveExpired: %v", err)
	}
	if len(resolved) != 1 || !resolved[0].Resolved {
		t.Fatalf("auto-resolved = %+v", resolved)
	}
	refresh, _ = f.st.ListByContext(ctx, c.ID)
	if refresh[0].Status != trigger.StatusCompleted {
		t.Fatalf("refresh trigger status = %s, want completed", refresh[0].Status)
	}
	if ex, _ := f.svc.Contexts.Excluded(ctx, h.ID, today.AddDate(0, 0, -2), "ana"); ex {
		t.Fatalf("resolved context still excludes days")
	}
	if active, _ := f.svc.Contexts.Active(ctx, "ana"); len(active) != 0 {
		t.Fatalf("active contexts = %d", len(active))
	}
}

func TestScoreBreakdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Scorer.Calculate(ctx, "ana", today)
	if err != nil || b.Total != 50 {
		t.Fatalf("no habits: %+v %v", b, err)
	}

	h, _ := f.svc.Habits.Create(ctx, goals.NewHabit{OwnerID: "ana", Name: "Run", TargetFrequency: 4}) // current 2
	for back := 0; back < 7; back++ {
		f.log(t, h.ID, today.AddDate(0, 0, -back), true)
	}
	_, _ = f.svc.Progress.Log(ctx, goals.LogRequest{HabitID: h.ID, Date: today.AddDate(0, 0, -8), ExcuseCategory: "sick", Excuse: "flu"})
	_, _ = f.svc.Progress.Log(ctx, goals.LogRequest{HabitID: h.ID, Date: today.AddDate(0, 0, -9), ExcuseCategory: "other", Excuse: "lazy"})

	b, err = f.svc.Scorer.Calculate(ctx, "ana", today)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	checks := []struct {
		name      string
		got, want float64
	}{
		{"completion", b.Completion, 1 * 0.5 * 40},
		{"streak", b.Streak, 7.0 / 30 * 20},
		{"progression", b.Progression, 0.5 * 15},
		{"excuse grace", b.ExcuseGrace, 0.5 * 10},
		{"trend", b.Trend, 15},
	}
	for _, c := range checks {
		if diff := c.got - c.want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if b.Total != 100 {
		t.Fatalf("total = %v, want clamped 100", b.Total)
	}
}

func TestScoreHistoryPeakMonotone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	h, _ := f.svc.Habits.Create(ctx, goals.NewHabit{OwnerID: "ana", Name: "Run", TargetFrequency: 3})

	peak := 0.0
	for day := 0; day < 100; day++ {
		d := today.AddDate(0, 0, day)
		f.now = d.Add(20 * time.Hour)
		f.log(t, h.ID, d, day%4 != 0 && day < 50)
		b, err := f.svc.Scorer.UpdateHistory(ctx, "ana", d, "daily", "")
		if err != nil {
			t.Fatalf("UpdateHistory: %v", err)
		}
		if b.Total < 0 || b.Total > 100 {
			t.Fatalf("score %v out of range", b.Total)
		}
		if b.Peak < peak {
			t.Fatalf("peak decreased from %v to %v", peak, b.Peak)
		}
		peak = b.Peak
	}
	sc, err := f.svc.Scorer.Get(ctx, "ana")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(sc.History) != 90 {
		t.Fatalf("history length = %d, want 90", len(sc.History))
	}
	if sc.Peak != peak {
		t.Fatalf("stored peak %v, want %v", sc.Peak, peak)
	}
}

func TestBootstrapIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	res, created, err := f.svc.Bootstrapper.Bootstrap(ctx, "ana")
	if err != nil || !created {
		t.Fatalf("first bootstrap: created=%v err=%v", created, err)
	}
	defaults := goals.BuiltinDefaults()
	if len(res.Habits) != len(defaults) || len(res.Triggers) != len(defaults)+1 {
		t.Fatalf("result = %d habits, %d triggers", len(res.Habits), len(res.Triggers))
	}
	ts, _ := f.st.ListByOwner(ctx, "ana")
	weekly := 0
	for _, tr := range ts {
		if tr.Kind == trigger.KindWeeklyProgression {
			weekly++
			if tr.TargetAgent != goals.TrackerAgent {
				t.Fatalf("weekly trigger agent = %q", tr.TargetAgent)
			}
			// Sunday 2026-10-18 23:00 UTC.
			if want := time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC); !tr.NextFireAt.Equal(want) {
				t.Fatalf("weekly next fire = %v, want %v", tr.NextFireAt, want)
			}
		}
	}
	if weekly != 1 {
		t.Fatalf("weekly triggers = %d", weekly)
	}

	_, created, err = f.svc.Bootstrapper.Bootstrap(ctx, "ana")
	if err != nil || created {
		t.Fatalf("second bootstrap: created=%v err=%v", created, err)
	}
	hs, _ := f.svc.Habits.List(ctx, "ana", false)
	if len(hs) != len(defaults) {
		t.Fatalf("habits after rerun = %d, want %d", len(hs), len(defaults))
	}
}

func TestBootstrapSkipsOwnerWithHabits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.svc.Habits.Create(ctx, goals.NewHabit{OwnerID: "bo", Name: "Swim", TargetFrequency: 2})

	_, created, err := f.svc.Bootstrapper.Bootstrap(ctx, "bo")
	if err != nil || created {
		t.Fatalf("bootstrap: created=%v err=%v", created, err)
	}
	hs, _ := f.svc.Habits.List(ctx, "bo", false)
	if len(hs) != 1 {
		t.Fatalf("habits = %d, want 1", len(hs))
	}
	if _, ok, _ := f.st.Bootstrapped(ctx, "bo"); !ok {
		t.Fatalf("owner not marked")
	}
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()
	good := []byte(`
habits:
  - name: Exercise
    target_frequency: 5
    check_in_time: "07:30"
  - name: Read
    target_frequency: 7
    check_in_time: anytime
    follow_up_delay_minutes: 30
`)
	hs, err := goals.ParseDefaults(good)
	if err != nil {
		t.Fatalf("ParseDefaults: %v", err)
	}
	if len(hs) != 2 || *hs[1].FollowUpDelay != 30 || hs[0].FollowUpDelay != nil {
		t.Fatalf("parsed = %+v", hs)
	}
	if _, err := goals.ParseDefaults([]byte(`{"habits":[{"name":"Run","target_frequency":5,"check_in_time":"08:00"}]}`)); err != nil {
		t.Fatalf("json input: %v", err)
	}

	bad := map[string]string{
		"no habits key": "other: 1\n",
		"bad target":    "habits:\n  - name: X\n    target_frequency: 9\n    check_in_time: anytime\n",
		"unknown field": "habits:\n  - name: X\n    target_frequency: 3\n    check_in_time: anytime\n    color: red\n",
		"empty":         "",
	}
	for name, in := range bad {
		if _, err := goals.ParseDefaults([]byte(in)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
