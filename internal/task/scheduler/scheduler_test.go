package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cadence/internal/agent"
	"cadence/internal/router"
	"cadence/internal/storage"
	"cadence/internal/task/engine"
	"cadence/internal/task/recurrence"
	"cadence/internal/task/trigger"
	logx "cadence/pkg/logx"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu  sync.Mutex
	got []router.Report
}

func (r *recorder) Deliver(ctx context.Context, rep router.Report) error {
	r.mu.Lock()
	r.got = append(r.got, rep)
	r.mu.Unlock()
	return nil
}

func (r *recorder) reports() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, rep := range r.got {
		out = append(out, rep.String())
	}
	return out
}

type harness struct {
	st          *storage.SQLite
	triggers    *trigger.Service
	sched       *Service
	rec         *recorder
	invocations atomic.Int32
}

// newHarness wires a store, agent runtime, task engine, router and
// scheduler. plan runs once per planner round.
func newHarness(t *testing.T, cfg Config, ecfg engine.Config, plan agent.PlannerFunc) *harness {
	t.Helper()
	h := &harness{rec: &recorder{}}

	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "sched.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	h.st = st
	h.triggers = trigger.NewService(st, "UTC", logx.Nop(), nil)

	counting := agent.PlannerFunc(func(ctx context.Context, in agent.Instruction, history []agent.Turn) (agent.Step, error) {
		if len(history) == 0 {
			h.invocations.Add(1)
		}
		return plan(ctx, in, history)
	})
	rt := agent.NewRuntime(agent.Config{InvokeTimeout: 5 * time.Second}, agent.NewRoster(st, st, logx.Nop()), counting, agent.Registry{}, logx.Nop(), nil)
	rt.Start(context.Background())
	shutdown(t, func(ctx context.Context) { _ = rt.Stop(ctx) })

	rtr := router.New(router.Config{Enabled: true, Workers: 1, RatePerSec: 100, DedupWindow: time.Minute}, router.Deps{Sink: h.rec}, logx.Nop())
	rtr.Start(context.Background())
	shutdown(t, rtr.Stop)

	ecfg.Enabled = true
	eng := engine.New(ecfg, logx.Nop(), nil)
	eng.Start(context.Background())
	shutdown(t, eng.Stop)

	cfg.Enabled = true
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	h.sched = New(cfg, Deps{Store: st, Engine: eng, Agents: rt, Reports: rtr}, logx.Nop())
	shutdown(t, h.sched.Stop)
	return h
}

// shutdown registers stop as a cleanup with a bounded context.
func shutdown(t *testing.T, stop func(ctx context.Context)) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stop(ctx)
	})
}

func reply(text string) agent.PlannerFunc {
	return func(ctx context.Context, in agent.Instruction, history []agent.Turn) (agent.Step, error) {
		return agent.Step{Final: agent.Success{Payload: text}}, nil
	}
}

func (h *harness) create(t *testing.T, spec trigger.Spec) int64 {
	t.Helper()
	if spec.OwnerID == "" {
		spec.OwnerID = "owner-1"
	}
	if spec.TargetAgent == "" {
		spec.TargetAgent = "coach"
	}
	if spec.Kind == "" {
		spec.Kind = trigger.KindOneOff
	}
	id, err := h.triggers.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func (h *harness) get(t *testing.T, id int64) trigger.Trigger {
	t.Helper()
	tr, err := h.st.GetTrigger(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTrigger: %v", err)
	}
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOneShotFiresOnceAndCompletes(t *testing.T) {
	h := newHarness(t, Config{}, engine.Config{Workers: 2}, reply("time to stretch"))
	id := h.create(t, trigger.Spec{Start: time.Now().Add(-time.Minute), Payload: "stretch"})
	h.sched.Start(context.Background())

	waitFor(t, "completion", func() bool { return h.get(t, id).Status == trigger.StatusCompleted })
	waitFor(t, "report", func() bool { return len(h.rec.reports()) == 1 })

	tr := h.get(t, id)
	if tr.FireCount != 1 || tr.ClaimToken != "" || tr.LastFiredAt.IsZero() {
		t.Fatalf("trigger after fire = %+v", tr)
	}
	if got := h.rec.reports()[0]; got != "[SUCCESS] coach: time to stretch" {
		t.Fatalf("report = %q", got)
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.invocations.Load(); n != 1 {
		t.Fatalf("invocations = %d, want 1", n)
	}
}

func TestFutureTriggerDoesNotFire(t *testing.T) {
	h := newHarness(t, Config{}, engine.Config{Workers: 1}, reply("early"))
	id := h.create(t, trigger.Spec{Start: time.Now().Add(time.Hour)})
	h.sched.Start(context.Background())

	time.Sleep(60 * time.Millisecond)
	if n := h.invocations.Load(); n != 0 {
		t.Fatalf("invocations = %d, want 0", n)
	}
	if tr := h.get(t, id); tr.Status != trigger.StatusActive || tr.FireCount != 0 {
		t.Fatalf("trigger = %+v", tr)
	}
}

func TestRecurringTriggerMovesForward(t *testing.T) {
	h := newHarness(t, Config{}, engine.Config{Workers: 1}, reply(""))
	anchor := time.Now().UTC().Add(-72 * time.Hour)
	rule := recurrence.Daily(1, anchor.Hour(), anchor.Minute())
	id := h.create(t, trigger.Spec{Kind: trigger.KindWeeklyProgression, Recurrence: rule, Start: anchor})
	before := h.get(t, id).NextFireAt
	h.sched.Start(context.Background())

	waitFor(t, "first fire", func() bool { return h.get(t, id).FireCount == 1 })
	tr := h.get(t, id)
	now := time.Now()
	if tr.Status != trigger.StatusActive {
		t.Fatalf("status = %s, want active", tr.Status)
	}
	if !tr.NextFireAt.After(before) || tr.NextFireAt.Before(now.Add(-time.Second)) {
		t.Fatalf("next fire %v not after previous %v and now %v", tr.NextFireAt, before, now)
	}
	if tr.NextFireAt.Sub(now) > 24*time.Hour+time.Minute {
		t.Fatalf("next fire %v skipped an occurrence", tr.NextFireAt)
	}

	time.Sleep(50 * time.Millisecond)
	if n := h.invocations.Load(); n != 1 {
		t.Fatalf("invocations = %d, want 1", n)
	}
	// Empty successes are not reported.
	if got := h.rec.reports(); len(got) != 0 {
		t.Fatalf("reports = %v, want none", got)
	}
}

func TestExhaustedRecurrenceCompletes(t *testing.T) {
	h := newHarness(t, Config{}, engine.Config{Workers: 1}, reply(""))
	start := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	rule := "FREQ=MINUTELY;COUNT=1"
	id := h.create(t, trigger.Spec{Recurrence: rule, Start: start})
	h.sched.Start(context.Background())

	waitFor(t, "completion", func() bool { return h.get(t, id).Status == trigger.StatusCompleted })
	if tr := h.get(t, id); tr.FireCount != 1 {
		t.Fatalf("fire count = %d, want 1", tr.FireCount)
	}
}

func TestPermanentFailureFailsTrigger(t *testing.T) {
	plan := func(ctx context.Context, in agent.Instruction, history []agent.Turn) (agent.Step, error) {
		return agent.Step{Final: agent.Failure{Reason: "habit missing"}}, nil
	}
	h := newHarness(t, Config{}, engine.Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond}, plan)
	id := h.create(t, trigger.Spec{Start: time.Now().Add(-time.Minute)})
	h.sched.Start(context.Background())

	waitFor(t, "failure", func() bool { return h.get(t, id).Status == trigger.StatusFailed })
	waitFor(t, "report", func() bool { return len(h.rec.reports()) == 1 })

	tr := h.get(t, id)
	if !strings.Contains(tr.LastError, "habit missing") {
		t.Fatalf("last error = %q", tr.LastError)
	}
	if n := h.invocations.Load(); n != 1 {
		t.Fatalf("invocations = %d, want 1 (no retry)", n)
	}
	if got := h.rec.reports()[0]; got != "[FAILED] coach: habit missing" {
		t.Fatalf("report = %q", got)
	}
}

func TestRetryableFailureRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	plan := func(ctx context.Context, in agent.Instruction, history []agent.Turn) (agent.Step, error) {
		if attempts.Add(1) < 3 {
			return agent.Step{Final: agent.Failure{Reason: "busy", Retryable: true}}, nil
		}
		return agent.Step{Final: agent.Success{Payload: "logged"}}, nil
	}
	h := newHarness(t, Config{}, engine.Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, plan)
	id := h.create(t, trigger.Spec{Start: time.Now().Add(-time.Minute)})
	h.sched.Start(context.Background())

	waitFor(t, "completion", func() bool { return h.get(t, id).Status == trigger.StatusCompleted })
	waitFor(t, "report", func() bool { return len(h.rec.reports()) == 1 })
	if n := h.invocations.Load(); n != 3 {
		t.Fatalf("invocations = %d, want 3", n)
	}
	if got := h.rec.reports(); got[0] != "[SUCCESS] coach: logged" {
		t.Fatalf("reports = %v", got)
	}
	if tr := h.get(t, id); tr.FireCount != 1 {
		t.Fatalf("fire count = %d, want 1", tr.FireCount)
	}
}

func TestReclaimWhileRunningDoesNotOverlap(t *testing.T) {
	release := make(chan struct{})
	plan := func(ctx context.Context, in agent.Instruction, history []agent.Turn) (agent.Step, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return agent.Step{}, ctx.Err()
		}
		return agent.Step{Final: agent.Success{Payload: "done"}}, nil
	}
	h := newHarness(t, Config{ClaimTimeout: 20 * time.Millisecond}, engine.Config{Workers: 2}, plan)
	id := h.create(t, trigger.Spec{Start: time.Now().Add(-time.Minute)})
	h.sched.Start(context.Background())

	waitFor(t, "re-claims", func() bool { return h.sched.Snapshot().Renewed >= 2 })
	if snap := h.sched.Snapshot(); len(snap.InFlight) != 1 || snap.InFlight[0].TriggerID != id {
		t.Fatalf("in flight = %+v", snap.InFlight)
	}
	close(release)

	waitFor(t, "completion", func() bool { return h.get(t, id).Status == trigger.StatusCompleted })
	if n := h.invocations.Load(); n != 1 {
		t.Fatalf("invocations = %d, want 1", n)
	}
	if tr := h.get(t, id); tr.FireCount != 1 {
		t.Fatalf("fire count = %d, want 1", tr.FireCount)
	}
}

func TestAgentConcurrencyCapsParallelFires(t *testing.T) {
	var cur, peak atomic.Int32
	plan := func(ctx context.Context, in agent.Instruction, history []agent.Turn) (agent.Step, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return agent.Step{Final: agent.Success{}}, nil
	}
	h := newHarness(t, Config{AgentConcurrency: 1}, engine.Config{Workers: 4}, plan)
	ids := []int64{
		h.create(t, trigger.Spec{Start: time.Now().Add(-time.Minute)}),
		h.create(t, trigger.Spec{Start: time.Now().Add(-time.Minute)}),
		h.create(t, trigger.Spec{Start: time.Now().Add(-time.Minute)}),
	}
	h.sched.Start(context.Background())

	for _, id := range ids {
		waitFor(t, "completion", func() bool { return h.get(t, id).Status == trigger.StatusCompleted })
	}
	if p := peak.Load(); p != 1 {
		t.Fatalf("peak fires for one agent = %d, want 1", p)
	}
	if got := h.sched.Snapshot().AgentConcurrency; got != 1 {
		t.Fatalf("snapshot agent concurrency = %d", got)
	}
}

func TestAgentTimeoutRetriesAfterBackoff(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	plan := func(ctx context.Context, in agent.Instruction, history []agent.Turn) (agent.Step, error) {
		mu.Lock()
		times = append(times, time.Now())
		n := len(times)
		mu.Unlock()
		if n == 1 {
			return agent.Step{Final: agent.Failure{Reason: agent.ReasonTimeout, Retryable: true}}, nil
		}
		return agent.Step{Final: agent.Success{Payload: "late"}}, nil
	}
	ecfg := engine.Config{Workers: 1, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: time.Second}
	h := newHarness(t, Config{TimeoutBackoff: 200 * time.Millisecond}, ecfg, plan)
	id := h.create(t, trigger.Spec{Start: time.Now().Add(-time.Minute)})
	h.sched.Start(context.Background())

	waitFor(t, "completion", func() bool { return h.get(t, id).Status == trigger.StatusCompleted })
	mu.Lock()
	defer mu.Unlock()
	if len(times) != 2 {
		t.Fatalf("attempts = %d, want 2", len(times))
	}
	// 20% jitter around the backoff.
	if gap := times[1].Sub(times[0]); gap < 150*time.Millisecond {
		t.Fatalf("retry after timeout came after %v, want about 200ms", gap)
	}
}

func TestPausedTriggerIsSkipped(t *testing.T) {
	h := newHarness(t, Config{}, engine.Config{Workers: 1}, reply("x"))
	id := h.create(t, trigger.Spec{Start: time.Now().Add(-time.Minute)})
	if err := h.triggers.Pause(context.Background(), id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	h.sched.Start(context.Background())

	time.Sleep(60 * time.Millisecond)
	if n := h.invocations.Load(); n != 0 {
		t.Fatalf("invocations = %d, want 0", n)
	}
	if err := h.triggers.Resume(context.Background(), id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "fire after resume", func() bool { return h.get(t, id).Status == trigger.StatusCompleted })
}

func TestEnqueueFailureReleasesClaim(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "release.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	svc := trigger.NewService(st, "UTC", logx.Nop(), nil)
	id, err := svc.Create(ctx, trigger.Spec{OwnerID: "o", Kind: trigger.KindOneOff, TargetAgent: "coach", Start: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	claimed, err := st.ClaimDue(ctx, time.Now(), 1, time.Hour)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue = %v %v", claimed, err)
	}

	// Never started: every enqueue fails.
	eng := engine.New(engine.Config{Enabled: true}, logx.Nop(), nil)
	s := New(Config{}, Deps{Store: st, Engine: eng}, logx.Nop())
	s.dispatch(claimed[0])

	tr, err := st.GetTrigger(ctx, id)
	if err != nil {
		t.Fatalf("GetTrigger: %v", err)
	}
	if tr.ClaimToken != "" || tr.Status != trigger.StatusActive || tr.FireCount != 0 {
		t.Fatalf("trigger after release = %+v", tr)
	}
	if snap := s.Snapshot(); snap.Released != 1 || len(snap.InFlight) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestNextFire(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Deps{}, logx.Nop())
	anchor := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	daily := recurrence.Daily(1, 9, 0)

	cases := []struct {
		name       string
		trig       trigger.Trigger
		now        time.Time
		wantNext   time.Time
		wantStatus trigger.Status
	}{
		{
			name:       "one-shot completes",
			trig:       trigger.Trigger{NextFireAt: anchor},
			now:        anchor,
			wantNext:   anchor,
			wantStatus: trigger.StatusCompleted,
		},
		{
			name:       "on time fire moves one day",
			trig:       trigger.Trigger{Recurrence: daily, Anchor: anchor, NextFireAt: anchor.AddDate(0, 0, 14), Timezone: "UTC"},
			now:        anchor.AddDate(0, 0, 14).Add(time.Second),
			wantNext:   anchor.AddDate(0, 0, 15),
			wantStatus: trigger.StatusActive,
		},
		{
			name:       "late fire skips missed occurrences",
			trig:       trigger.Trigger{Recurrence: daily, Anchor: anchor, NextFireAt: anchor, Timezone: "UTC"},
			now:        anchor.AddDate(0, 0, 3).Add(2 * time.Hour),
			wantNext:   anchor.AddDate(0, 0, 4),
			wantStatus: trigger.StatusActive,
		},
		{
			name:       "early clock still advances",
			trig:       trigger.Trigger{Recurrence: daily, Anchor: anchor, NextFireAt: anchor.AddDate(0, 0, 1), Timezone: "UTC"},
			now:        anchor,
			wantNext:   anchor.AddDate(0, 0, 2),
			wantStatus: trigger.StatusActive,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			next, status := s.nextFire(tc.trig, tc.now)
			if !next.Equal(tc.wantNext) || status != tc.wantStatus {
				t.Fatalf("nextFire = %v %s, want %v %s", next, status, tc.wantNext, tc.wantStatus)
			}
		})
	}
}
