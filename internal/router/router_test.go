package router_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cadence/internal/agent"
	"cadence/internal/router"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu   sync.Mutex
	got  []router.Report
	seen chan router.Report
	gate chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan router.Report, 64)}
}

func (c *recorder) Deliver(ctx context.Context, r router.Report) error {
	c.seen <- r
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.got = append(c.got, r)
	c.mu.Unlock()
	return nil
}

func (c *recorder) reports() []router.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]router.Report(nil), c.got...)
}

func testConfig() router.Config {
	return router.Config{
		Enabled:     true,
		Workers:     1,
		QueueSize:   8,
		RatePerSec:  100,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}
}

func startRouter(t *testing.T, cfg router.Config, deps router.Deps) *router.Router {
	t.Helper()
	r := router.New(cfg, deps, logx.Nop())
	r.Start(context.Background())
	t.Cleanup(func() { stopRouter(r) })
	return r
}

func stopRouter(r *router.Router) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Stop(ctx)
}

func openStore(t *testing.T) *storage.SQLite {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "router.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestReportString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rep  router.Report
		want string
	}{
		{"success", router.Report{Agent: "coach", Status: router.StatusSuccess, Payload: "done"}, "[SUCCESS] coach: done"},
		{"failure", router.Report{Agent: "coach", Status: router.StatusFailed, Reason: "turn_limit"}, "[FAILED] coach: turn_limit"},
		{"retryable", router.Report{Agent: "coach", Status: router.StatusFailed, Reason: "timeout", Retryable: true}, "[FAILED] coach: timeout (retryable)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.rep.String(); got != tc.want {
				t.Fatalf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSubmitDeliversOncePerInvocation(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	r := router.New(testConfig(), router.Deps{Sink: rec}, logx.Nop())
	r.Start(context.Background())

	ctx := context.Background()
	for _, id := range []string{"inv-1", "inv-1", "inv-2"} {
		rep := router.Report{InvocationID: id, Agent: "coach", Status: router.StatusSuccess, Payload: "hello " + id}
		if err := r.Submit(ctx, rep); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	stopRouter(r)

	var ids []string
	for _, rep := range rec.reports() {
		ids = append(ids, rep.InvocationID)
	}
	if diff := cmp.Diff([]string{"inv-1", "inv-2"}, ids); diff != "" {
		t.Fatalf("delivered mismatch (-want +got):\n%s", diff)
	}
	if n := len(r.Snapshot()); n != 2 {
		t.Fatalf("history = %d, want 2", n)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	cfg := testConfig()
	cfg.PersistDedup = true
	ctx := context.Background()
	rep := router.Report{InvocationID: "inv-9", Agent: "coach", Status: router.StatusSuccess, Payload: "once"}

	first := newRecorder()
	r1 := router.New(cfg, router.Deps{Sink: first, Dedup: st}, logx.Nop())
	r1.Start(ctx)
	if err := r1.Submit(ctx, rep); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stopRouter(r1)
	if len(first.reports()) != 1 {
		t.Fatalf("first router delivered %d reports, want 1", len(first.reports()))
	}
	if _, ok, err := st.GetDedup(ctx, "report:inv-9"); err != nil || !ok {
		t.Fatalf("GetDedup = %v %v, want persisted window", ok, err)
	}

	second := newRecorder()
	r2 := router.New(cfg, router.Deps{Sink: second, Dedup: st}, logx.Nop())
	r2.Start(ctx)
	if err := r2.Submit(ctx, rep); err != nil {
		t.Fatalf("Submit after restart: %v", err)
	}
	stopRouter(r2)
	if n := len(second.reports()); n != 0 {
		t.Fatalf("second router delivered %d reports, want 0", n)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	rec.gate = make(chan struct{})
	cfg := testConfig()
	cfg.QueueSize = 1
	r := startRouter(t, cfg, router.Deps{Sink: rec})
	ctx := context.Background()

	submit := func(id string) error {
		return r.Submit(ctx, router.Report{InvocationID: id, Agent: "coach", Status: router.StatusSuccess, Payload: "x"})
	}
	if err := submit("a"); err != nil {
		t.Fatalf("Submit(a): %v", err)
	}
	select {
	case <-rec.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the first report")
	}
	if err := submit("b"); err != nil {
		t.Fatalf("Submit(b): %v", err)
	}
	if err := submit("c"); !errors.Is(err, router.ErrQueueFull) {
		t.Fatalf("Submit(c) = %v, want ErrQueueFull", err)
	}
	close(rec.gate)
}

func TestSubmitAfterQueueFullDelivers(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	rec := newRecorder()
	rec.gate = make(chan struct{})
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.PersistDedup = true
	r := startRouter(t, cfg, router.Deps{Sink: rec, Dedup: st})
	ctx := context.Background()

	submit := func(id string) error {
		return r.Submit(ctx, router.Report{InvocationID: id, Agent: "coach", Status: router.StatusFailed, Reason: "timeout"})
	}
	waitSeen := func(id string) {
		t.Helper()
		for {
			select {
			case rep := <-rec.seen:
				if rep.InvocationID == id {
					return
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("report %s never reached the sink", id)
			}
		}
	}
	if err := submit("a"); err != nil {
		t.Fatalf("Submit(a): %v", err)
	}
	waitSeen("a")
	if err := submit("b"); err != nil {
		t.Fatalf("Submit(b): %v", err)
	}
	if err := submit("c"); !errors.Is(err, router.ErrQueueFull) {
		t.Fatalf("Submit(c) = %v, want ErrQueueFull", err)
	}
	if _, ok, _ := st.GetDedup(ctx, "report:c"); ok {
		t.Fatalf("dropped report c was recorded as delivered")
	}

	close(rec.gate)
	waitSeen("b")
	if err := submit("c"); err != nil {
		t.Fatalf("resubmit of c: %v", err)
	}
	waitSeen("c")
}

func TestSubmitDisabledAndStopped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rep := router.Report{InvocationID: "inv", Agent: "coach", Status: router.StatusSuccess, Payload: "x"}

	cfg := testConfig()
	cfg.Enabled = false
	off := router.New(cfg, router.Deps{}, logx.Nop())
	off.Start(ctx)
	if err := off.Submit(ctx, rep); !errors.Is(err, router.ErrDisabled) {
		t.Fatalf("disabled Submit = %v, want ErrDisabled", err)
	}

	r := router.New(testConfig(), router.Deps{Sink: newRecorder()}, logx.Nop())
	if err := r.Submit(ctx, rep); !errors.Is(err, router.ErrStopped) {
		t.Fatalf("Submit before Start = %v, want ErrStopped", err)
	}
	r.Start(ctx)
	stopRouter(r)
	if err := r.Submit(ctx, rep); !errors.Is(err, router.ErrStopped) {
		t.Fatalf("Submit after Stop = %v, want ErrStopped", err)
	}
}

func TestDeliveryRetries(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	sink := coordinatorFunc(func(ctx context.Context, r router.Report) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("coordinator busy")
		}
		return nil
	})
	cfg := testConfig()
	cfg.RetryMax = 2
	r := router.New(cfg, router.Deps{Sink: sink}, logx.Nop())
	r.Start(context.Background())
	if err := r.Submit(context.Background(), router.Report{InvocationID: "inv", Agent: "coach", Status: router.StatusFailed, Reason: "timeout"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stopRouter(r)

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if h := r.Snapshot(); len(h) != 1 || h[0].Text != "[FAILED] coach: timeout" {
		t.Fatalf("history = %+v", h)
	}
}

type coordinatorFunc func(ctx context.Context, r router.Report) error

func (f coordinatorFunc) Deliver(ctx context.Context, r router.Report) error { return f(ctx, r) }

func TestAgentReports(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	r := router.New(testConfig(), router.Deps{Sink: rec}, logx.Nop())
	r.Start(context.Background())
	ctx := context.Background()

	if err := r.AgentReports(ctx, "coach", "inv-empty", agent.Success{}); err != nil {
		t.Fatalf("AgentReports(empty): %v", err)
	}
	if err := r.AgentReports(ctx, "coach", "inv-fail", agent.Failure{Reason: agent.ReasonTurnLimit}); err != nil {
		t.Fatalf("AgentReports(failure): %v", err)
	}
	if err := r.AgentReports(ctx, "coach", "inv-ok", agent.Success{Payload: "3 habits logged"}); err != nil {
		t.Fatalf("AgentReports(success): %v", err)
	}
	stopRouter(r)

	var got []string
	for _, rep := range rec.reports() {
		got = append(got, rep.String())
	}
	want := []string{"[FAILED] coach: turn_limit", "[SUCCESS] coach: 3 habits logged"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reports mismatch (-want +got):\n%s", diff)
	}
}

func TestInvokeAgentRelaysResult(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	roster := agent.NewRoster(st, st, logx.Nop())
	planner := agent.PlannerFunc(func(ctx context.Context, in agent.Instruction, history []agent.Turn) (agent.Step, error) {
		return agent.Step{Final: agent.Success{Payload: "relayed " + in.Text}}, nil
	})
	rt := agent.NewRuntime(agent.Config{}, roster, planner, agent.Registry{}, logx.Nop(), nil)
	rt.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})

	rec := newRecorder()
	r := startRouter(t, testConfig(), router.Deps{Agents: rt, Sink: rec})

	h := r.InvokeAgent(context.Background(), "coach", agent.Instruction{Text: "ping"})
	select {
	case rep := <-rec.seen:
		if rep.InvocationID != h.ID || rep.String() != "[SUCCESS] coach: relayed ping" {
			t.Fatalf("report = %+v", rep)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("result was not relayed")
	}
}

func TestReportFor(t *testing.T) {
	t.Parallel()

	if _, ok := router.ReportFor("coach", "inv", agent.Success{}); ok {
		t.Fatal("empty success should not produce a report")
	}
	rep, ok := router.ReportFor("coach", "inv", agent.Failure{Reason: agent.ReasonTimeout, Retryable: true})
	if !ok || rep.Status != router.StatusFailed || !rep.Retryable || rep.InvocationID != "inv" {
		t.Fatalf("ReportFor(failure) = %+v %v", rep, ok)
	}
}
