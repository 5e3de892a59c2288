package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"cadence/internal/agent"
	"cadence/internal/eventbus"
	"cadence/internal/goals"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/task/trigger"
	logx "cadence/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("router disabled")
	ErrQueueFull = errors.New("router queue full")
	ErrStopped   = errors.New("router stopped")
)

// Triggers is the trigger service surface the router exposes.
type Triggers interface {
	Create(ctx context.Context, spec trigger.Spec) (int64, error)
	Pause(ctx context.Context, id int64) error
}

// Invoker starts agent invocations.
type Invoker interface {
	Invoke(ctx context.Context, name string, in agent.Instruction) *agent.Handle
}

type Deps struct {
	Triggers Triggers
	Goals    *goals.Service
	Agents   Invoker
	Dedup    DedupStore
	// Sink receives reports; nil delivers to the Reports channel.
	Sink Coordinator
	Bus  eventbus.Bus
}

// Router is safe for concurrent use.
type Router struct {
	mu sync.Mutex

	log  logx.Logger
	deps Deps
	sink Coordinator

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Report
	reports  chan Report
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:   log,
		deps:  deps,
		dedup: map[string]time.Time{},
	}
	r.applyLocked(cfg)
	r.reports = make(chan Report, r.cfg.QueueSize)
	r.sink = deps.Sink
	if r.sink == nil {
		r.sink = chanSink(r.reports)
	}
	return r
}

// Reports carries delivered reports when no Coordinator sink is configured.
func (r *Router) Reports() <-chan Report { return r.reports }

func (r *Router) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Enabled
}

func (r *Router) Apply(cfg Config) {
	r.mu.Lock()
	r.applyLocked(cfg)
	r.mu.Unlock()
}

func (r *Router) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}
	r.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Supervisor returns the router's supervisor, nil when not started.
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sup
}

func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stopDone != nil {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		r.mu.Lock()
	}
	if r.queue != nil || !r.cfg.Enabled {
		r.mu.Unlock()
		return
	}

	r.queue = make(chan Report, r.cfg.QueueSize)
	r.accepting = true
	workers := r.cfg.Workers
	if r.cfg.PersistDedup && r.deps.Dedup != nil {
		r.persistCh = make(chan dedupWrite, 1024)
	}
	r.sup = rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		// Delivery problems must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch := r.sup, r.queue, r.persistCh
	r.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			r.persistLoop(c, pch)
			return r.loopExit(c, "router persist loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			r.workerLoop(c, q)
			return r.loopExit(c, "router worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	r.log.Info("router started", logx.Int("workers", workers))
}

// loopExit classifies a loop return: clean during shutdown, an error
// otherwise so the supervisor restarts it.
func (r *Router) loopExit(c context.Context, msg string) error {
	r.mu.Lock()
	stopping := r.stopDone != nil
	r.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New(msg)
}

// Stop refuses new reports and drains the queue until ctx ends.
func (r *Router) Stop(ctx context.Context) {
	r.mu.Lock()
	q, pch, sup := r.queue, r.persistCh, r.sup
	if q == nil {
		r.mu.Unlock()
		return
	}
	if r.stopDone != nil {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	r.stopDone = done
	r.accepting = false
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
			sup.Cancel()
		}
		r.mu.Lock()
		r.queue = nil
		r.persistCh = nil
		r.stopDone = nil
		r.sup = nil
		r.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		<-done
	}
	r.log.Info("router stopped")
}

// Submit queues a report for delivery. A report whose invocation was already
// reported inside the dedup window is dropped silently.
func (r *Router) Submit(ctx context.Context, rep Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if !r.cfg.Enabled {
		r.mu.Unlock()
		return ErrDisabled
	}
	if !r.accepting || r.queue == nil {
		r.mu.Unlock()
		return ErrStopped
	}
	q := r.queue
	window, maxEntries, persist := r.cfg.DedupWindow, r.cfg.DedupMaxEntries, r.cfg.PersistDedup
	pch := r.persistCh
	r.sendWG.Add(1)
	r.mu.Unlock()
	defer r.sendWG.Done()

	if rep.At.IsZero() {
		rep.At = time.Now()
	}
	var (
		key   string
		until time.Time
	)
	if k := dedupKey(rep); window > 0 && k != "" {
		u, ok := r.dedupReserve(ctx, k, window, maxEntries, persist)
		if !ok {
			r.log.Debug("report deduplicated", logx.String("invocation", rep.InvocationID))
			r.publish(eventbus.ReportDeduped, rep, nil)
			return nil
		}
		key, until = k, u
	}

	select {
	case q <- rep:
		if key != "" {
			r.dedupCommit(key, until, pch)
		}
		r.publish(eventbus.ReportQueued, rep, nil)
		return nil
	default:
		if key != "" {
			r.dedupRelease(key, until)
		}
		r.publish(eventbus.ReportDropped, rep, ErrQueueFull)
		return ErrQueueFull
	}
}

func (r *Router) Snapshot() []HistoryItem {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	return append([]HistoryItem(nil), r.history...)
}

func (r *Router) appendHistory(text string) {
	r.hmu.Lock()
	r.history = append(r.history, HistoryItem{At: time.Now(), Text: text})
	if len(r.history) > 300 {
		r.history = r.history[len(r.history)-300:]
	}
	r.hmu.Unlock()
}

func (r *Router) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := r.deps.Dedup.PutDedup(cctx, w.key, w.until); err != nil {
				r.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (r *Router) workerLoop(ctx context.Context, q <-chan Report) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep, ok := <-q:
			if !ok {
				return
			}
			r.deliverWithRetry(ctx, rep)
		}
	}
}

func (r *Router) deliverWithRetry(ctx context.Context, rep Report) {
	r.mu.Lock()
	cfg, lim, sink := r.cfg, r.limiter, r.sink
	r.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sink.Deliver(callCtx, rep)
		cancel()
		if err == nil {
			r.appendHistory(rep.String())
			r.publish(eventbus.ReportDelivered, rep, nil)
			return
		}
		lastErr = err
		r.log.Debug("report delivery failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	r.log.Warn("report dropped", logx.String("invocation", rep.InvocationID), logx.String("agent", rep.Agent), logx.Err(lastErr))
	r.publish(eventbus.ReportDropped, rep, lastErr)
}

func (r *Router) publish(typ string, rep Report, err error) {
	if r.deps.Bus == nil {
		return
	}
	ev := eventbus.ReportEvent{InvocationID: rep.InvocationID, Agent: rep.Agent, Status: string(rep.Status)}
	if err != nil {
		ev.Error = err.Error()
	}
	r.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7-1.3
// jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	return min(max(d, 0), cfg.RetryMaxDelay)
}

type chanSink chan Report

func (c chanSink) Deliver(ctx context.Context, r Report) error {
	select {
	case c <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
