package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"cadence/internal/apperr"
	"cadence/internal/eventbus"
	rtsup "cadence/internal/runtime/supervisor"
	logx "cadence/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	MaxRounds     int
	InvokeTimeout time.Duration
	// ParallelCalls bounds concurrent capability calls within one round.
	ParallelCalls int
}

func withConfigDefaults(cfg Config) Config {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 8
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 2 * time.Minute
	}
	if cfg.ParallelCalls <= 0 {
		cfg.ParallelCalls = 4
	}
	return cfg
}

// Runtime runs agent invocations in the background.
type Runtime struct {
	mu      sync.Mutex
	cfg     Config
	sup     *rtsup.Supervisor
	running map[string]int

	roster   *Roster
	planner  Planner
	registry Registry
	log      logx.Logger
	bus      eventbus.Bus
}

func NewRuntime(cfg Config, roster *Roster, planner Planner, registry Registry, log logx.Logger, bus eventbus.Bus) *Runtime {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runtime{
		cfg:      withConfigDefaults(cfg),
		running:  map[string]int{},
		roster:   roster,
		planner:  planner,
		registry: registry,
		log:      log,
		bus:      bus,
	}
}

// Apply swaps the limits used by invocations started afterwards.
func (r *Runtime) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = withConfigDefaults(cfg)
	r.mu.Unlock()
}

func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return
	}
	r.sup = rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
}

// Stop refuses new invocations and waits for running ones until ctx ends,
// then cancels them.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	defer sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
		return err
	}
	return nil
}

// Invoke starts an invocation of the named agent. ctx bounds the invocation
// together with the configured invoke timeout.
func (r *Runtime) Invoke(ctx context.Context, name string, in Instruction) *Handle {
	if in.InvocationID == "" {
		in.InvocationID = uuid.NewString()
	}
	in.Agent = name
	h := newHandle(in.InvocationID, name)
	if err := validName(name); err != nil {
		h.finish(Failure{Reason: err.Error()})
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup == nil {
		h.finish(Failure{Reason: ReasonStopped, Retryable: true})
		return h
	}
	cfg := r.cfg
	r.sup.Go0("invoke."+name, func(supCtx context.Context) {
		// Resolves the handle if run panics; a no-op otherwise.
		defer h.finish(Failure{Reason: "invocation aborted"})
		h.finish(r.run(ctx, supCtx, cfg, name, in))
	})
	return h
}

func (r *Runtime) run(ctx, supCtx context.Context, cfg Config, name string, in Instruction) Result {
	start := time.Now()
	log := r.log.With(logx.String("agent", name), logx.String("invocation", in.InvocationID))

	ictx, cancel := context.WithTimeout(ctx, cfg.InvokeTimeout)
	defer cancel()
	stop := context.AfterFunc(supCtx, cancel)
	defer stop()

	a, err := r.roster.GetOrCreate(ictx, name)
	if err != nil {
		log.Warn("agent lookup failed", logx.Err(err))
		return failureFor(ictx, err)
	}
	if a.State == StateArchived {
		return Failure{Reason: ReasonArchived}
	}

	r.enter(ictx, name, log)
	defer r.leave(name, log)
	r.publish(eventbus.AgentInvoked, eventbus.AgentEvent{Agent: name, InvocationID: in.InvocationID})

	rounds := 0
	res := r.drive(ictx, cfg, in, &rounds, log)

	ev := eventbus.AgentEvent{Agent: name, InvocationID: in.InvocationID, Rounds: rounds, Took: time.Since(start)}
	switch v := res.(type) {
	case Success:
		ev.OK = true
		log.Info("invocation succeeded", logx.Int("rounds", rounds), logx.Duration("took", ev.Took))
	case Failure:
		ev.Reason = v.Reason
		log.Warn("invocation failed",
			logx.String("reason", v.Reason),
			logx.Bool("retryable", v.Retryable),
			logx.Int("rounds", rounds),
			logx.Duration("took", ev.Took),
		)
	}
	r.publish(eventbus.AgentCompleted, ev)
	return res
}

// drive consults the planner until it returns a Result or a limit is hit.
func (r *Runtime) drive(ctx context.Context, cfg Config, in Instruction, rounds *int, log logx.Logger) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("invocation panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			res = Failure{Reason: fmt.Sprintf("panic: %v", p)}
		}
	}()

	var (
		history []Turn
		sent    []string
	)
	for {
		if ctx.Err() != nil {
			return failureFor(ctx, ctx.Err())
		}
		if *rounds >= cfg.MaxRounds {
			return Failure{Reason: ReasonTurnLimit}
		}
		*rounds++

		step, err := r.planner.Plan(ctx, in, history)
		if err != nil {
			return failureFor(ctx, fmt.Errorf("plan: %w", err))
		}
		if step.Final != nil {
			if s, ok := step.Final.(Success); ok && s.Payload == "" {
				s.Payload = strings.Join(sent, "\n")
				return s
			}
			return step.Final
		}
		if len(step.Calls) == 0 {
			return Failure{Reason: "planner returned neither calls nor a result"}
		}
		turn := r.execute(ctx, cfg, step.Calls, &sent, log)
		if ctx.Err() != nil {
			return failureFor(ctx, ctx.Err())
		}
		history = append(history, turn)
	}
}

// execute runs one round. SendResult calls are collected in order; the
// others run concurrently.
func (r *Runtime) execute(ctx context.Context, cfg Config, caps []Capability, sent *[]string, log logx.Logger) Turn {
	calls := make([]Call, len(caps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.ParallelCalls)
	for i, c := range caps {
		calls[i].Capability = c
		if sr, ok := c.(SendResult); ok {
			if t := strings.TrimSpace(sr.Text); t != "" {
				*sent = append(*sent, t)
			}
			continue
		}
		g.Go(func() error {
			calls[i].Value, calls[i].Err = r.call(gctx, c)
			if calls[i].Err != nil {
				log.Debug("capability failed", logx.String("capability", string(c.Kind())), logx.Err(calls[i].Err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return Turn{Calls: calls}
}

func (r *Runtime) call(ctx context.Context, c Capability) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("capability %s panicked: %v", c.Kind(), p)
		}
	}()
	return r.registry.Call(ctx, c)
}

func (r *Runtime) enter(ctx context.Context, name string, log logx.Logger) {
	r.mu.Lock()
	r.running[name]++
	first := r.running[name] == 1
	r.mu.Unlock()
	if first {
		if err := r.roster.MarkActive(ctx, name); err != nil {
			log.Warn("mark agent running failed", logx.Err(err))
		}
	}
}

func (r *Runtime) leave(name string, log logx.Logger) {
	r.mu.Lock()
	r.running[name]--
	last := r.running[name] <= 0
	if last {
		delete(r.running, name)
	}
	r.mu.Unlock()
	if !last {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.roster.MarkIdle(ctx, name); err != nil {
		log.Warn("mark agent idle failed", logx.Err(err))
	}
}

func (r *Runtime) publish(typ string, ev eventbus.AgentEvent) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

// failureFor maps an error to a Failure. Invalid input and missing records
// are permanent; deadlines and transient errors are retryable.
func failureFor(ctx context.Context, err error) Failure {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Failure{Reason: ReasonTimeout, Retryable: true}
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return Failure{Reason: ReasonCanceled, Retryable: true}
	case apperr.IsValidation(err) || apperr.IsNotFound(err):
		return Failure{Reason: err.Error()}
	default:
		return Failure{Reason: err.Error(), Retryable: true}
	}
}
