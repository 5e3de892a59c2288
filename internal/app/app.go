package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/agent"
	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/goals"
	"cadence/internal/observability/debug"
	"cadence/internal/router"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/storage"
	"cadence/internal/task/engine"
	"cadence/internal/task/scheduler"
	"cadence/internal/task/trigger"
	logx "cadence/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.SQLite

	triggers *trigger.Service
	goals    *goals.Service
	roster   *agent.Roster
	runtime  *agent.Runtime
	router   *router.Router
	engine   *engine.Service
	sched    *scheduler.Service
	debug    *debug.Service
}

// Option adjusts the wiring before any component is built.
type Option func(*options)

type options struct {
	sink router.Coordinator
	now  func() time.Time
}

// WithCoordinator delivers reports to c instead of the Reports channel.
func WithCoordinator(c router.Coordinator) Option {
	return func(o *options) { o.sink = c }
}

// WithClock overrides the wall clock of the goals components and the scheduler.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	agentCfg, err := mapAgentsConfig(cfg)
	if err != nil {
		return fail(err)
	}
	routerCfg, err := mapRouterConfig(cfg)
	if err != nil {
		return fail(err)
	}
	goalsCfg, err := mapGoalsConfig(cfg)
	if err != nil {
		return fail(err)
	}
	goalsCfg.Now = o.now
	debugCfg, err := mapDebugConfig(cfg)
	if err != nil {
		return fail(err)
	}

	triggers := trigger.NewService(store, schedCfg.Timezone, log.With(logx.String("comp", "triggers")), bus)
	goalsSvc := goals.New(store, triggers, goalsCfg, log.With(logx.String("comp", "goals")), bus)

	roster := agent.NewRoster(store, store, log.With(logx.String("comp", "roster")))
	planner := &agent.DirectivePlanner{
		Timezone: schedCfg.Timezone,
		Now:      o.now,
		Log:      log.With(logx.String("comp", "planner")),
	}
	runtime := agent.NewRuntime(agentCfg, roster, planner, agent.GoalsRegistry(goalsSvc, triggers),
		log.With(logx.String("comp", "agents")), bus)

	rt := router.New(routerCfg, router.Deps{
		Triggers: triggers,
		Goals:    goalsSvc,
		Agents:   runtime,
		Dedup:    store,
		Sink:     o.sink,
		Bus:      bus,
	}, log.With(logx.String("comp", "router")))

	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	schedSvc := scheduler.New(schedCfg, scheduler.Deps{
		Store:   store,
		Engine:  engineSvc,
		Agents:  runtime,
		Reports: rt,
		Bus:     bus,
		Now:     o.now,
	}, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		triggers: triggers,
		goals:    goalsSvc,
		roster:   roster,
		runtime:  runtime,
		router:   rt,
		engine:   engineSvc,
		sched:    schedSvc,
	}
	a.debug = debug.New(debugCfg, a.Status, log.With(logx.String("comp", "debug")))
	return a, nil
}

// Status is the document served by the debug server.
type Status struct {
	Scheduler   scheduler.Snapshot   `json:"scheduler"`
	Engine      engine.Snapshot      `json:"engine"`
	Deliveries  []router.HistoryItem `json:"deliveries"`
	Supervisors []rtsup.Stats        `json:"supervisors"`
}

func (a *App) Status(context.Context) any {
	st := Status{
		Scheduler:  a.sched.Snapshot(),
		Engine:     a.engine.Snapshot(),
		Deliveries: a.router.Snapshot(),
	}
	if a.sup != nil {
		st.Supervisors = a.sup.Snapshot()
	}
	return st
}

func (a *App) Router() *router.Router { return a.router }

func (a *App) Goals() *goals.Service { return a.goals }

func (a *App) Triggers() *trigger.Service { return a.triggers }

func (a *App) Config() *Config { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Close releases the store and log sinks of an app that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// Bootstrap gives owner the default habits and triggers unless they already
// have some.
func (a *App) Bootstrap(ctx context.Context, owner string) (goals.BootstrapResult, bool, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return goals.BootstrapResult{}, false, fmt.Errorf("owner required")
	}
	return a.goals.Bootstrapper.Bootstrap(ctx, owner)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(ValidateConfig)

	// Agents must be known before the first claim round hands them fires.
	a.runtime.Start(a.sup.Context())
	rep, err := a.roster.Resume(a.sup.Context())
	if err != nil {
		return fmt.Errorf("resume agents: %w", err)
	}
	if len(rep.Reset) > 0 {
		a.log.Warn("agents reset after unclean shutdown", logx.Any("agents", rep.Reset))
	}
	if len(rep.Owning) > 0 {
		a.log.Info("agents restored", logx.Any("triggers", rep.Owning))
	}

	cfg := a.cfgm.Get()
	if cfg.Goals.Bootstrap {
		res, created, err := a.Bootstrap(a.sup.Context(), cfg.Goals.Owner)
		switch {
		case err != nil:
			return fmt.Errorf("bootstrap %s: %w", cfg.Goals.Owner, err)
		case created:
			a.log.Info("owner bootstrapped",
				logx.String("owner", cfg.Goals.Owner),
				logx.Int("habits", len(res.Habits)),
				logx.Int("triggers", len(res.Triggers)))
		default:
			a.log.Debug("owner already bootstrapped", logx.String("owner", cfg.Goals.Owner))
		}
	}

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	a.router.Start(a.sup.Context())
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level to avoid noise for frequent triggers.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	changes, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubCfg()
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case ch, ok := <-changes:
				if !ok {
					return
				}
				// Coalesce bursts into one change from what was last applied.
				newCfg := ch.New
			drain:
				for {
					select {
					case newer, ok := <-changes:
						if !ok {
							break drain
						}
						newCfg = newer.New
					default:
						break drain
					}
				}
				a.applyConfig(c, config.Diff(lastApplied, newCfg))
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(c context.Context, ch config.Change) {
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	newCfg := ch.New
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range ch.Restart {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}

	if err := a.logs.Apply(mapLoggingConfig(newCfg)); err != nil {
		a.log.Warn("log file disabled", logx.Err(err))
	}

	if ac, err := mapAgentsConfig(newCfg); err != nil {
		a.log.Warn("invalid agents config; keeping previous", logx.Err(err))
	} else {
		a.runtime.Apply(ac)
	}
	if rc, err := mapRouterConfig(newCfg); err != nil {
		a.log.Warn("invalid router config; keeping previous", logx.Err(err))
	} else {
		a.router.Apply(rc)
	}

	prevSchedEnabled := a.sched.Enabled()
	prevEngEnabled := a.engine.Enabled()

	newEngCfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, newEngCfg)
	}
	newSchedCfg, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(newSchedCfg)
	}

	if dc, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(c, dc)
	}

	newSchedEnabled := a.sched.Enabled()
	newEngEnabled := a.engine.Enabled()

	// enable/disable services on the fly (scheduler first on shutdown; engine first on startup)
	if prevSchedEnabled && !newSchedEnabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEngEnabled && !newEngEnabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEngEnabled && newEngEnabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
	if !prevSchedEnabled && newSchedEnabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Claims are released by in-flight fires, so the scheduler stops before
	// the engine and the agents, and the store closes last.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "agents", 2*time.Second, a.runtime.Stop)
	a.step(ctx, "router", 2*time.Second, func(c context.Context) error { a.router.Stop(c); return nil })
	a.step(ctx, "debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs a shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem <= 0 {
				max = 0
			} else if rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
