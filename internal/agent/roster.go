package agent

import (
	"context"
	"strings"
	"time"

	"cadence/internal/apperr"
	logx "cadence/pkg/logx"
)

// TriggerCounter reports how many live triggers target each agent.
type TriggerCounter interface {
	CountActiveByAgent(ctx context.Context) (map[string]int, error)
}

// Roster creates, tracks and archives named agents.
type Roster struct {
	store    Store
	triggers TriggerCounter
	log      logx.Logger
	now      func() time.Time
}

func NewRoster(store Store, triggers TriggerCounter, log logx.Logger) *Roster {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Roster{store: store, triggers: triggers, log: log, now: time.Now}
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.Validationf("agent", "name required")
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return apperr.Validationf("agent", "name %q contains whitespace", name)
	}
	return nil
}

// GetOrCreate returns the named agent, creating it idle on first reference.
func (r *Roster) GetOrCreate(ctx context.Context, name string) (Agent, error) {
	if err := validName(name); err != nil {
		return Agent{}, err
	}
	a, created, err := r.store.GetOrCreateAgent(ctx, name, r.now())
	if err != nil {
		return Agent{}, err
	}
	if created {
		r.log.Info("agent created", logx.String("agent", name))
	}
	return a, nil
}

func (r *Roster) Get(ctx context.Context, name string) (Agent, error) {
	return r.store.GetAgent(ctx, name)
}

// MarkActive moves the agent to running and bumps its last-active time.
func (r *Roster) MarkActive(ctx context.Context, name string) error {
	return r.store.SetAgentState(ctx, name, StateRunning, r.now())
}

func (r *Roster) MarkIdle(ctx context.Context, name string) error {
	return r.store.SetAgentState(ctx, name, StateIdle, r.now())
}

// Archive retires an agent. Archived agents are kept but refuse invocations.
func (r *Roster) Archive(ctx context.Context, name string) error {
	if err := r.store.SetAgentState(ctx, name, StateArchived, r.now()); err != nil {
		return err
	}
	r.log.Info("agent archived", logx.String("agent", name))
	return nil
}

func (r *Roster) List(ctx context.Context) ([]Agent, error) {
	return r.store.ListAgents(ctx)
}

// ResumeReport describes the roster after a restart.
type ResumeReport struct {
	// Reset lists agents that were running when the process stopped.
	Reset []string
	// Owning maps agents to their live trigger count.
	Owning map[string]int
}

// Resume resets agents left running by a crash to idle and makes sure every
// agent that still owns live triggers exists.
func (r *Roster) Resume(ctx context.Context) (ResumeReport, error) {
	reset, err := r.store.ResetRunning(ctx)
	if err != nil {
		return ResumeReport{}, err
	}
	rep := ResumeReport{Reset: reset, Owning: map[string]int{}}
	if r.triggers != nil {
		counts, err := r.triggers.CountActiveByAgent(ctx)
		if err != nil {
			return rep, err
		}
		for name, n := range counts {
			if _, err := r.GetOrCreate(ctx, name); err != nil {
				r.log.Warn("agent restore failed", logx.String("agent", name), logx.Err(err))
				continue
			}
			rep.Owning[name] = n
		}
	}
	r.log.Info("roster resumed", logx.Int("reset", len(rep.Reset)), logx.Int("owning", len(rep.Owning)))
	return rep, nil
}
