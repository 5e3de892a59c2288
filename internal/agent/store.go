package agent

import (
	"context"
	"time"
)

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateArchived State = "archived"
)

// Agent is a named, long-lived execution agent. Agents are never deleted.
type Agent struct {
	Name         string
	State        State
	CreatedAt    time.Time
	LastActiveAt time.Time
}

type Store interface {
	// GetOrCreateAgent returns the named agent, inserting it as idle when absent.
	GetOrCreateAgent(ctx context.Context, name string, now time.Time) (Agent, bool, error)
	GetAgent(ctx context.Context, name string) (Agent, error)
	SetAgentState(ctx context.Context, name string, state State, at time.Time) error
	ListAgents(ctx context.Context) ([]Agent, error)
	// ResetRunning moves every running agent back to idle and returns their names.
	ResetRunning(ctx context.Context) ([]string, error)
}
