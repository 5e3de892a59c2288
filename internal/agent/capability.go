package agent

import (
	"time"

	"cadence/internal/goals"
	"cadence/internal/task/trigger"
)

type CapabilityKind string

const (
	KindLogProgress            CapabilityKind = "log_progress"
	KindListHabits             CapabilityKind = "list_habits"
	KindCreateTrigger          CapabilityKind = "create_trigger"
	KindPauseTrigger           CapabilityKind = "pause_trigger"
	KindCreateContext          CapabilityKind = "create_context"
	KindResolveContext         CapabilityKind = "resolve_context"
	KindResolveExpiredContexts CapabilityKind = "resolve_expired_contexts"
	KindEvaluateProgression    CapabilityKind = "evaluate_progression"
	KindEvaluateAll            CapabilityKind = "evaluate_all"
	KindCalculateScore         CapabilityKind = "calculate_score"
	KindSendResult             CapabilityKind = "send_result"
)

// Capability is a call an agent can make. The set is closed: only the types
// in this file implement it.
type Capability interface {
	Kind() CapabilityKind
	capability()
}

// LogProgress records a day's outcome. Result: goals.Ack.
type LogProgress struct{ Request goals.LogRequest }

// ListHabits lists an owner's habits. With DueOnly it returns only active
// habits without an entry for today. Result: []goals.Habit.
type ListHabits struct {
	OwnerID    string
	ActiveOnly bool
	DueOnly    bool
}

// CreateTrigger schedules new work. Result: int64 trigger id.
type CreateTrigger struct{ Spec trigger.Spec }

type PauseTrigger struct{ ID int64 }

// CreateContext records a life context. Result: goals.Context.
type CreateContext struct{ Context goals.NewContext }

// ResolveContext closes a context. Result: goals.Context.
type ResolveContext struct{ ID int64 }

// ResolveExpiredContexts closes contexts past their expected end.
// Result: []goals.Context.
type ResolveExpiredContexts struct {
	OwnerID string
	Today   time.Time
}

// EvaluateProgression evaluates one habit. Result: goals.Decision.
type EvaluateProgression struct{ HabitID int64 }

// EvaluateAll evaluates every active habit of an owner.
// Result: []goals.Decision.
type EvaluateAll struct{ OwnerID string }

// CalculateScore computes the consistency score; Record also appends it to
// the history once per SourceKey. Result: goals.Breakdown.
type CalculateScore struct {
	OwnerID   string
	Record    bool
	Reason    string
	SourceKey string
}

// SendResult adds text to the invocation's report. It is handled by the
// runtime itself.
type SendResult struct{ Text string }

func (LogProgress) Kind() CapabilityKind            { return KindLogProgress }
func (ListHabits) Kind() CapabilityKind             { return KindListHabits }
func (CreateTrigger) Kind() CapabilityKind          { return KindCreateTrigger }
func (PauseTrigger) Kind() CapabilityKind           { return KindPauseTrigger }
func (CreateContext) Kind() CapabilityKind          { return KindCreateContext }
func (ResolveContext) Kind() CapabilityKind         { return KindResolveContext }
func (ResolveExpiredContexts) Kind() CapabilityKind { return KindResolveExpiredContexts }
func (EvaluateProgression) Kind() CapabilityKind    { return KindEvaluateProgression }
func (EvaluateAll) Kind() CapabilityKind            { return KindEvaluateAll }
func (CalculateScore) Kind() CapabilityKind         { return KindCalculateScore }
func (SendResult) Kind() CapabilityKind             { return KindSendResult }

func (LogProgress) capability()            {}
func (ListHabits) capability()             {}
func (CreateTrigger) capability()          {}
func (PauseTrigger) capability()           {}
func (CreateContext) capability()          {}
func (ResolveContext) capability()         {}
func (ResolveExpiredContexts) capability() {}
func (EvaluateProgression) capability()    {}
func (EvaluateAll) capability()            {}
func (CalculateScore) capability()         {}
func (SendResult) capability()             {}
