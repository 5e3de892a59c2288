package agent

import (
	"strconv"
	"time"

	"cadence/internal/task/trigger"
)

// Result is the single terminal outcome of an invocation: Success or
// Failure.
type Result interface {
	isResult()
}

type Success struct {
	Payload string
}

type Failure struct {
	Reason    string
	Retryable bool
}

func (Success) isResult() {}
func (Failure) isResult() {}

// Failure reasons produced by the runtime itself.
const (
	ReasonTurnLimit = "turn_limit"
	ReasonTimeout   = "timeout"
	ReasonCanceled  = "canceled"
	ReasonStopped   = "runtime_stopped"
	ReasonArchived  = "agent_archived"
)

// Instruction is what an agent is asked to do.
type Instruction struct {
	InvocationID string
	// Agent is the invoked agent's name; Invoke fills it in.
	Agent     string
	TriggerID int64
	Kind      trigger.Kind
	OwnerID   string
	HabitID   int64
	ContextID int64
	Text      string
	FiredAt   time.Time
}

// SourceKey identifies the fire that produced this instruction. Progress
// logged under it is idempotent across redeliveries.
func (in Instruction) SourceKey() string {
	if in.TriggerID == 0 {
		return ""
	}
	return "trigger:" + strconv.FormatInt(in.TriggerID, 10) + "@" + in.FiredAt.UTC().Format(time.RFC3339)
}
