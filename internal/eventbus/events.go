package eventbus

import "time"

// Event types published by cadence components.
const (
	TriggerCreated   = "trigger.created"
	TriggerClaimed   = "trigger.claimed"
	TriggerFired     = "trigger.fired"
	TriggerFailed    = "trigger.failed"
	TriggerCompleted = "trigger.completed"

	AgentInvoked   = "agent.invoked"
	AgentCompleted = "agent.completed"

	ProgressLogged     = "progress.logged"
	ProgressionDecided = "progression.decided"
	ScoreUpdated       = "score.updated"

	ReportQueued    = "router.queued"
	ReportDelivered = "router.delivered"
	ReportDeduped   = "router.deduped"
	ReportDropped   = "router.dropped"
)

type TriggerEvent struct {
	TriggerID int64     `json:"trigger_id"`
	Kind      string    `json:"kind"`
	Owner     string    `json:"owner,omitempty"`
	NextFire  time.Time `json:"next_fire,omitempty"`
	Status    string    `json:"status,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type AgentEvent struct {
	Agent        string        `json:"agent"`
	InvocationID string        `json:"invocation_id"`
	OK           bool          `json:"ok"`
	Reason       string        `json:"reason,omitempty"`
	Rounds       int           `json:"rounds"`
	Took         time.Duration `json:"took"`
}

type GoalEvent struct {
	Owner   string  `json:"owner,omitempty"`
	HabitID int64   `json:"habit_id,omitempty"`
	Detail  string  `json:"detail,omitempty"`
	Value   float64 `json:"value,omitempty"`
}

type ReportEvent struct {
	InvocationID string `json:"invocation_id"`
	Agent        string `json:"agent"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}
