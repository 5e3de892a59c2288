package trigger

import (
	"context"
	"time"
)

// Kind classifies what a trigger fire asks its agent to do.
type Kind string

const (
	KindOneOff            Kind = "one_off"
	KindHabitCheckIn      Kind = "habit_checkin"
	KindFollowUp          Kind = "follow_up"
	KindWeeklyProgression Kind = "weekly_progression"
	KindContextRefresh    Kind = "context_refresh"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOneOff, KindHabitCheckIn, KindFollowUp, KindWeeklyProgression, KindContextRefresh:
		return true
	}
	return false
}

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a trigger in this status can never fire again
// without an explicit resume.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Trigger is a scheduled unit of future work.
//
// Recurrence empty means one-shot: the trigger completes after its first
// successful fire. Triggers are never deleted.
type Trigger struct {
	ID          int64
	OwnerID     string
	HabitID     int64
	ContextID   int64
	Kind        Kind
	Recurrence  string
	Timezone    string
	Anchor      time.Time
	NextFireAt  time.Time
	Status      Status
	Payload     string
	TargetAgent string
	// SourceKey names the fire that created this trigger, if any. At most
	// one trigger exists per non-empty key.
	SourceKey string

	ClaimToken   string
	ClaimedUntil time.Time

	FireCount   int
	LastFiredAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (t Trigger) Recurring() bool { return t.Recurrence != "" }

// Spec is the creation request for a trigger.
type Spec struct {
	OwnerID     string
	HabitID     int64
	ContextID   int64
	Kind        Kind
	Recurrence  string
	Timezone    string
	Start       time.Time
	Payload     string
	TargetAgent string
	SourceKey   string
}

// Ack acknowledges a claimed fire and moves the trigger to its next state.
type Ack struct {
	ID         int64
	ClaimToken string
	NextFireAt time.Time
	Status     Status
	FiredAt    time.Time
	Error      string
}

// Store is the durable trigger table.
//
// ClaimDue is atomic: concurrent callers never receive the same trigger. A
// claim expires after lease; an unacknowledged trigger is then claimable
// again (at-least-once firing).
//
// CreateTrigger with a SourceKey that already exists returns the existing
// trigger's id without inserting.
type Store interface {
	CreateTrigger(ctx context.Context, t Trigger) (int64, error)
	GetTrigger(ctx context.Context, id int64) (Trigger, error)
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Trigger, error)
	Reschedule(ctx context.Context, ack Ack) error
	Release(ctx context.Context, id int64, token string) error
	SetStatus(ctx context.Context, id int64, status Status, nextFire time.Time) error
	ListByOwner(ctx context.Context, owner string) ([]Trigger, error)
	ListByContext(ctx context.Context, contextID int64) ([]Trigger, error)
	CountActiveByAgent(ctx context.Context) (map[string]int, error)
}
