package goals

import (
	"strings"
	"time"
)

const (
	// CheckInAnytime marks a habit without a fixed check-in time.
	CheckInAnytime = "anytime"

	// DefaultFollowUpDelay is used when a habit definition sets none.
	DefaultFollowUpDelay = 60

	MinFrequency = 1
	MaxFrequency = 7
)

type Habit struct {
	ID               int64
	OwnerID          string
	Name             string
	Description      string
	TargetFrequency  int
	CurrentFrequency int
	CheckInTime      string
	// FollowUpDelay is in minutes.
	FollowUpDelay    int
	ProgressionStart time.Time
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type NewHabit struct {
	OwnerID         string `json:"-" yaml:"-"`
	Name            string `json:"name" yaml:"name"`
	Description     string `json:"description,omitempty" yaml:"description,omitempty"`
	TargetFrequency int    `json:"target_frequency" yaml:"target_frequency"`
	CheckInTime     string `json:"check_in_time" yaml:"check_in_time"`
	FollowUpDelay   *int   `json:"follow_up_delay_minutes,omitempty" yaml:"follow_up_delay_minutes,omitempty"`
}

// HabitPatch carries optional updates; nil fields are left unchanged.
type HabitPatch struct {
	Name             *string
	Description      *string
	TargetFrequency  *int
	CurrentFrequency *int
	CheckInTime      *string
	FollowUpDelay    *int
}

type Entry struct {
	ID             int64
	HabitID        int64
	Date           time.Time
	Completed      bool
	Excuse         string
	ExcuseCategory string
	Snippet        string
	SourceKey      string
	LoggedAt       time.Time
}

type LogRequest struct {
	OwnerID string
	HabitID int64
	// Date is the owner-local day; zero means today.
	Date           time.Time
	Completed      bool
	Excuse         string
	ExcuseCategory string
	Snippet        string
	// SourceKey identifies the event that produced this log. Replaying the
	// same key for the same day is a no-op.
	SourceKey string
}

type Ack struct {
	HabitID   int64
	Date      time.Time
	Completed bool
	Duplicate bool
}

type Stats struct {
	HabitID        int64
	HabitName      string
	Current        int
	Target         int
	CompletionRate float64
	CurrentStreak  int
	Completed      int
	Logged         int
	Excluded       int
}

type ContextType string

const (
	ContextSick   ContextType = "sick"
	ContextExam   ContextType = "exam"
	ContextTravel ContextType = "travel"
	ContextInjury ContextType = "injury"
	ContextCustom ContextType = "custom"
)

func (t ContextType) Valid() bool {
	switch t {
	case ContextSick, ContextExam, ContextTravel, ContextInjury, ContextCustom:
		return true
	}
	return false
}

// defaultCadence is the refresh interval in days when a context sets none.
func (t ContextType) defaultCadence() int {
	switch t {
	case ContextSick, ContextInjury:
		return 1
	case ContextTravel:
		return 2
	}
	return 3
}

type Context struct {
	ID          int64
	OwnerID     string
	Type        ContextType
	Description string
	Start       time.Time
	// ExpectedEnd zero means open-ended.
	ExpectedEnd time.Time
	CadenceDays int
	HabitIDs    []int64
	Resolved    bool
	ResolvedAt  time.Time
	CreatedAt   time.Time
}

// Covers reports whether c excludes day for habitID. The end is exclusive.
func (c Context) Covers(habitID int64, day time.Time) bool {
	if c.Resolved || day.Before(c.Start) {
		return false
	}
	if !c.ExpectedEnd.IsZero() && !day.Before(c.ExpectedEnd) {
		return false
	}
	for _, id := range c.HabitIDs {
		if id == habitID {
			return true
		}
	}
	return false
}

type NewContext struct {
	OwnerID     string
	Type        ContextType
	Description string
	// Start zero means today.
	Start       time.Time
	ExpectedEnd time.Time
	// CadenceDays 0 picks the type's default; negative disables refreshes.
	CadenceDays int
	HabitIDs    []int64
}

type Verdict string

const (
	VerdictTooEarly Verdict = "too_early"
	VerdictIncrease Verdict = "increase"
	VerdictMaintain Verdict = "maintain"
	VerdictDecrease Verdict = "decrease"
)

// Decision is the auditable outcome of one progression evaluation.
type Decision struct {
	HabitID        int64
	OwnerID        string
	HabitName      string
	Verdict        Verdict
	Rate           float64
	Completed      int
	Eligible       int
	Excluded       int
	WeeksCompleted int
	From           int
	To             int
	AtTarget       bool
	Day            time.Time
	Reason         string
	DecidedAt      time.Time
}

func (d Decision) Changed() bool { return d.From != d.To }

type ScoreSample struct {
	Date   time.Time
	Score  float64
	Reason string
	// SourceKey is the fire that recorded the sample, empty for manual
	// recalculations.
	SourceKey string
}

type Score struct {
	OwnerID   string
	Current   float64
	Peak      float64
	History   []ScoreSample
	UpdatedAt time.Time
}

// Breakdown itemizes a consistency score.
type Breakdown struct {
	OwnerID     string
	Base        float64
	Completion  float64
	Streak      float64
	Progression float64
	ExcuseGrace float64
	Trend       float64
	Total       float64

	Habits       int
	MaxStreak    int
	Excuses      int
	LegitExcuses int
	ThisWeekRate float64
	LastWeekRate float64
	Peak         float64
}

var legitimateExcuses = map[string]bool{
	"sick":   true,
	"exam":   true,
	"injury": true,
	"travel": true,
}

func legitimateExcuse(category string) bool {
	return legitimateExcuses[strings.ToLower(strings.TrimSpace(category))]
}

// Day returns the calendar day of t in loc as a UTC-midnight value.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AsDay normalizes a value that already denotes a calendar day.
func AsDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(AsDay(to).Sub(AsDay(from)).Hours() / 24)
}
