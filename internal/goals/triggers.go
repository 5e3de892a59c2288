package goals

import (
	"fmt"
	"time"

	"cadence/internal/task/recurrence"
	"cadence/internal/task/trigger"
)

const anytimeHour = 10

// checkInClock maps a habit's check-in time to an hour and minute.
func checkInClock(v string) (int, int) {
	if v == CheckInAnytime || v == "" {
		return anytimeHour, 0
	}
	h, m, err := recurrence.ParseClock(v)
	if err != nil {
		return anytimeHour, 0
	}
	return h, m
}

// CheckInSpec is the daily check-in trigger for h, first firing at its next
// check-in time at or after now.
func CheckInSpec(h Habit, tz, agent string, now time.Time) trigger.Spec {
	hh, mm := checkInClock(h.CheckInTime)
	return trigger.Spec{
		OwnerID:     h.OwnerID,
		HabitID:     h.ID,
		Kind:        trigger.KindHabitCheckIn,
		Recurrence:  recurrence.Daily(1, hh, mm),
		Timezone:    tz,
		Start:       now,
		Payload:     fmt.Sprintf("Check in about habit: %s (current goal %dx/week, target %dx/week)", h.Name, h.CurrentFrequency, h.TargetFrequency),
		TargetAgent: agent,
	}
}

// FollowUpSpec is the one-shot reminder sent when a check-in went unanswered.
func FollowUpSpec(h Habit, tz, agent string, at time.Time) trigger.Spec {
	return trigger.Spec{
		OwnerID:     h.OwnerID,
		HabitID:     h.ID,
		Kind:        trigger.KindFollowUp,
		Timezone:    tz,
		Start:       at,
		Payload:     fmt.Sprintf("Follow up about habit: %s", h.Name),
		TargetAgent: agent,
	}
}

// WeeklySpec is the owner's Sunday-night progression evaluation.
func WeeklySpec(owner, tz string, now time.Time) trigger.Spec {
	return trigger.Spec{
		OwnerID:     owner,
		Kind:        trigger.KindWeeklyProgression,
		Recurrence:  recurrence.Weekly([]string{"SU"}, 23, 0),
		Timezone:    tz,
		Start:       now,
		Payload:     "Weekly habit progression evaluation",
		TargetAgent: TrackerAgent,
	}
}
