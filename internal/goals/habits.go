package goals

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"cadence/internal/apperr"
	"cadence/internal/task/recurrence"
	logx "cadence/pkg/logx"
)

type Habits struct {
	store    HabitStore
	progress ProgressStore
	clock    clock
	log      logx.Logger
}

// StartingFrequency is the ramp-up frequency for a new habit: 40-50% of the
// target, never below one.
func StartingFrequency(target int) int {
	return max(MinFrequency, int(math.Round(float64(target)*0.45)))
}

// ValidateNew checks a habit definition without touching storage.
func ValidateNew(n NewHabit) error {
	if strings.TrimSpace(n.Name) == "" {
		return apperr.Validationf("name", "required")
	}
	if n.TargetFrequency < MinFrequency || n.TargetFrequency > MaxFrequency {
		return apperr.Validationf("target_frequency", "%d not in [%d,%d]", n.TargetFrequency, MinFrequency, MaxFrequency)
	}
	if err := validateCheckIn(n.CheckInTime); err != nil {
		return err
	}
	if n.FollowUpDelay != nil && *n.FollowUpDelay < 0 {
		return apperr.Validationf("follow_up_delay_minutes", "must be >= 0")
	}
	return nil
}

func validateCheckIn(v string) error {
	v = strings.TrimSpace(v)
	if v == "" || v == CheckInAnytime {
		return nil
	}
	if _, _, err := recurrence.ParseClock(v); err != nil {
		return apperr.Validationf("check_in_time", "%q is not HH:MM or %q", v, CheckInAnytime)
	}
	return nil
}

func (m *Habits) Create(ctx context.Context, n NewHabit) (Habit, error) {
	if strings.TrimSpace(n.OwnerID) == "" {
		return Habit{}, apperr.Validationf("owner", "required")
	}
	if err := ValidateNew(n); err != nil {
		return Habit{}, err
	}
	h := m.fromNew(n)
	id, err := m.store.CreateHabit(ctx, h)
	if err != nil {
		return Habit{}, fmt.Errorf("create habit: %w", err)
	}
	h.ID = id
	m.log.Info("habit created",
		logx.Int64("habit_id", id),
		logx.String("owner", h.OwnerID),
		logx.String("name", h.Name),
		logx.Int("current", h.CurrentFrequency),
		logx.Int("target", h.TargetFrequency),
	)
	return h, nil
}

func (m *Habits) fromNew(n NewHabit) Habit {
	checkIn := strings.TrimSpace(n.CheckInTime)
	if checkIn == "" {
		checkIn = CheckInAnytime
	}
	delay := DefaultFollowUpDelay
	if n.FollowUpDelay != nil {
		delay = *n.FollowUpDelay
	}
	now := m.clock.now()
	return Habit{
		OwnerID:          strings.TrimSpace(n.OwnerID),
		Name:             strings.TrimSpace(n.Name),
		Description:      strings.TrimSpace(n.Description),
		TargetFrequency:  n.TargetFrequency,
		CurrentFrequency: StartingFrequency(n.TargetFrequency),
		CheckInTime:      checkIn,
		FollowUpDelay:    delay,
		ProgressionStart: Day(now, m.clock.loc),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (m *Habits) Get(ctx context.Context, id int64) (Habit, error) {
	return m.store.GetHabit(ctx, id)
}

func (m *Habits) List(ctx context.Context, owner string, activeOnly bool) ([]Habit, error) {
	return m.store.ListHabits(ctx, owner, activeOnly)
}

// Update applies p. Lowering the target drags the current frequency down
// with it so 1 <= current <= target always holds.
func (m *Habits) Update(ctx context.Context, id int64, p HabitPatch) (Habit, error) {
	h, err := m.store.GetHabit(ctx, id)
	if err != nil {
		return Habit{}, err
	}
	if p.Name != nil {
		if strings.TrimSpace(*p.Name) == "" {
			return Habit{}, apperr.Validationf("name", "required")
		}
		h.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		h.Description = strings.TrimSpace(*p.Description)
	}
	if p.TargetFrequency != nil {
		t := *p.TargetFrequency
		if t < MinFrequency || t > MaxFrequency {
			return Habit{}, apperr.Validationf("target_frequency", "%d not in [%d,%d]", t, MinFrequency, MaxFrequency)
		}
		h.TargetFrequency = t
		h.CurrentFrequency = min(h.CurrentFrequency, t)
	}
	if p.CurrentFrequency != nil {
		c := *p.CurrentFrequency
		if c < MinFrequency || c > h.TargetFrequency {
			return Habit{}, apperr.Validationf("current_frequency", "%d not in [%d,%d]", c, MinFrequency, h.TargetFrequency)
		}
		h.CurrentFrequency = c
	}
	if p.CheckInTime != nil {
		if err := validateCheckIn(*p.CheckInTime); err != nil {
			return Habit{}, err
		}
		h.CheckInTime = strings.TrimSpace(*p.CheckInTime)
		if h.CheckInTime == "" {
			h.CheckInTime = CheckInAnytime
		}
	}
	if p.FollowUpDelay != nil {
		if *p.FollowUpDelay < 0 {
			return Habit{}, apperr.Validationf("follow_up_delay_minutes", "must be >= 0")
		}
		h.FollowUpDelay = *p.FollowUpDelay
	}
	h.UpdatedAt = m.clock.now()
	if err := m.store.UpdateHabit(ctx, h); err != nil {
		return Habit{}, err
	}
	return h, nil
}

// SoftDelete deactivates a habit; its history is kept.
func (m *Habits) SoftDelete(ctx context.Context, id int64) error {
	h, err := m.store.GetHabit(ctx, id)
	if err != nil {
		return err
	}
	if !h.Active {
		return nil
	}
	h.Active = false
	h.UpdatedAt = m.clock.now()
	if err := m.store.UpdateHabit(ctx, h); err != nil {
		return err
	}
	m.log.Info("habit deactivated", logx.Int64("habit_id", id))
	return nil
}

// DueForCheckIn lists active habits whose check-in time has passed by
// timeOfDay ("HH:MM"; empty means end of day) and that have no entry for today.
func (m *Habits) DueForCheckIn(ctx context.Context, owner, timeOfDay string, today time.Time) ([]Habit, error) {
	limit := 24 * 60
	if strings.TrimSpace(timeOfDay) != "" {
		h, mm, err := recurrence.ParseClock(timeOfDay)
		if err != nil {
			return nil, apperr.Validationf("time_of_day", "%q is not HH:MM", timeOfDay)
		}
		limit = h*60 + mm
	}
	today = m.clock.orToday(today)

	habits, err := m.store.ListHabits(ctx, owner, true)
	if err != nil {
		return nil, err
	}
	var due []Habit
	for _, h := range habits {
		if h.CheckInTime != CheckInAnytime {
			hh, mm, err := recurrence.ParseClock(h.CheckInTime)
			if err != nil || hh*60+mm > limit {
				continue
			}
		}
		entries, err := m.progress.Entries(ctx, h.ID, today, today)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			due = append(due, h)
		}
	}
	return due, nil
}
