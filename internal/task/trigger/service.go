package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/apperr"
	"cadence/internal/eventbus"
	"cadence/internal/task/recurrence"
	logx "cadence/pkg/logx"
)

// Service validates trigger requests and applies explicit status changes.
// Fire-driven transitions belong to the scheduler.
type Service struct {
	store Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	defaultTZ string
}

func NewService(store Store, defaultTZ string, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log, bus: bus, now: time.Now, defaultTZ: defaultTZ}
}

// Create validates spec and persists a new active trigger.
func (s *Service) Create(ctx context.Context, spec Spec) (int64, error) {
	t, err := s.Prepare(spec)
	if err != nil {
		return 0, err
	}
	id, err := s.store.CreateTrigger(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("create trigger: %w", err)
	}
	s.log.Info("trigger created",
		logx.Int64("trigger_id", id),
		logx.String("kind", string(t.Kind)),
		logx.String("owner", t.OwnerID),
		logx.String("agent", t.TargetAgent),
		logx.String("recurrence", t.Recurrence),
		logx.Time("next_fire", t.NextFireAt),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TriggerCreated, Data: eventbus.TriggerEvent{TriggerID: id, Kind: string(t.Kind), Owner: t.OwnerID, NextFire: t.NextFireAt}})
	}
	return id, nil
}

// Prepare validates spec and returns the trigger Create would persist.
func (s *Service) Prepare(spec Spec) (Trigger, error) {
	owner := strings.TrimSpace(spec.OwnerID)
	if owner == "" {
		return Trigger{}, apperr.Validationf("owner", "required")
	}
	if !spec.Kind.Valid() {
		return Trigger{}, apperr.Validationf("kind", "unknown %q", spec.Kind)
	}
	agent := strings.TrimSpace(spec.TargetAgent)
	if agent == "" {
		return Trigger{}, apperr.Validationf("target_agent", "required")
	}
	tz := strings.TrimSpace(spec.Timezone)
	if tz == "" {
		tz = s.defaultTZ
	}
	if _, err := recurrence.LoadLocation(tz); err != nil {
		return Trigger{}, err
	}
	start := spec.Start
	if start.IsZero() {
		start = s.now()
	}
	start = start.UTC().Truncate(time.Second)

	next := start
	rule := strings.TrimSpace(spec.Recurrence)
	if rule != "" {
		n, err := recurrence.Next(rule, start, start, tz)
		if err != nil {
			// A rule without any occurrence is rejected up front.
			return Trigger{}, apperr.Validationf("recurrence", "%v", err)
		}
		next = n
	}

	return Trigger{
		OwnerID:     owner,
		HabitID:     spec.HabitID,
		ContextID:   spec.ContextID,
		Kind:        spec.Kind,
		Recurrence:  rule,
		Timezone:    tz,
		Anchor:      start,
		NextFireAt:  next,
		Status:      StatusActive,
		Payload:     spec.Payload,
		TargetAgent: agent,
		SourceKey:   strings.TrimSpace(spec.SourceKey),
	}, nil
}

func (s *Service) Get(ctx context.Context, id int64) (Trigger, error) {
	return s.store.GetTrigger(ctx, id)
}

// Pause stops future claims. An in-flight fire is not cancelled.
func (s *Service) Pause(ctx context.Context, id int64) error {
	t, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return apperr.Validationf("status", "trigger %d is %s", id, t.Status)
	}
	if err := s.store.SetStatus(ctx, id, StatusPaused, t.NextFireAt); err != nil {
		return err
	}
	s.log.Info("trigger paused", logx.Int64("trigger_id", id))
	return nil
}

// Resume reactivates a paused or failed trigger. A recurring trigger whose
// next fire already passed is moved to its next occurrence from now.
func (s *Service) Resume(ctx context.Context, id int64) error {
	t, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == StatusActive {
		return nil
	}
	if t.Status == StatusCompleted {
		return apperr.Validationf("status", "trigger %d is completed", id)
	}
	next := t.NextFireAt
	now := s.now().UTC()
	if t.Recurring() && next.Before(now) {
		n, err := recurrence.Next(t.Recurrence, t.Anchor, now, t.Timezone)
		if err != nil {
			return s.store.SetStatus(ctx, id, StatusCompleted, t.NextFireAt)
		}
		next = n
	}
	if err := s.store.SetStatus(ctx, id, StatusActive, next); err != nil {
		return err
	}
	s.log.Info("trigger resumed", logx.Int64("trigger_id", id), logx.Time("next_fire", next))
	return nil
}

// Complete retires a trigger explicitly (e.g. its context was resolved).
func (s *Service) Complete(ctx context.Context, id int64) error {
	t, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	return s.store.SetStatus(ctx, id, StatusCompleted, t.NextFireAt)
}

// CompleteForContext retires every live trigger attached to a context.
func (s *Service) CompleteForContext(ctx context.Context, contextID int64) (int, error) {
	ts, err := s.store.ListByContext(ctx, contextID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range ts {
		if t.Status.Terminal() {
			continue
		}
		if err := s.store.SetStatus(ctx, t.ID, StatusCompleted, t.NextFireAt); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Service) ListByOwner(ctx context.Context, owner string) ([]Trigger, error) {
	return s.store.ListByOwner(ctx, owner)
}
