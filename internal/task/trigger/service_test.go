package trigger_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"cadence/internal/apperr"
	"cadence/internal/storage"
	"cadence/internal/task/recurrence"
	"cadence/internal/task/trigger"
	logx "cadence/pkg/logx"
)

func newService(t *testing.T) (*trigger.Service, *storage.SQLite) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "triggers.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return trigger.NewService(st, "UTC", logx.Nop(), nil), st
}

func TestPrepareValidation(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	base := trigger.Spec{OwnerID: "ana", Kind: trigger.KindOneOff, TargetAgent: "habit-tracker"}

	tests := []struct {
		name string
		mut  func(s *trigger.Spec)
	}{
		{"no owner", func(s *trigger.Spec) { s.OwnerID = " " }},
		{"bad kind", func(s *trigger.Spec) { s.Kind = "weekly" }},
		{"no agent", func(s *trigger.Spec) { s.TargetAgent = "" }},
		{"bad timezone", func(s *trigger.Spec) { s.Timezone = "Mars/Olympus" }},
		{"bad rule", func(s *trigger.Spec) { s.Recurrence = "FREQ=SOMETIMES" }},
		{"exhausted rule", func(s *trigger.Spec) {
			s.Start = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
			s.Recurrence = "FREQ=DAILY;UNTIL=20250101T000000Z"
		}},
	}
	for _, tc := range tests {
		spec := base
		tc.mut(&spec)
		if _, err := svc.Prepare(spec); !apperr.IsValidation(err) {
			t.Fatalf("%s: err = %v, want ValidationError", tc.name, err)
		}
	}
}

func TestCreateComputesFirstFire(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()
	// Thursday.
	start := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		spec trigger.Spec
		want time.Time
	}{
		{
			name: "one shot fires at start",
			spec: trigger.Spec{OwnerID: "ana", Kind: trigger.KindFollowUp, TargetAgent: "a", Start: start},
			want: start,
		},
		{
			name: "daily later today",
			spec: trigger.Spec{OwnerID: "ana", Kind: trigger.KindHabitCheckIn, TargetAgent: "a", Start: start, Recurrence: recurrence.Daily(1, 18, 0)},
			want: time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly sunday night",
			spec: trigger.Spec{OwnerID: "ana", Kind: trigger.KindWeeklyProgression, TargetAgent: "a", Start: start, Recurrence: recurrence.Weekly([]string{"SU"}, 23, 0)},
			want: time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC),
		},
		{
			name: "local wall clock",
			spec: trigger.Spec{OwnerID: "ana", Kind: trigger.KindHabitCheckIn, TargetAgent: "a", Start: start, Recurrence: recurrence.Daily(1, 8, 0), Timezone: "Europe/Berlin"},
			want: time.Date(2026, 10, 16, 6, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range tests {
		id, err := svc.Create(ctx, tc.spec)
		if err != nil {
			t.Fatalf("%s: Create: %v", tc.name, err)
		}
		got, err := svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("%s: Get: %v", tc.name, err)
		}
		if !got.NextFireAt.Equal(tc.want) {
			t.Fatalf("%s: next fire = %v, want %v", tc.name, got.NextFireAt, tc.want)
		}
		if got.Status != trigger.StatusActive {
			t.Fatalf("%s: status = %s", tc.name, got.Status)
		}
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	svc, st := newService(t)
	ctx := context.Background()
	past := time.Date(2020, 3, 1, 7, 0, 0, 0, time.UTC)
	id, err := svc.Create(ctx, trigger.Spec{OwnerID: "ana", Kind: trigger.KindHabitCheckIn, TargetAgent: "a", Start: past, Recurrence: recurrence.Daily(1, 7, 0)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Pause(ctx, id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if claimed, _ := st.ClaimDue(ctx, time.Now(), 10, time.Minute); len(claimed) != 0 {
		t.Fatalf("paused trigger was claimed")
	}

	before := time.Now().UTC().Truncate(time.Second)
	if err := svc.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, _ := svc.Get(ctx, id)
	if got.Status != trigger.StatusActive {
		t.Fatalf("status = %s", got.Status)
	}
	if got.NextFireAt.Before(before) || got.NextFireAt.Hour() != 7 {
		t.Fatalf("resumed next fire = %v, want the next 07:00 after %v", got.NextFireAt, before)
	}
	// Resuming an active trigger is a no-op.
	if err := svc.Resume(ctx, id); err != nil {
		t.Fatalf("second Resume: %v", err)
	}

	if err := svc.Complete(ctx, id); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := svc.Pause(ctx, id); !apperr.IsValidation(err) {
		t.Fatalf("pause completed: err = %v", err)
	}
	if err := svc.Resume(ctx, id); !apperr.IsValidation(err) {
		t.Fatalf("resume completed: err = %v", err)
	}
	if err := svc.Pause(ctx, 4040); !apperr.IsNotFound(err) {
		t.Fatalf("pause unknown: err = %v", err)
	}
}

func TestCompleteForContext(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()
	start := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if _, err := svc.Create(ctx, trigger.Spec{OwnerID: "ana", ContextID: 7, Kind: trigger.KindContextRefresh, TargetAgent: "a", Start: start, Recurrence: recurrence.Daily(2, 10, 0)}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	other, _ := svc.Create(ctx, trigger.Spec{OwnerID: "ana", ContextID: 8, Kind: trigger.KindContextRefresh, TargetAgent: "a", Start: start, Recurrence: recurrence.Daily(2, 10, 0)})

	n, err := svc.CompleteForContext(ctx, 7)
	if err != nil || n != 2 {
		t.Fatalf("CompleteForContext = %d, %v", n, err)
	}
	if n, _ := svc.CompleteForContext(ctx, 7); n != 0 {
		t.Fatalf("second pass retired %d", n)
	}
	got, _ := svc.Get(ctx, other)
	if got.Status != trigger.StatusActive {
		t.Fatalf("unrelated trigger status = %s", got.Status)
	}
}
