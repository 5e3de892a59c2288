package storage

import (
	"context"
	"time"

	"cadence/internal/goals"
)

// AppendDecision records a progression decision. The table is append-only.
func (s *SQLite) AppendDecision(ctx context.Context, d goals.Decision) error {
	at := d.DecidedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions(habit_id, owner_id, habit_name, verdict, rate, completed, eligible, excluded,
			weeks_completed, from_freq, to_freq, at_target, day, reason, decided_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.HabitID, d.OwnerID, d.HabitName, string(d.Verdict), d.Rate, d.Completed, d.Eligible, d.Excluded,
		d.WeeksCompleted, d.From, d.To, boolInt(d.AtTarget), toDay(d.Day), d.Reason, at.UnixMilli(),
	)
	return err
}

// ListDecisions returns the newest decisions for a habit first.
func (s *SQLite) ListDecisions(ctx context.Context, habitID int64, limit int) ([]goals.Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT habit_id, owner_id, habit_name, verdict, rate, completed, eligible, excluded,
			weeks_completed, from_freq, to_freq, at_target, day, reason, decided_at
		 FROM decisions WHERE habit_id = ? ORDER BY id DESC LIMIT ?`, habitID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []goals.Decision
	for rows.Next() {
		var (
			d        goals.Decision
			verdict  string
			atTarget int
			day      string
			at       int64
		)
		if err := rows.Scan(&d.HabitID, &d.OwnerID, &d.HabitName, &verdict, &d.Rate, &d.Completed, &d.Eligible,
			&d.Excluded, &d.WeeksCompleted, &d.From, &d.To, &atTarget, &day, &d.Reason, &at); err != nil {
			return nil, err
		}
		d.Verdict = goals.Verdict(verdict)
		d.AtTarget = atTarget != 0
		d.Day = fromDay(day)
		d.DecidedAt = time.UnixMilli(at).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
