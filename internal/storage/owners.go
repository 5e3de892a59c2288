package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cadence/internal/goals"
)

func (s *SQLite) Bootstrapped(ctx context.Context, owner string) (time.Time, bool, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, `SELECT bootstrapped_at FROM owners WHERE owner_id = ?`, owner).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(at).UTC(), true, nil
}

// Bootstrap inserts the owner flag first so a concurrent or repeated call
// fails on the primary key before creating anything.
func (s *SQLite) Bootstrap(ctx context.Context, plan goals.BootstrapPlan) (goals.BootstrapResult, error) {
	var out goals.BootstrapResult
	at := plan.At
	if at.IsZero() {
		at = s.now()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO owners(owner_id, bootstrapped_at) VALUES(?,?) ON CONFLICT(owner_id) DO NOTHING`,
			plan.Owner, at.UnixMilli())
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return goals.ErrAlreadyBootstrapped
		}

		for _, h := range plan.Habits {
			id, err := insertHabit(ctx, tx, h, at)
			if err != nil {
				return fmt.Errorf("habit %q: %w", h.Name, err)
			}
			h.ID = id
			h.CreatedAt, h.UpdatedAt = at, at
			out.Habits = append(out.Habits, h)

			if plan.CheckIns == nil {
				continue
			}
			ts, err := plan.CheckIns(h)
			if err != nil {
				return fmt.Errorf("habit %q triggers: %w", h.Name, err)
			}
			for _, t := range ts {
				tid, err := insertTrigger(ctx, tx, t, at)
				if err != nil {
					return err
				}
				out.Triggers = append(out.Triggers, tid)
			}
		}
		for _, t := range plan.Global {
			tid, err := insertTrigger(ctx, tx, t, at)
			if err != nil {
				return err
			}
			out.Triggers = append(out.Triggers, tid)
		}
		return nil
	})
	if err != nil {
		return goals.BootstrapResult{}, err
	}
	return out, nil
}
