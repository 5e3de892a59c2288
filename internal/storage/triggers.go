package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"cadence/internal/apperr"
	"cadence/internal/task/trigger"
)

const triggerCols = `id, owner_id, habit_id, context_id, kind, recurrence, timezone, anchor,
	next_fire_at, status, payload, target_agent, source_key, claim_token, claimed_until, fire_count,
	last_fired_at, last_error, created_at, updated_at`

func scanTrigger(sc scanner) (trigger.Trigger, error) {
	var (
		t                    trigger.Trigger
		kind, status         string
		anchor, next         int64
		token                sql.NullString
		claimed, lastFired   sql.NullInt64
		createdAt, updatedAt int64
	)
	err := sc.Scan(&t.ID, &t.OwnerID, &t.HabitID, &t.ContextID, &kind, &t.Recurrence, &t.Timezone,
		&anchor, &next, &status, &t.Payload, &t.TargetAgent, &t.SourceKey, &token, &claimed, &t.FireCount,
		&lastFired, &t.LastError, &createdAt, &updatedAt)
	if err != nil {
		return trigger.Trigger{}, err
	}
	t.Kind = trigger.Kind(kind)
	t.Status = trigger.Status(status)
	t.Anchor = time.UnixMilli(anchor).UTC()
	t.NextFireAt = time.UnixMilli(next).UTC()
	t.ClaimToken = token.String
	t.ClaimedUntil = fromMS(claimed)
	t.LastFiredAt = fromMS(lastFired)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return t, nil
}

func (s *SQLite) CreateTrigger(ctx context.Context, t trigger.Trigger) (int64, error) {
	return insertTrigger(ctx, s.db, t, s.now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertTrigger(ctx context.Context, db execer, t trigger.Trigger, now time.Time) (int64, error) {
	if t.Status == "" {
		t.Status = trigger.StatusActive
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO triggers(owner_id, habit_id, context_id, kind, recurrence, timezone, anchor,
			next_fire_at, status, payload, target_agent, source_key, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(source_key) WHERE source_key <> '' DO NOTHING`,
		t.OwnerID, t.HabitID, t.ContextID, string(t.Kind), t.Recurrence, t.Timezone,
		t.Anchor.UnixMilli(), t.NextFireAt.UnixMilli(), string(t.Status), t.Payload, t.TargetAgent,
		t.SourceKey, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 && t.SourceKey != "" {
		var id int64
		err := db.QueryRowContext(ctx, `SELECT id FROM triggers WHERE source_key = ?`, t.SourceKey).Scan(&id)
		return id, err
	}
	return res.LastInsertId()
}

func (s *SQLite) GetTrigger(ctx context.Context, id int64) (trigger.Trigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trigger.Trigger{}, apperr.NotFound("trigger", id)
	}
	return t, err
}

// ClaimDue claims up to limit due, active, unclaimed (or lease-expired)
// triggers in one UPDATE ... RETURNING statement. Each claimed row gets its
// own token.
func (s *SQLite) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]trigger.Trigger, error) {
	if limit <= 0 {
		limit = 1
	}
	nowMS := now.UnixMilli()
	prefix := uuid.NewString()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE triggers
		 SET claim_token = ? || ':' || id, claimed_until = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM triggers
			WHERE status = 'active' AND next_fire_at <= ?
			  AND (claim_token IS NULL OR claimed_until IS NULL OR claimed_until <= ?)
			ORDER BY next_fire_at, id
			LIMIT ?)
		 RETURNING `+triggerCols,
		prefix, nowMS+lease.Milliseconds(), nowMS, nowMS, nowMS, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	defer rows.Close()

	var out []trigger.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextFireAt.Equal(out[j].NextFireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextFireAt.Before(out[j].NextFireAt)
	})
	return out, nil
}

// Reschedule acknowledges a fire. It only applies while ack.ClaimToken still
// owns the trigger. A trigger paused or retired while in flight keeps that
// status.
func (s *SQLite) Reschedule(ctx context.Context, ack trigger.Ack) error {
	fired := 0
	if !ack.FiredAt.IsZero() {
		fired = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers
		 SET next_fire_at = ?,
		     status = CASE
		         WHEN status = 'completed' THEN status
		         WHEN status = 'paused' AND ? = 'active' THEN status
		         ELSE ? END,
		     fire_count = fire_count + ?,
		     last_fired_at = COALESCE(?, last_fired_at),
		     last_error = ?,
		     claim_token = NULL, claimed_until = NULL,
		     updated_at = ?
		 WHERE id = ? AND claim_token = ?`,
		ack.NextFireAt.UnixMilli(), string(ack.Status), string(ack.Status), fired, toMS(ack.FiredAt),
		ack.Error, s.now().UnixMilli(), ack.ID, ack.ClaimToken,
	)
	if err != nil {
		return fmt.Errorf("reschedule trigger %d: %w", ack.ID, err)
	}
	return s.claimResult(ctx, res, ack.ID)
}

// Release drops a claim without changing next-fire so the trigger is
// claimable on the next poll.
func (s *SQLite) Release(ctx context.Context, id int64, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET claim_token = NULL, claimed_until = NULL, updated_at = ?
		 WHERE id = ? AND claim_token = ?`,
		s.now().UnixMilli(), id, token,
	)
	if err != nil {
		return fmt.Errorf("release trigger %d: %w", id, err)
	}
	return s.claimResult(ctx, res, id)
}

func (s *SQLite) claimResult(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetTrigger(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("trigger %d: %w", id, apperr.ErrClaimLost)
}

func (s *SQLite) SetStatus(ctx context.Context, id int64, status trigger.Status, nextFire time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET status = ?, next_fire_at = ?, updated_at = ? WHERE id = ?`,
		string(status), nextFire.UnixMilli(), s.now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("trigger", id)
	}
	return nil
}

func (s *SQLite) ListByOwner(ctx context.Context, owner string) ([]trigger.Trigger, error) {
	return s.queryTriggers(ctx, `SELECT `+triggerCols+` FROM triggers WHERE owner_id = ? ORDER BY id`, owner)
}

func (s *SQLite) ListByContext(ctx context.Context, contextID int64) ([]trigger.Trigger, error) {
	return s.queryTriggers(ctx, `SELECT `+triggerCols+` FROM triggers WHERE context_id = ? ORDER BY id`, contextID)
}

func (s *SQLite) queryTriggers(ctx context.Context, q string, args ...any) ([]trigger.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []trigger.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountActiveByAgent counts active and paused triggers per target agent.
func (s *SQLite) CountActiveByAgent(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_agent, COUNT(*) FROM triggers WHERE status IN ('active', 'paused') GROUP BY target_agent`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}
