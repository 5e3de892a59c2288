package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cadence/internal/apperr"
	"cadence/internal/goals"
)

const habitCols = `id, owner_id, name, description, target_frequency, current_frequency, check_in_time,
	follow_up_delay, progression_start, active, created_at, updated_at`

func scanHabit(sc scanner) (goals.Habit, error) {
	var (
		h                    goals.Habit
		start                string
		active               int
		createdAt, updatedAt int64
	)
	err := sc.Scan(&h.ID, &h.OwnerID, &h.Name, &h.Description, &h.TargetFrequency, &h.CurrentFrequency,
		&h.CheckInTime, &h.FollowUpDelay, &start, &active, &createdAt, &updatedAt)
	if err != nil {
		return goals.Habit{}, err
	}
	h.ProgressionStart = fromDay(start)
	h.Active = active != 0
	h.CreatedAt = time.UnixMilli(createdAt).UTC()
	h.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return h, nil
}

func (s *SQLite) CreateHabit(ctx context.Context, h goals.Habit) (int64, error) {
	return insertHabit(ctx, s.db, h, s.now())
}

func insertHabit(ctx context.Context, db execer, h goals.Habit, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO habits(owner_id, name, description, target_frequency, current_frequency, check_in_time,
			follow_up_delay, progression_start, active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		h.OwnerID, h.Name, h.Description, h.TargetFrequency, h.CurrentFrequency, h.CheckInTime,
		h.FollowUpDelay, toDay(h.ProgressionStart), boolInt(h.Active), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) GetHabit(ctx context.Context, id int64) (goals.Habit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+habitCols+` FROM habits WHERE id = ?`, id)
	h, err := scanHabit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return goals.Habit{}, apperr.NotFound("habit", id)
	}
	return h, err
}

func (s *SQLite) UpdateHabit(ctx context.Context, h goals.Habit) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE habits SET name = ?, description = ?, target_frequency = ?, current_frequency = ?,
			check_in_time = ?, follow_up_delay = ?, progression_start = ?, active = ?, updated_at = ?
		 WHERE id = ?`,
		h.Name, h.Description, h.TargetFrequency, h.CurrentFrequency, h.CheckInTime, h.FollowUpDelay,
		toDay(h.ProgressionStart), boolInt(h.Active), s.now().UnixMilli(), h.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("habit", h.ID)
	}
	return nil
}

func (s *SQLite) ListHabits(ctx context.Context, owner string, activeOnly bool) ([]goals.Habit, error) {
	q := `SELECT ` + habitCols + ` FROM habits WHERE owner_id = ?`
	if activeOnly {
		q += ` AND active = 1`
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []goals.Habit
	for rows.Next() {
		h, err := scanHabit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
