package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cadence/internal/apperr"
	"cadence/internal/goals"
)

const contextCols = `id, owner_id, type, description, start_day, expected_end, cadence_days, resolved, resolved_at, created_at`

func scanContext(sc scanner) (goals.Context, error) {
	var (
		c           goals.Context
		typ, start  string
		end         sql.NullString
		resolved    int
		resolvedAt  sql.NullInt64
		createdAtMS int64
	)
	if err := sc.Scan(&c.ID, &c.OwnerID, &typ, &c.Description, &start, &end, &c.CadenceDays, &resolved, &resolvedAt, &createdAtMS); err != nil {
		return goals.Context{}, err
	}
	c.Type = goals.ContextType(typ)
	c.Start = fromDay(start)
	c.ExpectedEnd = fromDayNull(end)
	c.Resolved = resolved != 0
	c.ResolvedAt = fromMS(resolvedAt)
	c.CreatedAt = time.UnixMilli(createdAtMS).UTC()
	return c, nil
}

func (s *SQLite) CreateContext(ctx context.Context, c goals.Context) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO contexts(owner_id, type, description, start_day, expected_end, cadence_days, created_at)
			 VALUES(?,?,?,?,?,?,?)`,
			c.OwnerID, string(c.Type), c.Description, toDay(c.Start), toDayNull(c.ExpectedEnd), c.CadenceDays,
			s.now().UnixMilli(),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for _, hid := range c.HabitIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO context_habits(context_id, habit_id) VALUES(?,?) ON CONFLICT DO NOTHING`, id, hid); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

func (s *SQLite) GetContext(ctx context.Context, id int64) (goals.Context, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contextCols+` FROM contexts WHERE id = ?`, id)
	c, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return goals.Context{}, apperr.NotFound("context", id)
	}
	if err != nil {
		return goals.Context{}, err
	}
	links, err := s.contextHabits(ctx, []int64{id})
	if err != nil {
		return goals.Context{}, err
	}
	c.HabitIDs = links[id]
	return c, nil
}

func (s *SQLite) ListContexts(ctx context.Context, owner string, unresolvedOnly bool) ([]goals.Context, error) {
	q := `SELECT ` + contextCols + ` FROM contexts WHERE owner_id = ?`
	if unresolvedOnly {
		q += ` AND resolved = 0`
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, owner)
	if err != nil {
		return nil, err
	}
	var out []goals.Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	// Close before the next query: the pool has a single connection.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]int64, len(out))
	for i, c := range out {
		ids[i] = c.ID
	}
	links, err := s.contextHabits(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].HabitIDs = links[out[i].ID]
	}
	return out, nil
}

func (s *SQLite) contextHabits(ctx context.Context, ids []int64) (map[int64][]int64, error) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	rows, err := s.db.QueryContext(ctx, `SELECT context_id, habit_id FROM context_habits ORDER BY context_id, habit_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]int64, len(ids))
	for rows.Next() {
		var cid, hid int64
		if err := rows.Scan(&cid, &hid); err != nil {
			return nil, err
		}
		if want[cid] {
			out[cid] = append(out[cid], hid)
		}
	}
	return out, rows.Err()
}

func (s *SQLite) ResolveContext(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contexts SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0`, at.UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetContext(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
