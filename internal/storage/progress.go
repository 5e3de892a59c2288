package storage

import (
	"context"
	"time"

	"cadence/internal/goals"
)

// UpsertEntry is a single statement: the DO UPDATE is skipped when the stored
// row already carries the same non-empty source key.
func (s *SQLite) UpsertEntry(ctx context.Context, e goals.Entry) (bool, error) {
	loggedAt := e.LoggedAt
	if loggedAt.IsZero() {
		loggedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO progress(habit_id, day, completed, excuse, excuse_category, snippet, source_key, logged_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(habit_id, day) DO UPDATE SET
			completed = excluded.completed,
			excuse = excluded.excuse,
			excuse_category = excluded.excuse_category,
			snippet = excluded.snippet,
			source_key = excluded.source_key,
			logged_at = excluded.logged_at
		 WHERE excluded.source_key = '' OR progress.source_key <> excluded.source_key`,
		e.HabitID, toDay(e.Date), boolInt(e.Completed), e.Excuse, e.ExcuseCategory, e.Snippet,
		e.SourceKey, loggedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *SQLite) Entries(ctx context.Context, habitID int64, from, to time.Time) ([]goals.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, habit_id, day, completed, excuse, excuse_category, snippet, source_key, logged_at
		 FROM progress WHERE habit_id = ? AND day >= ? AND day <= ? ORDER BY day`,
		habitID, toDay(from), toDay(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []goals.Entry
	for rows.Next() {
		var (
			e         goals.Entry
			day       string
			completed int
			loggedAt  int64
		)
		if err := rows.Scan(&e.ID, &e.HabitID, &day, &completed, &e.Excuse, &e.ExcuseCategory, &e.Snippet, &e.SourceKey, &loggedAt); err != nil {
			return nil, err
		}
		e.Date = fromDay(day)
		e.Completed = completed != 0
		e.LoggedAt = time.UnixMilli(loggedAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
