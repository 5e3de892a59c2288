package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cadence/internal/apperr"
	"cadence/internal/goals"
)

func (s *SQLite) GetScore(ctx context.Context, owner string) (goals.Score, error) {
	sc := goals.Score{OwnerID: owner}
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT current, peak, updated_at FROM scores WHERE owner_id = ?`, owner).
		Scan(&sc.Current, &sc.Peak, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return goals.Score{}, apperr.NotFound("score", owner)
	}
	if err != nil {
		return goals.Score{}, err
	}
	sc.UpdatedAt = time.UnixMilli(updated).UTC()

	rows, err := s.db.QueryContext(ctx, `SELECT day, score, reason, source_key FROM score_history WHERE owner_id = ? ORDER BY seq`, owner)
	if err != nil {
		return goals.Score{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			day    string
			sample goals.ScoreSample
		)
		if err := rows.Scan(&day, &sample.Score, &sample.Reason, &sample.SourceKey); err != nil {
			return goals.Score{}, err
		}
		sample.Date = fromDay(day)
		sc.History = append(sc.History, sample)
	}
	return sc, rows.Err()
}

// SaveScore replaces the owner's score row and history in one transaction.
func (s *SQLite) SaveScore(ctx context.Context, sc goals.Score) error {
	updated := sc.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scores(owner_id, current, peak, updated_at) VALUES(?,?,?,?)
			 ON CONFLICT(owner_id) DO UPDATE SET current = excluded.current, peak = excluded.peak, updated_at = excluded.updated_at`,
			sc.OwnerID, sc.Current, sc.Peak, updated.UnixMilli(),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM score_history WHERE owner_id = ?`, sc.OwnerID); err != nil {
			return err
		}
		for i, h := range sc.History {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO score_history(owner_id, seq, day, score, reason, source_key) VALUES(?,?,?,?,?,?)`,
				sc.OwnerID, i, toDay(h.Date), h.Score, h.Reason, h.SourceKey,
			); err != nil {
				return err
			}
		}
		return nil
	})
}
