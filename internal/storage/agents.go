package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cadence/internal/agent"
	"cadence/internal/apperr"
)

func (s *SQLite) GetOrCreateAgent(ctx context.Context, name string, now time.Time) (agent.Agent, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agents(name, state, created_at) VALUES(?,?,?) ON CONFLICT(name) DO NOTHING`,
		name, string(agent.StateIdle), now.UnixMilli(),
	)
	if err != nil {
		return agent.Agent{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return agent.Agent{}, false, err
	}
	a, err := s.GetAgent(ctx, name)
	return a, n > 0, err
}

func (s *SQLite) GetAgent(ctx context.Context, name string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, state, created_at, last_active_at FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.Agent{}, apperr.NotFound("agent", name)
	}
	return a, err
}

func scanAgent(sc scanner) (agent.Agent, error) {
	var (
		a          agent.Agent
		state      string
		createdAt  int64
		lastActive sql.NullInt64
	)
	if err := sc.Scan(&a.Name, &state, &createdAt, &lastActive); err != nil {
		return agent.Agent{}, err
	}
	a.State = agent.State(state)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.LastActiveAt = fromMS(lastActive)
	return a, nil
}

// SetAgentState updates the state; moving to running also bumps last-active.
func (s *SQLite) SetAgentState(ctx context.Context, name string, state agent.State, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents
		 SET state = ?, last_active_at = CASE WHEN ? = 'running' THEN ? ELSE last_active_at END
		 WHERE name = ?`,
		string(state), string(state), at.UnixMilli(), name,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("agent", name)
	}
	return nil
}

func (s *SQLite) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, state, created_at, last_active_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) ResetRunning(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `UPDATE agents SET state = 'idle' WHERE state = 'running' RETURNING name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
