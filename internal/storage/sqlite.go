package storage

import (
	"context"
	"database/sql"
	"embed"
	"strings"
	"sync/atomic"
	"time"

	logx "cadence/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const dayLayout = "2006-01-02"

// SQLite implements every repository interface in cadence.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

// Migrate applies the embedded schema. It is idempotent.
func (s *SQLite) Migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Instants are stored as unix milliseconds; NULL for the zero time.
func toMS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

// Calendar days are stored as YYYY-MM-DD text so they sort and compare.
func toDay(t time.Time) string {
	return t.Format(dayLayout)
}

func toDayNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return toDay(t)
}

func fromDay(v string) time.Time {
	d, err := time.ParseInLocation(dayLayout, strings.TrimSpace(v), time.UTC)
	if err != nil {
		return time.Time{}
	}
	return d
}

func fromDayNull(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromDay(v.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
