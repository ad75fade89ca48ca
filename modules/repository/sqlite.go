package repository

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Deepreo/jobs/job"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite.sql
var migrationsFS embed.FS

// SQLite is a single-writer job.Repository on database/sql. Fire times are stored as unix
// milliseconds.
type SQLite struct {
	db    *sql.DB
	clock clockwork.Clock
}

// OpenSQLite opens (creating when needed) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration, clock clockwork.Clock) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: a single writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	if path != ":memory:" {
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	}

	s := NewSQLite(db, clock)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open database. The schema must already exist; see Migrate.
func NewSQLite(db *sql.DB, clock clockwork.Clock) *SQLite {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SQLite{db: db, clock: clock}
}

func (s *SQLite) Migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return failure(err)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func unixMilliOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func (s *SQLite) write(ctx context.Context, db sqlExecer, r *job.Record) error {
	doc, err := encode(r)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO job_details (id, status, fire_time, priority, last_update, document)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			fire_time = excluded.fire_time,
			priority = excluded.priority,
			last_update = excluded.last_update,
			document = excluded.document`,
		r.ID, string(r.Status), unixMilliOrNil(r.FireTime), r.Priority, r.LastUpdate.UnixMilli(), string(doc))
	return failure(err)
}

func (s *SQLite) Save(ctx context.Context, record *job.Record) (*job.Record, error) {
	r, err := prepare(record, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.write(ctx, s.db, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLite) get(ctx context.Context, db sqlQueryer, id string) (*job.Record, error) {
	var doc string
	err := db.QueryRowContext(ctx, `SELECT document FROM job_details WHERE id = ?`, id).Scan(&doc)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, job.NotFound(id)
	}
	if err != nil {
		return nil, failure(err)
	}
	return decode([]byte(doc))
}

func (s *SQLite) Get(ctx context.Context, id string) (*job.Record, error) {
	return s.get(ctx, s.db, id)
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM job_details WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, failure(err)
	}
	return n > 0, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) (*job.Record, error) {
	var deleted *job.Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_details WHERE id = ?`, id); err != nil {
			return err
		}
		deleted = current
		return nil
	})
	if err != nil {
		return nil, failure(err)
	}
	return deleted, nil
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]*job.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, failure(err)
	}
	defer rows.Close()
	var out []*job.Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, failure(err)
		}
		r, err := decode([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, failure(rows.Err())
}

func (s *SQLite) FindAll(ctx context.Context) ([]*job.Record, error) {
	return s.query(ctx, `SELECT document FROM job_details`)
}

func (s *SQLite) FindByStatusBetweenFireTimes(ctx context.Context, from, to time.Time, statuses ...job.Status) ([]*job.Record, error) {
	q := `SELECT document FROM job_details WHERE fire_time >= ? AND fire_time < ?`
	args := []any{from.UnixMilli(), to.UnixMilli()}
	if len(statuses) > 0 {
		q += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY priority DESC, fire_time ASC`
	return s.query(ctx, q, args...)
}

func (s *SQLite) Merge(ctx context.Context, id string, delta *job.Record) (*job.Record, error) {
	if err := job.ValidateMergeDelta(id, delta); err != nil {
		return nil, err
	}
	var merged *job.Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		merged, err = merge(id, current, delta, s.clock.Now())
		if err != nil {
			return err
		}
		return s.write(ctx, tx, merged)
	})
	if err != nil {
		return nil, failure(err)
	}
	return merged, nil
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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
