package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/Deepreo/jobs/job"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// PostgresSchema creates the job table and the (status, fire_time) index window queries use.
// The document column is json, not jsonb, so payload bytes survive unchanged.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS job_details (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	fire_time   TIMESTAMPTZ,
	priority    INTEGER NOT NULL DEFAULT 0,
	last_update TIMESTAMPTZ NOT NULL,
	document    JSON NOT NULL
);
CREATE INDEX IF NOT EXISTS job_details_status_fire_time_idx ON job_details (status, fire_time);
`

// pgxIface is the subset of *pgxpool.Pool the repository needs.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ pgxIface = (*pgxpool.Pool)(nil)

type Postgres struct {
	db    pgxIface
	clock clockwork.Clock
}

func NewPostgres(pool *pgxpool.Pool, clock clockwork.Clock) *Postgres {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Postgres{db: pool, clock: clock}
}

// Migrate creates the schema when it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.Exec(ctx, PostgresSchema)
	return failure(err)
}

const pgUpsert = `
INSERT INTO job_details (id, status, fire_time, priority, last_update, document)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	fire_time = EXCLUDED.fire_time,
	priority = EXCLUDED.priority,
	last_update = EXCLUDED.last_update,
	document = EXCLUDED.document`

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (p *Postgres) write(ctx context.Context, db pgExecer, r *job.Record) error {
	doc, err := encode(r)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, pgUpsert, r.ID, string(r.Status), fireTimeOrNil(r.FireTime), r.Priority, r.LastUpdate, string(doc))
	return failure(err)
}

func (p *Postgres) Save(ctx context.Context, record *job.Record) (*job.Record, error) {
	r, err := prepare(record, p.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := p.write(ctx, p.db, r); err != nil {
		return nil, err
	}
	return r, nil
}

func scanDocument(row pgx.Row, id string) (*job.Record, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, job.NotFound(id)
		}
		return nil, failure(err)
	}
	return decode([]byte(doc))
}

func (p *Postgres) Get(ctx context.Context, id string) (*job.Record, error) {
	return scanDocument(p.db.QueryRow(ctx, `SELECT document FROM job_details WHERE id = $1`, id), id)
}

func (p *Postgres) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM job_details WHERE id = $1)`, id).Scan(&exists)
	return exists, failure(err)
}

func (p *Postgres) Delete(ctx context.Context, id string) (*job.Record, error) {
	return scanDocument(p.db.QueryRow(ctx, `DELETE FROM job_details WHERE id = $1 RETURNING document`, id), id)
}

func (p *Postgres) collect(rows pgx.Rows, err error) ([]*job.Record, error) {
	if err != nil {
		return nil, failure(err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, failure(err)
	}
	out := make([]*job.Record, 0, len(docs))
	for _, doc := range docs {
		r, err := decode([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *Postgres) FindAll(ctx context.Context) ([]*job.Record, error) {
	return p.collect(p.db.Query(ctx, `SELECT document FROM job_details`))
}

func (p *Postgres) FindByStatusBetweenFireTimes(ctx context.Context, from, to time.Time, statuses ...job.Status) ([]*job.Record, error) {
	if len(statuses) == 0 {
		return p.collect(p.db.Query(ctx, `
			SELECT document FROM job_details
			WHERE fire_time >= $1 AND fire_time < $2
			ORDER BY priority DESC, fire_time ASC`, from, to))
	}
	return p.collect(p.db.Query(ctx, `
		SELECT document FROM job_details
		WHERE status = ANY($3) AND fire_time >= $1 AND fire_time < $2
		ORDER BY priority DESC, fire_time ASC`, from, to, statusStrings(statuses)))
}

func (p *Postgres) Merge(ctx context.Context, id string, delta *job.Record) (*job.Record, error) {
	if err := job.ValidateMergeDelta(id, delta); err != nil {
		return nil, err
	}
	var merged *job.Record
	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		current, err := scanDocument(tx.QueryRow(ctx, `SELECT document FROM job_details WHERE id = $1 FOR UPDATE`, id), id)
		if err != nil {
			return err
		}
		merged, err = merge(id, current, delta, p.clock.Now())
		if err != nil {
			return err
		}
		return p.write(ctx, tx, merged)
	})
	if err != nil {
		return nil, failure(err)
	}
	return merged, nil
}
