// Package postgres implements scheduler.Store on PostgreSQL via pgx/v5, the
// production backend. ClaimNextJobs uses SELECT ... FOR UPDATE SKIP LOCKED
// so concurrent scheduler processes never double-claim the same job.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shedrachokonofua/lute/luteerr"
	"github.com/shedrachokonofua/lute/scheduler"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "scheduler/postgres.Open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, luteerr.New(luteerr.KindStorage, "scheduler/postgres.Open", err)
	}
	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, luteerr.New(luteerr.KindStorage, "scheduler/postgres.Open", err)
	}
	return &DB{pool: pool}, nil
}

func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

var _ scheduler.Store = (*DB)(nil)

func (d *DB) Put(ctx context.Context, job scheduler.Job) error {
	return d.PutMany(ctx, []scheduler.Job{job})
}

func (d *DB) PutMany(ctx context.Context, jobs []scheduler.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return luteerr.New(luteerr.KindStorage, "PutMany", err)
	}
	defer tx.Rollback(ctx)

	for _, job := range jobs {
		_, err := tx.Exec(ctx, `
			INSERT INTO scheduler_jobs (id, name, next_execution, last_execution, interval_seconds, payload, priority)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name             = excluded.name,
				next_execution   = excluded.next_execution,
				last_execution   = excluded.last_execution,
				interval_seconds = excluded.interval_seconds,
				payload          = excluded.payload,
				priority         = excluded.priority
		`, job.ID, string(job.Name), job.NextExecution, job.LastExecution, job.IntervalSeconds, job.Payload, int(job.Priority))
		if err != nil {
			return luteerr.New(luteerr.KindStorage, "PutMany", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return luteerr.New(luteerr.KindStorage, "PutMany", err)
	}
	return nil
}

const jobColumns = `id, name, next_execution, last_execution, interval_seconds, payload, claimed_at, priority, created_at`

func scanJob(row pgx.Row) (*scheduler.Job, error) {
	var (
		id, name                   string
		nextExecution, createdAt   time.Time
		lastExecution, claimedAt   *time.Time
		intervalSeconds            *int64
		payload                    []byte
		priority                   int
	)
	if err := row.Scan(&id, &name, &nextExecution, &lastExecution, &intervalSeconds, &payload, &claimedAt, &priority, &createdAt); err != nil {
		return nil, err
	}
	job := &scheduler.Job{
		ID:            id,
		Name:          scheduler.JobName(name),
		CreatedAt:     createdAt,
		NextExecution: nextExecution,
		LastExecution: lastExecution,
		Payload:       payload,
		ClaimedAt:     claimedAt,
		Priority:      scheduler.Priority(priority),
	}
	if intervalSeconds != nil {
		v := uint32(*intervalSeconds)
		job.IntervalSeconds = &v
	}
	return job, nil
}

func (d *DB) FindJob(ctx context.Context, id string) (*scheduler.Job, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "FindJob", err)
	}
	return job, nil
}

func (d *DB) FindJobs(ctx context.Context, ids []string) ([]scheduler.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return d.queryJobs(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs WHERE id = ANY($1)`, ids)
}

func (d *DB) GetJobs(ctx context.Context) ([]scheduler.Job, error) {
	return d.queryJobs(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs`)
}

func (d *DB) queryJobs(ctx context.Context, query string, args ...any) ([]scheduler.Job, error) {
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "queryJobs", err)
	}
	defer rows.Close()

	var out []scheduler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, luteerr.New(luteerr.KindStorage, "queryJobs", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (d *DB) DeleteJob(ctx context.Context, id string) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM scheduler_jobs WHERE id = $1`, id); err != nil {
		return luteerr.New(luteerr.KindStorage, "DeleteJob", err)
	}
	return nil
}

func (d *DB) DeleteAllJobs(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM scheduler_jobs`); err != nil {
		return luteerr.New(luteerr.KindStorage, "DeleteAllJobs", err)
	}
	return nil
}

func (d *DB) DeleteJobsByName(ctx context.Context, name scheduler.JobName) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM scheduler_jobs WHERE name = $1`, string(name)); err != nil {
		return luteerr.New(luteerr.KindStorage, "DeleteJobsByName", err)
	}
	return nil
}

// ClaimNextJobs claims up to count ready jobs of name atomically: the
// FOR UPDATE SKIP LOCKED clause lets concurrent scheduler processes race
// this query without blocking on each other or double-claiming a row.
func (d *DB) ClaimNextJobs(ctx context.Context, name scheduler.JobName, count int, claimDuration int64) ([]scheduler.Job, error) {
	if count <= 0 {
		return nil, nil
	}
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "ClaimNextJobs", err)
	}
	defer tx.Rollback(ctx)

	oldestClaimedAt := time.Now().Add(-time.Duration(claimDuration) * time.Second)

	rows, err := tx.Query(ctx, `
		SELECT `+jobColumns+` FROM scheduler_jobs
		WHERE name = $1
			AND next_execution <= now()
			AND (claimed_at IS NULL OR claimed_at < $2)
		ORDER BY next_execution, priority, id
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, string(name), oldestClaimedAt, count)
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "ClaimNextJobs", err)
	}

	var jobs []scheduler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, luteerr.New(luteerr.KindStorage, "ClaimNextJobs", err)
		}
		jobs = append(jobs, *job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "ClaimNextJobs", err)
	}

	if len(jobs) > 0 {
		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		if _, err := tx.Exec(ctx, `UPDATE scheduler_jobs SET claimed_at = now() WHERE id = ANY($1)`, ids); err != nil {
			return nil, luteerr.New(luteerr.KindStorage, "ClaimNextJobs", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "ClaimNextJobs", err)
	}

	now := time.Now()
	for i := range jobs {
		jobs[i].ClaimedAt = &now
	}
	return jobs, nil
}

func (d *DB) CountJobsByName(ctx context.Context, name scheduler.JobName) (int64, error) {
	var n int64
	if err := d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scheduler_jobs WHERE name = $1`, string(name)).Scan(&n); err != nil {
		return 0, luteerr.New(luteerr.KindStorage, "CountJobsByName", err)
	}
	return n, nil
}

func (d *DB) CountClaimedJobsByName(ctx context.Context, name scheduler.JobName, claimDuration int64) (int64, error) {
	oldestClaimedAt := time.Now().Add(-time.Duration(claimDuration) * time.Second)
	var n int64
	err := d.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM scheduler_jobs
		WHERE name = $1 AND claimed_at IS NOT NULL AND claimed_at >= $2
	`, string(name), oldestClaimedAt).Scan(&n)
	if err != nil {
		return 0, luteerr.New(luteerr.KindStorage, "CountClaimedJobsByName", err)
	}
	return n, nil
}

func (d *DB) FindClaimedJobsByName(ctx context.Context, name scheduler.JobName, claimDuration int64) ([]scheduler.Job, error) {
	oldestClaimedAt := time.Now().Add(-time.Duration(claimDuration) * time.Second)
	return d.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM scheduler_jobs
		WHERE name = $1 AND claimed_at IS NOT NULL AND claimed_at >= $2
	`, string(name), oldestClaimedAt)
}

func (d *DB) UpdateJobsAfterExecution(ctx context.Context, jobs []scheduler.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return luteerr.New(luteerr.KindStorage, "UpdateJobsAfterExecution", err)
	}
	defer tx.Rollback(ctx)

	lastExecution := time.Now()
	for _, job := range jobs {
		if job.IntervalSeconds != nil {
			nextExecution := lastExecution.Add(time.Duration(*job.IntervalSeconds) * time.Second)
			_, err := tx.Exec(ctx, `
				UPDATE scheduler_jobs
				SET next_execution = $1, last_execution = $2, claimed_at = NULL
				WHERE id = $3
			`, nextExecution, lastExecution, job.ID)
			if err != nil {
				return luteerr.New(luteerr.KindStorage, "UpdateJobsAfterExecution", err)
			}
		} else {
			if _, err := tx.Exec(ctx, `DELETE FROM scheduler_jobs WHERE id = $1`, job.ID); err != nil {
				return luteerr.New(luteerr.KindStorage, "UpdateJobsAfterExecution", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return luteerr.New(luteerr.KindStorage, "UpdateJobsAfterExecution", err)
	}
	return nil
}
