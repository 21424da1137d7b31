// Package sqlite implements scheduler.Store on modernc.org/sqlite, the
// backend used in tests and local development. It mirrors the original
// SchedulerRepository almost line for line — same ON CONFLICT(id) upsert,
// same claim/order/limit clause — translated to database/sql.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shedrachokonofua/lute/luteerr"
	"github.com/shedrachokonofua/lute/scheduler"
)

type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "scheduler/sqlite.Open", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, luteerr.New(luteerr.KindStorage, "scheduler/sqlite.Open", err)
		}
	}
	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, luteerr.New(luteerr.KindStorage, "scheduler/sqlite.Open", err)
	}
	return s, nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduler_jobs (
			id                TEXT    PRIMARY KEY,
			name              TEXT    NOT NULL,
			next_execution    TEXT    NOT NULL,
			last_execution    TEXT,
			interval_seconds  INTEGER,
			payload           BLOB,
			claimed_at        TEXT,
			priority          INTEGER NOT NULL DEFAULT 2,
			created_at        TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scheduler_jobs_claim
			ON scheduler_jobs(name, next_execution, priority, id);
	`)
	return err
}

var _ scheduler.Store = (*DB)(nil)

const timeLayout = time.RFC3339Nano

// storedTimeLayout always writes nine fractional digits in UTC, so the TEXT
// time columns compare and sort chronologically in SQL.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(storedTimeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func (s *DB) Put(ctx context.Context, job scheduler.Job) error {
	return s.PutMany(ctx, []scheduler.Job{job})
}

func (s *DB) PutMany(ctx context.Context, jobs []scheduler.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return luteerr.New(luteerr.KindStorage, "PutMany", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	for _, job := range jobs {
		var lastExecution *string
		if job.LastExecution != nil {
			v := formatTime(*job.LastExecution)
			lastExecution = &v
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scheduler_jobs (id, name, next_execution, last_execution, interval_seconds, payload, priority, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name             = excluded.name,
				next_execution   = excluded.next_execution,
				last_execution   = excluded.last_execution,
				interval_seconds = excluded.interval_seconds,
				payload          = excluded.payload,
				priority         = excluded.priority
		`, job.ID, string(job.Name), formatTime(job.NextExecution), lastExecution,
			job.IntervalSeconds, job.Payload, int(job.Priority), now)
		if err != nil {
			return luteerr.New(luteerr.KindStorage, "PutMany", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return luteerr.New(luteerr.KindStorage, "PutMany", err)
	}
	return nil
}

func scanJob(row interface{ Scan(dest ...any) error }) (*scheduler.Job, error) {
	var (
		id, name, nextExecution, createdAt string
		lastExecution, claimedAt           sql.NullString
		intervalSeconds                    sql.NullInt64
		payload                            []byte
		priority                           int
	)
	if err := row.Scan(&id, &name, &nextExecution, &lastExecution, &intervalSeconds, &payload, &claimedAt, &priority, &createdAt); err != nil {
		return nil, err
	}

	next, err := parseTime(nextExecution)
	if err != nil {
		return nil, luteerr.New(luteerr.KindCorruption, "scanJob", err)
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, luteerr.New(luteerr.KindCorruption, "scanJob", err)
	}

	job := &scheduler.Job{
		ID:            id,
		Name:          scheduler.JobName(name),
		CreatedAt:     created,
		NextExecution: next,
		Payload:       payload,
		Priority:      scheduler.Priority(priority),
	}
	if lastExecution.Valid {
		t, err := parseTime(lastExecution.String)
		if err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "scanJob", err)
		}
		job.LastExecution = &t
	}
	if claimedAt.Valid {
		t, err := parseTime(claimedAt.String)
		if err != nil {
			return nil, luteerr.New(luteerr.KindCorruption, "scanJob", err)
		}
		job.ClaimedAt = &t
	}
	if intervalSeconds.Valid {
		v := uint32(intervalSeconds.Int64)
		job.IntervalSeconds = &v
	}
	return job, nil
}

const jobColumns = `id, name, next_execution, last_execution, interval_seconds, payload, claimed_at, priority, created_at`

func (s *DB) FindJob(ctx context.Context, id string) (*scheduler.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if luteerr.Is(err, luteerr.KindCorruption) {
			return nil, err
		}
		return nil, luteerr.New(luteerr.KindStorage, "FindJob", err)
	}
	return job, nil
}

func (s *DB) FindJobs(ctx context.Context, ids []string) ([]scheduler.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s FROM scheduler_jobs WHERE id IN (%s)`, jobColumns, strings.Join(placeholders, ","))
	return s.queryJobs(ctx, query, args...)
}

func (s *DB) GetJobs(ctx context.Context) ([]scheduler.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs`)
}

func (s *DB) queryJobs(ctx context.Context, query string, args ...any) ([]scheduler.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "queryJobs", err)
	}
	defer rows.Close()

	var out []scheduler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			if luteerr.Is(err, luteerr.KindCorruption) {
				continue
			}
			return nil, luteerr.New(luteerr.KindStorage, "queryJobs", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *DB) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE id = ?`, id); err != nil {
		return luteerr.New(luteerr.KindStorage, "DeleteJob", err)
	}
	return nil
}

func (s *DB) DeleteAllJobs(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_jobs`); err != nil {
		return luteerr.New(luteerr.KindStorage, "DeleteAllJobs", err)
	}
	return nil
}

func (s *DB) DeleteJobsByName(ctx context.Context, name scheduler.JobName) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE name = ?`, string(name)); err != nil {
		return luteerr.New(luteerr.KindStorage, "DeleteJobsByName", err)
	}
	return nil
}

// ClaimNextJobs selects ready, unclaimed-or-expired-lease jobs ordered by
// next_execution, priority, id and stamps claimed_at on the winners in the
// same transaction — the sqlite equivalent of Postgres's
// SELECT ... FOR UPDATE SKIP LOCKED, safe here because SetMaxOpenConns(1)
// already serialises every write against this *sql.DB.
func (s *DB) ClaimNextJobs(ctx context.Context, name scheduler.JobName, count int, claimDuration int64) ([]scheduler.Job, error) {
	if count <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "ClaimNextJobs", err)
	}
	defer tx.Rollback()

	now := time.Now()
	oldestClaimedAt := formatTime(now.Add(-time.Duration(claimDuration) * time.Second))

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scheduler_jobs
		WHERE name = ?
			AND next_execution <= ?
			AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY next_execution, priority, id
		LIMIT ?
	`, string(name), formatTime(now), oldestClaimedAt, count)
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "ClaimNextJobs", err)
	}

	var jobs []scheduler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			if luteerr.Is(err, luteerr.KindCorruption) {
				continue
			}
			return nil, luteerr.New(luteerr.KindStorage, "ClaimNextJobs", err)
		}
		jobs = append(jobs, *job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "ClaimNextJobs", err)
	}

	if len(jobs) > 0 {
		claimedAt := formatTime(now)
		for _, job := range jobs {
			if _, err := tx.ExecContext(ctx, `UPDATE scheduler_jobs SET claimed_at = ? WHERE id = ?`, claimedAt, job.ID); err != nil {
				return nil, luteerr.New(luteerr.KindStorage, "ClaimNextJobs", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "ClaimNextJobs", err)
	}

	claimedAt := now
	for i := range jobs {
		jobs[i].ClaimedAt = &claimedAt
	}
	return jobs, nil
}

func (s *DB) CountJobsByName(ctx context.Context, name scheduler.JobName) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduler_jobs WHERE name = ?`, string(name)).Scan(&n)
	if err != nil {
		return 0, luteerr.New(luteerr.KindStorage, "CountJobsByName", err)
	}
	return n, nil
}

func (s *DB) CountClaimedJobsByName(ctx context.Context, name scheduler.JobName, claimDuration int64) (int64, error) {
	oldestClaimedAt := formatTime(time.Now().Add(-time.Duration(claimDuration) * time.Second))
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scheduler_jobs
		WHERE name = ? AND claimed_at IS NOT NULL AND claimed_at >= ?
	`, string(name), oldestClaimedAt).Scan(&n)
	if err != nil {
		return 0, luteerr.New(luteerr.KindStorage, "CountClaimedJobsByName", err)
	}
	return n, nil
}

func (s *DB) FindClaimedJobsByName(ctx context.Context, name scheduler.JobName, claimDuration int64) ([]scheduler.Job, error) {
	oldestClaimedAt := formatTime(time.Now().Add(-time.Duration(claimDuration) * time.Second))
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM scheduler_jobs
		WHERE name = ? AND claimed_at IS NOT NULL AND claimed_at >= ?
	`, string(name), oldestClaimedAt)
}

func (s *DB) UpdateJobsAfterExecution(ctx context.Context, jobs []scheduler.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return luteerr.New(luteerr.KindStorage, "UpdateJobsAfterExecution", err)
	}
	defer tx.Rollback()

	lastExecution := time.Now()
	for _, job := range jobs {
		if job.IntervalSeconds != nil {
			nextExecution := lastExecution.Add(time.Duration(*job.IntervalSeconds) * time.Second)
			_, err := tx.ExecContext(ctx, `
				UPDATE scheduler_jobs
				SET next_execution = ?, last_execution = ?, claimed_at = NULL
				WHERE id = ?
			`, formatTime(nextExecution), formatTime(lastExecution), job.ID)
			if err != nil {
				return luteerr.New(luteerr.KindStorage, "UpdateJobsAfterExecution", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE id = ?`, job.ID); err != nil {
				return luteerr.New(luteerr.KindStorage, "UpdateJobsAfterExecution", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return luteerr.New(luteerr.KindStorage, "UpdateJobsAfterExecution", err)
	}
	return nil
}
