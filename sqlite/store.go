// Package sqlite implements a jobq.Store on an embedded SQLite
// database (modernc.org/sqlite, no cgo). It is meant for development
// and hermetic tests: everything a server-backed relational store
// does, without a server.
//
// SQLite serializes writers at the file level; the store additionally
// serializes its own mutating statements with a mutex, which makes the
// claim read-then-update atomic within the process. Do not share one
// database file between multiple processes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	sqlite3 "modernc.org/sqlite"

	"github.com/calque/jobq"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobq_jobs (
id text primary key,
class text not null,
status text not null,
payload text,
attempts integer not null default 0,
max_attempts integer not null default 1,
run_at integer not null,
lease_owner text,
lease_expires_at integer not null default 0,
last_error text,
dedup_key text unique,
created integer not null,
last_mod integer not null);
CREATE INDEX IF NOT EXISTS ix_jobs_status_run_at ON jobq_jobs (status, run_at);
CREATE INDEX IF NOT EXISTS ix_jobs_class ON jobq_jobs (class);
CREATE INDEX IF NOT EXISTS ix_jobs_last_mod ON jobq_jobs (last_mod);
`

const jobColumns = `id, class, status, payload, attempts, max_attempts,
run_at, lease_owner, lease_expires_at, last_error, dedup_key, created, last_mod`

// Store represents an embedded SQLite storage implementation.
// It implements the jobq.Store interface.
type Store struct {
	mu sync.Mutex // serializes mutating statements
	db *sql.DB
}

// NewStore initializes a new SQLite-based storage at the given path.
// Use ":memory:" for a throwaway in-memory database.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The modernc driver opens one connection per call; a single
	// connection keeps in-memory databases alive and writers ordered.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// isDup reports whether err is a unique-constraint violation.
func isDup(err error) bool {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code() == 2067 // SQLITE_CONSTRAINT_UNIQUE
}

// Start requeues jobs left Processing with expired leases by a
// previous run, failing those that died on their final attempt.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
UPDATE jobq_jobs SET status = ?, lease_owner = NULL, lease_expires_at = 0,
last_error = 'lease expired on final attempt', last_mod = ?
WHERE status = ? AND lease_expires_at <= ? AND attempts >= max_attempts`,
		jobq.Failed, now, jobq.Processing, now)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE jobq_jobs SET status = ?, lease_owner = NULL, lease_expires_at = 0, last_mod = ?
WHERE status = ? AND lease_expires_at <= ?`,
		jobq.Queued, now, jobq.Processing, now)
	return err
}

// Enqueue adds a new job to the store, honoring the dedup key via the
// unique index on dedup_key.
func (s *Store) Enqueue(ctx context.Context, job *jobq.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobq_jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Class, job.Status, nullable(string(job.Payload)),
		job.Attempts, job.MaxAttempts, job.RunAt, nullable(job.LeaseOwner),
		job.LeaseExpiresAt, nullable(job.LastError), nullable(job.DedupKey),
		job.Created, job.Updated)
	if err == nil {
		return nil
	}
	if isDup(err) && job.DedupKey != "" {
		var id string
		serr := s.db.QueryRowContext(ctx,
			`SELECT id FROM jobq_jobs WHERE dedup_key = ?`, job.DedupKey).Scan(&id)
		if serr == nil {
			job.ID = id
			return nil
		}
	}
	return err
}

// ClaimNext picks the next eligible job in (run_at, id) order, leases
// it to workerID, and returns it. Returns (nil, nil) when idle.
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseFor time.Duration) (*jobq.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for {
		row := s.db.QueryRowContext(ctx, `
SELECT `+jobColumns+` FROM jobq_jobs
WHERE (status = ? AND run_at <= ?) OR (status = ? AND lease_expires_at <= ?)
ORDER BY run_at, id LIMIT 1`,
			jobq.Queued, now.UnixNano(), jobq.Processing, now.UnixNano())
		job, err := scanJob(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if job.Status == jobq.Processing && job.Attempts >= job.MaxAttempts {
			// Previous owner died on the final attempt.
			_, err = s.db.ExecContext(ctx, `
UPDATE jobq_jobs SET status = ?, lease_owner = NULL, lease_expires_at = 0,
last_error = 'lease expired on final attempt', last_mod = ? WHERE id = ?`,
				jobq.Failed, now.UnixNano(), job.ID)
			if err != nil {
				return nil, err
			}
			continue
		}
		job.Status = jobq.Processing
		job.LeaseOwner = workerID
		job.LeaseExpiresAt = now.Add(leaseFor).UnixNano()
		job.Attempts++
		job.Updated = now.UnixNano()
		_, err = s.db.ExecContext(ctx, `
UPDATE jobq_jobs SET status = ?, lease_owner = ?, lease_expires_at = ?, attempts = ?, last_mod = ?
WHERE id = ?`,
			job.Status, job.LeaseOwner, job.LeaseExpiresAt, job.Attempts, job.Updated, job.ID)
		if err != nil {
			return nil, err
		}
		return job, nil
	}
}

// checkLost maps a zero-row guarded update to ErrNotFound or ErrLeaseLost.
func (s *Store) checkLost(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobq_jobs WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return jobq.ErrNotFound
	}
	if err != nil {
		return err
	}
	return jobq.ErrLeaseLost
}

// RenewLease extends the lease of a job still held by workerID.
func (s *Store) RenewLease(ctx context.Context, id, workerID string, leaseFor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobq_jobs SET lease_expires_at = ?, last_mod = ?
WHERE id = ? AND status = ? AND lease_owner = ? AND lease_expires_at > ?`,
		now.Add(leaseFor).UnixNano(), now.UnixNano(),
		id, jobq.Processing, workerID, now.UnixNano())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.checkLost(ctx, id)
	}
	return nil
}

// Complete transitions a job held by workerID to Completed.
func (s *Store) Complete(ctx context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobq_jobs SET status = ?, lease_owner = NULL, lease_expires_at = 0, last_mod = ?
WHERE id = ? AND status = ? AND lease_owner = ? AND lease_expires_at > ?`,
		jobq.Completed, now, id, jobq.Processing, workerID, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.checkLost(ctx, id)
	}
	return nil
}

// Fail records a failed attempt for a job held by workerID.
func (s *Store) Fail(ctx context.Context, id, workerID, cause string, delay time.Duration, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var attempts, maxAttempts int
	err := s.db.QueryRowContext(ctx, `
SELECT attempts, max_attempts FROM jobq_jobs
WHERE id = ? AND status = ? AND lease_owner = ? AND lease_expires_at > ?`,
		id, jobq.Processing, workerID, now.UnixNano()).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return s.checkLost(ctx, id)
	}
	if err != nil {
		return err
	}
	if terminal || attempts >= maxAttempts {
		_, err = s.db.ExecContext(ctx, `
UPDATE jobq_jobs SET status = ?, lease_owner = NULL, lease_expires_at = 0, last_error = ?, last_mod = ?
WHERE id = ?`,
			jobq.Failed, cause, now.UnixNano(), id)
		return err
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE jobq_jobs SET status = ?, lease_owner = NULL, lease_expires_at = 0, last_error = ?,
run_at = ?, last_mod = ? WHERE id = ?`,
		jobq.Queued, cause, now.Add(delay).UnixNano(), now.UnixNano(), id)
	return err
}

// Cancel transitions a non-terminal job to Cancelled; a no-op on
// terminal jobs.
func (s *Store) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobq_jobs SET status = ?, lease_owner = NULL, lease_expires_at = 0, last_mod = ?
WHERE id = ? AND status IN (?, ?)`,
		jobq.Cancelled, now, id, jobq.Queued, jobq.Processing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobq_jobs WHERE id = ?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			return jobq.ErrNotFound
		}
		return err // already terminal: no-op
	}
	return nil
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*jobq.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobq_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, jobq.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns a list of jobs, most recently updated first, filtered
// by the request.
func (s *Store) List(ctx context.Context, request *jobq.ListRequest) (*jobq.ListResponse, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	if request.Class != "" {
		where += ` AND class = ?`
		args = append(args, request.Class)
	}
	if request.Status != "" {
		where += ` AND status = ?`
		args = append(args, request.Status)
	}

	rsp := &jobq.ListResponse{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobq_jobs`+where, args...).Scan(&rsp.Total)
	if err != nil {
		return nil, err
	}

	qry := `SELECT ` + jobColumns + ` FROM jobq_jobs` + where + ` ORDER BY last_mod DESC`
	if request.Limit > 0 {
		qry += ` LIMIT ?`
		args = append(args, request.Limit)
		if request.Offset > 0 {
			qry += ` OFFSET ?`
			args = append(args, request.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, qry, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		rsp.Jobs = append(rsp.Jobs, job)
	}
	return rsp, rows.Err()
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context, req *jobq.StatsRequest) (*jobq.Stats, error) {
	qry := `SELECT status, COUNT(*) FROM jobq_jobs`
	var args []interface{}
	if req != nil && req.Class != "" {
		qry += ` WHERE class = ?`
		args = append(args, req.Class)
	}
	qry += ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, qry, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := &jobq.Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case jobq.Queued:
			stats.Queued = count
		case jobq.Processing:
			stats.Processing = count
		case jobq.Completed:
			stats.Completed = count
		case jobq.Failed:
			stats.Failed = count
		case jobq.Cancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

// Purge removes terminal jobs whose last update is older than the
// given age.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx, `
DELETE FROM jobq_jobs WHERE status IN (?, ?, ?) AND last_mod <= ?`,
		jobq.Completed, jobq.Failed, jobq.Cancelled, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// -- Row mapping --

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(sc scanner) (*jobq.Job, error) {
	var (
		job                            jobq.Job
		payload, owner, lastErr, dedup sql.NullString
	)
	err := sc.Scan(&job.ID, &job.Class, &job.Status, &payload, &job.Attempts,
		&job.MaxAttempts, &job.RunAt, &owner, &job.LeaseExpiresAt,
		&lastErr, &dedup, &job.Created, &job.Updated)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		job.Payload = []byte(payload.String)
	}
	job.LeaseOwner = owner.String
	job.LastError = lastErr.String
	job.DedupKey = dedup.String
	return &job, nil
}
