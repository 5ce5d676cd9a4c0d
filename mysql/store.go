// Package mysql implements a jobq.Store on a MySQL table. Jobs are
// rows; claiming locks one eligible row with FOR UPDATE SKIP LOCKED and
// flips it to Processing in the same transaction, so no two concurrent
// claimers can take the same row.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/calque/jobq"
	"github.com/calque/jobq/mysql/internal"
)

const (
	mysqlSchema = `CREATE TABLE IF NOT EXISTS jobq_jobs (
id varchar(36) primary key,
class varchar(255) not null,
status varchar(30) not null,
payload mediumtext,
attempts integer not null default 0,
max_attempts integer not null default 1,
run_at bigint not null,
lease_owner varchar(255),
lease_expires_at bigint not null default 0,
last_error text,
dedup_key varchar(255) null,
created bigint not null,
last_mod bigint not null,
unique index ux_jobs_dedup_key (dedup_key),
index ix_jobs_status_run_at (status, run_at),
index ix_jobs_class (class),
index ix_jobs_last_mod (last_mod));`
)

var jobColumns = []string{
	"id", "class", "status", "payload", "attempts", "max_attempts",
	"run_at", "lease_owner", "lease_expires_at", "last_error",
	"dedup_key", "created", "last_mod",
}

// Store represents a persistent MySQL storage implementation.
// It implements the jobq.Store interface.
type Store struct {
	db    *sql.DB
	debug bool
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetDebug indicates whether to enable or disable debugging (which will
// output claim activity to the console).
func SetDebug(enabled bool) StoreOption {
	return func(s *Store) {
		s.debug = enabled
	}
}

// NewStore initializes a new MySQL-based storage. The url is a DSN as
// understood by the go-sql-driver, e.g.
// "user:password@tcp(127.0.0.1:3306)/jobs?loc=UTC&parseTime=true".
// The database and the jobq_jobs table are created if missing.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	st := &Store{}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("mysql: no database specified")
	}
	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	_, err = setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	st.db, err = sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	if _, err := st.db.Exec(mysqlSchema); err != nil {
		st.db.Close()
		return nil, err
	}
	return st, nil
}

// Close the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Start is called when the manager starts up. Jobs left Processing by
// a crashed run whose leases expired are requeued (or failed if they
// died on their final attempt). Claim-time expiry checks remain the
// actual recovery mechanism; this pass merely tidies up eagerly.
func (s *Store) Start(ctx context.Context) error {
	now := time.Now().UnixNano()
	return internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := sq.Update("jobq_jobs").
			Set("status", jobq.Failed).
			Set("lease_owner", nil).
			Set("lease_expires_at", 0).
			Set("last_error", "lease expired on final attempt").
			Set("last_mod", now).
			Where(sq.Eq{"status": jobq.Processing}).
			Where(sq.LtOrEq{"lease_expires_at": now}).
			Where("attempts >= max_attempts").
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return err
		}
		_, err = sq.Update("jobq_jobs").
			Set("status", jobq.Queued).
			Set("lease_owner", nil).
			Set("lease_expires_at", 0).
			Set("last_mod", now).
			Where(sq.Eq{"status": jobq.Processing}).
			Where(sq.LtOrEq{"lease_expires_at": now}).
			RunWith(tx).ExecContext(ctx)
		return err
	}, internal.IsDeadlock)
}

// Enqueue adds a new job to the store. If the job carries a dedup key
// already present, the existing job's identifier is written back into
// job.ID and no new row is created; the unique index on dedup_key
// makes this race-free.
func (s *Store) Enqueue(ctx context.Context, job *jobq.Job) error {
	row := newRow(job)
	_, err := sq.Insert("jobq_jobs").
		Columns(jobColumns...).
		Values(row.ID, row.Class, row.Status, row.Payload, row.Attempts,
			row.MaxAttempts, row.RunAt, row.LeaseOwner, row.LeaseExpiresAt,
			row.LastError, row.DedupKey, row.Created, row.LastMod).
		RunWith(s.db).ExecContext(ctx)
	if err == nil {
		return nil
	}
	if internal.IsDup(err) && job.DedupKey != "" {
		var id string
		serr := sq.Select("id").From("jobq_jobs").
			Where(sq.Eq{"dedup_key": job.DedupKey}).
			RunWith(s.db).QueryRowContext(ctx).Scan(&id)
		if serr == nil {
			job.ID = id
			return nil
		}
		// The duplicate was purged between insert and select; surface
		// the original error and let the producer retry.
	}
	return err
}

// ClaimNext picks the next eligible job, leases it to workerID, and
// returns it. Returns (nil, nil) when no job is eligible.
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseFor time.Duration) (*jobq.Job, error) {
	var claimed *jobq.Job
	err := internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		claimed = nil
		now := time.Now()
		for {
			row := sq.Select(jobColumns...).From("jobq_jobs").
				Where(sq.Or{
					sq.And{sq.Eq{"status": jobq.Queued}, sq.LtOrEq{"run_at": now.UnixNano()}},
					sq.And{sq.Eq{"status": jobq.Processing}, sq.LtOrEq{"lease_expires_at": now.UnixNano()}},
				}).
				OrderBy("run_at", "id").
				Limit(1).
				Suffix("FOR UPDATE SKIP LOCKED").
				RunWith(tx).QueryRowContext(ctx)
			job, err := scanJob(row)
			if internal.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if job.Status == jobq.Processing && job.Attempts >= job.MaxAttempts {
				// Previous owner died on the final attempt.
				_, err = sq.Update("jobq_jobs").
					Set("status", jobq.Failed).
					Set("lease_owner", nil).
					Set("lease_expires_at", 0).
					Set("last_error", "lease expired on final attempt").
					Set("last_mod", now.UnixNano()).
					Where(sq.Eq{"id": job.ID}).
					RunWith(tx).ExecContext(ctx)
				if err != nil {
					return err
				}
				continue
			}
			job.Status = jobq.Processing
			job.LeaseOwner = workerID
			job.LeaseExpiresAt = now.Add(leaseFor).UnixNano()
			job.Attempts++
			job.Updated = now.UnixNano()
			_, err = sq.Update("jobq_jobs").
				Set("status", job.Status).
				Set("lease_owner", job.LeaseOwner).
				Set("lease_expires_at", job.LeaseExpiresAt).
				Set("attempts", job.Attempts).
				Set("last_mod", job.Updated).
				Where(sq.Eq{"id": job.ID}).
				RunWith(tx).ExecContext(ctx)
			if err != nil {
				return err
			}
			claimed = job
			return nil
		}
	}, internal.IsDeadlock)
	if err != nil {
		return nil, err
	}
	if claimed != nil && s.debug {
		fmt.Printf("mysql: claimed job %s for %s\n", claimed.ID, workerID)
	}
	return claimed, nil
}

// leaseGuard restricts an update to jobs still leased to workerID.
func leaseGuard(id, workerID string, now int64) sq.And {
	return sq.And{
		sq.Eq{"id": id},
		sq.Eq{"status": jobq.Processing},
		sq.Eq{"lease_owner": workerID},
		sq.Gt{"lease_expires_at": now},
	}
}

// checkLost maps a zero-row guarded update to ErrNotFound or
// ErrLeaseLost depending on whether the job exists at all.
func (s *Store) checkLost(ctx context.Context, id string) error {
	var one int
	err := sq.Select("1").From("jobq_jobs").Where(sq.Eq{"id": id}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&one)
	if internal.IsNotFound(err) {
		return jobq.ErrNotFound
	}
	if err != nil {
		return err
	}
	return jobq.ErrLeaseLost
}

// RenewLease extends the lease of a job still held by workerID.
func (s *Store) RenewLease(ctx context.Context, id, workerID string, leaseFor time.Duration) error {
	now := time.Now()
	res, err := sq.Update("jobq_jobs").
		Set("lease_expires_at", now.Add(leaseFor).UnixNano()).
		Set("last_mod", now.UnixNano()).
		Where(leaseGuard(id, workerID, now.UnixNano())).
		RunWith(s.db).ExecContext(ctx)
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
	now := time.Now().UnixNano()
	res, err := sq.Update("jobq_jobs").
		Set("status", jobq.Completed).
		Set("lease_owner", nil).
		Set("lease_expires_at", 0).
		Set("last_mod", now).
		Where(leaseGuard(id, workerID, now)).
		RunWith(s.db).ExecContext(ctx)
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
	return internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now()
		row := sq.Select("attempts", "max_attempts").From("jobq_jobs").
			Where(leaseGuard(id, workerID, now.UnixNano())).
			Suffix("FOR UPDATE").
			RunWith(tx).QueryRowContext(ctx)
		var attempts, maxAttempts int
		err := row.Scan(&attempts, &maxAttempts)
		if internal.IsNotFound(err) {
			return s.checkLost(ctx, id)
		}
		if err != nil {
			return err
		}
		upd := sq.Update("jobq_jobs").
			Set("lease_owner", nil).
			Set("lease_expires_at", 0).
			Set("last_error", cause).
			Set("last_mod", now.UnixNano()).
			Where(sq.Eq{"id": id})
		if terminal || attempts >= maxAttempts {
			upd = upd.Set("status", jobq.Failed)
		} else {
			upd = upd.Set("status", jobq.Queued).
				Set("run_at", now.Add(delay).UnixNano())
		}
		_, err = upd.RunWith(tx).ExecContext(ctx)
		return err
	}, internal.IsDeadlock)
}

// Cancel transitions a non-terminal job to Cancelled; a no-op on
// terminal jobs.
func (s *Store) Cancel(ctx context.Context, id string) error {
	now := time.Now().UnixNano()
	res, err := sq.Update("jobq_jobs").
		Set("status", jobq.Cancelled).
		Set("lease_owner", nil).
		Set("lease_expires_at", 0).
		Set("last_mod", now).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": []string{jobq.Queued, jobq.Processing}}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := sq.Select("1").From("jobq_jobs").Where(sq.Eq{"id": id}).
			RunWith(s.db).QueryRowContext(ctx).Scan(&one)
		if internal.IsNotFound(err) {
			return jobq.ErrNotFound
		}
		return err // already terminal: no-op
	}
	return nil
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*jobq.Job, error) {
	row := sq.Select(jobColumns...).From("jobq_jobs").
		Where(sq.Eq{"id": id}).
		RunWith(s.db).QueryRowContext(ctx)
	job, err := scanJob(row)
	if internal.IsNotFound(err) {
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
	rsp := &jobq.ListResponse{}

	filter := func(b sq.SelectBuilder) sq.SelectBuilder {
		if request.Class != "" {
			b = b.Where(sq.Eq{"class": request.Class})
		}
		if request.Status != "" {
			b = b.Where(sq.Eq{"status": request.Status})
		}
		return b
	}

	err := filter(sq.Select("COUNT(*)").From("jobq_jobs")).
		RunWith(s.db).QueryRowContext(ctx).Scan(&rsp.Total)
	if err != nil {
		return nil, err
	}

	qry := filter(sq.Select(jobColumns...).From("jobq_jobs")).
		OrderBy("last_mod DESC")
	if request.Offset > 0 {
		qry = qry.Offset(uint64(request.Offset))
	}
	if request.Limit > 0 {
		qry = qry.Limit(uint64(request.Limit))
	}
	rows, err := qry.RunWith(s.db).QueryContext(ctx)
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
	qry := sq.Select("status", "COUNT(*)").From("jobq_jobs").GroupBy("status")
	if req != nil && req.Class != "" {
		qry = qry.Where(sq.Eq{"class": req.Class})
	}
	rows, err := qry.RunWith(s.db).QueryContext(ctx)
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
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := sq.Delete("jobq_jobs").
		Where(sq.Eq{"status": []string{jobq.Completed, jobq.Failed, jobq.Cancelled}}).
		Where(sq.LtOrEq{"last_mod": cutoff}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// -- MySQL-internal representation of a job --

type row struct {
	ID             string
	Class          string
	Status         string
	Payload        sql.NullString
	Attempts       int
	MaxAttempts    int
	RunAt          int64
	LeaseOwner     sql.NullString
	LeaseExpiresAt int64
	LastError      sql.NullString
	DedupKey       sql.NullString
	Created        int64
	LastMod        int64
}

func newRow(job *jobq.Job) *row {
	return &row{
		ID:             job.ID,
		Class:          job.Class,
		Status:         job.Status,
		Payload:        sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0},
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		RunAt:          job.RunAt,
		LeaseOwner:     sql.NullString{String: job.LeaseOwner, Valid: job.LeaseOwner != ""},
		LeaseExpiresAt: job.LeaseExpiresAt,
		LastError:      sql.NullString{String: job.LastError, Valid: job.LastError != ""},
		DedupKey:       sql.NullString{String: job.DedupKey, Valid: job.DedupKey != ""},
		Created:        job.Created,
		LastMod:        job.Updated,
	}
}

// scanner is the subset of sql.Row and sql.Rows used by scanJob.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(sc scanner) (*jobq.Job, error) {
	var r row
	err := sc.Scan(&r.ID, &r.Class, &r.Status, &r.Payload, &r.Attempts,
		&r.MaxAttempts, &r.RunAt, &r.LeaseOwner, &r.LeaseExpiresAt,
		&r.LastError, &r.DedupKey, &r.Created, &r.LastMod)
	if err != nil {
		return nil, err
	}
	job := &jobq.Job{
		ID:             r.ID,
		Class:          r.Class,
		Status:         r.Status,
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		RunAt:          r.RunAt,
		LeaseOwner:     r.LeaseOwner.String,
		LeaseExpiresAt: r.LeaseExpiresAt,
		LastError:      r.LastError.String,
		DedupKey:       r.DedupKey.String,
		Created:        r.Created,
		Updated:        r.LastMod,
	}
	if r.Payload.Valid {
		job.Payload = []byte(r.Payload.String)
	}
	return job, nil
}
