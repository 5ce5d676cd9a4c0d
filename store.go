// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobq

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound must be returned from Store implementations when a
	// certain job could not be found in the specific data store.
	ErrNotFound = errors.New("jobq: job not found")

	// ErrLeaseLost is returned when a worker reports on a job whose
	// lease has expired and was reclaimed or reassigned. The caller must
	// stop any residual work and must not report on the job again.
	ErrLeaseLost = errors.New("jobq: lease lost")

	// ErrUnregisteredClass is returned when no handler has been
	// registered for a job's class at dispatch time. Jobs failing with
	// it are terminal: retrying cannot fix a missing registration.
	ErrUnregisteredClass = errors.New("jobq: class not registered")
)

// Store implements durable storage of jobs. All backends provide the
// same contract; they differ only in how they make claiming atomic.
//
// Claiming guarantees that at most one worker holds a live lease on a
// given job at any instant. Leases substitute for long-held locks: they
// expire automatically, which is the sole recovery mechanism for a
// worker that dies mid-job.
type Store interface {
	// Start is called when the manager starts up. This is a good time
	// for cleanup, e.g. a persistent store might requeue jobs whose
	// leases expired during a previous run.
	Start(ctx context.Context) error

	// Enqueue durably stores a new job in the Queued state. If the job
	// carries a DedupKey that the store has seen before, Enqueue is
	// idempotent: it returns nil and rewrites job.ID to the identifier
	// of the job already stored under that key. How strictly the key is
	// enforced is a per-backend capability; see the backend packages.
	Enqueue(ctx context.Context, job *Job) error

	// ClaimNext atomically selects one eligible job, transitions it to
	// Processing, sets the lease fields, increments Attempts, and
	// returns it. A job is eligible if it is Queued with RunAt due, or
	// Processing with an expired lease. Eligible jobs are claimed in
	// (RunAt, ID) order. If no job is eligible, ClaimNext returns nil
	// for both the job and the error; callers poll with backoff.
	ClaimNext(ctx context.Context, workerID string, leaseFor time.Duration) (*Job, error)

	// RenewLease extends the lease of a job still held by workerID.
	// It returns ErrLeaseLost if the lease expired and was reclaimed.
	RenewLease(ctx context.Context, id, workerID string, leaseFor time.Duration) error

	// Complete transitions a job from Processing to Completed and
	// clears the lease fields. It returns ErrLeaseLost if workerID no
	// longer holds a live lease on the job.
	Complete(ctx context.Context, id, workerID string) error

	// Fail records a failed attempt. If the job has attempts left and
	// terminal is false, it transitions back to Queued with RunAt set
	// delay from now; otherwise it transitions to Failed and retains
	// cause as its last error. It returns ErrLeaseLost under the same
	// condition as Complete.
	Fail(ctx context.Context, id, workerID, cause string, delay time.Duration, terminal bool) error

	// Cancel transitions a non-terminal job to Cancelled. It is a
	// no-op on jobs that already reached a terminal state. A job that
	// is currently executing is not interrupted; cancellation takes
	// effect when its executor next consults the store.
	Cancel(ctx context.Context, id string) error

	// Lookup returns the details of a job by its identifier.
	// If the job could not be found, ErrNotFound must be returned.
	Lookup(ctx context.Context, id string) (*Job, error)

	// List returns a list of jobs filtered by the ListRequest.
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)

	// Stats returns statistics about the store, e.g. the number of jobs
	// queued, processing, completed, failed, and cancelled.
	Stats(ctx context.Context, req *StatsRequest) (*Stats, error)

	// Purge removes terminal jobs whose last update is older than the
	// given age, returning the number of jobs removed.
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// StatsRequest filters the jobs counted by Stats.
type StatsRequest struct {
	Class string // filter by class
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	Class  string // filter by class
	Status string // filter by job status
	Limit  int    // maximum number of jobs to return
	Offset int    // number of jobs to skip (for pagination)
}

// ListResponse is the outcome of invoking List on the Store.
type ListResponse struct {
	Total int    // total number of jobs found, excluding pagination
	Jobs  []*Job // list of jobs
}
