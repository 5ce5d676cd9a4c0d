// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-memory store implementation. It
// implements the Store interface and is intended for tests and
// single-process use; jobs do not survive a restart.
type InMemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	dedup map[string]string // dedup key to job id
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:  make(map[string]*Job),
		dedup: make(map[string]string),
	}
}

// Start the store.
func (st *InMemoryStore) Start(ctx context.Context) error {
	return nil
}

// Close the store.
func (st *InMemoryStore) Close() error {
	return nil
}

// Enqueue adds a new job in the Queued state.
func (st *InMemoryStore) Enqueue(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if job.DedupKey != "" {
		if id, found := st.dedup[job.DedupKey]; found {
			job.ID = id
			return nil
		}
		st.dedup[job.DedupKey] = job.ID
	}
	cp := *job
	st.jobs[job.ID] = &cp
	return nil
}

// ClaimNext picks the eligible job with the least (RunAt, ID) and
// leases it to workerID.
func (st *InMemoryStore) ClaimNext(ctx context.Context, workerID string, leaseFor time.Duration) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now().UnixNano()
	var next *Job
	for _, job := range st.jobs {
		if !st.eligible(job, now) {
			continue
		}
		if job.Status == Processing && job.Attempts >= job.MaxAttempts {
			// The previous owner died on the final attempt. There is
			// nothing left to retry.
			job.Status = Failed
			job.LastError = "lease expired on final attempt"
			job.LeaseOwner = ""
			job.LeaseExpiresAt = 0
			job.Updated = now
			continue
		}
		if next == nil || job.RunAt < next.RunAt || (job.RunAt == next.RunAt && job.ID < next.ID) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = Processing
	next.LeaseOwner = workerID
	next.LeaseExpiresAt = time.Now().Add(leaseFor).UnixNano()
	next.Attempts++
	next.Updated = now
	cp := *next
	return &cp, nil
}

func (st *InMemoryStore) eligible(job *Job, now int64) bool {
	switch job.Status {
	case Queued:
		return job.RunAt <= now
	case Processing:
		return job.LeaseExpiresAt <= now
	}
	return false
}

// leased returns the job if workerID holds a live lease on it.
func (st *InMemoryStore) leased(id, workerID string, now int64) (*Job, error) {
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	if job.Status != Processing || job.LeaseOwner != workerID || job.LeaseExpiresAt <= now {
		return nil, ErrLeaseLost
	}
	return job, nil
}

// RenewLease extends the lease on a job still held by workerID.
func (st *InMemoryStore) RenewLease(ctx context.Context, id, workerID string, leaseFor time.Duration) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	job, err := st.leased(id, workerID, now.UnixNano())
	if err != nil {
		return err
	}
	job.LeaseExpiresAt = now.Add(leaseFor).UnixNano()
	job.Updated = now.UnixNano()
	return nil
}

// Complete transitions a job held by workerID to Completed.
func (st *InMemoryStore) Complete(ctx context.Context, id, workerID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now().UnixNano()
	job, err := st.leased(id, workerID, now)
	if err != nil {
		return err
	}
	job.Status = Completed
	job.LeaseOwner = ""
	job.LeaseExpiresAt = 0
	job.Updated = now
	return nil
}

// Fail records a failed attempt for a job held by workerID.
func (st *InMemoryStore) Fail(ctx context.Context, id, workerID, cause string, delay time.Duration, terminal bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	job, err := st.leased(id, workerID, now.UnixNano())
	if err != nil {
		return err
	}
	job.LastError = cause
	job.LeaseOwner = ""
	job.LeaseExpiresAt = 0
	job.Updated = now.UnixNano()
	if terminal || job.Attempts >= job.MaxAttempts {
		job.Status = Failed
	} else {
		job.Status = Queued
		job.RunAt = now.Add(delay).UnixNano()
	}
	return nil
}

// Cancel transitions a non-terminal job to Cancelled. Terminal jobs
// are left untouched.
func (st *InMemoryStore) Cancel(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return ErrNotFound
	}
	if IsTerminal(job.Status) {
		return nil
	}
	job.Status = Cancelled
	job.LeaseOwner = ""
	job.LeaseExpiresAt = 0
	job.Updated = time.Now().UnixNano()
	return nil
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(ctx context.Context, id string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// List finds matching jobs, most recently updated first.
func (st *InMemoryStore) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var matches []*Job
	for _, job := range st.jobs {
		if req.Class != "" && job.Class != req.Class {
			continue
		}
		if req.Status != "" && job.Status != req.Status {
			continue
		}
		matches = append(matches, job)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Updated > matches[j].Updated
	})
	rsp := &ListResponse{Total: len(matches)}
	for i, job := range matches {
		if i < req.Offset {
			continue
		}
		if req.Limit > 0 && len(rsp.Jobs) >= req.Limit {
			break
		}
		cp := *job
		rsp.Jobs = append(rsp.Jobs, &cp)
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (st *InMemoryStore) Stats(ctx context.Context, req *StatsRequest) (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, job := range st.jobs {
		if req != nil && req.Class != "" && job.Class != req.Class {
			continue
		}
		switch job.Status {
		default:
			return nil, fmt.Errorf("jobq: found unknown status %v", job.Status)
		case Queued:
			stats.Queued++
		case Processing:
			stats.Processing++
		case Completed:
			stats.Completed++
		case Failed:
			stats.Failed++
		case Cancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// Purge removes terminal jobs whose last update is older than the
// given age.
func (st *InMemoryStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cutoff := time.Now().Add(-olderThan).UnixNano()
	var n int64
	for id, job := range st.jobs {
		if IsTerminal(job.Status) && job.Updated <= cutoff {
			delete(st.jobs, id)
			if job.DedupKey != "" {
				delete(st.dedup, job.DedupKey)
			}
			n++
		}
	}
	return n, nil
}
