// Package redis implements a jobq.Store on a Redis server. Jobs live
// in per-job Hashes; claimable ids sit in a Sorted Set scored by their
// run time, leased ids in a Sorted Set scored by lease expiry, and
// terminal ids in per-status Sets (failed jobs are retained for
// inspection rather than deleted). Multi-step transitions run as Lua
// scripts, making them atomic by Redis's single-threaded execution.
//
// Deduplication is best effort: the key-to-id mapping is written with
// SET NX, but it is not transactional with the job Hash itself.
package redis

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/calque/jobq"
)

// Store represents a Redis-based storage backend.
// It implements the jobq.Store interface.
type Store struct {
	client *goredis.Client
}

// NewStore creates a new Redis-based storage backend. The url is a
// Redis connection URL, e.g. "redis://localhost:6379/0".
func NewStore(url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Store{client: goredis.NewClient(opts)}, nil
}

// NewStoreWithClient wraps an existing client, e.g. one shared with
// the rest of the application.
func NewStoreWithClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Start verifies the connection. Crash recovery needs no sweep here:
// expired members of the processing set are reclaimed by ClaimNext.
func (s *Store) Start(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// wrapError maps script error replies to jobq sentinel errors.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "jobq_not_found"):
		return jobq.ErrNotFound
	case strings.Contains(msg, "jobq_lease_lost"):
		return jobq.ErrLeaseLost
	}
	return err
}

func ms(ns int64) int64 { return ns / int64(time.Millisecond) }

// Enqueue publishes a new job. With a dedup key, the first enqueue
// wins and later ones receive the original job's identifier.
func (s *Store) Enqueue(ctx context.Context, job *jobq.Job) error {
	if job.DedupKey != "" {
		ok, err := s.client.SetNX(ctx, dedupKey(job.DedupKey), job.ID, 0).Result()
		if err != nil {
			return err
		}
		if !ok {
			id, err := s.client.Get(ctx, dedupKey(job.DedupKey)).Result()
			if err != nil {
				return err
			}
			job.ID = id
			return nil
		}
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), jobToMap(job))
	pipe.SAdd(ctx, jobsKey, job.ID)
	pipe.ZAdd(ctx, readyKey, goredis.Z{Score: float64(ms(job.RunAt)), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// ClaimNext pops one eligible job via the claim script. Expired leases
// are reclaimed before new work; the ready set is popped in run-time
// order. Returns (nil, nil) when nothing is due.
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseFor time.Duration) (*jobq.Job, error) {
	now := time.Now()
	leaseExp := now.Add(leaseFor)
	res, err := claimScript.Run(ctx, s.client,
		[]string{readyKey, processingKey, failedKey},
		ms(now.UnixNano()), ms(leaseExp.UnixNano()), workerID, jobKeyPrefix,
		leaseExp.UnixNano(), now.UnixNano(),
	).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) == 0 {
		return nil, nil
	}
	return mapToJob(fields)
}

// RenewLease extends the lease of a job still held by workerID.
func (s *Store) RenewLease(ctx context.Context, id, workerID string, leaseFor time.Duration) error {
	now := time.Now()
	leaseExp := now.Add(leaseFor)
	return wrapError(renewScript.Run(ctx, s.client,
		[]string{processingKey, jobKey(id)},
		id, workerID, ms(now.UnixNano()), ms(leaseExp.UnixNano()),
		leaseExp.UnixNano(), now.UnixNano(),
	).Err())
}

// Complete transitions a job held by workerID to Completed.
func (s *Store) Complete(ctx context.Context, id, workerID string) error {
	now := time.Now()
	return wrapError(completeScript.Run(ctx, s.client,
		[]string{processingKey, jobKey(id), completedKey},
		id, workerID, ms(now.UnixNano()), now.UnixNano(),
	).Err())
}

// Fail records a failed attempt for a job held by workerID.
func (s *Store) Fail(ctx context.Context, id, workerID, cause string, delay time.Duration, terminal bool) error {
	now := time.Now()
	retryAt := now.Add(delay)
	term := "0"
	if terminal {
		term = "1"
	}
	return wrapError(failScript.Run(ctx, s.client,
		[]string{processingKey, jobKey(id), readyKey, failedKey},
		id, workerID, ms(now.UnixNano()), cause, term,
		ms(retryAt.UnixNano()), retryAt.UnixNano(), now.UnixNano(),
	).Err())
}

// Cancel transitions a non-terminal job to Cancelled; a no-op on
// terminal jobs.
func (s *Store) Cancel(ctx context.Context, id string) error {
	return wrapError(cancelScript.Run(ctx, s.client,
		[]string{readyKey, processingKey, cancelledKey, jobKey(id)},
		id, time.Now().UnixNano(),
	).Err())
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*jobq.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, jobq.ErrNotFound
	}
	return hashToJob(fields)
}

// List returns a list of jobs, most recently updated first, filtered
// by the request. It enumerates the full job set and is meant for
// inspection, not for hot paths on large queues.
func (s *Store) List(ctx context.Context, request *jobq.ListRequest) (*jobq.ListResponse, error) {
	ids, err := s.client.SMembers(ctx, jobsKey).Result()
	if err != nil {
		return nil, err
	}
	var matches []*jobq.Job
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue // purged concurrently
		}
		job, err := hashToJob(fields)
		if err != nil {
			return nil, err
		}
		if request.Class != "" && job.Class != request.Class {
			continue
		}
		if request.Status != "" && job.Status != request.Status {
			continue
		}
		matches = append(matches, job)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Updated > matches[j].Updated
	})
	rsp := &jobq.ListResponse{Total: len(matches)}
	for i, job := range matches {
		if i < request.Offset {
			continue
		}
		if request.Limit > 0 && len(rsp.Jobs) >= request.Limit {
			break
		}
		rsp.Jobs = append(rsp.Jobs, job)
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store. Without a
// class filter it reads the set cardinalities; jobs whose lease has
// expired but that have not been reclaimed yet still count as
// Processing.
func (s *Store) Stats(ctx context.Context, req *jobq.StatsRequest) (*jobq.Stats, error) {
	if req != nil && req.Class != "" {
		return s.statsByScan(ctx, req.Class)
	}
	pipe := s.client.Pipeline()
	queued := pipe.ZCard(ctx, readyKey)
	processing := pipe.ZCard(ctx, processingKey)
	completed := pipe.SCard(ctx, completedKey)
	failed := pipe.SCard(ctx, failedKey)
	cancelled := pipe.SCard(ctx, cancelledKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &jobq.Stats{
		Queued:     int(queued.Val()),
		Processing: int(processing.Val()),
		Completed:  int(completed.Val()),
		Failed:     int(failed.Val()),
		Cancelled:  int(cancelled.Val()),
	}, nil
}

func (s *Store) statsByScan(ctx context.Context, class string) (*jobq.Stats, error) {
	rsp, err := s.List(ctx, &jobq.ListRequest{Class: class})
	if err != nil {
		return nil, err
	}
	stats := &jobq.Stats{}
	for _, job := range rsp.Jobs {
		switch job.Status {
		case jobq.Queued:
			stats.Queued++
		case jobq.Processing:
			stats.Processing++
		case jobq.Completed:
			stats.Completed++
		case jobq.Failed:
			stats.Failed++
		case jobq.Cancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// Purge removes terminal jobs whose last update is older than the
// given age.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	var n int64
	for _, set := range []string{completedKey, failedKey, cancelledKey} {
		ids, err := s.client.SMembers(ctx, set).Result()
		if err != nil {
			return n, err
		}
		for _, id := range ids {
			fields, err := s.client.HMGet(ctx, jobKey(id), "last_mod", "dedup_key").Result()
			if err != nil {
				return n, err
			}
			lastMod := parseInt(fields[0])
			if lastMod > cutoff {
				continue
			}
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, jobKey(id))
			pipe.SRem(ctx, set, id)
			pipe.SRem(ctx, jobsKey, id)
			if dk, ok := fields[1].(string); ok && dk != "" {
				pipe.Del(ctx, dedupKey(dk))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// -- Hash mapping --

func jobToMap(job *jobq.Job) map[string]interface{} {
	return map[string]interface{}{
		"id":               job.ID,
		"class":            job.Class,
		"payload":          string(job.Payload),
		"status":           job.Status,
		"attempts":         job.Attempts,
		"max_attempts":     job.MaxAttempts,
		"run_at":           job.RunAt,
		"lease_owner":      job.LeaseOwner,
		"lease_expires_at": job.LeaseExpiresAt,
		"last_error":       job.LastError,
		"dedup_key":        job.DedupKey,
		"created":          job.Created,
		"last_mod":         job.Updated,
	}
}

// mapToJob converts a flat HGETALL reply from a script into a Job.
func mapToJob(flat []interface{}) (*jobq.Job, error) {
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, ok1 := flat[i].(string)
		v, ok2 := flat[i+1].(string)
		if !ok1 || !ok2 {
			return nil, errors.New("redis: malformed job hash reply")
		}
		fields[k] = v
	}
	return hashToJob(fields)
}

func hashToJob(fields map[string]string) (*jobq.Job, error) {
	if fields["id"] == "" {
		return nil, errors.New("redis: job hash missing id")
	}
	job := &jobq.Job{
		ID:             fields["id"],
		Class:          fields["class"],
		Status:         fields["status"],
		Attempts:       int(parseIntStr(fields["attempts"])),
		MaxAttempts:    int(parseIntStr(fields["max_attempts"])),
		RunAt:          parseIntStr(fields["run_at"]),
		LeaseOwner:     fields["lease_owner"],
		LeaseExpiresAt: parseIntStr(fields["lease_expires_at"]),
		LastError:      fields["last_error"],
		DedupKey:       fields["dedup_key"],
		Created:        parseIntStr(fields["created"]),
		Updated:        parseIntStr(fields["last_mod"]),
	}
	if p := fields["payload"]; p != "" {
		job.Payload = []byte(p)
	}
	return job, nil
}

func parseIntStr(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	return parseIntStr(s)
}
