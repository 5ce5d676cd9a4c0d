// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package mongodb implements a jobq.Store on a MongoDB collection.
// Claiming relies on findAndModify, which selects and updates one
// document atomically.
package mongodb

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/calque/jobq"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "jobq_jobs"
)

// Store represents a MongoDB-based storage backend.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	collectionName string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)

	// Create indices
	err = st.coll.EnsureIndexKey("status", "run_at")
	if err != nil {
		return nil, err
	}
	err = st.coll.EnsureIndexKey("class")
	if err != nil {
		return nil, err
	}
	err = st.coll.EnsureIndexKey("-last_mod")
	if err != nil {
		return nil, err
	}
	err = st.coll.EnsureIndex(mgo.Index{
		Key:    []string{"dedup_key"},
		Unique: true,
		Sparse: true, // jobs without a dedup key must not collide
	})
	if err != nil {
		return nil, err
	}

	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		return jobq.ErrNotFound
	}
	return err
}

// Start is called when the manager starts up. Jobs left Processing
// with expired leases by a previous run are swept back to Queued, or
// to Failed when they died on their final attempt.
func (s *Store) Start(ctx context.Context) error {
	return s.sweepExpired()
}

func (s *Store) sweepExpired() error {
	now := time.Now().UnixNano()
	expired := bson.M{
		"status":           jobq.Processing,
		"lease_expires_at": bson.M{"$lte": now},
	}
	exhausted := bson.M{
		"status":           jobq.Processing,
		"lease_expires_at": bson.M{"$lte": now},
		"$expr":            bson.M{"$gte": []string{"$attempts", "$max_attempts"}},
	}
	_, err := s.coll.UpdateAll(exhausted, bson.M{"$set": bson.M{
		"status":           jobq.Failed,
		"lease_owner":      "",
		"lease_expires_at": 0,
		"last_error":       "lease expired on final attempt",
		"last_mod":         now,
	}})
	if err != nil {
		return err
	}
	_, err = s.coll.UpdateAll(expired, bson.M{"$set": bson.M{
		"status":           jobq.Queued,
		"lease_owner":      "",
		"lease_expires_at": 0,
		"last_mod":         now,
	}})
	return err
}

// Enqueue adds a new job to the store. The sparse unique index on
// dedup_key makes deduplication race-free.
func (s *Store) Enqueue(ctx context.Context, job *jobq.Job) error {
	err := s.coll.Insert(newDoc(job))
	if err == nil {
		return nil
	}
	if mgo.IsDup(err) && job.DedupKey != "" {
		var d doc
		serr := s.coll.Find(bson.M{"dedup_key": job.DedupKey}).Select(bson.M{"_id": 1}).One(&d)
		if serr == nil {
			job.ID = d.ID
			return nil
		}
	}
	return err
}

// ClaimNext picks the next eligible job via findAndModify, which
// selects and updates atomically: no two claimers can take the same
// document. Returns (nil, nil) when no job is eligible.
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseFor time.Duration) (*jobq.Job, error) {
	now := time.Now()

	// Jobs whose owner died on the final attempt have nothing left to
	// retry; fail them rather than reclaiming.
	if err := s.sweepExpired(); err != nil {
		return nil, err
	}

	query := bson.M{
		"$or": []bson.M{
			{"status": jobq.Queued, "run_at": bson.M{"$lte": now.UnixNano()}},
			{"status": jobq.Processing, "lease_expires_at": bson.M{"$lte": now.UnixNano()}},
		},
		"$expr": bson.M{"$lt": []string{"$attempts", "$max_attempts"}},
	}
	change := mgo.Change{
		Update: bson.M{
			"$set": bson.M{
				"status":           jobq.Processing,
				"lease_owner":      workerID,
				"lease_expires_at": now.Add(leaseFor).UnixNano(),
				"last_mod":         now.UnixNano(),
			},
			"$inc": bson.M{"attempts": 1},
		},
		ReturnNew: true,
	}
	var d doc
	_, err := s.coll.Find(query).Sort("run_at", "_id").Apply(change, &d)
	if err == mgo.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.toJob(), nil
}

// leaseGuard matches the job only while workerID holds a live lease.
func leaseGuard(id, workerID string, now int64) bson.M {
	return bson.M{
		"_id":              id,
		"status":           jobq.Processing,
		"lease_owner":      workerID,
		"lease_expires_at": bson.M{"$gt": now},
	}
}

// checkLost maps a missed guarded update to ErrNotFound or ErrLeaseLost.
func (s *Store) checkLost(id string) error {
	n, err := s.coll.FindId(id).Count()
	if err != nil {
		return err
	}
	if n == 0 {
		return jobq.ErrNotFound
	}
	return jobq.ErrLeaseLost
}

// RenewLease extends the lease of a job still held by workerID.
func (s *Store) RenewLease(ctx context.Context, id, workerID string, leaseFor time.Duration) error {
	now := time.Now()
	err := s.coll.Update(leaseGuard(id, workerID, now.UnixNano()), bson.M{"$set": bson.M{
		"lease_expires_at": now.Add(leaseFor).UnixNano(),
		"last_mod":         now.UnixNano(),
	}})
	if err == mgo.ErrNotFound {
		return s.checkLost(id)
	}
	return err
}

// Complete transitions a job held by workerID to Completed.
func (s *Store) Complete(ctx context.Context, id, workerID string) error {
	now := time.Now().UnixNano()
	err := s.coll.Update(leaseGuard(id, workerID, now), bson.M{"$set": bson.M{
		"status":           jobq.Completed,
		"lease_owner":      "",
		"lease_expires_at": 0,
		"last_mod":         now,
	}})
	if err == mgo.ErrNotFound {
		return s.checkLost(id)
	}
	return err
}

// Fail records a failed attempt for a job held by workerID.
func (s *Store) Fail(ctx context.Context, id, workerID, cause string, delay time.Duration, terminal bool) error {
	now := time.Now()
	var d doc
	err := s.coll.Find(leaseGuard(id, workerID, now.UnixNano())).One(&d)
	if err == mgo.ErrNotFound {
		return s.checkLost(id)
	}
	if err != nil {
		return err
	}
	set := bson.M{
		"lease_owner":      "",
		"lease_expires_at": 0,
		"last_error":       cause,
		"last_mod":         now.UnixNano(),
	}
	if terminal || d.Attempts >= d.MaxAttempts {
		set["status"] = jobq.Failed
	} else {
		set["status"] = jobq.Queued
		set["run_at"] = now.Add(delay).UnixNano()
	}
	// The guard re-checks the lease, so the read above cannot race
	// with another claimer.
	err = s.coll.Update(leaseGuard(id, workerID, now.UnixNano()), bson.M{"$set": set})
	if err == mgo.ErrNotFound {
		return s.checkLost(id)
	}
	return err
}

// Cancel transitions a non-terminal job to Cancelled; a no-op on
// terminal jobs.
func (s *Store) Cancel(ctx context.Context, id string) error {
	now := time.Now().UnixNano()
	err := s.coll.Update(bson.M{
		"_id":    id,
		"status": bson.M{"$in": []string{jobq.Queued, jobq.Processing}},
	}, bson.M{"$set": bson.M{
		"status":           jobq.Cancelled,
		"lease_owner":      "",
		"lease_expires_at": 0,
		"last_mod":         now,
	}})
	if err == mgo.ErrNotFound {
		n, cerr := s.coll.FindId(id).Count()
		if cerr != nil {
			return cerr
		}
		if n == 0 {
			return jobq.ErrNotFound
		}
		return nil // already terminal: no-op
	}
	return err
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*jobq.Job, error) {
	var d doc
	err := s.coll.FindId(id).One(&d)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return d.toJob(), nil
}

// List returns a list of jobs, most recently updated first, filtered
// by the request.
func (s *Store) List(ctx context.Context, request *jobq.ListRequest) (*jobq.ListResponse, error) {
	query := bson.M{}
	if request.Class != "" {
		query["class"] = request.Class
	}
	if request.Status != "" {
		query["status"] = request.Status
	}
	rsp := &jobq.ListResponse{}
	total, err := s.coll.Find(query).Count()
	if err != nil {
		return nil, err
	}
	rsp.Total = total

	qry := s.coll.Find(query).Sort("-last_mod")
	if request.Offset > 0 {
		qry = qry.Skip(request.Offset)
	}
	if request.Limit > 0 {
		qry = qry.Limit(request.Limit)
	}
	var docs []doc
	if err := qry.All(&docs); err != nil {
		return nil, err
	}
	for _, d := range docs {
		rsp.Jobs = append(rsp.Jobs, d.toJob())
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context, req *jobq.StatsRequest) (*jobq.Stats, error) {
	count := func(status string) (int, error) {
		query := bson.M{"status": status}
		if req != nil && req.Class != "" {
			query["class"] = req.Class
		}
		return s.coll.Find(query).Count()
	}
	stats := &jobq.Stats{}
	var err error
	if stats.Queued, err = count(jobq.Queued); err != nil {
		return nil, err
	}
	if stats.Processing, err = count(jobq.Processing); err != nil {
		return nil, err
	}
	if stats.Completed, err = count(jobq.Completed); err != nil {
		return nil, err
	}
	if stats.Failed, err = count(jobq.Failed); err != nil {
		return nil, err
	}
	if stats.Cancelled, err = count(jobq.Cancelled); err != nil {
		return nil, err
	}
	return stats, nil
}

// Purge removes terminal jobs whose last update is older than the
// given age.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	info, err := s.coll.RemoveAll(bson.M{
		"status":   bson.M{"$in": []string{jobq.Completed, jobq.Failed, jobq.Cancelled}},
		"last_mod": bson.M{"$lte": cutoff},
	})
	if err != nil {
		return 0, err
	}
	return int64(info.Removed), nil
}

// -- MongoDB-internal representation of a job --

type doc struct {
	ID             string `bson:"_id"`
	Class          string `bson:"class"`
	Status         string `bson:"status"`
	Payload        []byte `bson:"payload,omitempty"`
	Attempts       int    `bson:"attempts"`
	MaxAttempts    int    `bson:"max_attempts"`
	RunAt          int64  `bson:"run_at"`
	LeaseOwner     string `bson:"lease_owner,omitempty"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
	LastError      string `bson:"last_error,omitempty"`
	DedupKey       string `bson:"dedup_key,omitempty"`
	Created        int64  `bson:"created"`
	LastMod        int64  `bson:"last_mod"`
}

func newDoc(job *jobq.Job) *doc {
	return &doc{
		ID:             job.ID,
		Class:          job.Class,
		Status:         job.Status,
		Payload:        job.Payload,
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		RunAt:          job.RunAt,
		LeaseOwner:     job.LeaseOwner,
		LeaseExpiresAt: job.LeaseExpiresAt,
		LastError:      job.LastError,
		DedupKey:       job.DedupKey,
		Created:        job.Created,
		LastMod:        job.Updated,
	}
}

func (d *doc) toJob() *jobq.Job {
	return &jobq.Job{
		ID:             d.ID,
		Class:          d.Class,
		Status:         d.Status,
		Payload:        d.Payload,
		Attempts:       d.Attempts,
		MaxAttempts:    d.MaxAttempts,
		RunAt:          d.RunAt,
		LeaseOwner:     d.LeaseOwner,
		LeaseExpiresAt: d.LeaseExpiresAt,
		LastError:      d.LastError,
		DedupKey:       d.DedupKey,
		Created:        d.Created,
		Updated:        d.LastMod,
	}
}
