// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultConcurrency = 5
	defaultMaxAttempts = 5
	defaultLease       = 30 * time.Second
	defaultPoll        = 100 * time.Millisecond
	defaultPollMax     = 2 * time.Second
)

func nop()           {}
func nopEvent(Event) {}

// Manager owns the handler registry and the worker pool. Create a new
// manager via New, register handlers, then call Start.
type Manager struct {
	logger   Logger
	st       Store // durable storage
	retry    RetryPolicy
	leaseFor time.Duration // lease duration for claimed jobs
	poll     time.Duration // initial wait when the queue is idle
	pollMax  time.Duration // maximum wait when the queue is idle
	events   EventHandler

	mu          sync.Mutex         // guards the following block
	tm          map[string]Handler // maps class to handler
	classMax    map[string]int     // per-class MaxAttempts overrides
	concurrency int                // number of parallel workers
	workerID    string             // base token for worker identities
	started     bool
	workers     []*worker
	workersWg   sync.WaitGroup
	stopc       chan struct{}
	ctx         context.Context // store context, cancelled on close
	cancel      context.CancelFunc

	testJobClaimed   func() // testing hook
	testJobSucceeded func() // testing hook
	testJobRetry     func() // testing hook
	testJobFailed    func() // testing hook
	testLeaseLost    func() // testing hook
	testLeaseRenewed func() // testing hook
}

// New creates a new manager. Pass options to New to configure it.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:           stdLogger{},
		st:               NewInMemoryStore(),
		retry:            DefaultRetryPolicy,
		leaseFor:         defaultLease,
		poll:             defaultPoll,
		pollMax:          defaultPollMax,
		events:           nopEvent,
		tm:               make(map[string]Handler),
		classMax:         make(map[string]int),
		concurrency:      defaultConcurrency,
		workerID:         uuid.NewString(),
		testJobClaimed:   nop,
		testJobSucceeded: nop,
		testJobRetry:     nop,
		testJobFailed:    nop,
		testLeaseLost:    nop,
		testLeaseRenewed: nop,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// SetStore specifies the backing Store implementation for the manager.
// The in-memory store is used by default.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
	}
}

// SetRetryPolicy specifies the backoff applied between retries of
// failed jobs. DefaultRetryPolicy is used by default.
func SetRetryPolicy(p RetryPolicy) ManagerOption {
	return func(m *Manager) {
		m.retry = p
	}
}

// SetConcurrency sets the maximum number of workers that will run at
// the same time. Concurrency must be greater or equal to 1 and is 5 by
// default.
func SetConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.concurrency = n
	}
}

// SetLeaseDuration sets how long a claimed job is leased to a worker
// before it becomes reclaimable. Workers renew the lease halfway
// through, so only a worker that died stops renewing.
func SetLeaseDuration(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.leaseFor = d
		}
	}
}

// SetPollInterval sets the initial and maximum wait between claim
// attempts while the queue is idle. The wait starts at initial and
// backs off exponentially up to max.
func SetPollInterval(initial, max time.Duration) ManagerOption {
	return func(m *Manager) {
		if initial > 0 {
			m.poll = initial
		}
		if max > 0 {
			m.pollMax = max
		}
	}
}

// SetEventHandler installs a sink for job lifecycle events. The sink
// is invoked from worker goroutines and must not block.
func SetEventHandler(fn EventHandler) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.events = fn
		} else {
			m.events = nopEvent
		}
	}
}

// SetWorkerID overrides the randomly generated base token used for
// worker identities. Useful to correlate leases with a host name.
func SetWorkerID(id string) ManagerOption {
	return func(m *Manager) {
		if id != "" {
			m.workerID = id
		}
	}
}

// SetClassMaxAttempts overrides the default maximum number of attempts
// for all jobs of the given class.
func SetClassMaxAttempts(class string, n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.classMax[class] = n
		}
	}
}

// Register registers a class and the associated handler for jobs with
// that class.
func (m *Manager) Register(class string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.tm[class]; found {
		return fmt.Errorf("jobq: class %s already registered", class)
	}
	m.tm[class] = h
	return nil
}

func (m *Manager) handler(class string) (Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, found := m.tm[class]
	return h, found
}

// -- Start and Stop --

// Start runs the manager. Use Stop, Close, or CloseWithTimeout to stop it.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("jobq: manager already started")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	// Initialize Store
	if err := m.st.Start(m.ctx); err != nil {
		m.cancel()
		return err
	}

	m.stopc = make(chan struct{})
	m.workers = make([]*worker, m.concurrency)
	for i := 0; i < m.concurrency; i++ {
		m.workersWg.Add(1)
		m.workers[i] = newWorker(m, fmt.Sprintf("%s-%d", m.workerID, i))
	}

	m.started = true
	return nil
}

// Stop stops the manager. It waits for working jobs to finish.
func (m *Manager) Stop() error {
	return m.Close()
}

// Close is an alias to Stop. It stops the manager and waits for working
// jobs to finish.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the manager. It waits for the specified timeout,
// then closes down, even if there are still jobs working. If the timeout
// is negative, the manager waits forever for all working jobs to end.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// Stop claiming new jobs
	close(m.stopc)

	// Wait for all workers to complete?
	if timeout.Nanoseconds() < 0 {
		// Yes: Wait forever
		m.workersWg.Wait()
		m.finishClose()
		return nil
	}

	// Wait with timeout
	complete := make(chan struct{})
	go func() {
		m.workersWg.Wait()
		close(complete)
	}()
	var err error
	select {
	case <-complete: // Completed in time
	case <-time.After(timeout):
		err = errors.New("jobq: close timed out")
	}
	m.finishClose()
	return err
}

func (m *Manager) finishClose() {
	m.cancel()
	m.mu.Lock()
	m.started = false
	m.workers = nil
	m.mu.Unlock()
}

// -- Enqueue --

// EnqueueOption configures a single call to Enqueue.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	delay       time.Duration
	runAt       time.Time
	maxAttempts int
	dedupKey    string
}

// WithDelay makes the job eligible for claiming no earlier than the
// given duration from now.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}

// WithRunAt makes the job eligible for claiming no earlier than t.
func WithRunAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.runAt = t
	}
}

// WithMaxAttempts overrides the maximum number of attempts for this job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxAttempts = n
	}
}

// WithDedupKey attaches a deduplication key. Enqueueing a second job
// with the same key returns the identifier of the first instead of
// creating a duplicate. Enforcement strictness is a per-backend
// capability.
func WithDedupKey(key string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.dedupKey = key
	}
}

// Enqueue gives the manager a new job to execute and returns its
// identifier. If Enqueue returns nil, the caller can be sure the job is
// stored in the backing store; enqueue failures are never swallowed.
//
// The class does not have to be registered with this manager: producers
// may enqueue jobs for classes registered in a different process. A
// class that is still unregistered at dispatch time fails terminally.
func (m *Manager) Enqueue(ctx context.Context, class string, payload json.RawMessage, options ...EnqueueOption) (string, error) {
	if class == "" {
		return "", errors.New("jobq: no class specified")
	}
	var opts enqueueOptions
	for _, opt := range options {
		opt(&opts)
	}

	id, err := uuid.NewV7() // K-sortable in creation order
	if err != nil {
		return "", err
	}

	now := time.Now()
	runAt := now.Add(opts.delay)
	if !opts.runAt.IsZero() {
		runAt = opts.runAt
	}
	maxAttempts := opts.maxAttempts
	if maxAttempts <= 0 {
		m.mu.Lock()
		if n, ok := m.classMax[class]; ok {
			maxAttempts = n
		} else {
			maxAttempts = defaultMaxAttempts
		}
		m.mu.Unlock()
	}

	job := &Job{
		ID:          id.String(),
		Class:       class,
		Payload:     payload,
		Status:      Queued,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		RunAt:       runAt.UnixNano(),
		DedupKey:    opts.dedupKey,
		Created:     now.UnixNano(),
		Updated:     now.UnixNano(),
	}
	if err := m.st.Enqueue(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// -- Cancel, Stats, Lookup and List --

// Cancel transitions a non-terminal job to Cancelled. A job that is
// already executing is not interrupted; see Store.Cancel.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.st.Cancel(ctx, id)
}

// Stats returns current statistics about the job queue.
func (m *Manager) Stats(ctx context.Context, req *StatsRequest) (*Stats, error) {
	return m.st.Stats(ctx, req)
}

// Lookup returns the job with the specified identifier.
// If no such job exists, ErrNotFound is returned.
func (m *Manager) Lookup(ctx context.Context, id string) (*Job, error) {
	return m.st.Lookup(ctx, id)
}

// List returns all jobs matching the parameters in the request.
func (m *Manager) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return m.st.List(ctx, req)
}

// Purge removes terminal jobs older than the given age.
func (m *Manager) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	return m.st.Purge(ctx, olderThan)
}
