// Package jobq manages enqueueing, leasing, executing, and retrying
// background jobs.
//
// Applications using jobq first create a Manager. One manager handles
// one or more job classes. There is one handler per class. Applications
// need to register classes and their handlers before starting the
// manager.
//
// Once started, the manager runs a pool of workers. Each worker
// repeatedly claims the next eligible job from the Store, executes the
// registered handler, and reports the outcome back through the same
// store. Claiming is atomic: the store leases the job to exactly one
// worker for a bounded duration, and the worker renews the lease while
// the handler runs. If a worker (or the whole process) dies, the lease
// expires and the job becomes claimable again. jobq therefore executes
// every job at least once; handlers must be idempotent.
//
// The manager has a Store to implement persistent storage. By default,
// an in-memory store is used. There are persistent stores backed by
// MySQL ("mysql" package), SQLite ("sqlite" package), MongoDB
// ("mongodb" package), and Redis ("redis" package). All stores provide
// the same contract and may be swapped via the SetStore option.
//
// New jobs are added via the Enqueue method, which returns the job's
// time-sortable identifier. Jobs may be delayed (WithDelay, WithRunAt),
// capped to a number of attempts (WithMaxAttempts), and deduplicated
// (WithDedupKey).
//
// A job is always in one of five states: Queued (waiting to be
// claimed), Processing (leased to a worker), and the terminal states
// Completed, Failed, and Cancelled. A failing job is requeued with
// exponential backoff until its attempts are exhausted, at which point
// it becomes Failed. Jobs whose class has no registered handler fail
// terminally without retries. The backoff is configurable via the
// SetRetryPolicy option.
//
// A Scheduler can be attached to enqueue predefined jobs on a cron
// expression; it uses the same producer interface as any other
// enqueuer.
package jobq
