package jobq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// worker is a single executor claiming and processing jobs.
type worker struct {
	m  *Manager
	id string
}

// newWorker creates a new worker. It spins up a new goroutine that
// claims jobs from the store until the manager is closed.
func newWorker(m *Manager, id string) *worker {
	w := &worker{m: m, id: id}
	go w.run()
	return w
}

// run is the main goroutine in the worker. It repeatedly claims the
// next eligible job and processes it. While the queue is idle, or the
// backend is unreachable, it waits with exponential backoff instead of
// spinning; transient claim errors are never surfaced per-attempt.
func (w *worker) run() {
	defer w.m.workersWg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.m.poll
	b.MaxInterval = w.m.pollMax
	b.MaxElapsedTime = 0 // poll forever
	b.Reset()

	for {
		select {
		case <-w.m.stopc:
			return
		default:
		}

		job, err := w.m.st.ClaimNext(w.m.ctx, w.id, w.m.leaseFor)
		if err != nil {
			if w.m.ctx.Err() != nil {
				return
			}
			w.m.logger.Printf("jobq: worker %s: claim failed: %v", w.id, err)
			if !w.sleep(b.NextBackOff()) {
				return
			}
			continue
		}
		if job == nil {
			// Queue is idle
			if !w.sleep(b.NextBackOff()) {
				return
			}
			continue
		}
		b.Reset()
		w.process(job)
	}
}

// sleep waits for the given duration. It returns false if the manager
// was closed while waiting.
func (w *worker) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.m.stopc:
		return false
	}
}

// process runs a single claimed job to an outcome.
func (w *worker) process(job *Job) {
	w.m.testJobClaimed() // testing hook
	w.m.events(Event{
		Type:     EventClaimed,
		JobID:    job.ID,
		Class:    job.Class,
		Status:   Processing,
		Attempts: job.Attempts,
	})

	h, found := w.m.handler(job.Class)
	if !found {
		// Retrying cannot fix a missing registration: fail terminally.
		w.m.logger.Printf("jobq: job %v: %v: %s", job.ID, ErrUnregisteredClass, job.Class)
		w.report(job, ErrUnregisteredClass, 0, true)
		return
	}

	hctx, cancel := context.WithCancel(w.m.ctx)
	defer cancel()

	done := make(chan error, 1)
	started := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("jobq: handler panic: %v", r)
			}
		}()
		done <- h(hctx, job.Payload)
	}()

	// Renew the lease halfway through its duration so a slow handler
	// does not lose the job mid-execution. The renewal runs in this
	// goroutine's select loop, so it cannot race with the outcome
	// report below.
	renew := time.NewTicker(w.m.leaseFor / 2)
	defer renew.Stop()

	for {
		select {
		case err := <-done:
			w.report(job, err, time.Since(started), false)
			return
		case <-renew.C:
			err := w.m.st.RenewLease(w.m.ctx, job.ID, w.id, w.m.leaseFor)
			if err == nil {
				w.m.testLeaseRenewed() // testing hook
				continue
			}
			if errors.Is(err, ErrLeaseLost) {
				// Another worker owns the job now. Stop the handler and
				// do not report an outcome: reporting would double-count
				// against the new owner's lease.
				w.m.logger.Printf("jobq: job %v: lease lost by worker %s", job.ID, w.id)
				w.m.testLeaseLost() // testing hook
				cancel()
				<-done // wait for the handler to unwind
				return
			}
			w.m.logger.Printf("jobq: job %v: lease renewal failed: %v", job.ID, err)
		}
	}
}

// report writes the job's outcome back to the store and emits the
// matching lifecycle event.
func (w *worker) report(job *Job, jobErr error, duration time.Duration, terminal bool) {
	if jobErr == nil {
		err := w.m.st.Complete(w.m.ctx, job.ID, w.id)
		if err != nil {
			if errors.Is(err, ErrLeaseLost) {
				w.m.testLeaseLost() // testing hook
			}
			w.m.logger.Printf("jobq: job %v: complete failed: %v", job.ID, err)
			return
		}
		w.m.testJobSucceeded() // testing hook
		w.m.events(Event{
			Type:     EventCompleted,
			JobID:    job.ID,
			Class:    job.Class,
			Status:   Completed,
			Attempts: job.Attempts,
			Duration: duration,
		})
		return
	}

	w.m.logger.Printf("jobq: job %v failed: %v", job.ID, jobErr)

	delay := w.m.retry.Delay(job.Attempts)
	err := w.m.st.Fail(w.m.ctx, job.ID, w.id, jobErr.Error(), delay, terminal)
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			w.m.testLeaseLost() // testing hook
		}
		w.m.logger.Printf("jobq: job %v: fail report failed: %v", job.ID, err)
		return
	}
	if terminal || job.Attempts >= job.MaxAttempts {
		w.m.testJobFailed() // testing hook
		w.m.events(Event{
			Type:     EventFailed,
			JobID:    job.ID,
			Class:    job.Class,
			Status:   Failed,
			Attempts: job.Attempts,
			Duration: duration,
			Err:      jobErr.Error(),
		})
		return
	}
	w.m.testJobRetry() // testing hook
	w.m.events(Event{
		Type:     EventRetried,
		JobID:    job.ID,
		Class:    job.Class,
		Status:   Queued,
		Attempts: job.Attempts,
		Duration: duration,
		Err:      jobErr.Error(),
	})
}
