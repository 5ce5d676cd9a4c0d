package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/calque/jobq"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore failed with %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	return st
}

func newTestJob(id, class string) *jobq.Job {
	now := time.Now().UnixNano()
	return &jobq.Job{
		ID:          id,
		Class:       class,
		Status:      jobq.Queued,
		MaxAttempts: 3,
		RunAt:       now,
		Created:     now,
		Updated:     now,
	}
}

func TestStoreEnqueueAndLookup(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job := newTestJob("1", "mail")
	job.Payload = []byte(`{"to":"joe"}`)
	if err := st.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	got, err := st.Lookup(ctx, "1")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.Class, "mail"; have != want {
		t.Fatalf("Class = %q, want %q", have, want)
	}
	if have, want := string(got.Payload), `{"to":"joe"}`; have != want {
		t.Fatalf("Payload = %s, want %s", have, want)
	}
	if have, want := got.Status, jobq.Queued; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := got.MaxAttempts, 3; have != want {
		t.Fatalf("MaxAttempts = %d, want %d", have, want)
	}
	if _, err := st.Lookup(ctx, "no-such-job"); !errors.Is(err, jobq.ErrNotFound) {
		t.Fatalf("Lookup of missing job = %v, want ErrNotFound", err)
	}
}

func TestStoreDedup(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first := newTestJob("1", "mail")
	first.DedupKey = "mail-42"
	if err := st.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	second := newTestJob("2", "mail")
	second.DedupKey = "mail-42"
	if err := st.Enqueue(ctx, second); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if have, want := second.ID, "1"; have != want {
		t.Fatalf("ID = %q, want %q", have, want)
	}
	stats, err := st.Stats(ctx, &jobq.StatsRequest{})
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if have, want := stats.Queued, 1; have != want {
		t.Fatalf("Queued = %d, want %d", have, want)
	}
}

func TestStoreClaimNext(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	// Empty queue
	job, err := st.ClaimNext(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if job != nil {
		t.Fatalf("claimed %v from an empty queue", job.ID)
	}

	if err := st.Enqueue(ctx, newTestJob("1", "mail")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	job, err = st.ClaimNext(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if job == nil {
		t.Fatal("expected to claim a job")
	}
	if have, want := job.Status, jobq.Processing; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := job.Attempts, 1; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	if have, want := job.LeaseOwner, "w1"; have != want {
		t.Fatalf("LeaseOwner = %q, want %q", have, want)
	}

	// Invisible while the lease lives
	job, err = st.ClaimNext(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if job != nil {
		t.Fatalf("claimed %v although its lease is live", job.ID)
	}
}

// TestStoreConcurrentClaim runs many workers against a single job:
// exactly one claim must succeed.
func TestStoreConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Enqueue(ctx, newTestJob("1", "mail")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	claims := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := st.ClaimNext(ctx, fmt.Sprintf("w%d", i), time.Minute)
			if err != nil {
				t.Errorf("ClaimNext failed with %v", err)
				return
			}
			if job != nil {
				claims <- job.LeaseOwner
			}
		}(i)
	}
	wg.Wait()
	close(claims)

	var n int
	for range claims {
		n++
	}
	if have, want := n, 1; have != want {
		t.Fatalf("%d successful claims, want %d", have, want)
	}
}

func TestStoreClaimOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	now := time.Now()
	second := newTestJob("b", "mail")
	second.RunAt = now.Add(-1 * time.Second).UnixNano()
	first := newTestJob("c", "mail")
	first.RunAt = now.Add(-2 * time.Second).UnixNano()
	for _, job := range []*jobq.Job{second, first} {
		if err := st.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue failed with %v", err)
		}
	}

	job, err := st.ClaimNext(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if have, want := job.ID, "c"; have != want {
		t.Fatalf("claimed %q, want %q", have, want)
	}
	job, err = st.ClaimNext(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if have, want := job.ID, "b"; have != want {
		t.Fatalf("claimed %q, want %q", have, want)
	}
}

func TestStoreClaimRunAtBoundary(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job := newTestJob("1", "mail")
	job.RunAt = time.Now().Add(100 * time.Millisecond).UnixNano()
	if err := st.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	got, err := st.ClaimNext(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if got != nil {
		t.Fatalf("claimed %v before its run time", got.ID)
	}

	time.Sleep(150 * time.Millisecond)
	got, err = st.ClaimNext(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if got == nil {
		t.Fatal("expected to claim the job after its run time")
	}
}

func TestStoreLeaseExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Enqueue(ctx, newTestJob("1", "mail")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if _, err := st.ClaimNext(ctx, "w1", 50*time.Millisecond); err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	job, err := st.ClaimNext(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if job == nil {
		t.Fatal("expected to reclaim the expired job")
	}
	if have, want := job.LeaseOwner, "w2"; have != want {
		t.Fatalf("LeaseOwner = %q, want %q", have, want)
	}
	if have, want := job.Attempts, 2; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}

	// The former owner lost its lease
	if err := st.Complete(ctx, "1", "w1"); !errors.Is(err, jobq.ErrLeaseLost) {
		t.Fatalf("Complete by former owner = %v, want ErrLeaseLost", err)
	}
}

func TestStoreLeaseExpiryOnFinalAttempt(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job := newTestJob("1", "mail")
	job.MaxAttempts = 1
	if err := st.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if _, err := st.ClaimNext(ctx, "w1", 10*time.Millisecond); err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	got, err := st.ClaimNext(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if got != nil {
		t.Fatalf("claimed %v beyond its maximum attempts", got.ID)
	}
	job, err = st.Lookup(ctx, "1")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := job.Status, jobq.Failed; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
}

func TestStoreStartSweepsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	// A job left Processing by a previous run, lease long expired
	if err := st.Enqueue(ctx, newTestJob("1", "mail")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if _, err := st.ClaimNext(ctx, "w1", 10*time.Millisecond); err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := st.Start(ctx); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	job, err := st.Lookup(ctx, "1")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := job.Status, jobq.Queued; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if job.LeaseOwner != "" {
		t.Fatalf("LeaseOwner = %q, want none", job.LeaseOwner)
	}
}

func TestStoreRenewLease(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Enqueue(ctx, newTestJob("1", "mail")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	job, err := st.ClaimNext(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	before := job.LeaseExpiresAt

	if err := st.RenewLease(ctx, "1", "w1", 2*time.Minute); err != nil {
		t.Fatalf("RenewLease failed with %v", err)
	}
	job, err = st.Lookup(ctx, "1")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if job.LeaseExpiresAt <= before {
		t.Fatal("lease was not extended")
	}

	if err := st.RenewLease(ctx, "1", "w2", time.Minute); !errors.Is(err, jobq.ErrLeaseLost) {
		t.Fatalf("RenewLease by non-owner = %v, want ErrLeaseLost", err)
	}
	if err := st.RenewLease(ctx, "no-such-job", "w1", time.Minute); !errors.Is(err, jobq.ErrNotFound) {
		t.Fatalf("RenewLease of missing job = %v, want ErrNotFound", err)
	}
}

func TestStoreComplete(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Enqueue(ctx, newTestJob("1", "mail")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if _, err := st.ClaimNext(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if err := st.Complete(ctx, "1", "w1"); err != nil {
		t.Fatalf("Complete failed with %v", err)
	}
	job, err := st.Lookup(ctx, "1")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := job.Status, jobq.Completed; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}

	// Completing a second time must fail: the lease is gone.
	if err := st.Complete(ctx, "1", "w1"); !errors.Is(err, jobq.ErrLeaseLost) {
		t.Fatalf("second Complete = %v, want ErrLeaseLost", err)
	}
}

func TestStoreFailAndRetry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Enqueue(ctx, newTestJob("1", "mail")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := st.ClaimNext(ctx, "w1", time.Minute)
		if err != nil {
			t.Fatalf("attempt %d: ClaimNext failed with %v", attempt, err)
		}
		if job == nil {
			t.Fatalf("attempt %d: nothing to claim", attempt)
		}
		if have, want := job.Attempts, attempt; have != want {
			t.Fatalf("Attempts = %d, want %d", have, want)
		}
		if err := st.Fail(ctx, "1", "w1", "went wrong", 0, false); err != nil {
			t.Fatalf("attempt %d: Fail failed with %v", attempt, err)
		}
	}

	job, err := st.Lookup(ctx, "1")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := job.Status, jobq.Failed; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := job.Attempts, 3; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	if have, want := job.LastError, "went wrong"; have != want {
		t.Fatalf("LastError = %q, want %q", have, want)
	}

	got, err := st.ClaimNext(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if got != nil {
		t.Fatalf("claimed %v although it is exhausted", got.ID)
	}
}

func TestStoreFailWithDelay(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Enqueue(ctx, newTestJob("1", "mail")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if _, err := st.ClaimNext(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	const delay = 30 * time.Second
	before := time.Now()
	if err := st.Fail(ctx, "1", "w1", "went wrong", delay, false); err != nil {
		t.Fatalf("Fail failed with %v", err)
	}
	job, err := st.Lookup(ctx, "1")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := job.Status, jobq.Queued; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if job.RunAt < before.Add(delay).UnixNano() {
		t.Fatalf("RunAt = %v, want at least %v after the failure", job.RunAt, delay)
	}
	got, err := st.ClaimNext(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if got != nil {
		t.Fatalf("claimed %v before its retry delay passed", got.ID)
	}
}

func TestStoreFailTerminal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Enqueue(ctx, newTestJob("1", "mail")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if _, err := st.ClaimNext(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if err := st.Fail(ctx, "1", "w1", "no such class", 0, true); err != nil {
		t.Fatalf("Fail failed with %v", err)
	}
	job, err := st.Lookup(ctx, "1")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := job.Status, jobq.Failed; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := job.Attempts, 1; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
}

func TestStoreCancel(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Enqueue(ctx, newTestJob("1", "mail")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if err := st.Cancel(ctx, "1"); err != nil {
		t.Fatalf("Cancel failed with %v", err)
	}
	job, err := st.Lookup(ctx, "1")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := job.Status, jobq.Cancelled; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}

	// No-op on terminal jobs
	if err := st.Cancel(ctx, "1"); err != nil {
		t.Fatalf("second Cancel failed with %v", err)
	}
	if err := st.Cancel(ctx, "no-such-job"); !errors.Is(err, jobq.ErrNotFound) {
		t.Fatalf("Cancel of missing job = %v, want ErrNotFound", err)
	}
}

func TestStoreListAndStats(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		job := newTestJob(fmt.Sprintf("%d", i), "mail")
		job.Updated = base.Add(time.Duration(i) * time.Millisecond).UnixNano()
		if err := st.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue failed with %v", err)
		}
	}
	if err := st.Enqueue(ctx, newTestJob("9", "report")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	rsp, err := st.List(ctx, &jobq.ListRequest{Class: "mail", Limit: 3})
	if err != nil {
		t.Fatalf("List failed with %v", err)
	}
	if have, want := rsp.Total, 5; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	if have, want := len(rsp.Jobs), 3; have != want {
		t.Fatalf("len(Jobs) = %d, want %d", have, want)
	}
	if have, want := rsp.Jobs[0].ID, "4"; have != want {
		t.Fatalf("Jobs[0].ID = %q, want %q", have, want)
	}

	rsp, err = st.List(ctx, &jobq.ListRequest{Status: jobq.Queued})
	if err != nil {
		t.Fatalf("List failed with %v", err)
	}
	if have, want := rsp.Total, 6; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}

	stats, err := st.Stats(ctx, &jobq.StatsRequest{Class: "mail"})
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if have, want := stats.Queued, 5; have != want {
		t.Fatalf("Queued = %d, want %d", have, want)
	}
}

func TestStorePurge(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Enqueue(ctx, newTestJob("1", "mail")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if _, err := st.ClaimNext(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("ClaimNext failed with %v", err)
	}
	if err := st.Complete(ctx, "1", "w1"); err != nil {
		t.Fatalf("Complete failed with %v", err)
	}
	if err := st.Enqueue(ctx, newTestJob("2", "mail")); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	n, err := st.Purge(ctx, 0)
	if err != nil {
		t.Fatalf("Purge failed with %v", err)
	}
	if have, want := n, int64(1); have != want {
		t.Fatalf("purged %d jobs, want %d", have, want)
	}
	if _, err := st.Lookup(ctx, "1"); !errors.Is(err, jobq.ErrNotFound) {
		t.Fatalf("Lookup of purged job = %v, want ErrNotFound", err)
	}
	if _, err := st.Lookup(ctx, "2"); err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
}
