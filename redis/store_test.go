package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/calque/jobq"
)

// Set e.g. JOBQ_REDIS_URL=redis://localhost:6379/15 to run these tests
// against a live Redis server. Use a dedicated database: the tests
// flush queue keys between runs via Purge.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("JOBQ_REDIS_URL")
	if url == "" {
		t.Skip("JOBQ_REDIS_URL is not set")
	}
	st, err := NewStore(url)
	if err != nil {
		t.Fatalf("NewStore failed with %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	return st
}

func newTestJob(class string) *jobq.Job {
	now := time.Now().UnixNano()
	return &jobq.Job{
		ID:          uuid.NewString(),
		Class:       class,
		Status:      jobq.Queued,
		MaxAttempts: 3,
		RunAt:       now,
		Created:     now,
		Updated:     now,
	}
}

func TestRedisEnqueueAndLookup(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job := newTestJob("mail")
	job.Payload = []byte(`{"to":"joe"}`)
	if err := st.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	got, err := st.Lookup(ctx, job.ID)
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
	if _, err := st.Lookup(ctx, "no-such-job"); !errors.Is(err, jobq.ErrNotFound) {
		t.Fatalf("Lookup of missing job = %v, want ErrNotFound", err)
	}
}

func TestRedisDedup(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	key := "mail-" + uuid.NewString()
	first := newTestJob("mail")
	first.DedupKey = key
	if err := st.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	second := newTestJob("mail")
	second.DedupKey = key
	if err := st.Enqueue(ctx, second); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if have, want := second.ID, first.ID; have != want {
		t.Fatalf("ID = %q, want %q", have, want)
	}
}

func TestRedisClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job := newTestJob("lifecycle-" + uuid.NewString())
	if err := st.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	// Drain until we find our job: the queue may hold leftovers from
	// other runs.
	var claimed *jobq.Job
	for i := 0; i < 100; i++ {
		got, err := st.ClaimNext(ctx, "w1", time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext failed with %v", err)
		}
		if got == nil {
			break
		}
		if got.ID == job.ID {
			claimed = got
			break
		}
		if err := st.Complete(ctx, got.ID, "w1"); err != nil {
			t.Fatalf("Complete failed with %v", err)
		}
	}
	if claimed == nil {
		t.Fatal("job was never claimed")
	}
	if have, want := claimed.Status, jobq.Processing; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := claimed.Attempts, 1; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	if have, want := claimed.LeaseOwner, "w1"; have != want {
		t.Fatalf("LeaseOwner = %q, want %q", have, want)
	}

	if err := st.RenewLease(ctx, job.ID, "w1", 2*time.Minute); err != nil {
		t.Fatalf("RenewLease failed with %v", err)
	}
	if err := st.RenewLease(ctx, job.ID, "w2", time.Minute); !errors.Is(err, jobq.ErrLeaseLost) {
		t.Fatalf("RenewLease by non-owner = %v, want ErrLeaseLost", err)
	}
	if err := st.RenewLease(ctx, "no-such-job", "w1", time.Minute); !errors.Is(err, jobq.ErrNotFound) {
		t.Fatalf("RenewLease of missing job = %v, want ErrNotFound", err)
	}

	if err := st.Complete(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("Complete failed with %v", err)
	}
	got, err := st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.Status, jobq.Completed; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if err := st.Complete(ctx, job.ID, "w1"); !errors.Is(err, jobq.ErrLeaseLost) {
		t.Fatalf("second Complete = %v, want ErrLeaseLost", err)
	}
}

func TestRedisLeaseExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job := newTestJob("reclaim-" + uuid.NewString())
	if err := st.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	claim := func(worker string, leaseFor time.Duration) *jobq.Job {
		t.Helper()
		for i := 0; i < 100; i++ {
			got, err := st.ClaimNext(ctx, worker, leaseFor)
			if err != nil {
				t.Fatalf("ClaimNext failed with %v", err)
			}
			if got == nil {
				return nil
			}
			if got.ID == job.ID {
				return got
			}
			if err := st.Complete(ctx, got.ID, worker); err != nil {
				t.Fatalf("Complete failed with %v", err)
			}
		}
		return nil
	}

	got := claim("w1", 100*time.Millisecond)
	if got == nil {
		t.Fatal("job was not claimable")
	}
	time.Sleep(200 * time.Millisecond)

	got = claim("w2", time.Minute)
	if got == nil {
		t.Fatal("expected to reclaim the expired job")
	}
	if have, want := got.LeaseOwner, "w2"; have != want {
		t.Fatalf("LeaseOwner = %q, want %q", have, want)
	}
	if have, want := got.Attempts, 2; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	if err := st.Complete(ctx, job.ID, "w1"); !errors.Is(err, jobq.ErrLeaseLost) {
		t.Fatalf("Complete by former owner = %v, want ErrLeaseLost", err)
	}
	if err := st.Complete(ctx, job.ID, "w2"); err != nil {
		t.Fatalf("Complete failed with %v", err)
	}
}

func TestRedisFailAndRetry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job := newTestJob("retry-" + uuid.NewString())
	if err := st.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	claim := func(worker string) *jobq.Job {
		t.Helper()
		for i := 0; i < 100; i++ {
			got, err := st.ClaimNext(ctx, worker, time.Minute)
			if err != nil {
				t.Fatalf("ClaimNext failed with %v", err)
			}
			if got == nil {
				return nil
			}
			if got.ID == job.ID {
				return got
			}
			if err := st.Complete(ctx, got.ID, worker); err != nil {
				t.Fatalf("Complete failed with %v", err)
			}
		}
		return nil
	}

	for attempt := 1; attempt <= 3; attempt++ {
		got := claim("w1")
		if got == nil {
			t.Fatalf("attempt %d: job was not claimable", attempt)
		}
		if have, want := got.Attempts, attempt; have != want {
			t.Fatalf("Attempts = %d, want %d", have, want)
		}
		if err := st.Fail(ctx, job.ID, "w1", "went wrong", 0, false); err != nil {
			t.Fatalf("attempt %d: Fail failed with %v", attempt, err)
		}
	}

	got, err := st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.Status, jobq.Failed; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := got.Attempts, 3; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	if have, want := got.LastError, "went wrong"; have != want {
		t.Fatalf("LastError = %q, want %q", have, want)
	}
}

func TestRedisCancelAndStats(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	class := "cancel-" + uuid.NewString()
	job := newTestJob(class)
	job.RunAt = time.Now().Add(time.Hour).UnixNano() // keep it unclaimable
	if err := st.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if err := st.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel failed with %v", err)
	}
	got, err := st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.Status, jobq.Cancelled; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if err := st.Cancel(ctx, "no-such-job"); !errors.Is(err, jobq.ErrNotFound) {
		t.Fatalf("Cancel of missing job = %v, want ErrNotFound", err)
	}

	stats, err := st.Stats(ctx, &jobq.StatsRequest{Class: class})
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if have, want := stats.Cancelled, 1; have != want {
		t.Fatalf("Cancelled = %d, want %d", have, want)
	}
}
