// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobq

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// stubEnqueuer records enqueued jobs and signals each call.
type stubEnqueuer struct {
	mu      sync.Mutex
	classes []string
	payload json.RawMessage
	fired   chan struct{}
}

func newStubEnqueuer() *stubEnqueuer {
	return &stubEnqueuer{fired: make(chan struct{}, 16)}
}

func (e *stubEnqueuer) Enqueue(ctx context.Context, class string, payload json.RawMessage, options ...EnqueueOption) (string, error) {
	e.mu.Lock()
	e.classes = append(e.classes, class)
	e.payload = payload
	e.mu.Unlock()
	e.fired <- struct{}{}
	return "1", nil
}

func (e *stubEnqueuer) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.classes)
}

func TestSchedulerAddEntry(t *testing.T) {
	s := NewScheduler(newStubEnqueuer())
	if err := s.AddEntry("@every 1s", "mail", nil); err != nil {
		t.Fatalf("AddEntry failed with %v", err)
	}
	if err := s.AddEntry("*/5 * * * *", "report", nil); err != nil {
		t.Fatalf("AddEntry failed with %v", err)
	}
	if err := s.AddEntry("not a cron spec", "mail", nil); err == nil {
		t.Fatal("expected AddEntry to reject an invalid expression")
	}
	if err := s.AddEntry("@every 1s", "", nil); err == nil {
		t.Fatal("expected AddEntry to reject an empty class")
	}
}

func TestSchedulerFires(t *testing.T) {
	enq := newStubEnqueuer()
	s := NewScheduler(enq)
	payload := json.RawMessage(`{"n":1}`)
	if err := s.AddEntry("@every 1s", "mail", func() json.RawMessage { return payload }); err != nil {
		t.Fatalf("AddEntry failed with %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer s.Stop()

	select {
	case <-enq.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("Fire timed out")
	}
	enq.mu.Lock()
	defer enq.mu.Unlock()
	if have, want := enq.classes[0], "mail"; have != want {
		t.Fatalf("class = %q, want %q", have, want)
	}
	if have, want := string(enq.payload), `{"n":1}`; have != want {
		t.Fatalf("payload = %s, want %s", have, want)
	}
}

func TestSchedulerAddEntryAfterStart(t *testing.T) {
	s := NewScheduler(newStubEnqueuer())
	if err := s.AddEntry("@hourly", "mail", nil); err != nil {
		t.Fatalf("AddEntry failed with %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer s.Stop()

	if err := s.AddEntry("@hourly", "report", nil); err == nil {
		t.Fatal("expected AddEntry to fail after Start")
	}
	if err := s.Start(); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

// TestSchedulerMisfireFireOnce expects one immediate catch-up fire per
// entry at Start, even for expressions that fire rarely.
func TestSchedulerMisfireFireOnce(t *testing.T) {
	enq := newStubEnqueuer()
	s := NewScheduler(enq, SetMisfirePolicy(MisfireFireOnce))
	if err := s.AddEntry("@yearly", "mail", nil); err != nil {
		t.Fatalf("AddEntry failed with %v", err)
	}
	if err := s.AddEntry("@yearly", "report", nil); err != nil {
		t.Fatalf("AddEntry failed with %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer s.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-enq.fired:
		case <-time.After(3 * time.Second):
			t.Fatal("Catch-up fire timed out")
		}
	}
	if have, want := enq.Count(), 2; have != want {
		t.Fatalf("fires = %d, want %d", have, want)
	}
}

// TestSchedulerMisfireSkip is the default: no catch-up fires at Start.
func TestSchedulerMisfireSkip(t *testing.T) {
	enq := newStubEnqueuer()
	s := NewScheduler(enq)
	if err := s.AddEntry("@yearly", "mail", nil); err != nil {
		t.Fatalf("AddEntry failed with %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer s.Stop()

	select {
	case <-enq.fired:
		t.Fatal("unexpected fire at Start")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSchedulerStop(t *testing.T) {
	s := NewScheduler(newStubEnqueuer())
	// Stopping a scheduler that never started is harmless
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed with %v", err)
	}
	if err := s.AddEntry("@hourly", "mail", nil); err != nil {
		t.Fatalf("AddEntry failed with %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed with %v", err)
	}
	// A stopped scheduler can be started again
	if err := s.Start(); err != nil {
		t.Fatalf("restart failed with %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed with %v", err)
	}
}
