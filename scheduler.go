// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
)

// Enqueuer is the producer interface the scheduler enqueues through.
// *Manager implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, class string, payload json.RawMessage, options ...EnqueueOption) (string, error)
}

// PayloadFunc produces the payload for a scheduled job at fire time.
type PayloadFunc func() json.RawMessage

// MisfirePolicy controls what happens to fires that were missed while
// the process was down. The scheduler keeps no persistent state, so a
// missed fire cannot be detected after a restart; the policy is
// therefore applied at Start, unconditionally.
type MisfirePolicy int

const (
	// MisfireSkip waits for the next matching fire time. Fires missed
	// while the process was down are lost. This is the default.
	MisfireSkip MisfirePolicy = iota
	// MisfireFireOnce enqueues every entry once immediately at Start,
	// as a catch-up for a potentially missed fire. Entries may thus
	// fire more often than their expression specifies across restarts.
	MisfireFireOnce
)

// scheduleEntry is a cron expression bound to a job template.
type scheduleEntry struct {
	spec    string
	class   string
	payload PayloadFunc
	options []EnqueueOption
}

// Scheduler periodically enqueues predefined jobs. Create one via
// NewScheduler, add entries, then call Start. The scheduler ticks
// independently of request handling and owns no job state past the
// point of enqueue.
type Scheduler struct {
	enq     Enqueuer
	logger  Logger
	misfire MisfirePolicy

	mu      sync.Mutex
	entries []scheduleEntry
	cr      *cron.Cron
	started bool
}

// SchedulerOption is the signature of an options provider for NewScheduler.
type SchedulerOption func(*Scheduler)

// SetSchedulerLogger specifies the logger the scheduler reports
// enqueue errors to.
func SetSchedulerLogger(logger Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// SetMisfirePolicy specifies how fires missed while the process was
// down are handled. MisfireSkip is the default.
func SetMisfirePolicy(p MisfirePolicy) SchedulerOption {
	return func(s *Scheduler) {
		s.misfire = p
	}
}

// NewScheduler creates a new Scheduler enqueueing through enq.
func NewScheduler(enq Enqueuer, options ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		enq:     enq,
		logger:  stdLogger{},
		misfire: MisfireSkip,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// AddEntry registers a cron expression and the job template to enqueue
// on each fire. Standard 5-field cron expressions and the @every /
// @hourly style descriptors are accepted. The payload function may be
// nil for jobs without a payload.
func (s *Scheduler) AddEntry(spec, class string, payload PayloadFunc, options ...EnqueueOption) error {
	if class == "" {
		return errors.New("jobq: no class specified")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("jobq: scheduler already started")
	}
	s.entries = append(s.entries, scheduleEntry{
		spec:    spec,
		class:   class,
		payload: payload,
		options: options,
	})
	return nil
}

// Start begins firing entries. Use Stop to halt it.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("jobq: scheduler already started")
	}
	s.cr = cron.New()
	for _, e := range s.entries {
		e := e
		if _, err := s.cr.AddFunc(e.spec, func() { s.fire(e) }); err != nil {
			return err
		}
	}
	s.cr.Start()
	s.started = true

	if s.misfire == MisfireFireOnce {
		for _, e := range s.entries {
			go s.fire(e)
		}
	}
	return nil
}

// Stop halts the scheduler. Entries already firing complete their
// enqueue; no new fires start.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	<-s.cr.Stop().Done()
	s.started = false
	return nil
}

// fire enqueues a fresh job for the given entry.
func (s *Scheduler) fire(e scheduleEntry) {
	var payload json.RawMessage
	if e.payload != nil {
		payload = e.payload()
	}
	if _, err := s.enq.Enqueue(context.Background(), e.class, payload, e.options...); err != nil {
		s.logger.Printf("jobq: scheduler: enqueue %s failed: %v", e.class, err)
	}
}
