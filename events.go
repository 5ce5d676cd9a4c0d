// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobq

import "time"

// Event is a job lifecycle notification emitted by the manager. The
// manager defines the event shape but not the sink; install a sink via
// the SetEventHandler option.
type Event struct {
	Type     string        `json:"type"`     // one of the Event* constants
	JobID    string        `json:"job_id"`   // identifier of the job
	Class    string        `json:"class"`    // class of the job
	Status   string        `json:"status"`   // status after the transition
	Attempts int           `json:"attempts"` // attempts so far, including the current one
	Duration time.Duration `json:"duration"` // handler run time; zero for claims
	Err      string        `json:"error"`    // failure message, if any
}

// Event types.
const (
	EventClaimed   = "claimed"
	EventCompleted = "completed"
	EventRetried   = "retried"
	EventFailed    = "failed"
)

// EventHandler receives lifecycle events. It is invoked from worker
// goroutines and must not block.
type EventHandler func(Event)
