// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobq

import "encoding/json"

const (
	// Queued is the state for jobs waiting to be claimed.
	Queued string = "queued"
	// Processing is the state for jobs currently held by a worker.
	Processing string = "processing"
	// Completed without errors.
	Completed string = "completed"
	// Failed even after retries.
	Failed string = "failed"
	// Cancelled by explicit request.
	Cancelled string = "cancelled"
)

// IsTerminal reports whether a job in the given state will never
// transition again.
func IsTerminal(state string) bool {
	switch state {
	case Completed, Failed, Cancelled:
		return true
	}
	return false
}

// Job is a unit of asynchronous work and its execution state.
type Job struct {
	ID             string          `json:"id"`               // time-sortable identifier, assigned at enqueue
	Class          string          `json:"class"`            // class to find the registered handler
	Payload        json.RawMessage `json:"payload"`          // opaque data, interpreted only by the handler
	Status         string          `json:"status"`           // current state
	Attempts       int             `json:"attempts"`         // number of execution attempts so far
	MaxAttempts    int             `json:"max_attempts"`     // ceiling after which a failing job becomes terminal
	RunAt          int64           `json:"run_at"`           // earliest claimable time (in UnixNano)
	LeaseOwner     string          `json:"lease_owner"`      // worker currently holding the job, if any
	LeaseExpiresAt int64           `json:"lease_expires_at"` // lease expiry (in UnixNano); zero when unclaimed
	LastError      string          `json:"last_error"`       // last failure message, if any
	DedupKey       string          `json:"dedup_key"`        // optional deduplication key
	Created        int64           `json:"created"`          // time when Enqueue was called (in UnixNano)
	Updated        int64           `json:"updated"`          // time when the job was last updated (in UnixNano)
}
