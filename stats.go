// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobq

// Stats returns statistics about the job queue.
type Stats struct {
	Queued     int `json:"queued"`     // number of jobs waiting to be claimed
	Processing int `json:"processing"` // number of jobs currently being executed
	Completed  int `json:"completed"`  // number of successfully completed jobs
	Failed     int `json:"failed"`     // number of failed jobs (even after retries)
	Cancelled  int `json:"cancelled"`  // number of jobs cancelled by request
}
