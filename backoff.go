// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobq

import (
	"math/rand"
	"time"
)

// RetryPolicy computes the delay before retrying a failed job.
// Attempt k (1-based) sleeps for min(Base*2^(k-1), Cap), with up to
// ±50% jitter when Jitter is set. Jitter spreads out reclaims after
// many jobs fail at once.
type RetryPolicy struct {
	Base   time.Duration // delay of the first retry
	Cap    time.Duration // upper bound for the delay
	Jitter bool          // randomize the delay by ±50%
}

// DefaultRetryPolicy is used unless SetRetryPolicy overrides it.
var DefaultRetryPolicy = RetryPolicy{
	Base:   1 * time.Second,
	Cap:    5 * time.Minute,
	Jitter: true,
}

// Delay returns the backoff to apply after the given attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	if p.Jitter && d > 0 {
		// d/2 + [0, d)
		d = d/2 + time.Duration(rand.Int63n(int64(d)))
	}
	return d
}
