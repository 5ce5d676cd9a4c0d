// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobq

import (
	"context"
	"encoding/json"
)

// Handler executes jobs of a certain class. The payload is the opaque
// data given at enqueue time. A nil return completes the job; a non-nil
// return drives the retry path. The context is cancelled when the
// worker's lease on the job is lost or the manager shuts down; handlers
// doing long work should honor it.
//
// Jobs are executed at least once. Handlers must be idempotent.
type Handler func(ctx context.Context, payload json.RawMessage) error
