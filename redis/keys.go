package redis

// Redis key naming for jobq data. All keys are prefixed with "jobq:"
// to avoid collisions.

const keyPrefix = "jobq:"

// jobKey returns the key of a job's Hash: jobq:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobKeyPrefix is passed into scripts that derive job keys from ids.
const jobKeyPrefix = keyPrefix + "job:"

// readyKey is the Sorted Set of claimable job ids, scored by run_at
// in milliseconds. Delayed jobs simply carry a future score.
const readyKey = keyPrefix + "ready"

// processingKey is the Sorted Set of leased job ids, scored by lease
// expiry in milliseconds. An expired score makes the job reclaimable.
const processingKey = keyPrefix + "processing"

// Terminal jobs are moved to per-status Sets instead of being deleted,
// so they remain inspectable (the failed set in particular).
const (
	completedKey = keyPrefix + "completed"
	failedKey    = keyPrefix + "failed"
	cancelledKey = keyPrefix + "cancelled"
)

// jobsKey is the Set tracking all job ids for enumeration.
const jobsKey = keyPrefix + "jobs"

// dedupKey returns the key holding the job id enqueued under a
// deduplication key: jobq:dedup:{key}
func dedupKey(key string) string { return keyPrefix + "dedup:" + key }
