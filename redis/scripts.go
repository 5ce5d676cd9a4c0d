package redis

import "github.com/redis/go-redis/v9"

// All multi-step transitions run as Lua scripts, which Redis executes
// atomically. Sorted-set scores are milliseconds (a score is a double;
// nanoseconds would not survive the round-trip), while the hash fields
// keep the full nanosecond values.

// claimScript picks one eligible job: first the longest-expired member
// of the processing set (crash recovery takes precedence), otherwise
// the earliest due member of the ready set. Jobs whose owner died on
// the final attempt are failed instead of reclaimed.
//
// KEYS: 1=ready, 2=processing, 3=failed
// ARGV: 1=now_ms, 2=lease_ms, 3=worker, 4=jobkey_prefix, 5=lease_ns, 6=now_ns
// Returns the claimed job's hash as a flat field list, or false.
var claimScript = redis.NewScript(`
while true do
	local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #ids == 0 then break end
	local id = ids[1]
	local key = ARGV[4] .. id
	local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
	local max = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
	if attempts >= max then
		redis.call('ZREM', KEYS[2], id)
		redis.call('SADD', KEYS[3], id)
		redis.call('HSET', key, 'status', 'failed', 'lease_owner', '',
			'lease_expires_at', '0', 'last_error', 'lease expired on final attempt',
			'last_mod', ARGV[6])
	else
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		redis.call('HSET', key, 'status', 'processing', 'lease_owner', ARGV[3],
			'lease_expires_at', ARGV[5], 'attempts', attempts + 1, 'last_mod', ARGV[6])
		return redis.call('HGETALL', key)
	end
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then return false end
local id = ids[1]
local key = ARGV[4] .. id
local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', key, 'status', 'processing', 'lease_owner', ARGV[3],
	'lease_expires_at', ARGV[5], 'attempts', attempts + 1, 'last_mod', ARGV[6])
return redis.call('HGETALL', key)
`)

// guard is the shared Lua prelude verifying that the caller still
// holds a live lease on the job. It leaves `key` and `id` defined.
//
// KEYS: 1=processing, 2=jobkey; ARGV: 1=id, 2=worker, 3=now_ms
const guard = `
local id = ARGV[1]
local key = KEYS[2]
if redis.call('EXISTS', key) == 0 then
	return redis.error_reply('jobq_not_found')
end
local owner = redis.call('HGET', key, 'lease_owner')
local score = redis.call('ZSCORE', KEYS[1], id)
if owner ~= ARGV[2] or not score or tonumber(score) <= tonumber(ARGV[3]) then
	return redis.error_reply('jobq_lease_lost')
end
`

// renewScript extends a live lease.
// KEYS: 1=processing, 2=jobkey
// ARGV: 1=id, 2=worker, 3=now_ms, 4=lease_ms, 5=lease_ns, 6=now_ns
var renewScript = redis.NewScript(guard + `
redis.call('ZADD', KEYS[1], ARGV[4], id)
redis.call('HSET', key, 'lease_expires_at', ARGV[5], 'last_mod', ARGV[6])
return 1
`)

// completeScript finishes a job still held by the caller.
// KEYS: 1=processing, 2=jobkey, 3=completed
// ARGV: 1=id, 2=worker, 3=now_ms, 4=now_ns
var completeScript = redis.NewScript(guard + `
redis.call('ZREM', KEYS[1], id)
redis.call('SADD', KEYS[3], id)
redis.call('HSET', key, 'status', 'completed', 'lease_owner', '',
	'lease_expires_at', '0', 'last_mod', ARGV[4])
return 1
`)

// failScript records a failed attempt: requeue with a delay while
// attempts remain, otherwise move the id to the failed set.
// KEYS: 1=processing, 2=jobkey, 3=ready, 4=failed
// ARGV: 1=id, 2=worker, 3=now_ms, 4=cause, 5=terminal(0/1),
//       6=retry_ms, 7=retry_ns, 8=now_ns
var failScript = redis.NewScript(guard + `
local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
local max = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
redis.call('ZREM', KEYS[1], id)
if ARGV[5] == '1' or attempts >= max then
	redis.call('SADD', KEYS[4], id)
	redis.call('HSET', key, 'status', 'failed', 'lease_owner', '',
		'lease_expires_at', '0', 'last_error', ARGV[4], 'last_mod', ARGV[8])
else
	redis.call('ZADD', KEYS[3], ARGV[6], id)
	redis.call('HSET', key, 'status', 'queued', 'lease_owner', '',
		'lease_expires_at', '0', 'last_error', ARGV[4], 'run_at', ARGV[7],
		'last_mod', ARGV[8])
end
return 1
`)

// cancelScript cancels a job unless it already reached a terminal
// state; terminal jobs are left untouched.
// KEYS: 1=ready, 2=processing, 3=cancelled, 4=jobkey
// ARGV: 1=id, 2=now_ns
var cancelScript = redis.NewScript(`
local id = ARGV[1]
local key = KEYS[4]
if redis.call('EXISTS', key) == 0 then
	return redis.error_reply('jobq_not_found')
end
local status = redis.call('HGET', key, 'status')
if status == 'completed' or status == 'failed' or status == 'cancelled' then
	return 0
end
redis.call('ZREM', KEYS[1], id)
redis.call('ZREM', KEYS[2], id)
redis.call('SADD', KEYS[3], id)
redis.call('HSET', key, 'status', 'cancelled', 'lease_owner', '',
	'lease_expires_at', '0', 'last_mod', ARGV[2])
return 1
`)
