// Package reclaim runs the server-side queue reclamation script.
//
// The script is the only writer of queue state transitions and executes
// atomically on one partition: recycled claims, abandoned jobs, pruned
// corpses and promoted delayed jobs never interleave with another pass on
// the same queue, and no observer sees a job in two terminal structures.
package reclaim

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/queue"
)

// Params carries the inputs of one reclaim pass over one queue.
type Params struct {
	Queue queue.Queue
	Keys  queue.Keys

	ClaimCutoff   int64 // claims with score <= cutoff are expired
	PruneCutoff   int64 // abandoned entries with score <= cutoff are pruned
	AttemptsLimit int   // attempts >= limit abandons instead of releasing
	Now           int64 // unix time, orders delayed-job promotion
	Limit         int   // max items per step
}

// Result counts the state transitions of one reclaim pass.
type Result struct {
	Released  int64 // expired claims recycled to unclaimed
	Abandoned int64 // expired claims over the attempt limit
	Pruned    int64 // abandoned entries dropped for good
	Undelayed int64 // delayed jobs promoted to unclaimed
	Ready     int64 // unclaimed length after the pass
}

// reclaimScript performs one atomic reclamation pass over one queue.
// Keys:
// 1. List unclaimed
// 2. Sorted Set claimed (score = claim unix time)
// 3. Hash Map attempts
// 4. Hash Map data
// 5. Sorted Set abandoned (score = claim unix time at death)
// 6. Sorted Set delayed (score = ready-at unix time)
// 7. Set queues-with-jobs
// Arguments:
// 1. Claim cutoff unix time
// 2. Prune cutoff unix time
// 3. Attempts limit
// 4. Current unix time
// 5. Encoded queue name
// 6. Item limit per step
// Returns: {released, abandoned, pruned, undelayed, ready}
const reclaimScript = `
local kUnclaimed = KEYS[1]
local kClaimed = KEYS[2]
local kAttempts = KEYS[3]
local kData = KEYS[4]
local kAbandoned = KEYS[5]
local kDelayed = KEYS[6]
local kQwJobs = KEYS[7]

local claimCutoff = tonumber(ARGV[1])
local pruneCutoff = tonumber(ARGV[2])
local attemptsLimit = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local queueName = ARGV[5]
local limit = tonumber(ARGV[6])

if redis.call("EXISTS", kData) == 0 then
	redis.call("SREM", kQwJobs, queueName)
	return {0, 0, 0, 0, 0}
end

-- Recycle or abandon claims whose TTL passed.
local released = 0
local abandoned = 0
local expired = redis.call("ZRANGEBYSCORE", kClaimed, "-inf", claimCutoff, "LIMIT", 0, limit)
for _, id in ipairs(expired) do
	local attempts = tonumber(redis.call("HGET", kAttempts, id) or 0)
	if attempts < attemptsLimit then
		redis.call("RPUSH", kUnclaimed, id)
		released = released + 1
	else
		local score = redis.call("ZSCORE", kClaimed, id)
		redis.call("ZADD", kAbandoned, score, id)
		abandoned = abandoned + 1
	end
	redis.call("ZREM", kClaimed, id)
end

-- Prune abandoned jobs dead for longer than the retention window.
local pruned = 0
local dead = redis.call("ZRANGEBYSCORE", kAbandoned, "-inf", pruneCutoff, "LIMIT", 0, limit)
for _, id in ipairs(dead) do
	redis.call("ZREM", kAbandoned, id)
	redis.call("HDEL", kAttempts, id)
	redis.call("HDEL", kData, id)
	pruned = pruned + 1
end

-- Promote delayed jobs that became ready.
local due = redis.call("ZRANGEBYSCORE", kDelayed, "-inf", now, "LIMIT", 0, limit)
for _, id in ipairs(due) do
	redis.call("LPUSH", kUnclaimed, id)
	redis.call("ZREM", kDelayed, id)
end
local undelayed = #due

local ready = redis.call("LLEN", kUnclaimed)
if ready + redis.call("ZCARD", kClaimed) + redis.call("ZCARD", kDelayed) > 0 then
	redis.call("SADD", kQwJobs, queueName)
else
	redis.call("SREM", kQwJobs, queueName)
end
return {released, abandoned, pruned, undelayed, ready}
`

// Script is the SHA-cached reclaim script. The SHA is computed client-side
// from the script body, so a restart against a warm Redis does not
// re-upload.
type Script struct {
	script *redis.Script
}

// NewScript hashes the reclaim script.
func NewScript() *Script {
	return &Script{script: redis.NewScript(reclaimScript)}
}

// Load pre-loads the script into one partition.
func (s *Script) Load(ctx context.Context, db *redis.Client) error {
	return s.script.Load(ctx, db).Err()
}

// Run executes one reclaim pass against one partition.
func (s *Script) Run(ctx context.Context, db *redis.Client, p Params) (Result, error) {
	keys := []string{
		p.Keys.Unclaimed,
		p.Keys.Claimed,
		p.Keys.Attempts,
		p.Keys.Data,
		p.Keys.Abandoned,
		p.Keys.Delayed,
		queue.QueuesWithJobsKey,
	}
	res, err := s.script.Run(ctx, db, keys,
		p.ClaimCutoff, p.PruneCutoff, p.AttemptsLimit, p.Now,
		queue.EncName(p.Queue), p.Limit,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("failed to run reclaim script: %w", err)
	}
	counts, ok := res.([]interface{})
	if !ok || len(counts) != 5 {
		return Result{}, fmt.Errorf("invalid reclaim script return: %#v", res)
	}
	var out [5]int64
	for i, c := range counts {
		n, ok := c.(int64)
		if !ok {
			return Result{}, fmt.Errorf("invalid reclaim script count: %#v", c)
		}
		out[i] = n
	}
	return Result{
		Released:  out[0],
		Abandoned: out[1],
		Pruned:    out[2],
		Undelayed: out[3],
		Ready:     out[4],
	}, nil
}
