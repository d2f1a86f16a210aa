// Package ratelimit budgets how many source objects each bucket may send
// through intake per window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter charges a batch of objects from one source bucket against that
// bucket's budget.
type Limiter interface {
	Take(ctx context.Context, bucket string, objects int) (Decision, error)
}

type Decision struct {
	Allowed bool
	// Charged is the number of tokens the batch cost, capped at the burst.
	Charged    int64
	Remaining  int64
	RetryAfter time.Duration
}

// takeScript refills the bucket for the time since it was last touched and
// charges ARGV[4] tokens when enough are left. The hash stores the fractional
// level and the refill time in ms. Replies are {allowed, remaining, retry_ms}.
var takeScript = redis.NewScript(`
local burst = tonumber(ARGV[1])
local per_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local level = tonumber(redis.call("HGET", KEYS[1], "level") or burst)
local at = tonumber(redis.call("HGET", KEYS[1], "at") or now)
if now > at then
  level = math.min(burst, level + (now - at) * per_ms)
end

local ok = 0
local wait = 0
if level >= cost then
  level = level - cost
  ok = 1
else
  wait = math.ceil((cost - level) / per_ms)
end

redis.call("HSET", KEYS[1], "level", tostring(level), "at", tostring(now))
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {ok, math.floor(level), wait}
`)

// BucketBudget is a Redis token bucket per source bucket where each object
// costs one token. Objects are refilled evenly over the window.
type BucketBudget struct {
	rdb    redis.UniversalClient
	burst  int64
	perMS  float64
	expiry time.Duration
	prefix string
	clock  func() time.Time
}

func NewBucketBudget(rdb redis.UniversalClient, objectsPerWindow int, window time.Duration, prefix string) (*BucketBudget, error) {
	switch {
	case rdb == nil:
		return nil, errors.New("redis client is required")
	case objectsPerWindow <= 0:
		return nil, errors.New("objects per window must be positive")
	case window <= 0:
		return nil, errors.New("window must be positive")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "cartoonify:ratelimit"
	}

	return &BucketBudget{
		rdb:    rdb,
		burst:  int64(objectsPerWindow),
		perMS:  float64(objectsPerWindow) / float64(max(window.Milliseconds(), 1)),
		expiry: 2 * window,
		prefix: prefix,
		clock:  time.Now,
	}, nil
}

// Take charges objects tokens from bucket. A batch larger than the burst is
// charged the whole burst, so one oversized notification can still pass once
// the bucket is full.
func (b *BucketBudget) Take(ctx context.Context, bucket string, objects int) (Decision, error) {
	cost := b.cost(objects)
	if cost == 0 {
		return Decision{Allowed: true, Remaining: b.burst}, nil
	}

	reply, err := takeScript.Run(ctx, b.rdb, []string{b.key(bucket)},
		b.burst,
		b.perMS,
		b.clock().UTC().UnixMilli(),
		cost,
		b.expiry.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("charge %d objects to bucket %q: %w", cost, bucket, err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket replied with %d values", len(reply))
	}

	return Decision{
		Allowed:    reply[0] == 1,
		Charged:    cost,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

func (b *BucketBudget) cost(objects int) int64 {
	if objects <= 0 {
		return 0
	}
	return min(int64(objects), b.burst)
}

func (b *BucketBudget) key(bucket string) string {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		bucket = "_"
	}
	return b.prefix + ":bucket:" + bucket
}
