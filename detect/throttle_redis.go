package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireScript is the Redis counterpart of MemoryThrottleStore.Acquire.
// Admissions are a sorted set scored by epoch milliseconds; the script runs
// atomically, so instances sharing one Redis gate each policy together.
//
// KEYS[1] admissions zset
// ARGV: at_ms, throttle_ms, max_per_hour, window_ms, lateness_ms, member
// Returns {allowed, reason, at_ms}.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local at = tonumber(ARGV[1])
local throttle = tonumber(ARGV[2])
local maxPerHour = tonumber(ARGV[3])
local window = tonumber(ARGV[4])
local lateness = tonumber(ARGV[5])

local newest = redis.call('ZREVRANGE', key, 0, 0, 'WITHSCORES')
if #newest > 0 then
  local floor = tonumber(newest[2]) - lateness
  if at < floor then at = floor end
end

if throttle > 0 then
  local near = redis.call('ZCOUNT', key, '(' .. (at - throttle), '(' .. (at + throttle))
  if near > 0 then return {0, 'throttle', at} end
end

if maxPerHour > 0 then
  local raw = redis.call('ZRANGEBYSCORE', key, '(' .. (at - window), '(' .. (at + window), 'WITHSCORES')
  local times = {}
  local inserted = false
  for i = 2, #raw, 2 do
    local t = tonumber(raw[i])
    if not inserted and t > at then
      table.insert(times, at)
      inserted = true
    end
    table.insert(times, t)
  end
  if not inserted then table.insert(times, at) end

  local best = 0
  local j = 1
  for i = 1, #times do
    if times[i] > at then break end
    if j < i then j = i end
    while j <= #times and times[j] < times[i] + window do j = j + 1 end
    if j - i > best then best = j - i end
  end
  if best > maxPerHour then return {0, 'rate_limit', at} end
end

redis.call('ZADD', key, at, ARGV[6])

local top = tonumber(redis.call('ZREVRANGE', key, 0, 0, 'WITHSCORES')[2])
local retention = throttle
if retention < window then retention = window end
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (top - lateness - retention))
redis.call('PEXPIRE', key, lateness + retention + window)
return {1, '', at}
`)

// RedisThrottleStore keeps throttle state in Redis so that tenant-sharded
// evaluator instances can share policies.
type RedisThrottleStore struct {
	client      redis.UniversalClient
	prefix      string
	maxLateness time.Duration
}

// RedisOptions configures the shared throttle store.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	KeyPrefix   string
	MaxLateness time.Duration
}

// NewRedisThrottleStore connects to Redis and verifies the connection.
func NewRedisThrottleStore(ctx context.Context, opts RedisOptions) (*RedisThrottleStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisThrottleStoreWithClient(client, opts.KeyPrefix, opts.MaxLateness), nil
}

// NewRedisThrottleStoreWithClient wraps an existing client.
func NewRedisThrottleStoreWithClient(client redis.UniversalClient, prefix string, maxLateness time.Duration) *RedisThrottleStore {
	if maxLateness <= 0 {
		maxLateness = DefaultMaxLateness
	}
	if prefix == "" {
		prefix = "vigil:"
	}
	return &RedisThrottleStore{client: client, prefix: prefix, maxLateness: maxLateness}
}

func (s *RedisThrottleStore) key(policyID string) string {
	return s.prefix + "throttle:" + policyID
}

// Acquire implements ThrottleStore.
func (s *RedisThrottleStore) Acquire(ctx context.Context, policyID string, at time.Time, limits ThrottleLimits) (Decision, error) {
	member := uuid.NewString()
	res, err := acquireScript.Run(ctx, s.client, []string{s.key(policyID)},
		at.UnixMilli(),
		limits.Throttle.Milliseconds(),
		limits.MaxPerHour,
		RateWindow.Milliseconds(),
		s.maxLateness.Milliseconds(),
		member,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("throttle script failed for policy %s: %w", policyID, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected throttle script reply %v", res)
	}
	allowed, _ := res[0].(int64)
	reason, _ := res[1].(string)
	atMs, _ := res[2].(int64)

	d := Decision{Allowed: allowed == 1, At: time.UnixMilli(atMs).UTC()}
	if d.Allowed {
		d.Token = member
	} else {
		d.Reason = SuppressionReason(reason)
	}
	return d, nil
}

// Release implements ThrottleStore.
func (s *RedisThrottleStore) Release(ctx context.Context, policyID string, d Decision) error {
	if !d.Allowed || d.Token == "" {
		return nil
	}
	return s.client.ZRem(ctx, s.key(policyID), d.Token).Err()
}

// Forget implements ThrottleStore.
func (s *RedisThrottleStore) Forget(ctx context.Context, policyID string) error {
	return s.client.Del(ctx, s.key(policyID)).Err()
}

// Close implements ThrottleStore.
func (s *RedisThrottleStore) Close() error {
	return s.client.Close()
}
