package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims, counts and conditionally records in one round trip.
// Returns {allowed, remaining, retry_after_ms}.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local counter_key = KEYS[2]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_size_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)

	if count < limit then
		local counter = redis.call('INCR', counter_key)
		redis.call('ZADD', key, now, now .. ':' .. counter)
		redis.call('PEXPIRE', key, window_size_ms)
		redis.call('PEXPIRE', counter_key, window_size_ms)
		return {1, limit - count - 1, 0}
	else
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		local retry_after = 0
		if #oldest >= 2 then
			retry_after = oldest[2] + window_size_ms - now
		end
		return {0, 0, retry_after}
	end
`)

// Redis is a sliding-window limiter backed by a sorted set per key. It lets
// several relay processes share counters.
type Redis struct {
	client *redis.Client
	rules  Rules
	prefix string
}

// NewRedis creates a Redis-backed limiter. A nil rules table means DefaultRules.
func NewRedis(client *redis.Client, rules Rules, prefix string) *Redis {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Redis{client: client, rules: rules, prefix: prefix}
}

// NewRedisFromURL parses a redis:// URL and creates the client.
func NewRedisFromURL(url string, rules Rules) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opts), rules, "gochat:ratelimit:"), nil
}

// Allow implements Limiter.
func (l *Redis) Allow(ctx context.Context, actor, class string) (Decision, error) {
	if !validActor(actor) {
		return Decision{}, ErrInvalidActor
	}
	class = l.rules.Class(class)
	rule := l.rules.For(class)

	now := time.Now()
	key := l.prefix + class + ":" + actor

	result, err := slidingWindowScript.Run(ctx, l.client, []string{key, key + ":counter"},
		now.UnixMilli(),
		now.Add(-rule.Window).UnixMilli(),
		rule.MaxRequests,
		rule.Window.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	if len(result) < 3 {
		return Decision{}, fmt.Errorf("unexpected result length: %d", len(result))
	}

	allowed, ok := result[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected type for allowed: %T", result[0])
	}
	remaining, ok := result[1].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected type for remaining: %T", result[1])
	}
	retryAfterMs, ok := result[2].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected type for retry_after: %T", result[2])
	}

	return Decision{
		Allowed:    allowed == 1,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retryAfterMs) * time.Millisecond,
	}, nil
}

// Ping checks connectivity.
func (l *Redis) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the client.
func (l *Redis) Close() error {
	return l.client.Close()
}

var _ Limiter = (*Redis)(nil)
