package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

// fixedWindowScript increments a counter and starts its window on the first hit.
// Returns {count, remaining window in ms}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RateCounterStore keeps fixed-window counters shared by every node.
type RateCounterStore struct {
	rdb redis.UniversalClient
	ks  keyspace
	now func() time.Time
}

// NewRateCounterStore creates a counter store using keys under prefix.
func NewRateCounterStore(rdb redis.UniversalClient, prefix string) *RateCounterStore {
	return &RateCounterStore{rdb: rdb, ks: prefixOrDefault(prefix), now: time.Now}
}

var _ repository.RateCounterStore = (*RateCounterStore)(nil)

func (s *RateCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	res, err := fixedWindowScript.Run(ctx, s.rdb, []string{s.ks.key("rl", key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, errors.ErrInternal("rate counter unavailable").WithCause(err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, errors.ErrInternal("unexpected rate counter reply")
	}
	return int(res[0]), s.now().Add(time.Duration(res[1]) * time.Millisecond), nil
}
