package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

// swapScript replaces KEYS[1] with ARGV[2] only while it still holds ARGV[1].
// An empty ARGV[1] means absent and an empty ARGV[2] deletes. Returns 1 on success.
var swapScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then cur = '' end
if cur ~= ARGV[1] then
    return 0
end
if ARGV[2] == '' then
    redis.call('DEL', KEYS[1])
else
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
end
return 1
`)

const maxLockoutSwaps = 8

// LockoutStore shares failed attempt state between nodes so a subject cannot spread
// guesses across them. Keys expire after ttl of inactivity.
type LockoutStore struct {
	rdb redis.UniversalClient
	ks  keyspace
	ttl time.Duration
}

// NewLockoutStore creates a store using keys under prefix.
func NewLockoutStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *LockoutStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LockoutStore{rdb: rdb, ks: prefixOrDefault(prefix), ttl: ttl}
}

var _ repository.LockoutStore = (*LockoutStore)(nil)

func (s *LockoutStore) Get(ctx context.Context, subjectID string) (*models.LockoutState, error) {
	raw, err := s.load(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return decodeLockout(raw)
}

// Update reads the state, applies fn and writes the result back only if nobody
// changed it in between, retrying on contention.
func (s *LockoutStore) Update(ctx context.Context, subjectID string, fn func(*models.LockoutState) *models.LockoutState) (*models.LockoutState, error) {
	key := s.ks.key("lockout", subjectID)
	for i := 0; i < maxLockoutSwaps; i++ {
		raw, err := s.load(ctx, subjectID)
		if err != nil {
			return nil, err
		}
		current, err := decodeLockout(raw)
		if err != nil {
			return nil, err
		}
		next := fn(current)
		var body []byte
		if next != nil {
			if body, err = json.Marshal(next); err != nil {
				return nil, errors.ErrInternal("failed to encode lockout state").WithCause(err)
			}
		}
		ok, err := swapScript.Run(ctx, s.rdb, []string{key}, raw, string(body), s.ttl.Milliseconds()).Int()
		if err != nil {
			return nil, errors.ErrInternal("lockout store unavailable").WithCause(err)
		}
		if ok == 1 {
			if next == nil {
				return nil, nil
			}
			out := *next
			return &out, nil
		}
	}
	return nil, errors.ErrConflict("lockout state for " + subjectID + " is under contention")
}

func (s *LockoutStore) load(ctx context.Context, subjectID string) (string, error) {
	raw, err := s.rdb.Get(ctx, s.ks.key("lockout", subjectID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.ErrInternal("lockout store unavailable").WithCause(err)
	}
	return raw, nil
}

func decodeLockout(raw string) (*models.LockoutState, error) {
	if raw == "" {
		return nil, nil
	}
	var st models.LockoutState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, errors.ErrInternal("corrupt lockout state").WithCause(err)
	}
	return &st, nil
}
