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

// indexScript adds a member to an index set and only ever extends the set's TTL,
// so the set lives as long as its longest-lived member.
var indexScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < tonumber(ARGV[2]) then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// SessionStore keeps sessions and the revocation and consumed sets in Redis.
// Every key carries a TTL so nothing outlives the token it describes.
type SessionStore struct {
	rdb redis.UniversalClient
	ks  keyspace
}

// NewSessionStore creates a store using keys under prefix.
func NewSessionStore(rdb redis.UniversalClient, prefix string) *SessionStore {
	return &SessionStore{rdb: rdb, ks: prefixOrDefault(prefix)}
}

var _ repository.SessionStore = (*SessionStore)(nil)

func (s *SessionStore) Save(ctx context.Context, session *models.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	body, err := json.Marshal(session)
	if err != nil {
		return errors.ErrInternal("failed to encode session").WithCause(err)
	}
	subjectKey := s.ks.key("subject", session.SubjectID)
	familyKey := s.ks.key("family", session.FamilyID)

	if err := s.rdb.Set(ctx, s.ks.key("session", session.ID), body, ttl).Err(); err != nil {
		return errors.ErrInternal("failed to save session").WithCause(err)
	}
	ms := ttl.Milliseconds()
	for _, k := range []string{subjectKey, familyKey} {
		if err := indexScript.Run(ctx, s.rdb, []string{k}, session.ID, ms).Err(); err != nil {
			return errors.ErrInternal("failed to index session").WithCause(err)
		}
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, jti string) (*models.Session, error) {
	body, err := s.rdb.Get(ctx, s.ks.key("session", jti)).Bytes()
	if err == redis.Nil {
		return nil, errors.ErrNotFound("session", jti)
	}
	if err != nil {
		return nil, errors.ErrInternal("failed to load session").WithCause(err)
	}
	var sess models.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, errors.ErrInternal("failed to decode session").WithCause(err)
	}
	return &sess, nil
}

func (s *SessionStore) ListBySubject(ctx context.Context, subjectID string) ([]*models.Session, error) {
	return s.listSet(ctx, s.ks.key("subject", subjectID))
}

func (s *SessionStore) ListByFamily(ctx context.Context, familyID string) ([]*models.Session, error) {
	return s.listSet(ctx, s.ks.key("family", familyID))
}

func (s *SessionStore) Revoke(ctx context.Context, jti string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		// Already expired; verification fails on exp regardless.
		ttl = time.Minute
	}
	if err := s.rdb.Set(ctx, s.ks.key("revoked", jti), "1", ttl).Err(); err != nil {
		return errors.ErrInternal("failed to revoke session").WithCause(err)
	}
	return nil
}

func (s *SessionStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.ks.key("revoked", jti)).Result()
	if err != nil {
		return false, errors.ErrInternal("failed to check revocation").WithCause(err)
	}
	return n == 1, nil
}

func (s *SessionStore) MarkConsumed(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.ks.key("consumed", jti), "1", ttl).Result()
	if err != nil {
		return false, errors.ErrInternal("failed to mark refresh token consumed").WithCause(err)
	}
	return ok, nil
}

func (s *SessionStore) listSet(ctx context.Context, setKey string) ([]*models.Session, error) {
	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, errors.ErrInternal("failed to list sessions").WithCause(err)
	}
	out := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.HasCode(err, errors.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}
