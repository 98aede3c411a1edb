package redis

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

// BlockStore keeps the shared IP block list. Entries expire through key TTLs.
type BlockStore struct {
	rdb redis.UniversalClient
	ks  keyspace
}

// NewBlockStore creates a block list using keys under prefix.
func NewBlockStore(rdb redis.UniversalClient, prefix string) *BlockStore {
	return &BlockStore{rdb: rdb, ks: prefixOrDefault(prefix)}
}

var _ repository.BlockStore = (*BlockStore)(nil)

func (s *BlockStore) Block(ctx context.Context, entry *models.BlockEntry, ttl time.Duration) error {
	c := *entry
	if ttl > 0 {
		c.ExpiresAt = time.Now().Add(ttl)
	}
	body, err := json.Marshal(&c)
	if err != nil {
		return errors.ErrInternal("failed to encode block entry").WithCause(err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.ks.key("blocked", entry.IP), body, ttl)
	pipe.SAdd(ctx, s.ks.key("blocked-index"), entry.IP)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.ErrInternal("failed to block address").WithCause(err)
	}
	return nil
}

func (s *BlockStore) Unblock(ctx context.Context, ip string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.ks.key("blocked", ip))
	pipe.SRem(ctx, s.ks.key("blocked-index"), ip)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.ErrInternal("failed to unblock address").WithCause(err)
	}
	return nil
}

func (s *BlockStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.ks.key("blocked", ip)).Result()
	if err != nil {
		return false, errors.ErrInternal("failed to check block list").WithCause(err)
	}
	return n == 1, nil
}

func (s *BlockStore) List(ctx context.Context) ([]*models.BlockEntry, error) {
	ips, err := s.rdb.SMembers(ctx, s.ks.key("blocked-index")).Result()
	if err != nil {
		return nil, errors.ErrInternal("failed to list block list").WithCause(err)
	}
	out := make([]*models.BlockEntry, 0, len(ips))
	for _, ip := range ips {
		body, err := s.rdb.Get(ctx, s.ks.key("blocked", ip)).Bytes()
		if err == redis.Nil {
			// Expired; drop it from the index lazily.
			s.rdb.SRem(ctx, s.ks.key("blocked-index"), ip)
			continue
		}
		if err != nil {
			return nil, errors.ErrInternal("failed to load block entry").WithCause(err)
		}
		var e models.BlockEntry
		if err := json.Unmarshal(body, &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}
