package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
)

// BlockStore keeps blocked addresses until their expiry.
type BlockStore struct {
	mu      sync.RWMutex
	entries map[string]*models.BlockEntry
	now     func() time.Time
}

// NewBlockStore creates an empty block list.
func NewBlockStore(now func() time.Time) *BlockStore {
	if now == nil {
		now = time.Now
	}
	return &BlockStore{entries: make(map[string]*models.BlockEntry), now: now}
}

var _ repository.BlockStore = (*BlockStore)(nil)

func (s *BlockStore) Block(ctx context.Context, entry *models.BlockEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *entry
	if ttl > 0 {
		c.ExpiresAt = s.now().Add(ttl)
	}
	s.entries[entry.IP] = &c
	return nil
}

func (s *BlockStore) Unblock(ctx context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ip)
	return nil
}

func (s *BlockStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[ip]
	if !ok {
		return false, nil
	}
	return e.ExpiresAt.IsZero() || s.now().Before(e.ExpiresAt), nil
}

func (s *BlockStore) List(ctx context.Context) ([]*models.BlockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]*models.BlockEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}
