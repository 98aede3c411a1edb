package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

type storedBackup struct {
	meta *models.Backup
	blob []byte
}

// RegionStore is an in-process backup replica for one named region.
type RegionStore struct {
	region  string
	mu      sync.RWMutex
	backups map[string]storedBackup
	// failing makes every call return an error; used to simulate an outage.
	failing bool
}

// NewRegionStore creates an empty replica for region.
func NewRegionStore(region string) *RegionStore {
	return &RegionStore{region: region, backups: make(map[string]storedBackup)}
}

var _ repository.RegionStore = (*RegionStore)(nil)

// SetFailing toggles a simulated outage of the region.
func (s *RegionStore) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *RegionStore) Region() string { return s.region }

func (s *RegionStore) Put(ctx context.Context, backup *models.Backup, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.ErrInternal("region " + s.region + " unavailable")
	}
	s.backups[backup.ID] = storedBackup{meta: backup.Clone(), blob: append([]byte(nil), blob...)}
	return nil
}

func (s *RegionStore) UpdateMetadata(ctx context.Context, backup *models.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.ErrInternal("region " + s.region + " unavailable")
	}
	b, ok := s.backups[backup.ID]
	if !ok {
		return errors.ErrNotFound("backup", backup.ID)
	}
	b.meta = backup.Clone()
	s.backups[backup.ID] = b
	return nil
}

func (s *RegionStore) Get(ctx context.Context, id string) (*models.Backup, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failing {
		return nil, nil, errors.ErrInternal("region " + s.region + " unavailable")
	}
	b, ok := s.backups[id]
	if !ok {
		return nil, nil, errors.ErrNotFound("backup", id)
	}
	return b.meta.Clone(), append([]byte(nil), b.blob...), nil
}

func (s *RegionStore) List(ctx context.Context) ([]*models.Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failing {
		return nil, errors.ErrInternal("region " + s.region + " unavailable")
	}
	out := make([]*models.Backup, 0, len(s.backups))
	for _, b := range s.backups {
		out = append(out, b.meta.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *RegionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.ErrInternal("region " + s.region + " unavailable")
	}
	delete(s.backups, id)
	return nil
}
