// Package kms holds master key stores: in-process for development and tests,
// HashiCorp Vault for production.
package kms

import (
	"context"
	"sync"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
)

// MemoryMasterKeyStore keeps master keys in process memory.
type MemoryMasterKeyStore struct {
	mu        sync.RWMutex
	keys      map[string]*models.MasterKey
	currentID string
	marker    models.RotationMarker
}

// NewMemoryMasterKeyStore creates an empty store.
func NewMemoryMasterKeyStore() *MemoryMasterKeyStore {
	return &MemoryMasterKeyStore{
		keys:   make(map[string]*models.MasterKey),
		marker: models.RotationMarker{State: constants.RotationStable},
	}
}

var _ repository.MasterKeyStore = (*MemoryMasterKeyStore)(nil)

func (s *MemoryMasterKeyStore) Current(ctx context.Context) (*models.MasterKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentID == "" {
		return nil, errors.ErrNotFound("master key", "current")
	}
	return copyKey(s.keys[s.currentID]), nil
}

func (s *MemoryMasterKeyStore) Get(ctx context.Context, id string) (*models.MasterKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, errors.ErrNotFound("master key", id)
	}
	return copyKey(k), nil
}

func (s *MemoryMasterKeyStore) Put(ctx context.Context, key *models.MasterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = copyKey(key)
	return nil
}

func (s *MemoryMasterKeyStore) SetCurrent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return errors.ErrNotFound("master key", id)
	}
	s.currentID = id
	return nil
}

func (s *MemoryMasterKeyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.currentID {
		return errors.ErrConflict("cannot delete the current master key")
	}
	if k, ok := s.keys[id]; ok {
		zero(k.Material)
		delete(s.keys, id)
	}
	return nil
}

func (s *MemoryMasterKeyStore) LoadMarker(ctx context.Context) (*models.RotationMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.marker
	return &m, nil
}

func (s *MemoryMasterKeyStore) SaveMarker(ctx context.Context, marker *models.RotationMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marker = *marker
	return nil
}

func copyKey(k *models.MasterKey) *models.MasterKey {
	if k == nil {
		return nil
	}
	c := *k
	c.Material = append([]byte(nil), k.Material...)
	return &c
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
