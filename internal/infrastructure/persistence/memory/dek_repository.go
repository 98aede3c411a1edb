// Package memory provides in-process implementations of the domain repositories.
// They back single-node deployments and the test suite.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

// DEKRepository keeps wrapped DEKs keyed by tenant.
type DEKRepository struct {
	mu   sync.RWMutex
	deks map[string]*models.DataEncryptionKey
}

// NewDEKRepository creates an empty repository.
func NewDEKRepository() *DEKRepository {
	return &DEKRepository{deks: make(map[string]*models.DataEncryptionKey)}
}

var _ repository.DEKRepository = (*DEKRepository)(nil)

func (r *DEKRepository) Get(ctx context.Context, tenantID string) (*models.DataEncryptionKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deks[tenantID]
	if !ok {
		return nil, errors.ErrNotFound("dek", tenantID)
	}
	return d.Clone(), nil
}

func (r *DEKRepository) InsertIfAbsent(ctx context.Context, dek *models.DataEncryptionKey) (*models.DataEncryptionKey, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.deks[dek.TenantID]; ok {
		return existing.Clone(), false, nil
	}
	r.deks[dek.TenantID] = dek.Clone()
	return dek.Clone(), true, nil
}

func (r *DEKRepository) Replace(ctx context.Context, dek *models.DataEncryptionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deks[dek.TenantID] = dek.Clone()
	return nil
}

func (r *DEKRepository) List(ctx context.Context) ([]*models.DataEncryptionKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.DataEncryptionKey, 0, len(r.deks))
	for _, d := range r.deks {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (r *DEKRepository) Stage(ctx context.Context, current *models.DataEncryptionKey, masterKeyID string, wrapped, nonce []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deks[current.TenantID]
	if !ok {
		return errors.ErrNotFound("dek", current.TenantID)
	}
	if d.ID != current.ID || !bytes.Equal(d.WrappedKey, current.WrappedKey) {
		return errors.ErrConflict("dek of tenant " + current.TenantID + " changed while staging")
	}
	d.StagedWrappedKey = append([]byte(nil), wrapped...)
	d.StagedNonce = append([]byte(nil), nonce...)
	d.StagedMasterKeyID = masterKeyID
	return nil
}

func (r *DEKRepository) PromoteStaged(ctx context.Context, masterKeyID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	promoted := 0
	now := time.Now().UTC()
	for _, d := range r.deks {
		if !d.HasStaged(masterKeyID) {
			continue
		}
		d.WrappedKey, d.Nonce, d.MasterKeyID = d.StagedWrappedKey, d.StagedNonce, d.StagedMasterKeyID
		d.StagedWrappedKey, d.StagedNonce, d.StagedMasterKeyID = nil, nil, ""
		d.UpdatedAt = now
		promoted++
	}
	return promoted, nil
}
