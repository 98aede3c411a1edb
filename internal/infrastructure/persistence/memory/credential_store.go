package memory

import (
	"context"
	"sync"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

// CredentialStore keeps password hashes and sealed MFA secrets.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]*models.Credential
	mfa   map[string]*models.MFASecret
}

// NewCredentialStore creates an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		creds: make(map[string]*models.Credential),
		mfa:   make(map[string]*models.MFASecret),
	}
}

var _ repository.CredentialStore = (*CredentialStore)(nil)

func (s *CredentialStore) PutCredential(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cred
	s.creds[cred.SubjectID] = &c
	return nil
}

func (s *CredentialStore) GetCredential(ctx context.Context, subjectID string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[subjectID]
	if !ok {
		return nil, errors.ErrNotFound("credential", subjectID)
	}
	cp := *c
	return &cp, nil
}

func (s *CredentialStore) PutMFASecret(ctx context.Context, secret *models.MFASecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *secret
	s.mfa[secret.SubjectID] = &c
	return nil
}

func (s *CredentialStore) GetMFASecret(ctx context.Context, subjectID string) (*models.MFASecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mfa[subjectID]
	if !ok {
		return nil, errors.ErrNotFound("mfa secret", subjectID)
	}
	c := *m
	return &c, nil
}
