package database

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

// CredentialStore keeps password hashes and sealed MFA secrets in the credentials
// and mfa_secrets tables.
type CredentialStore struct {
	db *gorm.DB
}

// NewCredentialStore creates a store over db.
func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

var _ repository.CredentialStore = (*CredentialStore)(nil)

func (s *CredentialStore) PutCredential(ctx context.Context, cred *models.Credential) error {
	row := *cred
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "subject_id"}}, UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return errors.ErrInternal("failed to save credential").WithCause(err)
	}
	return nil
}

func (s *CredentialStore) GetCredential(ctx context.Context, subjectID string) (*models.Credential, error) {
	var c models.Credential
	err := s.db.WithContext(ctx).Where("subject_id = ?", subjectID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrNotFound("credential", subjectID)
	}
	if err != nil {
		return nil, errors.ErrInternal("failed to load credential").WithCause(err)
	}
	return &c, nil
}

func (s *CredentialStore) PutMFASecret(ctx context.Context, secret *models.MFASecret) error {
	row := *secret
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "subject_id"}}, UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return errors.ErrInternal("failed to save mfa secret").WithCause(err)
	}
	return nil
}

func (s *CredentialStore) GetMFASecret(ctx context.Context, subjectID string) (*models.MFASecret, error) {
	var m models.MFASecret
	err := s.db.WithContext(ctx).Where("subject_id = ?", subjectID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrNotFound("mfa secret", subjectID)
	}
	if err != nil {
		return nil, errors.ErrInternal("failed to load mfa secret").WithCause(err)
	}
	return &m, nil
}
