package repository

import (
	"context"
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
)

// SessionStore tracks issued tokens, the revocation set and consumed refresh tokens.
type SessionStore interface {
	Save(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, jti string) (*models.Session, error)
	ListBySubject(ctx context.Context, subjectID string) ([]*models.Session, error)
	ListByFamily(ctx context.Context, familyID string) ([]*models.Session, error)

	// Revoke adds jti to the revocation set until the token would have expired anyway.
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)

	// MarkConsumed atomically records a refresh token as used. It returns false when
	// the token had already been consumed.
	MarkConsumed(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

// CredentialStore holds password hashes and MFA secrets.
type CredentialStore interface {
	PutCredential(ctx context.Context, cred *models.Credential) error
	GetCredential(ctx context.Context, subjectID string) (*models.Credential, error)
	PutMFASecret(ctx context.Context, secret *models.MFASecret) error
	GetMFASecret(ctx context.Context, subjectID string) (*models.MFASecret, error)
}

// LockoutStore holds per-subject failed attempt state.
type LockoutStore interface {
	Get(ctx context.Context, subjectID string) (*models.LockoutState, error)
	// Update applies fn atomically. A nil return from fn deletes the state.
	Update(ctx context.Context, subjectID string, fn func(current *models.LockoutState) *models.LockoutState) (*models.LockoutState, error)
}
