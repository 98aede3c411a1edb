package repository

import (
	"context"

	"github.com/turtacn/sentinel/internal/domain/models"
)

// MasterKeyStore persists master keys and the rotation marker.
// Implementations must return an error wrapping errors.CodeKeyUnavailable when the
// backing store cannot be reached, never a default key.
type MasterKeyStore interface {
	// Current returns the key that wraps new DEKs. errors.CodeNotFound if none exists yet.
	Current(ctx context.Context) (*models.MasterKey, error)
	Get(ctx context.Context, id string) (*models.MasterKey, error)
	// Put stores a key without making it current.
	Put(ctx context.Context, key *models.MasterKey) error
	SetCurrent(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error

	LoadMarker(ctx context.Context) (*models.RotationMarker, error)
	SaveMarker(ctx context.Context, marker *models.RotationMarker) error
}

// DEKRepository persists wrapped tenant DEKs.
type DEKRepository interface {
	// Get returns errors.CodeNotFound when the tenant has no DEK.
	Get(ctx context.Context, tenantID string) (*models.DataEncryptionKey, error)
	// InsertIfAbsent stores dek unless the tenant already has one. It returns the record
	// that is stored after the call and whether dek was the one inserted.
	InsertIfAbsent(ctx context.Context, dek *models.DataEncryptionKey) (*models.DataEncryptionKey, bool, error)
	// Replace overwrites the tenant's DEK, used when a tenant brings its own key.
	Replace(ctx context.Context, dek *models.DataEncryptionKey) error
	List(ctx context.Context) ([]*models.DataEncryptionKey, error)
	// Stage records a re-wrap of current under masterKeyID without touching the active
	// wrap. It fails with errors.CodeConflict when the tenant's active wrap is no longer
	// current's, so a key replaced mid-rotation is never overwritten by a stale re-wrap.
	Stage(ctx context.Context, current *models.DataEncryptionKey, masterKeyID string, wrapped, nonce []byte) error
	// PromoteStaged swaps every wrap staged for masterKeyID into place in one step.
	PromoteStaged(ctx context.Context, masterKeyID string) (int, error)
}
