package repository

import (
	"context"

	"github.com/turtacn/sentinel/internal/domain/models"
)

// RegionStore is one replication target of the backup vault.
type RegionStore interface {
	Region() string
	Put(ctx context.Context, backup *models.Backup, blob []byte) error
	// UpdateMetadata rewrites the record of an existing backup, leaving the blob alone.
	UpdateMetadata(ctx context.Context, backup *models.Backup) error
	// Get returns errors.CodeNotFound when the region has no such backup.
	Get(ctx context.Context, id string) (*models.Backup, []byte, error)
	// List returns metadata ordered by timestamp, oldest first.
	List(ctx context.Context) ([]*models.Backup, error)
	Delete(ctx context.Context, id string) error
}
