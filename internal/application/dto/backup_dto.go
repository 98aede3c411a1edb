package dto

import (
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
)

// CreateBackupRequest snapshots an opaque payload.
type CreateBackupRequest struct {
	Data []byte `json:"data" validate:"required"`
}

// RestorePointRequest restores the latest backup taken at or before At.
type RestorePointRequest struct {
	At time.Time `json:"at" validate:"required"`
}

// RestoreResponse carries restored plaintext.
type RestoreResponse struct {
	Backup *models.Backup `json:"backup,omitempty"`
	Data   []byte         `json:"data"`
}

// PruneRequest removes backups older than RetentionDays.
type PruneRequest struct {
	RetentionDays int `json:"retention_days" validate:"gte=0"`
}

// PruneResponse reports how many backups were removed.
type PruneResponse struct {
	Removed int `json:"removed"`
}
