package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/sentinel/internal/application/dto"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/pkg/logger"
)

// BackupService is the backup vault as seen by HTTP.
type BackupService interface {
	CreateBackup(ctx context.Context, data []byte) (*models.Backup, error)
	ListBackups(ctx context.Context) ([]*models.Backup, error)
	RestoreFromBackup(ctx context.Context, id string) ([]byte, error)
	RestoreToPoint(ctx context.Context, t time.Time) ([]byte, *models.Backup, error)
	PruneOlderThan(ctx context.Context, retentionDays int) (int, error)
}

// BackupHandler serves backup creation, listing, restore and pruning.
type BackupHandler struct {
	vault BackupService
	log   logger.Logger
}

// NewBackupHandler creates a BackupHandler.
func NewBackupHandler(vault BackupService, log logger.Logger) *BackupHandler {
	return &BackupHandler{vault: vault, log: log.WithComponent("BackupHandler")}
}

// Create handles POST /v1/backups.
func (h *BackupHandler) Create(c *gin.Context) {
	var req dto.CreateBackupRequest
	if !bindJSON(c, &req) {
		return
	}
	b, err := h.vault.CreateBackup(c.Request.Context(), req.Data)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// List handles GET /v1/backups.
func (h *BackupHandler) List(c *gin.Context) {
	list, err := h.vault.ListBackups(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if list == nil {
		list = []*models.Backup{}
	}
	c.JSON(http.StatusOK, list)
}

// Restore handles POST /v1/backups/:id/restore.
func (h *BackupHandler) Restore(c *gin.Context) {
	data, err := h.vault.RestoreFromBackup(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	noStore(c)
	c.JSON(http.StatusOK, dto.RestoreResponse{Data: data})
}

// RestorePoint handles POST /v1/backups/restore-point.
func (h *BackupHandler) RestorePoint(c *gin.Context) {
	var req dto.RestorePointRequest
	if !bindJSON(c, &req) {
		return
	}
	data, b, err := h.vault.RestoreToPoint(c.Request.Context(), req.At)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	noStore(c)
	c.JSON(http.StatusOK, dto.RestoreResponse{Backup: b, Data: data})
}

// Prune handles POST /v1/backups/prune.
func (h *BackupHandler) Prune(c *gin.Context) {
	var req dto.PruneRequest
	if !bindJSON(c, &req) {
		return
	}
	n, err := h.vault.PruneOlderThan(c.Request.Context(), req.RetentionDays)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.PruneResponse{Removed: n})
}
