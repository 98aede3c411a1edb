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

// GuardService is the part of the network guard exposed over HTTP.
type GuardService interface {
	BlockIP(ctx context.Context, ip, reason string, ttl time.Duration) error
	UnblockIP(ctx context.Context, ip string) error
	ListBlocked(ctx context.Context) ([]*models.BlockEntry, error)
	SetAllowlist(ctx context.Context, tenantID string, entries []string) error
	ScanOutbound(ctx context.Context, tenantID, resource, content string) *models.DLPResult
}

// GuardHandler manages blocks and allow-lists and runs DLP scans.
type GuardHandler struct {
	guard GuardService
	log   logger.Logger
}

// NewGuardHandler creates a GuardHandler.
func NewGuardHandler(guard GuardService, log logger.Logger) *GuardHandler {
	return &GuardHandler{guard: guard, log: log.WithComponent("GuardHandler")}
}

// Block handles POST /v1/guard/blocks.
func (h *GuardHandler) Block(c *gin.Context) {
	var req dto.BlockIPRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.guard.BlockIP(c.Request.Context(), req.IP, req.Reason, req.TTL()); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Unblock handles DELETE /v1/guard/blocks/:ip.
func (h *GuardHandler) Unblock(c *gin.Context) {
	if err := h.guard.UnblockIP(c.Request.Context(), c.Param("ip")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListBlocked handles GET /v1/guard/blocks.
func (h *GuardHandler) ListBlocked(c *gin.Context) {
	entries, err := h.guard.ListBlocked(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if entries == nil {
		entries = []*models.BlockEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// SetAllowlist handles PUT /v1/guard/allowlists/:tenant.
func (h *GuardHandler) SetAllowlist(c *gin.Context) {
	var req dto.AllowlistRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.guard.SetAllowlist(c.Request.Context(), c.Param("tenant"), req.Entries); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ScanDLP handles POST /v1/guard/dlp/scan.
func (h *GuardHandler) ScanDLP(c *gin.Context) {
	var req dto.DLPScanRequest
	if !bindJSON(c, &req) {
		return
	}
	c.JSON(http.StatusOK, h.guard.ScanOutbound(c.Request.Context(), req.TenantID, req.Resource, req.Content))
}
