package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/sentinel/internal/application/dto"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// KeyService is the part of key management exposed over HTTP.
type KeyService interface {
	CurrentMasterKeyID(ctx context.Context) (string, error)
	RotateMasterKey(ctx context.Context) (*models.RotationResult, error)
	EncryptionCoverage(ctx context.Context) (float64, error)
	SetTenantKey(ctx context.Context, tenantID string, material []byte) error
	EncryptForTenant(ctx context.Context, tenantID, encContext string, plaintext []byte) (*models.SealedPayload, error)
	DecryptForTenant(ctx context.Context, tenantID, encContext string, sealed *models.SealedPayload) ([]byte, error)
}

// KeyHandler serves key rotation, coverage, BYOK import and tenant encryption.
type KeyHandler struct {
	keys KeyService
	log  logger.Logger
}

// NewKeyHandler creates a KeyHandler.
func NewKeyHandler(keys KeyService, log logger.Logger) *KeyHandler {
	return &KeyHandler{keys: keys, log: log.WithComponent("KeyHandler")}
}

// Rotate handles POST /v1/keys/rotate.
func (h *KeyHandler) Rotate(c *gin.Context) {
	res, err := h.keys.RotateMasterKey(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Coverage handles GET /v1/keys/coverage.
func (h *KeyHandler) Coverage(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := h.keys.CurrentMasterKeyID(ctx)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	cov, err := h.keys.EncryptionCoverage(ctx)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.CoverageResponse{MasterKeyID: id, Coverage: cov})
}

// tenantParam returns the :tenant path parameter. The system tenant holds
// internal secrets and is refused here.
func tenantParam(c *gin.Context, action string) (string, error) {
	tenant := c.Param("tenant")
	if tenant == "" || tenant == constants.SystemTenantID {
		subject, _ := c.Request.Context().Value(constants.ContextKeySubjectID).(string)
		return "", errors.ErrAuthorizationDenied(subject, constants.TenantResourcePrefix+tenant, action)
	}
	return tenant, nil
}

// ImportTenantKey handles PUT /v1/tenants/:tenant/key.
func (h *KeyHandler) ImportTenantKey(c *gin.Context) {
	tenant, err := tenantParam(c, "import")
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	var req dto.TenantKeyRequest
	if !bindJSON(c, &req) {
		return
	}
	err = h.keys.SetTenantKey(c.Request.Context(), tenant, req.KeyMaterial)
	for i := range req.KeyMaterial {
		req.KeyMaterial[i] = 0
	}
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Seal handles POST /v1/tenants/:tenant/seal.
func (h *KeyHandler) Seal(c *gin.Context) {
	tenant, err := tenantParam(c, "encrypt")
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	var req dto.SealRequest
	if !bindJSON(c, &req) {
		return
	}
	sealed, err := h.keys.EncryptForTenant(c.Request.Context(), tenant, req.Context, req.Plaintext)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sealed)
}

// Open handles POST /v1/tenants/:tenant/open.
func (h *KeyHandler) Open(c *gin.Context) {
	tenant, err := tenantParam(c, "decrypt")
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	var req dto.OpenRequest
	if !bindJSON(c, &req) {
		return
	}
	plain, err := h.keys.DecryptForTenant(c.Request.Context(), tenant, req.Context, req.Payload)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	noStore(c)
	c.JSON(http.StatusOK, dto.OpenResponse{Plaintext: plain})
}
