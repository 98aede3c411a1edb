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

// AccessService is the part of the authorization engine exposed over HTTP.
type AccessService interface {
	DefineRole(ctx context.Context, role models.Role) error
	AssignRole(ctx context.Context, subjectID, roleID string) error
	UnassignRole(ctx context.Context, subjectID, roleID string) error
	RolesOf(ctx context.Context, subjectID string) ([]string, error)
	CheckPolicy(ctx context.Context, req *models.AccessRequest) bool
	SetPolicy(ctx context.Context, policy models.Policy) error
	RemovePolicy(ctx context.Context, resourceID string) error
	GrantResourceAccess(ctx context.Context, subjectID, resourceID string, permissions []string, ttl time.Duration) (*models.ResourceGrant, error)
	RevokeResourceAccess(ctx context.Context, subjectID, resourceID string) error
}

// AccessHandler manages roles, policies and grants.
type AccessHandler struct {
	access AccessService
	log    logger.Logger
	now    func() time.Time
}

// NewAccessHandler creates an AccessHandler.
func NewAccessHandler(access AccessService, log logger.Logger) *AccessHandler {
	return &AccessHandler{access: access, log: log.WithComponent("AccessHandler"), now: time.Now}
}

// DefineRole handles PUT /v1/roles/:role.
func (h *AccessHandler) DefineRole(c *gin.Context) {
	var req dto.DefineRoleRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.access.DefineRole(c.Request.Context(), req.ToRole(c.Param("role"))); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AssignRole handles POST /v1/subjects/:subject/roles.
func (h *AccessHandler) AssignRole(c *gin.Context) {
	var req dto.AssignRoleRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.access.AssignRole(c.Request.Context(), c.Param("subject"), req.RoleID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UnassignRole handles DELETE /v1/subjects/:subject/roles/:role.
func (h *AccessHandler) UnassignRole(c *gin.Context) {
	if err := h.access.UnassignRole(c.Request.Context(), c.Param("subject"), c.Param("role")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListRoles handles GET /v1/subjects/:subject/roles.
func (h *AccessHandler) ListRoles(c *gin.Context) {
	subject := c.Param("subject")
	roles, err := h.access.RolesOf(c.Request.Context(), subject)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	c.JSON(http.StatusOK, dto.RolesResponse{SubjectID: subject, Roles: roles})
}

// SetPolicy handles PUT /v1/policies/:resource.
func (h *AccessHandler) SetPolicy(c *gin.Context) {
	var req dto.SetPolicyRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.access.SetPolicy(c.Request.Context(), req.ToPolicy(c.Param("resource"))); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemovePolicy handles DELETE /v1/policies/:resource.
func (h *AccessHandler) RemovePolicy(c *gin.Context) {
	if err := h.access.RemovePolicy(c.Request.Context(), c.Param("resource")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Check handles POST /v1/access/check. A denial is a normal answer, not an error.
func (h *AccessHandler) Check(c *gin.Context) {
	var req dto.AccessCheckRequest
	if !bindJSON(c, &req) {
		return
	}
	ar := req.ToAccessRequest(h.now())
	if ar.IP == "" {
		ar.IP = c.ClientIP()
	}
	c.JSON(http.StatusOK, dto.AccessDecision{Allowed: h.access.CheckPolicy(c.Request.Context(), ar)})
}

// Grant handles POST /v1/grants.
func (h *AccessHandler) Grant(c *gin.Context) {
	var req dto.GrantRequest
	if !bindJSON(c, &req) {
		return
	}
	grant, err := h.access.GrantResourceAccess(c.Request.Context(), req.SubjectID, req.ResourceID, req.Permissions, req.TTL())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, grant)
}

// RevokeGrant handles DELETE /v1/grants/:subject/:resource.
func (h *AccessHandler) RevokeGrant(c *gin.Context) {
	if err := h.access.RevokeResourceAccess(c.Request.Context(), c.Param("subject"), c.Param("resource")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
