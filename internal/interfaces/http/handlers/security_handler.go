package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/pkg/logger"
)

// ThreatService is the read side of the security monitor.
type ThreatService interface {
	Threats(ctx context.Context) []*models.Threat
	Threat(ctx context.Context, id string) (*models.Threat, error)
}

// SecurityHandler exposes detected threats and their handling.
type SecurityHandler struct {
	monitor ThreatService
	log     logger.Logger
}

// NewSecurityHandler creates a SecurityHandler.
func NewSecurityHandler(monitor ThreatService, log logger.Logger) *SecurityHandler {
	return &SecurityHandler{monitor: monitor, log: log.WithComponent("SecurityHandler")}
}

// ListThreats handles GET /v1/threats. ?severity= and ?type= narrow the list.
func (h *SecurityHandler) ListThreats(c *gin.Context) {
	severity, kind := c.Query("severity"), c.Query("type")
	out := []*models.Threat{}
	for _, t := range h.monitor.Threats(c.Request.Context()) {
		if severity != "" && string(t.Severity) != severity {
			continue
		}
		if kind != "" && string(t.Type) != kind {
			continue
		}
		out = append(out, t)
	}
	c.JSON(http.StatusOK, out)
}

// GetThreat handles GET /v1/threats/:id.
func (h *SecurityHandler) GetThreat(c *gin.Context) {
	t, err := h.monitor.Threat(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, t)
}
