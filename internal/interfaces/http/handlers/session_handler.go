package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/sentinel/internal/application/dto"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/interfaces/http/middleware"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// SessionService is the part of the session authority exposed over HTTP.
type SessionService interface {
	Login(ctx context.Context, subjectID, password, mfaCode string) (*models.TokenPair, error)
	RefreshSession(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	RevokeToken(ctx context.Context, token string) error
	RevokeAllSessions(ctx context.Context, subjectID string) (int, error)
	RegisterCredential(ctx context.Context, subjectID, password string) error
	EnableMFA(ctx context.Context, subjectID string, method constants.MFAMethod) (*models.MFAEnrollment, error)
	VerifyMFA(ctx context.Context, subjectID, code string) (bool, error)
}

// SessionHandler serves login, refresh, logout and MFA enrollment.
type SessionHandler struct {
	sessions SessionService
	log      logger.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(sessions SessionService, log logger.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, log: log.WithComponent("SessionHandler")}
}

// Login handles POST /v1/auth/login.
func (h *SessionHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if !bindJSON(c, &req) {
		return
	}
	pair, err := h.sessions.Login(c.Request.Context(), req.SubjectID, req.Password, req.MFACode)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	noStore(c)
	c.JSON(http.StatusOK, pair)
}

// Refresh handles POST /v1/auth/refresh.
func (h *SessionHandler) Refresh(c *gin.Context) {
	var req dto.RefreshRequest
	if !bindJSON(c, &req) {
		return
	}
	pair, err := h.sessions.RefreshSession(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	noStore(c)
	c.JSON(http.StatusOK, pair)
}

// Revoke handles POST /v1/auth/revoke. Without a body token the bearer token is
// revoked, which is a logout.
func (h *SessionHandler) Revoke(c *gin.Context) {
	var req dto.RevokeRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	token := req.Token
	if token == "" {
		token = middleware.BearerToken(c)
	}
	if token == "" {
		respondError(c, h.log, errors.ErrInvalidRequest("token is required"))
		return
	}
	if err := h.sessions.RevokeToken(c.Request.Context(), token); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RevokeAll handles POST /v1/auth/revoke-all for the caller.
func (h *SessionHandler) RevokeAll(c *gin.Context) {
	n, err := h.sessions.RevokeAllSessions(c.Request.Context(), middleware.SubjectID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.RevokeAllResponse{Revoked: n})
}

// RevokeSubject handles POST /v1/subjects/:subject/sessions/revoke for administrators.
func (h *SessionHandler) RevokeSubject(c *gin.Context) {
	n, err := h.sessions.RevokeAllSessions(c.Request.Context(), c.Param("subject"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.RevokeAllResponse{Revoked: n})
}

// RegisterCredential handles PUT /v1/credentials.
func (h *SessionHandler) RegisterCredential(c *gin.Context) {
	var req dto.RegisterCredentialRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.sessions.RegisterCredential(c.Request.Context(), req.SubjectID, req.Password); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// EnableMFA handles POST /v1/auth/mfa. The secret is shown once.
func (h *SessionHandler) EnableMFA(c *gin.Context) {
	var req dto.EnableMFARequest
	if !bindJSON(c, &req) {
		return
	}
	enrollment, err := h.sessions.EnableMFA(c.Request.Context(), middleware.SubjectID(c), constants.MFAMethod(req.Method))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	noStore(c)
	c.JSON(http.StatusCreated, enrollment)
}

// VerifyMFA handles POST /v1/auth/mfa/verify.
func (h *SessionHandler) VerifyMFA(c *gin.Context) {
	var req dto.VerifyMFARequest
	if !bindJSON(c, &req) {
		return
	}
	ok, err := h.sessions.VerifyMFA(c.Request.Context(), middleware.SubjectID(c), req.Code)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.VerifyMFAResponse{Valid: ok})
}
