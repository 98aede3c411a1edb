package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/sentinel/internal/application/dto"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// maxQueryLimit caps one page of audit entries.
const maxQueryLimit = 1000

// LedgerService is the part of the compliance ledger exposed over HTTP.
type LedgerService interface {
	QueryEvents(ctx context.Context, window models.TimeWindow, filter models.AuditFilter) ([]*models.AuditEntry, error)
	VerifyChain(ctx context.Context) (*models.ChainVerification, error)
	GenerateComplianceReport(ctx context.Context, window models.TimeWindow) (*models.ComplianceReport, error)
	EraseSubject(ctx context.Context, subjectID, reason string) (int, error)
	Pseudonym(subjectID string) string
}

// LedgerHandler serves audit queries, chain verification, reports and erasure.
type LedgerHandler struct {
	ledger LedgerService
	log    logger.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger LedgerService, log logger.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, log: log.WithComponent("LedgerHandler")}
}

// QueryEvents handles GET /v1/audit/events.
func (h *LedgerHandler) QueryEvents(c *gin.Context) {
	window, err := windowFromQuery(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	filter := models.AuditFilter{
		ActorID:   c.Query("actor"),
		EventType: constants.AuditEventType(c.Query("type")),
		Result:    c.Query("result"),
		TenantID:  c.Query("tenant"),
		Limit:     100,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxQueryLimit {
			respondError(c, h.log, errors.ErrInvalidRequest("limit must be between 1 and 1000"))
			return
		}
		filter.Limit = n
	}
	entries, err := h.ledger.QueryEvents(c.Request.Context(), window, filter)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// VerifyChain handles GET /v1/audit/verify. A broken chain is reported with 409.
func (h *LedgerHandler) VerifyChain(c *gin.Context) {
	res, err := h.ledger.VerifyChain(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	status := http.StatusOK
	if !res.Valid {
		h.log.Warn(c.Request.Context(), "Audit chain verification failed")
		status = http.StatusConflict
	}
	c.JSON(status, res)
}

// Report handles GET /v1/audit/report.
func (h *LedgerHandler) Report(c *gin.Context) {
	window, err := windowFromQuery(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	report, err := h.ledger.GenerateComplianceReport(c.Request.Context(), window)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Erase handles POST /v1/audit/erasures.
func (h *LedgerHandler) Erase(c *gin.Context) {
	var req dto.EraseSubjectRequest
	if !bindJSON(c, &req) {
		return
	}
	n, err := h.ledger.EraseSubject(c.Request.Context(), req.SubjectID, req.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.EraseSubjectResponse{Erased: n, Pseudonym: h.ledger.Pseudonym(req.SubjectID)})
}

// windowFromQuery reads ?from= and ?to= as RFC 3339. Missing bounds are open.
func windowFromQuery(c *gin.Context) (models.TimeWindow, error) {
	var w models.TimeWindow
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &w.From}, {"to", &w.To}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return w, errors.ErrInvalidRequest(p.name + " must be an RFC 3339 timestamp")
		}
		*p.dst = t
	}
	if !w.From.IsZero() && !w.To.IsZero() && w.To.Before(w.From) {
		return w, errors.ErrInvalidRequest("to must not precede from")
	}
	return w, nil
}
