package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/sentinel/internal/application/dto"
	"github.com/turtacn/sentinel/internal/application/service"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/infrastructure/persistence/memory"
	"github.com/turtacn/sentinel/internal/infrastructure/policy"
	"github.com/turtacn/sentinel/internal/interfaces/http/middleware"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// MockSessionService is a mock for SessionService.
type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) Login(ctx context.Context, subjectID, password, mfaCode string) (*models.TokenPair, error) {
	args := m.Called(ctx, subjectID, password, mfaCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TokenPair), args.Error(1)
}

func (m *MockSessionService) RefreshSession(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TokenPair), args.Error(1)
}

func (m *MockSessionService) RevokeToken(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}

func (m *MockSessionService) RevokeAllSessions(ctx context.Context, subjectID string) (int, error) {
	args := m.Called(ctx, subjectID)
	return args.Int(0), args.Error(1)
}

func (m *MockSessionService) RegisterCredential(ctx context.Context, subjectID, password string) error {
	return m.Called(ctx, subjectID, password).Error(0)
}

func (m *MockSessionService) EnableMFA(ctx context.Context, subjectID string, method constants.MFAMethod) (*models.MFAEnrollment, error) {
	args := m.Called(ctx, subjectID, method)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MFAEnrollment), args.Error(1)
}

func (m *MockSessionService) VerifyMFA(ctx context.Context, subjectID, code string) (bool, error) {
	args := m.Called(ctx, subjectID, code)
	return args.Bool(0), args.Error(1)
}

// MockBackupService is a mock for BackupService.
type MockBackupService struct {
	mock.Mock
}

func (m *MockBackupService) CreateBackup(ctx context.Context, data []byte) (*models.Backup, error) {
	args := m.Called(ctx, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Backup), args.Error(1)
}

func (m *MockBackupService) ListBackups(ctx context.Context) ([]*models.Backup, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Backup), args.Error(1)
}

func (m *MockBackupService) RestoreFromBackup(ctx context.Context, id string) ([]byte, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBackupService) RestoreToPoint(ctx context.Context, t time.Time) ([]byte, *models.Backup, error) {
	args := m.Called(ctx, t)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).([]byte), args.Get(1).(*models.Backup), args.Error(2)
}

func (m *MockBackupService) PruneOlderThan(ctx context.Context, retentionDays int) (int, error) {
	args := m.Called(ctx, retentionDays)
	return args.Int(0), args.Error(1)
}

// asSubject stands in for RequireSession.
func asSubject(subject string) gin.HandlerFunc {
	return middleware.RequireSession(staticVerifier(subject), logger.NewNoopLogger())
}

type staticVerifier string

func (s staticVerifier) VerifyAccessToken(context.Context, string) (string, error) {
	return string(s), nil
}

func doJSON(r http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(constants.HeaderAuthorization, "Bearer test-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errors.ErrorResponse {
	t.Helper()
	var resp errors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestSessionHandler_Login(t *testing.T) {
	svc := new(MockSessionService)
	h := NewSessionHandler(svc, logger.NewNoopLogger())
	router := gin.New()
	router.POST("/login", h.Login)

	pair := &models.TokenPair{AccessToken: "a", RefreshToken: "r", ExpiresIn: 900, TokenType: "Bearer"}
	svc.On("Login", mock.Anything, "alice", "correct horse battery", "").Return(pair, nil).Once()
	svc.On("Login", mock.Anything, "alice", "wrong", "").Return(nil, errors.ErrAuthenticationFailed("bad password")).Once()

	t.Run("success", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/login", dto.LoginRequest{SubjectID: "alice", Password: "correct horse battery"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		var got models.TokenPair
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, *pair, got)
	})

	t.Run("failure hides the reason", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/login", dto.LoginRequest{SubjectID: "alice", Password: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NotContains(t, w.Body.String(), "bad password")
		assert.Equal(t, string(errors.CodeAuthenticationFailed), decodeError(t, w).Error)
	})

	t.Run("validation", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/login", dto.LoginRequest{SubjectID: "alice", Password: "x", MFACode: "12ab"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeError(t, w).Fields, "mfa_code")

		w = doJSON(router, http.MethodPost, "/login", "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	svc.AssertExpectations(t)
}

func TestSessionHandler_RevokeAndMFA(t *testing.T) {
	svc := new(MockSessionService)
	h := NewSessionHandler(svc, logger.NewNoopLogger())
	router := gin.New()
	authed := router.Group("/", asSubject("alice"))
	authed.POST("/revoke", h.Revoke)
	authed.POST("/revoke-all", h.RevokeAll)
	authed.POST("/mfa", h.EnableMFA)
	authed.POST("/mfa/verify", h.VerifyMFA)

	svc.On("RevokeToken", mock.Anything, "test-token").Return(nil).Once()
	svc.On("RevokeToken", mock.Anything, "other").Return(errors.ErrAuthorizationDenied("alice", "session", "revoke")).Once()
	svc.On("RevokeAllSessions", mock.Anything, "alice").Return(3, nil).Once()
	svc.On("EnableMFA", mock.Anything, "alice", constants.MFAMethodTOTP).
		Return(&models.MFAEnrollment{Method: constants.MFAMethodTOTP, Secret: "JBSWY3DPEHPK3PXP"}, nil).Once()
	svc.On("VerifyMFA", mock.Anything, "alice", "123456").Return(true, nil).Once()

	assert.Equal(t, http.StatusNoContent, doJSON(router, http.MethodPost, "/revoke", nil).Code, "bearer token is the default")
	assert.Equal(t, http.StatusForbidden, doJSON(router, http.MethodPost, "/revoke", dto.RevokeRequest{Token: "other"}).Code)

	w := doJSON(router, http.MethodPost, "/revoke-all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"revoked":3}`, w.Body.String())

	w = doJSON(router, http.MethodPost, "/mfa", dto.EnableMFARequest{Method: "totp"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodPost, "/mfa", dto.EnableMFARequest{Method: "sms"}).Code)

	w = doJSON(router, http.MethodPost, "/mfa/verify", dto.VerifyMFARequest{Code: "123456"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":true}`, w.Body.String())

	svc.AssertExpectations(t)
}

func TestAccessHandler(t *testing.T) {
	engine := service.NewAuthorizationEngine(memory.NewAccessStore(), nil, logger.NewNoopLogger())
	h := NewAccessHandler(engine, logger.NewNoopLogger())
	router := gin.New()
	router.PUT("/roles/:role", h.DefineRole)
	router.POST("/subjects/:subject/roles", h.AssignRole)
	router.GET("/subjects/:subject/roles", h.ListRoles)
	router.DELETE("/subjects/:subject/roles/:role", h.UnassignRole)
	router.PUT("/policies/:resource", h.SetPolicy)
	router.POST("/access/check", h.Check)
	router.POST("/grants", h.Grant)
	router.DELETE("/grants/:subject/:resource", h.RevokeGrant)

	w := doJSON(router, http.MethodPut, "/roles/auditor", dto.DefineRoleRequest{Permissions: []dto.PermissionDTO{{Resource: "audit", Action: "read"}}})
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, http.StatusNoContent, doJSON(router, http.MethodPost, "/subjects/carol/roles", dto.AssignRoleRequest{RoleID: "auditor"}).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(router, http.MethodPost, "/subjects/carol/roles", dto.AssignRoleRequest{RoleID: "ghost"}).Code)

	w = doJSON(router, http.MethodGet, "/subjects/carol/roles", nil)
	assert.JSONEq(t, `{"subject_id":"carol","roles":["auditor"]}`, w.Body.String())

	check := func(req dto.AccessCheckRequest) bool {
		w := doJSON(router, http.MethodPost, "/access/check", req)
		require.Equal(t, http.StatusOK, w.Code)
		var d dto.AccessDecision
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
		return d.Allowed
	}
	assert.True(t, check(dto.AccessCheckRequest{SubjectID: "carol", Resource: "audit", Action: "read"}))
	assert.False(t, check(dto.AccessCheckRequest{SubjectID: "carol", Resource: "audit", Action: "write"}))

	w = doJSON(router, http.MethodPost, "/grants", dto.GrantRequest{SubjectID: "dave", ResourceID: "report-7", Permissions: []string{"read"}, TTLSeconds: 60})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, check(dto.AccessCheckRequest{SubjectID: "dave", Resource: "report-7", Action: "read"}))
	assert.Equal(t, http.StatusNoContent, doJSON(router, http.MethodDelete, "/grants/dave/report-7", nil).Code)
	assert.False(t, check(dto.AccessCheckRequest{SubjectID: "dave", Resource: "report-7", Action: "read"}))
	assert.Equal(t, http.StatusNotFound, doJSON(router, http.MethodDelete, "/grants/dave/report-7", nil).Code)

	w = doJSON(router, http.MethodPut, "/policies/payroll", dto.SetPolicyRequest{Conditions: []dto.ConditionDTO{{Type: "department", Operator: "equals", Value: "finance"}}})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, check(dto.AccessCheckRequest{SubjectID: "erin", Resource: "payroll", Action: "read", Attributes: map[string]interface{}{"department": "finance"}}))
	assert.False(t, check(dto.AccessCheckRequest{SubjectID: "erin", Resource: "payroll", Action: "read", Attributes: map[string]interface{}{"department": "sales"}}))

	w = doJSON(router, http.MethodPut, "/policies/payroll", dto.SetPolicyRequest{Conditions: []dto.ConditionDTO{{Type: "department", Operator: "like"}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, http.StatusNoContent, doJSON(router, http.MethodDelete, "/subjects/carol/roles/auditor", nil).Code)
	assert.False(t, check(dto.AccessCheckRequest{SubjectID: "carol", Resource: "audit", Action: "read"}))
}

func TestGuardHandler(t *testing.T) {
	guard := service.NewNetworkGuard(memory.NewRateCounterStore(time.Now), memory.NewBlockStore(time.Now), policy.DefaultRuleSet(), nil, logger.NewNoopLogger())
	h := NewGuardHandler(guard, logger.NewNoopLogger())
	router := gin.New()
	router.POST("/blocks", h.Block)
	router.GET("/blocks", h.ListBlocked)
	router.DELETE("/blocks/:ip", h.Unblock)
	router.PUT("/allowlists/:tenant", h.SetAllowlist)
	router.POST("/dlp/scan", h.ScanDLP)

	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodPost, "/blocks", dto.BlockIPRequest{IP: "not-an-ip", Reason: "x"}).Code)
	require.Equal(t, http.StatusNoContent, doJSON(router, http.MethodPost, "/blocks", dto.BlockIPRequest{IP: "203.0.113.9", Reason: "abuse", TTLSeconds: 3600}).Code)

	w := doJSON(router, http.MethodGet, "/blocks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []models.BlockEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "203.0.113.9", entries[0].IP)

	assert.Equal(t, http.StatusNoContent, doJSON(router, http.MethodDelete, "/blocks/203.0.113.9", nil).Code)
	blocked, err := guard.IsBlocked(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.Equal(t, http.StatusNoContent, doJSON(router, http.MethodPut, "/allowlists/acme", dto.AllowlistRequest{Entries: []string{"10.0.0.0/8", "192.0.2.1-192.0.2.20"}}).Code)
	assert.True(t, guard.VerifyIPAllowlist(context.Background(), "acme", "192.0.2.7"))
	assert.False(t, guard.VerifyIPAllowlist(context.Background(), "acme", "198.51.100.1"))
	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodPut, "/allowlists/acme", dto.AllowlistRequest{Entries: []string{"10.0.0.0/40"}}).Code)

	w = doJSON(router, http.MethodPost, "/dlp/scan", dto.DLPScanRequest{Resource: "export", Content: "card 4111 1111 1111 1111"})
	require.Equal(t, http.StatusOK, w.Code)
	var res models.DLPResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Safe)
	assert.NotContains(t, w.Body.String(), "4111 1111 1111 1111", "matches are masked")
}

type stubThreats []*models.Threat

func (s stubThreats) Threats(context.Context) []*models.Threat { return s }

func (s stubThreats) Threat(_ context.Context, id string) (*models.Threat, error) {
	for _, t := range s {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, errors.ErrNotFound("threat", id)
}

func TestSecurityHandler(t *testing.T) {
	threats := stubThreats{
		{ID: "t1", Type: constants.ThreatBruteForce, Severity: constants.SeverityHigh},
		{ID: "t2", Type: constants.ThreatDataExfiltration, Severity: constants.SeverityCritical},
	}
	h := NewSecurityHandler(threats, logger.NewNoopLogger())
	router := gin.New()
	router.GET("/threats", h.ListThreats)
	router.GET("/threats/:id", h.GetThreat)

	var list []models.Threat
	w := doJSON(router, http.MethodGet, "/threats?severity=critical", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "t2", list[0].ID)

	w = doJSON(router, http.MethodGet, "/threats?type=brute_force", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].ID)

	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, "/threats/t1", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(router, http.MethodGet, "/threats/nope", nil).Code)
}

func TestLedgerHandler(t *testing.T) {
	ledger, err := service.NewComplianceLedger(memory.NewAuditRepository(), []byte("0123456789abcdef0123456789abcdef"), logger.NewNoopLogger())
	require.NoError(t, err)
	ctx := context.Background()
	for _, actor := range []string{"alice", "bob", "alice"} {
		_, err := ledger.LogEvent(ctx, models.NewAuditEvent(constants.AuditEventAuthenticationOK, actor).WithMeta("email", actor+"@example.com"))
		require.NoError(t, err)
	}

	h := NewLedgerHandler(ledger, logger.NewNoopLogger())
	router := gin.New()
	router.GET("/events", h.QueryEvents)
	router.GET("/verify", h.VerifyChain)
	router.GET("/report", h.Report)
	router.POST("/erasures", h.Erase)

	var entries []models.AuditEntry
	w := doJSON(router, http.MethodGet, "/events?actor=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodGet, "/events?from=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodGet, "/events?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodGet, "/events?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", nil).Code)

	w = doJSON(router, http.MethodGet, "/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"valid":true`)

	w = doJSON(router, http.MethodPost, "/erasures", dto.EraseSubjectRequest{SubjectID: "alice", Reason: "gdpr request"})
	require.Equal(t, http.StatusOK, w.Code)
	var erased dto.EraseSubjectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &erased))
	assert.Equal(t, 2, erased.Erased)
	assert.Equal(t, ledger.Pseudonym("alice"), erased.Pseudonym)

	w = doJSON(router, http.MethodGet, "/events?actor=alice", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Empty(t, entries)

	w = doJSON(router, http.MethodGet, "/verify", nil)
	assert.Equal(t, http.StatusOK, w.Code, "erasure keeps the chain valid")

	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, "/report", nil).Code)
}

func TestBackupHandler(t *testing.T) {
	svc := new(MockBackupService)
	h := NewBackupHandler(svc, logger.NewNoopLogger())
	router := gin.New()
	router.POST("/backups", h.Create)
	router.GET("/backups", h.List)
	router.POST("/backups/:id/restore", h.Restore)
	router.POST("/backups/restore-point", h.RestorePoint)
	router.POST("/backups/prune", h.Prune)

	b := &models.Backup{ID: "b1", Regions: []string{"eu", "us"}, Encrypted: true, Verified: true}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.On("CreateBackup", mock.Anything, []byte("snapshot")).Return(b, nil).Once()
	svc.On("ListBackups", mock.Anything).Return([]*models.Backup{b}, nil).Once()
	svc.On("RestoreFromBackup", mock.Anything, "b1").Return([]byte("snapshot"), nil).Once()
	svc.On("RestoreFromBackup", mock.Anything, "gone").Return(nil, errors.ErrNotFound("backup", "gone")).Once()
	svc.On("RestoreToPoint", mock.Anything, at).Return([]byte("snapshot"), b, nil).Once()
	svc.On("PruneOlderThan", mock.Anything, 30).Return(2, nil).Once()

	w := doJSON(router, http.MethodPost, "/backups", dto.CreateBackupRequest{Data: []byte("snapshot")})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"b1"`)

	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, "/backups", nil).Code)

	w = doJSON(router, http.MethodPost, "/backups/b1/restore", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var restored dto.RestoreResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &restored))
	assert.Equal(t, []byte("snapshot"), restored.Data)
	assert.Equal(t, http.StatusNotFound, doJSON(router, http.MethodPost, "/backups/gone/restore", nil).Code)

	w = doJSON(router, http.MethodPost, "/backups/restore-point", dto.RestorePointRequest{At: at})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodPost, "/backups/prune", dto.PruneRequest{RetentionDays: -1}).Code)
	w = doJSON(router, http.MethodPost, "/backups/prune", dto.PruneRequest{RetentionDays: 30})
	assert.JSONEq(t, `{"removed":2}`, w.Body.String())

	svc.AssertExpectations(t)
}

func TestHealthHandler(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return stderrors.New("connection refused") }

	router := gin.New()
	healthy := NewHealthHandler(map[string]HealthCheck{"database": ok, "redis": ok}, logger.NewNoopLogger())
	router.GET("/healthz", healthy.Liveness)
	router.GET("/readyz", healthy.Readiness)
	unhealthy := NewHealthHandler(map[string]HealthCheck{"database": ok, "redis": down}, logger.NewNoopLogger())
	router.GET("/readyz-down", unhealthy.Readiness)

	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, "/readyz", nil).Code)

	w := doJSON(router, http.MethodGet, "/readyz-down", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}
