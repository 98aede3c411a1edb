package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/sentinel/internal/domain/models"
)

type MockAuditLogger struct {
	mock.Mock
}

func (m *MockAuditLogger) LogEvent(ctx context.Context, event *models.AuditEvent) (*models.AuditEntry, error) {
	args := m.Called(ctx, event)
	entry, _ := args.Get(0).(*models.AuditEntry)
	return entry, args.Error(1)
}

type MockSealer struct {
	mock.Mock
}

func (m *MockSealer) SealSecret(ctx context.Context, encContext string, plaintext []byte) (*models.SealedPayload, error) {
	args := m.Called(ctx, encContext, plaintext)
	sealed, _ := args.Get(0).(*models.SealedPayload)
	return sealed, args.Error(1)
}

func (m *MockSealer) OpenSecret(ctx context.Context, encContext string, sealed *models.SealedPayload) ([]byte, error) {
	args := m.Called(ctx, encContext, sealed)
	plaintext, _ := args.Get(0).([]byte)
	return plaintext, args.Error(1)
}

type MockSecuritySink struct {
	mock.Mock
}

func (m *MockSecuritySink) Record(event models.SecurityEvent) {
	m.Called(event)
}

func (m *MockSecuritySink) Raise(ctx context.Context, threat *models.Threat) (*models.Threat, error) {
	args := m.Called(ctx, threat)
	t, _ := args.Get(0).(*models.Threat)
	return t, args.Error(1)
}

type MockIPBlocker struct {
	mock.Mock
}

func (m *MockIPBlocker) BlockIP(ctx context.Context, ip, reason string, ttl time.Duration) error {
	args := m.Called(ctx, ip, reason, ttl)
	return args.Error(0)
}

type MockSessionRevoker struct {
	mock.Mock
}

func (m *MockSessionRevoker) RevokeAllSessions(ctx context.Context, subjectID string) (int, error) {
	args := m.Called(ctx, subjectID)
	return args.Int(0), args.Error(1)
}

type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) Alert(ctx context.Context, alert *models.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}
