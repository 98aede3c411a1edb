package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/infrastructure/crypto"
	"github.com/turtacn/sentinel/pkg/constants"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (a *recordingAudit) LogEvent(_ context.Context, e *models.AuditEvent) (*models.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return &models.AuditEntry{EventType: e.EventType, ActorID: e.ActorID, Result: e.Result}, nil
}

func (a *recordingAudit) byType(t constants.AuditEventType) []*models.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*models.AuditEvent
	for _, e := range a.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// engineSealer seals secrets with a throwaway envelope engine.
type engineSealer struct {
	engine *crypto.EnvelopeEngine
}

func newEngineSealer(t *testing.T) *engineSealer {
	t.Helper()
	root, err := crypto.GenerateKey()
	require.NoError(t, err)
	engine, err := crypto.NewEnvelopeEngine(root)
	require.NoError(t, err)
	return &engineSealer{engine: engine}
}

func (s *engineSealer) SealSecret(_ context.Context, encContext string, plaintext []byte) (*models.SealedPayload, error) {
	return s.engine.EncryptAtRest(plaintext, encContext)
}

func (s *engineSealer) OpenSecret(_ context.Context, encContext string, sealed *models.SealedPayload) ([]byte, error) {
	return s.engine.DecryptAtRest(sealed, encContext)
}

// fakeSink collects everything fed to the security monitor.
type fakeSink struct {
	mu      sync.Mutex
	events  []models.SecurityEvent
	threats []*models.Threat
}

func (s *fakeSink) Record(e models.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeSink) Raise(_ context.Context, t *models.Threat) (*models.Threat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threats = append(s.threats, t)
	return t, nil
}

func (s *fakeSink) snapshot() ([]models.SecurityEvent, []*models.Threat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SecurityEvent(nil), s.events...), append([]*models.Threat(nil), s.threats...)
}
