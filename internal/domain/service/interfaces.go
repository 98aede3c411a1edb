package service

import (
	"context"
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
)

//go:generate mockery --name AuditLogger --output mocks --outpkg mocks
// AuditLogger appends security outcomes to the compliance ledger.
type AuditLogger interface {
	LogEvent(ctx context.Context, event *models.AuditEvent) (*models.AuditEntry, error)
}

//go:generate mockery --name Sealer --output mocks --outpkg mocks
// Sealer encrypts long-lived control plane secrets under a named context.
type Sealer interface {
	SealSecret(ctx context.Context, encContext string, plaintext []byte) (*models.SealedPayload, error)
	OpenSecret(ctx context.Context, encContext string, sealed *models.SealedPayload) ([]byte, error)
}

// CoverageReporter reports the share of DEKs wrapped under the current master key.
type CoverageReporter interface {
	EncryptionCoverage(ctx context.Context) (float64, error)
}

//go:generate mockery --name SecuritySink --output mocks --outpkg mocks
// SecuritySink receives observations and directly raised threats.
type SecuritySink interface {
	Record(event models.SecurityEvent)
	Raise(ctx context.Context, threat *models.Threat) (*models.Threat, error)
}

//go:generate mockery --name IPBlocker --output mocks --outpkg mocks
// IPBlocker applies address blocks at the edge.
type IPBlocker interface {
	BlockIP(ctx context.Context, ip, reason string, ttl time.Duration) error
}

//go:generate mockery --name SessionRevoker --output mocks --outpkg mocks
// SessionRevoker terminates every session of a subject.
type SessionRevoker interface {
	RevokeAllSessions(ctx context.Context, subjectID string) (int, error)
}

//go:generate mockery --name Alerter --output mocks --outpkg mocks
// Alerter delivers threat alerts to operators.
type Alerter interface {
	Alert(ctx context.Context, alert *models.Alert) error
}

// ContentInspector evaluates payloads against the firewall and DLP rule sets.
type ContentInspector interface {
	InspectWAF(content string) *models.WAFResult
	ScanDLP(content string) *models.DLPResult
}

// AuditMirror copies committed ledger entries to an external sink.
// Mirror failures never roll back the ledger.
type AuditMirror interface {
	Mirror(ctx context.Context, entry *models.AuditEntry) error
}

// Detector inspects the rolling event window and reports threats.
type Detector interface {
	Name() string
	Detect(events []models.SecurityEvent, now time.Time) []*models.Threat
}
