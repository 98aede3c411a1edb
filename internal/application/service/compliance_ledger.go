// Package service provides the application services of the control plane. Each one
// orchestrates domain repositories and infrastructure behind a concurrency-safe API.
package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	domainService "github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// DefaultControls are reported when no control list is configured.
var DefaultControls = []string{
	"encryption-at-rest",
	"master-key-rotation",
	"session-management",
	"multi-factor-authentication",
	"role-and-attribute-based-access",
	"rate-limiting",
	"web-application-firewall",
	"data-loss-prevention",
	"anomaly-detection",
	"tamper-evident-audit-log",
	"right-to-erasure",
	"encrypted-multi-region-backup",
}

var incidentEvents = map[constants.AuditEventType]bool{
	constants.AuditEventThreatDetected:      true,
	constants.AuditEventIncidentMitigated:   true,
	constants.AuditEventRefreshTokenReuse:   true,
	constants.AuditEventIntegrityViolation:  true,
	constants.AuditEventKeyUnavailable:      true,
	constants.AuditEventAccountLocked:       true,
	constants.AuditEventIPBlocked:           true,
}

var reviewEvents = map[constants.AuditEventType]bool{
	constants.AuditEventAccessReview:      true,
	constants.AuditEventPermissionChanged: true,
}

// LedgerOption configures a ComplianceLedger.
type LedgerOption func(*ComplianceLedger)

// WithLedgerMirror copies every committed entry to m.
func WithLedgerMirror(m domainService.AuditMirror) LedgerOption {
	return func(l *ComplianceLedger) { l.mirror = m }
}

// WithLedgerMetrics sets the metrics sink.
func WithLedgerMetrics(m domainService.Metrics) LedgerOption {
	return func(l *ComplianceLedger) { l.metrics = m }
}

// WithLedgerClock overrides time.Now.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *ComplianceLedger) { l.now = now }
}

// WithPIIKeys sets the metadata keys dropped on erasure.
func WithPIIKeys(keys []string) LedgerOption {
	return func(l *ComplianceLedger) { l.piiKeys = append([]string(nil), keys...) }
}

// WithControls sets the controls listed in compliance reports.
func WithControls(controls []string) LedgerOption {
	return func(l *ComplianceLedger) {
		if len(controls) > 0 {
			l.controls = append([]string(nil), controls...)
		}
	}
}

// ComplianceLedger is the append-only, HMAC-chained audit trail.
//
// Appends are serialized: the tail hash and sequence live in memory and are loaded
// from the repository on first use, so a restarted process continues the same chain.
type ComplianceLedger struct {
	repo     repository.AuditRepository
	key      []byte
	piiKeys  []string
	controls []string
	mirror   domainService.AuditMirror
	coverage domainService.CoverageReporter
	metrics  domainService.Metrics
	logger   logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	loaded   bool
	lastHash string
	lastSeq  uint64
	entropy  io.Reader
}

// NewComplianceLedger creates a ledger. hmacKey keys the chain and the pseudonyms
// and must be at least 32 bytes.
func NewComplianceLedger(repo repository.AuditRepository, hmacKey []byte, log logger.Logger, opts ...LedgerOption) (*ComplianceLedger, error) {
	if len(hmacKey) < 32 {
		return nil, errors.ErrInvalidRequest("ledger HMAC key must be at least 32 bytes")
	}
	l := &ComplianceLedger{
		repo:     repo,
		key:      append([]byte(nil), hmacKey...),
		controls: DefaultControls,
		metrics:  domainService.NoopMetrics{},
		logger:   log.WithComponent("ComplianceLedger"),
		now:      time.Now,
		lastHash: constants.GenesisHash,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// SetCoverageReporter wires the key manager after construction; the key manager
// itself logs to the ledger.
func (l *ComplianceLedger) SetCoverageReporter(r domainService.CoverageReporter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.coverage = r
}

// LogEvent appends one entry and returns a copy of it.
func (l *ComplianceLedger) LogEvent(ctx context.Context, event *models.AuditEvent) (*models.AuditEntry, error) {
	if event == nil || event.EventType == "" {
		return nil, errors.ErrInvalidRequest("audit event type is required")
	}
	start := time.Now()

	l.mu.Lock()
	entry, err := l.appendLocked(ctx, event)
	l.mu.Unlock()
	if err != nil {
		l.logger.Error(ctx, "Failed to append audit entry", err, logger.String("event_type", string(event.EventType)))
		return nil, err
	}
	l.metrics.RecordAuditAppend(string(entry.EventType), time.Since(start))

	if l.mirror != nil {
		if err := l.mirror.Mirror(ctx, entry.Clone()); err != nil {
			l.logger.Warn(ctx, "Audit mirror failed", logger.String("entry_id", entry.ID), logger.Err(err))
		}
	}
	return entry.Clone(), nil
}

func (l *ComplianceLedger) appendLocked(ctx context.Context, event *models.AuditEvent) (*models.AuditEntry, error) {
	if err := l.loadTailLocked(ctx); err != nil {
		return nil, err
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	// Postgres keeps microseconds; the hash must survive a round trip.
	ts = ts.UTC().Truncate(time.Microsecond)
	id, err := ulid.New(ulid.Timestamp(ts), l.entropy)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to generate entry id")
	}
	result := event.Result
	if result == "" {
		result = constants.AuditResultSuccess
	}

	entry := &models.AuditEntry{
		ID:          id.String(),
		Sequence:    l.lastSeq + 1,
		Timestamp:   ts,
		EventType:   event.EventType,
		ActorID:     event.ActorID,
		TenantID:    event.TenantID,
		ResourceRef: event.ResourceRef,
		Action:      event.Action,
		Result:      result,
		PrevHash:    l.lastHash,
	}
	if len(event.Metadata) > 0 {
		entry.Metadata = make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			entry.Metadata[k] = v
		}
	}
	entry.ActorDigest = l.digest("actor", entry.ActorID)
	entry.ResourceDigest = l.digest("resource", entry.ResourceRef)
	entry.MetadataDigest = l.digest("metadata", canonicalMetadata(entry.Metadata))
	entry.IntegrityHash = l.chainHash(entry)

	if err := l.repo.Append(ctx, entry); err != nil {
		return nil, err
	}
	l.lastHash = entry.IntegrityHash
	l.lastSeq = entry.Sequence
	return entry, nil
}

func (l *ComplianceLedger) loadTailLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	last, err := l.repo.Last(ctx)
	switch {
	case errors.HasCode(err, errors.CodeNotFound):
	case err != nil:
		return errors.Wrap(err, errors.CodeInternal, "failed to load ledger tail")
	default:
		l.lastHash = last.IntegrityHash
		l.lastSeq = last.Sequence
	}
	l.loaded = true
	return nil
}

// QueryEvents returns read-only copies of matching entries, ordered by sequence.
func (l *ComplianceLedger) QueryEvents(ctx context.Context, window models.TimeWindow, filter models.AuditFilter) ([]*models.AuditEntry, error) {
	return l.repo.Query(ctx, window, filter)
}

// EraseSubject pseudonymizes every entry referencing subjectID. The erasure itself is
// ledgered first, under the pseudonym, so the request survives even if anonymization
// fails part way.
func (l *ComplianceLedger) EraseSubject(ctx context.Context, subjectID, reason string) (int, error) {
	if subjectID == "" {
		return 0, errors.ErrInvalidRequest("subject id is required")
	}
	pseudonym := l.Pseudonym(subjectID)

	if _, err := l.LogEvent(ctx, models.NewAuditEvent(constants.AuditEventSubjectErased, pseudonym).
		WithResource(pseudonym, "erase").
		WithMeta("reason", reason)); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.repo.Anonymize(ctx, subjectID, pseudonym, l.piiKeys)
	if err != nil {
		l.logger.Error(ctx, "Subject erasure incomplete", err, logger.String("pseudonym", pseudonym))
		return n, err
	}
	l.logger.Info(ctx, "Subject erased", logger.String("pseudonym", pseudonym), logger.Int("entries", n))
	return n, nil
}

// Pseudonym returns the stable replacement identifier for subjectID.
func (l *ComplianceLedger) Pseudonym(subjectID string) string {
	return constants.PseudonymPrefix + l.digest("pseudonym", subjectID)[:16]
}

// VerifyChain walks the whole ledger. Raw fields of entries that were never
// anonymized are also checked against their digests.
func (l *ComplianceLedger) VerifyChain(ctx context.Context) (*models.ChainVerification, error) {
	entries, err := l.repo.Query(ctx, models.TimeWindow{}, models.AuditFilter{})
	if err != nil {
		return nil, err
	}

	res := &models.ChainVerification{Valid: true}
	prev := constants.GenesisHash
	var prevSeq uint64
	for _, e := range entries {
		reason := ""
		switch {
		case e.Sequence != prevSeq+1:
			reason = "sequence gap"
		case e.PrevHash != prev:
			reason = "previous hash mismatch"
		case !hmac.Equal([]byte(e.IntegrityHash), []byte(l.chainHash(e))):
			reason = "integrity hash mismatch"
		case !e.Anonymized && !l.rawFieldsMatch(e):
			reason = "entry fields do not match their digests"
		}
		if reason != "" {
			res.Valid = false
			res.BrokenAtID = e.ID
			res.BrokenAtSeq = e.Sequence
			res.Reason = reason
			l.logger.Error(ctx, "Audit chain broken", errors.ErrIntegrityViolation(reason),
				logger.String("entry_id", e.ID), logger.Int64("sequence", int64(e.Sequence)))
			return res, nil
		}
		res.EntriesChecked++
		prev = e.IntegrityHash
		prevSeq = e.Sequence
	}
	return res, nil
}

// GenerateComplianceReport summarizes the ledger over window.
func (l *ComplianceLedger) GenerateComplianceReport(ctx context.Context, window models.TimeWindow) (*models.ComplianceReport, error) {
	entries, err := l.repo.Query(ctx, window, models.AuditFilter{})
	if err != nil {
		return nil, err
	}

	report := &models.ComplianceReport{
		ControlsImplemented: append([]string(nil), l.controls...),
		AuditLogs:           entries,
		SecurityIncidents:   []*models.AuditEntry{},
		AccessReviews:       []*models.AuditEntry{},
		Vulnerabilities:     []models.Vulnerability{},
		Window:              window,
		GeneratedAt:         l.now().UTC(),
	}
	for _, e := range entries {
		if incidentEvents[e.EventType] {
			report.SecurityIncidents = append(report.SecurityIncidents, e)
		}
		if reviewEvents[e.EventType] {
			report.AccessReviews = append(report.AccessReviews, e)
		}
	}

	l.mu.Lock()
	coverage := l.coverage
	l.mu.Unlock()
	if coverage != nil {
		pct, err := coverage.EncryptionCoverage(ctx)
		if err != nil {
			l.logger.Warn(ctx, "Encryption coverage unavailable", logger.Err(err))
			report.Vulnerabilities = append(report.Vulnerabilities, models.Vulnerability{
				ID:          "encryption-coverage-unknown",
				Severity:    constants.SeverityHigh,
				Description: "encryption coverage could not be determined",
			})
		} else {
			report.EncryptionCoverage = pct
			if pct < 100 {
				report.Vulnerabilities = append(report.Vulnerabilities, models.Vulnerability{
					ID:          "stale-key-wraps",
					Severity:    constants.SeverityMedium,
					Description: "some tenant keys are wrapped under a retired master key",
				})
			}
		}
	}

	verification, err := l.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	if !verification.Valid {
		report.Vulnerabilities = append(report.Vulnerabilities, models.Vulnerability{
			ID:          "audit-chain-broken",
			Severity:    constants.SeverityCritical,
			Description: "audit chain broken at sequence " + strconv.FormatUint(verification.BrokenAtSeq, 10) + ": " + verification.Reason,
		})
	}
	return report, nil
}

func (l *ComplianceLedger) rawFieldsMatch(e *models.AuditEntry) bool {
	return e.ActorDigest == l.digest("actor", e.ActorID) &&
		e.ResourceDigest == l.digest("resource", e.ResourceRef) &&
		e.MetadataDigest == l.digest("metadata", canonicalMetadata(e.Metadata))
}

func (l *ComplianceLedger) chainHash(e *models.AuditEntry) string {
	mac := hmac.New(sha256.New, l.key)
	fields := []string{
		e.PrevHash,
		e.ID,
		strconv.FormatUint(e.Sequence, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.EventType),
		e.ActorDigest,
		e.TenantID,
		e.ResourceDigest,
		e.Action,
		e.Result,
		e.MetadataDigest,
	}
	mac.Write([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *ComplianceLedger) digest(domain, value string) string {
	mac := hmac.New(sha256.New, l.key)
	mac.Write([]byte(domain))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalMetadata renders metadata with sorted keys so the digest is stable.
func canonicalMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(strconv.Quote(k))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(m[k]))
		b.WriteByte('\n')
	}
	return b.String()
}
