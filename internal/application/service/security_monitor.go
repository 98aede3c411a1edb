package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/turtacn/sentinel/internal/domain/models"
	domainService "github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

const (
	defaultEventCapacity = 100_000
	maxSnapshotEvents    = 200
)

// MonitorOption configures a SecurityMonitor.
type MonitorOption func(*SecurityMonitor)

// WithDetectors replaces the built-in detectors.
func WithDetectors(detectors ...domainService.Detector) MonitorOption {
	return func(m *SecurityMonitor) { m.detectors = detectors }
}

// WithAlerter adds an alert destination.
func WithAlerter(a domainService.Alerter) MonitorOption {
	return func(m *SecurityMonitor) { m.alerters = append(m.alerters, a) }
}

// WithAlertRate throttles alert fan-out to perSecond with a burst of burst.
func WithAlertRate(perSecond float64, burst int) MonitorOption {
	return func(m *SecurityMonitor) { m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithMonitorInterval sets the detection period of Start.
func WithMonitorInterval(d time.Duration) MonitorOption {
	return func(m *SecurityMonitor) { m.interval = d }
}

// WithBlockTTL sets how long brute force sources stay blocked.
func WithBlockTTL(d time.Duration) MonitorOption {
	return func(m *SecurityMonitor) { m.blockTTL = d }
}

// WithThreatScope sets how long a threat without a timed mitigation keeps folding
// repeated detections. Brute force threats stay open as long as their block.
func WithThreatScope(d time.Duration) MonitorOption {
	return func(m *SecurityMonitor) { m.threatScope = d }
}

// WithEventCapacity bounds the rolling event window.
func WithEventCapacity(n int) MonitorOption {
	return func(m *SecurityMonitor) { m.capacity = n }
}

// WithMonitorMetrics sets the metrics sink.
func WithMonitorMetrics(metrics domainService.Metrics) MonitorOption {
	return func(m *SecurityMonitor) { m.metrics = metrics }
}

// WithMonitorClock overrides time.Now.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *SecurityMonitor) { m.now = now }
}

// SecurityMonitor keeps a rolling window of security events, runs detectors over
// it and drives incident response for what they find.
type SecurityMonitor struct {
	blocker   domainService.IPBlocker
	revoker   domainService.SessionRevoker
	alerters  []domainService.Alerter
	detectors []domainService.Detector
	audit     domainService.AuditLogger
	metrics   domainService.Metrics
	logger    logger.Logger
	limiter   *rate.Limiter
	now       func() time.Time

	interval    time.Duration
	blockTTL    time.Duration
	threatScope time.Duration
	capacity    int

	mu      sync.Mutex
	events  []models.SecurityEvent
	dropped int64

	// respMu serializes incident response; threats and byKey are guarded by it.
	respMu  sync.Mutex
	threats map[string]*models.Threat
	byKey   map[string]string
}

// NewSecurityMonitor creates a monitor. blocker and revoker may be nil, in which
// case the matching mitigation is recorded as failed.
func NewSecurityMonitor(
	blocker domainService.IPBlocker,
	revoker domainService.SessionRevoker,
	audit domainService.AuditLogger,
	log logger.Logger,
	opts ...MonitorOption,
) *SecurityMonitor {
	m := &SecurityMonitor{
		blocker:   blocker,
		revoker:   revoker,
		detectors: DefaultDetectors(),
		audit:     audit,
		metrics:   domainService.NoopMetrics{},
		logger:    log.WithComponent("SecurityMonitor"),
		limiter:   rate.NewLimiter(rate.Limit(5), 10),
		now:       time.Now,
		interval:  constants.DefaultMonitorInterval,
		blockTTL:  constants.DefaultBruteForceBlockTTL,
		capacity:  defaultEventCapacity,
		threats:   make(map[string]*models.Threat),
		byKey:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.capacity <= 0 {
		m.capacity = defaultEventCapacity
	}
	if m.interval <= 0 {
		m.interval = constants.DefaultMonitorInterval
	}
	// Evidence never outlives the event window, so a threat kept open that long
	// cannot be re-detected from the events that opened it.
	if m.threatScope <= 0 {
		m.threatScope = constants.MonitorRetention
	}
	return m
}

var _ domainService.SecuritySink = (*SecurityMonitor)(nil)

// Record adds an event to the window. It never waits on detection; when the
// window is full the oldest event is dropped.
func (m *SecurityMonitor) Record(event models.SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	m.mu.Lock()
	if len(m.events) >= m.capacity {
		n := len(m.events) - m.capacity + 1
		m.events = append(m.events[:0], m.events[n:]...)
		m.dropped += int64(n)
	}
	m.events = append(m.events, event)
	m.mu.Unlock()
}

// snapshotEvents prunes events past retention and returns a copy of the rest.
func (m *SecurityMonitor) snapshotEvents(now time.Time) []models.SecurityEvent {
	cutoff := now.Add(-constants.MonitorRetention)
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	for _, e := range m.events {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	m.events = kept
	return append([]models.SecurityEvent(nil), kept...)
}

// Start runs detection every interval until ctx is cancelled. It is blocking.
func (m *SecurityMonitor) Start(ctx context.Context) {
	m.logger.Info(ctx, "Starting security monitor", logger.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "Stopping security monitor")
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Error(ctx, "Detection pass failed", err)
			}
		}
	}
}

// RunOnce runs every detector over the current window and responds to each threat
// found. It returns the threats in their post-response state.
func (m *SecurityMonitor) RunOnce(ctx context.Context) ([]*models.Threat, error) {
	now := m.now()
	events := m.snapshotEvents(now)

	var found []*models.Threat
	for _, d := range m.detectors {
		found = append(found, d.Detect(events, now)...)
	}

	var (
		out      []*models.Threat
		firstErr error
	)
	for _, t := range found {
		handled, err := m.TriggerIncidentResponse(ctx, t)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if handled != nil {
			out = append(out, handled)
		}
	}
	return out, firstErr
}

// Raise hands an externally detected threat to incident response.
func (m *SecurityMonitor) Raise(ctx context.Context, threat *models.Threat) (*models.Threat, error) {
	return m.TriggerIncidentResponse(ctx, threat)
}

// TriggerIncidentResponse runs log, mitigation, forensic snapshot and alert for
// threat, in that order. While a threat with the same dedup key is open, the
// detection folds into it and continues from the steps not completed yet. Once it
// has expired the detection opens a new threat and the full response runs again.
func (m *SecurityMonitor) TriggerIncidentResponse(ctx context.Context, threat *models.Threat) (*models.Threat, error) {
	if threat == nil || threat.Type == "" || threat.SourceRef == "" {
		return nil, errors.ErrInvalidRequest("threat type and source are required")
	}

	m.respMu.Lock()
	defer m.respMu.Unlock()

	m.evictLocked(m.now())
	t := m.track(threat)

	// 1. Log
	if !t.HasApplied(constants.MitigationLog) {
		m.logger.Warn(ctx, "Threat detected",
			logger.String("threat_id", t.ID),
			logger.String("type", string(t.Type)),
			logger.String("severity", string(t.Severity)),
			logger.String("source", t.SourceRef),
			logger.Int("events", t.EventCount))
		m.metrics.RecordThreat(string(t.Type), string(t.Severity))
		m.logAudit(ctx, models.NewAuditEvent(constants.AuditEventThreatDetected, "security-monitor").
			WithResource(t.SourceRef, string(t.Type)).
			WithResult(constants.AuditResultFailure).
			WithMeta("threat_id", t.ID).
			WithMeta("severity", string(t.Severity)).
			WithMeta("subject", t.SubjectID).
			WithMeta("ip", t.SourceIP))
		m.applied(t, constants.MitigationLog, t.SourceRef, nil)
	}

	// 2. Mitigate
	var firstErr error
	reapplied, err := m.mitigate(ctx, t)
	if err != nil {
		firstErr = err
	}

	// 3. Forensic snapshot
	if !t.HasApplied(constants.MitigationSnapshot) {
		t.Snapshot = m.forensicSnapshot(t)
		m.applied(t, constants.MitigationSnapshot, t.SourceRef, nil)
	}

	// 4. Alert
	if (reapplied || !t.HasApplied(constants.MitigationAlert)) && len(m.alerters) > 0 {
		if err := m.alert(ctx, t); err != nil {
			m.applied(t, constants.MitigationAlert, "", err)
		} else {
			m.applied(t, constants.MitigationAlert, "", nil)
		}
	}

	return t.Clone(), firstErr
}

// track returns the open record for threat, creating it or folding a repeated
// detection into it.
func (m *SecurityMonitor) track(threat *models.Threat) *models.Threat {
	now := m.now()
	key := threat.DedupKey()
	if id, ok := m.byKey[key]; ok {
		if t := m.threats[id]; t != nil && t.Open(now) {
			if threat.EventCount > t.EventCount {
				t.EventCount = threat.EventCount
				t.Description = threat.Description
			}
			if severityRank(threat.Severity) > severityRank(t.Severity) {
				t.Severity = threat.Severity
			}
			return t
		}
	}
	t := threat.Clone()
	t.ID = uuid.NewString()
	if t.DetectedAt.IsZero() {
		t.DetectedAt = now
	}
	if t.Severity == "" {
		t.Severity = constants.SeverityMedium
	}
	t.Actions = nil
	t.Mitigated = false
	t.ExpiresAt = now.Add(m.scopeOf(t.Type))
	m.threats[t.ID] = t
	m.byKey[key] = t.ID
	return t
}

func (m *SecurityMonitor) scopeOf(kind constants.ThreatType) time.Duration {
	if kind == constants.ThreatBruteForce {
		return m.blockTTL
	}
	return m.threatScope
}

// evictLocked drops threats that expired more than one event window ago. respMu
// must be held.
func (m *SecurityMonitor) evictLocked(now time.Time) {
	cutoff := now.Add(-constants.MonitorRetention)
	for id, t := range m.threats {
		if !t.ExpiresAt.Before(cutoff) {
			continue
		}
		delete(m.threats, id)
		if key := t.DedupKey(); m.byKey[key] == id {
			delete(m.byKey, key)
		}
	}
}

// mitigate runs the containment step of t. It reports whether a step that had
// already succeeded was applied again.
func (m *SecurityMonitor) mitigate(ctx context.Context, t *models.Threat) (bool, error) {
	switch t.Type {
	case constants.ThreatBruteForce:
		if t.SourceIP == "" || t.HasApplied(constants.MitigationBlockIP) {
			return false, nil
		}
		var err error
		if m.blocker == nil {
			err = errors.ErrInternal("no ip blocker configured")
		} else {
			err = m.blocker.BlockIP(ctx, t.SourceIP, "brute force against "+t.SubjectID, m.blockTTL)
		}
		m.applied(t, constants.MitigationBlockIP, t.SourceIP, err)
		if err == nil {
			// The threat stays open exactly as long as the block holds.
			t.ExpiresAt = m.now().Add(m.blockTTL)
		}
		return false, m.mitigated(ctx, t, constants.MitigationBlockIP, err)

	case constants.ThreatDataExfiltration:
		// Revocation ends every session at once, so reads after it come from a
		// new login and are revoked again.
		last := t.LastApplied(constants.MitigationRevoke)
		if !last.IsZero() && !m.accessedSince(t.SubjectID, last) {
			return false, nil
		}
		var err error
		if m.revoker == nil {
			err = errors.ErrInternal("no session revoker configured")
		} else {
			_, err = m.revoker.RevokeAllSessions(ctx, t.SubjectID)
		}
		m.applied(t, constants.MitigationRevoke, t.SubjectID, err)
		return !last.IsZero() && err == nil, m.mitigated(ctx, t, constants.MitigationRevoke, err)

	default:
		// Escalations are for review; token replay is contained by the session
		// authority before it is raised.
		t.Mitigated = t.Type == constants.ThreatTokenReplay
		return false, nil
	}
}

// accessedSince reports whether subjectID read data after since.
func (m *SecurityMonitor) accessedSince(subjectID string, since time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if e.Kind == constants.SecurityEventDataAccess && e.SubjectID == subjectID && e.Timestamp.After(since) {
			return true
		}
	}
	return false
}

func (m *SecurityMonitor) mitigated(ctx context.Context, t *models.Threat, step constants.MitigationStep, err error) error {
	if err != nil {
		m.logger.Error(ctx, "Mitigation failed", err,
			logger.String("threat_id", t.ID),
			logger.String("step", string(step)))
		return errors.Wrap(err, errors.CodeInternal, "mitigation "+string(step)+" failed")
	}
	t.Mitigated = true
	m.logAudit(ctx, models.NewAuditEvent(constants.AuditEventIncidentMitigated, "security-monitor").
		WithResource(t.SourceRef, string(step)).
		WithMeta("threat_id", t.ID))
	return nil
}

func (m *SecurityMonitor) forensicSnapshot(t *models.Threat) *models.ForensicSnapshot {
	now := m.now()
	events := m.snapshotEvents(now)
	var related []models.SecurityEvent
	for _, e := range events {
		if (t.SubjectID != "" && e.SubjectID == t.SubjectID) || (t.SourceIP != "" && e.SourceIP == t.SourceIP) {
			related = append(related, e)
		}
	}
	if len(related) > maxSnapshotEvents {
		related = related[len(related)-maxSnapshotEvents:]
	}
	return &models.ForensicSnapshot{CapturedAt: now, Events: related}
}

func (m *SecurityMonitor) alert(ctx context.Context, t *models.Threat) error {
	if !m.limiter.Allow() {
		m.logger.Warn(ctx, "Alert throttled", logger.String("threat_id", t.ID))
		return errors.ErrRateLimited("alert", int(m.limiter.Burst()), time.Second)
	}
	a := &models.Alert{
		ThreatID:    t.ID,
		Type:        t.Type,
		Severity:    t.Severity,
		SourceRef:   t.SourceRef,
		Description: t.Description,
		Actions:     append([]models.MitigationAction(nil), t.Actions...),
		RaisedAt:    m.now(),
	}
	var firstErr error
	for _, alerter := range m.alerters {
		if err := alerter.Alert(ctx, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *SecurityMonitor) applied(t *models.Threat, step constants.MitigationStep, target string, err error) {
	a := models.MitigationAction{Step: step, Target: target, AppliedAt: m.now()}
	if err != nil {
		a.Error = err.Error()
	}
	t.Actions = append(t.Actions, a)
}

// Threats returns every tracked threat, oldest first.
func (m *SecurityMonitor) Threats(ctx context.Context) []*models.Threat {
	m.respMu.Lock()
	defer m.respMu.Unlock()
	out := make([]*models.Threat, 0, len(m.threats))
	for _, t := range m.threats {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Threat returns one tracked threat.
func (m *SecurityMonitor) Threat(ctx context.Context, id string) (*models.Threat, error) {
	m.respMu.Lock()
	defer m.respMu.Unlock()
	t, ok := m.threats[id]
	if !ok {
		return nil, errors.ErrNotFound("threat", id)
	}
	return t.Clone(), nil
}

// Dropped reports how many events were evicted because the window was full.
func (m *SecurityMonitor) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *SecurityMonitor) logAudit(ctx context.Context, event *models.AuditEvent) {
	if m.audit == nil {
		return
	}
	if _, err := m.audit.LogEvent(ctx, event); err != nil {
		m.logger.Error(ctx, "Failed to write audit event", err, logger.String("event_type", string(event.EventType)))
	}
}

func severityRank(s constants.Severity) int {
	switch s {
	case constants.SeverityLow:
		return 1
	case constants.SeverityMedium:
		return 2
	case constants.SeverityHigh:
		return 3
	case constants.SeverityCritical:
		return 4
	}
	return 0
}
