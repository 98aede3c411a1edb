package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics manages the Prometheus collectors of the control plane.
type Metrics struct {
	EncryptionOps      *prometheus.CounterVec
	EncryptionLatency  *prometheus.HistogramVec
	KeyRotations       *prometheus.CounterVec
	RewrappedDEKs      prometheus.Counter
	RotationLatency    prometheus.Histogram
	SessionEvents      *prometheus.CounterVec
	Authentications    *prometheus.CounterVec
	AuthzDecisions     *prometheus.CounterVec
	RateLimitHits      *prometheus.CounterVec
	GuardBlocks        *prometheus.CounterVec
	ThreatsDetected    *prometheus.CounterVec
	AuditAppends       *prometheus.CounterVec
	AuditAppendLatency prometheus.Histogram
	BackupOps          *prometheus.CounterVec
	BackupBytes        prometheus.Counter
	CacheAccess        *prometheus.CounterVec
	VaultLatency       *prometheus.HistogramVec
	VaultErrors        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// Tests pass a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EncryptionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_encryption_operations_total",
			Help: "Envelope encryption operations.",
		}, []string{"operation", "algorithm", "result"}),
		EncryptionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_encryption_latency_seconds",
			Help:    "Latency of envelope encryption operations.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"operation"}),
		KeyRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_master_key_rotations_total",
			Help: "Master key rotations.",
		}, []string{"result"}),
		RewrappedDEKs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_rewrapped_deks_total",
			Help: "DEKs re-wrapped during master key rotations.",
		}),
		RotationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_master_key_rotation_seconds",
			Help:    "Duration of master key rotations.",
			Buckets: prometheus.DefBuckets,
		}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_session_events_total",
			Help: "Session lifecycle events.",
		}, []string{"event", "result"}),
		Authentications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_authentications_total",
			Help: "Login attempts by outcome.",
		}, []string{"result"}),
		AuthzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_authorization_decisions_total",
			Help: "Authorization decisions.",
		}, []string{"decision"}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_rate_limit_hits_total",
			Help: "Total number of rate limit hits.",
		}, []string{"action"}),
		GuardBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_guard_blocks_total",
			Help: "Requests rejected at the edge.",
		}, []string{"reason"}),
		ThreatsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_threats_detected_total",
			Help: "Threats detected by the security monitor.",
		}, []string{"type", "severity"}),
		AuditAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_audit_entries_total",
			Help: "Entries appended to the compliance ledger.",
		}, []string{"event_type"}),
		AuditAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_audit_append_seconds",
			Help:    "Latency of ledger appends.",
			Buckets: prometheus.DefBuckets,
		}),
		BackupOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_backup_operations_total",
			Help: "Backup vault operations.",
		}, []string{"operation", "result"}),
		BackupBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_backup_bytes_total",
			Help: "Encrypted bytes written by the backup vault.",
		}),
		CacheAccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_cache_access_total",
			Help: "Key cache hits and misses.",
		}, []string{"cache", "result"}),
		VaultLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_vault_api_latency_seconds",
			Help:    "Latency of Vault API calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		VaultErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_vault_api_errors_total",
			Help: "Failed Vault API calls.",
		}, []string{"operation"}),
	}

	reg.MustRegister(
		m.EncryptionOps, m.EncryptionLatency, m.KeyRotations, m.RewrappedDEKs, m.RotationLatency,
		m.SessionEvents, m.Authentications, m.AuthzDecisions, m.RateLimitHits, m.GuardBlocks,
		m.ThreatsDetected, m.AuditAppends, m.AuditAppendLatency, m.BackupOps, m.BackupBytes,
		m.CacheAccess, m.VaultLatency, m.VaultErrors,
	)
	return m
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *Metrics) RecordEncryption(operation, algorithm string, success bool, duration time.Duration) {
	m.EncryptionOps.WithLabelValues(operation, algorithm, resultLabel(success)).Inc()
	m.EncryptionLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordKeyRotation(success bool, rewrapped int, duration time.Duration) {
	m.KeyRotations.WithLabelValues(resultLabel(success)).Inc()
	m.RewrappedDEKs.Add(float64(rewrapped))
	m.RotationLatency.Observe(duration.Seconds())
}

func (m *Metrics) RecordSession(event string, success bool) {
	m.SessionEvents.WithLabelValues(event, resultLabel(success)).Inc()
}

func (m *Metrics) RecordAuthentication(result string) {
	m.Authentications.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAuthorization(decision string) {
	m.AuthzDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordRateLimitHit(action string) {
	m.RateLimitHits.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordGuardBlock(reason string) {
	m.GuardBlocks.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordThreat(threatType, severity string) {
	m.ThreatsDetected.WithLabelValues(threatType, severity).Inc()
}

func (m *Metrics) RecordAuditAppend(eventType string, duration time.Duration) {
	m.AuditAppends.WithLabelValues(eventType).Inc()
	m.AuditAppendLatency.Observe(duration.Seconds())
}

func (m *Metrics) RecordBackup(operation string, success bool, sizeBytes int64) {
	m.BackupOps.WithLabelValues(operation, resultLabel(success)).Inc()
	if success && sizeBytes > 0 {
		m.BackupBytes.Add(float64(sizeBytes))
	}
}

func (m *Metrics) RecordCacheAccess(cacheType string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheAccess.WithLabelValues(cacheType, result).Inc()
}

func (m *Metrics) RecordVaultAPI(operation string, duration time.Duration, err error) {
	m.VaultLatency.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.VaultErrors.WithLabelValues(operation).Inc()
	}
}
