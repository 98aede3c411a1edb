// Package service defines the interfaces for domain services.
package service

import "time"

// Metrics defines the interface for collecting control plane metrics.
// This abstraction keeps the application layer independent of Prometheus.
type Metrics interface {
	// RecordEncryption records one envelope operation (encrypt or decrypt).
	RecordEncryption(operation, algorithm string, success bool, duration time.Duration)

	// RecordKeyRotation records a master key rotation and how many DEKs were re-wrapped.
	RecordKeyRotation(success bool, rewrapped int, duration time.Duration)

	// RecordSession records session lifecycle events (create, refresh, revoke, reuse).
	RecordSession(event string, success bool)

	// RecordAuthentication records a login attempt outcome.
	RecordAuthentication(result string)

	// RecordAuthorization records an authorization decision.
	RecordAuthorization(decision string)

	// RecordRateLimitHit records an event when a rate limit is triggered.
	RecordRateLimitHit(action string)

	// RecordGuardBlock records a request rejected at the edge.
	RecordGuardBlock(reason string)

	// RecordThreat records a detected threat.
	RecordThreat(threatType, severity string)

	// RecordAuditAppend records a ledger append.
	RecordAuditAppend(eventType string, duration time.Duration)

	// RecordBackup records a backup operation.
	RecordBackup(operation string, success bool, sizeBytes int64)

	// RecordCacheAccess records a cache hit or miss.
	RecordCacheAccess(cacheType string, hit bool)

	// RecordVaultAPI records the latency and error status of a Vault API call.
	RecordVaultAPI(operation string, duration time.Duration, err error)
}

// NoopMetrics discards everything. Used when metrics are disabled and in tests.
type NoopMetrics struct{}

func (NoopMetrics) RecordEncryption(string, string, bool, time.Duration) {}
func (NoopMetrics) RecordKeyRotation(bool, int, time.Duration)           {}
func (NoopMetrics) RecordSession(string, bool)                           {}
func (NoopMetrics) RecordAuthentication(string)                          {}
func (NoopMetrics) RecordAuthorization(string)                           {}
func (NoopMetrics) RecordRateLimitHit(string)                            {}
func (NoopMetrics) RecordGuardBlock(string)                              {}
func (NoopMetrics) RecordThreat(string, string)                          {}
func (NoopMetrics) RecordAuditAppend(string, time.Duration)              {}
func (NoopMetrics) RecordBackup(string, bool, int64)                     {}
func (NoopMetrics) RecordCacheAccess(string, bool)                       {}
func (NoopMetrics) RecordVaultAPI(string, time.Duration, error)          {}
