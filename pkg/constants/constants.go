// Package constants defines system-wide constants for the Sentinel security control plane.
// This package provides type-safe constant definitions used across all modules.
package constants

import "time"

// ================================================================================
// Key Management Constants
// ================================================================================

const (
	// MasterKeySize is the size of master key material in bytes (256-bit)
	MasterKeySize = 32

	// DEKSize is the size of a tenant data encryption key in bytes (256-bit)
	DEKSize = 32

	// DefaultMasterKeyRotationInterval is the default master key lifetime (90 days)
	DefaultMasterKeyRotationInterval = 90 * 24 * time.Hour

	// DEKCacheTTL bounds how long an unwrapped DEK stays in process memory
	DEKCacheTTL = 5 * time.Minute

	// DerivedKeyCacheTTL bounds how long a context-derived key stays cached
	DerivedKeyCacheTTL = 10 * time.Minute

	// MaxStageAttempts bounds how often one DEK is re-staged when its tenant key keeps
	// changing during a rotation
	MaxStageAttempts = 3

	// SystemTenantID is the reserved tenant whose DEK protects control-plane secrets
	SystemTenantID = "__system__"

	// TenantResourcePrefix names a tenant as an authorization resource, e.g. tenants/acme
	TenantResourcePrefix = "tenants/"
)

// Algorithm names recorded alongside ciphertext.
const (
	AlgorithmAES256GCM        = "AES-256-GCM"
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"
)

// KeyProvenance records where a tenant DEK came from.
type KeyProvenance string

const (
	// KeyProvenanceGenerated marks a DEK generated by the control plane
	KeyProvenanceGenerated KeyProvenance = "generated"

	// KeyProvenanceExternal marks a customer-supplied (BYOK) DEK
	KeyProvenanceExternal KeyProvenance = "external"
)

// RotationState is the durable state of a master key rotation.
type RotationState string

const (
	RotationStable     RotationState = "stable"
	RotationRewrapping RotationState = "rewrapping"
	RotationSwapped    RotationState = "swapped"
)

// ================================================================================
// Session Constants
// ================================================================================

// TokenType represents the type of session token
type TokenType string

const (
	// TokenTypeAccess represents a short-lived access token
	TokenTypeAccess TokenType = "access"

	// TokenTypeRefresh represents a long-lived, single-use refresh token
	TokenTypeRefresh TokenType = "refresh"

	// TokenTypeBearer is the token type reported to clients
	TokenTypeBearer = "Bearer"
)

// SessionStatus represents the lifecycle status of a session
type SessionStatus string

const (
	SessionStatusIssued    SessionStatus = "issued"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusRefreshed SessionStatus = "refreshed"
	SessionStatusExpired   SessionStatus = "expired"
	SessionStatusRevoked   SessionStatus = "revoked"
)

const (
	// AccessTokenDefaultTTL is the default lifetime for access tokens (15 minutes)
	AccessTokenDefaultTTL = 15 * time.Minute

	// RefreshTokenDefaultTTL is the default lifetime for refresh tokens (30 days)
	RefreshTokenDefaultTTL = 30 * 24 * time.Hour

	// TokenIssuer is the iss claim placed in every token
	TokenIssuer = "sentinel"
)

// MFAMethod enumerates supported second factors.
type MFAMethod string

const (
	MFAMethodTOTP     MFAMethod = "totp"
	MFAMethodSMS      MFAMethod = "sms"
	MFAMethodWebAuthn MFAMethod = "webauthn"
)

const (
	// TOTPPeriod is the TOTP step in seconds
	TOTPPeriod = 30

	// TOTPSkew is the number of steps accepted on either side of now
	TOTPSkew = 2

	// TOTPDigits is the length of a TOTP code
	TOTPDigits = 6
)

const (
	// DefaultLockoutThreshold is the number of failures that locks a subject
	DefaultLockoutThreshold = 5

	// DefaultLockoutDuration is how long a lock lasts
	DefaultLockoutDuration = 15 * time.Minute

	// DefaultLockoutWindow is the rolling window in which failures are counted
	DefaultLockoutWindow = 15 * time.Minute

	// AllowlistCacheTTL bounds how stale a node's copy of a shared allow-list gets
	AllowlistCacheTTL = 30 * time.Second
)

// ================================================================================
// Network Guard Constants
// ================================================================================

// Rate limit action classes.
const (
	RateActionLogin   = "login"
	RateActionAPI     = "api"
	RateActionMFA     = "mfa"
	RateActionRefresh = "refresh"
)

type WAFAction string

const (
	WAFActionBlock WAFAction = "block"
	WAFActionLog   WAFAction = "log"
)

// Severity is shared by WAF rules, DLP findings and threats.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ================================================================================
// Security Monitor Constants
// ================================================================================

// ThreatType classifies detected threats.
type ThreatType string

const (
	ThreatBruteForce          ThreatType = "brute_force"
	ThreatDataExfiltration    ThreatType = "data_exfiltration"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatTokenReplay         ThreatType = "refresh_token_reuse"
)

// SecurityEventKind classifies events fed to the monitor.
type SecurityEventKind string

const (
	SecurityEventAuthAttempt      SecurityEventKind = "auth_attempt"
	SecurityEventDataAccess       SecurityEventKind = "data_access"
	SecurityEventPermissionChange SecurityEventKind = "permission_change"
)

// MitigationStep names an incident response step.
type MitigationStep string

const (
	MitigationLog      MitigationStep = "log"
	MitigationBlockIP  MitigationStep = "block_ip"
	MitigationRevoke   MitigationStep = "revoke_sessions"
	MitigationSnapshot MitigationStep = "forensic_snapshot"
	MitigationAlert    MitigationStep = "alert"
)

const (
	BruteForceWindow          = 5 * time.Minute
	BruteForceThreshold       = 10
	ExfiltrationWindow        = time.Hour
	ExfiltrationThreshold     = 500
	ExfiltrationCriticalLimit = 1000
	MonitorRetention          = time.Hour
	DefaultMonitorInterval    = 30 * time.Second
	DefaultBruteForceBlockTTL = time.Hour
)

// ================================================================================
// Audit Constants
// ================================================================================

// AuditEventType represents different types of auditable events
type AuditEventType string

const (
	AuditEventSessionCreated       AuditEventType = "SESSION_CREATED"
	AuditEventSessionRefreshed     AuditEventType = "SESSION_REFRESHED"
	AuditEventSessionRevoked       AuditEventType = "SESSION_REVOKED"
	AuditEventRefreshTokenReuse    AuditEventType = "REFRESH_TOKEN_REUSE"
	AuditEventAuthenticationFailed AuditEventType = "AUTHENTICATION_FAILED"
	AuditEventAuthenticationOK     AuditEventType = "AUTHENTICATION_SUCCEEDED"
	AuditEventAccountLocked        AuditEventType = "ACCOUNT_LOCKED"
	AuditEventMFAEnabled           AuditEventType = "MFA_ENABLED"
	AuditEventAuthorizationDenied  AuditEventType = "AUTHORIZATION_DENIED"
	AuditEventPermissionChanged    AuditEventType = "PERMISSION_CHANGED"
	AuditEventAccessReview         AuditEventType = "ACCESS_REVIEW"
	AuditEventRateLimited          AuditEventType = "RATE_LIMITED"
	AuditEventRequestBlocked       AuditEventType = "REQUEST_BLOCKED"
	AuditEventIPBlocked            AuditEventType = "IP_BLOCKED"
	AuditEventIPUnblocked          AuditEventType = "IP_UNBLOCKED"
	AuditEventDEKCreated           AuditEventType = "DEK_CREATED"
	AuditEventTenantKeyImported    AuditEventType = "TENANT_KEY_IMPORTED"
	AuditEventMasterKeyRotated     AuditEventType = "MASTER_KEY_ROTATED"
	AuditEventKeyUnavailable       AuditEventType = "KEY_UNAVAILABLE"
	AuditEventIntegrityViolation   AuditEventType = "INTEGRITY_VIOLATION"
	AuditEventThreatDetected       AuditEventType = "THREAT_DETECTED"
	AuditEventIncidentMitigated    AuditEventType = "INCIDENT_MITIGATED"
	AuditEventSubjectErased        AuditEventType = "SUBJECT_ERASED"
	AuditEventBackupCreated        AuditEventType = "BACKUP_CREATED"
	AuditEventBackupRestored       AuditEventType = "BACKUP_RESTORED"
	AuditEventBackupPruned         AuditEventType = "BACKUP_PRUNED"
	AuditEventDataAccess           AuditEventType = "DATA_ACCESS"
	AuditEventDLPFinding           AuditEventType = "DLP_FINDING"
)

// Audit results.
const (
	AuditResultSuccess = "success"
	AuditResultFailure = "failure"
	AuditResultDenied  = "denied"
)

// GenesisHash is the PrevHash of the first ledger entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// PseudonymPrefix prefixes anonymized actor identifiers.
const PseudonymPrefix = "anon-"

// ================================================================================
// Backup Constants
// ================================================================================

const (
	// MinBackupRegions is the minimum number of replicas per backup
	MinBackupRegions = 2

	// BackupContextPrefix prefixes the encryption context of backup payloads
	BackupContextPrefix = "backup:"
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey is the type for keys stored in request contexts
type ContextKey string

const (
	ContextKeyRequestID ContextKey = "request_id"
	ContextKeyTraceID   ContextKey = "trace_id"
	ContextKeyTenantID  ContextKey = "tenant_id"
	ContextKeySubjectID ContextKey = "subject_id"
	ContextKeyClientIP  ContextKey = "client_ip"
)

// ================================================================================
// HTTP Headers
// ================================================================================

const (
	HeaderAuthorization = "Authorization"
	HeaderRequestID     = "X-Request-ID"
	HeaderTenantID      = "X-Tenant-ID"
	HeaderRetryAfter    = "Retry-After"
	HeaderRateLimit     = "X-RateLimit-Limit"
	HeaderRateRemaining = "X-RateLimit-Remaining"
)
