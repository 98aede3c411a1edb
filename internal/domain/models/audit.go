package models

import (
	"strings"
	"time"

	"github.com/turtacn/sentinel/pkg/constants"
)

// AuditEvent is the caller-supplied part of a ledger entry.
type AuditEvent struct {
	EventType   constants.AuditEventType
	ActorID     string
	TenantID    string
	ResourceRef string
	Action      string
	Result      string
	Metadata    map[string]string
	// Timestamp defaults to the ledger clock when zero.
	Timestamp time.Time
}

// NewAuditEvent creates a new audit event with a successful result.
func NewAuditEvent(eventType constants.AuditEventType, actorID string) *AuditEvent {
	return &AuditEvent{
		EventType: eventType,
		ActorID:   actorID,
		Result:    constants.AuditResultSuccess,
	}
}

// WithTenant sets the tenant of the event.
func (e *AuditEvent) WithTenant(tenantID string) *AuditEvent {
	e.TenantID = tenantID
	return e
}

// WithResource sets the resource and action of the event.
func (e *AuditEvent) WithResource(resourceRef, action string) *AuditEvent {
	e.ResourceRef = resourceRef
	e.Action = action
	return e
}

// WithResult sets the result of the event.
func (e *AuditEvent) WithResult(result string) *AuditEvent {
	e.Result = result
	return e
}

// WithMeta adds one metadata pair.
func (e *AuditEvent) WithMeta(key, value string) *AuditEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// AuditEntry is one immutable, hash-chained ledger record.
//
// ActorDigest, ResourceDigest and MetadataDigest are keyed digests of the original
// values. The integrity hash covers the digests rather than the raw values, so
// anonymizing an entry leaves the chain verifiable.
type AuditEntry struct {
	ID             string                   `gorm:"primaryKey;size:26" json:"id"`
	Sequence       uint64                   `gorm:"uniqueIndex;not null" json:"sequence"`
	Timestamp      time.Time                `gorm:"index;not null" json:"timestamp"`
	EventType      constants.AuditEventType `gorm:"index;size:64" json:"event_type"`
	ActorID        string                   `gorm:"index" json:"actor_id"`
	TenantID       string                   `gorm:"index" json:"tenant_id,omitempty"`
	ResourceRef    string                   `json:"resource_ref,omitempty"`
	Action         string                   `json:"action,omitempty"`
	Result         string                   `gorm:"size:16" json:"result"`
	Metadata       map[string]string        `gorm:"serializer:json;type:text" json:"metadata,omitempty"`
	ActorDigest    string                   `json:"actor_digest"`
	ResourceDigest string                   `json:"resource_digest"`
	MetadataDigest string                   `json:"metadata_digest"`
	PrevHash       string                   `json:"prev_hash"`
	IntegrityHash  string                   `json:"integrity_hash"`
	Anonymized     bool                     `json:"anonymized"`
}

// TableName pins the GORM table name.
func (AuditEntry) TableName() string { return "audit_entries" }

// Clone returns a copy that shares nothing with the stored entry.
func (e *AuditEntry) Clone() *AuditEntry {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Anonymize rewrites the entry in place when it references subjectID and reports whether
// it did. Digests and hashes are left untouched.
func (e *AuditEntry) Anonymize(subjectID, pseudonym string, piiKeys []string) bool {
	touched := false
	if e.ActorID == subjectID {
		e.ActorID = pseudonym
		touched = true
	}
	if ref, ok := pseudonymize(e.ResourceRef, subjectID, pseudonym); ok {
		e.ResourceRef = ref
		touched = true
	}
	for k, v := range e.Metadata {
		if nv, ok := pseudonymize(v, subjectID, pseudonym); ok {
			e.Metadata[k] = nv
			touched = true
		}
	}
	if !touched {
		return false
	}
	for _, k := range piiKeys {
		delete(e.Metadata, k)
	}
	e.Anonymized = true
	return true
}

// pseudonymize replaces subjectID in v when v is the subject itself or a
// "subject:qualifier" reference such as a threat source.
func pseudonymize(v, subjectID, pseudonym string) (string, bool) {
	if subjectID == "" {
		return v, false
	}
	if v == subjectID {
		return pseudonym, true
	}
	if strings.HasPrefix(v, subjectID+":") {
		return pseudonym + v[len(subjectID):], true
	}
	return v, false
}

// TimeWindow is an inclusive [From, To] range. A zero bound is open.
type TimeWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}

// AuditFilter narrows ledger queries. Empty fields match everything.
type AuditFilter struct {
	ActorID   string
	EventType constants.AuditEventType
	Result    string
	TenantID  string
	Limit     int
}

// Match reports whether e passes the filter.
func (f AuditFilter) Match(e *AuditEntry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	return true
}

// ChainVerification is the outcome of walking the hash chain.
type ChainVerification struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAtID     string `json:"broken_at_id,omitempty"`
	BrokenAtSeq    uint64 `json:"broken_at_sequence,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Vulnerability is one open finding listed in the compliance report.
type Vulnerability struct {
	ID          string             `json:"id"`
	Severity    constants.Severity `json:"severity"`
	Description string             `json:"description"`
}

// ComplianceReport has a fixed shape consumed by external auditors.
type ComplianceReport struct {
	ControlsImplemented []string        `json:"controlsImplemented"`
	AuditLogs           []*AuditEntry   `json:"auditLogs"`
	SecurityIncidents   []*AuditEntry   `json:"securityIncidents"`
	AccessReviews       []*AuditEntry   `json:"accessReviews"`
	EncryptionCoverage  float64         `json:"encryptionCoverage"`
	Vulnerabilities     []Vulnerability `json:"vulnerabilities"`
	Window              TimeWindow      `json:"window"`
	GeneratedAt         time.Time       `json:"generatedAt"`
}
