package models

import (
	"time"

	"github.com/turtacn/sentinel/pkg/constants"
)

// SecurityEvent is one observation fed to the security monitor.
type SecurityEvent struct {
	Kind      constants.SecurityEventKind `json:"kind"`
	SubjectID string                      `json:"subject_id,omitempty"`
	TenantID  string                      `json:"tenant_id,omitempty"`
	SourceIP  string                      `json:"source_ip,omitempty"`
	Resource  string                      `json:"resource,omitempty"`
	// Success is meaningful for auth attempts only.
	Success bool `json:"success"`
	// Scope is the granted scope for permission changes, e.g. a role name.
	Scope     string            `json:"scope,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MitigationAction records one incident response step applied to a threat.
type MitigationAction struct {
	Step      constants.MitigationStep `json:"step"`
	Target    string                   `json:"target,omitempty"`
	AppliedAt time.Time                `json:"applied_at"`
	Error     string                   `json:"error,omitempty"`
}

// ForensicSnapshot captures the events that led to a detection.
type ForensicSnapshot struct {
	CapturedAt time.Time       `json:"captured_at"`
	Events     []SecurityEvent `json:"events"`
}

// Threat is a detected anomaly and the record of its handling.
type Threat struct {
	ID          string               `json:"id"`
	Type        constants.ThreatType `json:"type"`
	Severity    constants.Severity   `json:"severity"`
	SourceRef   string               `json:"source_ref"`
	SubjectID   string               `json:"subject_id,omitempty"`
	SourceIP    string               `json:"source_ip,omitempty"`
	Description string               `json:"description"`
	EventCount  int                  `json:"event_count"`
	DetectedAt  time.Time            `json:"detected_at"`
	// ExpiresAt ends the window in which repeated detections fold into this threat.
	ExpiresAt   time.Time            `json:"expires_at,omitempty"`
	Mitigated   bool                 `json:"mitigated"`
	Actions     []MitigationAction   `json:"actions"`
	Snapshot    *ForensicSnapshot    `json:"snapshot,omitempty"`
}

// DedupKey identifies a threat across repeated detections. Brute force is answered
// per source address, so each address is its own threat.
func (t *Threat) DedupKey() string {
	key := string(t.Type) + "|" + t.SourceRef
	if t.Type == constants.ThreatBruteForce {
		key += "|" + t.SourceIP
	}
	return key
}

// Open reports whether repeated detections still fold into t at now.
func (t *Threat) Open(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// LastApplied returns when step last succeeded, or the zero time.
func (t *Threat) LastApplied(step constants.MitigationStep) time.Time {
	var last time.Time
	for _, a := range t.Actions {
		if a.Step == step && a.Error == "" && a.AppliedAt.After(last) {
			last = a.AppliedAt
		}
	}
	return last
}

// HasApplied reports whether step has already run for this threat.
func (t *Threat) HasApplied(step constants.MitigationStep) bool {
	for _, a := range t.Actions {
		if a.Step == step && a.Error == "" {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (t *Threat) Clone() *Threat {
	c := *t
	c.Actions = append([]MitigationAction(nil), t.Actions...)
	if t.Snapshot != nil {
		s := *t.Snapshot
		s.Events = append([]SecurityEvent(nil), t.Snapshot.Events...)
		c.Snapshot = &s
	}
	return &c
}

// Alert is what alerters deliver for a threat.
type Alert struct {
	ThreatID    string               `json:"threat_id"`
	Type        constants.ThreatType `json:"type"`
	Severity    constants.Severity   `json:"severity"`
	SourceRef   string               `json:"source_ref"`
	Description string               `json:"description"`
	Actions     []MitigationAction   `json:"actions"`
	RaisedAt    time.Time            `json:"raised_at"`
}
