package models

import (
	"time"

	"github.com/turtacn/sentinel/pkg/constants"
)

// RateLimitRule is the budget of one action class.
type RateLimitRule struct {
	Max    int
	Window time.Duration
}

// RateLimitResult is the outcome of one rate limit check.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
}

// WAFRule is one ordered pattern of the web application firewall.
type WAFRule struct {
	Name     string              `yaml:"name" json:"name"`
	Pattern  string              `yaml:"pattern" json:"pattern"`
	Severity constants.Severity  `yaml:"severity" json:"severity"`
	Action   constants.WAFAction `yaml:"action" json:"action"`
}

// DLPRule is one data loss prevention pattern. Validator names an extra check
// applied to each match; "luhn" is the only one defined.
type DLPRule struct {
	Name      string             `yaml:"name" json:"name"`
	Pattern   string             `yaml:"pattern" json:"pattern"`
	Severity  constants.Severity `yaml:"severity" json:"severity"`
	Validator string             `yaml:"validator,omitempty" json:"validator,omitempty"`
}

// WAFResult is the outcome of a WAF check.
type WAFResult struct {
	Blocked bool     `json:"blocked"`
	Rule    string   `json:"rule,omitempty"`
	Logged  []string `json:"logged,omitempty"`
}

// DLPFinding is one sensitive match. Match is always masked.
type DLPFinding struct {
	Type     string             `json:"type"`
	Severity constants.Severity `json:"severity"`
	Match    string             `json:"match"`
}

// DLPResult is the outcome of a DLP scan.
type DLPResult struct {
	Safe     bool         `json:"safe"`
	Findings []DLPFinding `json:"findings"`
}

// InboundRequest is what the guard inspects at the edge.
type InboundRequest struct {
	ClientIP   string
	TenantID   string
	Identifier string
	Action     string
	Content    string
}

// BlockEntry is one blocked address.
type BlockEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}
