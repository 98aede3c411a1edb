package models

import (
	"strings"
	"time"
)

// Wildcard matches any resource or action in a Permission.
const Wildcard = "*"

// Permission is a (resource, action) pair. Either side may be Wildcard, and a
// resource ending in "/*" covers everything under that prefix, e.g. tenants/*.
type Permission struct {
	Resource string `json:"resource" yaml:"resource"`
	Action   string `json:"action" yaml:"action"`
}

// Matches reports whether p covers the concrete resource and action.
func (p Permission) Matches(resource, action string) bool {
	return matchResource(p.Resource, resource) && (p.Action == Wildcard || p.Action == action)
}

// accessControlResources are the resources whose holders can change permissions,
// their own included.
var accessControlResources = map[string]bool{"roles": true, "grants": true, "policies": true}

// Elevated reports whether p spans many resources or lets its holder change
// permissions.
func (p Permission) Elevated() bool {
	if p.Resource == Wildcard || strings.HasSuffix(p.Resource, "/"+Wildcard) {
		return true
	}
	return accessControlResources[p.Resource] && p.Action != "read"
}

func matchResource(pattern, resource string) bool {
	if pattern == Wildcard || pattern == resource {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, Wildcard)
	return ok && strings.HasSuffix(prefix, "/") && strings.HasPrefix(resource, prefix)
}

// Role is a named set of permissions.
type Role struct {
	ID          string       `gorm:"primaryKey;size:128" json:"id" yaml:"id"`
	Permissions []Permission `gorm:"serializer:json;type:text" json:"permissions" yaml:"permissions"`
}

// TableName pins the GORM table name.
func (Role) TableName() string { return "roles" }

// RoleAssignment links a subject to one role.
type RoleAssignment struct {
	SubjectID string    `gorm:"primaryKey;size:128" json:"subject_id"`
	RoleID    string    `gorm:"primaryKey;size:128;index" json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName pins the GORM table name.
func (RoleAssignment) TableName() string { return "role_assignments" }

// Elevated reports whether any permission of r is elevated.
func (r Role) Elevated() bool {
	for _, p := range r.Permissions {
		if p.Elevated() {
			return true
		}
	}
	return false
}

// ResourceGrant is a time-limited, per-resource permission for one subject.
type ResourceGrant struct {
	SubjectID   string    `gorm:"primaryKey;size:128" json:"subject_id"`
	ResourceID  string    `gorm:"primaryKey;size:255" json:"resource_id"`
	Permissions []string  `gorm:"serializer:json;type:text" json:"permissions"`
	GrantedAt   time.Time `json:"granted_at"`
	ExpiresAt   time.Time `gorm:"index" json:"expires_at"`
}

// TableName pins the GORM table name.
func (ResourceGrant) TableName() string { return "resource_grants" }

// Expired reports whether the grant has lapsed.
func (g *ResourceGrant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// Elevated reports whether the grant covers every action on its resource.
func (g *ResourceGrant) Elevated() bool {
	for _, p := range g.Permissions {
		if p == Wildcard {
			return true
		}
	}
	return false
}

// Allows reports whether the grant covers action.
func (g *ResourceGrant) Allows(action string) bool {
	for _, p := range g.Permissions {
		if p == Wildcard || p == action {
			return true
		}
	}
	return false
}

// Condition operators.
const (
	OperatorEquals      = "equals"
	OperatorIn          = "in"
	OperatorContains    = "contains"
	OperatorGreaterThan = "greaterThan"
	OperatorLessThan    = "lessThan"
)

// Condition is one ABAC predicate. Type names the context key it reads.
type Condition struct {
	Type     string      `json:"type"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// Policy binds an AND-ed list of conditions to a resource.
type Policy struct {
	ResourceID string      `gorm:"primaryKey;size:255" json:"resource_id"`
	Conditions []Condition `gorm:"serializer:json;type:text" json:"conditions"`
}

// TableName pins the GORM table name.
func (Policy) TableName() string { return "access_policies" }

// TenantAllowlist is the stored allow-list of one tenant.
type TenantAllowlist struct {
	TenantID  string    `gorm:"primaryKey;size:128" json:"tenant_id"`
	Entries   []string  `gorm:"serializer:json;type:text" json:"entries"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the GORM table name.
func (TenantAllowlist) TableName() string { return "tenant_allowlists" }

// AccessRequest is the input to policy evaluation.
type AccessRequest struct {
	SubjectID  string                 `json:"subject_id"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	Resource   string                 `json:"resource"`
	Action     string                 `json:"action"`
	IP         string                 `json:"ip,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Time       time.Time              `json:"time,omitempty"`
}
