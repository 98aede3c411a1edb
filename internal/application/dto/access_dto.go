package dto

import (
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
)

// PermissionDTO is one (resource, action) pair of a role.
type PermissionDTO struct {
	Resource string `json:"resource" validate:"required"`
	Action   string `json:"action" validate:"required"`
}

// DefineRoleRequest creates or replaces a role.
type DefineRoleRequest struct {
	Permissions []PermissionDTO `json:"permissions" validate:"dive"`
}

// ToRole builds the domain role named id.
func (r *DefineRoleRequest) ToRole(id string) models.Role {
	role := models.Role{ID: id}
	for _, p := range r.Permissions {
		role.Permissions = append(role.Permissions, models.Permission{Resource: p.Resource, Action: p.Action})
	}
	return role
}

// AssignRoleRequest attaches a role to a subject.
type AssignRoleRequest struct {
	RoleID string `json:"role_id" validate:"required"`
}

// RolesResponse lists the roles of a subject.
type RolesResponse struct {
	SubjectID string   `json:"subject_id"`
	Roles     []string `json:"roles"`
}

// ConditionDTO is one ABAC predicate.
type ConditionDTO struct {
	Type     string      `json:"type" validate:"required"`
	Operator string      `json:"operator" validate:"required,oneof=equals in contains greaterThan lessThan"`
	Value    interface{} `json:"value"`
}

// SetPolicyRequest installs the policy of a resource.
type SetPolicyRequest struct {
	Conditions []ConditionDTO `json:"conditions" validate:"required,min=1,dive"`
}

// ToPolicy builds the domain policy of resourceID.
func (r *SetPolicyRequest) ToPolicy(resourceID string) models.Policy {
	p := models.Policy{ResourceID: resourceID}
	for _, c := range r.Conditions {
		p.Conditions = append(p.Conditions, models.Condition{Type: c.Type, Operator: c.Operator, Value: c.Value})
	}
	return p
}

// AccessCheckRequest asks whether a subject may act on a resource.
type AccessCheckRequest struct {
	SubjectID  string                 `json:"subject_id" validate:"required"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	Resource   string                 `json:"resource" validate:"required"`
	Action     string                 `json:"action" validate:"required"`
	IP         string                 `json:"ip,omitempty" validate:"omitempty,ip"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ToAccessRequest builds the domain request evaluated at now.
func (r *AccessCheckRequest) ToAccessRequest(now time.Time) *models.AccessRequest {
	return &models.AccessRequest{
		SubjectID:  r.SubjectID,
		TenantID:   r.TenantID,
		Resource:   r.Resource,
		Action:     r.Action,
		IP:         r.IP,
		Attributes: r.Attributes,
		Time:       now,
	}
}

// AccessDecision is the answer to AccessCheckRequest.
type AccessDecision struct {
	Allowed bool `json:"allowed"`
}

// GrantRequest gives a subject time-limited access to one resource.
type GrantRequest struct {
	SubjectID   string   `json:"subject_id" validate:"required"`
	ResourceID  string   `json:"resource_id" validate:"required"`
	Permissions []string `json:"permissions" validate:"required,min=1,dive,required"`
	TTLSeconds  int64    `json:"ttl_seconds" validate:"required,gte=1"`
}

// TTL returns the grant lifetime.
func (r *GrantRequest) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}
