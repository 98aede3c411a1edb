package repository

import (
	"context"
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
)

// RoleStore keeps role definitions and subject assignments.
type RoleStore interface {
	PutRole(ctx context.Context, role *models.Role) error
	GetRole(ctx context.Context, roleID string) (*models.Role, error)
	Assign(ctx context.Context, subjectID, roleID string) error
	Unassign(ctx context.Context, subjectID, roleID string) error
	// RolesOf returns the role ids of subjectID, sorted.
	RolesOf(ctx context.Context, subjectID string) ([]string, error)
	SubjectsWithRole(ctx context.Context, roleID string) ([]string, error)
}

// GrantStore keeps per-resource grants, one per (subject, resource).
type GrantStore interface {
	// PutGrant replaces any earlier grant of the same subject on the same resource.
	PutGrant(ctx context.Context, grant *models.ResourceGrant) error
	GetGrant(ctx context.Context, subjectID, resourceID string) (*models.ResourceGrant, error)
	DeleteGrant(ctx context.Context, subjectID, resourceID string) error
	// DeleteExpiredGrants removes grants whose expiry is at or before now.
	DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error)
}

// PolicyStore keeps ABAC policies keyed by resource.
type PolicyStore interface {
	PutPolicy(ctx context.Context, policy *models.Policy) error
	GetPolicy(ctx context.Context, resourceID string) (*models.Policy, error)
	DeletePolicy(ctx context.Context, resourceID string) error
}

// AccessStore is the full authorization state.
type AccessStore interface {
	RoleStore
	GrantStore
	PolicyStore
}

// AllowlistStore keeps the raw CIDR or address entries of each tenant allow-list.
type AllowlistStore interface {
	// PutAllowlist replaces the list. An empty list removes it.
	PutAllowlist(ctx context.Context, tenantID string, entries []string) error
	// GetAllowlist returns nil without error when the tenant has no list.
	GetAllowlist(ctx context.Context, tenantID string) ([]string, error)
}
