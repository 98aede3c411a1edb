package database

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

// AccessStore persists roles, assignments, grants and policies so every node
// evaluates the same authorization state.
type AccessStore struct {
	db *gorm.DB
}

// NewAccessStore creates a store over db.
func NewAccessStore(db *gorm.DB) *AccessStore {
	return &AccessStore{db: db}
}

var _ repository.AccessStore = (*AccessStore)(nil)

func (s *AccessStore) PutRole(ctx context.Context, role *models.Role) error {
	row := models.Role{ID: role.ID, Permissions: append([]models.Permission(nil), role.Permissions...)}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return errors.ErrInternal("failed to save role").WithCause(err)
	}
	return nil
}

func (s *AccessStore) GetRole(ctx context.Context, roleID string) (*models.Role, error) {
	var role models.Role
	err := s.db.WithContext(ctx).Where("id = ?", roleID).First(&role).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrNotFound("role", roleID)
	}
	if err != nil {
		return nil, errors.ErrInternal("failed to load role").WithCause(err)
	}
	return &role, nil
}

func (s *AccessStore) Assign(ctx context.Context, subjectID, roleID string) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.RoleAssignment{SubjectID: subjectID, RoleID: roleID}).Error
	if err != nil {
		return errors.ErrInternal("failed to assign role").WithCause(err)
	}
	return nil
}

func (s *AccessStore) Unassign(ctx context.Context, subjectID, roleID string) error {
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND role_id = ?", subjectID, roleID).
		Delete(&models.RoleAssignment{}).Error
	if err != nil {
		return errors.ErrInternal("failed to unassign role").WithCause(err)
	}
	return nil
}

func (s *AccessStore) RolesOf(ctx context.Context, subjectID string) ([]string, error) {
	out := make([]string, 0)
	err := s.db.WithContext(ctx).Model(&models.RoleAssignment{}).
		Where("subject_id = ?", subjectID).
		Order("role_id").
		Pluck("role_id", &out).Error
	if err != nil {
		return nil, errors.ErrInternal("failed to list roles").WithCause(err)
	}
	return out, nil
}

func (s *AccessStore) SubjectsWithRole(ctx context.Context, roleID string) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&models.RoleAssignment{}).
		Where("role_id = ?", roleID).
		Order("subject_id").
		Pluck("subject_id", &out).Error
	if err != nil {
		return nil, errors.ErrInternal("failed to list role holders").WithCause(err)
	}
	return out, nil
}

func (s *AccessStore) PutGrant(ctx context.Context, grant *models.ResourceGrant) error {
	row := *grant
	row.Permissions = append([]string(nil), grant.Permissions...)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_id"}, {Name: "resource_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return errors.ErrInternal("failed to save grant").WithCause(err)
	}
	return nil
}

func (s *AccessStore) GetGrant(ctx context.Context, subjectID, resourceID string) (*models.ResourceGrant, error) {
	var g models.ResourceGrant
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND resource_id = ?", subjectID, resourceID).
		First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrNotFound("grant", subjectID+"/"+resourceID)
	}
	if err != nil {
		return nil, errors.ErrInternal("failed to load grant").WithCause(err)
	}
	return &g, nil
}

func (s *AccessStore) DeleteGrant(ctx context.Context, subjectID, resourceID string) error {
	res := s.db.WithContext(ctx).
		Where("subject_id = ? AND resource_id = ?", subjectID, resourceID).
		Delete(&models.ResourceGrant{})
	if res.Error != nil {
		return errors.ErrInternal("failed to delete grant").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ErrNotFound("grant", subjectID+"/"+resourceID)
	}
	return nil
}

func (s *AccessStore) DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where(clause.Lte{Column: clause.Column{Name: "expires_at"}, Value: now}).
		Delete(&models.ResourceGrant{})
	if res.Error != nil {
		return 0, errors.ErrInternal("failed to purge grants").WithCause(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *AccessStore) PutPolicy(ctx context.Context, policy *models.Policy) error {
	row := models.Policy{ResourceID: policy.ResourceID, Conditions: append([]models.Condition(nil), policy.Conditions...)}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "resource_id"}}, UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return errors.ErrInternal("failed to save policy").WithCause(err)
	}
	return nil
}

// GetPolicy returns conditions as decoded from JSON, so numeric values come back as
// float64 and lists as []interface{}.
func (s *AccessStore) GetPolicy(ctx context.Context, resourceID string) (*models.Policy, error) {
	var p models.Policy
	err := s.db.WithContext(ctx).Where("resource_id = ?", resourceID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrNotFound("policy", resourceID)
	}
	if err != nil {
		return nil, errors.ErrInternal("failed to load policy").WithCause(err)
	}
	return &p, nil
}

func (s *AccessStore) DeletePolicy(ctx context.Context, resourceID string) error {
	err := s.db.WithContext(ctx).Where("resource_id = ?", resourceID).Delete(&models.Policy{}).Error
	if err != nil {
		return errors.ErrInternal("failed to delete policy").WithCause(err)
	}
	return nil
}

// AllowlistStore persists tenant allow-lists in tenant_allowlists.
type AllowlistStore struct {
	db *gorm.DB
}

// NewAllowlistStore creates a store over db.
func NewAllowlistStore(db *gorm.DB) *AllowlistStore {
	return &AllowlistStore{db: db}
}

var _ repository.AllowlistStore = (*AllowlistStore)(nil)

func (s *AllowlistStore) PutAllowlist(ctx context.Context, tenantID string, entries []string) error {
	db := s.db.WithContext(ctx)
	if len(entries) == 0 {
		if err := db.Where("tenant_id = ?", tenantID).Delete(&models.TenantAllowlist{}).Error; err != nil {
			return errors.ErrInternal("failed to delete allow-list").WithCause(err)
		}
		return nil
	}
	row := models.TenantAllowlist{TenantID: tenantID, Entries: append([]string(nil), entries...)}
	err := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tenant_id"}}, UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return errors.ErrInternal("failed to save allow-list").WithCause(err)
	}
	return nil
}

func (s *AllowlistStore) GetAllowlist(ctx context.Context, tenantID string) ([]string, error) {
	var row models.TenantAllowlist
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Limit(1).Find(&row).Error
	if err != nil {
		return nil, errors.ErrInternal("failed to load allow-list").WithCause(err)
	}
	if row.TenantID == "" {
		return nil, nil
	}
	return row.Entries, nil
}
