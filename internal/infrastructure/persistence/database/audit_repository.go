package database

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

// AuditRepository persists ledger entries in the audit_entries table.
// It exposes no update or delete; erasure goes through Anonymize.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a ledger store over db.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

var _ repository.AuditRepository = (*AuditRepository)(nil)

func (r *AuditRepository) Append(ctx context.Context, entry *models.AuditEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last models.AuditEntry
		err := tx.Order("sequence DESC").Limit(1).Find(&last).Error
		if err != nil {
			return errors.ErrInternal("failed to read ledger tail").WithCause(err)
		}
		if last.ID != "" && entry.Sequence <= last.Sequence {
			return errors.ErrComplianceViolation("ledger sequence must increase")
		}
		if err := tx.Create(entry.Clone()).Error; err != nil {
			return errors.ErrInternal("failed to append audit entry").WithCause(err)
		}
		return nil
	})
}

func (r *AuditRepository) Last(ctx context.Context) (*models.AuditEntry, error) {
	var last models.AuditEntry
	err := r.db.WithContext(ctx).Order("sequence DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrNotFound("audit entry", "last")
	}
	if err != nil {
		return nil, errors.ErrInternal("failed to read ledger tail").WithCause(err)
	}
	return &last, nil
}

func (r *AuditRepository) Query(ctx context.Context, window models.TimeWindow, filter models.AuditFilter) ([]*models.AuditEntry, error) {
	q := r.db.WithContext(ctx).Order("sequence ASC")
	if !window.From.IsZero() {
		q = q.Where(clause.Gte{Column: clause.Column{Name: "timestamp"}, Value: window.From})
	}
	if !window.To.IsZero() {
		q = q.Where(clause.Lte{Column: clause.Column{Name: "timestamp"}, Value: window.To})
	}
	if filter.ActorID != "" {
		q = q.Where("actor_id = ?", filter.ActorID)
	}
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	if filter.Result != "" {
		q = q.Where("result = ?", filter.Result)
	}
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	entries := make([]*models.AuditEntry, 0)
	if err := q.Find(&entries).Error; err != nil {
		return nil, errors.ErrInternal("failed to query audit entries").WithCause(err)
	}
	return entries, nil
}

// Anonymize narrows candidates in SQL and applies the rewrite in Go so the rules match
// the in-memory store exactly. All rewrites commit together.
func (r *AuditRepository) Anonymize(ctx context.Context, subjectID, pseudonym string, piiKeys []string) (int, error) {
	changed := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []*models.AuditEntry
		err := tx.Where("actor_id = ? OR resource_ref = ? OR resource_ref LIKE ? OR metadata LIKE ?",
			subjectID, subjectID, subjectID+":%", "%"+subjectID+"%").
			Order("sequence ASC").
			Find(&candidates).Error
		if err != nil {
			return err
		}
		for _, e := range candidates {
			if !e.Anonymize(subjectID, pseudonym, piiKeys) {
				continue
			}
			err := tx.Model(e).Select("ActorID", "ResourceRef", "Metadata", "Anonymized").Updates(e).Error
			if err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, errors.ErrInternal("failed to anonymize audit entries").WithCause(err)
	}
	return changed, nil
}
