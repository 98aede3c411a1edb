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

// DEKRepository stores wrapped DEKs in the data_encryption_keys table.
type DEKRepository struct {
	db *gorm.DB
}

// NewDEKRepository creates a repository over db.
func NewDEKRepository(db *gorm.DB) *DEKRepository {
	return &DEKRepository{db: db}
}

var _ repository.DEKRepository = (*DEKRepository)(nil)

func (r *DEKRepository) Get(ctx context.Context, tenantID string) (*models.DataEncryptionKey, error) {
	var dek models.DataEncryptionKey
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&dek).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrNotFound("dek", tenantID)
	}
	if err != nil {
		return nil, errors.ErrInternal("failed to load dek").WithCause(err)
	}
	return &dek, nil
}

// InsertIfAbsent relies on the unique tenant_id index, so concurrent creators on
// different nodes converge on the first committed row.
func (r *DEKRepository) InsertIfAbsent(ctx context.Context, dek *models.DataEncryptionKey) (*models.DataEncryptionKey, bool, error) {
	row := dek.Clone()
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tenant_id"}}, DoNothing: true}).
		Create(row)
	if res.Error != nil {
		return nil, false, errors.ErrInternal("failed to insert dek").WithCause(res.Error)
	}
	if res.RowsAffected == 1 {
		return row, true, nil
	}
	existing, err := r.Get(ctx, dek.TenantID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *DEKRepository) Replace(ctx context.Context, dek *models.DataEncryptionKey) error {
	row := dek.Clone()
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"wrapped_key", "nonce", "master_key_id", "algorithm", "provenance", "updated_at",
				"staged_wrapped_key", "staged_nonce", "staged_master_key_id",
			}),
		}).
		Create(row).Error
	if err != nil {
		return errors.ErrInternal("failed to replace dek").WithCause(err)
	}
	return nil
}

func (r *DEKRepository) List(ctx context.Context) ([]*models.DataEncryptionKey, error) {
	var deks []*models.DataEncryptionKey
	if err := r.db.WithContext(ctx).Order("tenant_id").Find(&deks).Error; err != nil {
		return nil, errors.ErrInternal("failed to list deks").WithCause(err)
	}
	return deks, nil
}

// Stage compares the active wrap in the WHERE clause, so a concurrent Replace makes
// it match nothing.
func (r *DEKRepository) Stage(ctx context.Context, current *models.DataEncryptionKey, masterKeyID string, wrapped, nonce []byte) error {
	res := r.db.WithContext(ctx).Model(&models.DataEncryptionKey{}).
		Where("tenant_id = ? AND wrapped_key = ?", current.TenantID, current.WrappedKey).
		Updates(map[string]interface{}{
			"staged_wrapped_key":   wrapped,
			"staged_nonce":         nonce,
			"staged_master_key_id": masterKeyID,
		})
	if res.Error != nil {
		return errors.ErrInternal("failed to stage dek").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, current.TenantID); err != nil {
			return err
		}
		return errors.ErrConflict("dek of tenant " + current.TenantID + " changed while staging")
	}
	return nil
}

// PromoteStaged runs as a single UPDATE; either every staged wrap becomes active or none does.
func (r *DEKRepository) PromoteStaged(ctx context.Context, masterKeyID string) (int, error) {
	res := r.db.WithContext(ctx).Model(&models.DataEncryptionKey{}).
		Where("staged_master_key_id = ? AND staged_wrapped_key IS NOT NULL", masterKeyID).
		Updates(map[string]interface{}{
			"wrapped_key":          gorm.Expr("staged_wrapped_key"),
			"nonce":                gorm.Expr("staged_nonce"),
			"master_key_id":        gorm.Expr("staged_master_key_id"),
			"staged_wrapped_key":   nil,
			"staged_nonce":         nil,
			"staged_master_key_id": "",
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, errors.ErrInternal("failed to promote staged deks").WithCause(res.Error)
	}
	return int(res.RowsAffected), nil
}
