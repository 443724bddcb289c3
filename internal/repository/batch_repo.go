package repository

import (
	"context"
	"errors"

	"expenseexport/internal/model"
	"expenseexport/pkg/apperr"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BatchRepository struct {
	db *gorm.DB
}

func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *BatchRepository) Create(ctx context.Context, tx *gorm.DB, batch *model.ExportBatch) error {
	return r.conn(tx).WithContext(ctx).Create(batch).Error
}

func (r *BatchRepository) GetByID(ctx context.Context, id int64) (*model.ExportBatch, error) {
	var batch model.ExportBatch
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("batch %d not found", id)
		}
		return nil, err
	}
	return &batch, nil
}

// GetForUpdate row-locks the batch inside tx so stage calls on the same
// batch serialise at the database.
func (r *BatchRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.ExportBatch, error) {
	var batch model.ExportBatch
	query := tx.WithContext(ctx)
	if tx.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("id = ?", id).First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("batch %d not found", id)
		}
		return nil, err
	}
	return &batch, nil
}

// FindActiveOverlapping returns active batches of the same type and scope
// whose period intersects [start, end].
func (r *BatchRepository) FindActiveOverlapping(ctx context.Context, tx *gorm.DB, b *model.ExportBatch) ([]*model.ExportBatch, error) {
	var batches []*model.ExportBatch
	err := r.conn(tx).WithContext(ctx).
		Where("export_type = ? AND scope_key = ? AND status <> ?", b.ExportType, b.ScopeKey, model.BatchStatusClosed).
		Where("period_start <= ? AND period_end >= ?", b.PeriodEnd, b.PeriodStart).
		Find(&batches).Error
	return batches, err
}

// Save writes every column of batch. Guarded by status so that a stage
// working from a stale read cannot overwrite a concurrent transition.
func (r *BatchRepository) Save(ctx context.Context, tx *gorm.DB, batch *model.ExportBatch, expected model.BatchStatus) error {
	result := r.conn(tx).WithContext(ctx).
		Model(batch).
		Where("status = ?", expected).
		Select("*").
		Omit("created_at").
		Updates(batch)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperr.InvalidState("batch %d is no longer %s", batch.ID, expected)
	}
	return nil
}

func (r *BatchRepository) Delete(ctx context.Context, tx *gorm.DB, id int64) error {
	result := r.conn(tx).WithContext(ctx).
		Where("id = ? AND status = ?", id, model.BatchStatusDraft).
		Delete(&model.ExportBatch{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperr.InvalidState("only draft batches can be deleted")
	}
	return nil
}

type BatchFilter struct {
	ExportType model.ExportType
	Status     model.BatchStatus
}

func (r *BatchRepository) List(ctx context.Context, f BatchFilter, page, pageSize int) ([]*model.ExportBatch, int64, error) {
	var batches []*model.ExportBatch
	var total int64

	query := r.db.WithContext(ctx).Model(&model.ExportBatch{})
	if f.ExportType != "" {
		query = query.Where("export_type = ?", f.ExportType)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&batches).Error

	return batches, total, err
}
