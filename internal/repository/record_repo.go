package repository

import (
	"context"
	"errors"

	"expenseexport/internal/model"
	"expenseexport/pkg/apperr"

	"gorm.io/gorm"
)

type RecordRepository struct {
	db *gorm.DB
}

func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

func (r *RecordRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Create inserts a record. A unique-index violation on the claim key means
// another batch holds the source row and is reported as a conflict.
func (r *RecordRepository) Create(ctx context.Context, tx *gorm.DB, record *model.ExportRecord) error {
	record.SyncClaim()
	err := r.conn(tx).WithContext(ctx).Create(record).Error
	if IsDuplicateKey(err) {
		return apperr.Conflict(err, "source %s/%s is already claimed by another batch", record.SourceType, record.SourceID)
	}
	return err
}

// Save writes every column of record and keeps the claim in step with
// the status.
func (r *RecordRepository) Save(ctx context.Context, tx *gorm.DB, record *model.ExportRecord) error {
	record.SyncClaim()
	err := r.conn(tx).WithContext(ctx).
		Model(record).
		Select("*").
		Omit("created_at").
		Updates(record).Error
	if IsDuplicateKey(err) {
		return apperr.Conflict(err, "source %s/%s is already claimed by another batch", record.SourceType, record.SourceID)
	}
	return err
}

func (r *RecordRepository) ListByBatch(ctx context.Context, tx *gorm.DB, batchID int64) ([]*model.ExportRecord, error) {
	var records []*model.ExportRecord
	err := r.conn(tx).WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

func (r *RecordRepository) ListByBatchAndStatus(ctx context.Context, tx *gorm.DB, batchID int64, statuses ...model.RecordStatus) ([]*model.ExportRecord, error) {
	var records []*model.ExportRecord
	err := r.conn(tx).WithContext(ctx).
		Where("batch_id = ? AND status IN ?", batchID, statuses).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

func (r *RecordRepository) GetByIDs(ctx context.Context, tx *gorm.DB, batchID int64, ids []int64) ([]*model.ExportRecord, error) {
	var records []*model.ExportRecord
	err := r.conn(tx).WithContext(ctx).
		Where("batch_id = ? AND id IN ?", batchID, ids).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) != len(uniqueIDs(ids)) {
		return nil, apperr.NotFound("one or more records do not belong to batch %d", batchID)
	}
	return records, nil
}

func (r *RecordRepository) GetByID(ctx context.Context, tx *gorm.DB, batchID, id int64) (*model.ExportRecord, error) {
	var record model.ExportRecord
	err := r.conn(tx).WithContext(ctx).
		Where("batch_id = ? AND id = ?", batchID, id).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("record %d not found in batch %d", id, batchID)
		}
		return nil, err
	}
	return &record, nil
}

// ClaimedElsewhere returns the source ids of sourceType that are held by a
// record of another batch.
func (r *RecordRepository) ClaimedElsewhere(ctx context.Context, tx *gorm.DB, batchID int64, sourceType model.SourceType, sourceIDs []string) (map[string]bool, error) {
	claimed := make(map[string]bool)
	if len(sourceIDs) == 0 {
		return claimed, nil
	}

	var ids []string
	err := r.conn(tx).WithContext(ctx).
		Model(&model.ExportRecord{}).
		Where("batch_id <> ? AND source_type = ? AND status IN ?", batchID, sourceType, model.ClaimingStatuses).
		Where("source_id IN ?", sourceIDs).
		Pluck("source_id", &ids).Error
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		claimed[id] = true
	}
	return claimed, nil
}

func (r *RecordRepository) DeleteByBatch(ctx context.Context, tx *gorm.DB, batchID int64) (int64, error) {
	result := r.conn(tx).WithContext(ctx).
		Where("batch_id = ?", batchID).
		Delete(&model.ExportRecord{})
	return result.RowsAffected, result.Error
}

type RecordFilter struct {
	BatchID    int64
	ExportType model.ExportType
	FromPeriod string
	ToPeriod   string
}

// ListForReconciliation returns records whose status takes part in
// reconciliation, narrowed by the optional filter.
func (r *RecordRepository) ListForReconciliation(ctx context.Context, f RecordFilter) ([]*model.ExportRecord, error) {
	var records []*model.ExportRecord
	query := r.db.WithContext(ctx).
		Model(&model.ExportRecord{}).
		Where("export_record.status IN ?", []model.RecordStatus{model.RecordStatusExported, model.RecordStatusPosted, model.RecordStatusFailed})
	if f.BatchID != 0 {
		query = query.Where("export_record.batch_id = ?", f.BatchID)
	}
	if f.ExportType != "" {
		query = query.
			Select("export_record.*").
			Joins("JOIN export_batch ON export_batch.id = export_record.batch_id").
			Where("export_batch.export_type = ?", f.ExportType)
	}
	if f.FromPeriod != "" {
		query = query.Where("export_record.posting_period >= ?", f.FromPeriod)
	}
	if f.ToPeriod != "" {
		query = query.Where("export_record.posting_period <= ?", f.ToPeriod)
	}
	err := query.Order("export_record.id ASC").Find(&records).Error
	return records, err
}

func uniqueIDs(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
