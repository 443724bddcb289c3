package repository

import (
	"context"

	"expenseexport/internal/model"

	"gorm.io/gorm"
)

// AuditRepository is the append-only audit sink. It exposes no update or
// delete path.
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, tx *gorm.DB, entry *model.AuditEntry) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *AuditRepository) ListByBatch(ctx context.Context, batchID int64) ([]*model.AuditEntry, error) {
	var entries []*model.AuditEntry
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}
