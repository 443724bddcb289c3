package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"expenseexport/internal/model"
	"expenseexport/internal/repository"
	"expenseexport/pkg/apperr"
	"expenseexport/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BatchService owns the batch lifecycle around the pipeline stages:
// creation, deletion, operator fixes and the read side.
type BatchService struct {
	stage
}

func NewBatchService(d Deps) *BatchService {
	return &BatchService{stage: newStage(d)}
}

type CreateBatchRequest struct {
	ExportType  model.ExportType
	PeriodStart time.Time
	PeriodEnd   time.Time
	EntityID    string
	CostCentre  string
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CreateBatch opens a draft batch for a period. Periods are whole days and
// must not overlap an open batch of the same type and scope.
func (s *BatchService) CreateBatch(ctx context.Context, req *CreateBatchRequest, actor string) (*model.ExportBatch, error) {
	if !req.ExportType.IsValid() {
		return nil, apperr.BadRequest("unknown export type %q", req.ExportType)
	}
	start, end := truncateDay(req.PeriodStart), truncateDay(req.PeriodEnd)
	if !start.Before(end) {
		return nil, apperr.BadRequest("period_start must be before period_end")
	}

	batch := &model.ExportBatch{
		BatchNo:     idgen.GenerateBatchNo(s.clock()),
		ExportType:  req.ExportType,
		PeriodStart: start,
		PeriodEnd:   end,
		EntityID:    strings.TrimSpace(req.EntityID),
		CostCentre:  strings.TrimSpace(req.CostCentre),
		Status:      model.BatchStatusDraft,
		TotalAmount: decimal.Zero,
		Currency:    s.defaultCurrency(),
		CreatedBy:   actor,
	}
	batch.ScopeKey = model.ScopeKeyOf(batch.EntityID, batch.CostCentre)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		overlapping, err := s.batchRepo.FindActiveOverlapping(ctx, tx, batch)
		if err != nil {
			return fmt.Errorf("check overlapping batches: %w", err)
		}
		if len(overlapping) > 0 {
			return apperr.Conflict(nil, "period overlaps open batch %s", overlapping[0].BatchNo)
		}

		if err := s.batchRepo.Create(ctx, tx, batch); err != nil {
			return fmt.Errorf("create batch: %w", err)
		}

		return s.audit(ctx, tx, batch.ID, actor, "", batch.Status, model.CreateDetails{
			ExportType:  batch.ExportType,
			PeriodStart: start.Format("2006-01-02"),
			PeriodEnd:   end.Format("2006-01-02"),
			ScopeKey:    batch.ScopeKey,
		})
	})
	s.metrics.ObserveStage("create_batch", err)
	if err != nil {
		return nil, err
	}

	s.log.Info("batch created",
		zap.Int64("batch_id", batch.ID),
		zap.String("batch_no", batch.BatchNo),
		zap.String("export_type", string(batch.ExportType)),
	)
	return batch, nil
}

func (s *BatchService) GetBatch(ctx context.Context, batchID int64) (*model.ExportBatch, error) {
	return s.batchRepo.GetByID(ctx, batchID)
}

func (s *BatchService) ListBatches(ctx context.Context, f repository.BatchFilter, page, pageSize int) ([]*model.ExportBatch, int64, error) {
	if f.ExportType != "" && !f.ExportType.IsValid() {
		return nil, 0, apperr.BadRequest("unknown export type %q", f.ExportType)
	}
	if f.Status != "" && !f.Status.IsValid() {
		return nil, 0, apperr.BadRequest("unknown batch status %q", f.Status)
	}
	page, pageSize = PageBounds(page, pageSize)
	return s.batchRepo.List(ctx, f, page, pageSize)
}

// PageBounds clamps paging input to page >= 1 and 1..100 rows per page,
// falling back to 20 rows.
func PageBounds(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// ListRecords returns the records of a batch, optionally of one status.
func (s *BatchService) ListRecords(ctx context.Context, batchID int64, status model.RecordStatus) ([]*model.ExportRecord, error) {
	if _, err := s.batchRepo.GetByID(ctx, batchID); err != nil {
		return nil, err
	}
	if status == "" {
		return s.recordRepo.ListByBatch(ctx, nil, batchID)
	}
	if !status.IsValid() {
		return nil, apperr.BadRequest("unknown record status %q", status)
	}
	return s.recordRepo.ListByBatchAndStatus(ctx, nil, batchID, status)
}

// ListAudit returns the audit trail of a batch. Entries of deleted
// batches remain readable.
func (s *BatchService) ListAudit(ctx context.Context, batchID int64) ([]*model.AuditEntry, error) {
	return s.auditRepo.ListByBatch(ctx, batchID)
}

// DeleteBatch removes a draft batch and its records. Any other status is
// refused so no in-flight or posted batch loses its evidence.
func (s *BatchService) DeleteBatch(ctx context.Context, batchID int64, actor string) error {
	return s.run(ctx, "delete_batch", batchID, actor, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			batch, err := s.batchRepo.GetForUpdate(ctx, tx, batchID)
			if err != nil {
				return err
			}
			if err := allowed(batch, model.BatchEventDelete); err != nil {
				return apperr.InvalidState("only draft batches can be deleted (batch %d is %s)", batch.ID, batch.Status)
			}

			n, err := s.recordRepo.DeleteByBatch(ctx, tx, batch.ID)
			if err != nil {
				return fmt.Errorf("delete records: %w", err)
			}
			if err := s.batchRepo.Delete(ctx, tx, batch.ID); err != nil {
				return err
			}

			return s.audit(ctx, tx, batch.ID, actor, batch.Status, "", model.DeleteDetails{
				BatchNo:      batch.BatchNo,
				RecordsCount: int(n),
			})
		})
	})
}

// DeferRecords detaches records from the batch without failing them. Their
// source rows become available to a later batch.
func (s *BatchService) DeferRecords(ctx context.Context, batchID int64, recordIDs []int64, actor string) error {
	if len(recordIDs) == 0 {
		return apperr.BadRequest("record ids are required")
	}
	return s.run(ctx, "defer_records", batchID, actor, func() error {
		return s.changeRecords(ctx, batchID, recordIDs, actor, model.RecordEventDefer, model.RecordStatusDeferred,
			func(ids []int64) model.AuditDetails { return model.DeferDetails{RecordIDs: ids} })
	})
}

// RetryRecords puts failed records back to pending so they are validated
// and exported again. The source row is re-claimed, which fails with a
// conflict when another batch took it in the meantime.
func (s *BatchService) RetryRecords(ctx context.Context, batchID int64, recordIDs []int64, actor string) error {
	if len(recordIDs) == 0 {
		return apperr.BadRequest("record ids are required")
	}
	return s.run(ctx, "retry_records", batchID, actor, func() error {
		return s.changeRecords(ctx, batchID, recordIDs, actor, model.RecordEventRetry, model.RecordStatusPending,
			func(ids []int64) model.AuditDetails { return model.RetryDetails{RecordIDs: ids} })
	})
}

// changeRecords applies a record event to a set of records of an editable
// batch. Records already in the target status are skipped.
func (s *BatchService) changeRecords(ctx context.Context, batchID int64, recordIDs []int64, actor string,
	event model.RecordEvent, target model.RecordStatus, details func([]int64) model.AuditDetails) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		batch, err := s.batchRepo.GetForUpdate(ctx, tx, batchID)
		if err != nil {
			return err
		}
		oldStatus := batch.Status
		if err := allowed(batch, model.BatchEventEdit); err != nil {
			return err
		}

		records, err := s.recordRepo.GetByIDs(ctx, tx, batch.ID, recordIDs)
		if err != nil {
			return err
		}

		var changed []int64
		for _, r := range records {
			if r.Status == target {
				continue
			}
			if err := move(r, event); err != nil {
				return err
			}
			if event == model.RecordEventRetry {
				r.ExternalStatus = ""
				r.FailureReason = ""
			}
			if err := s.recordRepo.Save(ctx, tx, r); err != nil {
				return fmt.Errorf("save record %d: %w", r.ID, err)
			}
			changed = append(changed, r.ID)
		}
		if len(changed) == 0 {
			return nil
		}

		// a retried record needs validation again
		if event == model.RecordEventRetry {
			if err := advance(batch, model.BatchEventEdit, model.BatchGuard{}); err != nil {
				return err
			}
		}

		all, err := s.recordRepo.ListByBatch(ctx, tx, batch.ID)
		if err != nil {
			return fmt.Errorf("list batch records: %w", err)
		}
		recomputeBatchTotals(batch, all, s.defaultCurrency())
		if err := s.batchRepo.Save(ctx, tx, batch, oldStatus); err != nil {
			return fmt.Errorf("save batch: %w", err)
		}

		s.metrics.AddRecords(string(event), len(changed))
		return s.audit(ctx, tx, batch.ID, actor, oldStatus, batch.Status, details(changed))
	})
}

// RecordPatch carries the out-of-band corrections an operator may make to
// a record before export. Nil fields are left unchanged.
type RecordPatch struct {
	PayrollID  *string
	CostCentre *string
	Currency   *string
	Amount     *decimal.Decimal
}

func (p RecordPatch) empty() bool {
	return p.PayrollID == nil && p.CostCentre == nil && p.Currency == nil && p.Amount == nil
}

// UpdateRecord corrects a record of a draft or validated batch. The edit
// invalidates any earlier validation: the record returns to pending and
// the batch to draft.
func (s *BatchService) UpdateRecord(ctx context.Context, batchID, recordID int64, patch RecordPatch, actor string) (*model.ExportRecord, error) {
	if patch.empty() {
		return nil, apperr.BadRequest("nothing to update")
	}

	var record *model.ExportRecord
	err := s.run(ctx, "update_record", batchID, actor, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			batch, err := s.batchRepo.GetForUpdate(ctx, tx, batchID)
			if err != nil {
				return err
			}
			oldStatus := batch.Status
			if err := advance(batch, model.BatchEventEdit, model.BatchGuard{}); err != nil {
				return err
			}

			record, err = s.recordRepo.GetByID(ctx, tx, batch.ID, recordID)
			if err != nil {
				return err
			}
			switch record.Status {
			case model.RecordStatusPending:
			case model.RecordStatusIncluded:
				if err := move(record, model.RecordEventDemote); err != nil {
					return err
				}
			default:
				return apperr.InvalidState("record %d is %s and can no longer be edited", record.ID, record.Status)
			}

			changes := make(map[string]string)
			if patch.PayrollID != nil {
				record.PayrollID = strings.TrimSpace(*patch.PayrollID)
				changes["payroll_id"] = record.PayrollID
			}
			if patch.CostCentre != nil {
				record.CostCentre = strings.TrimSpace(*patch.CostCentre)
				changes["cost_centre"] = record.CostCentre
			}
			if patch.Currency != nil {
				record.Currency = strings.ToUpper(strings.TrimSpace(*patch.Currency))
				changes["currency"] = record.Currency
			}
			if patch.Amount != nil {
				record.Amount = *patch.Amount
				changes["amount"] = record.Amount.String()
			}

			if err := s.recordRepo.Save(ctx, tx, record); err != nil {
				return fmt.Errorf("save record %d: %w", record.ID, err)
			}

			all, err := s.recordRepo.ListByBatch(ctx, tx, batch.ID)
			if err != nil {
				return fmt.Errorf("list batch records: %w", err)
			}
			recomputeBatchTotals(batch, all, s.defaultCurrency())
			if err := s.batchRepo.Save(ctx, tx, batch, oldStatus); err != nil {
				return fmt.Errorf("save batch: %w", err)
			}

			return s.audit(ctx, tx, batch.ID, actor, oldStatus, batch.Status, model.PatchDetails{
				RecordID: record.ID,
				Changes:  changes,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}
