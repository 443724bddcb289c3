package service

import (
	"context"
	"fmt"

	"expenseexport/internal/model"
	"expenseexport/internal/repository"
	"expenseexport/pkg/apperr"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ERPActor is recorded on audit entries written from posting confirmations.
const ERPActor = "erp"

// PostingTracker applies ERP postings and rejections and computes
// reconciliation figures.
type PostingTracker struct {
	stage
}

func NewPostingTracker(d Deps) *PostingTracker {
	return &PostingTracker{stage: newStage(d)}
}

type PostingResult struct {
	Affected         int               `json:"affected"`
	Remaining        int               `json:"remaining"`
	AwaitingReExport int               `json:"awaiting_re_export"`
	Status           model.BatchStatus `json:"status"`
}

// MarkPosted marks the given records posted. With no ids every record
// still in exported status is posted. The batch closes once no record
// remains exported and no rejected record is waiting to be re-exported.
func (p *PostingTracker) MarkPosted(ctx context.Context, batchID int64, recordIDs []int64, externalRef, actor string) (*PostingResult, error) {
	var result *PostingResult
	err := p.run(ctx, "mark_posted", batchID, actor, func() error {
		var err error
		result, err = p.markPosted(ctx, batchID, recordIDs, externalRef, actor)
		return err
	})
	return result, err
}

func (p *PostingTracker) markPosted(ctx context.Context, batchID int64, recordIDs []int64, externalRef, actor string) (*PostingResult, error) {
	result := &PostingResult{}
	err := p.db.Transaction(func(tx *gorm.DB) error {
		batch, err := p.batchRepo.GetForUpdate(ctx, tx, batchID)
		if err != nil {
			return err
		}
		oldStatus := batch.Status
		if batch.Status != model.BatchStatusExported && batch.Status != model.BatchStatusReExported {
			return apperr.InvalidState("batch %d: postings are only accepted for exported batches (status %s)", batch.ID, batch.Status)
		}

		var targets []*model.ExportRecord
		if len(recordIDs) == 0 {
			targets, err = p.recordRepo.ListByBatchAndStatus(ctx, tx, batch.ID, model.RecordStatusExported)
			if err != nil {
				return fmt.Errorf("list exported records: %w", err)
			}
			if len(targets) == 0 {
				return apperr.InvalidState("batch %d has no exported records to post", batch.ID)
			}
		} else {
			targets, err = p.recordRepo.GetByIDs(ctx, tx, batch.ID, recordIDs)
			if err != nil {
				return err
			}
		}

		now := p.clock()
		var posted []int64
		for _, r := range targets {
			if r.Status == model.RecordStatusPosted {
				continue
			}
			if err := move(r, model.RecordEventPost); err != nil {
				return err
			}
			r.ExternalStatus = model.ExternalStatusPosted
			if externalRef != "" {
				r.ExternalRef = externalRef
			}
			r.PostedAt = &now
			if err := p.recordRepo.Save(ctx, tx, r); err != nil {
				return fmt.Errorf("mark record %d posted: %w", r.ID, err)
			}
			posted = append(posted, r.ID)
		}

		all, err := p.recordRepo.ListByBatch(ctx, tx, batch.ID)
		if err != nil {
			return fmt.Errorf("list batch records: %w", err)
		}
		result.Remaining = countStatus(all, model.RecordStatusExported)
		result.AwaitingReExport = countAwaitingReExport(all)
		result.Affected = len(posted)
		if len(posted) == 0 {
			// every id was already posted
			result.Status = batch.Status
			return nil
		}

		recomputeBatchTotals(batch, all, p.defaultCurrency())
		batch.PostedAt = &now
		if result.Remaining == 0 && result.AwaitingReExport == 0 {
			guard := model.BatchGuard{ExportedRecords: result.Remaining, AwaitingReExport: result.AwaitingReExport}
			if err := advance(batch, model.BatchEventClose, guard); err != nil {
				return err
			}
			batch.ClosedAt = &now
		}
		if err := p.batchRepo.Save(ctx, tx, batch, oldStatus); err != nil {
			return fmt.Errorf("save batch: %w", err)
		}
		result.Status = batch.Status

		if batch.Status == model.BatchStatusClosed {
			if err := p.enqueue(ctx, tx, model.EventBatchClosed, batch, countStatus(all, model.RecordStatusPosted)); err != nil {
				return fmt.Errorf("enqueue close event: %w", err)
			}
		}

		return p.audit(ctx, tx, batch.ID, actor, oldStatus, batch.Status, model.PostingDetails{
			RecordIDs:   posted,
			Outcome:     model.ExternalStatusPosted,
			ExternalRef: externalRef,
			Remaining:   result.Remaining,
		})
	})
	if err != nil {
		return nil, err
	}

	p.metrics.AddRecords("mark_posted", result.Affected)
	p.log.Info("records posted",
		zap.Int64("batch_id", batchID),
		zap.Int("posted", result.Affected),
		zap.Int("remaining", result.Remaining),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

// MarkFailed records an ERP rejection (or an operator rejection of a
// pending record). Failed records release their source row and drop out
// of the batch total; the batch itself stays open for a re-export.
func (p *PostingTracker) MarkFailed(ctx context.Context, batchID int64, recordIDs []int64, reason, actor string) (*PostingResult, error) {
	if len(recordIDs) == 0 {
		return nil, apperr.BadRequest("record ids are required")
	}

	var result *PostingResult
	err := p.run(ctx, "mark_failed", batchID, actor, func() error {
		var err error
		result, err = p.markFailed(ctx, batchID, recordIDs, reason, actor)
		return err
	})
	return result, err
}

func (p *PostingTracker) markFailed(ctx context.Context, batchID int64, recordIDs []int64, reason, actor string) (*PostingResult, error) {
	result := &PostingResult{}
	err := p.db.Transaction(func(tx *gorm.DB) error {
		batch, err := p.batchRepo.GetForUpdate(ctx, tx, batchID)
		if err != nil {
			return err
		}
		oldStatus := batch.Status
		if batch.Status == model.BatchStatusClosed {
			return apperr.InvalidState("batch %d is closed", batch.ID)
		}

		targets, err := p.recordRepo.GetByIDs(ctx, tx, batch.ID, recordIDs)
		if err != nil {
			return err
		}

		var failed []int64
		for _, r := range targets {
			if r.Status == model.RecordStatusFailed {
				continue
			}
			if err := move(r, model.RecordEventFail); err != nil {
				return err
			}
			r.ExternalStatus = model.ExternalStatusRejected
			r.FailureReason = reason
			if err := p.recordRepo.Save(ctx, tx, r); err != nil {
				return fmt.Errorf("mark record %d failed: %w", r.ID, err)
			}
			failed = append(failed, r.ID)
		}

		all, err := p.recordRepo.ListByBatch(ctx, tx, batch.ID)
		if err != nil {
			return fmt.Errorf("list batch records: %w", err)
		}
		result.Remaining = countStatus(all, model.RecordStatusExported)
		result.AwaitingReExport = countAwaitingReExport(all)
		result.Affected = len(failed)
		result.Status = batch.Status
		if len(failed) == 0 {
			return nil
		}

		recomputeBatchTotals(batch, all, p.defaultCurrency())
		if err := p.batchRepo.Save(ctx, tx, batch, oldStatus); err != nil {
			return fmt.Errorf("save batch: %w", err)
		}

		return p.audit(ctx, tx, batch.ID, actor, oldStatus, batch.Status, model.PostingDetails{
			RecordIDs: failed,
			Outcome:   model.ExternalStatusRejected,
			Reason:    reason,
			Remaining: result.Remaining,
		})
	})
	if err != nil {
		return nil, err
	}

	p.metrics.AddRecords("mark_failed", result.Affected)
	p.log.Warn("records rejected",
		zap.Int64("batch_id", batchID),
		zap.Int("failed", result.Affected),
		zap.String("reason", reason),
	)
	return result, nil
}

// ApplyPosted and ApplyFailed let the posting consumer feed confirmations
// through the same paths as the HTTP surface.
func (p *PostingTracker) ApplyPosted(ctx context.Context, batchID int64, recordIDs []int64, externalRef, actor string) error {
	_, err := p.MarkPosted(ctx, batchID, recordIDs, externalRef, actorOr(actor))
	return err
}

func (p *PostingTracker) ApplyFailed(ctx context.Context, batchID int64, recordIDs []int64, reason, actor string) error {
	_, err := p.MarkFailed(ctx, batchID, recordIDs, reason, actorOr(actor))
	return err
}

func actorOr(actor string) string {
	if actor == "" {
		return ERPActor
	}
	return actor
}

// Reconciliation compares what was exported with what the ERP confirmed.
// PendingAmount is the money in flight and always equals ExportedAmount.
type Reconciliation struct {
	ExportedCount  int             `json:"exportedCount"`
	ExportedAmount decimal.Decimal `json:"exportedAmount"`
	PostedCount    int             `json:"postedCount"`
	PostedAmount   decimal.Decimal `json:"postedAmount"`
	PendingCount   int             `json:"pendingCount"`
	PendingAmount  decimal.Decimal `json:"pendingAmount"`
	FailedCount    int             `json:"failedCount"`
	FailedAmount   decimal.Decimal `json:"failedAmount"`
	Variance       decimal.Decimal `json:"variance"`
}

// Reconcile folds records into reconciliation figures. It reads nothing
// but the slice it is given.
func Reconcile(records []*model.ExportRecord) Reconciliation {
	rec := Reconciliation{
		ExportedAmount: decimal.Zero,
		PostedAmount:   decimal.Zero,
		FailedAmount:   decimal.Zero,
	}
	for _, r := range records {
		switch r.Status {
		case model.RecordStatusExported:
			rec.ExportedCount++
			rec.ExportedAmount = rec.ExportedAmount.Add(r.Amount)
		case model.RecordStatusPosted:
			rec.PostedCount++
			rec.PostedAmount = rec.PostedAmount.Add(r.Amount)
		case model.RecordStatusFailed:
			rec.FailedCount++
			rec.FailedAmount = rec.FailedAmount.Add(r.Amount)
		}
	}
	rec.PendingCount = rec.ExportedCount
	rec.PendingAmount = rec.ExportedAmount
	rec.Variance = rec.ExportedAmount.Sub(rec.PostedAmount)
	return rec
}

// GetReconciliation is read-only and takes no lock.
func (p *PostingTracker) GetReconciliation(ctx context.Context, f repository.RecordFilter) (*Reconciliation, error) {
	if f.ExportType != "" && !f.ExportType.IsValid() {
		return nil, apperr.BadRequest("unknown export type %q", f.ExportType)
	}
	records, err := p.recordRepo.ListForReconciliation(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("load reconciliation records: %w", err)
	}
	rec := Reconcile(records)
	return &rec, nil
}
