package service

import (
	"context"
	"fmt"
	"strings"

	"expenseexport/internal/exportfile"
	"expenseexport/internal/model"
	"expenseexport/pkg/apperr"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Exporter serialises a batch into the artifact sent to finance.
type Exporter struct {
	stage
}

func NewExporter(d Deps) *Exporter {
	return &Exporter{stage: newStage(d)}
}

type ExportResult struct {
	FileName        string          `json:"fileName"`
	FileContent     string          `json:"fileContent"`
	RecordsExported int             `json:"recordsExported"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Status          string          `json:"status"`
}

// Export writes every included record of a validated batch.
func (e *Exporter) Export(ctx context.Context, batchID int64, actor string) (*ExportResult, error) {
	var result *ExportResult
	err := e.run(ctx, "export", batchID, actor, func() error {
		var err error
		result, err = e.export(ctx, batchID, actor, false)
		return err
	})
	return result, err
}

// ReExport serialises again the records that are exported or that the ERP
// rejected after an earlier export. Export keys and amounts are left
// untouched. Records rejected before they were ever exported are not
// picked up; they go back through retry and validation.
func (e *Exporter) ReExport(ctx context.Context, batchID int64, actor string) (*ExportResult, error) {
	var result *ExportResult
	err := e.run(ctx, "re_export", batchID, actor, func() error {
		var err error
		result, err = e.export(ctx, batchID, actor, true)
		return err
	})
	return result, err
}

func (e *Exporter) export(ctx context.Context, batchID int64, actor string, reExport bool) (*ExportResult, error) {
	event, recordEvent := model.BatchEventExport, model.RecordEventExport
	selected := []model.RecordStatus{model.RecordStatusIncluded}
	if reExport {
		event, recordEvent = model.BatchEventReExport, model.RecordEventReExport
		selected = []model.RecordStatus{model.RecordStatusExported, model.RecordStatusFailed}
	}

	result := &ExportResult{}
	err := e.db.Transaction(func(tx *gorm.DB) error {
		batch, err := e.batchRepo.GetForUpdate(ctx, tx, batchID)
		if err != nil {
			return err
		}
		oldStatus := batch.Status
		if !reExport && batch.Status != model.BatchStatusValidated {
			return apperr.InvalidState("batch %d must be validated before export (status %s)", batch.ID, batch.Status)
		}
		if err := allowed(batch, event); err != nil {
			return err
		}

		records, err := e.recordRepo.ListByBatchAndStatus(ctx, tx, batch.ID, selected...)
		if err != nil {
			return fmt.Errorf("list records to export: %w", err)
		}
		if reExport {
			records = reExportable(records)
		}
		if len(records) == 0 {
			return apperr.InvalidState("batch %d has no records to export", batch.ID)
		}

		now := e.clock()
		for _, r := range records {
			if err := move(r, recordEvent); err != nil {
				return err
			}
			if r.FirstExportedAt == nil {
				r.FirstExportedAt = &now
			}
			r.LastExportedAt = &now
			r.ExternalStatus = ""
			r.FailureReason = ""
			// a failed record re-claims its source row here
			if err := e.recordRepo.Save(ctx, tx, r); err != nil {
				return fmt.Errorf("mark record %d exported: %w", r.ID, err)
			}
		}

		content, err := exportfile.RenderCSV(records)
		if err != nil {
			return fmt.Errorf("render export file: %w", err)
		}

		if err := advance(batch, event, model.BatchGuard{}); err != nil {
			return err
		}
		batch.ExportFileName = exportfile.FileName(batch.BatchNo, now, reExport)
		batch.ExportedAt = &now
		batch.ExportedBy = actor
		if reExport {
			batch.ReExportCount++
		}

		all, err := e.recordRepo.ListByBatch(ctx, tx, batch.ID)
		if err != nil {
			return fmt.Errorf("list batch records: %w", err)
		}
		recomputeBatchTotals(batch, all, e.defaultCurrency())
		if err := e.batchRepo.Save(ctx, tx, batch, oldStatus); err != nil {
			return fmt.Errorf("save batch: %w", err)
		}

		result.FileName = batch.ExportFileName
		result.FileContent = string(content)
		result.RecordsExported = len(records)
		result.TotalAmount = sumAmounts(records)
		result.Status = string(batch.Status)

		eventType := model.EventBatchExported
		if reExport {
			eventType = model.EventBatchReExported
		}
		if err := e.enqueue(ctx, tx, eventType, batch, len(records)); err != nil {
			return fmt.Errorf("enqueue %s event: %w", eventType, err)
		}

		return e.audit(ctx, tx, batch.ID, actor, oldStatus, batch.Status, model.ExportDetails{
			FileName:        result.FileName,
			RecordsExported: result.RecordsExported,
			TotalAmount:     result.TotalAmount,
			ReExport:        reExport,
			ReExportCount:   batch.ReExportCount,
		})
	})
	if err != nil {
		return nil, err
	}

	e.metrics.AddRecords(string(event), result.RecordsExported)
	e.log.Info("batch exported",
		zap.Int64("batch_id", batchID),
		zap.Bool("re_export", reExport),
		zap.String("file", result.FileName),
		zap.Int("records", result.RecordsExported),
		zap.String("total_amount", result.TotalAmount.String()),
	)
	return result, nil
}

// Workbook renders the exported and posted records of a batch as xlsx.
func (e *Exporter) Workbook(ctx context.Context, batchID int64) (string, []byte, error) {
	batch, err := e.batchRepo.GetByID(ctx, batchID)
	if err != nil {
		return "", nil, err
	}
	if batch.ExportFileName == "" {
		return "", nil, apperr.InvalidState("batch %d has not been exported", batch.ID)
	}

	records, err := e.recordRepo.ListByBatchAndStatus(ctx, nil, batch.ID, model.RecordStatusExported, model.RecordStatusPosted)
	if err != nil {
		return "", nil, fmt.Errorf("list exported records: %w", err)
	}
	content, err := exportfile.RenderXLSX(records)
	if err != nil {
		return "", nil, fmt.Errorf("render workbook: %w", err)
	}
	return strings.TrimSuffix(batch.ExportFileName, ".csv") + ".xlsx", content, nil
}

func reExportable(records []*model.ExportRecord) []*model.ExportRecord {
	out := records[:0]
	for _, r := range records {
		if r.Status == model.RecordStatusExported || r.AwaitsReExport() {
			out = append(out, r)
		}
	}
	return out
}
