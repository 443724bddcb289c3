package service

import (
	"context"
	"fmt"
	"time"

	"expenseexport/internal/model"
	"expenseexport/internal/repository"
	"expenseexport/pkg/apperr"
	"expenseexport/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SourceReader is the read-only view of the cost tables.
type SourceReader interface {
	ListSourceRows(ctx context.Context, sourceType model.SourceType, start, end time.Time, scope repository.SourceScope) ([]model.SourceRow, error)
}

// IncidentReader is the read-only view of travel incidents.
type IncidentReader interface {
	ListAdjustingIncidents(ctx context.Context, start, end time.Time) (map[model.IncidentKey][]string, error)
}

// RecordPuller materialises export records for a draft batch.
type RecordPuller struct {
	stage
	sources   SourceReader
	incidents IncidentReader
}

func NewRecordPuller(d Deps, sources SourceReader, incidents IncidentReader) *RecordPuller {
	return &RecordPuller{
		stage:     newStage(d),
		sources:   sources,
		incidents: incidents,
	}
}

type PullResult struct {
	RecordsCount          int             `json:"recordsCount"`
	NewRecords            int             `json:"newRecords"`
	TotalAmount           decimal.Decimal `json:"totalAmount"`
	IncidentAdjustedCount int             `json:"incidentAdjustedCount"`
}

// periodEnd makes the closed period end inclusive of the whole last day.
func periodEnd(batch *model.ExportBatch) time.Time {
	return batch.PeriodEnd.Add(24*time.Hour - time.Nanosecond)
}

// PullRecords admits every unclaimed source row of the batch period. It is
// safe to repeat: rows already attached to the batch are refreshed in
// place, never duplicated, and their export keys do not change.
func (p *RecordPuller) PullRecords(ctx context.Context, batchID int64, actor string) (*PullResult, error) {
	var result *PullResult
	err := p.run(ctx, "pull_records", batchID, actor, func() error {
		var err error
		result, err = p.pull(ctx, batchID, actor)
		return err
	})
	return result, err
}

func (p *RecordPuller) pull(ctx context.Context, batchID int64, actor string) (*PullResult, error) {
	batch, err := p.batchRepo.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if _, err := model.NextBatchStatus(batch.Status, model.BatchEventPull, model.BatchGuard{}); err != nil {
		return nil, apperr.InvalidState("batch %d: records can only be pulled into a draft batch (status %s)", batch.ID, batch.Status)
	}

	// Read everything from the collaborators before writing anything, so
	// an outage leaves no partial state behind.
	rows, incidents, err := p.fetch(ctx, batch)
	if err != nil {
		return nil, err
	}

	result := &PullResult{}
	err = p.db.Transaction(func(tx *gorm.DB) error {
		batch, err := p.batchRepo.GetForUpdate(ctx, tx, batchID)
		if err != nil {
			return err
		}
		oldStatus := batch.Status
		if err := advance(batch, model.BatchEventPull, model.BatchGuard{}); err != nil {
			return err
		}

		existing, err := p.recordRepo.ListByBatch(ctx, tx, batch.ID)
		if err != nil {
			return fmt.Errorf("list batch records: %w", err)
		}
		bySource := make(map[string]*model.ExportRecord, len(existing))
		for _, r := range existing {
			bySource[sourceKey(r.SourceType, r.SourceID)] = r
		}

		claimed, err := p.claimedElsewhere(ctx, tx, batch.ID, rows)
		if err != nil {
			return err
		}

		for _, row := range rows {
			if claimed[sourceKey(row.SourceType, row.ID)] {
				continue
			}
			ids := incidents[model.IncidentKey{EmployeeID: row.EmployeeID, SessionID: row.SessionID}]

			if r, ok := bySource[sourceKey(row.SourceType, row.ID)]; ok {
				if r.Status != model.RecordStatusPending {
					continue
				}
				p.fill(r, row, ids)
				if err := p.recordRepo.Save(ctx, tx, r); err != nil {
					return fmt.Errorf("refresh record %d: %w", r.ID, err)
				}
				continue
			}

			r := &model.ExportRecord{
				BatchID:    batch.ID,
				SourceType: row.SourceType,
				SourceID:   row.ID,
				ExportKey:  idgen.ExportKey(string(row.SourceType), row.ID),
				Status:     model.RecordStatusPending,
			}
			p.fill(r, row, ids)
			if err := p.recordRepo.Create(ctx, tx, r); err != nil {
				return err
			}
			existing = append(existing, r)
			result.NewRecords++
		}

		recomputeBatchTotals(batch, existing, p.defaultCurrency())
		if err := p.batchRepo.Save(ctx, tx, batch, oldStatus); err != nil {
			return fmt.Errorf("save batch totals: %w", err)
		}

		active := activeRecords(existing)
		result.RecordsCount = len(active)
		result.TotalAmount = sumAmounts(active)
		for _, r := range active {
			if r.HasIncidentAdjustment {
				result.IncidentAdjustedCount++
			}
		}

		return p.audit(ctx, tx, batch.ID, actor, oldStatus, batch.Status, model.PullDetails{
			RecordsCount:          result.RecordsCount,
			NewRecords:            result.NewRecords,
			TotalAmount:           result.TotalAmount,
			IncidentAdjustedCount: result.IncidentAdjustedCount,
		})
	})
	if err != nil {
		return nil, err
	}

	p.metrics.AddRecords("pull_records", result.NewRecords)
	p.log.Info("records pulled",
		zap.Int64("batch_id", batchID),
		zap.Int("records", result.RecordsCount),
		zap.Int("new", result.NewRecords),
		zap.String("total_amount", result.TotalAmount.String()),
		zap.Int("incident_adjusted", result.IncidentAdjustedCount),
	)
	return result, nil
}

func (p *RecordPuller) fetch(ctx context.Context, batch *model.ExportBatch) ([]model.SourceRow, map[model.IncidentKey][]string, error) {
	end := periodEnd(batch)
	scope := repository.SourceScope{EntityID: batch.EntityID, CostCentre: batch.CostCentre}

	var rows []model.SourceRow
	for _, st := range batch.ExportType.SourceTypes() {
		part, err := p.sources.ListSourceRows(ctx, st, batch.PeriodStart, end, scope)
		if err != nil {
			return nil, nil, apperr.SourceUnavailable(err, "load %s rows", st)
		}
		rows = append(rows, part...)
	}

	incidents, err := p.incidents.ListAdjustingIncidents(ctx, batch.PeriodStart, end)
	if err != nil {
		return nil, nil, apperr.SourceUnavailable(err, "load travel incidents")
	}
	return rows, incidents, nil
}

func (p *RecordPuller) claimedElsewhere(ctx context.Context, tx *gorm.DB, batchID int64, rows []model.SourceRow) (map[string]bool, error) {
	idsByType := make(map[model.SourceType][]string)
	for _, row := range rows {
		idsByType[row.SourceType] = append(idsByType[row.SourceType], row.ID)
	}

	claimed := make(map[string]bool)
	for st, ids := range idsByType {
		set, err := p.recordRepo.ClaimedElsewhere(ctx, tx, batchID, st, ids)
		if err != nil {
			return nil, fmt.Errorf("check claimed %s rows: %w", st, err)
		}
		for id := range set {
			claimed[sourceKey(st, id)] = true
		}
	}
	return claimed, nil
}

// fill copies the source row onto the record. ExportKey is never touched.
func (p *RecordPuller) fill(r *model.ExportRecord, row model.SourceRow, incidentIDs []string) {
	r.EmployeeID = row.EmployeeID
	r.EmployeeName = row.EmployeeName
	r.PayrollID = row.PayrollID
	r.ExpenseType = string(row.SourceType)
	r.Amount = row.Amount
	r.Currency = row.Currency
	r.CostCentre = row.CostCentre
	r.GLAccount = p.cfg.Export.GLAccountFor(string(row.SourceType))
	r.ExpenseDate = row.ExpenseDate
	r.PostingPeriod = model.PostingPeriodOf(row.ExpenseDate)
	r.DestinationCountry = row.DestinationCountry
	r.DestinationCity = row.DestinationCity
	r.TrainingRequestID = row.TrainingRequestID
	r.SessionID = row.SessionID
	r.HasIncidentAdjustment = len(incidentIDs) > 0
	r.IncidentIDs = append([]string(nil), incidentIDs...)
}

func sourceKey(st model.SourceType, id string) string {
	return string(st) + "/" + id
}

// activeRecords drops deferred records.
func activeRecords(records []*model.ExportRecord) []*model.ExportRecord {
	out := make([]*model.ExportRecord, 0, len(records))
	for _, r := range records {
		if r.Status != model.RecordStatusDeferred {
			out = append(out, r)
		}
	}
	return out
}
