package service

import (
	"expenseexport/internal/model"

	"github.com/shopspring/decimal"
)

// recomputeBatchTotals derives every batch counter from the full record
// set. Stages call it after their changes instead of adjusting counters
// incrementally, so stored totals cannot drift from the records.
//
// Deferred records are detached from the batch and are excluded from
// TotalRecords; they are reported in DeferredRecords.
func recomputeBatchTotals(batch *model.ExportBatch, records []*model.ExportRecord, defaultCurrency string) {
	batch.TotalRecords = 0
	batch.ValidRecords = 0
	batch.ErrorRecords = 0
	batch.DeferredRecords = 0
	batch.TotalAmount = decimal.Zero

	currencies := make(map[string]int)
	for _, r := range records {
		if r.Status == model.RecordStatusDeferred {
			batch.DeferredRecords++
			continue
		}
		batch.TotalRecords++

		switch {
		case r.Status.CountsTowardAmount():
			batch.ValidRecords++
			batch.TotalAmount = batch.TotalAmount.Add(r.Amount)
		case r.Status == model.RecordStatusPending && len(r.ValidationErrors) > 0:
			batch.ErrorRecords++
		}
		if r.Currency != "" {
			currencies[r.Currency]++
		}
	}

	batch.Currency = dominantCurrency(currencies, defaultCurrency)
}

// sumAmounts adds up the amounts of records regardless of status.
func sumAmounts(records []*model.ExportRecord) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Amount)
	}
	return total
}

func dominantCurrency(counts map[string]int, fallback string) string {
	best, bestN := fallback, 0
	for c, n := range counts {
		if n > bestN || (n == bestN && c < best) {
			best, bestN = c, n
		}
	}
	return best
}

func countStatus(records []*model.ExportRecord, status model.RecordStatus) int {
	n := 0
	for _, r := range records {
		if r.Status == status {
			n++
		}
	}
	return n
}

// countAwaitingReExport counts records rejected after export; they keep a
// batch open.
func countAwaitingReExport(records []*model.ExportRecord) int {
	n := 0
	for _, r := range records {
		if r.AwaitsReExport() {
			n++
		}
	}
	return n
}
