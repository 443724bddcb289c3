package service

import (
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"expenseexport/internal/model"
	"expenseexport/internal/repository"
	"expenseexport/pkg/apperr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportLifecycleScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedPerDiem(t, e.db, 10, 3, 7)

	batch := e.createBatch(t, model.ExportTypePerDiem)
	assert.Equal(t, model.BatchStatusDraft, batch.Status)

	pulled, err := e.puller.PullRecords(ctx, batch.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, 10, pulled.RecordsCount)
	assert.True(t, decimal.NewFromInt(5000).Equal(pulled.TotalAmount))

	res, err := e.validator.Validate(ctx, batch.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ErrorCount)
	assert.Equal(t, 8, res.ValidCount)
	assert.Equal(t, model.BatchStatusDraft, res.Status)
	require.Len(t, res.ValidationErrors, 2)
	assert.Equal(t, []string{"missing cost centre"}, res.ValidationErrors[0].Errors)
	assert.Equal(t, "error", e.batch(t, batch.ID).DisplayStatus())

	cc := "CC-200"
	for _, ve := range res.ValidationErrors {
		_, err := e.batches.UpdateRecord(ctx, batch.ID, ve.RecordID, RecordPatch{CostCentre: &cc}, testActor)
		require.NoError(t, err)
	}

	res, err = e.validator.Validate(ctx, batch.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ErrorCount)
	assert.Equal(t, 10, res.ValidCount)
	assert.Equal(t, model.BatchStatusValidated, res.Status)

	exported, err := e.exporter.Export(ctx, batch.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, 10, exported.RecordsExported)
	assert.Equal(t, "export_"+batch.BatchNo+"_2025-02-03.csv", exported.FileName)

	rows, err := csv.NewReader(strings.NewReader(exported.FileContent)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 11)
	assert.Equal(t, "export_key", rows[0][0])
	assert.Equal(t, "Employee, 1", rows[1][2])

	b := e.batch(t, batch.ID)
	assert.Equal(t, model.BatchStatusExported, b.Status)
	assert.Equal(t, testActor, b.ExportedBy)
	require.NotNil(t, b.ExportedAt)

	records := e.records(t, batch.ID)
	require.Len(t, records, 10)
	_, err = e.postings.MarkPosted(ctx, batch.ID, idsOf(records[:7]), "JV-1001", testActor)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusExported, e.batch(t, batch.ID).Status)

	rec, err := e.postings.GetReconciliation(ctx, repository.RecordFilter{BatchID: batch.ID})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1500).Equal(rec.PendingAmount), rec.PendingAmount.String())
	assert.True(t, decimal.NewFromInt(3500).Equal(rec.PostedAmount))
	assert.Equal(t, 3, rec.PendingCount)

	result, err := e.postings.MarkPosted(ctx, batch.ID, idsOf(records[7:]), "JV-1002", testActor)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusClosed, result.Status)
	assert.Equal(t, 0, result.Remaining)

	b = e.batch(t, batch.ID)
	assert.Equal(t, model.BatchStatusClosed, b.Status)
	require.NotNil(t, b.ClosedAt)
	assert.True(t, decimal.NewFromInt(5000).Equal(b.TotalAmount))

	entries, err := e.batches.ListAudit(ctx, batch.ID)
	require.NoError(t, err)
	var actions []model.AuditAction
	for _, a := range entries {
		actions = append(actions, a.Action)
	}
	assert.Equal(t, []model.AuditAction{
		model.AuditActionCreate,
		model.AuditActionPull,
		model.AuditActionValidate,
		model.AuditActionPatch,
		model.AuditActionPatch,
		model.AuditActionValidate,
		model.AuditActionExport,
		model.AuditActionPost,
		model.AuditActionPost,
	}, actions)
	last := entries[len(entries)-1]
	assert.Equal(t, string(model.BatchStatusExported), last.OldStatus)
	assert.Equal(t, string(model.BatchStatusClosed), last.NewStatus)

	msgs, err := repository.NewOutboxRepository(e.db).ListByKey(ctx, batch.BatchNo)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.EventBatchExported, msgs[0].EventType)
	assert.Equal(t, model.EventBatchClosed, msgs[1].EventType)
}

func TestValidateIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedPerDiem(t, e.db, 6, 2)
	batch := e.createBatch(t, model.ExportTypePerDiem)
	_, err := e.puller.PullRecords(ctx, batch.ID, testActor)
	require.NoError(t, err)

	first, err := e.validator.Validate(ctx, batch.ID, testActor)
	require.NoError(t, err)
	second, err := e.validator.Validate(ctx, batch.ID, testActor)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	b := e.batch(t, batch.ID)
	assert.LessOrEqual(t, b.ValidRecords+b.ErrorRecords, b.TotalRecords)
	assert.Equal(t, 5, b.ValidRecords)
	assert.Equal(t, 1, b.ErrorRecords)
}

func TestValidateAccumulatesEveryRule(t *testing.T) {
	r := &model.ExportRecord{Amount: decimal.NewFromInt(-5)}
	msgs := checkRecord(r, DefaultRules)
	assert.Equal(t, []string{
		"missing payroll id",
		"missing cost centre",
		"amount must be greater than zero (got -5)",
		"missing currency",
	}, msgs)

	ok := &model.ExportRecord{PayrollID: "P1", CostCentre: "CC", Currency: "LYD", Amount: decimal.NewFromInt(1)}
	assert.Empty(t, checkRecord(ok, DefaultRules))
}

func TestEditAfterValidationReturnsBatchToDraft(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedPerDiem(t, e.db, 3)
	batch := e.createBatch(t, model.ExportTypePerDiem)
	_, err := e.puller.PullRecords(ctx, batch.ID, testActor)
	require.NoError(t, err)
	_, err = e.validator.Validate(ctx, batch.ID, testActor)
	require.NoError(t, err)

	amount := decimal.NewFromInt(0)
	rec, err := e.batches.UpdateRecord(ctx, batch.ID, e.records(t, batch.ID)[0].ID, RecordPatch{Amount: &amount}, testActor)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusPending, rec.Status)
	assert.Equal(t, model.BatchStatusDraft, e.batch(t, batch.ID).Status)

	_, err = e.exporter.Export(ctx, batch.ID, testActor)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	res, err := e.validator.Validate(ctx, batch.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ErrorCount)
	assert.Equal(t, model.BatchStatusDraft, res.Status)
}

func TestExportRequiresValidatedBatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedPerDiem(t, e.db, 2)
	batch := e.createBatch(t, model.ExportTypePerDiem)
	_, err := e.puller.PullRecords(ctx, batch.ID, testActor)
	require.NoError(t, err)

	_, err = e.exporter.Export(ctx, batch.ID, testActor)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, model.BatchStatusDraft, e.batch(t, batch.ID).Status)

	_, err = e.validator.Validate(ctx, batch.ID, testActor)
	require.NoError(t, err)
	_, err = e.exporter.Export(ctx, batch.ID, testActor)
	require.NoError(t, err)

	_, err = e.exporter.Export(ctx, batch.ID, testActor)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestReExportKeepsKeysAndTotals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	batch := e.exportedBatch(t, 4)
	before := e.records(t, batch.ID)

	e.clock.Advance(24 * time.Hour)
	res, err := e.exporter.ReExport(ctx, batch.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, 4, res.RecordsExported)
	assert.Equal(t, "re_export_"+batch.BatchNo+"_2025-02-04.csv", res.FileName)

	after := e.batch(t, batch.ID)
	assert.Equal(t, model.BatchStatusReExported, after.Status)
	assert.Equal(t, 1, after.ReExportCount)
	assert.True(t, batch.TotalAmount.Equal(after.TotalAmount))
	assert.Equal(t, batch.TotalRecords, after.TotalRecords)

	records := e.records(t, batch.ID)
	require.Len(t, records, len(before))
	for i, r := range records {
		assert.Equal(t, before[i].ExportKey, r.ExportKey)
		assert.Equal(t, model.RecordStatusExported, r.Status)
		assert.True(t, before[i].FirstExportedAt.Equal(*r.FirstExportedAt))
		assert.True(t, r.LastExportedAt.After(*before[i].LastExportedAt))
	}

	_, err = e.exporter.ReExport(ctx, batch.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, 2, e.batch(t, batch.ID).ReExportCount)
}

func TestRejectedRecordsAreReExported(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	batch := e.exportedBatch(t, 4)
	records := e.records(t, batch.ID)

	res, err := e.postings.MarkFailed(ctx, batch.ID, idsOf(records[:2]), "unknown cost centre", testActor)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Affected)
	assert.Equal(t, model.BatchStatusExported, res.Status)

	b := e.batch(t, batch.ID)
	assert.True(t, decimal.NewFromInt(1000).Equal(b.TotalAmount))

	rec, err := e.postings.GetReconciliation(ctx, repository.RecordFilter{BatchID: batch.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.FailedCount)
	assert.Equal(t, 2, rec.ExportedCount)

	_, err = e.exporter.ReExport(ctx, batch.ID, testActor)
	require.NoError(t, err)
	b = e.batch(t, batch.ID)
	assert.True(t, decimal.NewFromInt(2000).Equal(b.TotalAmount))
	for _, r := range e.records(t, batch.ID) {
		assert.Equal(t, model.RecordStatusExported, r.Status)
		assert.Empty(t, r.FailureReason)
	}
}

func TestReExportLeavesRecordsRejectedBeforeExport(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedPerDiem(t, e.db, 3, 3)
	batch := e.createBatch(t, model.ExportTypePerDiem)
	_, err := e.puller.PullRecords(ctx, batch.ID, testActor)
	require.NoError(t, err)

	res, err := e.validator.Validate(ctx, batch.ID, testActor)
	require.NoError(t, err)
	require.Equal(t, 1, res.ErrorCount)

	var broken *model.ExportRecord
	for _, r := range e.records(t, batch.ID) {
		if r.SourceID == "pd-003" {
			broken = r
		}
	}
	require.NotNil(t, broken)
	_, err = e.postings.MarkFailed(ctx, batch.ID, []int64{broken.ID}, "no cost centre on file", testActor)
	require.NoError(t, err)

	res, err = e.validator.Validate(ctx, batch.ID, testActor)
	require.NoError(t, err)
	require.Equal(t, model.BatchStatusValidated, res.Status)

	exported, err := e.exporter.Export(ctx, batch.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, 2, exported.RecordsExported)
	before := e.batch(t, batch.ID)
	assert.True(t, decimal.NewFromInt(1000).Equal(before.TotalAmount))

	again, err := e.exporter.ReExport(ctx, batch.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, 2, again.RecordsExported)
	assert.NotContains(t, again.FileContent, broken.ExportKey)

	after := e.batch(t, batch.ID)
	assert.True(t, before.TotalAmount.Equal(after.TotalAmount), after.TotalAmount.String())

	for _, r := range e.records(t, batch.ID) {
		if r.ID == broken.ID {
			assert.Equal(t, model.RecordStatusFailed, r.Status)
			assert.Nil(t, r.FirstExportedAt)
		}
	}
}

func TestBatchStaysOpenWhileRejectedRecordsAwaitReExport(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	batch := e.exportedBatch(t, 3)
	records := e.records(t, batch.ID)

	_, err := e.postings.MarkFailed(ctx, batch.ID, idsOf(records[:1]), "unknown payroll id", testActor)
	require.NoError(t, err)

	res, err := e.postings.MarkPosted(ctx, batch.ID, nil, "JV-2001", testActor)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Affected)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 1, res.AwaitingReExport)
	assert.Equal(t, model.BatchStatusExported, res.Status)
	assert.Nil(t, e.batch(t, batch.ID).ClosedAt)

	again, err := e.exporter.ReExport(ctx, batch.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, 1, again.RecordsExported)

	res, err = e.postings.MarkPosted(ctx, batch.ID, nil, "JV-2002", testActor)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)
	assert.Equal(t, model.BatchStatusClosed, res.Status)

	b := e.batch(t, batch.ID)
	require.NotNil(t, b.ClosedAt)
	assert.True(t, decimal.NewFromInt(1500).Equal(b.TotalAmount))
}

func TestDeleteBatchOnlyInDraft(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	batch := e.exportedBatch(t, 2)

	err := e.batches.DeleteBatch(ctx, batch.ID, testActor)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, model.BatchStatusExported, e.batch(t, batch.ID).Status)
	assert.Len(t, e.records(t, batch.ID), 2)

	draft, err := e.batches.CreateBatch(ctx, &CreateBatchRequest{
		ExportType:  model.ExportTypeTuition,
		PeriodStart: jan(1),
		PeriodEnd:   jan(31),
	}, testActor)
	require.NoError(t, err)
	require.NoError(t, e.batches.DeleteBatch(ctx, draft.ID, testActor))

	_, err = e.batches.GetBatch(ctx, draft.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	entries, err := e.batches.ListAudit(ctx, draft.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.AuditActionDelete, entries[1].Action)
}

func TestMarkPosted(t *testing.T) {
	t.Run("all exported records when ids are omitted", func(t *testing.T) {
		e := newEnv(t)
		batch := e.exportedBatch(t, 3)
		res, err := e.postings.MarkPosted(context.Background(), batch.ID, nil, "", testActor)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Affected)
		assert.Equal(t, model.BatchStatusClosed, res.Status)
	})

	t.Run("record of another batch is not found", func(t *testing.T) {
		e := newEnv(t)
		batch := e.exportedBatch(t, 3)
		_, err := e.postings.MarkPosted(context.Background(), batch.ID, []int64{9999}, "", testActor)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("repeated confirmation is ignored", func(t *testing.T) {
		e := newEnv(t)
		ctx := context.Background()
		batch := e.exportedBatch(t, 3)
		ids := idsOf(e.records(t, batch.ID)[:1])
		_, err := e.postings.MarkPosted(ctx, batch.ID, ids, "", testActor)
		require.NoError(t, err)
		res, err := e.postings.MarkPosted(ctx, batch.ID, ids, "", testActor)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Affected)
		assert.Equal(t, 2, res.Remaining)
	})

	t.Run("draft batch is refused", func(t *testing.T) {
		e := newEnv(t)
		batch := e.createBatch(t, model.ExportTypePerDiem)
		_, err := e.postings.MarkPosted(context.Background(), batch.ID, nil, "", testActor)
		assert.ErrorIs(t, err, apperr.ErrInvalidState)
	})
}

func TestReconciliationFigures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	batch := e.exportedBatch(t, 4)

	rec, err := e.postings.GetReconciliation(ctx, repository.RecordFilter{})
	require.NoError(t, err)
	assert.True(t, rec.PendingAmount.Equal(rec.ExportedAmount))
	assert.True(t, decimal.NewFromInt(2000).Equal(rec.Variance))

	records := e.records(t, batch.ID)
	_, err = e.postings.MarkPosted(ctx, batch.ID, idsOf(records[:1]), "", testActor)
	require.NoError(t, err)

	rec, err = e.postings.GetReconciliation(ctx, repository.RecordFilter{ExportType: model.ExportTypePerDiem, FromPeriod: "2025-01", ToPeriod: "2025-01"})
	require.NoError(t, err)
	assert.True(t, rec.Variance.Equal(rec.ExportedAmount.Sub(rec.PostedAmount)))
	assert.True(t, decimal.NewFromInt(1000).Equal(rec.Variance))

	rec, err = e.postings.GetReconciliation(ctx, repository.RecordFilter{ExportType: model.ExportTypeTuition})
	require.NoError(t, err)
	assert.Zero(t, rec.ExportedCount+rec.PostedCount+rec.FailedCount)

	_, err = e.postings.GetReconciliation(ctx, repository.RecordFilter{ExportType: "bogus"})
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
}

func TestReconcileIsPure(t *testing.T) {
	records := []*model.ExportRecord{
		{Status: model.RecordStatusExported, Amount: decimal.RequireFromString("100.25")},
		{Status: model.RecordStatusPosted, Amount: decimal.RequireFromString("40")},
		{Status: model.RecordStatusFailed, Amount: decimal.RequireFromString("7")},
		{Status: model.RecordStatusIncluded, Amount: decimal.RequireFromString("1000")},
	}
	rec := Reconcile(records)
	assert.Equal(t, "100.25", rec.ExportedAmount.String())
	assert.Equal(t, "100.25", rec.PendingAmount.String())
	assert.Equal(t, "60.25", rec.Variance.String())
	assert.Equal(t, 1, rec.FailedCount)
}
