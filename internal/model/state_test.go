package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBatchStatus(t *testing.T) {
	cases := []struct {
		name    string
		from    BatchStatus
		event   BatchEvent
		guard   BatchGuard
		want    BatchStatus
		wantErr bool
	}{
		{name: "pull in draft", from: BatchStatusDraft, event: BatchEventPull, want: BatchStatusDraft},
		{name: "pull after validation", from: BatchStatusValidated, event: BatchEventPull, want: BatchStatusValidated, wantErr: true},
		{name: "validate clean", from: BatchStatusDraft, event: BatchEventValidate, want: BatchStatusValidated},
		{name: "validate with errors", from: BatchStatusDraft, event: BatchEventValidate, guard: BatchGuard{ErrorRecords: 2}, want: BatchStatusDraft},
		{name: "revalidate validated", from: BatchStatusValidated, event: BatchEventValidate, want: BatchStatusValidated},
		{name: "validate exported", from: BatchStatusExported, event: BatchEventValidate, want: BatchStatusExported, wantErr: true},
		{name: "export validated", from: BatchStatusValidated, event: BatchEventExport, want: BatchStatusExported},
		{name: "export draft", from: BatchStatusDraft, event: BatchEventExport, want: BatchStatusDraft, wantErr: true},
		{name: "export exported", from: BatchStatusExported, event: BatchEventExport, want: BatchStatusExported, wantErr: true},
		{name: "re-export exported", from: BatchStatusExported, event: BatchEventReExport, want: BatchStatusReExported},
		{name: "re-export re-exported", from: BatchStatusReExported, event: BatchEventReExport, want: BatchStatusReExported},
		{name: "re-export validated", from: BatchStatusValidated, event: BatchEventReExport, want: BatchStatusValidated, wantErr: true},
		{name: "close fully posted", from: BatchStatusExported, event: BatchEventClose, want: BatchStatusClosed},
		{name: "close with pending postings", from: BatchStatusReExported, event: BatchEventClose, guard: BatchGuard{ExportedRecords: 1}, want: BatchStatusReExported, wantErr: true},
		{name: "close with rejected records", from: BatchStatusExported, event: BatchEventClose, guard: BatchGuard{AwaitingReExport: 2}, want: BatchStatusExported, wantErr: true},
		{name: "delete draft", from: BatchStatusDraft, event: BatchEventDelete, want: BatchStatusDraft},
		{name: "delete closed", from: BatchStatusClosed, event: BatchEventDelete, want: BatchStatusClosed, wantErr: true},
		{name: "edit validated", from: BatchStatusValidated, event: BatchEventEdit, want: BatchStatusDraft},
		{name: "edit exported", from: BatchStatusExported, event: BatchEventEdit, want: BatchStatusExported, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextBatchStatus(tc.from, tc.event, tc.guard)
			assert.Equal(t, tc.want, got)
			if tc.wantErr {
				var illegal *ErrIllegalTransition
				assert.True(t, errors.As(err, &illegal))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNextRecordStatus(t *testing.T) {
	allowed := map[RecordEvent][][2]RecordStatus{
		RecordEventInclude:  {{RecordStatusPending, RecordStatusIncluded}},
		RecordEventDemote:   {{RecordStatusIncluded, RecordStatusPending}},
		RecordEventExport:   {{RecordStatusIncluded, RecordStatusExported}},
		RecordEventReExport: {{RecordStatusExported, RecordStatusExported}, {RecordStatusFailed, RecordStatusExported}},
		RecordEventPost:     {{RecordStatusExported, RecordStatusPosted}},
		RecordEventFail:     {{RecordStatusPending, RecordStatusFailed}, {RecordStatusExported, RecordStatusFailed}},
		RecordEventRetry:    {{RecordStatusFailed, RecordStatusPending}},
		RecordEventDefer:    {{RecordStatusPending, RecordStatusDeferred}, {RecordStatusIncluded, RecordStatusDeferred}},
	}
	all := []RecordStatus{
		RecordStatusPending, RecordStatusIncluded, RecordStatusExported,
		RecordStatusPosted, RecordStatusFailed, RecordStatusDeferred,
	}

	for event, pairs := range allowed {
		legal := map[RecordStatus]RecordStatus{}
		for _, p := range pairs {
			legal[p[0]] = p[1]
		}
		for _, from := range all {
			got, err := NextRecordStatus(from, event)
			if want, ok := legal[from]; ok {
				assert.NoError(t, err, "%s from %s", event, from)
				assert.Equal(t, want, got)
			} else {
				assert.Error(t, err, "%s from %s", event, from)
				assert.Equal(t, from, got)
			}
		}
	}
}

func TestPostedRecordsNeverMove(t *testing.T) {
	for _, event := range []RecordEvent{RecordEventInclude, RecordEventDemote, RecordEventExport, RecordEventReExport, RecordEventFail, RecordEventRetry, RecordEventDefer} {
		_, err := NextRecordStatus(RecordStatusPosted, event)
		assert.Error(t, err, string(event))
	}
}

func TestSyncClaimFollowsStatus(t *testing.T) {
	r := &ExportRecord{ExportKey: "k-1", Status: RecordStatusPending}
	r.SyncClaim()
	if assert.NotNil(t, r.ClaimKey) {
		assert.Equal(t, "k-1", *r.ClaimKey)
	}

	r.Status = RecordStatusDeferred
	r.SyncClaim()
	assert.Nil(t, r.ClaimKey)

	r.Status = RecordStatusFailed
	r.SyncClaim()
	assert.Nil(t, r.ClaimKey)
}

func TestDisplayStatusDerivesError(t *testing.T) {
	b := &ExportBatch{Status: BatchStatusDraft, ErrorRecords: 2}
	assert.Equal(t, "error", b.DisplayStatus())
	b.ErrorRecords = 0
	assert.Equal(t, "draft", b.DisplayStatus())
}

func TestExportTypeSourceTypes(t *testing.T) {
	assert.Equal(t, []SourceType{SourceTypePerDiem}, ExportTypePerDiem.SourceTypes())
	assert.Len(t, ExportTypeCombined.SourceTypes(), 3)
	assert.False(t, ExportType("payroll").IsValid())
}

func TestAwaitsReExport(t *testing.T) {
	exportedAt := time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

	r := &ExportRecord{Status: RecordStatusFailed}
	assert.False(t, r.AwaitsReExport(), "rejected before export")

	r.FirstExportedAt = &exportedAt
	assert.True(t, r.AwaitsReExport())

	r.Status = RecordStatusExported
	assert.False(t, r.AwaitsReExport())
}
