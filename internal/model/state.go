package model

import "fmt"

// BatchEvent drives NextBatchStatus.
type BatchEvent string

const (
	BatchEventPull     BatchEvent = "pull_records"
	BatchEventValidate BatchEvent = "validate"
	BatchEventExport   BatchEvent = "export"
	BatchEventReExport BatchEvent = "re_export"
	BatchEventClose    BatchEvent = "close"
	BatchEventDelete   BatchEvent = "delete"
	BatchEventEdit     BatchEvent = "edit"
)

// BatchGuard carries the facts the guarded transitions look at.
type BatchGuard struct {
	ErrorRecords     int
	ExportedRecords  int
	AwaitingReExport int
}

// ErrIllegalTransition is returned by the transition functions; services
// translate it into an invalid-state error.
type ErrIllegalTransition struct {
	From  string
	Event string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("%s is not allowed while status is %s", e.Event, e.From)
}

// NextBatchStatus is the single source of truth for batch lifecycle moves.
// Delete returns the current status on success; the caller removes the row.
func NextBatchStatus(from BatchStatus, event BatchEvent, g BatchGuard) (BatchStatus, error) {
	illegal := &ErrIllegalTransition{From: string(from), Event: string(event)}

	switch event {
	case BatchEventPull, BatchEventDelete:
		if from == BatchStatusDraft {
			return BatchStatusDraft, nil
		}
	case BatchEventEdit:
		// edits invalidate a previous validation
		if from == BatchStatusDraft || from == BatchStatusValidated {
			return BatchStatusDraft, nil
		}
	case BatchEventValidate:
		if from == BatchStatusDraft || from == BatchStatusValidated {
			if g.ErrorRecords == 0 {
				return BatchStatusValidated, nil
			}
			return BatchStatusDraft, nil
		}
	case BatchEventExport:
		if from == BatchStatusValidated {
			return BatchStatusExported, nil
		}
	case BatchEventReExport:
		if from == BatchStatusExported || from == BatchStatusReExported {
			return BatchStatusReExported, nil
		}
	case BatchEventClose:
		if from == BatchStatusExported || from == BatchStatusReExported {
			if g.ExportedRecords > 0 {
				return from, &ErrIllegalTransition{From: string(from), Event: "close with records still awaiting posting"}
			}
			// rejected records go out again with the next re-export
			if g.AwaitingReExport > 0 {
				return from, &ErrIllegalTransition{From: string(from), Event: "close with rejected records awaiting re-export"}
			}
			return BatchStatusClosed, nil
		}
	}
	return from, illegal
}

// RecordEvent drives NextRecordStatus.
type RecordEvent string

const (
	RecordEventInclude  RecordEvent = "include"
	RecordEventDemote   RecordEvent = "demote"
	RecordEventExport   RecordEvent = "export"
	RecordEventReExport RecordEvent = "re_export"
	RecordEventPost     RecordEvent = "post"
	RecordEventFail     RecordEvent = "fail"
	RecordEventRetry    RecordEvent = "retry"
	RecordEventDefer    RecordEvent = "defer"
)

var recordTransitions = map[RecordEvent]map[RecordStatus]RecordStatus{
	RecordEventInclude:  {RecordStatusPending: RecordStatusIncluded},
	RecordEventDemote:   {RecordStatusIncluded: RecordStatusPending},
	RecordEventExport:   {RecordStatusIncluded: RecordStatusExported},
	RecordEventReExport: {RecordStatusExported: RecordStatusExported, RecordStatusFailed: RecordStatusExported},
	RecordEventPost:     {RecordStatusExported: RecordStatusPosted},
	RecordEventFail:     {RecordStatusPending: RecordStatusFailed, RecordStatusExported: RecordStatusFailed},
	RecordEventRetry:    {RecordStatusFailed: RecordStatusPending},
	RecordEventDefer:    {RecordStatusPending: RecordStatusDeferred, RecordStatusIncluded: RecordStatusDeferred},
}

// NextRecordStatus applies event to a record status. Moves are forward
// only, apart from the retry and demote paths listed above.
func NextRecordStatus(from RecordStatus, event RecordEvent) (RecordStatus, error) {
	if to, ok := recordTransitions[event][from]; ok {
		return to, nil
	}
	return from, &ErrIllegalTransition{From: string(from), Event: string(event)}
}
