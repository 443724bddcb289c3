package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// RecordStatus is the lifecycle state of one export line.
type RecordStatus string

const (
	RecordStatusPending  RecordStatus = "pending"
	RecordStatusIncluded RecordStatus = "included"
	RecordStatusExported RecordStatus = "exported"
	RecordStatusPosted   RecordStatus = "posted"
	RecordStatusFailed   RecordStatus = "failed"
	RecordStatusDeferred RecordStatus = "deferred"
)

func (s RecordStatus) IsValid() bool {
	switch s {
	case RecordStatusPending, RecordStatusIncluded, RecordStatusExported,
		RecordStatusPosted, RecordStatusFailed, RecordStatusDeferred:
		return true
	}
	return false
}

// HoldsClaim reports whether a record in this status owns its source row.
// Failed and deferred records release the row for a later batch.
func (s RecordStatus) HoldsClaim() bool {
	switch s {
	case RecordStatusPending, RecordStatusIncluded, RecordStatusExported, RecordStatusPosted:
		return true
	}
	return false
}

// CountsTowardAmount reports whether the record's amount is part of the
// batch total.
func (s RecordStatus) CountsTowardAmount() bool {
	switch s {
	case RecordStatusIncluded, RecordStatusExported, RecordStatusPosted:
		return true
	}
	return false
}

// ClaimingStatuses is the admission filter used by the record puller.
var ClaimingStatuses = []RecordStatus{
	RecordStatusPending, RecordStatusIncluded, RecordStatusExported, RecordStatusPosted,
}

const (
	ExternalStatusPosted   = "posted"
	ExternalStatusRejected = "rejected"
)

// ExportRecord is one financial line destined for the external ledger.
//
// ClaimKey carries the export key while the record holds its source row
// and is NULL otherwise; its unique index is what stops two batches from
// claiming the same row.
type ExportRecord struct {
	ID                    int64                       `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID               int64                       `gorm:"not null;index;uniqueIndex:ux_record_batch_source,priority:1" json:"batch_id"`
	SourceType            SourceType                  `gorm:"type:varchar(20);not null;uniqueIndex:ux_record_batch_source,priority:2" json:"source_type"`
	SourceID              string                      `gorm:"type:varchar(64);not null;uniqueIndex:ux_record_batch_source,priority:3" json:"source_id"`
	ExportKey             string                      `gorm:"type:varchar(64);index;not null" json:"export_key"`
	ClaimKey              *string                     `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	EmployeeID            string                      `gorm:"type:varchar(64);index" json:"employee_id"`
	EmployeeName          string                      `gorm:"type:varchar(128)" json:"employee_name"`
	PayrollID             string                      `gorm:"type:varchar(64)" json:"payroll_id"`
	ExpenseType           string                      `gorm:"type:varchar(32)" json:"expense_type"`
	Amount                decimal.Decimal             `gorm:"type:decimal(20,4);not null" json:"amount"`
	Currency              string                      `gorm:"type:varchar(3)" json:"currency"`
	CostCentre            string                      `gorm:"type:varchar(64)" json:"cost_centre"`
	GLAccount             string                      `gorm:"type:varchar(32)" json:"gl_account"`
	ExpenseDate           time.Time                   `gorm:"not null" json:"expense_date"`
	PostingPeriod         string                      `gorm:"type:varchar(7)" json:"posting_period"`
	DestinationCountry    string                      `gorm:"type:varchar(64)" json:"destination_country"`
	DestinationCity       string                      `gorm:"type:varchar(64)" json:"destination_city"`
	TrainingRequestID     string                      `gorm:"type:varchar(64)" json:"training_request_id"`
	SessionID             string                      `gorm:"type:varchar(64)" json:"session_id"`
	Status                RecordStatus                `gorm:"type:varchar(20);index;not null" json:"status"`
	ValidationErrors      datatypes.JSONSlice[string] `json:"validation_errors"`
	HasIncidentAdjustment bool                        `gorm:"not null;default:false" json:"has_incident_adjustment"`
	IncidentIDs           datatypes.JSONSlice[string] `json:"incident_ids"`
	ExternalStatus        string                      `gorm:"type:varchar(20)" json:"external_status,omitempty"`
	ExternalRef           string                      `gorm:"type:varchar(64)" json:"external_ref,omitempty"`
	FailureReason         string                      `gorm:"type:varchar(256)" json:"failure_reason,omitempty"`
	FirstExportedAt       *time.Time                  `json:"first_exported_at,omitempty"`
	LastExportedAt        *time.Time                  `json:"last_exported_at,omitempty"`
	PostedAt              *time.Time                  `json:"posted_at,omitempty"`
	CreatedAt             time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ExportRecord) TableName() string {
	return "export_record"
}

// SyncClaim sets ClaimKey from the current status.
func (r *ExportRecord) SyncClaim() {
	if r.Status.HoldsClaim() {
		key := r.ExportKey
		r.ClaimKey = &key
		return
	}
	r.ClaimKey = nil
}

// AwaitsReExport reports a record the ERP rejected after it was exported.
// Records rejected before any export were never validated for delivery and
// stay failed.
func (r *ExportRecord) AwaitsReExport() bool {
	return r.Status == RecordStatusFailed && r.FirstExportedAt != nil
}

// PostingPeriodOf formats the ledger period of an expense date.
func PostingPeriodOf(t time.Time) string {
	return t.Format("2006-01")
}
