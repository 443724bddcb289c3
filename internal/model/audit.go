package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type AuditAction string

const (
	AuditActionCreate   AuditAction = "create_batch"
	AuditActionPull     AuditAction = "pull_records"
	AuditActionValidate AuditAction = "validate"
	AuditActionExport   AuditAction = "export"
	AuditActionReExport AuditAction = "re_export"
	AuditActionPost     AuditAction = "mark_posted"
	AuditActionFail     AuditAction = "mark_failed"
	AuditActionDefer    AuditAction = "defer_records"
	AuditActionRetry    AuditAction = "retry_records"
	AuditActionPatch    AuditAction = "update_record"
	AuditActionDelete   AuditAction = "delete_batch"
)

// AuditDetails is the per-action payload of an audit entry. Each action has
// its own struct carrying only the fields relevant to it.
type AuditDetails interface {
	Action() AuditAction
}

type CreateDetails struct {
	ExportType  ExportType `json:"export_type"`
	PeriodStart string     `json:"period_start"`
	PeriodEnd   string     `json:"period_end"`
	ScopeKey    string     `json:"scope_key"`
}

func (CreateDetails) Action() AuditAction { return AuditActionCreate }

type PullDetails struct {
	RecordsCount          int             `json:"records_count"`
	NewRecords            int             `json:"new_records"`
	TotalAmount           decimal.Decimal `json:"total_amount"`
	IncidentAdjustedCount int             `json:"incident_adjusted_count"`
}

func (PullDetails) Action() AuditAction { return AuditActionPull }

type ValidateDetails struct {
	ValidCount int `json:"valid_count"`
	ErrorCount int `json:"error_count"`
}

func (ValidateDetails) Action() AuditAction { return AuditActionValidate }

type ExportDetails struct {
	FileName        string          `json:"file_name"`
	RecordsExported int             `json:"records_exported"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ReExport        bool            `json:"re_export"`
	ReExportCount   int             `json:"re_export_count,omitempty"`
}

func (d ExportDetails) Action() AuditAction {
	if d.ReExport {
		return AuditActionReExport
	}
	return AuditActionExport
}

type PostingDetails struct {
	RecordIDs   []int64 `json:"record_ids"`
	Outcome     string  `json:"outcome"`
	Reason      string  `json:"reason,omitempty"`
	ExternalRef string  `json:"external_ref,omitempty"`
	Remaining   int     `json:"remaining_exported"`
}

func (d PostingDetails) Action() AuditAction {
	if d.Outcome == ExternalStatusRejected {
		return AuditActionFail
	}
	return AuditActionPost
}

type DeferDetails struct {
	RecordIDs []int64 `json:"record_ids"`
}

func (DeferDetails) Action() AuditAction { return AuditActionDefer }

type RetryDetails struct {
	RecordIDs []int64 `json:"record_ids"`
}

func (RetryDetails) Action() AuditAction { return AuditActionRetry }

type PatchDetails struct {
	RecordID int64             `json:"record_id"`
	Changes  map[string]string `json:"changes"`
}

func (PatchDetails) Action() AuditAction { return AuditActionPatch }

type DeleteDetails struct {
	BatchNo      string `json:"batch_no"`
	RecordsCount int    `json:"records_count"`
}

func (DeleteDetails) Action() AuditAction { return AuditActionDelete }

// AuditEntry is append-only: rows are inserted and never updated or deleted.
type AuditEntry struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID   int64          `gorm:"index;not null" json:"batch_id"`
	Action    AuditAction    `gorm:"type:varchar(32);not null" json:"action"`
	Actor     string         `gorm:"type:varchar(64)" json:"actor"`
	OldStatus string         `gorm:"type:varchar(20)" json:"old_status"`
	NewStatus string         `gorm:"type:varchar(20)" json:"new_status"`
	Details   datatypes.JSON `json:"details"`
	CreatedAt time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AuditEntry) TableName() string {
	return "export_audit_log"
}

// NewAuditEntry builds an entry for a batch transition.
func NewAuditEntry(batchID int64, actor string, oldStatus, newStatus BatchStatus, details AuditDetails) (*AuditEntry, error) {
	payload, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	return &AuditEntry{
		BatchID:   batchID,
		Action:    details.Action(),
		Actor:     actor,
		OldStatus: string(oldStatus),
		NewStatus: string(newStatus),
		Details:   datatypes.JSON(payload),
	}, nil
}
