package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExportType selects which source rows a batch pulls.
type ExportType string

const (
	ExportTypePerDiem    ExportType = "per_diem"
	ExportTypeTuition    ExportType = "tuition"
	ExportTypeTravelCost ExportType = "travel_cost"
	ExportTypeCombined   ExportType = "combined"
)

func (t ExportType) IsValid() bool {
	switch t {
	case ExportTypePerDiem, ExportTypeTuition, ExportTypeTravelCost, ExportTypeCombined:
		return true
	}
	return false
}

// SourceTypes lists the source tables an export type reads from.
func (t ExportType) SourceTypes() []SourceType {
	switch t {
	case ExportTypePerDiem:
		return []SourceType{SourceTypePerDiem}
	case ExportTypeTuition:
		return []SourceType{SourceTypeTuition}
	case ExportTypeTravelCost:
		return []SourceType{SourceTypeTravelCost}
	case ExportTypeCombined:
		return []SourceType{SourceTypePerDiem, SourceTypeTuition, SourceTypeTravelCost}
	}
	return nil
}

// BatchStatus is the stored lifecycle state of a batch. There is no stored
// error state: a batch with unresolved validation errors stays draft with
// ErrorRecords > 0.
type BatchStatus string

const (
	BatchStatusDraft      BatchStatus = "draft"
	BatchStatusValidated  BatchStatus = "validated"
	BatchStatusExported   BatchStatus = "exported"
	BatchStatusReExported BatchStatus = "re_exported"
	BatchStatusClosed     BatchStatus = "closed"
)

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusDraft, BatchStatusValidated, BatchStatusExported, BatchStatusReExported, BatchStatusClosed:
		return true
	}
	return false
}

// DisplayStatus is what the UI renders; "error" is derived, never stored.
func (b *ExportBatch) DisplayStatus() string {
	if b.Status == BatchStatusDraft && b.ErrorRecords > 0 {
		return "error"
	}
	return string(b.Status)
}

// ExportBatch is one export run for a period and export type.
type ExportBatch struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchNo         string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"batch_no"`
	ExportType      ExportType      `gorm:"type:varchar(20);index:idx_batch_type_scope;not null" json:"export_type"`
	PeriodStart     time.Time       `gorm:"not null" json:"period_start"`
	PeriodEnd       time.Time       `gorm:"not null" json:"period_end"`
	EntityID        string          `gorm:"type:varchar(64)" json:"entity_id,omitempty"`
	CostCentre      string          `gorm:"type:varchar(64)" json:"cost_centre,omitempty"`
	ScopeKey        string          `gorm:"type:varchar(160);index:idx_batch_type_scope;not null" json:"scope_key"`
	Status          BatchStatus     `gorm:"type:varchar(20);index;not null" json:"status"`
	TotalRecords    int             `gorm:"not null;default:0" json:"total_records"`
	ValidRecords    int             `gorm:"not null;default:0" json:"valid_records"`
	ErrorRecords    int             `gorm:"not null;default:0" json:"error_records"`
	DeferredRecords int             `gorm:"not null;default:0" json:"deferred_records"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_amount"`
	Currency        string          `gorm:"type:varchar(3)" json:"currency"`
	ReExportCount   int             `gorm:"not null;default:0" json:"re_export_count"`
	ExportFileName  string          `gorm:"type:varchar(128)" json:"export_file_name,omitempty"`
	CreatedBy       string          `gorm:"type:varchar(64)" json:"created_by"`
	ExportedBy      string          `gorm:"type:varchar(64)" json:"exported_by,omitempty"`
	ExportedAt      *time.Time      `json:"exported_at,omitempty"`
	PostedAt        *time.Time      `json:"posted_at,omitempty"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ExportBatch) TableName() string {
	return "export_batch"
}

// ScopeKeyOf normalises the optional scope filters into the key used by
// overlap checks.
func ScopeKeyOf(entityID, costCentre string) string {
	return "entity=" + entityID + ";cc=" + costCentre
}
