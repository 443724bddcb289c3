package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceType names the upstream table an export record was built from.
type SourceType string

const (
	SourceTypePerDiem    SourceType = "per_diem"
	SourceTypeTuition    SourceType = "tuition"
	SourceTypeTravelCost SourceType = "travel_cost"
)

// SourceFields is the column set shared by every cost table the puller
// reads. The tables are owned by the training-management application and
// are read-only here.
type SourceFields struct {
	ID                 string          `gorm:"type:varchar(64);primaryKey" json:"id"`
	EmployeeID         string          `gorm:"type:varchar(64);index" json:"employee_id"`
	EmployeeName       string          `gorm:"type:varchar(128)" json:"employee_name"`
	PayrollID          string          `gorm:"type:varchar(64)" json:"payroll_id"`
	EntityID           string          `gorm:"type:varchar(64)" json:"entity_id"`
	CostCentre         string          `gorm:"type:varchar(64)" json:"cost_centre"`
	Amount             decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount"`
	Currency           string          `gorm:"type:varchar(3)" json:"currency"`
	ExpenseDate        time.Time       `gorm:"index" json:"expense_date"`
	DestinationCountry string          `gorm:"type:varchar(64)" json:"destination_country"`
	DestinationCity    string          `gorm:"type:varchar(64)" json:"destination_city"`
	TrainingRequestID  string          `gorm:"type:varchar(64)" json:"training_request_id"`
	SessionID          string          `gorm:"type:varchar(64)" json:"session_id"`
}

type PerDiemPayment struct {
	SourceFields
}

func (PerDiemPayment) TableName() string {
	return "per_diem_payment"
}

type TuitionCharge struct {
	SourceFields
}

func (TuitionCharge) TableName() string {
	return "tuition_charge"
}

type TravelCost struct {
	SourceFields
}

func (TravelCost) TableName() string {
	return "travel_cost"
}

// SourceRow is a cost row tagged with the table it came from.
type SourceRow struct {
	SourceFields
	SourceType SourceType
}

// Training impacts that flag a record for incident adjustment.
const (
	ImpactLateArrival      = "late_arrival"
	ImpactMissedDays       = "missed_days"
	ImpactNoShow           = "no_show"
	ImpactSessionCancelled = "session_cancelled"
)

var AdjustingImpacts = []string{
	ImpactLateArrival, ImpactMissedDays, ImpactNoShow, ImpactSessionCancelled,
}

// TravelIncident is a travel disruption reported against a training session.
type TravelIncident struct {
	ID             string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	EmployeeID     string    `gorm:"type:varchar(64);index:idx_incident_emp_session" json:"employee_id"`
	SessionID      string    `gorm:"type:varchar(64);index:idx_incident_emp_session" json:"session_id"`
	TrainingImpact string    `gorm:"type:varchar(32)" json:"training_impact"`
	IncidentDate   time.Time `gorm:"index" json:"incident_date"`
}

func (TravelIncident) TableName() string {
	return "travel_incident"
}

// IncidentKey joins incidents to cost rows.
type IncidentKey struct {
	EmployeeID string
	SessionID  string
}
