package repository

import (
	"context"
	"fmt"
	"time"

	"expenseexport/internal/model"

	"gorm.io/gorm"
)

// SourceScope narrows the rows a batch pulls.
type SourceScope struct {
	EntityID   string
	CostCentre string
}

// SourceRepository reads the cost tables owned by the training-management
// application. It never writes.
type SourceRepository struct {
	db *gorm.DB
}

func NewSourceRepository(db *gorm.DB) *SourceRepository {
	return &SourceRepository{db: db}
}

func tableFor(sourceType model.SourceType) (string, error) {
	switch sourceType {
	case model.SourceTypePerDiem:
		return model.PerDiemPayment{}.TableName(), nil
	case model.SourceTypeTuition:
		return model.TuitionCharge{}.TableName(), nil
	case model.SourceTypeTravelCost:
		return model.TravelCost{}.TableName(), nil
	}
	return "", fmt.Errorf("unknown source type %q", sourceType)
}

// ListSourceRows returns rows of sourceType whose expense date falls in
// the closed range [start, end].
func (r *SourceRepository) ListSourceRows(ctx context.Context, sourceType model.SourceType, start, end time.Time, scope SourceScope) ([]model.SourceRow, error) {
	table, err := tableFor(sourceType)
	if err != nil {
		return nil, err
	}

	var fields []model.SourceFields
	query := r.db.WithContext(ctx).
		Table(table).
		Where("expense_date >= ? AND expense_date <= ?", start, end)
	if scope.EntityID != "" {
		query = query.Where("entity_id = ?", scope.EntityID)
	}
	if scope.CostCentre != "" {
		query = query.Where("cost_centre = ?", scope.CostCentre)
	}
	if err := query.Order("id ASC").Find(&fields).Error; err != nil {
		return nil, err
	}

	rows := make([]model.SourceRow, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, model.SourceRow{SourceFields: f, SourceType: sourceType})
	}
	return rows, nil
}

// IncidentRepository reads travel incidents. It never writes.
type IncidentRepository struct {
	db *gorm.DB
}

func NewIncidentRepository(db *gorm.DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

// ListAdjustingIncidents groups the ids of incidents with an adjusting
// training impact dated inside [start, end] by employee and session.
func (r *IncidentRepository) ListAdjustingIncidents(ctx context.Context, start, end time.Time) (map[model.IncidentKey][]string, error) {
	var incidents []model.TravelIncident
	err := r.db.WithContext(ctx).
		Where("training_impact IN ?", model.AdjustingImpacts).
		Where("incident_date >= ? AND incident_date <= ?", start, end).
		Order("id ASC").
		Find(&incidents).Error
	if err != nil {
		return nil, err
	}

	byKey := make(map[model.IncidentKey][]string)
	for _, inc := range incidents {
		key := model.IncidentKey{EmployeeID: inc.EmployeeID, SessionID: inc.SessionID}
		byKey[key] = append(byKey[key], inc.ID)
	}
	return byKey, nil
}
