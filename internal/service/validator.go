package service

import (
	"context"
	"errors"
	"fmt"

	"expenseexport/internal/model"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Rule checks one property of a record and returns a non-nil error
// describing the problem.
type Rule func(r *model.ExportRecord) error

// DefaultRules is the ordered rule set applied by the Validator.
var DefaultRules = []Rule{
	requirePayrollID,
	requireCostCentre,
	requirePositiveAmount,
	requireCurrency,
}

func requirePayrollID(r *model.ExportRecord) error {
	if r.PayrollID == "" {
		return errors.New("missing payroll id")
	}
	return nil
}

func requireCostCentre(r *model.ExportRecord) error {
	if r.CostCentre == "" {
		return errors.New("missing cost centre")
	}
	return nil
}

func requirePositiveAmount(r *model.ExportRecord) error {
	if !r.Amount.IsPositive() {
		return fmt.Errorf("amount must be greater than zero (got %s)", r.Amount.String())
	}
	return nil
}

func requireCurrency(r *model.ExportRecord) error {
	if r.Currency == "" {
		return errors.New("missing currency")
	}
	return nil
}

// checkRecord runs every rule and returns the messages in rule order.
func checkRecord(r *model.ExportRecord, rules []Rule) []string {
	var err error
	for _, rule := range rules {
		err = multierr.Append(err, rule(r))
	}
	errs := multierr.Errors(err)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return msgs
}

// Validator applies the rule set to every open record of a batch.
type Validator struct {
	stage
	rules []Rule
}

func NewValidator(d Deps) *Validator {
	return &Validator{stage: newStage(d), rules: DefaultRules}
}

// RecordErrors is the validation failure of one record.
type RecordErrors struct {
	RecordID int64    `json:"recordId"`
	SourceID string   `json:"sourceId"`
	Errors   []string `json:"errors"`
}

type ValidateResult struct {
	Status           model.BatchStatus `json:"status"`
	ValidCount       int               `json:"validCount"`
	ErrorCount       int               `json:"errorCount"`
	ValidationErrors []RecordErrors    `json:"validationErrors"`
}

// Validate re-evaluates every pending and included record from scratch.
// Record failures are returned as data, never as an error.
func (v *Validator) Validate(ctx context.Context, batchID int64, actor string) (*ValidateResult, error) {
	var result *ValidateResult
	err := v.run(ctx, "validate", batchID, actor, func() error {
		var err error
		result, err = v.validate(ctx, batchID, actor)
		return err
	})
	return result, err
}

func (v *Validator) validate(ctx context.Context, batchID int64, actor string) (*ValidateResult, error) {
	result := &ValidateResult{ValidationErrors: []RecordErrors{}}

	err := v.db.Transaction(func(tx *gorm.DB) error {
		batch, err := v.batchRepo.GetForUpdate(ctx, tx, batchID)
		if err != nil {
			return err
		}
		oldStatus := batch.Status
		if err := allowed(batch, model.BatchEventValidate); err != nil {
			return err
		}

		records, err := v.recordRepo.ListByBatch(ctx, tx, batch.ID)
		if err != nil {
			return fmt.Errorf("list batch records: %w", err)
		}

		for _, r := range records {
			if r.Status != model.RecordStatusPending && r.Status != model.RecordStatusIncluded {
				continue
			}

			msgs := checkRecord(r, v.rules)
			before := r.Status
			switch {
			case len(msgs) == 0 && r.Status == model.RecordStatusPending:
				if err := move(r, model.RecordEventInclude); err != nil {
					return err
				}
			case len(msgs) > 0 && r.Status == model.RecordStatusIncluded:
				if err := move(r, model.RecordEventDemote); err != nil {
					return err
				}
			}

			if r.Status == before && sameMessages(r.ValidationErrors, msgs) {
				continue
			}
			r.ValidationErrors = msgs
			if err := v.recordRepo.Save(ctx, tx, r); err != nil {
				return fmt.Errorf("save record %d: %w", r.ID, err)
			}
		}

		for _, r := range records {
			if r.Status == model.RecordStatusPending && len(r.ValidationErrors) > 0 {
				result.ValidationErrors = append(result.ValidationErrors, RecordErrors{
					RecordID: r.ID,
					SourceID: r.SourceID,
					Errors:   r.ValidationErrors,
				})
			}
		}

		recomputeBatchTotals(batch, records, v.defaultCurrency())
		if err := advance(batch, model.BatchEventValidate, model.BatchGuard{ErrorRecords: batch.ErrorRecords}); err != nil {
			return err
		}
		if err := v.batchRepo.Save(ctx, tx, batch, oldStatus); err != nil {
			return fmt.Errorf("save batch: %w", err)
		}

		result.Status = batch.Status
		result.ValidCount = batch.ValidRecords
		result.ErrorCount = batch.ErrorRecords

		return v.audit(ctx, tx, batch.ID, actor, oldStatus, batch.Status, model.ValidateDetails{
			ValidCount: result.ValidCount,
			ErrorCount: result.ErrorCount,
		})
	})
	if err != nil {
		return nil, err
	}

	v.metrics.AddRecords("validate", result.ValidCount+result.ErrorCount)
	v.log.Info("batch validated",
		zap.Int64("batch_id", batchID),
		zap.String("status", string(result.Status)),
		zap.Int("valid", result.ValidCount),
		zap.Int("errors", result.ErrorCount),
	)
	return result, nil
}

func sameMessages(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
