// Package exportfile renders export records into the flat artifact sent to
// the finance system.
package exportfile

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"expenseexport/internal/model"

	"github.com/xuri/excelize/v2"
)

// Columns is the fixed column order of the artifact. Downstream importers
// map by position, so the order must not change.
var Columns = []string{
	"export_key",
	"payroll_id",
	"employee_name",
	"expense_type",
	"amount",
	"currency",
	"cost_centre",
	"gl_account",
	"expense_date",
	"posting_period",
	"destination_country",
	"destination_city",
	"training_request_id",
	"session_id",
	"incident_adjusted",
}

const dateLayout = "2006-01-02"

// FileName builds export_<batch_no>_<date>.csv or re_export_<batch_no>_<date>.csv.
func FileName(batchNo string, at time.Time, reExport bool) string {
	prefix := "export"
	if reExport {
		prefix = "re_export"
	}
	return fmt.Sprintf("%s_%s_%s.csv", prefix, batchNo, at.UTC().Format(dateLayout))
}

// Row returns the cells of one record in column order.
func Row(r *model.ExportRecord) []string {
	return []string{
		r.ExportKey,
		r.PayrollID,
		r.EmployeeName,
		r.ExpenseType,
		r.Amount.StringFixed(2),
		r.Currency,
		r.CostCentre,
		r.GLAccount,
		r.ExpenseDate.UTC().Format(dateLayout),
		r.PostingPeriod,
		r.DestinationCountry,
		r.DestinationCity,
		r.TrainingRequestID,
		r.SessionID,
		strconv.FormatBool(r.HasIncidentAdjustment),
	}
}

// RenderCSV writes a header row and one row per record. Fields containing
// the delimiter, quotes or line breaks are double-quoted.
func RenderCSV(records []*model.ExportRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := w.Write(Row(r)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const sheetName = "Export"

// RenderXLSX renders the same rows as a workbook for operators who review
// the batch in a spreadsheet.
func RenderXLSX(records []*model.ExportRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}

	header := make([]interface{}, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return nil, err
	}

	for i, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		cells := Row(r)
		row := make([]interface{}, len(cells))
		for j, v := range cells {
			row[j] = v
		}
		// amounts as numbers so totals can be summed in the sheet
		row[4], _ = r.Amount.Round(2).Float64()
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
