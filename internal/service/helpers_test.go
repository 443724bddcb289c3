package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"expenseexport/internal/config"
	"expenseexport/internal/infrastructure/database"
	"expenseexport/internal/model"
	"expenseexport/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testActor = "finance.clerk"

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// env wires every stage against one in-memory database.
type env struct {
	db        *gorm.DB
	clock     *fakeClock
	batches   *BatchService
	puller    *RecordPuller
	validator *Validator
	exporter  *Exporter
	postings  *PostingTracker
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	require.NoError(t, db.AutoMigrate(
		&model.PerDiemPayment{},
		&model.TuitionCharge{},
		&model.TravelCost{},
		&model.TravelIncident{},
	))
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Export: config.ExportConfig{
			DefaultCurrency: "LYD",
			GLAccounts: map[string]string{
				"per_diem":    "6110",
				"tuition":     "6120",
				"travel_cost": "6130",
			},
		},
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{ExportEvents: "expense.export.events"},
		},
	}
}

func newEnvWithSources(t *testing.T, sources SourceReader, incidents IncidentReader) *env {
	t.Helper()
	db := newTestDB(t)
	clock := &fakeClock{now: time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)}
	d := Deps{
		DB:  db,
		Cfg: testConfig(),
		Log: zap.NewNop(),
		Now: clock.Now,
	}
	if sources == nil {
		sources = repository.NewSourceRepository(db)
	}
	if incidents == nil {
		incidents = repository.NewIncidentRepository(db)
	}
	return &env{
		db:        db,
		clock:     clock,
		batches:   NewBatchService(d),
		puller:    NewRecordPuller(d, sources, incidents),
		validator: NewValidator(d),
		exporter:  NewExporter(d),
		postings:  NewPostingTracker(d),
	}
}

func newEnv(t *testing.T) *env {
	return newEnvWithSources(t, nil, nil)
}

func jan(day int) time.Time {
	return time.Date(2025, 1, day, 0, 0, 0, 0, time.UTC)
}

// seedPerDiem inserts n January per-diem rows of 500 LYD each. The rows
// listed in missingCostCentre have no cost centre.
func seedPerDiem(t *testing.T, db *gorm.DB, n int, missingCostCentre ...int) {
	t.Helper()
	missing := make(map[int]bool)
	for _, i := range missingCostCentre {
		missing[i] = true
	}
	for i := 1; i <= n; i++ {
		row := model.PerDiemPayment{SourceFields: model.SourceFields{
			ID:                 fmt.Sprintf("pd-%03d", i),
			EmployeeID:         fmt.Sprintf("emp-%d", i),
			EmployeeName:       fmt.Sprintf("Employee, %d", i),
			PayrollID:          fmt.Sprintf("PR%05d", i),
			CostCentre:         "CC-100",
			Amount:             decimal.NewFromInt(500),
			Currency:           "LYD",
			ExpenseDate:        jan(i).Add(9 * time.Hour),
			DestinationCountry: "Tunisia",
			DestinationCity:    "Tunis",
			TrainingRequestID:  fmt.Sprintf("tr-%d", i),
			SessionID:          fmt.Sprintf("s-%d", i),
		}}
		if missing[i] {
			row.CostCentre = ""
		}
		require.NoError(t, db.Create(&row).Error)
	}
}

func (e *env) createBatch(t *testing.T, exportType model.ExportType) *model.ExportBatch {
	t.Helper()
	batch, err := e.batches.CreateBatch(context.Background(), &CreateBatchRequest{
		ExportType:  exportType,
		PeriodStart: jan(1),
		PeriodEnd:   jan(31),
	}, testActor)
	require.NoError(t, err)
	return batch
}

func (e *env) records(t *testing.T, batchID int64) []*model.ExportRecord {
	t.Helper()
	records, err := e.batches.ListRecords(context.Background(), batchID, "")
	require.NoError(t, err)
	return records
}

func (e *env) batch(t *testing.T, batchID int64) *model.ExportBatch {
	t.Helper()
	b, err := e.batches.GetBatch(context.Background(), batchID)
	require.NoError(t, err)
	return b
}

func idsOf(records []*model.ExportRecord) []int64 {
	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

// exportedBatch runs a clean batch of n records through export.
func (e *env) exportedBatch(t *testing.T, n int) *model.ExportBatch {
	t.Helper()
	ctx := context.Background()
	seedPerDiem(t, e.db, n)
	b := e.createBatch(t, model.ExportTypePerDiem)
	_, err := e.puller.PullRecords(ctx, b.ID, testActor)
	require.NoError(t, err)
	res, err := e.validator.Validate(ctx, b.ID, testActor)
	require.NoError(t, err)
	require.Equal(t, model.BatchStatusValidated, res.Status)
	_, err = e.exporter.Export(ctx, b.ID, testActor)
	require.NoError(t, err)
	return e.batch(t, b.ID)
}
