package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"expenseexport/internal/config"
	"expenseexport/internal/infrastructure/lock"
	"expenseexport/internal/metrics"
	"expenseexport/internal/model"
	"expenseexport/internal/repository"
	"expenseexport/pkg/apperr"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StageLocker serialises stage calls on one batch across workers.
type StageLocker interface {
	LockBatch(ctx context.Context, batchID int64, owner string) (release func(), err error)
}

// NopLocker never blocks. Used when Redis is not configured and in tests;
// the database constraints still keep concurrent calls correct.
type NopLocker struct{}

func (NopLocker) LockBatch(context.Context, int64, string) (func(), error) {
	return func() {}, nil
}

// Deps are the collaborators shared by the pipeline stages.
type Deps struct {
	DB      *gorm.DB
	Cfg     *config.Config
	Log     *zap.Logger
	Locker  StageLocker
	Metrics *metrics.Pipeline
	Now     func() time.Time
}

// stage carries what every pipeline stage needs: repositories, the lock,
// audit and outbox writers.
type stage struct {
	db         *gorm.DB
	cfg        *config.Config
	log        *zap.Logger
	locker     StageLocker
	metrics    *metrics.Pipeline
	now        func() time.Time
	batchRepo  *repository.BatchRepository
	recordRepo *repository.RecordRepository
	auditRepo  *repository.AuditRepository
	outboxRepo *repository.OutboxRepository
}

func newStage(d Deps) stage {
	s := stage{
		db:         d.DB,
		cfg:        d.Cfg,
		log:        d.Log,
		locker:     d.Locker,
		metrics:    d.Metrics,
		now:        d.Now,
		batchRepo:  repository.NewBatchRepository(d.DB),
		recordRepo: repository.NewRecordRepository(d.DB),
		auditRepo:  repository.NewAuditRepository(d.DB),
		outboxRepo: repository.NewOutboxRepository(d.DB),
	}
	if s.cfg == nil {
		s.cfg = &config.Config{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.locker == nil {
		s.locker = NopLocker{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *stage) clock() time.Time {
	return s.now().UTC()
}

// run executes fn under the batch lock and records the stage outcome.
func (s *stage) run(ctx context.Context, name string, batchID int64, actor string, fn func() error) error {
	release, err := s.locker.LockBatch(ctx, batchID, actor+":"+name)
	if err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			err = apperr.Conflict(err, "batch %d is busy with another operation", batchID)
		}
		s.metrics.ObserveStage(name, err)
		return err
	}
	defer release()

	err = fn()
	s.metrics.ObserveStage(name, err)
	return err
}

// advance applies a batch event through the transition function.
func advance(batch *model.ExportBatch, event model.BatchEvent, guard model.BatchGuard) error {
	next, err := model.NextBatchStatus(batch.Status, event, guard)
	if err != nil {
		return apperr.InvalidState("batch %d: %v", batch.ID, err)
	}
	batch.Status = next
	return nil
}

// allowed checks an event against the batch without applying it.
func allowed(batch *model.ExportBatch, event model.BatchEvent) error {
	if _, err := model.NextBatchStatus(batch.Status, event, model.BatchGuard{}); err != nil {
		return apperr.InvalidState("batch %d: %v", batch.ID, err)
	}
	return nil
}

// move applies a record event through the transition function.
func move(record *model.ExportRecord, event model.RecordEvent) error {
	next, err := model.NextRecordStatus(record.Status, event)
	if err != nil {
		return apperr.InvalidState("record %d: %v", record.ID, err)
	}
	record.Status = next
	return nil
}

func (s *stage) audit(ctx context.Context, tx *gorm.DB, batchID int64, actor string, oldStatus, newStatus model.BatchStatus, details model.AuditDetails) error {
	entry, err := model.NewAuditEntry(batchID, actor, oldStatus, newStatus, details)
	if err != nil {
		return err
	}
	return s.auditRepo.Append(ctx, tx, entry)
}

// defaultCurrency is used when a batch has no records to infer it from.
func (s *stage) defaultCurrency() string {
	if s.cfg.Export.DefaultCurrency != "" {
		return s.cfg.Export.DefaultCurrency
	}
	return "LYD"
}

// BatchEventPayload is the body of the messages published on the export
// events topic.
type BatchEventPayload struct {
	Event         string          `json:"event"`
	BatchID       int64           `json:"batch_id"`
	BatchNo       string          `json:"batch_no"`
	ExportType    string          `json:"export_type"`
	Status        string          `json:"status"`
	FileName      string          `json:"file_name,omitempty"`
	Records       int             `json:"records"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Currency      string          `json:"currency"`
	ReExportCount int             `json:"re_export_count"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// enqueue writes an outbox message in tx; the outbox sender relays it.
func (s *stage) enqueue(ctx context.Context, tx *gorm.DB, eventType string, batch *model.ExportBatch, records int) error {
	payload, err := json.Marshal(BatchEventPayload{
		Event:         eventType,
		BatchID:       batch.ID,
		BatchNo:       batch.BatchNo,
		ExportType:    string(batch.ExportType),
		Status:        string(batch.Status),
		FileName:      batch.ExportFileName,
		Records:       records,
		TotalAmount:   batch.TotalAmount,
		Currency:      batch.Currency,
		ReExportCount: batch.ReExportCount,
		OccurredAt:    s.clock(),
	})
	if err != nil {
		return err
	}

	topic := s.cfg.Kafka.Topic.ExportEvents
	if topic == "" {
		topic = "expense.export.events"
	}
	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: batch.BatchNo,
		EventType:  eventType,
		Topic:      topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}

// Services bundles the pipeline stages for the transport layers.
type Services struct {
	Batches   *BatchService
	Puller    *RecordPuller
	Validator *Validator
	Exporter  *Exporter
	Postings  *PostingTracker
}

func NewServices(d Deps, sources SourceReader, incidents IncidentReader) *Services {
	return &Services{
		Batches:   NewBatchService(d),
		Puller:    NewRecordPuller(d, sources, incidents),
		Validator: NewValidator(d),
		Exporter:  NewExporter(d),
		Postings:  NewPostingTracker(d),
	}
}
