package job

import (
	"context"
	"time"

	"expenseexport/internal/config"
	"expenseexport/internal/metrics"
	"expenseexport/internal/repository"
	"expenseexport/internal/service"

	"go.uber.org/zap"
)

// Reconciler is the read side the monitor polls.
type Reconciler interface {
	GetReconciliation(ctx context.Context, f repository.RecordFilter) (*service.Reconciliation, error)
}

// ReconciliationMonitor periodically computes the global reconciliation
// figures, publishes them as gauges and warns while money is in flight.
// It never corrects anything.
type ReconciliationMonitor struct {
	reconciler Reconciler
	metrics    *metrics.Pipeline
	log        *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
}

func NewReconciliationMonitor(reconciler Reconciler, m *metrics.Pipeline, cfg *config.Config, log *zap.Logger) *ReconciliationMonitor {
	interval := time.Duration(cfg.Jobs.ReconciliationIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReconciliationMonitor{
		reconciler: reconciler,
		metrics:    m,
		log:        log.Named("reconciliation_monitor"),
		stopCh:     make(chan struct{}),
		interval:   interval,
	}
}

func (j *ReconciliationMonitor) Start(ctx context.Context) {
	j.log.Info("reconciliation monitor started", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("reconciliation monitor exiting")
			return
		case <-j.stopCh:
			j.log.Info("reconciliation monitor stopped")
			return
		case <-ticker.C:
			j.Check(ctx)
		}
	}
}

func (j *ReconciliationMonitor) Stop() {
	close(j.stopCh)
}

// Check runs one reconciliation pass.
func (j *ReconciliationMonitor) Check(ctx context.Context) *service.Reconciliation {
	rec, err := j.reconciler.GetReconciliation(ctx, repository.RecordFilter{})
	if err != nil {
		j.log.Error("reconciliation failed", zap.Error(err))
		return nil
	}

	exported, _ := rec.ExportedAmount.Float64()
	posted, _ := rec.PostedAmount.Float64()
	variance, _ := rec.Variance.Float64()
	j.metrics.SetReconciliation("exported_amount", exported)
	j.metrics.SetReconciliation("posted_amount", posted)
	j.metrics.SetReconciliation("variance", variance)
	j.metrics.SetReconciliation("pending_count", float64(rec.PendingCount))
	j.metrics.SetReconciliation("failed_count", float64(rec.FailedCount))

	if !rec.Variance.IsZero() || rec.FailedCount > 0 {
		j.log.Warn("unreconciled exports",
			zap.String("variance", rec.Variance.String()),
			zap.Int("pending", rec.PendingCount),
			zap.Int("failed", rec.FailedCount),
		)
	}
	return rec
}
