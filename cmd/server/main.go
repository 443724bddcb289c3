package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"expenseexport/internal/config"
	"expenseexport/internal/handler"
	"expenseexport/internal/infrastructure/cache"
	"expenseexport/internal/infrastructure/database"
	"expenseexport/internal/infrastructure/lock"
	"expenseexport/internal/infrastructure/logger"
	"expenseexport/internal/infrastructure/mq"
	"expenseexport/internal/job"
	"expenseexport/internal/metrics"
	"expenseexport/internal/repository"
	"expenseexport/internal/service"
	"expenseexport/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	configPath := "config/config.yaml"
	if p := os.Getenv("EXPORT_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync()

	if err := idgen.Init(int64(cfg.Server.WorkerID)); err != nil {
		zlog.Fatal("init id generator", zap.Error(err))
	}

	db, err := database.InitMySQL(&cfg.MySQL, zlog)
	if err != nil {
		zlog.Fatal("init mysql", zap.Error(err))
	}

	// Without Redis the stages still run; only cross-instance serialisation is lost.
	var locker service.StageLocker = service.NopLocker{}
	if rdb, err := cache.InitRedis(&cfg.Redis, zlog); err != nil {
		zlog.Warn("redis unavailable, batch locks disabled", zap.Error(err))
	} else {
		defer rdb.Close()
		locker = lock.NewBatchLocker(rdb, cfg.Export.LockTTL())
	}

	pipelineMetrics, err := metrics.NewPipeline(nil)
	if err != nil {
		zlog.Fatal("register metrics", zap.Error(err))
	}

	publisher, err := mq.InitKafka(&cfg.Kafka, zlog)
	if err != nil {
		zlog.Fatal("init kafka", zap.Error(err))
	}
	defer publisher.Close()

	svc := service.NewServices(service.Deps{
		DB:      db,
		Cfg:     cfg,
		Log:     zlog,
		Locker:  locker,
		Metrics: pipelineMetrics,
	}, repository.NewSourceRepository(db), repository.NewIncidentRepository(db))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// background jobs
	outboxSender := job.NewOutboxSender(db, publisher, cfg, zlog)
	go outboxSender.Start(ctx)

	monitor := job.NewReconciliationMonitor(svc.Postings, pipelineMetrics, cfg, zlog)
	go monitor.Start(ctx)

	if err := mq.StartPostingConsumer(ctx, &cfg.Kafka, mq.NewPostingConsumer(svc.Postings, zlog), zlog); err != nil {
		zlog.Fatal("start posting consumer", zap.Error(err))
	}

	router := handler.SetupRouter(handler.NewHandler(svc, zlog), zlog, nil)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		zlog.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down")

	cancel()
	outboxSender.Stop()
	monitor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("server shutdown", zap.Error(err))
	}

	zlog.Info("server stopped")
}
