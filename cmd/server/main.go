package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/extension-analysis/extension-analysis-go/internal/api"
	"github.com/extension-analysis/extension-analysis-go/internal/api/handlers"
	"github.com/extension-analysis/extension-analysis-go/internal/classifier"
	"github.com/extension-analysis/extension-analysis-go/internal/config"
	"github.com/extension-analysis/extension-analysis-go/internal/domain"
	"github.com/extension-analysis/extension-analysis-go/internal/engine"
	"github.com/extension-analysis/extension-analysis-go/internal/middleware"
	"github.com/extension-analysis/extension-analysis-go/internal/queue"
	"github.com/extension-analysis/extension-analysis-go/internal/repository"
	"github.com/extension-analysis/extension-analysis-go/internal/retry"
	"github.com/extension-analysis/extension-analysis-go/internal/service"
	"github.com/extension-analysis/extension-analysis-go/internal/source"
	"github.com/extension-analysis/extension-analysis-go/internal/watcher"
	"github.com/extension-analysis/extension-analysis-go/internal/worker"
)

var (
	Version   = api.Version
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("Extension Analysis Server\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting extension analysis server %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.WithField("type", cfg.Database.Type).Info("Database connected successfully")
	// 最后关闭，Worker 池排空时仍需写库
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	// 5. 分析引擎
	eng, err := newEngine(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to init engine: %v", err)
	}

	// 6. 监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "extension_analysis")
	memMonitor := middleware.NewMemoryMonitor(logger, promMetrics, 30*time.Second)
	memMonitor.Start()
	defer memMonitor.Stop()

	feed := handlers.NewScanFeedHandler(logger)
	feed.Start()
	defer feed.Stop()

	// 7. 扫描服务与 Worker 池互相引用：池通过闭包调用服务
	limits := cfg.Analysis.Limits()
	artifactRoot := cfg.Analysis.ArtifactRoot
	if artifactRoot == "" {
		artifactRoot = "data/artifacts"
	}
	artifacts := source.NewFileSource(artifactRoot, limits, logger)
	inbox := source.NewFileSource(cfg.Watcher.Dir, limits, logger)

	var scanService service.ScanService
	pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, worker.ProcessorFunc(
		func(ctx context.Context, job *worker.Job) error {
			return scanService.Process(ctx, job)
		}), logger)

	scanService = service.NewScanService(service.Options{
		Repo:   repository.NewScanRepository(db, logger),
		Engine: eng,
		Sources: map[domain.ScanSource]engine.ArtifactSource{
			domain.ScanSourceAPI:     artifacts,
			domain.ScanSourceQueue:   artifacts,
			domain.ScanSourceWatcher: inbox,
		},
		Dispatcher: pool,
		Metrics:    promMetrics,
		Notifier:   feed,
		Retry:      retry.PersistConfig(cfg.Analysis.PersistAttempts, time.Duration(cfg.Analysis.PersistBackoffMS)*time.Millisecond, logger),
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()
	logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)

	go reportQueueSize(ctx, pool, promMetrics)

	// 清理上次运行中断的扫描，排队中的重新分发
	if _, err := scanService.Recover(ctx); err != nil {
		logger.WithError(err).Warn("Failed to recover scans")
	}

	// 8. 投递目录
	if cfg.Watcher.Enabled {
		fileWatcher, err := watcher.NewFileWatcher(watcher.Options{
			Dir:          cfg.Watcher.Dir,
			Pattern:      cfg.Watcher.Pattern,
			Debounce:     time.Duration(cfg.Watcher.DebounceMS) * time.Millisecond,
			ScanExisting: true,
		}, createFileHandler(scanService, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		defer fileWatcher.Stop()

		if err := fileWatcher.Start(ctx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", cfg.Watcher.Dir)
	}

	// 9. RabbitMQ（可选）
	if cfg.RabbitMQ.Enabled {
		mq, err := queue.NewRabbitMQ(queue.OptionsFromConfig(&cfg.RabbitMQ, cfg.Worker.Concurrency), logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		defer mq.Close()

		consumer := queue.NewConsumer(mq, scanService.HandleMessage, cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		defer consumer.Stop()
		logger.Infof("Scan consumer started on queue %s", cfg.RabbitMQ.Queue)
	}

	// 10. HTTP 服务
	router := api.SetupRouter(cfg, logger, api.Dependencies{
		ScanService: scanService,
		Metrics:     promMetrics,
		MemMonitor:  memMonitor,
		Feed:        feed,
	})
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  5 * time.Minute, // 支持大文件上传
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	logger.Info("Server stopped")
}

func newEngine(cfg *config.Config, logger *logrus.Logger) (*engine.Engine, error) {
	opts := engine.Options{
		CacheSize: cfg.Analysis.CacheSize,
		Limits:    cfg.Analysis.Limits(),
		Logger:    logger,
	}
	if cfg.Analysis.CalibrationFile != "" {
		cal, err := classifier.LoadCalibration(cfg.Analysis.CalibrationFile)
		if err != nil {
			return nil, err
		}
		opts.Calibration = &cal
		logger.WithFields(logrus.Fields{
			"file":    cfg.Analysis.CalibrationFile,
			"version": cal.Version,
		}).Info("Classifier calibration loaded")
	}
	return engine.New(opts)
}

// createFileHandler 投递目录中的新文件按文件名提交
func createFileHandler(scanService service.ScanService, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		fileName := filepath.Base(filePath)
		scan, err := scanService.Submit(ctx, domain.ScanSourceWatcher, fileName)
		if err != nil {
			return fmt.Errorf("failed to submit scan: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"scan_id":   scan.ID,
			"file_name": fileName,
		}).Info("Scan created for inbox file")
		return nil
	}
}

func reportQueueSize(ctx context.Context, pool *worker.Pool, metrics *middleware.PrometheusMetrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateQueueSize(pool.QueueSize())
		}
	}
}
