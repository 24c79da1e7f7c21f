package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/extension-analysis/extension-analysis-go/internal/domain"
	"github.com/extension-analysis/extension-analysis-go/internal/engine"
	"github.com/extension-analysis/extension-analysis-go/internal/queue"
	"github.com/extension-analysis/extension-analysis-go/internal/repository"
	"github.com/extension-analysis/extension-analysis-go/internal/retry"
	"github.com/extension-analysis/extension-analysis-go/internal/worker"
)

var (
	// ErrNoDispatcher 未配置异步执行
	ErrNoDispatcher = errors.New("asynchronous scanning is not enabled")
	// ErrUnknownSource 没有为该来源配置制品目录
	ErrUnknownSource = errors.New("no artifact source configured")
)

// Analyzer 分析引擎，*engine.Engine 实现
type Analyzer interface {
	Analyze(ctx context.Context, req engine.Request) (*engine.Report, error)
	AnalyzeArtifact(ctx context.Context, source engine.ArtifactSource, store engine.HistoryStore, artifactID string) (*engine.Report, error)
}

// Dispatcher 异步执行扫描任务，*worker.Pool 实现
type Dispatcher interface {
	Submit(job *worker.Job) error
}

// Recorder 扫描指标，*middleware.PrometheusMetrics 实现
type Recorder interface {
	RecordScanQueued()
	RecordScanStarted()
	RecordScanCompleted(level string, score int, cached bool, duration time.Duration)
	RecordScanFailed(duration time.Duration)
	RecordFindings(indicators, categories []string)
	RecordPersistFailure()
}

// EventType 扫描事件
type EventType string

const (
	EventQueued    EventType = "scan.queued"
	EventCompleted EventType = "scan.completed"
	EventFailed    EventType = "scan.failed"
)

// ScanEvent 推送给实时订阅者的事件
type ScanEvent struct {
	Type EventType          `json:"type"`
	Scan *domain.ScanRecord `json:"scan"`
}

// Notifier 实时事件推送
type Notifier interface {
	Notify(event ScanEvent)
}

// ScanService 扫描服务
type ScanService interface {
	// Submit 创建排队中的扫描记录并交给 Dispatcher 异步执行
	Submit(ctx context.Context, source domain.ScanSource, artifactID string) (*domain.ScanRecord, error)

	// ScanRequest 同步分析内存中的制品并保存结果
	ScanRequest(ctx context.Context, source domain.ScanSource, fileName string, req *engine.Request) (*domain.ScanRecord, *engine.Report, error)

	// Process 执行一个已排队的任务，实现 worker.Processor
	Process(ctx context.Context, job *worker.Job) error

	// HandleMessage 处理队列消息
	HandleMessage(ctx context.Context, msg *queue.ScanMessage) error

	GetScan(ctx context.Context, id string) (*domain.ScanRecord, error)
	GetReport(ctx context.Context, id string) (*engine.Report, error)
	ListScans(ctx context.Context, filter domain.ScanFilter) ([]*domain.ScanRecord, int64, error)
	Stats(ctx context.Context) (*domain.ScanStats, error)
	DeleteScan(ctx context.Context, id string) error

	// Recover 服务启动时调用：中断的扫描标记失败，排队中的重新分发
	Recover(ctx context.Context) (*RecoveryResult, error)
}

// RecoveryResult 启动恢复结果
type RecoveryResult struct {
	Interrupted int64 `json:"interrupted"`
	Requeued    int   `json:"requeued"`
	Dropped     int   `json:"dropped"`
}

// maxRecoverQueued 启动时最多重新分发的排队扫描数
const maxRecoverQueued = 10000

// Options 服务依赖，除 Repo 与 Engine 外均可为空
type Options struct {
	Repo       repository.ScanRepository
	Engine     Analyzer
	Sources    map[domain.ScanSource]engine.ArtifactSource
	Dispatcher Dispatcher
	Metrics    Recorder
	Notifier   Notifier
	Retry      *retry.Config
	Logger     *logrus.Logger
}

type scanService struct {
	repo       repository.ScanRepository
	engine     Analyzer
	sources    map[domain.ScanSource]engine.ArtifactSource
	dispatcher Dispatcher
	metrics    Recorder
	notifier   Notifier
	retry      *retry.Config
	logger     *logrus.Logger
}

// NewScanService 创建扫描服务
func NewScanService(opts Options) ScanService {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rc := opts.Retry
	if rc == nil {
		rc = retry.PersistConfig(0, 0, logger)
	}
	return &scanService{
		repo:       opts.Repo,
		engine:     opts.Engine,
		sources:    opts.Sources,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		notifier:   opts.Notifier,
		retry:      rc,
		logger:     logger,
	}
}

func (s *scanService) newRecord(source domain.ScanSource, artifactID, fileName string) *domain.ScanRecord {
	return &domain.ScanRecord{
		ID:         uuid.New().String(),
		ArtifactID: artifactID,
		Source:     source,
		FileName:   fileName,
		Status:     domain.ScanStatusQueued,
		CreatedAt:  time.Now().UTC(),
	}
}

func (s *scanService) Submit(ctx context.Context, source domain.ScanSource, artifactID string) (*domain.ScanRecord, error) {
	if s.dispatcher == nil {
		return nil, ErrNoDispatcher
	}
	if _, ok := s.sources[source]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	scan := s.newRecord(source, artifactID, artifactID)
	if err := s.repo.Create(ctx, scan); err != nil {
		s.logger.WithError(err).Error("Failed to create scan")
		return nil, fmt.Errorf("failed to create scan: %w", err)
	}
	s.recordQueued(scan)

	job := &worker.Job{ScanID: scan.ID, Path: artifactID, Source: string(source)}
	if err := s.dispatcher.Submit(job); err != nil {
		s.fail(ctx, scan, time.Now(), err)
		return nil, fmt.Errorf("failed to dispatch scan: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"scan_id":  scan.ID,
		"artifact": artifactID,
		"source":   source,
	}).Info("Scan queued")
	return scan, nil
}

func (s *scanService) ScanRequest(ctx context.Context, source domain.ScanSource, fileName string, req *engine.Request) (*domain.ScanRecord, *engine.Report, error) {
	if req.ArtifactID == "" {
		req.ArtifactID = fileName
	}
	scan := s.newRecord(source, req.ArtifactID, fileName)
	if err := s.repo.Create(ctx, scan); err != nil {
		return nil, nil, fmt.Errorf("failed to create scan: %w", err)
	}
	s.recordQueued(scan)

	start := time.Now()
	s.started()

	report, err := s.engine.Analyze(ctx, *req)
	if report == nil {
		s.fail(ctx, scan, start, err)
		return scan, nil, err
	}

	store := &recordStore{svc: s, scan: scan}
	if saveErr := store.Save(ctx, report); saveErr != nil {
		s.fail(ctx, scan, start, saveErr)
		return scan, report, saveErr
	}
	s.completed(scan, report, start)
	return scan, report, nil
}

func (s *scanService) Process(ctx context.Context, job *worker.Job) error {
	scan, err := s.repo.FindByID(ctx, job.ScanID)
	if err != nil {
		return fmt.Errorf("failed to load scan %s: %w", job.ScanID, err)
	}

	src, ok := s.sources[domain.ScanSource(job.Source)]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownSource, job.Source)
		s.fail(ctx, scan, time.Now(), err)
		return err
	}

	if err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.repo.MarkRunning(ctx, scan.ID)
	}); err != nil {
		s.logger.WithError(err).WithField("scan_id", scan.ID).Warn("Failed to mark scan running")
	}

	start := time.Now()
	s.started()

	store := &recordStore{svc: s, scan: scan}
	report, err := s.engine.AnalyzeArtifact(ctx, src, store, job.Path)
	if report == nil {
		s.fail(ctx, scan, start, err)
		return err
	}
	if store.err != nil {
		// 结果没能写入，记录不能停留在 running
		s.fail(ctx, scan, start, store.err)
		return store.err
	}
	s.completed(scan, report, start)
	// 分析器降级已记录在报告中，不算任务失败
	return nil
}

func (s *scanService) HandleMessage(ctx context.Context, msg *queue.ScanMessage) error {
	if _, ok := s.sources[domain.ScanSourceQueue]; !ok {
		return retry.Permanent(fmt.Errorf("%w: %s", ErrUnknownSource, domain.ScanSourceQueue))
	}

	scanID := msg.ScanID
	if scanID == "" {
		scan := s.newRecord(domain.ScanSourceQueue, msg.ArtifactID, msg.Target())
		if err := s.repo.Create(ctx, scan); err != nil {
			return fmt.Errorf("failed to create scan: %w", err)
		}
		s.recordQueued(scan)
		scanID = scan.ID
	}

	return s.Process(ctx, &worker.Job{ScanID: scanID, Path: msg.Target(), Source: string(domain.ScanSourceQueue)})
}

func (s *scanService) GetScan(ctx context.Context, id string) (*domain.ScanRecord, error) {
	scan, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return scan, nil
}

// GetReport 解析保存的报告，未完成的扫描没有报告
func (s *scanService) GetReport(ctx context.Context, id string) (*engine.Report, error) {
	scan, err := s.GetScan(ctx, id)
	if err != nil {
		return nil, err
	}
	if scan.ReportJSON == "" {
		return nil, nil
	}
	var report engine.Report
	if err := json.Unmarshal([]byte(scan.ReportJSON), &report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &report, nil
}

func (s *scanService) ListScans(ctx context.Context, filter domain.ScanFilter) ([]*domain.ScanRecord, int64, error) {
	scans, total, err := s.repo.List(ctx, filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list scans")
		return nil, 0, fmt.Errorf("failed to list scans: %w", err)
	}
	return scans, total, nil
}

func (s *scanService) Stats(ctx context.Context) (*domain.ScanStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

func (s *scanService) DeleteScan(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete scan: %w", err)
	}
	return nil
}

func (s *scanService) Recover(ctx context.Context) (*RecoveryResult, error) {
	result := &RecoveryResult{}

	n, err := s.repo.FailInterrupted(ctx, "scan interrupted by service restart")
	if err != nil {
		return nil, fmt.Errorf("failed to reset interrupted scans: %w", err)
	}
	result.Interrupted = n

	if s.dispatcher == nil {
		return result, nil
	}

	queued, err := s.repo.ListQueued(ctx, maxRecoverQueued)
	if err != nil {
		return result, fmt.Errorf("failed to list queued scans: %w", err)
	}
	for _, scan := range queued {
		if _, ok := s.sources[scan.Source]; !ok {
			// 同步来源（上传、CLI）的排队记录没有可重新读取的制品
			s.fail(ctx, scan, time.Now(), fmt.Errorf("%w: %s", ErrUnknownSource, scan.Source))
			result.Dropped++
			continue
		}
		job := &worker.Job{ScanID: scan.ID, Path: scan.ArtifactID, Source: string(scan.Source)}
		if err := s.dispatcher.Submit(job); err != nil {
			s.fail(ctx, scan, time.Now(), err)
			result.Dropped++
			continue
		}
		result.Requeued++
	}

	s.logger.WithFields(logrus.Fields{
		"interrupted": result.Interrupted,
		"requeued":    result.Requeued,
		"dropped":     result.Dropped,
	}).Info("Scan recovery finished")
	return result, nil
}

// ==================== 状态变更与通知 ====================

func (s *scanService) recordQueued(scan *domain.ScanRecord) {
	if s.metrics != nil {
		s.metrics.RecordScanQueued()
	}
	s.notify(EventQueued, scan)
}

func (s *scanService) started() {
	if s.metrics != nil {
		s.metrics.RecordScanStarted()
	}
}

func (s *scanService) completed(scan *domain.ScanRecord, report *engine.Report, start time.Time) {
	if s.metrics != nil {
		var indicators []string
		if report.Heuristic != nil {
			for _, d := range report.Heuristic.DetectedHeuristics {
				indicators = append(indicators, d.ID)
			}
		}
		s.metrics.RecordScanCompleted(string(report.Level()), report.Score(), report.Cached, time.Since(start))
		s.metrics.RecordFindings(indicators, categoryNames(report))
	}
	s.notify(EventCompleted, scan)
}

func (s *scanService) fail(ctx context.Context, scan *domain.ScanRecord, start time.Time, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	s.logger.WithError(cause).WithField("scan_id", scan.ID).Error("Scan failed")

	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.repo.MarkFailed(ctx, scan.ID, msg)
	})
	if err != nil {
		s.logger.WithError(err).WithField("scan_id", scan.ID).Error("Failed to mark scan failed")
	}

	now := time.Now().UTC()
	scan.Status = domain.ScanStatusFailed
	scan.ErrorMessage = msg
	scan.CompletedAt = &now
	if s.metrics != nil {
		s.metrics.RecordScanFailed(time.Since(start))
	}
	s.notify(EventFailed, scan)
}

func (s *scanService) notify(t EventType, scan *domain.ScanRecord) {
	if s.notifier == nil {
		return
	}
	snapshot := *scan
	snapshot.ReportJSON = ""
	s.notifier.Notify(ScanEvent{Type: t, Scan: &snapshot})
}

func categoryNames(report *engine.Report) []string {
	if report.Classification == nil {
		return nil
	}
	names := make([]string, 0, len(report.Classification.Categories))
	for _, c := range report.Classification.Categories {
		names = append(names, c.Name)
	}
	return names
}

// ==================== 报告保存 ====================

// recordStore 把报告写回指定的扫描记录，实现 engine.HistoryStore
type recordStore struct {
	svc  *scanService
	scan *domain.ScanRecord
	err  error
}

func (r *recordStore) Save(ctx context.Context, report *engine.Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		r.err = fmt.Errorf("failed to encode report: %w", err)
		return r.err
	}

	scan := r.scan
	now := time.Now().UTC()
	scan.ArtifactID = report.ArtifactID
	scan.ContentHash = report.ContentHash
	scan.Status = domain.ScanStatusCompleted
	scan.Score = report.Score()
	scan.Level = string(report.Level())
	if report.Heuristic != nil {
		scan.HeuristicScore = report.Heuristic.HeuristicScore
	}
	scan.Categories = strings.Join(categoryNames(report), ",")
	scan.Cached = report.Cached
	scan.DurationMS = report.DurationMS
	scan.ErrorMessage = strings.Join(report.Errors, "; ")
	scan.ReportJSON = string(body)
	scan.CompletedAt = &now

	err = retry.Do(ctx, r.svc.retry, func(ctx context.Context) error {
		return r.svc.repo.SaveResult(ctx, scan)
	})
	if err != nil {
		if r.svc.metrics != nil {
			r.svc.metrics.RecordPersistFailure()
		}
		r.svc.logger.WithError(err).WithField("scan_id", scan.ID).Error("Failed to persist scan result")
		r.err = err
		return err
	}

	r.svc.logger.WithFields(logrus.Fields{
		"scan_id": scan.ID,
		"level":   scan.Level,
		"score":   scan.Score,
		"cached":  scan.Cached,
	}).Info("Scan result saved")
	return nil
}
