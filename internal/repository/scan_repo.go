package repository

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/extension-analysis/extension-analysis-go/internal/classifier"
	"github.com/extension-analysis/extension-analysis-go/internal/domain"
)

type ScanRepository interface {
	Create(ctx context.Context, scan *domain.ScanRecord) error
	FindByID(ctx context.Context, id string) (*domain.ScanRecord, error)
	// MarkRunning 只更新状态与开始时间
	MarkRunning(ctx context.Context, id string) error
	// SaveResult 写入完成的扫描结果
	SaveResult(ctx context.Context, scan *domain.ScanRecord) error
	MarkFailed(ctx context.Context, id string, errorMessage string) error
	List(ctx context.Context, filter domain.ScanFilter) ([]*domain.ScanRecord, int64, error)
	// LatestByHash 相同内容最近一次完成的扫描
	LatestByHash(ctx context.Context, hash string) (*domain.ScanRecord, error)
	Stats(ctx context.Context) (*domain.ScanStats, error)
	Delete(ctx context.Context, id string) error
	// FailInterrupted 把上次运行中断的扫描标记为失败
	FailInterrupted(ctx context.Context, errorMessage string) (int64, error)
	// ListQueued 按创建时间先进先出
	ListQueued(ctx context.Context, limit int) ([]*domain.ScanRecord, error)
}

type scanRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewScanRepository(db *gorm.DB, logger *logrus.Logger) ScanRepository {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &scanRepo{db: db, logger: logger}
}

func (r *scanRepo) Create(ctx context.Context, scan *domain.ScanRecord) error {
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now().UTC()
	}
	if scan.Status == "" {
		scan.Status = domain.ScanStatusQueued
	}
	return r.db.WithContext(ctx).Create(scan).Error
}

func (r *scanRepo) FindByID(ctx context.Context, id string) (*domain.ScanRecord, error) {
	var scan domain.ScanRecord
	if err := r.db.WithContext(ctx).First(&scan, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &scan, nil
}

func (r *scanRepo) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.updateColumns(ctx, id, map[string]interface{}{
		"status":     domain.ScanStatusRunning,
		"started_at": &now,
	})
}

func (r *scanRepo) SaveResult(ctx context.Context, scan *domain.ScanRecord) error {
	if scan.CompletedAt == nil {
		now := time.Now().UTC()
		scan.CompletedAt = &now
	}
	scan.Status = domain.ScanStatusCompleted

	// 显式列出字段，零值分数也要写入
	err := r.db.WithContext(ctx).
		Model(&domain.ScanRecord{ID: scan.ID}).
		Select("artifact_id", "content_hash", "status", "score", "level", "heuristic_score",
			"categories", "cached", "duration_ms", "report_json", "error_message", "completed_at").
		Updates(scan).Error
	if err != nil {
		r.logger.WithError(err).WithField("scan_id", scan.ID).Error("Scan result update failed")
	}
	return err
}

func (r *scanRepo) MarkFailed(ctx context.Context, id string, errorMessage string) error {
	now := time.Now().UTC()
	return r.updateColumns(ctx, id, map[string]interface{}{
		"status":        domain.ScanStatusFailed,
		"error_message": errorMessage,
		"completed_at":  &now,
	})
}

func (r *scanRepo) updateColumns(ctx context.Context, id string, cols map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&domain.ScanRecord{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// List 分页列表，列表不加载报告正文
func (r *scanRepo) List(ctx context.Context, filter domain.ScanFilter) ([]*domain.ScanRecord, int64, error) {
	filter.Normalize()

	query := r.db.WithContext(ctx).Model(&domain.ScanRecord{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Level != "" {
		query = query.Where("level = ?", filter.Level)
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		query = query.Where("artifact_id LIKE ? OR file_name LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var scans []*domain.ScanRecord
	err := query.
		Omit("report_json").
		Order("created_at DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&scans).Error
	return scans, total, err
}

func (r *scanRepo) LatestByHash(ctx context.Context, hash string) (*domain.ScanRecord, error) {
	var scan domain.ScanRecord
	err := r.db.WithContext(ctx).
		Where("content_hash = ? AND status = ?", hash, domain.ScanStatusCompleted).
		Order("completed_at DESC").
		First(&scan).Error
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

// Stats 按状态和等级聚合计数
func (r *scanRepo) Stats(ctx context.Context) (*domain.ScanStats, error) {
	type groupCount struct {
		Name  string
		Count int64
	}

	var byStatus []groupCount
	err := r.db.WithContext(ctx).
		Model(&domain.ScanRecord{}).
		Select("status AS name, COUNT(*) AS count").
		Group("status").
		Scan(&byStatus).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, err
	}

	var byLevel []groupCount
	err = r.db.WithContext(ctx).
		Model(&domain.ScanRecord{}).
		Select("level AS name, COUNT(*) AS count").
		Where("status = ?", domain.ScanStatusCompleted).
		Group("level").
		Scan(&byLevel).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get level counts")
		return nil, err
	}

	stats := &domain.ScanStats{
		ByStatus: map[string]int64{
			string(domain.ScanStatusQueued):    0,
			string(domain.ScanStatusRunning):   0,
			string(domain.ScanStatusCompleted): 0,
			string(domain.ScanStatusFailed):    0,
		},
		ByLevel: make(map[string]int64, len(classifier.Levels)),
	}
	for _, l := range classifier.Levels {
		stats.ByLevel[string(l)] = 0
	}
	for _, c := range byStatus {
		stats.ByStatus[c.Name] = c.Count
		stats.Total += c.Count
	}
	for _, c := range byLevel {
		stats.ByLevel[c.Name] = c.Count
	}
	return stats, nil
}

func (r *scanRepo) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&domain.ScanRecord{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *scanRepo) FailInterrupted(ctx context.Context, errorMessage string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&domain.ScanRecord{}).
		Where("status = ?", domain.ScanStatusRunning).
		Updates(map[string]interface{}{
			"status":        domain.ScanStatusFailed,
			"error_message": errorMessage,
			"completed_at":  &now,
		})
	return res.RowsAffected, res.Error
}

func (r *scanRepo) ListQueued(ctx context.Context, limit int) ([]*domain.ScanRecord, error) {
	var scans []*domain.ScanRecord
	err := r.db.WithContext(ctx).
		Omit("report_json").
		Where("status = ?", domain.ScanStatusQueued).
		Order("created_at ASC").
		Limit(limit).
		Find(&scans).Error
	return scans, err
}
