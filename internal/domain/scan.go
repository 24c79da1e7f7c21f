package domain

import (
	"time"
)

type ScanStatus string

const (
	ScanStatusQueued    ScanStatus = "queued"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

// Finished 是否已结束
func (s ScanStatus) Finished() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// ScanSource 扫描来源
type ScanSource string

const (
	ScanSourceAPI     ScanSource = "api"
	ScanSourceUpload  ScanSource = "upload"
	ScanSourceWatcher ScanSource = "watcher"
	ScanSourceQueue   ScanSource = "queue"
	ScanSourceCLI     ScanSource = "cli"
)

// ScanRecord 扫描记录表
type ScanRecord struct {
	ID             string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ArtifactID     string     `gorm:"type:varchar(255);index:idx_artifact" json:"artifact_id"`
	Source         ScanSource `gorm:"type:varchar(20)" json:"source"`
	FileName       string     `gorm:"type:varchar(255)" json:"file_name,omitempty"`
	ContentHash    string     `gorm:"type:varchar(64);index:idx_content_hash" json:"content_hash,omitempty"`
	Status         ScanStatus `gorm:"type:varchar(20);not null;default:'queued';index:idx_status" json:"status"`
	Score          int        `gorm:"default:0" json:"score"`
	Level          string     `gorm:"type:varchar(20);index:idx_level" json:"level,omitempty"`
	HeuristicScore int        `gorm:"default:0" json:"heuristic_score"`
	Categories     string     `gorm:"type:varchar(512)" json:"categories,omitempty"` // 逗号分隔
	Cached         bool       `gorm:"default:false" json:"cached"`
	DurationMS     int64      `gorm:"default:0" json:"duration_ms"`
	ReportJSON     string     `gorm:"type:longtext" json:"-"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (ScanRecord) TableName() string {
	return "extension_scans"
}

// ScanFilter 列表查询条件
type ScanFilter struct {
	Status   ScanStatus
	Level    string
	Search   string // 按 artifact_id / file_name 模糊匹配
	Page     int
	PageSize int
}

// Normalize 补全分页参数
func (f *ScanFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 200 {
		f.PageSize = 200
	}
}

// ScanStats 统计
type ScanStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	ByLevel  map[string]int64 `json:"by_level"`
}
