package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
	"slices"
	"time"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/classifier"
	"github.com/extension-analysis/extension-analysis-go/internal/crx"
	"github.com/extension-analysis/extension-analysis-go/internal/heuristic"
	"github.com/extension-analysis/extension-analysis-go/internal/manifest"
	"github.com/extension-analysis/extension-analysis-go/internal/network"
	"github.com/extension-analysis/extension-analysis-go/internal/obfuscation"
	"github.com/extension-analysis/extension-analysis-go/internal/staticanalysis"
)

// ErrEmptyRequest 请求中既没有 manifest 也没有脚本或安装包
var ErrEmptyRequest = errors.New("request carries no manifest, scripts or package")

// Request 单个待分析制品
type Request struct {
	ArtifactID string                `json:"artifact_id"`
	Manifest   []byte                `json:"-"`
	Scripts    analysis.ScriptBundle `json:"-"`
	Package    []byte                `json:"-"`
}

// Empty 是否没有任何可分析内容
func (r *Request) Empty() bool {
	return len(r.Manifest) == 0 && len(r.Scripts) == 0 && len(r.Package) == 0
}

// Key 请求内容的 SHA-256，作为缓存键；ArtifactID 不参与
func (r *Request) Key() string {
	h := sha256.New()
	writeField(h, "manifest", r.Manifest)
	writeField(h, "package", r.Package)
	for _, s := range r.Scripts {
		writeField(h, "script.name", []byte(s.Name))
		writeField(h, "script.provenance", []byte(s.Provenance))
		writeField(h, "script.text", []byte(s.Text))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, name string, data []byte) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(data)))
	h.Write([]byte(name))
	h.Write(n[:])
	h.Write(data)
}

// Report 完整分析报告
type Report struct {
	ArtifactID     string                           `json:"artifact_id"`
	ContentHash    string                           `json:"content_hash"`
	Classification *classifier.ThreatClassification `json:"classification"`
	Manifest       *manifest.Result                 `json:"manifest,omitempty"`
	Static         *staticanalysis.Result           `json:"static,omitempty"`
	Obfuscation    *obfuscation.Result              `json:"obfuscation,omitempty"`
	Network        *network.Result                  `json:"network,omitempty"`
	Package        *crx.Result                      `json:"package,omitempty"`
	Heuristic      *heuristic.Result                `json:"heuristic"`
	Errors         []string                         `json:"errors,omitempty"`
	Cached         bool                             `json:"cached"`
	AnalyzedAt     time.Time                        `json:"analyzed_at"`
	DurationMS     int64                            `json:"duration_ms"`
}

// Level 威胁等级
func (r *Report) Level() classifier.Level {
	if r.Classification == nil {
		return ""
	}
	return r.Classification.Level
}

// clone 复制报告本身、错误列表和分类结果
// 各组件结果在缓存命中之间共享，调用方只能读取
func (r *Report) clone() *Report {
	c := *r
	c.Errors = slices.Clone(r.Errors)
	c.Classification = r.Classification.Clone()
	return &c
}

// Score 总分
func (r *Report) Score() int {
	if r.Classification == nil {
		return 0
	}
	return r.Classification.OverallScore
}

// ArtifactSource 按制品标识获取 manifest 与脚本/安装包
type ArtifactSource interface {
	Fetch(ctx context.Context, artifactID string) (*Request, error)
}

// HistoryStore 保存分析报告以便之后查询
type HistoryStore interface {
	Save(ctx context.Context, report *Report) error
}
