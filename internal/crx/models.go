package crx

import (
	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/manifest"
	"github.com/extension-analysis/extension-analysis-go/internal/staticanalysis"
)

// 容器格式
const (
	FormatCRX3      = "crx3"
	FormatCRX2      = "crx2"
	FormatLegacy    = "crx_legacy" // Cr23
	FormatBareZip   = "zip"        // 无 CRX 头的裸 zip，降级处理
	MagicCurrent    = "Cr24"
	MagicLegacy     = "Cr23"
	MagicZip        = "PK\x03\x04"
	MagicZipEmpty   = "PK\x05\x06"
	preambleSize    = 12
	crx2PreambleLen = 16
)

// Header CRX 头
type Header struct {
	Magic         string `json:"magic"`
	Version       uint32 `json:"version"`
	HeaderLength  uint32 `json:"header_length"`
	PayloadOffset int    `json:"payload_offset"`
	Format        string `json:"format"`
}

// Degraded 是否为降级格式（裸 zip）
func (h Header) Degraded() bool {
	return h.Format == FormatBareZip
}

// FileType 包内文件类型
type FileType string

const (
	TypeScript FileType = "script"
	TypeMarkup FileType = "markup"
	TypeJSON   FileType = "structured_data"
	TypeStyle  FileType = "style"
	TypeImage  FileType = "image"
	TypeOther  FileType = "other"
)

// PackageFile 包内文件
type PackageFile struct {
	Path    string   `json:"path"`
	Size    int      `json:"size"`
	Type    FileType `json:"type"`
	Content []byte   `json:"-"`
}

// Limits 解包限制
type Limits struct {
	MaxContainerSize int
	MaxFiles         int
	MaxFileSize      int64
	MaxTotalSize     int64
}

// DefaultLimits 默认限制
var DefaultLimits = Limits{
	MaxContainerSize: 50 << 20,
	MaxFiles:         5000,
	MaxFileSize:      10 << 20,
	MaxTotalSize:     100 << 20,
}

// Result 包分析结果
type Result struct {
	Header          *Header                   `json:"header,omitempty"`
	Manifest        map[string]any            `json:"manifest"`
	ManifestResult  *manifest.Result          `json:"manifest_result,omitempty"`
	Files           []PackageFile             `json:"files"`
	FileScans       []staticanalysis.FileScan `json:"per_file_findings"`
	MalwareFindings []analysis.Finding        `json:"malware_findings"`
	Skipped         []string                  `json:"skipped,omitempty"`
	MeanFileScore   float64                   `json:"mean_file_score"`
	RiskScore       int                       `json:"risk_score"`

	// Degraded 只完成了 manifest 分析（裸 zip 或解包失败）
	Degraded   bool   `json:"degraded"`
	ParseError string `json:"parse_error,omitempty"`
	Error      string `json:"error,omitempty"`

	// Scripts 包内脚本（含 HTML 内联脚本），供其他分析器复用
	Scripts analysis.ScriptBundle `json:"-"`

	parsedManifest *manifest.Manifest
}

// ParsedManifest 包内解析出的 manifest，没有时为 nil
func (r *Result) ParsedManifest() *manifest.Manifest {
	return r.parsedManifest
}

// ScriptFiles 脚本类型的文件
func (r *Result) ScriptFiles() []PackageFile {
	var out []PackageFile
	for _, f := range r.Files {
		if f.Type == TypeScript {
			out = append(out, f)
		}
	}
	return out
}

// ManifestOnly 容器解包失败，只分析了从原始字节中找回的 manifest
func (r *Result) ManifestOnly() bool {
	return r != nil && r.Degraded && r.ParseError != ""
}
