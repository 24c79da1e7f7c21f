package analysis

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Severity 发现项严重程度
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity 解析严重程度字符串（大小写不敏感）
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", s)
}

// MarshalJSON 以 low/medium/high/critical 输出
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON 解析 low/medium/high/critical
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Finding 单个检测发现，生成后不再修改
type Finding struct {
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	File        string   `json:"file,omitempty"`
	Line        int      `json:"line,omitempty"`
	Column      int      `json:"column,omitempty"`
	Description string   `json:"description"`
	Match       string   `json:"match,omitempty"`
}

// FindingSet 按类别分组的发现列表
// 已知类别总是存在且为非 nil 切片
type FindingSet map[string][]Finding

// NewFindingSet 创建包含指定类别空列表的 FindingSet
func NewFindingSet(categories ...string) FindingSet {
	fs := make(FindingSet, len(categories))
	for _, c := range categories {
		fs[c] = []Finding{}
	}
	return fs
}

// Add 追加发现
func (fs FindingSet) Add(f Finding) {
	if fs[f.Category] == nil {
		fs[f.Category] = []Finding{}
	}
	fs[f.Category] = append(fs[f.Category], f)
}

// Count 某类别的发现数量
func (fs FindingSet) Count(category string) int {
	return len(fs[category])
}

// Total 全部发现数量
func (fs FindingSet) Total() int {
	n := 0
	for _, list := range fs {
		n += len(list)
	}
	return n
}

// Merge 合并另一个 FindingSet
func (fs FindingSet) Merge(other FindingSet) {
	for _, c := range other.Categories() {
		for _, f := range other[c] {
			fs.Add(f)
		}
	}
}

// Categories 排序后的类别名
func (fs FindingSet) Categories() []string {
	keys := make([]string, 0, len(fs))
	for k := range fs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All 按类别顺序展开全部发现
func (fs FindingSet) All() []Finding {
	out := make([]Finding, 0, fs.Total())
	for _, c := range fs.Categories() {
		out = append(out, fs[c]...)
	}
	return out
}

// Provenance 脚本来源
type Provenance string

const (
	ProvenanceDeclared   Provenance = "declared"   // manifest 中声明
	ProvenanceDiscovered Provenance = "discovered" // 包内发现
)

// Script 待分析脚本
type Script struct {
	Name       string     `json:"name"`
	Text       string     `json:"text"`
	Size       int        `json:"size"`
	Provenance Provenance `json:"provenance"`
}

// ScriptBundle 有序脚本集合
type ScriptBundle []Script

// TotalSize 全部脚本的字节数
func (b ScriptBundle) TotalSize() int {
	n := 0
	for _, s := range b {
		n += len(s.Text)
	}
	return n
}

// Concat 按顺序拼接全部脚本文本
func (b ScriptBundle) Concat() string {
	var sb strings.Builder
	sb.Grow(b.TotalSize() + len(b))
	for i, s := range b {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(s.Text)
	}
	return sb.String()
}
