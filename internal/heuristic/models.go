package heuristic

import (
	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/crx"
	"github.com/extension-analysis/extension-analysis-go/internal/manifest"
	"github.com/extension-analysis/extension-analysis-go/internal/network"
	"github.com/extension-analysis/extension-analysis-go/internal/obfuscation"
	"github.com/extension-analysis/extension-analysis-go/internal/staticanalysis"
)

// Inputs 各分析器的结果，未参与分析的项为 nil
type Inputs struct {
	Manifest    *manifest.Result
	Static      *staticanalysis.Result
	Obfuscation *obfuscation.Result
	Network     *network.Result
	Package     *crx.Result
}

// Indicator 跨信号启发式指标
type Indicator struct {
	ID          string            // 指标标识
	Name        string            // 展示名称
	Weight      int               // 每次命中的分值 (5-40)
	Severity    analysis.Severity // 命中时的严重程度
	Description string            // 命中时的说明
	Trigger     func(in *Inputs) int
}

// Table 指标表，带版本号
type Table struct {
	Version    string
	Indicators []Indicator
}

// Detection 命中的指标
type Detection struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Weight      int               `json:"weight"`
	Count       int               `json:"count"`
	Score       int               `json:"score"` // Weight × Count
	Severity    analysis.Severity `json:"severity"`
	Description string            `json:"description"`
}

// Result 启发式分析结果
type Result struct {
	HeuristicScore     int         `json:"heuristic_score"`
	DetectedHeuristics []Detection `json:"detected_heuristics"`
	RawScore           int         `json:"raw_score"` // 封顶前的合计
	TableVersion       string      `json:"table_version"`
}

// Has 是否命中指定指标
func (r *Result) Has(id string) bool {
	for _, d := range r.DetectedHeuristics {
		if d.ID == id {
			return true
		}
	}
	return false
}
