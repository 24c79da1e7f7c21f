package heuristic

import (
	"sort"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

// Analyzer 启发式分析器，在各分析器之后对组合信号打分
type Analyzer struct {
	table Table
}

// NewAnalyzer 使用内置指标表创建
func NewAnalyzer() *Analyzer {
	return &Analyzer{table: BuiltinTable()}
}

// NewAnalyzerWithTable 使用指定指标表创建
func NewAnalyzerWithTable(t Table) *Analyzer {
	return &Analyzer{table: t}
}

// Analyze 逐条匹配指标：score += weight × count，合计封顶 100
func (a *Analyzer) Analyze(in Inputs) *Result {
	res := &Result{
		DetectedHeuristics: []Detection{},
		TableVersion:       a.table.Version,
	}

	for _, ind := range a.table.Indicators {
		if ind.Trigger == nil {
			continue
		}
		count := ind.Trigger(&in)
		if count <= 0 {
			continue
		}
		d := Detection{
			ID:          ind.ID,
			Name:        ind.Name,
			Weight:      ind.Weight,
			Count:       count,
			Score:       ind.Weight * count,
			Severity:    ind.Severity,
			Description: ind.Description,
		}
		res.DetectedHeuristics = append(res.DetectedHeuristics, d)
		res.RawScore += d.Score
	}

	sort.SliceStable(res.DetectedHeuristics, func(i, j int) bool {
		return res.DetectedHeuristics[i].Score > res.DetectedHeuristics[j].Score
	})
	res.HeuristicScore = analysis.ClampScore(res.RawScore)
	return res
}
