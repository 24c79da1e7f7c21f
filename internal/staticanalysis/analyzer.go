package staticanalysis

import (
	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

// Analyzer 脚本静态分析器
// 优先走语法树规则，解析失败时降级为正则扫描；无内部状态，可并发使用
type Analyzer struct {
	weights WeightTable
	maxSize int
}

// NewAnalyzer 使用默认权重和 5 MiB 上限创建分析器
func NewAnalyzer() *Analyzer {
	return &Analyzer{weights: DefaultWeights, maxSize: MaxScriptSize}
}

// NewAnalyzerWithWeights 使用指定权重创建分析器
func NewAnalyzerWithWeights(w WeightTable, maxSize int) *Analyzer {
	if maxSize <= 0 {
		maxSize = MaxScriptSize
	}
	return &Analyzer{weights: w, maxSize: maxSize}
}

// Analyze 分析单段脚本
func (a *Analyzer) Analyze(text string) (*Result, error) {
	return a.AnalyzeBundle(analysis.ScriptBundle{{Name: "inline.js", Text: text, Size: len(text)}})
}

// AnalyzeBundle 分析脚本集合
// 超过大小上限时拒绝并返回 RiskScore=100 的结果；单个脚本解析失败不影响其他脚本
func (a *Analyzer) AnalyzeBundle(bundle analysis.ScriptBundle) (*Result, error) {
	res := a.newResult()

	if err := analysis.CheckSize("script bundle", bundle.TotalSize(), a.maxSize); err != nil {
		res.RiskScore = analysis.FailSafeScore
		res.Error = err.Error()
		return res, err
	}

	astCount, fallbackCount := 0, 0
	for _, s := range bundle {
		report := a.analyzeScript(s, res.Findings)
		if report.Mode == ModeAST {
			astCount++
		} else {
			fallbackCount++
			res.ParseErrors = append(res.ParseErrors, report.ParseError)
		}
		res.Scripts = append(res.Scripts, report)
	}

	switch {
	case fallbackCount == 0:
		res.Mode = ModeAST
	case astCount == 0:
		res.Mode = ModeRegexFallback
	default:
		res.Mode = ModeMixed
	}
	res.RiskScore = a.Score(res.Findings)
	return res, nil
}

func (a *Analyzer) newResult() *Result {
	return &Result{
		Findings:       analysis.NewFindingSet(Categories...),
		Mode:           ModeAST,
		Scripts:        []ScriptReport{},
		WeightsVersion: a.weights.Version,
	}
}

// analyzeScript 单个脚本：先解析，失败则走降级分支
func (a *Analyzer) analyzeScript(s analysis.Script, findings analysis.FindingSet) ScriptReport {
	name := s.Name
	if name == "" {
		name = "inline.js"
	}
	report := ScriptReport{Name: name, Mode: ModeAST}
	before := findings.Total()

	outcome := parseScript(name, s.Text)
	if outcome.ok() {
		local := analysis.NewFindingSet(Categories...)
		walkErr := scanAST(name, s.Text, outcome.program, local)
		if walkErr == nil {
			findings.Merge(local)
			report.Findings = findings.Total() - before
			return report
		}
		outcome = parseOutcome{err: walkErr}
	}

	report.Mode = ModeRegexFallback
	report.ParseError = outcome.err.Error()
	scanFallback(name, s.Text, findings)
	report.Findings = findings.Total() - before
	return report
}

// Score Σ(类别权重 × 发现数)，上限 100
func (a *Analyzer) Score(findings analysis.FindingSet) int {
	total := 0
	for _, c := range Categories {
		total += a.weights.Weight(c) * findings.Count(c)
		if total > analysis.MaxScore {
			return analysis.MaxScore
		}
	}
	return analysis.ClampScore(total)
}
