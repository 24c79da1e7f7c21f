package classifier

import (
	"fmt"
	"math"
	"strings"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

var componentOrder = []string{
	ComponentManifest, ComponentStatic, ComponentObfuscation, ComponentNetwork, ComponentHeuristic,
}

// Classifier 威胁分类器，无内部状态
type Classifier struct {
	calibration Calibration
}

// NewClassifier 使用默认校准参数创建
func NewClassifier() *Classifier {
	return &Classifier{calibration: DefaultCalibration}
}

// NewClassifierWithCalibration 使用指定校准参数创建
func NewClassifierWithCalibration(c Calibration) (*Classifier, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{calibration: c}, nil
}

// Calibration 当前校准参数
func (c *Classifier) Calibration() Calibration {
	return c.calibration
}

// Classify 合并各组件分数并给出等级、类别、建议和摘要
func (c *Classifier) Classify(in Inputs) *ThreatClassification {
	scores, weights := c.components(&in)
	overall := combine(scores, weights)
	// 包体没能解开时大部分代码未被检查，不给出低于 medium 的结论
	if in.Package.ManifestOnly() {
		overall = max(overall, c.calibration.Thresholds.Medium)
	}
	level := c.LevelFor(overall)

	tc := &ThreatClassification{
		OverallScore:       overall,
		Level:              level,
		Categories:         []ThreatCategory{},
		Recommendations:    []Recommendation{},
		ComponentScores:    scores,
		AppliedWeights:     weights,
		CalibrationVersion: c.calibration.Version,
	}

	if level == LevelCritical {
		tc.Recommendations = append(tc.Recommendations, Recommendation{
			Text:     "Uninstall this extension immediately.",
			Priority: analysis.SeverityCritical,
		})
	}
	for _, rule := range categoryRules {
		evidence, sev := rule.evaluate(&in)
		if evidence <= 0 {
			continue
		}
		tc.Categories = append(tc.Categories, ThreatCategory{
			Name:        rule.name,
			Description: rule.description,
			Severity:    sev,
			Evidence:    evidence,
		})
		tc.Recommendations = append(tc.Recommendations, Recommendation{
			Text:     rule.advice,
			Priority: sev,
			Category: rule.name,
		})
	}
	tc.Summary = summary(level, tc.Categories)
	return tc
}

// LevelFor 分数对应的等级，恰好等于阈值时取较高等级
func (c *Classifier) LevelFor(score int) Level {
	t := c.calibration.Thresholds
	switch {
	case score >= t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	case score >= t.Low:
		return LevelLow
	}
	return LevelSafe
}

// components 收集有输入的组件分数；权重只在这些组件之间重新归一
// 启发式层总是参与
func (c *Classifier) components(in *Inputs) (map[string]int, map[string]float64) {
	w := c.calibration.Weights
	scores := make(map[string]int)
	present := make(map[string]float64)

	if in.Manifest != nil {
		scores[ComponentManifest] = in.Manifest.RiskScore
		present[ComponentManifest] = w.Manifest
	}
	if in.Static != nil {
		s := in.Static.RiskScore
		// 安装包的逐文件扫描分数作为静态分析分数的下限
		if in.Package != nil && len(in.Package.FileScans) > 0 {
			s = max(s, analysis.ClampFloat(in.Package.MeanFileScore))
		}
		scores[ComponentStatic] = s
		present[ComponentStatic] = w.Static
	}
	if in.Obfuscation != nil {
		scores[ComponentObfuscation] = in.Obfuscation.RiskScore()
		present[ComponentObfuscation] = w.Obfuscation
	}
	if in.Network != nil {
		scores[ComponentNetwork] = in.Network.RiskScore
		present[ComponentNetwork] = w.Network
	}
	heuristicScore := 0
	if in.Heuristic != nil {
		heuristicScore = in.Heuristic.HeuristicScore
	}
	scores[ComponentHeuristic] = heuristicScore
	present[ComponentHeuristic] = w.Heuristic

	total := 0.0
	for _, k := range componentOrder {
		total += present[k]
	}
	applied := make(map[string]float64, len(present))
	for k, v := range present {
		if total > 0 {
			applied[k] = math.Round(v/total*1e4) / 1e4
		}
	}
	return scores, applied
}

// combine 按固定组件顺序求加权平均
func combine(scores map[string]int, weights map[string]float64) int {
	sum, total := 0.0, 0.0
	for _, k := range componentOrder {
		w, ok := weights[k]
		if !ok {
			continue
		}
		sum += w * float64(analysis.ClampScore(scores[k]))
		total += w
	}
	if total == 0 {
		return 0
	}
	return analysis.ClampFloat(sum / total)
}

// summary 固定模板：等级句 + 每个类别一行
func summary(level Level, categories []ThreatCategory) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "This extension poses a %s threat.", level)
	for _, cat := range categories {
		fmt.Fprintf(&sb, "\n- %s: %s", cat.Name, cat.Description)
	}
	return sb.String()
}
