package classifier

import (
	"fmt"
	"maps"
	"slices"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/heuristic"
)

// Level 威胁等级
type Level string

const (
	LevelSafe     Level = "safe"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Levels 按严重程度升序
var Levels = []Level{LevelSafe, LevelLow, LevelMedium, LevelHigh, LevelCritical}

// Rank 等级序号，未知等级为 -1
func (l Level) Rank() int {
	for i, v := range Levels {
		if v == l {
			return i
		}
	}
	return -1
}

// AtLeast 是否不低于指定等级
func (l Level) AtLeast(other Level) bool {
	return l.Rank() >= other.Rank()
}

// ParseLevel 解析等级名称
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if l.Rank() < 0 {
		return "", fmt.Errorf("unknown threat level %q", s)
	}
	return l, nil
}

// 类别名称
const (
	CategoryDataTheft           = "Data Theft"
	CategoryPrivacyInvasion     = "Privacy Invasion"
	CategoryCodeExecution       = "Arbitrary Code Execution"
	CategoryExcessivePermission = "Excessive Permissions"
	CategoryObfuscation         = "Code Obfuscation"
	CategoryNetworkAbuse        = "Network Abuse"
	CategoryAdvancedMalware     = "Advanced Malware"
	CategoryBehavioral          = "Behavioral Threats"
	CategoryHeuristic           = "Heuristic Threats"
)

// ThreatCategory 命中的威胁类别
type ThreatCategory struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Severity    analysis.Severity `json:"severity"`
	Evidence    int               `json:"evidence"` // 支撑该类别的发现数量
}

// Recommendation 处置建议
type Recommendation struct {
	Text     string            `json:"text"`
	Priority analysis.Severity `json:"priority"`
	Category string            `json:"category,omitempty"`
}

// 组件名称
const (
	ComponentManifest    = "manifest"
	ComponentStatic      = "static"
	ComponentObfuscation = "obfuscation"
	ComponentNetwork     = "network"
	ComponentHeuristic   = "heuristic"
)

// ThreatClassification 最终分类结果
type ThreatClassification struct {
	OverallScore       int                `json:"overall_score"`
	Level              Level              `json:"level"`
	Categories         []ThreatCategory   `json:"categories"`
	Recommendations    []Recommendation   `json:"recommendations"`
	Summary            string             `json:"summary"`
	ComponentScores    map[string]int     `json:"component_scores"`
	AppliedWeights     map[string]float64 `json:"applied_weights"`
	CalibrationVersion string             `json:"calibration_version"`
}

// Clone 深拷贝
func (t *ThreatClassification) Clone() *ThreatClassification {
	if t == nil {
		return nil
	}
	c := *t
	c.Categories = slices.Clone(t.Categories)
	c.Recommendations = slices.Clone(t.Recommendations)
	c.ComponentScores = maps.Clone(t.ComponentScores)
	c.AppliedWeights = maps.Clone(t.AppliedWeights)
	return &c
}

// HasCategory 是否包含指定类别
func (t *ThreatClassification) HasCategory(name string) bool {
	return t.Category(name) != nil
}

// Category 按名称查找类别
func (t *ThreatClassification) Category(name string) *ThreatCategory {
	for i := range t.Categories {
		if t.Categories[i].Name == name {
			return &t.Categories[i]
		}
	}
	return nil
}

// Inputs 分类输入：各分析器结果加启发式结果
type Inputs struct {
	heuristic.Inputs
	Heuristic *heuristic.Result
}
