package staticanalysis

import "github.com/extension-analysis/extension-analysis-go/internal/analysis"

// 脚本检测类别
const (
	CategoryDynamicExecution  = "dynamic_execution"
	CategoryRemoteCodeLoading = "remote_code_loading"
	CategoryStateAccess       = "state_access"
	CategoryInputCapture      = "input_capture"
	CategoryFingerprinting    = "fingerprinting"
	CategoryAdvancedMalware   = "advanced_malware"
	CategoryBehavioral        = "behavioral"
)

// Categories 全部脚本检测类别
var Categories = []string{
	CategoryDynamicExecution,
	CategoryRemoteCodeLoading,
	CategoryStateAccess,
	CategoryInputCapture,
	CategoryFingerprinting,
	CategoryAdvancedMalware,
	CategoryBehavioral,
}

// 包内文件检测类别（CRX 逐文件扫描使用的子集）
const (
	FileCategoryDynamicExecution = "dynamic_execution"
	FileCategoryStateAccess      = "state_access"
	FileCategoryInputCapture     = "input_capture"
	FileCategoryNetworkCall      = "network_call"
	FileCategoryDataManipulation = "data_manipulation"
)

// FileCategories 包内文件检测类别
var FileCategories = []string{
	FileCategoryDynamicExecution,
	FileCategoryStateAccess,
	FileCategoryInputCapture,
	FileCategoryNetworkCall,
	FileCategoryDataManipulation,
}

// AnalysisMode 分析路径
type AnalysisMode string

const (
	ModeAST           AnalysisMode = "ast"            // 语法树匹配
	ModeRegexFallback AnalysisMode = "regex_fallback" // 解析失败后的正则扫描
	ModeMixed         AnalysisMode = "mixed"          // 多个脚本中部分降级
)

// WeightTable 类别权重，带版本号便于校准
type WeightTable struct {
	Version string
	Weights map[string]int
}

// Weight 类别权重，未知类别为 0
func (w WeightTable) Weight(category string) int {
	return w.Weights[category]
}

// DefaultWeights 脚本类别默认权重
var DefaultWeights = WeightTable{
	Version: "2024.1",
	Weights: map[string]int{
		CategoryDynamicExecution:  20,
		CategoryRemoteCodeLoading: 25,
		CategoryStateAccess:       10,
		CategoryInputCapture:      15,
		CategoryFingerprinting:    5,
		CategoryAdvancedMalware:   30,
		CategoryBehavioral:        8,
	},
}

// DefaultFileWeights 包内文件类别默认权重
var DefaultFileWeights = WeightTable{
	Version: "2024.1",
	Weights: map[string]int{
		FileCategoryDynamicExecution: 25,
		FileCategoryStateAccess:      15,
		FileCategoryInputCapture:     15,
		FileCategoryNetworkCall:      10,
		FileCategoryDataManipulation: 5,
	},
}

// MaxScriptSize 单个脚本或整个脚本集合的大小上限
const MaxScriptSize = 5 << 20

// 语法树路径的输入上限，超出的脚本直接走正则扫描
const (
	MaxParseSize    = 256 << 10
	MaxNestingDepth = 512
)

// ScriptReport 单个脚本的分析情况
type ScriptReport struct {
	Name       string       `json:"name"`
	Mode       AnalysisMode `json:"mode"`
	ParseError string       `json:"parse_error,omitempty"`
	Findings   int          `json:"findings"`
}

// Result 脚本静态分析结果
type Result struct {
	Findings       analysis.FindingSet `json:"findings"`
	RiskScore      int                 `json:"risk_score"`
	Mode           AnalysisMode        `json:"mode"`
	Scripts        []ScriptReport      `json:"scripts"`
	ParseErrors    []string            `json:"parse_errors,omitempty"`
	WeightsVersion string              `json:"weights_version"`

	// Error 输入被拒绝时的原因，此时 RiskScore 为 100
	Error string `json:"error,omitempty"`
}

// Count 某类别的发现数量
func (r *Result) Count(category string) int {
	return r.Findings.Count(category)
}

// FileScan 包内单个文件的扫描结果
type FileScan struct {
	Path      string              `json:"path"`
	Findings  analysis.FindingSet `json:"findings"`
	RiskScore int                 `json:"risk_score"`
}
