package obfuscation

// 手法名称
const (
	TechniqueStringConcat  = "string_concatenation"
	TechniqueEncodingCalls = "encoding_calls"
	TechniqueBracketAccess = "bracket_access"
	TechniqueUncommonIdiom = "uncommon_idioms"
	TechniqueEscapes       = "escape_sequences"
	TechniqueHexLiterals   = "hex_literals"
)

// WeightTable 评分参数
type WeightTable struct {
	Version string

	// 熵分段：高于 High/Mid/Low 分别得 HighScore/MidScore/LowScore
	EntropyHigh      float64
	EntropyMid       float64
	EntropyLow       float64
	EntropyHighScore int
	EntropyMidScore  int
	EntropyLowScore  int

	// 密度分段（每 1000 字符）
	DensityFull    float64
	DensityPartial float64
	FactorFull     float64
	FactorPartial  float64
	FactorLow      float64

	Patterns   []Pattern
	PatternCap int

	NewlinesPer1000Below float64
	WhitespaceRatioBelow float64
	LongLineLength       int
	LongLineRatioAbove   float64
	MinifiedMinLength    int
	MinifiedBonus        int

	DetectedAbove int
}

// DefaultWeights 默认参数
var DefaultWeights = WeightTable{
	Version: "2024.1",

	EntropyHigh:      5.5,
	EntropyMid:       5.0,
	EntropyLow:       4.5,
	EntropyHighScore: 40,
	EntropyMidScore:  25,
	EntropyLowScore:  10,

	DensityFull:    5,
	DensityPartial: 1,
	FactorFull:     1.0,
	FactorPartial:  0.7,
	FactorLow:      0.3,

	Patterns: []Pattern{
		NewPattern(TechniqueStringConcat, 10, `['"][^'"\n]{0,40}['"]\s*\+\s*['"]`),
		NewPattern(TechniqueEncodingCalls, 10, `\b(?:atob|btoa|escape|unescape|decodeURIComponent|decodeURI)\s*\(|String\.fromCharCode\s*\(|\.charCodeAt\s*\(`),
		NewPattern(TechniqueBracketAccess, 8, `\[\s*['"][A-Za-z_$][\w$]*['"]\s*\]`),
		NewPattern(TechniqueUncommonIdiom, 8, `!!\[\]|\+\[\]|\[\]\[|\(\s*0\s*,\s*[\w$.]+\)\s*\(|\b_0x[0-9a-fA-F]{4,}\b|\bvoid\s+0\b`),
		NewPattern(TechniqueEscapes, 12, `\\x[0-9a-fA-F]{2}|\\u[0-9a-fA-F]{4}`),
		NewPattern(TechniqueHexLiterals, 7, `\b0x[0-9a-fA-F]+\b`),
	},
	PatternCap: 50,

	NewlinesPer1000Below: 2,
	WhitespaceRatioBelow: 0.1,
	LongLineLength:       200,
	LongLineRatioAbove:   0.5,
	MinifiedMinLength:    200,
	MinifiedBonus:        10,

	DetectedAbove: 50,
}

func (w WeightTable) entropyScore(h float64) int {
	switch {
	case h > w.EntropyHigh:
		return w.EntropyHighScore
	case h > w.EntropyMid:
		return w.EntropyMidScore
	case h > w.EntropyLow:
		return w.EntropyLowScore
	}
	return 0
}

func (w WeightTable) densityFactor(density float64) float64 {
	switch {
	case density > w.DensityFull:
		return w.FactorFull
	case density > w.DensityPartial:
		return w.FactorPartial
	case density > 0:
		return w.FactorLow
	}
	return 0
}
