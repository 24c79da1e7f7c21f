package obfuscation

import (
	"math"
	"regexp"
	"strings"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

// MaxInputSize 输入大小上限
const MaxInputSize = 5 << 20

// Technique 命中的混淆手法
type Technique struct {
	Name    string  `json:"name"`
	Matches int     `json:"matches"`
	Density float64 `json:"density"` // 每 1000 字符的命中数
	Score   float64 `json:"score"`
}

// MinificationSignals 压缩判断的三个信号
type MinificationSignals struct {
	LowNewlineDensity    bool    `json:"low_newline_density"`
	LowWhitespaceDensity bool    `json:"low_whitespace_density"`
	LongLines            bool    `json:"long_lines"`
	NewlinesPer1000      float64 `json:"newlines_per_1000"`
	WhitespaceRatio      float64 `json:"whitespace_ratio"`
	LongLineRatio        float64 `json:"long_line_ratio"`
}

// Count 成立的信号数
func (m MinificationSignals) Count() int {
	n := 0
	for _, b := range []bool{m.LowNewlineDensity, m.LowWhitespaceDensity, m.LongLines} {
		if b {
			n++
		}
	}
	return n
}

// Result 混淆检测结果
type Result struct {
	ObfuscationDetected bool                `json:"obfuscation_detected"`
	ObfuscationScore    int                 `json:"obfuscation_score"`
	Entropy             float64             `json:"entropy"`
	EntropyScore        int                 `json:"entropy_score"`
	IsMinified          bool                `json:"is_minified"`
	Minification        MinificationSignals `json:"minification"`
	PatternScore        int                 `json:"pattern_score"`
	Techniques          []Technique         `json:"techniques"`
	WeightsVersion      string              `json:"weights_version"`
	Error               string              `json:"error,omitempty"`
}

// RiskScore 与其他分析器一致的风险分
func (r *Result) RiskScore() int {
	return r.ObfuscationScore
}

// HasTechnique 是否命中指定手法
func (r *Result) HasTechnique(name string) bool {
	for _, t := range r.Techniques {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Detector 混淆检测器，无内部状态
type Detector struct {
	table   WeightTable
	maxSize int
}

// NewDetector 使用默认权重创建
func NewDetector() *Detector {
	return &Detector{table: DefaultWeights, maxSize: MaxInputSize}
}

// NewDetectorWithWeights 使用指定权重与大小上限创建，maxSize<=0 不限制
func NewDetectorWithWeights(w WeightTable, maxSize int) *Detector {
	return &Detector{table: w, maxSize: maxSize}
}

// Detect 检测文本的混淆程度
func (d *Detector) Detect(text string) (*Result, error) {
	w := d.table
	res := &Result{Techniques: []Technique{}, WeightsVersion: w.Version}
	if err := analysis.CheckSize("script text", len(text), d.maxSize); err != nil {
		res.ObfuscationScore = analysis.FailSafeScore
		res.ObfuscationDetected = true
		res.Error = err.Error()
		return res, err
	}
	if len(text) == 0 {
		return res, nil
	}

	res.Entropy = ShannonEntropy(text)
	res.EntropyScore = w.entropyScore(res.Entropy)

	res.Minification = minificationSignals(text, w)
	res.IsMinified = len(text) >= w.MinifiedMinLength && res.Minification.Count() >= 2

	per1000 := float64(len(text)) / 1000
	patternSum := 0.0
	for _, pat := range w.Patterns {
		n := len(pat.re.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		density := float64(n) / per1000
		score := float64(pat.Weight) * w.densityFactor(density)
		patternSum += score
		res.Techniques = append(res.Techniques, Technique{
			Name:    pat.Name,
			Matches: n,
			Density: round2(density),
			Score:   round2(score),
		})
	}
	res.PatternScore = analysis.CapAt(int(math.Round(patternSum)), w.PatternCap)

	total := res.EntropyScore + res.PatternScore
	if res.IsMinified {
		total += w.MinifiedBonus
	}
	res.ObfuscationScore = analysis.ClampScore(total)
	res.ObfuscationDetected = res.ObfuscationScore > w.DetectedAbove
	return res, nil
}

// ShannonEntropy 字节流的香农熵（bits/字符）
func ShannonEntropy(text string) float64 {
	if len(text) == 0 {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(text); i++ {
		freq[text[i]]++
	}
	n := float64(len(text))
	h := 0.0
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

func minificationSignals(text string, w WeightTable) MinificationSignals {
	n := float64(len(text))
	newlines := strings.Count(text, "\n")
	ws := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case ' ', '\t', '\n', '\r':
			ws++
		}
	}
	lines := strings.Split(text, "\n")
	long := 0
	for _, l := range lines {
		if len(l) > w.LongLineLength {
			long++
		}
	}

	sig := MinificationSignals{
		NewlinesPer1000: round2(float64(newlines) / n * 1000),
		WhitespaceRatio: round2(float64(ws) / n),
		LongLineRatio:   round2(float64(long) / float64(len(lines))),
	}
	sig.LowNewlineDensity = float64(newlines)/n*1000 < w.NewlinesPer1000Below
	sig.LowWhitespaceDensity = float64(ws)/n < w.WhitespaceRatioBelow
	sig.LongLines = float64(long)/float64(len(lines)) > w.LongLineRatioAbove
	return sig
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// Pattern 混淆手法正则
type Pattern struct {
	Name   string
	Weight int
	re     *regexp.Regexp
}

// NewPattern 编译手法正则
func NewPattern(name string, weight int, expr string) Pattern {
	return Pattern{Name: name, Weight: weight, re: regexp.MustCompile(expr)}
}
