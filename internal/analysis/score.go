package analysis

import "math"

const (
	MinScore = 0
	MaxScore = 100

	// FailSafeScore 输入被拒绝时的保守分数
	FailSafeScore = MaxScore
)

// ClampScore 将分数限制到 [0,100]
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// ClampFloat 先在浮点域限制到 [0,100] 再四舍五入，NaN 视为 0
func ClampFloat(score float64) int {
	switch {
	case math.IsNaN(score), score <= MinScore:
		return MinScore
	case score >= MaxScore:
		return MaxScore
	}
	return int(math.Round(score))
}

// CapAt 限制子分数上限
func CapAt(score, limit int) int {
	if score > limit {
		return limit
	}
	if score < 0 {
		return 0
	}
	return score
}

// Snippet 截取匹配文本，避免在发现里存放超长内容
func Snippet(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
