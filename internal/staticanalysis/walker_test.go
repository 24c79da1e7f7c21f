package staticanalysis

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNestingDepth 测试括号嵌套深度扫描
func TestNestingDepth(t *testing.T) {
	cases := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"flat", "a(); b[1]; {}", 1},
		{"nested", "f(g([{x: 1}]))", 4},
		{"string ignored", `var s = "((((((";`, 0},
		{"escaped quote", `var s = "\"(((";`, 0},
		{"line comment", "// ((((\nf()", 1},
		{"block comment", "/* [[[[ */ f()", 1},
		{"regex literal", "var r = /[(]{2}/; f()", 1},
		{"division", "a = (b / c) / (d)", 1},
		{"template plain", "var t = `(((`;", 0},
		{"template interpolation", "var t = `${f(`${g()}`)}`;", 4},
		{"unbalanced closers", ")))]]]}}}((", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, nestingDepth(tc.text, 1<<20))
		})
	}
}

func TestNestingDepth_StopsAtLimit(t *testing.T) {
	text := strings.Repeat("(", 10000)
	assert.Equal(t, 9, nestingDepth(text, 8))
}

// TestAnalyze_DeepNestingFallsBack 深度嵌套的脚本不进入解析器，走正则且不崩溃
func TestAnalyze_DeepNestingFallsBack(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"arrays", "x=" + strings.Repeat("[", 100000) + strings.Repeat("]", 100000) + ";eval(y);"},
		{"calls", strings.Repeat("f(", 50000) + "eval(y)" + strings.Repeat(")", 50000)},
		{"objects", "x=" + strings.Repeat("{a:", 50000) + "1" + strings.Repeat("}", 50000) + ";eval(y);"},
		{"interpolation", "x=`" + strings.Repeat("${`", 20000) + strings.Repeat("`}", 20000) + "`;eval(y);"},
		{"just over limit", "x=" + strings.Repeat("(", MaxNestingDepth+1) + "1" + strings.Repeat(")", MaxNestingDepth+1) + ";eval(y);"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Less(t, len(tc.text), MaxParseSize)
			res, err := NewAnalyzer().Analyze(tc.text)
			require.NoError(t, err)
			assert.Equal(t, ModeRegexFallback, res.Mode)
			require.Len(t, res.ParseErrors, 1)
			assert.Contains(t, res.ParseErrors[0], "nesting")
			assert.Equal(t, 1, res.Count(CategoryDynamicExecution))
		})
	}
}

func TestAnalyze_NestingWithinLimitParses(t *testing.T) {
	src := "x=" + strings.Repeat("[", 64) + strings.Repeat("]", 64) + ";eval(y);"
	res, err := NewAnalyzer().Analyze(src)
	require.NoError(t, err)
	assert.Equal(t, ModeAST, res.Mode)
	assert.Empty(t, res.ParseErrors)
}

// TestAnalyze_OversizedScriptSkipsParser 超过语法树上限的脚本直接走正则
func TestAnalyze_OversizedScriptSkipsParser(t *testing.T) {
	src := "eval(x);\n" + strings.Repeat("var a = 1;\n", MaxParseSize/11+1)
	require.Greater(t, len(src), MaxParseSize)

	res, err := NewAnalyzer().Analyze(src)
	require.NoError(t, err)
	assert.Equal(t, ModeRegexFallback, res.Mode)
	require.Len(t, res.ParseErrors, 1)
	assert.Contains(t, res.ParseErrors[0], "syntax tree limit")
	assert.Equal(t, 1, res.Count(CategoryDynamicExecution))
}

// TestAnalyze_LargeGarbageWithinBudget 接近大小上限的畸形输入要在几秒内完成
func TestAnalyze_LargeGarbageWithinBudget(t *testing.T) {
	cases := []struct {
		name string
		unit string
	}{
		{"brackets", "(((({{{{[[[["},
		{"unterminated strings", `"'` + "`/*"},
		{"regex soup", "/[/(/{/"},
		{"operators", "+-*%<>~^!?:;,"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := strings.Repeat(tc.unit, MaxScriptSize/len(tc.unit))
			start := time.Now()
			res, err := NewAnalyzer().Analyze(src)
			elapsed := time.Since(start)

			require.NoError(t, err)
			assert.Equal(t, ModeRegexFallback, res.Mode)
			assert.GreaterOrEqual(t, res.RiskScore, 0)
			assert.LessOrEqual(t, res.RiskScore, 100)
			assert.Less(t, elapsed, 5*time.Second)
		})
	}
}

// TestAnalyze_ModernSyntaxUsesAST ES2015 之后的语法也走语法树路径
func TestAnalyze_ModernSyntaxUsesAST(t *testing.T) {
	cases := []struct {
		name     string
		src      string
		category string
	}{
		{"arrow and let", "let run = (c) => eval(c); run(x);", CategoryDynamicExecution},
		{"const and template timer", "const delay = 10;\nsetTimeout(`alert(1)`, delay);", CategoryDynamicExecution},
		{"class with async method", "class Sync { async push() { await fetch(u, {body: document.cookie}); } }", CategoryStateAccess},
		{"destructuring and spread", "const { a, ...rest } = obj; const [k] = [...keys]; localStorage.setItem(k, a);", CategoryStateAccess},
		{"optional chaining", "const c = window?.document?.cookie;", CategoryStateAccess},
		{"for of", "for (const k of list) { document.addEventListener(\"keydown\", h); }", CategoryInputCapture},
		{"generator", "function* load(u) { yield importScripts(u); }", CategoryRemoteCodeLoading},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := NewAnalyzer().Analyze(tc.src)
			require.NoError(t, err)
			assert.Equal(t, ModeAST, res.Mode, "parse errors: %v", res.ParseErrors)
			assert.Empty(t, res.ParseErrors)
			assert.GreaterOrEqual(t, res.Count(tc.category), 1)
		})
	}
}
