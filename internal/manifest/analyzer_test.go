package manifest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

func analyze(t *testing.T, doc string) *Result {
	t.Helper()
	res, err := NewAnalyzer().AnalyzeBytes([]byte(doc))
	require.NoError(t, err)
	return res
}

func TestAnalyze_CleanManifestScoresLow(t *testing.T) {
	res := analyze(t, `{
		"manifest_version": 3,
		"name": "Clean",
		"permissions": ["storage"],
		"background": {"service_worker": "sw.js"}
	}`)

	assert.Less(t, res.RiskScore, 20)
	assert.Equal(t, 0, res.Permissions.Total())
	assert.Equal(t, []string{"storage"}, res.Permissions.Other)
	assert.False(t, res.BackgroundPersistence.Persistent)
	for _, c := range Categories {
		assert.NotNil(t, res.Findings[c], "category %s must be present", c)
	}
}

func TestAnalyze_PermissionTiers(t *testing.T) {
	res := analyze(t, `{
		"manifest_version": 3,
		"permissions": ["debugger", "cookies", "tabs", "activeTab", "storage"],
		"optional_permissions": ["history", "proxy"]
	}`)

	assert.Equal(t, []string{"debugger"}, res.Permissions.Critical)
	assert.Equal(t, []string{"cookies", "tabs"}, res.Permissions.Dangerous)
	assert.Equal(t, []string{"activeTab"}, res.Permissions.Moderate)
	assert.Equal(t, 15+8+8+3, res.Permissions.Score)

	// optional 权限只报告不计分
	assert.Equal(t, []string{"proxy"}, res.OptionalPermissions.Critical)
	assert.Equal(t, []string{"history"}, res.OptionalPermissions.Dangerous)
	assert.Equal(t, 0, res.OptionalPermissions.Score)
	assert.Equal(t, 34, res.RiskScore)
}

func TestAnalyze_PermissionsCapped(t *testing.T) {
	res := analyze(t, `{
		"manifest_version": 3,
		"permissions": ["debugger", "proxy", "management", "nativeMessaging", "privacy"]
	}`)
	assert.Equal(t, 40, res.Permissions.Score)
}

func TestAnalyze_ContentScriptRiskTiers(t *testing.T) {
	tests := []struct {
		name   string
		script string
		risk   analysis.Severity
		score  int
	}{
		{"specific default timing", `{"matches": ["https://example.com/*"]}`, analysis.SeverityLow, 0},
		{"broad only", `{"matches": ["<all_urls>"]}`, analysis.SeverityMedium, 8},
		{"early only", `{"matches": ["https://example.com/*"], "run_at": "document_start"}`, analysis.SeverityMedium, 8},
		{"broad and early", `{"matches": ["*://*/*"], "run_at": "document_start"}`, analysis.SeverityHigh, 15},
		{"broad all frames", `{"matches": ["<all_urls>"], "all_frames": true}`, analysis.SeverityMedium, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyze(t, `{"manifest_version": 3, "content_scripts": [`+tt.script+`]}`)
			require.Len(t, res.ContentScripts.Scripts, 1)
			assert.Equal(t, tt.risk, res.ContentScripts.Scripts[0].Risk)
			assert.Equal(t, tt.score, res.ContentScripts.Score)
		})
	}
}

func TestAnalyze_CSPStringAndObject(t *testing.T) {
	mv2 := analyze(t, `{"manifest_version": 2, "content_security_policy": "script-src 'self' 'unsafe-eval'; object-src 'self'"}`)
	assert.Equal(t, []string{"unsafe-eval"}, mv2.CSP.Issues)
	assert.Equal(t, 8, mv2.CSP.Score)

	mv3 := analyze(t, `{"manifest_version": 3, "content_security_policy": {"extension_pages": "script-src 'self' 'unsafe-inline' blob: data:"}}`)
	assert.ElementsMatch(t, []string{"unsafe-inline", "blob:", "data:"}, mv3.CSP.Issues)
	assert.Equal(t, 11, mv3.CSP.Score)
}

func TestAnalyze_ExternallyConnectable(t *testing.T) {
	broad := analyze(t, `{"externally_connectable": {"matches": ["*://*.example.com/*"]}}`)
	assert.Equal(t, analysis.SeverityHigh, broad.ExternalConnections.Risk)
	assert.Equal(t, 10, broad.ExternalConnections.Score)

	specific := analyze(t, `{"externally_connectable": {"matches": ["https://app.example.com/*"]}}`)
	assert.Equal(t, analysis.SeverityLow, specific.ExternalConnections.Risk)
	assert.Equal(t, 3, specific.ExternalConnections.Score)

	none := analyze(t, `{}`)
	assert.Equal(t, 0, none.ExternalConnections.Score)
}

func TestAnalyze_BackgroundPersistence(t *testing.T) {
	implicit := analyze(t, `{"manifest_version": 2, "background": {"scripts": ["bg.js"]}}`)
	assert.True(t, implicit.BackgroundPersistence.Persistent)
	assert.Equal(t, 5, implicit.BackgroundPersistence.Score)

	event := analyze(t, `{"manifest_version": 2, "background": {"scripts": ["bg.js"], "persistent": false}}`)
	assert.False(t, event.BackgroundPersistence.Persistent)
	assert.Equal(t, 0, event.BackgroundPersistence.Score)

	worker := analyze(t, `{"manifest_version": 3, "background": {"service_worker": "sw.js", "persistent": true}}`)
	assert.Equal(t, analysis.SeverityLow, worker.BackgroundPersistence.Risk)
	assert.Equal(t, 0, worker.BackgroundPersistence.Score)
}

func TestAnalyze_HostPermissions(t *testing.T) {
	mv3 := analyze(t, `{"manifest_version": 3, "host_permissions": ["<all_urls>", "https://a.example.com/*"]}`)
	assert.Equal(t, []string{"<all_urls>"}, mv3.HostPermissions.Broad)
	assert.Equal(t, []string{"https://a.example.com/*"}, mv3.HostPermissions.Specific)
	assert.Equal(t, 10, mv3.HostPermissions.Score)

	mv2 := analyze(t, `{"manifest_version": 2, "permissions": ["https://example.com/*", "tabs"]}`)
	assert.Equal(t, []string{"https://example.com/*"}, mv2.HostPermissions.Specific)
	assert.Equal(t, 2, mv2.HostPermissions.Score)
}

func TestAnalyze_InvalidManifestFailsSafe(t *testing.T) {
	for _, doc := range []string{`[1,2,3]`, `"text"`, `{not json`, `42`} {
		res, err := NewAnalyzer().AnalyzeBytes([]byte(doc))
		require.Error(t, err, doc)
		assert.True(t, errors.Is(err, analysis.ErrInvalidManifest), doc)
		assert.True(t, res.Invalid)
		assert.Equal(t, 100, res.RiskScore)
		assert.NotNil(t, res.Findings[CategoryPermissions])
	}
}

func TestAnalyze_WrongFieldTypesDefaultToEmpty(t *testing.T) {
	res := analyze(t, `{
		"manifest_version": "2",
		"permissions": "tabs",
		"content_scripts": [42, {"matches": 7}],
		"background": "bg.js",
		"externally_connectable": []
	}`)
	assert.Equal(t, []string{"tabs"}, res.Permissions.Dangerous)
	assert.Len(t, res.ContentScripts.Scripts, 1)
	assert.Equal(t, 0, res.ExternalConnections.Score)
	assert.Equal(t, 0, res.BackgroundPersistence.Score)
}

func TestAnalyze_ScenarioHighRiskManifest(t *testing.T) {
	res := analyze(t, `{
		"manifest_version": 2,
		"permissions": ["tabs", "cookies", "<all-urls>", "webRequest"],
		"content_scripts": [{"matches": ["<all-urls>"], "run_at": "document_start", "js": ["c.js"]}],
		"content_security_policy": "script-src 'self' 'unsafe-eval'; object-src 'self'",
		"background": {"scripts": ["bg.js"], "persistent": true}
	}`)

	assert.Equal(t, 39, res.Permissions.Score)
	assert.Equal(t, 15, res.ContentScripts.Score)
	assert.Equal(t, 8, res.CSP.Score)
	assert.Equal(t, 5, res.BackgroundPersistence.Score)
	assert.Equal(t, 10, res.HostPermissions.Score)
	assert.Equal(t, 77, res.RiskScore)
	assert.Equal(t, 1, res.ContentScripts.BroadEarlyCount)
}

func TestAnalyze_Idempotent(t *testing.T) {
	doc := []byte(`{"manifest_version": 2, "permissions": ["tabs", "<all_urls>"], "content_scripts": [{"matches": ["<all_urls>"]}]}`)
	a := NewAnalyzer()
	first, err := a.AnalyzeBytes(doc)
	require.NoError(t, err)
	second, err := a.AnalyzeBytes(doc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAnalyze_MonotonicInPermissions(t *testing.T) {
	a := NewAnalyzer()
	perms := []string{}
	prev := 0
	for _, p := range []string{"tabs", "cookies", "history", "bookmarks", "downloads", "debugger", "proxy"} {
		perms = append(perms, p)
		res := a.Analyze(&Manifest{Permissions: perms})
		assert.GreaterOrEqual(t, res.RiskScore, prev)
		assert.LessOrEqual(t, res.RiskScore, 100)
		prev = res.RiskScore
	}
}

func TestDeclaredScripts(t *testing.T) {
	m, err := Parse([]byte(`{
		"content_scripts": [{"matches": ["<all_urls>"], "js": ["a.js", "/b.js"]}, {"js": ["a.js"]}],
		"background": {"scripts": ["bg.js"], "service_worker": "sw.js"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.js", "b.js", "bg.js", "sw.js"}, m.DeclaredScripts())
}

func TestParse_EmptyInputIsEmptyManifest(t *testing.T) {
	m, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, m.Permissions)
	assert.NotNil(t, m.Raw)
}

func TestIsBroadPattern(t *testing.T) {
	assert.True(t, IsBroadPattern("<all_urls>"))
	assert.True(t, IsBroadPattern("<all-urls>"))
	assert.True(t, IsBroadPattern("*://*/*"))
	assert.True(t, IsBroadPattern("https://*/*"))
	assert.False(t, IsBroadPattern("https://*.example.com/*"))
	assert.False(t, IsBroadPattern("https://example.com/*"))
	assert.True(t, IsWildcardSubdomain("https://*.example.com/*"))
}
