package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/classifier"
	"github.com/extension-analysis/extension-analysis-go/internal/crx"
	"github.com/extension-analysis/extension-analysis-go/internal/heuristic"
	"github.com/extension-analysis/extension-analysis-go/internal/manifest"
	"github.com/extension-analysis/extension-analysis-go/internal/network"
	"github.com/extension-analysis/extension-analysis-go/internal/obfuscation"
	"github.com/extension-analysis/extension-analysis-go/internal/staticanalysis"
)

// DefaultCacheSize 默认缓存容量
const DefaultCacheSize = 256

// Options 引擎参数
type Options struct {
	// CacheSize 结果缓存容量，0 表示不缓存
	CacheSize   int
	Limits      crx.Limits
	Calibration *classifier.Calibration
	Logger      *logrus.Logger
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{CacheSize: DefaultCacheSize, Limits: crx.DefaultLimits}
}

// Engine 分析引擎：依次运行各分析器、启发式层与分类器
// 分析器本身无状态，唯一的共享状态是结果缓存（内部加锁）
type Engine struct {
	manifests   *manifest.Analyzer
	static      *staticanalysis.Analyzer
	obfuscation *obfuscation.Detector
	network     *network.Analyzer
	packages    *crx.Analyzer
	heuristics  *heuristic.Analyzer
	classifier  *classifier.Classifier
	cache       *lru.Cache[string, *Report]
	logger      *logrus.Logger
}

// New 创建引擎
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	cls := classifier.NewClassifier()
	if opts.Calibration != nil {
		var err error
		if cls, err = classifier.NewClassifierWithCalibration(*opts.Calibration); err != nil {
			return nil, err
		}
	}

	manifests := manifest.NewAnalyzer()
	e := &Engine{
		manifests:   manifests,
		static:      staticanalysis.NewAnalyzer(),
		obfuscation: obfuscation.NewDetector(),
		network:     network.NewAnalyzer(),
		packages:    crx.NewAnalyzer(manifests, opts.Limits),
		heuristics:  heuristic.NewAnalyzer(),
		classifier:  cls,
		logger:      logger,
	}

	if opts.CacheSize > 0 {
		cache, err := lru.New[string, *Report](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create result cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// Analyze 分析一个制品
// 单个分析器失败只降级该分析器（fail-safe 分数 + 错误标记），报告总是返回；
// 返回的 error 为各分析器错误的合并
func (e *Engine) Analyze(ctx context.Context, req Request) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Empty() {
		return nil, ErrEmptyRequest
	}

	key := req.Key()
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			hit := cached.clone()
			hit.ArtifactID = req.ArtifactID
			hit.Cached = true
			e.logger.WithFields(logrus.Fields{
				"artifact": req.ArtifactID,
				"hash":     key[:12],
			}).Debug("Result cache hit")
			return hit, nil
		}
	}

	start := time.Now()
	report := &Report{ArtifactID: req.ArtifactID, ContentHash: key, AnalyzedAt: start}
	var errs []error
	fail := func(stage string, err error) {
		if err == nil {
			return
		}
		errs = append(errs, fmt.Errorf("%s: %w", stage, err))
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", stage, err))
	}

	scripts := req.Scripts
	if len(req.Package) > 0 {
		pkg, err := e.packages.Analyze(req.Package)
		fail("package", err)
		report.Package = pkg
		if pkg.ManifestResult != nil {
			report.Manifest = pkg.ManifestResult
		} else if err != nil && len(req.Manifest) == 0 {
			report.Manifest = manifest.InvalidResult(err)
		}
		scripts = append(append(analysis.ScriptBundle{}, pkg.Scripts...), req.Scripts...)
	}
	if len(req.Manifest) > 0 {
		res, err := e.manifests.AnalyzeBytes(req.Manifest)
		fail("manifest", err)
		report.Manifest = res
	}

	if len(scripts) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.analyzeScripts(scripts, report, fail)
	}

	in := heuristic.Inputs{
		Manifest:    report.Manifest,
		Static:      report.Static,
		Obfuscation: report.Obfuscation,
		Network:     report.Network,
		Package:     report.Package,
	}
	report.Heuristic = e.heuristics.Analyze(in)
	report.Classification = e.classifier.Classify(classifier.Inputs{Inputs: in, Heuristic: report.Heuristic})
	report.DurationMS = time.Since(start).Milliseconds()

	err := errors.Join(errs...)
	fields := logrus.Fields{
		"artifact":  req.ArtifactID,
		"score":     report.Classification.OverallScore,
		"level":     report.Classification.Level,
		"heuristic": report.Heuristic.HeuristicScore,
		"scripts":   len(scripts),
		"duration":  report.DurationMS,
	}
	if err != nil {
		e.logger.WithFields(fields).WithError(err).Warn("Analysis completed with degraded components")
	} else {
		e.logger.WithFields(fields).Info("Analysis completed")
		if e.cache != nil {
			e.cache.Add(key, report.clone())
		}
	}
	return report, err
}

// analyzeScripts 静态分析逐脚本进行，混淆与网络分析作用于拼接后的全文
func (e *Engine) analyzeScripts(scripts analysis.ScriptBundle, report *Report, fail func(string, error)) {
	var err error
	report.Static, err = e.static.AnalyzeBundle(scripts)
	fail("static", err)

	text := scripts.Concat()
	report.Obfuscation, err = e.obfuscation.Detect(text)
	fail("obfuscation", err)
	report.Network, err = e.network.Analyze(text)
	fail("network", err)

	e.logger.WithFields(logrus.Fields{
		"scripts":     len(scripts),
		"bytes":       len(text),
		"static":      report.Static.RiskScore,
		"obfuscation": report.Obfuscation.ObfuscationScore,
		"network":     report.Network.RiskScore,
		"mode":        report.Static.Mode,
	}).Debug("Script analysis finished")
}

// AnalyzeArtifact 通过 source 获取制品后分析，store 非空时保存报告
func (e *Engine) AnalyzeArtifact(ctx context.Context, source ArtifactSource, store HistoryStore, artifactID string) (*Report, error) {
	req, err := source.Fetch(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch artifact %s: %w", artifactID, err)
	}
	if req.ArtifactID == "" {
		req.ArtifactID = artifactID
	}

	report, analyzeErr := e.Analyze(ctx, *req)
	if report == nil {
		return nil, analyzeErr
	}
	if store != nil {
		if err := store.Save(ctx, report); err != nil {
			return report, errors.Join(analyzeErr, fmt.Errorf("failed to save report: %w", err))
		}
	}
	return report, analyzeErr
}

// CacheLen 当前缓存条目数
func (e *Engine) CacheLen() int {
	if e.cache == nil {
		return 0
	}
	return e.cache.Len()
}

// PurgeCache 清空缓存
func (e *Engine) PurgeCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
}
