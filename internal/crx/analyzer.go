package crx

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/manifest"
	"github.com/extension-analysis/extension-analysis-go/internal/staticanalysis"
)

const manifestPath = "manifest.json"

// DegradedFloorScore 解包失败、只分析了找回的 manifest 时的风险分下限
const DegradedFloorScore = 50

// 风险分组合权重
const (
	fileWeight     = 0.3
	manifestWeight = 0.7
)

// Analyzer CRX/zip 包分析器，无内部状态
type Analyzer struct {
	manifests *manifest.Analyzer
	limits    Limits
}

// NewAnalyzer 创建包分析器
func NewAnalyzer(manifests *manifest.Analyzer, limits Limits) *Analyzer {
	if manifests == nil {
		manifests = manifest.NewAnalyzer()
	}
	return &Analyzer{manifests: manifests, limits: limits}
}

// Analyze 解析容器并做逐文件与 manifest 分析
// 容器无法解析且无法恢复 manifest 时返回 RiskScore=100 的结果和类型化错误
func (a *Analyzer) Analyze(data []byte) (*Result, error) {
	res := &Result{
		Files:           []PackageFile{},
		FileScans:       []staticanalysis.FileScan{},
		MalwareFindings: []analysis.Finding{},
		Scripts:         analysis.ScriptBundle{},
	}

	if err := analysis.CheckSize("container", len(data), a.limits.MaxContainerSize); err != nil {
		return failed(res, err)
	}

	header, err := ParseHeader(data)
	if err != nil {
		return a.degrade(res, data, err)
	}
	res.Header = header

	files, skipped, err := extract(data[header.PayloadOffset:], a.limits)
	if err != nil {
		if errors.Is(err, analysis.ErrInputTooLarge) {
			return failed(res, err)
		}
		return a.degrade(res, data, err)
	}
	res.Files = files
	res.Skipped = skipped
	res.Degraded = header.Degraded()

	var manifestBytes []byte
	for _, f := range files {
		if f.Path == manifestPath {
			manifestBytes = f.Content
			break
		}
	}
	if manifestBytes == nil {
		res.Error = "manifest.json not found in archive"
		res.ManifestResult = manifest.InvalidResult(fmt.Errorf("%w: manifest.json not found", analysis.ErrInvalidManifest))
	} else {
		a.analyzeManifest(res, manifestBytes)
	}

	a.scanFiles(res)
	res.RiskScore = combine(res)
	return res, nil
}

// degrade 解包失败时尝试 manifest-only 分析
// 找回 manifest 也仍然返回容器错误，调用方据此不缓存结果；风险分不低于 DegradedFloorScore
func (a *Analyzer) degrade(res *Result, data []byte, cause error) (*Result, error) {
	var malformed *analysis.MalformedContainerError
	if !errors.As(cause, &malformed) {
		cause = &analysis.MalformedContainerError{Reason: "container cannot be unpacked", Err: cause}
	}
	raw, ok := recoverManifest(data)
	if !ok {
		return failed(res, cause)
	}
	res.Degraded = true
	res.ParseError = cause.Error()
	res.Error = cause.Error()
	a.analyzeManifest(res, raw)
	res.RiskScore = max(combine(res), DegradedFloorScore)
	return res, cause
}

func (a *Analyzer) analyzeManifest(res *Result, data []byte) {
	m, err := manifest.Parse(data)
	if err != nil {
		res.ManifestResult = manifest.InvalidResult(err)
		res.Error = err.Error()
		return
	}
	res.parsedManifest = m
	res.Manifest = m.Raw
	res.ManifestResult = a.manifests.Analyze(m)
}

// scanFiles 对脚本文件与 HTML 内联脚本逐个扫描
func (a *Analyzer) scanFiles(res *Result) {
	declared := map[string]bool{}
	if res.parsedManifest != nil {
		for _, p := range res.parsedManifest.DeclaredScripts() {
			declared[p] = true
		}
	}

	for _, f := range res.Files {
		switch f.Type {
		case TypeScript:
			prov := analysis.ProvenanceDiscovered
			if declared[f.Path] {
				prov = analysis.ProvenanceDeclared
			}
			res.Scripts = append(res.Scripts, analysis.Script{
				Name:       f.Path,
				Text:       string(f.Content),
				Size:       f.Size,
				Provenance: prov,
			})
		case TypeMarkup:
			res.Scripts = append(res.Scripts, InlineScripts(f.Path, f.Content)...)
		}
	}

	for _, s := range res.Scripts {
		res.FileScans = append(res.FileScans, staticanalysis.ScanFile(s.Name, s.Text))
		res.MalwareFindings = append(res.MalwareFindings, staticanalysis.ScanMalwareMarkers(s.Name, s.Text)...)
	}
	sort.SliceStable(res.FileScans, func(i, j int) bool {
		return res.FileScans[i].RiskScore > res.FileScans[j].RiskScore
	})
}

// combine 0.3×逐文件平均分 + 0.7×manifest 分；没有可读脚本时直接使用 manifest 分
func combine(res *Result) int {
	manifestScore := analysis.FailSafeScore
	if res.ManifestResult != nil {
		manifestScore = res.ManifestResult.RiskScore
	}
	if len(res.FileScans) == 0 {
		return analysis.ClampScore(manifestScore)
	}
	sum := 0
	for _, s := range res.FileScans {
		sum += s.RiskScore
	}
	res.MeanFileScore = math.Round(float64(sum)/float64(len(res.FileScans))*100) / 100
	return analysis.ClampFloat(fileWeight*res.MeanFileScore + manifestWeight*float64(manifestScore))
}

func failed(res *Result, err error) (*Result, error) {
	res.RiskScore = analysis.FailSafeScore
	res.Error = err.Error()
	return res, err
}
