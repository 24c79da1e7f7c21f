package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

// Finding 类别
const (
	CategoryPermissions           = "permissions"
	CategoryContentScripts        = "content_scripts"
	CategoryCSP                   = "csp"
	CategoryExternalConnections   = "external_connections"
	CategoryBackgroundPersistence = "background_persistence"
	CategoryHostPermissions       = "host_permissions"
)

// Categories 全部类别
var Categories = []string{
	CategoryPermissions,
	CategoryContentScripts,
	CategoryCSP,
	CategoryExternalConnections,
	CategoryBackgroundPersistence,
	CategoryHostPermissions,
}

// PermissionReport 按等级划分的权限
type PermissionReport struct {
	Critical  []string `json:"critical"`
	Dangerous []string `json:"dangerous"`
	Moderate  []string `json:"moderate"`
	Other     []string `json:"other"`
	Score     int      `json:"score"`
}

// Total 已分级权限数量（不含 other）
func (p PermissionReport) Total() int {
	return len(p.Critical) + len(p.Dangerous) + len(p.Moderate)
}

// ContentScriptEntry 单个 content script 的评估
type ContentScriptEntry struct {
	Index     int               `json:"index"`
	Matches   []string          `json:"matches"`
	RunAt     string            `json:"run_at"`
	AllFrames bool              `json:"all_frames"`
	Broad     bool              `json:"broad"`
	Early     bool              `json:"early"`
	Risk      analysis.Severity `json:"risk"`
	Score     int               `json:"score"`
}

// ContentScriptReport content_scripts 评估
type ContentScriptReport struct {
	Scripts         []ContentScriptEntry `json:"scripts"`
	BroadCount      int                  `json:"broad_count"`
	EarlyCount      int                  `json:"early_count"`
	BroadEarlyCount int                  `json:"broad_early_count"`
	Score           int                  `json:"score"`
}

// CSPReport CSP 评估
type CSPReport struct {
	Policy string   `json:"policy"`
	Issues []string `json:"issues"`
	Score  int      `json:"score"`
}

// Has 是否包含指定不安全片段
func (c CSPReport) Has(token string) bool {
	for _, issue := range c.Issues {
		if issue == token {
			return true
		}
	}
	return false
}

// ExternalReport externally_connectable 评估
type ExternalReport struct {
	Matches      []string          `json:"matches"`
	IDs          []string          `json:"ids"`
	BroadMatches []string          `json:"broad_matches"`
	Risk         analysis.Severity `json:"risk"`
	Score        int               `json:"score"`
}

// PersistenceReport 后台常驻评估
type PersistenceReport struct {
	ManifestVersion int               `json:"manifest_version"`
	Persistent      bool              `json:"persistent"`
	ServiceWorker   bool              `json:"service_worker"`
	Risk            analysis.Severity `json:"risk"`
	Score           int               `json:"score"`
}

// HostReport 主机权限评估
type HostReport struct {
	Broad    []string `json:"broad"`
	Specific []string `json:"specific"`
	Score    int      `json:"score"`
}

// Result manifest 分析结果
type Result struct {
	Permissions           PermissionReport    `json:"permissions"`
	OptionalPermissions   PermissionReport    `json:"optional_permissions"`
	ContentScripts        ContentScriptReport `json:"content_scripts"`
	CSP                   CSPReport           `json:"csp"`
	ExternalConnections   ExternalReport      `json:"external_connections"`
	BackgroundPersistence PersistenceReport   `json:"background_persistence"`
	HostPermissions       HostReport          `json:"host_permissions"`
	Findings              analysis.FindingSet `json:"findings"`
	RiskScore             int                 `json:"risk_score"`
	WeightsVersion        string              `json:"weights_version"`

	// Invalid 输入不是 JSON 对象，RiskScore 固定为 100
	Invalid bool   `json:"invalid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Analyzer manifest 风险评估器，无内部状态，可并发使用
type Analyzer struct {
	weights WeightTable
}

// NewAnalyzer 使用默认权重创建
func NewAnalyzer() *Analyzer {
	return &Analyzer{weights: DefaultWeights}
}

// NewAnalyzerWithWeights 使用指定权重创建
func NewAnalyzerWithWeights(w WeightTable) *Analyzer {
	return &Analyzer{weights: w}
}

// AnalyzeBytes 解析并分析 manifest.json
// 非 JSON 对象返回 fail-safe 结果（RiskScore=100）和 ErrInvalidManifest
func (a *Analyzer) AnalyzeBytes(data []byte) (*Result, error) {
	m, err := Parse(data)
	if err != nil {
		return InvalidResult(err), err
	}
	return a.Analyze(m), nil
}

// InvalidResult 无法解析的 manifest 对应的结果
func InvalidResult(err error) *Result {
	r := emptyResult(DefaultWeights.Version)
	r.Invalid = true
	r.RiskScore = analysis.FailSafeScore
	if err == nil {
		err = analysis.ErrInvalidManifest
	}
	r.Error = err.Error()
	return r
}

// IsInvalid 判断错误是否来自无效 manifest
func IsInvalid(err error) bool {
	return errors.Is(err, analysis.ErrInvalidManifest)
}

// Analyze 分析 manifest
func (a *Analyzer) Analyze(m *Manifest) *Result {
	if m == nil {
		m = FromMap(nil)
	}
	w := a.weights
	r := emptyResult(w.Version)

	a.scorePermissions(m, r)
	a.scoreContentScripts(m, r)
	a.scoreCSP(m, r)
	a.scoreExternal(m, r)
	a.scorePersistence(m, r)
	a.scoreHosts(m, r)

	total := r.Permissions.Score + r.ContentScripts.Score + r.CSP.Score +
		r.ExternalConnections.Score + r.BackgroundPersistence.Score + r.HostPermissions.Score
	r.RiskScore = analysis.ClampScore(total)
	return r
}

func emptyResult(version string) *Result {
	return &Result{
		Permissions:         newPermissionReport(),
		OptionalPermissions: newPermissionReport(),
		ContentScripts:      ContentScriptReport{Scripts: []ContentScriptEntry{}},
		CSP:                 CSPReport{Issues: []string{}},
		ExternalConnections: ExternalReport{Matches: []string{}, IDs: []string{}, BroadMatches: []string{}},
		HostPermissions:     HostReport{Broad: []string{}, Specific: []string{}},
		Findings:            analysis.NewFindingSet(Categories...),
		WeightsVersion:      version,
	}
}

func newPermissionReport() PermissionReport {
	return PermissionReport{Critical: []string{}, Dangerous: []string{}, Moderate: []string{}, Other: []string{}}
}

func partitionPermissions(perms []string) PermissionReport {
	rep := newPermissionReport()
	seen := make(map[string]bool)
	for _, p := range perms {
		if seen[p] {
			continue
		}
		seen[p] = true
		switch ClassifyPermission(p) {
		case TierCritical:
			rep.Critical = append(rep.Critical, p)
		case TierDangerous:
			rep.Dangerous = append(rep.Dangerous, p)
		case TierModerate:
			rep.Moderate = append(rep.Moderate, p)
		default:
			rep.Other = append(rep.Other, p)
		}
	}
	return rep
}

func (a *Analyzer) scorePermissions(m *Manifest, r *Result) {
	w := a.weights
	r.Permissions = partitionPermissions(m.Permissions)
	r.OptionalPermissions = partitionPermissions(m.OptionalPermissions)

	score := len(r.Permissions.Critical)*w.CriticalPermission +
		len(r.Permissions.Dangerous)*w.DangerousPermission +
		len(r.Permissions.Moderate)*w.ModeratePermission
	r.Permissions.Score = analysis.CapAt(score, w.PermissionsCap)

	for _, p := range r.Permissions.Critical {
		r.Findings.Add(analysis.Finding{
			Category:    CategoryPermissions,
			Severity:    analysis.SeverityCritical,
			File:        "manifest.json",
			Description: fmt.Sprintf("critical permission requested: %s", p),
			Match:       p,
		})
	}
	for _, p := range r.Permissions.Dangerous {
		r.Findings.Add(analysis.Finding{
			Category:    CategoryPermissions,
			Severity:    analysis.SeverityHigh,
			File:        "manifest.json",
			Description: fmt.Sprintf("dangerous permission requested: %s", p),
			Match:       p,
		})
	}
	for _, p := range r.Permissions.Moderate {
		r.Findings.Add(analysis.Finding{
			Category:    CategoryPermissions,
			Severity:    analysis.SeverityLow,
			File:        "manifest.json",
			Description: fmt.Sprintf("moderate permission requested: %s", p),
			Match:       p,
		})
	}
}

func (a *Analyzer) scoreContentScripts(m *Manifest, r *Result) {
	w := a.weights
	score := 0
	for i, cs := range m.ContentScripts {
		entry := ContentScriptEntry{
			Index:     i,
			Matches:   cs.Matches,
			RunAt:     cs.RunAt,
			AllFrames: cs.AllFrames,
			Early:     cs.RunAt == "document_start",
			Risk:      analysis.SeverityLow,
		}
		for _, p := range cs.Matches {
			if IsBroadPattern(p) {
				entry.Broad = true
				break
			}
		}

		switch {
		case entry.Broad && entry.Early:
			entry.Risk = analysis.SeverityHigh
			entry.Score = w.ContentScriptBroadEarly
			r.ContentScripts.BroadEarlyCount++
		case entry.Broad || entry.Early:
			entry.Risk = analysis.SeverityMedium
			entry.Score = w.ContentScriptSingle
		}
		if entry.Broad {
			r.ContentScripts.BroadCount++
			if cs.AllFrames {
				entry.Score += w.AllFramesBonus
			}
		}
		if entry.Early {
			r.ContentScripts.EarlyCount++
		}
		score += entry.Score
		r.ContentScripts.Scripts = append(r.ContentScripts.Scripts, entry)

		if entry.Score > 0 {
			var reasons []string
			if entry.Broad {
				reasons = append(reasons, "injects into all sites")
			}
			if entry.Early {
				reasons = append(reasons, "runs at document_start")
			}
			if entry.Broad && cs.AllFrames {
				reasons = append(reasons, "runs in all frames")
			}
			r.Findings.Add(analysis.Finding{
				Category:    CategoryContentScripts,
				Severity:    entry.Risk,
				File:        "manifest.json",
				Description: fmt.Sprintf("content script #%d %s", i, strings.Join(reasons, ", ")),
				Match:       strings.Join(cs.Matches, " "),
			})
		}
	}
	r.ContentScripts.Score = analysis.CapAt(score, w.ContentScriptsCap)
}

func (a *Analyzer) scoreCSP(m *Manifest, r *Result) {
	w := a.weights
	r.CSP.Policy = m.CSP
	if m.CSP == "" {
		return
	}
	policy := strings.ToLower(m.CSP)
	score := 0
	for _, token := range CSPUnsafeTokens {
		if !strings.Contains(policy, token) {
			continue
		}
		r.CSP.Issues = append(r.CSP.Issues, token)
		sev := analysis.SeverityMedium
		switch token {
		case "unsafe-eval":
			score += w.CSPUnsafeEval
			sev = analysis.SeverityHigh
		case "unsafe-inline":
			score += w.CSPUnsafeInline
		default:
			score += w.CSPScheme
			sev = analysis.SeverityLow
		}
		r.Findings.Add(analysis.Finding{
			Category:    CategoryCSP,
			Severity:    sev,
			File:        "manifest.json",
			Description: fmt.Sprintf("content security policy allows %s", token),
			Match:       token,
		})
	}
	r.CSP.Score = analysis.CapAt(score, w.CSPCap)
}

func (a *Analyzer) scoreExternal(m *Manifest, r *Result) {
	w := a.weights
	ec := m.ExternallyConnectable
	if !ec.Present {
		return
	}
	r.ExternalConnections.Matches = append(r.ExternalConnections.Matches, ec.Matches...)
	r.ExternalConnections.IDs = append(r.ExternalConnections.IDs, ec.IDs...)

	score := 0
	for _, p := range ec.Matches {
		if IsBroadPattern(p) || IsWildcardSubdomain(p) {
			r.ExternalConnections.BroadMatches = append(r.ExternalConnections.BroadMatches, p)
		}
	}
	anyID := false
	for _, id := range ec.IDs {
		if id == "*" {
			anyID = true
		}
	}

	switch {
	case len(r.ExternalConnections.BroadMatches) > 0:
		score += w.ExternalBroad
		r.ExternalConnections.Risk = analysis.SeverityHigh
	case len(ec.Matches) > 0:
		score += w.ExternalSpecific
		r.ExternalConnections.Risk = analysis.SeverityLow
	}
	if anyID {
		score += w.ExternalAnyID
		if r.ExternalConnections.Risk < analysis.SeverityMedium {
			r.ExternalConnections.Risk = analysis.SeverityMedium
		}
	}
	r.ExternalConnections.Score = analysis.CapAt(score, w.ExternalCap)

	if score > 0 {
		r.Findings.Add(analysis.Finding{
			Category:    CategoryExternalConnections,
			Severity:    r.ExternalConnections.Risk,
			File:        "manifest.json",
			Description: "externally_connectable allows web pages or extensions to message this extension",
			Match:       strings.Join(append(append([]string{}, ec.Matches...), ec.IDs...), " "),
		})
	}
}

func (a *Analyzer) scorePersistence(m *Manifest, r *Result) {
	w := a.weights
	bg := m.Background
	r.BackgroundPersistence.ManifestVersion = m.ManifestVersion
	r.BackgroundPersistence.ServiceWorker = bg.ServiceWorker != ""
	r.BackgroundPersistence.Risk = analysis.SeverityLow

	// MV3 service worker 不会常驻
	if m.IsMV3() || r.BackgroundPersistence.ServiceWorker {
		return
	}
	if !bg.IsPersistent() {
		return
	}
	r.BackgroundPersistence.Persistent = true
	r.BackgroundPersistence.Risk = analysis.SeverityMedium
	r.BackgroundPersistence.Score = analysis.CapAt(w.PersistentBackground, w.PersistenceCap)
	r.Findings.Add(analysis.Finding{
		Category:    CategoryBackgroundPersistence,
		Severity:    analysis.SeverityMedium,
		File:        "manifest.json",
		Description: "persistent background page keeps running for the whole browser session",
		Match:       "background.persistent",
	})
}

func (a *Analyzer) scoreHosts(m *Manifest, r *Result) {
	w := a.weights
	patterns := append([]string{}, m.HostPermissions...)
	if !m.IsMV3() {
		for _, p := range m.Permissions {
			if IsHostPattern(p) {
				patterns = append(patterns, p)
			}
		}
	}

	seen := make(map[string]bool)
	score := 0
	for _, p := range patterns {
		if seen[p] {
			continue
		}
		seen[p] = true
		if IsBroadPattern(p) {
			r.HostPermissions.Broad = append(r.HostPermissions.Broad, p)
			score += w.HostBroad
			r.Findings.Add(analysis.Finding{
				Category:    CategoryHostPermissions,
				Severity:    analysis.SeverityHigh,
				File:        "manifest.json",
				Description: "host permission grants access to every site",
				Match:       p,
			})
			continue
		}
		r.HostPermissions.Specific = append(r.HostPermissions.Specific, p)
		score += w.HostSpecific
		sev := analysis.SeverityLow
		if IsWildcardSubdomain(p) {
			sev = analysis.SeverityMedium
		}
		r.Findings.Add(analysis.Finding{
			Category:    CategoryHostPermissions,
			Severity:    sev,
			File:        "manifest.json",
			Description: fmt.Sprintf("host permission for %s", p),
			Match:       p,
		})
	}
	r.HostPermissions.Score = analysis.CapAt(score, w.HostCap)
}
