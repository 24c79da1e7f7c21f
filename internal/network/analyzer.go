package network

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

// Finding 类别
const (
	CategorySuspiciousDomain = "suspicious_domain"
	CategorySuspiciousURL    = "suspicious_url"
	CategoryRequestAPI       = "request_api"
	CategoryBulk             = "bulk"
	CategoryStealth          = "stealth"
	CategoryExfiltration     = "exfiltration"
	CategoryC2               = "c2"
	CategoryEvasion          = "evasion"
)

// Categories 全部类别
var Categories = []string{
	CategorySuspiciousDomain, CategorySuspiciousURL, CategoryRequestAPI,
	CategoryBulk, CategoryStealth, CategoryExfiltration, CategoryC2, CategoryEvasion,
}

// MaxInputSize 输入大小上限
const MaxInputSize = 5 << 20

// WeightTable 评分参数
type WeightTable struct {
	Version string

	DomainHigh   int
	DomainMedium int
	DomainLow    int

	ShapeHigh   int
	ShapeMedium int
	ShapeLow    int

	RequestAPI int

	// CallWindow 判断行为共现时调用点前后的字符窗口
	CallWindow int
}

// DefaultWeights 默认参数
var DefaultWeights = WeightTable{
	Version:      "2024.1",
	DomainHigh:   25,
	DomainMedium: 15,
	DomainLow:    5,
	ShapeHigh:    20,
	ShapeMedium:  10,
	ShapeLow:     5,
	RequestAPI:   5,
	CallWindow:   300,
}

func (w WeightTable) domainScore(t Tier) int {
	switch t {
	case TierHigh:
		return w.DomainHigh
	case TierMedium:
		return w.DomainMedium
	case TierLow:
		return w.DomainLow
	}
	return 0
}

func (w WeightTable) shapeScore(t Tier) int {
	switch t {
	case TierHigh:
		return w.ShapeHigh
	case TierMedium:
		return w.ShapeMedium
	case TierLow:
		return w.ShapeLow
	}
	return 0
}

// Endpoints 端点统计
type Endpoints struct {
	Total      int      `json:"total"`
	Unique     int      `json:"unique"`
	Suspicious []string `json:"suspicious"`
}

// RequestPattern 请求 API 使用情况
type RequestPattern struct {
	API   string `json:"api"`
	Count int    `json:"count"`
}

// BehaviorPatterns 各行为模式命中次数
type BehaviorPatterns struct {
	Bulk         int `json:"bulk"`
	Stealth      int `json:"stealth"`
	Exfiltration int `json:"exfiltration"`
	C2           int `json:"c2"`
	Evasion      int `json:"evasion"`
}

// Result 网络分析结果
type Result struct {
	Endpoints        Endpoints           `json:"endpoints"`
	SuspiciousURLs   []URLClassification `json:"suspicious_urls"`
	RequestPatterns  []RequestPattern    `json:"request_patterns"`
	BehaviorPatterns BehaviorPatterns    `json:"behavior_patterns"`
	Findings         analysis.FindingSet `json:"findings"`
	DomainScore      int                 `json:"domain_score"`
	ShapeScore       int                 `json:"shape_score"`
	RequestScore     int                 `json:"request_score"`
	RiskScore        int                 `json:"risk_score"`
	WeightsVersion   string              `json:"weights_version"`
	Error            string              `json:"error,omitempty"`
}

// DomainTierCount 某等级可疑域名的数量
func (r *Result) DomainTierCount(t Tier) int {
	n := 0
	for _, u := range r.SuspiciousURLs {
		if u.DomainTier == t {
			n++
		}
	}
	return n
}

var (
	urlPattern = regexp.MustCompile(`(?i)\b(?:https?|wss?|ftp)://[^\s'"\x60<>(){}\\^|]+`)

	// 网络调用点
	callSite = regexp.MustCompile(`\bfetch\s*\(|\.send\s*\(|navigator\.sendBeacon\s*\(|\$\.(?:ajax|post|get)\s*\(|\baxios(?:\.(?:get|post|put|request))?\s*\(|\bnew\s+WebSocket\s*\(`)

	requestAPIs = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"fetch", regexp.MustCompile(`\bfetch\s*\(`)},
		{"xmlhttprequest", regexp.MustCompile(`\bXMLHttpRequest\b`)},
		{"send_beacon", regexp.MustCompile(`\bsendBeacon\s*\(`)},
		{"websocket", regexp.MustCompile(`\bnew\s+WebSocket\s*\(`)},
		{"jquery_ajax", regexp.MustCompile(`\$\.(?:ajax|post|get|getJSON)\s*\(`)},
		{"axios", regexp.MustCompile(`\baxios(?:\.(?:get|post|put|request))?\s*\(`)},
		{"event_source", regexp.MustCompile(`\bnew\s+EventSource\s*\(`)},
		{"image_beacon", regexp.MustCompile(`\bnew\s+Image\s*\([^)]*\)\s*\.src\s*=`)},
		{"web_request", regexp.MustCompile(`(?:chrome|browser)\.webRequest\.`)},
	}

	dataSource   = regexp.MustCompile(`document\.cookie|(?:chrome|browser)\.cookies|localStorage|sessionStorage|(?:chrome|browser)\.storage|\bnew\s+FormData\b|\.value\b|password`)
	loopOrTimer  = regexp.MustCompile(`\b(?:for|while)\s*\(|\.forEach\s*\(|\bsetInterval\s*\(|\bsetTimeout\s*\(`)
	randomDelay  = regexp.MustCompile(`Math\.random\s*\(`)
	headerSpoof  = regexp.MustCompile(`(?i)setRequestHeader\s*\(\s*['"](?:user-agent|referer|origin|x-forwarded-for|x-real-ip)['"]|['"](?:user-agent|referer|x-forwarded-for)['"]\s*:|referrerPolicy\s*:\s*['"]no-referrer`)
	periodicCall = regexp.MustCompile(`\bsetInterval\s*\(`)
	c2Token      = regexp.MustCompile(`(?i)ping|heartbeat|status|check-?in|poll|beacon|command|\btask`)

	evasionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:chrome|browser)\.proxy\.settings\.set\s*\(`),
		regexp.MustCompile(`(?i)['"]PROXY\s+[\w.-]+:\d+|FindProxyForURL|pac_script|pacScript`),
		regexp.MustCompile(`location\.protocol\s*=[^=]`),
		regexp.MustCompile(`\.replace\(\s*['"]https:['"]\s*,\s*['"](?:http|ws):['"]`),
	}
)

// Analyzer 网络端点与行为分析器，无内部状态
type Analyzer struct {
	weights    WeightTable
	classifier *URLClassifier
	maxSize    int
}

// NewAnalyzer 使用默认参数创建
func NewAnalyzer() *Analyzer {
	return NewAnalyzerWithWeights(DefaultWeights, MaxInputSize)
}

// NewAnalyzerWithWeights 使用指定参数创建
func NewAnalyzerWithWeights(w WeightTable, maxSize int) *Analyzer {
	return &Analyzer{weights: w, classifier: NewURLClassifier(w), maxSize: maxSize}
}

// Analyze 分析脚本文本中的网络端点与请求行为
// riskScore = 可疑域名 + URL 形态 + 每种请求 API 5 分，上限 100；行为模式只输出给启发式层
func (a *Analyzer) Analyze(text string) (*Result, error) {
	res := &Result{
		Endpoints:       Endpoints{Suspicious: []string{}},
		SuspiciousURLs:  []URLClassification{},
		RequestPatterns: []RequestPattern{},
		Findings:        analysis.NewFindingSet(Categories...),
		WeightsVersion:  a.weights.Version,
	}
	if err := analysis.CheckSize("script text", len(text), a.maxSize); err != nil {
		res.RiskScore = analysis.FailSafeScore
		res.Error = err.Error()
		return res, err
	}
	lines := analysis.NewLineIndex(text)

	a.analyzeEndpoints(text, lines, res)
	a.analyzeRequests(text, lines, res)
	a.analyzeBehavior(text, lines, res)

	res.RiskScore = analysis.ClampScore(res.DomainScore + res.ShapeScore + res.RequestScore)
	return res, nil
}

func (a *Analyzer) analyzeEndpoints(text string, lines *analysis.LineIndex, res *Result) {
	seen := make(map[string]bool)
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		raw := strings.TrimRight(text[loc[0]:loc[1]], ".,;:!?")
		res.Endpoints.Total++
		if seen[raw] {
			continue
		}
		seen[raw] = true

		c := a.classifier.ClassifyURL(raw)
		if !c.Suspicious() {
			continue
		}
		res.SuspiciousURLs = append(res.SuspiciousURLs, c)
		res.Endpoints.Suspicious = append(res.Endpoints.Suspicious, raw)
		res.DomainScore += c.DomainScore
		res.ShapeScore += c.ShapeScore

		line, col := lines.Position(loc[0])
		if c.DomainTier != "" {
			res.Findings.Add(analysis.Finding{
				Category:    CategorySuspiciousDomain,
				Severity:    tierSeverity(c.DomainTier),
				Line:        line,
				Column:      col,
				Description: fmt.Sprintf("%s domain %s (%s)", c.DomainTier, c.Domain, strings.ReplaceAll(c.DomainKind, "_", " ")),
				Match:       analysis.Snippet(raw, 200),
			})
		}
		for _, s := range c.Shapes {
			res.Findings.Add(analysis.Finding{
				Category:    CategorySuspiciousURL,
				Severity:    tierSeverity(s.Tier),
				Line:        line,
				Column:      col,
				Description: fmt.Sprintf("URL shape: %s", strings.ReplaceAll(s.Name, "_", " ")),
				Match:       analysis.Snippet(raw, 200),
			})
		}
	}
	res.Endpoints.Unique = len(seen)
}

func (a *Analyzer) analyzeRequests(text string, lines *analysis.LineIndex, res *Result) {
	for _, api := range requestAPIs {
		locs := api.re.FindAllStringIndex(text, -1)
		if len(locs) == 0 {
			continue
		}
		res.RequestPatterns = append(res.RequestPatterns, RequestPattern{API: api.name, Count: len(locs)})
		res.RequestScore += a.weights.RequestAPI
		line, col := lines.Position(locs[0][0])
		res.Findings.Add(analysis.Finding{
			Category:    CategoryRequestAPI,
			Severity:    analysis.SeverityLow,
			Line:        line,
			Column:      col,
			Description: fmt.Sprintf("network request API %s used %d time(s)", api.name, len(locs)),
			Match:       text[locs[0][0]:locs[0][1]],
		})
	}
}

// analyzeBehavior 以每个网络调用点为中心，检查前后窗口内的共现特征
func (a *Analyzer) analyzeBehavior(text string, lines *analysis.LineIndex, res *Result) {
	add := func(category string, sev analysis.Severity, desc string, start, end int) {
		line, col := lines.Position(start)
		res.Findings.Add(analysis.Finding{
			Category:    category,
			Severity:    sev,
			Line:        line,
			Column:      col,
			Description: desc,
			Match:       analysis.Snippet(strings.TrimSpace(text[start:end]), 120),
		})
	}

	for _, loc := range callSite.FindAllStringIndex(text, -1) {
		before := text[max(0, loc[0]-a.weights.CallWindow):loc[0]]
		after := text[loc[1]:min(len(text), loc[1]+a.weights.CallWindow)]
		window := before + text[loc[0]:loc[1]] + after

		if loopOrTimer.MatchString(before) {
			res.BehaviorPatterns.Bulk++
			add(CategoryBulk, analysis.SeverityMedium, "network call driven by a loop or timer", loc[0], loc[1])
		}
		if randomDelay.MatchString(window) || headerSpoof.MatchString(window) {
			res.BehaviorPatterns.Stealth++
			add(CategoryStealth, analysis.SeverityHigh, "network call with randomised delay or spoofed headers", loc[0], loc[1])
		}
		if dataSource.MatchString(window) {
			res.BehaviorPatterns.Exfiltration++
			add(CategoryExfiltration, analysis.SeverityCritical, "request body built from cookies, storage or form data", loc[0], loc[1])
		}
		if periodicCall.MatchString(before) && c2Token.MatchString(window) {
			res.BehaviorPatterns.C2++
			add(CategoryC2, analysis.SeverityCritical, "periodic ping/heartbeat style call", loc[0], loc[1])
		}
	}

	for _, re := range evasionPatterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			res.BehaviorPatterns.Evasion++
			add(CategoryEvasion, analysis.SeverityHigh, "proxy configuration or protocol switching", loc[0], loc[1])
		}
	}
}

// UniqueHosts 去重后的主机名列表
func (r *Result) UniqueHosts() []string {
	seen := make(map[string]bool)
	for _, u := range r.SuspiciousURLs {
		if u.Domain != "" {
			seen[u.Domain] = true
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func tierSeverity(t Tier) analysis.Severity {
	switch t {
	case TierHigh:
		return analysis.SeverityHigh
	case TierMedium:
		return analysis.SeverityMedium
	}
	return analysis.SeverityLow
}
