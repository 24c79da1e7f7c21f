package network

import (
	"net"
	"net/url"
	"regexp"
	"strings"
)

// ShapeMatch URL 形态命中
type ShapeMatch struct {
	Name  string `json:"name"`
	Tier  Tier   `json:"tier"`
	Score int    `json:"score"`
}

// URLClassification URL 分类结果
type URLClassification struct {
	URL         string       `json:"url"`
	Domain      string       `json:"domain"`
	DomainTier  Tier         `json:"domain_tier,omitempty"`
	DomainKind  string       `json:"domain_kind,omitempty"`
	MatchedBy   string       `json:"matched_by,omitempty"`
	DomainScore int          `json:"domain_score"`
	Shapes      []ShapeMatch `json:"shapes"`
	ShapeScore  int          `json:"shape_score"`
}

// Suspicious 域名或形态任一命中
func (c URLClassification) Suspicious() bool {
	return c.DomainTier != "" || len(c.Shapes) > 0
}

// 形态名称
const (
	ShapeIPLiteral      = "ip_literal"
	ShapeAnonymity      = "anonymity_network"
	ShapeEmbeddedBase64 = "embedded_base64"
	ShapeUnusualPort    = "unusual_port"
	ShapeLongLabel      = "long_or_algorithmic_label"
	ShapeSuspiciousPath = "suspicious_path"
	ShapeRareTLD        = "rare_tld"
)

var (
	base64Segment  = regexp.MustCompile(`[A-Za-z0-9+/_-]{40,}={0,2}`)
	suspiciousPath = regexp.MustCompile(`(?i)/(?:gate|panel|c2|cmd|exfil|upload|collect|steal|keylog|bot|payload|shell|loader)(?:[/.?#]|$)|[?&](?:cmd|exec|payload|cookie|cookies|pwd|pass|password|keys)=`)
	consonantRun   = regexp.MustCompile(`(?i)[bcdfghjklmnpqrstvwxz]{6,}`)

	commonPorts = map[string]bool{"80": true, "443": true, "8080": true, "8443": true}
	rareTLDs    = map[string]bool{
		"tk": true, "ml": true, "ga": true, "cf": true, "gq": true, "xyz": true, "top": true,
		"pw": true, "su": true, "zip": true, "mov": true, "click": true, "loan": true,
		"work": true, "rest": true, "icu": true, "cyou": true, "buzz": true,
	}
)

// URLClassifier URL 分类器
type URLClassifier struct {
	weights WeightTable
}

// NewURLClassifier 创建 URL 分类器
func NewURLClassifier(w WeightTable) *URLClassifier {
	return &URLClassifier{weights: w}
}

// ClassifyURL 对单个 URL 进行分类
func (c *URLClassifier) ClassifyURL(rawURL string) URLClassification {
	result := URLClassification{URL: rawURL, Shapes: []ShapeMatch{}}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return result
	}
	host := strings.ToLower(parsed.Hostname())
	result.Domain = host

	// ========== 规则1：可疑域名表 ==========
	if e, ok := MatchDomain(host); ok {
		result.DomainTier = e.Tier
		result.DomainKind = e.Kind
		result.MatchedBy = e.Domain
		result.DomainScore = c.weights.domainScore(e.Tier)
	}

	// ========== 规则2：IP 直连 ==========
	if net.ParseIP(host) != nil {
		c.addShape(&result, ShapeIPLiteral, TierHigh)
	}

	// ========== 规则3：匿名网络 ==========
	if strings.HasSuffix(host, ".onion") || strings.HasSuffix(host, ".i2p") {
		c.addShape(&result, ShapeAnonymity, TierHigh)
	}

	// ========== 规则4：路径或参数中嵌入 base64 ==========
	if base64Segment.MatchString(parsed.EscapedPath() + "?" + parsed.RawQuery) {
		c.addShape(&result, ShapeEmbeddedBase64, TierMedium)
	}

	// ========== 规则5：非常用端口 ==========
	if port := parsed.Port(); port != "" && !commonPorts[port] {
		c.addShape(&result, ShapeUnusualPort, TierMedium)
	}

	// ========== 规则6：超长或疑似算法生成的标签 ==========
	if net.ParseIP(host) == nil && hasAlgorithmicLabel(host) {
		c.addShape(&result, ShapeLongLabel, TierMedium)
	}

	// ========== 规则7：可疑路径/参数 ==========
	if suspiciousPath.MatchString(parsed.Path + "?" + parsed.RawQuery) {
		c.addShape(&result, ShapeSuspiciousPath, TierMedium)
	}

	// ========== 规则8：冷门顶级域 ==========
	if idx := strings.LastIndexByte(host, '.'); idx >= 0 && rareTLDs[host[idx+1:]] {
		c.addShape(&result, ShapeRareTLD, TierLow)
	}

	return result
}

func (c *URLClassifier) addShape(r *URLClassification, name string, tier Tier) {
	score := c.weights.shapeScore(tier)
	r.Shapes = append(r.Shapes, ShapeMatch{Name: name, Tier: tier, Score: score})
	r.ShapeScore += score
}

// hasAlgorithmicLabel 标签长度超过 40，或较长且含长辅音串/大量数字
func hasAlgorithmicLabel(host string) bool {
	labels := strings.Split(host, ".")
	if len(labels) > 1 {
		labels = labels[:len(labels)-1]
	}
	for _, l := range labels {
		if len(l) > 40 {
			return true
		}
		if len(l) < 15 {
			continue
		}
		digits := 0
		for i := 0; i < len(l); i++ {
			if l[i] >= '0' && l[i] <= '9' {
				digits++
			}
		}
		if consonantRun.MatchString(l) || float64(digits)/float64(len(l)) > 0.3 {
			return true
		}
	}
	return false
}
