package manifest

import "strings"

// PermissionTier 权限风险等级
type PermissionTier string

const (
	TierCritical  PermissionTier = "critical"
	TierDangerous PermissionTier = "dangerous"
	TierModerate  PermissionTier = "moderate"
	TierOther     PermissionTier = "other"
)

// CriticalPermissions 可完全控制浏览器或网络流量的权限
var CriticalPermissions = map[string]bool{
	"<all_urls>":         true,
	"<all-urls>":         true,
	"debugger":           true,
	"nativeMessaging":    true,
	"proxy":              true,
	"webRequestBlocking": true,
	"management":         true,
	"privacy":            true,
	"desktopCapture":     true,
}

// DangerousPermissions 可读取用户数据或浏览行为的权限
var DangerousPermissions = map[string]bool{
	"cookies":               true,
	"webRequest":            true,
	"history":               true,
	"tabs":                  true,
	"bookmarks":             true,
	"downloads":             true,
	"clipboardRead":         true,
	"declarativeNetRequest": true,
	"scripting":             true,
	"browsingData":          true,
	"contentSettings":       true,
	"pageCapture":           true,
	"topSites":              true,
	"webNavigation":         true,
}

// ModeratePermissions 影响有限的权限
var ModeratePermissions = map[string]bool{
	"activeTab":          true,
	"notifications":      true,
	"contextMenus":       true,
	"clipboardWrite":     true,
	"geolocation":        true,
	"identity":           true,
	"alarms":             true,
	"unlimitedStorage":   true,
	"declarativeContent": true,
}

// CSPUnsafeTokens 需要关注的 CSP 片段
var CSPUnsafeTokens = []string{"unsafe-eval", "unsafe-inline", "data:", "blob:", "filesystem:"}

// WeightTable 评分权重与各部分上限
type WeightTable struct {
	Version string

	CriticalPermission  int
	DangerousPermission int
	ModeratePermission  int
	PermissionsCap      int

	ContentScriptBroadEarly int
	ContentScriptSingle     int
	AllFramesBonus          int
	ContentScriptsCap       int

	CSPUnsafeEval   int
	CSPUnsafeInline int
	CSPScheme       int
	CSPCap          int

	ExternalBroad    int
	ExternalAnyID    int
	ExternalSpecific int
	ExternalCap      int

	PersistentBackground int
	PersistenceCap       int

	HostBroad    int
	HostSpecific int
	HostCap      int
}

// DefaultWeights 默认权重
var DefaultWeights = WeightTable{
	Version: "2024.1",

	CriticalPermission:  15,
	DangerousPermission: 8,
	ModeratePermission:  3,
	PermissionsCap:      40,

	ContentScriptBroadEarly: 15,
	ContentScriptSingle:     8,
	AllFramesBonus:          2,
	ContentScriptsCap:       20,

	CSPUnsafeEval:   8,
	CSPUnsafeInline: 5,
	CSPScheme:       3,
	CSPCap:          15,

	ExternalBroad:    10,
	ExternalAnyID:    5,
	ExternalSpecific: 3,
	ExternalCap:      10,

	PersistentBackground: 5,
	PersistenceCap:       5,

	HostBroad:    10,
	HostSpecific: 2,
	HostCap:      10,
}

// ClassifyPermission 返回权限所属等级
func ClassifyPermission(p string) PermissionTier {
	switch {
	case CriticalPermissions[p]:
		return TierCritical
	case DangerousPermissions[p]:
		return TierDangerous
	case ModeratePermissions[p]:
		return TierModerate
	}
	return TierOther
}

// IsHostPattern 是否为 URL 匹配模式（MV2 把主机权限写在 permissions 中）
func IsHostPattern(p string) bool {
	if p == "<all_urls>" || p == "<all-urls>" {
		return true
	}
	return strings.Contains(p, "://")
}

// IsBroadPattern 匹配所有主机的模式
func IsBroadPattern(p string) bool {
	p = strings.TrimSpace(p)
	switch p {
	case "<all_urls>", "<all-urls>", "*", "*://*/*", "*://*":
		return true
	}
	host := patternHost(p)
	return host == "*"
}

// IsWildcardSubdomain 子域通配模式，如 *://*.example.com/*
func IsWildcardSubdomain(p string) bool {
	return strings.HasPrefix(patternHost(p), "*.")
}

func patternHost(p string) string {
	idx := strings.Index(p, "://")
	if idx < 0 {
		return ""
	}
	rest := p[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	if colon := strings.LastIndexByte(rest, ':'); colon >= 0 {
		rest = rest[:colon]
	}
	return rest
}
