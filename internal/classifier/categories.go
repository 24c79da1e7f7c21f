package classifier

import (
	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/network"
	"github.com/extension-analysis/extension-analysis-go/internal/staticanalysis"
)

// categoryRule 类别规则：直接检查各分析器的原始发现，严重程度由本类别自己的计数规则决定
// evidence 为 0 表示未命中
type categoryRule struct {
	name        string
	description string
	advice      string
	evaluate    func(in *Inputs) (evidence int, sev analysis.Severity)
}

// privacyPermissions 可读取浏览数据的权限
var privacyPermissions = map[string]bool{
	"cookies": true, "history": true, "tabs": true, "bookmarks": true, "topSites": true,
	"browsingData": true, "webNavigation": true, "clipboardRead": true, "pageCapture": true,
	"geolocation": true, "desktopCapture": true,
}

// categoryRules 固定顺序，决定输出顺序
var categoryRules = []categoryRule{
	// ========== Data Theft：外传请求 + 输入捕获/数据读取 ==========
	{
		name:        CategoryDataTheft,
		description: "Collects browsing data or user input and sends it to a remote server.",
		advice:      "Remove the extension and change passwords for sites used while it was installed.",
		evaluate: func(in *Inputs) (int, analysis.Severity) {
			exfil := in.behavior().Exfiltration
			input := in.staticCount(staticanalysis.CategoryInputCapture)
			state := in.staticCount(staticanalysis.CategoryStateAccess)
			switch {
			case exfil > 0 && (input > 0 || state > 0):
				return exfil + input + state, analysis.SeverityCritical
			case exfil > 0:
				return exfil, analysis.SeverityHigh
			case input > 0 && in.requestKinds() > 0:
				return input, analysis.SeverityMedium
			}
			return 0, 0
		},
	},
	// ========== Privacy Invasion：数据读取 + 指纹 + 隐私类权限 ==========
	{
		name:        CategoryPrivacyInvasion,
		description: "Reads cookies, storage, history or device fingerprints.",
		advice:      "Review which sites the extension can read and clear cookies after removing it.",
		evaluate: func(in *Inputs) (int, analysis.Severity) {
			n := in.staticCount(staticanalysis.CategoryStateAccess) +
				in.staticCount(staticanalysis.CategoryFingerprinting) +
				in.permissionCount(func(p string) bool { return privacyPermissions[p] })
			switch {
			case n >= 6:
				return n, analysis.SeverityHigh
			case n >= 3:
				return n, analysis.SeverityMedium
			case n > 0:
				return n, analysis.SeverityLow
			}
			return 0, 0
		},
	},
	// ========== Arbitrary Code Execution：动态执行 / 远程加载 / unsafe-eval ==========
	{
		name:        CategoryCodeExecution,
		description: "Can run code that is not shipped with the extension.",
		advice:      "Block the extension until the runtime code paths are reviewed.",
		evaluate: func(in *Inputs) (int, analysis.Severity) {
			dynamic := in.staticCount(staticanalysis.CategoryDynamicExecution)
			remote := in.staticCount(staticanalysis.CategoryRemoteCodeLoading)
			unsafeEval := in.Manifest != nil && in.Manifest.CSP.Has("unsafe-eval")
			n := dynamic + remote
			if unsafeEval {
				n++
			}
			switch {
			case remote > 0:
				return n, analysis.SeverityCritical
			case dynamic >= 3 || (dynamic > 0 && unsafeEval):
				return n, analysis.SeverityHigh
			case n > 0:
				return n, analysis.SeverityMedium
			}
			return 0, 0
		},
	},
	// ========== Excessive Permissions：critical/dangerous 权限与全站主机权限 ==========
	{
		name:        CategoryExcessivePermission,
		description: "Requests permissions far beyond what most extensions need.",
		advice:      "Check whether the stated purpose justifies each requested permission.",
		evaluate: func(in *Inputs) (int, analysis.Severity) {
			if in.Manifest == nil {
				return 0, 0
			}
			p := in.Manifest.Permissions
			critical, dangerous := len(p.Critical), len(p.Dangerous)
			broad := len(in.Manifest.HostPermissions.Broad)
			n := critical + dangerous + broad
			switch {
			case critical >= 2:
				return n, analysis.SeverityCritical
			case critical == 1 || dangerous >= 3:
				return n, analysis.SeverityHigh
			case n > 0:
				return n, analysis.SeverityMedium
			}
			return 0, 0
		},
	},
	// ========== Code Obfuscation ==========
	{
		name:        CategoryObfuscation,
		description: "Script source is deliberately obfuscated to hinder review.",
		advice:      "Treat the extension as untrusted until readable source is available.",
		evaluate: func(in *Inputs) (int, analysis.Severity) {
			o := in.Obfuscation
			if o == nil || (!o.ObfuscationDetected && len(o.Techniques) < 2) {
				return 0, 0
			}
			n := len(o.Techniques)
			if o.IsMinified {
				n++
			}
			n = max(n, 1)
			switch {
			case o.ObfuscationScore >= 75:
				return n, analysis.SeverityHigh
			case o.ObfuscationScore >= 50:
				return n, analysis.SeverityMedium
			}
			return n, analysis.SeverityLow
		},
	},
	// ========== Network Abuse：可疑端点与请求行为 ==========
	{
		name:        CategoryNetworkAbuse,
		description: "Contacts suspicious endpoints or issues covert, automated requests.",
		advice:      "Block the listed endpoints at the network edge.",
		evaluate: func(in *Inputs) (int, analysis.Severity) {
			if in.Network == nil {
				return 0, 0
			}
			b := in.Network.BehaviorPatterns
			high := in.Network.DomainTierCount(network.TierHigh)
			medium := in.Network.DomainTierCount(network.TierMedium)
			n := high + medium + b.Bulk + b.Stealth + b.C2 + b.Evasion
			switch {
			case b.C2 > 0 || b.Evasion > 0:
				return n, analysis.SeverityCritical
			case high > 0 || b.Stealth > 0:
				return n, analysis.SeverityHigh
			case n > 0:
				return n, analysis.SeverityMedium
			}
			return 0, 0
		},
	},
	// ========== Advanced Malware：脚本与安装包中的恶意标记 ==========
	{
		name:        CategoryAdvancedMalware,
		description: "Contains crypto-mining, anti-debugging or form hijacking code.",
		advice:      "Uninstall the extension and scan the machine for other unwanted software.",
		evaluate: func(in *Inputs) (int, analysis.Severity) {
			n := in.MalwareMarkers()
			switch {
			case n >= 2:
				return n, analysis.SeverityCritical
			case n == 1:
				return n, analysis.SeverityHigh
			}
			return 0, 0
		},
	},
	// ========== Behavioral Threats：规避检测与对外开放的消息通道 ==========
	{
		name:        CategoryBehavioral,
		description: "Detects analysis environments, randomises timing or accepts messages from any page.",
		advice:      "Monitor the extension's runtime behaviour before allowing it on sensitive sites.",
		evaluate: func(in *Inputs) (int, analysis.Severity) {
			n := in.staticCount(staticanalysis.CategoryBehavioral)
			if in.Manifest != nil {
				n += len(in.Manifest.ExternalConnections.BroadMatches)
			}
			switch {
			case n >= 4:
				return n, analysis.SeverityHigh
			case n >= 2:
				return n, analysis.SeverityMedium
			case n == 1:
				return n, analysis.SeverityLow
			}
			return 0, 0
		},
	},
	// ========== Heuristic Threats：组合信号 ==========
	{
		name:        CategoryHeuristic,
		description: "Suspicious combinations of permissions, code and network behaviour.",
		advice:      "Investigate the combined indicators before trusting the extension.",
		evaluate: func(in *Inputs) (int, analysis.Severity) {
			h := in.Heuristic
			if h == nil || h.HeuristicScore < 20 {
				return 0, 0
			}
			n := len(h.DetectedHeuristics)
			switch {
			case h.HeuristicScore >= 80:
				return n, analysis.SeverityCritical
			case h.HeuristicScore >= 60:
				return n, analysis.SeverityHigh
			case h.HeuristicScore >= 40:
				return n, analysis.SeverityMedium
			}
			return n, analysis.SeverityLow
		},
	},
}

func (in *Inputs) staticCount(category string) int {
	if in.Static == nil {
		return 0
	}
	return in.Static.Count(category)
}

func (in *Inputs) behavior() network.BehaviorPatterns {
	if in.Network == nil {
		return network.BehaviorPatterns{}
	}
	return in.Network.BehaviorPatterns
}

func (in *Inputs) requestKinds() int {
	if in.Network == nil {
		return 0
	}
	return len(in.Network.RequestPatterns)
}

func (in *Inputs) permissionCount(match func(string) bool) int {
	if in.Manifest == nil {
		return 0
	}
	p := in.Manifest.Permissions
	n := 0
	for _, group := range [][]string{p.Critical, p.Dangerous, p.Moderate, p.Other} {
		for _, name := range group {
			if match(name) {
				n++
			}
		}
	}
	return n
}
