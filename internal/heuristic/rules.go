package heuristic

import (
	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/network"
	"github.com/extension-analysis/extension-analysis-go/internal/obfuscation"
	"github.com/extension-analysis/extension-analysis-go/internal/staticanalysis"
)

// TableVersion 内置指标表版本
const TableVersion = "2024.1"

// BuiltinTable 内置指标表
func BuiltinTable() Table {
	return Table{Version: TableVersion, Indicators: builtinIndicators()}
}

func builtinIndicators() []Indicator {
	return []Indicator{
		// ==================== manifest 组合 ====================
		{
			ID:          "broad_early_injection",
			Name:        "Broad early injection",
			Weight:      35,
			Severity:    analysis.SeverityCritical,
			Description: "content script injected into every site before the page loads",
			Trigger: func(in *Inputs) int {
				if in.Manifest == nil {
					return 0
				}
				return in.Manifest.ContentScripts.BroadEarlyCount
			},
		},
		{
			ID:          "broad_hosts_request_interception",
			Name:        "Traffic interception on all sites",
			Weight:      20,
			Severity:    analysis.SeverityHigh,
			Description: "unrestricted host access combined with request interception permissions",
			Trigger: func(in *Inputs) int {
				if in.Manifest == nil {
					return 0
				}
				broad := len(in.Manifest.HostPermissions.Broad) > 0 || in.Manifest.ContentScripts.BroadCount > 0
				return boolCount(broad && in.hasPermission("webRequest", "webRequestBlocking", "declarativeNetRequest", "proxy"))
			},
		},
		{
			ID:          "critical_permission_cluster",
			Name:        "Critical permission cluster",
			Weight:      15,
			Severity:    analysis.SeverityHigh,
			Description: "two or more critical permissions requested together",
			Trigger: func(in *Inputs) int {
				return boolCount(in.Manifest != nil && len(in.Manifest.Permissions.Critical) >= 2)
			},
		},
		{
			ID:          "debugger_permission",
			Name:        "Debugger access",
			Weight:      20,
			Severity:    analysis.SeverityCritical,
			Description: "debugger permission grants full control over attached tabs",
			Trigger: func(in *Inputs) int {
				return boolCount(in.hasPermission("debugger"))
			},
		},
		{
			ID:          "extension_management",
			Name:        "Extension management",
			Weight:      15,
			Severity:    analysis.SeverityHigh,
			Description: "can disable or uninstall other extensions",
			Trigger: func(in *Inputs) int {
				return boolCount(in.hasPermission("management"))
			},
		},
		{
			ID:          "native_messaging",
			Name:        "Native messaging",
			Weight:      10,
			Severity:    analysis.SeverityMedium,
			Description: "talks to a native host process outside the browser sandbox",
			Trigger: func(in *Inputs) int {
				return boolCount(in.hasPermission("nativeMessaging"))
			},
		},
		{
			ID:          "open_external_messaging",
			Name:        "Open external messaging",
			Weight:      10,
			Severity:    analysis.SeverityMedium,
			Description: "accepts messages from arbitrary web pages",
			Trigger: func(in *Inputs) int {
				if in.Manifest == nil {
					return 0
				}
				return len(in.Manifest.ExternalConnections.BroadMatches)
			},
		},
		{
			ID:          "persistent_background_network",
			Name:        "Always-on network client",
			Weight:      10,
			Severity:    analysis.SeverityMedium,
			Description: "persistent background page that issues network requests",
			Trigger: func(in *Inputs) int {
				if in.Manifest == nil || in.Network == nil {
					return 0
				}
				return boolCount(in.Manifest.BackgroundPersistence.Persistent && len(in.Network.RequestPatterns) > 0)
			},
		},
		{
			ID:          "all_frames_broad_injection",
			Name:        "Injection into every frame",
			Weight:      10,
			Severity:    analysis.SeverityMedium,
			Description: "broad content script that also runs inside embedded frames",
			Trigger: func(in *Inputs) int {
				if in.Manifest == nil {
					return 0
				}
				n := 0
				for _, cs := range in.Manifest.ContentScripts.Scripts {
					if cs.Broad && cs.AllFrames {
						n++
					}
				}
				return n
			},
		},
		{
			ID:          "invalid_manifest",
			Name:        "Unreadable manifest",
			Weight:      20,
			Severity:    analysis.SeverityHigh,
			Description: "manifest could not be parsed and is treated as hostile",
			Trigger: func(in *Inputs) int {
				return boolCount(in.Manifest != nil && in.Manifest.Invalid)
			},
		},

		// ==================== manifest + 代码 ====================
		{
			ID:          "unsafe_eval_dynamic_code",
			Name:        "Eval-enabled dynamic code",
			Weight:      25,
			Severity:    analysis.SeverityCritical,
			Description: "CSP allows unsafe-eval and scripts build or load code at runtime",
			Trigger: func(in *Inputs) int {
				if in.Manifest == nil || !in.Manifest.CSP.Has("unsafe-eval") {
					return 0
				}
				return boolCount(in.staticCount(staticanalysis.CategoryDynamicExecution)+in.staticCount(staticanalysis.CategoryRemoteCodeLoading) > 0)
			},
		},
		{
			ID:          "cookie_permission_exfiltration",
			Name:        "Cookie theft",
			Weight:      25,
			Severity:    analysis.SeverityCritical,
			Description: "cookies permission combined with requests that carry browser data",
			Trigger: func(in *Inputs) int {
				return boolCount(in.hasPermission("cookies") && in.behavior().Exfiltration > 0)
			},
		},
		{
			ID:          "proxy_control_evasion",
			Name:        "Proxy hijacking",
			Weight:      30,
			Severity:    analysis.SeverityCritical,
			Description: "proxy permission combined with proxy rewriting code",
			Trigger: func(in *Inputs) int {
				return boolCount(in.hasPermission("proxy") && in.behavior().Evasion > 0)
			},
		},

		// ==================== 脚本 ====================
		{
			ID:          "input_capture",
			Name:        "Input capture",
			Weight:      20,
			Severity:    analysis.SeverityHigh,
			Description: "keyboard or form input is observed by extension code",
			Trigger: func(in *Inputs) int {
				return in.staticCount(staticanalysis.CategoryInputCapture)
			},
		},
		{
			ID:          "keylogger_exfiltration",
			Name:        "Keylogger",
			Weight:      40,
			Severity:    analysis.SeverityCritical,
			Description: "captured input together with requests that carry collected data",
			Trigger: func(in *Inputs) int {
				return boolCount(in.staticCount(staticanalysis.CategoryInputCapture) > 0 && in.behavior().Exfiltration > 0)
			},
		},
		{
			ID:          "input_with_state_access",
			Name:        "Input and credential store access",
			Weight:      15,
			Severity:    analysis.SeverityHigh,
			Description: "input capture in code that also reads cookies or storage",
			Trigger: func(in *Inputs) int {
				return boolCount(in.staticCount(staticanalysis.CategoryInputCapture) > 0 &&
					in.staticCount(staticanalysis.CategoryStateAccess) > 0)
			},
		},
		{
			ID:          "remote_code_loading",
			Name:        "Remote code loading",
			Weight:      20,
			Severity:    analysis.SeverityHigh,
			Description: "script pulled from a remote origin at runtime",
			Trigger: func(in *Inputs) int {
				return in.staticCount(staticanalysis.CategoryRemoteCodeLoading)
			},
		},
		{
			ID:          "obfuscated_dynamic_code",
			Name:        "Obfuscated dynamic code",
			Weight:      25,
			Severity:    analysis.SeverityCritical,
			Description: "runtime code evaluation inside obfuscated scripts",
			Trigger: func(in *Inputs) int {
				return boolCount(in.staticCount(staticanalysis.CategoryDynamicExecution) > 0 && in.obfuscated())
			},
		},
		{
			ID:          "script_advanced_malware",
			Name:        "Malware markers in scripts",
			Weight:      25,
			Severity:    analysis.SeverityCritical,
			Description: "mining, anti-debugging or form hijacking markers",
			Trigger: func(in *Inputs) int {
				if !in.StaticCovered() {
					return 0
				}
				return in.MalwareMarkers()
			},
		},
		{
			ID:          "fingerprinting_with_network",
			Name:        "Fingerprint collection",
			Weight:      10,
			Severity:    analysis.SeverityMedium,
			Description: "device fingerprinting in code that issues network requests",
			Trigger: func(in *Inputs) int {
				if in.Network == nil {
					return 0
				}
				return boolCount(in.staticCount(staticanalysis.CategoryFingerprinting) > 0 && len(in.Network.RequestPatterns) > 0)
			},
		},
		{
			ID:          "behavioral_markers",
			Name:        "Evasive behaviour",
			Weight:      5,
			Severity:    analysis.SeverityLow,
			Description: "automation detection, randomised timers or external messaging",
			Trigger: func(in *Inputs) int {
				return in.staticCount(staticanalysis.CategoryBehavioral)
			},
		},
		{
			ID:          "unparseable_scripts",
			Name:        "Unparseable scripts",
			Weight:      5,
			Severity:    analysis.SeverityLow,
			Description: "some scripts failed to parse and were scanned with patterns only",
			Trigger: func(in *Inputs) int {
				if in.Static == nil {
					return 0
				}
				return boolCount(len(in.Static.ParseErrors) > 0)
			},
		},

		// ==================== 混淆 ====================
		{
			ID:          "heavy_obfuscation",
			Name:        "Heavy obfuscation",
			Weight:      20,
			Severity:    analysis.SeverityHigh,
			Description: "obfuscation score above the detection threshold",
			Trigger: func(in *Inputs) int {
				return boolCount(in.obfuscated())
			},
		},
		{
			ID:          "encoding_chain",
			Name:        "Encoding chain",
			Weight:      10,
			Severity:    analysis.SeverityMedium,
			Description: "decode calls combined with escaped or hex encoded literals",
			Trigger: func(in *Inputs) int {
				o := in.Obfuscation
				if o == nil || !o.HasTechnique(obfuscation.TechniqueEncodingCalls) {
					return 0
				}
				return boolCount(o.HasTechnique(obfuscation.TechniqueEscapes) || o.HasTechnique(obfuscation.TechniqueHexLiterals))
			},
		},
		{
			ID:          "high_entropy",
			Name:        "High entropy code",
			Weight:      10,
			Severity:    analysis.SeverityMedium,
			Description: "character distribution typical of packed or encrypted payloads",
			Trigger: func(in *Inputs) int {
				return boolCount(in.Obfuscation != nil && in.Obfuscation.Entropy > obfuscation.DefaultWeights.EntropyHigh)
			},
		},
		{
			ID:          "obfuscated_network",
			Name:        "Hidden endpoints",
			Weight:      15,
			Severity:    analysis.SeverityHigh,
			Description: "obfuscated code that contacts suspicious endpoints",
			Trigger: func(in *Inputs) int {
				return boolCount(in.obfuscated() && in.Network != nil && len(in.Network.SuspiciousURLs) > 0)
			},
		},

		// ==================== 网络行为 ====================
		{
			ID:          "exfiltration_behavior",
			Name:        "Data exfiltration",
			Weight:      30,
			Severity:    analysis.SeverityCritical,
			Description: "request bodies built from cookies, storage or form data",
			Trigger: func(in *Inputs) int {
				return in.behavior().Exfiltration
			},
		},
		{
			ID:          "c2_behavior",
			Name:        "Command and control",
			Weight:      35,
			Severity:    analysis.SeverityCritical,
			Description: "periodic heartbeat or command polling",
			Trigger: func(in *Inputs) int {
				return in.behavior().C2
			},
		},
		{
			ID:          "stealth_requests",
			Name:        "Stealth requests",
			Weight:      15,
			Severity:    analysis.SeverityHigh,
			Description: "randomised timing or spoofed request headers",
			Trigger: func(in *Inputs) int {
				return in.behavior().Stealth
			},
		},
		{
			ID:          "bulk_requests",
			Name:        "Bulk requests",
			Weight:      10,
			Severity:    analysis.SeverityMedium,
			Description: "network calls issued from loops or timers",
			Trigger: func(in *Inputs) int {
				return in.behavior().Bulk
			},
		},
		{
			ID:          "proxy_evasion",
			Name:        "Proxy or protocol tampering",
			Weight:      25,
			Severity:    analysis.SeverityHigh,
			Description: "proxy configuration or protocol downgrade in code",
			Trigger: func(in *Inputs) int {
				return in.behavior().Evasion
			},
		},
		{
			ID:          "high_risk_domain",
			Name:        "High-risk domain",
			Weight:      20,
			Severity:    analysis.SeverityHigh,
			Description: "contacts a known mining or paste hosting domain",
			Trigger: func(in *Inputs) int {
				if in.Network == nil {
					return 0
				}
				return in.Network.DomainTierCount(network.TierHigh)
			},
		},
		{
			ID:          "direct_ip_or_anonymity_endpoint",
			Name:        "Untraceable endpoint",
			Weight:      15,
			Severity:    analysis.SeverityHigh,
			Description: "endpoint addressed by raw IP or on an anonymity network",
			Trigger: func(in *Inputs) int {
				if in.Network == nil {
					return 0
				}
				n := 0
				for _, u := range in.Network.SuspiciousURLs {
					for _, s := range u.Shapes {
						if s.Name == network.ShapeIPLiteral || s.Name == network.ShapeAnonymity {
							n++
							break
						}
					}
				}
				return n
			},
		},
		{
			ID:          "periodic_state_beacon",
			Name:        "Periodic data beacon",
			Weight:      15,
			Severity:    analysis.SeverityHigh,
			Description: "timer driven requests in code that reads cookies or storage",
			Trigger: func(in *Inputs) int {
				return boolCount(in.behavior().Bulk > 0 && in.staticCount(staticanalysis.CategoryStateAccess) > 0)
			},
		},

		// ==================== 安装包 ====================
		{
			ID:          "archive_advanced_malware",
			Name:        "Malware markers in package",
			Weight:      35,
			Severity:    analysis.SeverityCritical,
			Description: "advanced malware markers found in packaged files",
			Trigger: func(in *Inputs) int {
				if in.StaticCovered() || in.Package == nil {
					return 0
				}
				return len(in.Package.MalwareFindings)
			},
		},
		{
			ID:          "manifest_only_degraded",
			Name:        "Manifest-only analysis",
			Weight:      10,
			Severity:    analysis.SeverityMedium,
			Description: "package yielded no readable script, only the manifest was analysed",
			Trigger: func(in *Inputs) int {
				return boolCount(in.Package != nil && len(in.Package.Scripts) == 0)
			},
		},
		{
			ID:          "undeclared_scripts",
			Name:        "Undeclared scripts",
			Weight:      5,
			Severity:    analysis.SeverityLow,
			Description: "packaged script files not referenced by the manifest",
			Trigger: func(in *Inputs) int {
				if in.Package == nil {
					return 0
				}
				for _, f := range in.Package.ScriptFiles() {
					for _, s := range in.Package.Scripts {
						if s.Name == f.Path && s.Provenance == analysis.ProvenanceDiscovered {
							return 1
						}
					}
				}
				return 0
			},
		},
	}
}

func boolCount(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (in *Inputs) staticCount(category string) int {
	if in.Static == nil {
		return 0
	}
	return in.Static.Count(category)
}

// StaticCovered 静态分析成功处理了全部脚本（含安装包解出的脚本）
func (in *Inputs) StaticCovered() bool {
	return in.Static != nil && in.Static.Error == ""
}

// MalwareMarkers 恶意标记数
// 安装包脚本已并入静态分析，此时只取静态结果，静态分析缺失或失败时才用安装包的逐文件扫描
func (in *Inputs) MalwareMarkers() int {
	if in.StaticCovered() || in.Package == nil {
		return in.staticCount(staticanalysis.CategoryAdvancedMalware)
	}
	return len(in.Package.MalwareFindings)
}

func (in *Inputs) behavior() network.BehaviorPatterns {
	if in.Network == nil {
		return network.BehaviorPatterns{}
	}
	return in.Network.BehaviorPatterns
}

func (in *Inputs) obfuscated() bool {
	return in.Obfuscation != nil && in.Obfuscation.ObfuscationDetected
}

// hasPermission 已声明权限中是否包含任一名称（不含 optional）
func (in *Inputs) hasPermission(names ...string) bool {
	if in.Manifest == nil {
		return false
	}
	p := in.Manifest.Permissions
	for _, group := range [][]string{p.Critical, p.Dangerous, p.Moderate, p.Other} {
		for _, have := range group {
			for _, want := range names {
				if have == want {
					return true
				}
			}
		}
	}
	return false
}
