package staticanalysis

import (
	"regexp"
	"strings"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

// pattern 正则规则
// hints 是匹配必然包含的字面量之一，文本里一个都没有时跳过正则
type pattern struct {
	re          *regexp.Regexp
	severity    analysis.Severity
	description string
	hints       []string
	fold        bool
}

type patternTable map[string][]pattern

func p(expr string, sev analysis.Severity, desc string, hints ...string) pattern {
	pat := pattern{re: regexp.MustCompile(expr), severity: sev, description: desc, hints: hints}
	if strings.HasPrefix(expr, "(?i)") {
		pat.fold = true
		for i, h := range hints {
			pat.hints[i] = strings.ToLower(h)
		}
	}
	return pat
}

// mayMatch 字面量预筛，lower 是惰性计算的小写文本
func (pat pattern) mayMatch(text string, lower func() string) bool {
	if len(pat.hints) == 0 {
		return true
	}
	if pat.fold {
		text = lower()
	}
	for _, h := range pat.hints {
		if strings.Contains(text, h) {
			return true
		}
	}
	return false
}

// fallbackPatterns 语法解析失败时使用，覆盖与语法树规则相同的类别
var fallbackPatterns = patternTable{
	CategoryDynamicExecution: {
		p(`\beval\s*\(`, analysis.SeverityCritical, "eval() executes arbitrary code", "eval"),
		p(`\b(?:new\s+)?Function\s*\(`, analysis.SeverityHigh, "Function() compiles code from a string", "Function"),
		p(`\bset(?:Timeout|Interval)\s*\(\s*['"\x60]`, analysis.SeverityHigh, "timer scheduled with a code string", "setTimeout", "setInterval"),
		p(`document\.write(?:ln)?\s*\(`, analysis.SeverityMedium, "document.write injects markup and scripts", "document.write"),
		p(`\.executeScript\s*\(`, analysis.SeverityHigh, "injects code into tabs", ".executeScript"),
		p(`\.(?:inner|outer)HTML\s*=[^=]`, analysis.SeverityMedium, "raw HTML assigned to the DOM", "HTML"),
		p(`\.insertAdjacentHTML\s*\(`, analysis.SeverityMedium, "inserts raw HTML into the page", ".insertAdjacentHTML"),
	},
	CategoryRemoteCodeLoading: {
		p(`\bimportScripts\s*\(`, analysis.SeverityHigh, "importScripts() loads code at runtime", "importScripts"),
		p(`createElement\s*\(\s*['"]script['"]`, analysis.SeverityMedium, "creates a script element dynamically", "createElement"),
		p(`['"\x60](?:https?:)?//[^\s'"\x60]+\.js(?:[?#][^\s'"\x60]*)?['"\x60]`, analysis.SeverityHigh, "remote script URL", ".js"),
		p(`\bnew\s+(?:Shared)?Worker\s*\(`, analysis.SeverityMedium, "worker started from a script URL", "Worker"),
		p(`\.getScript\s*\(`, analysis.SeverityHigh, "jQuery getScript() fetches and runs remote code", ".getScript"),
		p(`\bimport\s*\(`, analysis.SeverityHigh, "dynamic import() loads code at runtime", "import"),
	},
	CategoryStateAccess: {
		p(`document\.cookie`, analysis.SeverityHigh, "document cookies accessed", "document.cookie"),
		p(`(?:chrome|browser)\.cookies\b`, analysis.SeverityHigh, "cookies API accessed", ".cookies"),
		p(`(?:chrome|browser)\.(?:history|topSites|sessions)\b`, analysis.SeverityHigh, "browsing history accessed", ".history", ".topSites", ".sessions"),
		p(`(?:chrome|browser)\.bookmarks\b`, analysis.SeverityMedium, "bookmarks accessed", ".bookmarks"),
		p(`\b(?:localStorage|sessionStorage|indexedDB)\b`, analysis.SeverityMedium, "web storage accessed", "localStorage", "sessionStorage", "indexedDB"),
	},
	CategoryInputCapture: {
		p(`addEventListener\s*\(\s*['"\x60](?:keydown|keyup|keypress|input)['"\x60]`, analysis.SeverityHigh, "keyboard listener registered", "addEventListener"),
		p(`addEventListener\s*\(\s*['"\x60](?:paste|copy|cut)['"\x60]`, analysis.SeverityMedium, "clipboard listener registered", "addEventListener"),
		p(`\.on(?:keydown|keyup|keypress|input)\s*=[^=]`, analysis.SeverityHigh, "keyboard handler property assigned", ".onkey", ".oninput"),
		p(`(?i)type\s*=\s*\\?["']?password`, analysis.SeverityHigh, "password field targeted", "password"),
	},
	CategoryFingerprinting: {
		p(`navigator\.(?:userAgent|platform|plugins|languages|hardwareConcurrency|deviceMemory|mimeTypes)`, analysis.SeverityLow, "navigator properties read", "navigator."),
		p(`screen\.(?:width|height|colorDepth|pixelDepth|availWidth)`, analysis.SeverityLow, "screen properties read", "screen."),
		p(`\.(?:toDataURL|getImageData)\s*\(`, analysis.SeverityLow, "canvas pixel readback", ".toDataURL", ".getImageData"),
		p(`\.(?:getParameter|getExtension)\s*\(`, analysis.SeverityLow, "WebGL parameter probing", ".getParameter", ".getExtension"),
		p(`\bnew\s+(?:webkit|Offline)?AudioContext\b`, analysis.SeverityLow, "audio stack fingerprinting", "AudioContext"),
	},
	CategoryAdvancedMalware: {
		p(`(?i)coin-?hive|cryptonight|stratum\+tcp|webminepool|jsecoin|crypto-?loot|\bminero\b|deepminer`, analysis.SeverityCritical, "crypto-mining marker", "coin", "cryptonight", "stratum+tcp", "webminepool", "jsecoin", "crypto", "minero", "deepminer"),
		p(`\bdebugger\b`, analysis.SeverityHigh, "debugger statement used as anti-debugging trap", "debugger"),
		p(`\.action\s*=[^=]`, analysis.SeverityHigh, "form action rewritten", ".action"),
		p(`addEventListener\s*\(\s*['"\x60]submit['"\x60]`, analysis.SeverityHigh, "submit event intercepted", "addEventListener"),
		p(`(?i)verify your (?:account|identity)|enter your password|session (?:has )?expired|account (?:has been )?(?:suspended|locked)`, analysis.SeverityHigh, "social-engineering prompt text", "verify your", "enter your password", "session", "account"),
		p(`(?:chrome|browser)\.management\.(?:setEnabled|uninstall)\b`, analysis.SeverityHigh, "disables or removes other extensions", ".management."),
	},
	CategoryBehavioral: {
		p(`navigator\.webdriver`, analysis.SeverityMedium, "automation environment detection", "navigator.webdriver"),
		p(`\bouter(?:Width|Height)\s*-`, analysis.SeverityLow, "window size probing used for devtools detection", "outerWidth", "outerHeight"),
		p(`set(?:Timeout|Interval)\s*\([^;]*Math\.random\s*\(`, analysis.SeverityMedium, "timer with a randomised delay", "Math.random"),
		p(`(?:chrome|browser)\.(?:runtime|tabs)\.(?:sendMessage|connect)\b|\.postMessage\s*\(`, analysis.SeverityLow, "cross-context messaging", ".sendMessage", ".connect", ".postMessage"),
		p(`onMessageExternal|onConnectExternal`, analysis.SeverityMedium, "accepts messages from other extensions or pages", "External"),
	},
}

// scan 对文本逐条匹配，每个匹配生成一条发现
// 大文件上正则走 NFA，先用字面量预筛掉不可能命中的规则
func (t patternTable) scan(name, text string, categories []string, findings analysis.FindingSet) {
	var (
		lines  *analysis.LineIndex
		folded string
		done   bool
	)
	lower := func() string {
		if !done {
			folded, done = strings.ToLower(text), true
		}
		return folded
	}
	for _, category := range categories {
		for _, pat := range t[category] {
			if !pat.mayMatch(text, lower) {
				continue
			}
			for _, loc := range pat.re.FindAllStringIndex(text, -1) {
				if lines == nil {
					lines = analysis.NewLineIndex(text)
				}
				line, col := lines.Position(loc[0])
				findings.Add(analysis.Finding{
					Category:    category,
					Severity:    pat.severity,
					File:        name,
					Line:        line,
					Column:      col,
					Description: pat.description,
					Match:       analysis.Snippet(text[loc[0]:loc[1]], 120),
				})
			}
		}
	}
}

// scanFallback 正则降级路径
func scanFallback(name, text string, findings analysis.FindingSet) {
	fallbackPatterns.scan(name, text, Categories, findings)
}
