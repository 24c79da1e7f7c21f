package staticanalysis

import (
	"regexp"
	"strings"

	"github.com/dop251/goja/ast"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

// nodeKind 归一化后的语法节点种类
type nodeKind int

const (
	kindCall nodeKind = iota
	kindNew
	kindAssign
	kindMember
	kindString
	kindDebugger
)

func (k nodeKind) String() string {
	switch k {
	case kindCall:
		return "call"
	case kindNew:
		return "new"
	case kindAssign:
		return "assign"
	case kindMember:
		return "member"
	case kindString:
		return "string"
	case kindDebugger:
		return "debugger"
	}
	return "unknown"
}

// node 规则匹配使用的节点视图
//
//	call/new: path 为被调用者路径，args 为实参
//	assign:   path 为赋值目标路径，right 为右值
//	member:   path 为最外层成员访问路径
//	string:   value 为字面量值
type node struct {
	kind   nodeKind
	path   string
	args   []ast.Expression
	right  ast.Expression
	value  string
	offset int
}

// stringArg 第 i 个实参为字符串字面量时返回其值
func (n *node) stringArg(i int) (string, bool) {
	if i >= len(n.args) {
		return "", false
	}
	return literalString(n.args[i])
}

// literalString 字符串字面量或不含插值的模板字符串
func literalString(e ast.Expression) (string, bool) {
	switch x := e.(type) {
	case *ast.StringLiteral:
		return x.Value.String(), true
	case *ast.TemplateLiteral:
		if x.Tag == nil && len(x.Expressions) == 0 && len(x.Elements) == 1 {
			return x.Elements[0].Parsed.String(), true
		}
	}
	return "", false
}

// argCalls 第 i 个实参子树中出现的调用路径
func (n *node) argCalls(i int) []string {
	if i >= len(n.args) {
		return nil
	}
	return callPaths(n.args[i])
}

// rule 单条节点谓词
type rule struct {
	id          string
	category    string
	severity    analysis.Severity
	description string
	match       func(n *node) bool
}

func pathIs(paths ...string) func(n *node) bool {
	return func(n *node) bool {
		for _, p := range paths {
			if n.path == p {
				return true
			}
		}
		return false
	}
}

func pathUnder(prefixes ...string) func(n *node) bool {
	return func(n *node) bool {
		for _, p := range prefixes {
			if n.path == p || strings.HasPrefix(n.path, p+".") || strings.HasPrefix(n.path, p+"[]") {
				return true
			}
		}
		return false
	}
}

func pathEndsWith(suffixes ...string) func(n *node) bool {
	return func(n *node) bool {
		for _, s := range suffixes {
			if n.path == strings.TrimPrefix(s, ".") || strings.HasSuffix(n.path, s) {
				return true
			}
		}
		return false
	}
}

func firstArgIn(values ...string) func(n *node) bool {
	return func(n *node) bool {
		s, ok := n.stringArg(0)
		if !ok {
			return false
		}
		s = strings.ToLower(s)
		for _, v := range values {
			if s == v {
				return true
			}
		}
		return false
	}
}

func all(preds ...func(n *node) bool) func(n *node) bool {
	return func(n *node) bool {
		for _, p := range preds {
			if !p(n) {
				return false
			}
		}
		return true
	}
}

func valueMatches(re *regexp.Regexp) func(n *node) bool {
	return func(n *node) bool {
		return re.MatchString(n.value)
	}
}

var (
	keyEvents = []string{"keydown", "keyup", "keypress", "input"}

	remoteScriptURL   = regexp.MustCompile(`(?i)^(?:https?:)?//[^\s'"]+\.js(?:[?#][^\s'"]*)?$`)
	minerMarker       = regexp.MustCompile(`(?i)coin-?hive|cryptonight|stratum\+tcp|webminepool|jsecoin|crypto-?loot|\bminero\b|deepminer`)
	socialEngineering = regexp.MustCompile(`(?i)verify your (?:account|identity)|enter your password|session (?:has )?expired|account (?:has been )?(?:suspended|locked)|update (?:your )?(?:browser|flash) (?:now|required)`)
	passwordSelector  = regexp.MustCompile(`(?i)type\s*=\s*["']?password`)
	scriptLikeText    = regexp.MustCompile(`function\s*\(|eval\s*\(|=>`)
)

// rulesByKind 按节点种类分发的规则表
var rulesByKind = map[nodeKind][]rule{
	kindCall: {
		{"eval-call", CategoryDynamicExecution, analysis.SeverityCritical,
			"eval() executes arbitrary code", pathIs("eval")},
		{"function-call", CategoryDynamicExecution, analysis.SeverityHigh,
			"Function() compiles code from a string", pathIs("Function")},
		{"timer-string", CategoryDynamicExecution, analysis.SeverityHigh,
			"timer scheduled with a code string",
			func(n *node) bool {
				if n.path != "setTimeout" && n.path != "setInterval" {
					return false
				}
				_, ok := n.stringArg(0)
				return ok
			}},
		{"document-write", CategoryDynamicExecution, analysis.SeverityMedium,
			"document.write injects markup and scripts", pathIs("document.write", "document.writeln")},
		{"execute-script", CategoryDynamicExecution, analysis.SeverityHigh,
			"injects code into tabs", pathIs("chrome.tabs.executeScript", "chrome.scripting.executeScript")},
		{"insert-html", CategoryDynamicExecution, analysis.SeverityMedium,
			"inserts raw HTML into the page", pathEndsWith(".insertAdjacentHTML")},

		{"import-scripts", CategoryRemoteCodeLoading, analysis.SeverityHigh,
			"importScripts() loads code at runtime", pathIs("importScripts")},
		{"create-script-element", CategoryRemoteCodeLoading, analysis.SeverityMedium,
			"creates a script element dynamically",
			all(pathIs("document.createElement"), firstArgIn("script"))},
		{"jquery-get-script", CategoryRemoteCodeLoading, analysis.SeverityHigh,
			"jQuery getScript() fetches and runs remote code", pathIs("$.getScript", "jQuery.getScript")},

		{"keyboard-listener", CategoryInputCapture, analysis.SeverityHigh,
			"keyboard listener registered",
			all(pathEndsWith(".addEventListener"), firstArgIn(keyEvents...))},
		{"clipboard-listener", CategoryInputCapture, analysis.SeverityMedium,
			"clipboard listener registered",
			all(pathEndsWith(".addEventListener"), firstArgIn("paste", "copy", "cut"))},

		{"canvas-readback", CategoryFingerprinting, analysis.SeverityLow,
			"canvas pixel readback", pathEndsWith(".toDataURL", ".getImageData")},
		{"webgl-parameter", CategoryFingerprinting, analysis.SeverityLow,
			"WebGL parameter probing", pathEndsWith(".getParameter", ".getExtension")},

		{"submit-hijack", CategoryAdvancedMalware, analysis.SeverityHigh,
			"submit event intercepted",
			all(pathEndsWith(".addEventListener"), firstArgIn("submit"))},
		{"prompt-dialog", CategoryAdvancedMalware, analysis.SeverityMedium,
			"native prompt used to ask for input", pathIs("prompt")},
		{"disable-extension", CategoryAdvancedMalware, analysis.SeverityHigh,
			"disables or removes other extensions",
			pathIs("chrome.management.setEnabled", "chrome.management.uninstall")},
		{"storage-payload", CategoryAdvancedMalware, analysis.SeverityHigh,
			"code-like payload persisted to storage",
			func(n *node) bool {
				if !strings.HasSuffix(n.path, "localStorage.setItem") && !(strings.HasPrefix(n.path, "chrome.storage.") && strings.HasSuffix(n.path, ".set")) {
					return false
				}
				for i := range n.args {
					if s, ok := n.stringArg(i); ok && scriptLikeText.MatchString(s) {
						return true
					}
				}
				return false
			}},

		{"random-delay", CategoryBehavioral, analysis.SeverityMedium,
			"timer with a randomised delay",
			func(n *node) bool {
				if n.path != "setTimeout" && n.path != "setInterval" {
					return false
				}
				for _, c := range n.argCalls(1) {
					if c == "Math.random" {
						return true
					}
				}
				return false
			}},
		{"runtime-messaging", CategoryBehavioral, analysis.SeverityLow,
			"cross-context messaging",
			pathIs("chrome.runtime.sendMessage", "chrome.runtime.connect", "chrome.tabs.sendMessage", "postMessage")},
	},

	kindNew: {
		{"new-function", CategoryDynamicExecution, analysis.SeverityHigh,
			"new Function() compiles code from a string", pathIs("Function")},
		{"remote-worker", CategoryRemoteCodeLoading, analysis.SeverityMedium,
			"worker started from a script URL", pathIs("Worker", "SharedWorker")},
		{"audio-context", CategoryFingerprinting, analysis.SeverityLow,
			"audio stack fingerprinting", pathIs("AudioContext", "webkitAudioContext", "OfflineAudioContext")},
		{"miner-instance", CategoryAdvancedMalware, analysis.SeverityCritical,
			"crypto-miner instantiated",
			func(n *node) bool { return minerMarker.MatchString(n.path) || strings.Contains(strings.ToLower(n.path), "miner") }},
	},

	kindAssign: {
		{"html-assign", CategoryDynamicExecution, analysis.SeverityMedium,
			"raw HTML assigned to the DOM",
			func(n *node) bool {
				if !strings.HasSuffix(n.path, ".innerHTML") && !strings.HasSuffix(n.path, ".outerHTML") {
					return false
				}
				_, literal := literalString(n.right)
				return !literal
			}},
		{"key-handler", CategoryInputCapture, analysis.SeverityHigh,
			"keyboard handler property assigned",
			pathEndsWith(".onkeydown", ".onkeyup", ".onkeypress", ".oninput")},
		{"form-action", CategoryAdvancedMalware, analysis.SeverityHigh,
			"form action rewritten", pathEndsWith(".action")},
		{"location-redirect", CategoryBehavioral, analysis.SeverityLow,
			"page location rewritten", pathIs("location", "location.href", "document.location", "top.location")},
	},

	kindMember: {
		{"cookie-access", CategoryStateAccess, analysis.SeverityHigh,
			"document cookies accessed", pathUnder("document.cookie")},
		{"cookies-api", CategoryStateAccess, analysis.SeverityHigh,
			"cookies API accessed", pathUnder("chrome.cookies")},
		{"history-api", CategoryStateAccess, analysis.SeverityHigh,
			"browsing history accessed", pathUnder("chrome.history", "chrome.topSites", "chrome.sessions")},
		{"bookmarks-api", CategoryStateAccess, analysis.SeverityMedium,
			"bookmarks accessed", pathUnder("chrome.bookmarks")},
		{"web-storage", CategoryStateAccess, analysis.SeverityMedium,
			"web storage accessed", pathUnder("localStorage", "sessionStorage", "indexedDB")},

		{"navigator-read", CategoryFingerprinting, analysis.SeverityLow,
			"navigator properties read",
			pathUnder("navigator.userAgent", "navigator.platform", "navigator.plugins", "navigator.languages",
				"navigator.hardwareConcurrency", "navigator.deviceMemory", "navigator.mimeTypes")},
		{"screen-read", CategoryFingerprinting, analysis.SeverityLow,
			"screen properties read",
			pathUnder("screen.width", "screen.height", "screen.colorDepth", "screen.pixelDepth", "screen.availWidth")},

		{"webdriver-check", CategoryBehavioral, analysis.SeverityMedium,
			"automation environment detection", pathUnder("navigator.webdriver")},
		{"devtools-size-check", CategoryBehavioral, analysis.SeverityLow,
			"window size probing used for devtools detection", pathIs("outerWidth", "outerHeight")},
		{"external-messages", CategoryBehavioral, analysis.SeverityMedium,
			"accepts messages from other extensions or pages", pathUnder("chrome.runtime.onMessageExternal", "chrome.runtime.onConnectExternal")},
	},

	kindString: {
		{"remote-script-url", CategoryRemoteCodeLoading, analysis.SeverityHigh,
			"remote script URL", valueMatches(remoteScriptURL)},
		{"password-field", CategoryInputCapture, analysis.SeverityHigh,
			"password field targeted", valueMatches(passwordSelector)},
		{"miner-marker", CategoryAdvancedMalware, analysis.SeverityCritical,
			"crypto-mining marker", valueMatches(minerMarker)},
		{"social-engineering", CategoryAdvancedMalware, analysis.SeverityHigh,
			"social-engineering prompt text", valueMatches(socialEngineering)},
	},

	kindDebugger: {
		{"debugger-statement", CategoryAdvancedMalware, analysis.SeverityHigh,
			"debugger statement used as anti-debugging trap", func(*node) bool { return true }},
	},
}

// normalizePath 去掉全局对象前缀，browser.* 视同 chrome.*
func normalizePath(p string) string {
	for {
		trimmed := p
		for _, prefix := range []string{"window.", "self.", "globalThis.", "this."} {
			trimmed = strings.TrimPrefix(trimmed, prefix)
		}
		if trimmed == p {
			break
		}
		p = trimmed
	}
	if strings.HasPrefix(p, "browser.") {
		p = "chrome." + strings.TrimPrefix(p, "browser.")
	}
	return p
}

// maxPathDepth 成员链超过该长度时外层用 ? 表示
const maxPathDepth = 64

// exprPath 成员访问链的点分路径，无法静态解析的部分用 ? 或 [] 表示
func exprPath(e ast.Expression) string {
	return pathOf(e, 0)
}

func pathOf(e ast.Expression, depth int) string {
	if depth > maxPathDepth {
		return "?"
	}
	switch x := e.(type) {
	case *ast.Identifier:
		return x.Name.String()
	case *ast.ThisExpression:
		return "this"
	case *ast.DotExpression:
		return pathOf(x.Left, depth+1) + "." + x.Identifier.Name.String()
	case *ast.BracketExpression:
		if s, ok := x.Member.(*ast.StringLiteral); ok {
			return pathOf(x.Left, depth+1) + "." + s.Value.String()
		}
		return pathOf(x.Left, depth+1) + "[]"
	case *ast.CallExpression:
		return pathOf(x.Callee, depth+1) + "()"
	case *ast.Optional:
		return pathOf(x.Expression, depth+1)
	case *ast.OptionalChain:
		return pathOf(x.Expression, depth+1)
	}
	return "?"
}

// callPaths 子树中出现的调用路径
func callPaths(e ast.Expression) []string {
	if e == nil {
		return nil
	}
	var paths []string
	walk(e, func(n ast.Node) bool {
		if c, ok := n.(*ast.CallExpression); ok {
			paths = append(paths, normalizePath(exprPath(c.Callee)))
		}
		return true
	})
	return paths
}
