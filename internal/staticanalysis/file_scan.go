package staticanalysis

import "github.com/extension-analysis/extension-analysis-go/internal/analysis"

// fileCountCap 同一类别在单个文件中最多计入的次数
const fileCountCap = 3

// filePatterns 包内文件扫描规则
var filePatterns = patternTable{
	FileCategoryDynamicExecution: {
		p(`\beval\s*\(`, analysis.SeverityCritical, "eval() call", "eval"),
		p(`\bnew\s+Function\s*\(`, analysis.SeverityHigh, "Function constructor", "Function"),
		p(`\bset(?:Timeout|Interval)\s*\(\s*['"\x60]`, analysis.SeverityHigh, "timer with code string", "setTimeout", "setInterval"),
		p(`document\.write(?:ln)?\s*\(`, analysis.SeverityMedium, "document.write call", "document.write"),
		p(`\.executeScript\s*\(`, analysis.SeverityHigh, "tab script injection", ".executeScript"),
	},
	FileCategoryStateAccess: {
		p(`document\.cookie`, analysis.SeverityHigh, "cookie access", "document.cookie"),
		p(`(?:chrome|browser)\.(?:cookies|history|bookmarks|topSites)\b`, analysis.SeverityHigh, "browser data API", ".cookies", ".history", ".bookmarks", ".topSites"),
		p(`\b(?:localStorage|sessionStorage|indexedDB)\b`, analysis.SeverityMedium, "web storage access", "localStorage", "sessionStorage", "indexedDB"),
	},
	FileCategoryInputCapture: {
		p(`addEventListener\s*\(\s*['"\x60](?:keydown|keyup|keypress|input)['"\x60]`, analysis.SeverityHigh, "keyboard listener", "addEventListener"),
		p(`\.on(?:keydown|keyup|keypress|input)\s*=[^=]`, analysis.SeverityHigh, "keyboard handler property", ".onkey", ".oninput"),
		p(`(?i)type\s*=\s*\\?["']?password`, analysis.SeverityHigh, "password field selector", "password"),
	},
	FileCategoryNetworkCall: {
		p(`\bfetch\s*\(`, analysis.SeverityMedium, "fetch request", "fetch"),
		p(`\bnew\s+XMLHttpRequest\b`, analysis.SeverityMedium, "XMLHttpRequest", "XMLHttpRequest"),
		p(`\bnavigator\.sendBeacon\s*\(`, analysis.SeverityHigh, "beacon request", "sendBeacon"),
		p(`\bnew\s+WebSocket\s*\(`, analysis.SeverityMedium, "WebSocket connection", "WebSocket"),
		p(`\$\.(?:ajax|post|get)\s*\(`, analysis.SeverityMedium, "jQuery request", "$."),
	},
	FileCategoryDataManipulation: {
		p(`\bJSON\.(?:parse|stringify)\s*\(`, analysis.SeverityLow, "JSON serialisation", "JSON."),
		p(`\b(?:atob|btoa)\s*\(`, analysis.SeverityLow, "base64 transform", "atob", "btoa"),
		p(`String\.fromCharCode\s*\(`, analysis.SeverityLow, "character code decoding", "fromCharCode"),
	},
}

// ScanFile 对包内脚本做逐文件规则扫描
func ScanFile(path, text string) FileScan {
	findings := analysis.NewFindingSet(FileCategories...)
	filePatterns.scan(path, text, FileCategories, findings)

	total := 0
	for _, c := range FileCategories {
		n := findings.Count(c)
		if n > fileCountCap {
			n = fileCountCap
		}
		total += DefaultFileWeights.Weight(c) * n
	}
	return FileScan{Path: path, Findings: findings, RiskScore: analysis.ClampScore(total)}
}

// ScanMalwareMarkers 高级恶意代码标记扫描（挖矿、反调试、表单劫持等）
func ScanMalwareMarkers(path, text string) []analysis.Finding {
	findings := analysis.NewFindingSet(CategoryAdvancedMalware)
	fallbackPatterns.scan(path, text, []string{CategoryAdvancedMalware}, findings)
	return findings[CategoryAdvancedMalware]
}
