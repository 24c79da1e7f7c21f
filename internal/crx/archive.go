package crx

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

var extensionTypes = map[string]FileType{
	".js":    TypeScript,
	".mjs":   TypeScript,
	".cjs":   TypeScript,
	".html":  TypeMarkup,
	".htm":   TypeMarkup,
	".xhtml": TypeMarkup,
	".json":  TypeJSON,
	".css":   TypeStyle,
	".png":   TypeImage,
	".jpg":   TypeImage,
	".jpeg":  TypeImage,
	".gif":   TypeImage,
	".svg":   TypeImage,
	".ico":   TypeImage,
	".webp":  TypeImage,
	".woff":  TypeOther,
	".woff2": TypeOther,
	".ttf":   TypeOther,
	".wasm":  TypeOther,
}

var (
	markupSignature = regexp.MustCompile(`(?i)^\s*(?:<!doctype\s+html|<html|<head|<body|<script|<div|<\?xml)`)
	scriptSignature = regexp.MustCompile(`(?m)^\s*(?:function\s+[\w$]+\s*\(|var\s+[\w$]+|let\s+[\w$]+|const\s+[\w$]+|class\s+[\w$]+|import\s+|export\s+|\(function\s*\(|!function\s*\(|["']use strict["'])`)
	inlineScript    = regexp.MustCompile(`(?is)<script\b([^>]*)>(.*?)</script\s*>`)
	srcAttribute    = regexp.MustCompile(`(?i)\bsrc\s*=`)
)

// SniffType 先按扩展名判断，扩展名缺失或不明确时按内容特征判断
func SniffType(name string, content []byte) FileType {
	if t, ok := extensionTypes[strings.ToLower(path.Ext(name))]; ok {
		return t
	}
	return sniffContent(content)
}

func sniffContent(content []byte) FileType {
	head := content
	if len(head) > 4096 {
		head = head[:4096]
	}
	trimmed := bytes.TrimSpace(head)
	if len(trimmed) == 0 {
		return TypeOther
	}
	if markupSignature.Match(trimmed) {
		return TypeMarkup
	}
	if scriptSignature.Match(trimmed) {
		return TypeScript
	}
	full := bytes.TrimSpace(content)
	first, last := full[0], full[len(full)-1]
	if (first == '{' && last == '}') || (first == '[' && last == ']') {
		if json.Valid(full) || bytes.Contains(trimmed, []byte(`":`)) {
			return TypeJSON
		}
	}
	return TypeOther
}

// extract 解包 zip，超出限制时整体拒绝
func extract(payload []byte, limits Limits) ([]PackageFile, []string, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		return nil, nil, &analysis.MalformedContainerError{Reason: "archive cannot be opened", Err: err}
	}
	if limits.MaxFiles > 0 && len(zr.File) > limits.MaxFiles {
		return nil, nil, &analysis.SizeError{What: "archive entry count", Size: len(zr.File), Limit: limits.MaxFiles}
	}

	var (
		files   []PackageFile
		skipped []string
		total   int64
	)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, ok := cleanEntryName(f.Name)
		if !ok {
			skipped = append(skipped, f.Name)
			continue
		}
		if limits.MaxFileSize > 0 && f.UncompressedSize64 > uint64(limits.MaxFileSize) {
			return nil, nil, &analysis.SizeError{What: "archive entry " + name, Size: int(f.UncompressedSize64), Limit: int(limits.MaxFileSize)}
		}

		content, err := readEntry(f, limits.MaxFileSize)
		if err != nil {
			return nil, nil, err
		}
		total += int64(len(content))
		if limits.MaxTotalSize > 0 && total > limits.MaxTotalSize {
			return nil, nil, &analysis.SizeError{What: "archive uncompressed size", Size: int(total), Limit: int(limits.MaxTotalSize)}
		}

		files = append(files, PackageFile{
			Path:    name,
			Size:    len(content),
			Type:    SniffType(name, content),
			Content: content,
		})
	}
	return files, skipped, nil
}

// readEntry 读取条目，实际解压长度同样受限（不信任目录中声明的大小）
func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, &analysis.MalformedContainerError{Reason: "archive entry " + f.Name + " cannot be opened", Err: err}
	}
	defer rc.Close()

	r := io.Reader(rc)
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, &analysis.MalformedContainerError{Reason: "archive entry " + f.Name + " is corrupt", Err: err}
	}
	if limit > 0 && int64(len(content)) > limit {
		return nil, &analysis.SizeError{What: "archive entry " + f.Name, Size: len(content), Limit: int(limit)}
	}
	return content, nil
}

// cleanEntryName 规范化条目路径，拒绝绝对路径与 .. 穿越
func cleanEntryName(name string) (string, bool) {
	name = strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(name, "/") {
		return "", false
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// InlineScripts 提取 HTML 中的内联脚本（忽略带 src 的外链脚本）
func InlineScripts(file string, markup []byte) analysis.ScriptBundle {
	var out analysis.ScriptBundle
	for i, m := range inlineScript.FindAllSubmatch(markup, -1) {
		if srcAttribute.Match(m[1]) {
			continue
		}
		body := strings.TrimSpace(string(m[2]))
		if body == "" {
			continue
		}
		out = append(out, analysis.Script{
			Name:       fmt.Sprintf("%s#script%d", file, i+1),
			Text:       body,
			Size:       len(body),
			Provenance: analysis.ProvenanceDiscovered,
		})
	}
	return out
}

// 从损坏容器中找回 manifest 的代价上限
const (
	recoverLookBehind  = 64 << 10  // 对象起点与 "manifest_version" 键的最大距离
	recoverMaxObject   = 256 << 10 // 单次解码读取的最大字节数
	recoverMaxAttempts = 64        // 解码尝试总次数
)

// recoverManifest 解包失败时从原始字节中寻找 manifest JSON 对象
// 单次前向扫描，只在键之前 recoverLookBehind 范围内的 { 上尝试解码，遇到第一个合法 manifest 即返回
func recoverManifest(data []byte) ([]byte, bool) {
	key := []byte(`"manifest_version"`)
	keyIdx := bytes.Index(data, key)
	if keyIdx < 0 {
		return nil, false
	}
	pos := max(0, keyIdx-recoverLookBehind)
	for attempts := 0; attempts < recoverMaxAttempts && pos < len(data); {
		j := bytes.IndexByte(data[pos:], '{')
		if j < 0 {
			return nil, false
		}
		start := pos + j
		if start > keyIdx {
			next := bytes.Index(data[start:], key)
			if next < 0 {
				return nil, false
			}
			keyIdx = start + next
			if start < keyIdx-recoverLookBehind {
				pos = keyIdx - recoverLookBehind
				continue
			}
		}
		pos = start + 1
		attempts++

		window := data[start:min(len(data), start+recoverMaxObject)]
		dec := json.NewDecoder(bytes.NewReader(window))
		var obj map[string]json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		if _, ok := obj["manifest_version"]; ok {
			return window[:dec.InputOffset()], true
		}
	}
	return nil, false
}
