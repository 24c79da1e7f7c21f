package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

// ContentScript content_scripts 中的一项
type ContentScript struct {
	Matches        []string `json:"matches"`
	ExcludeMatches []string `json:"exclude_matches,omitempty"`
	RunAt          string   `json:"run_at,omitempty"`
	AllFrames      bool     `json:"all_frames,omitempty"`
	JS             []string `json:"js,omitempty"`
	CSS            []string `json:"css,omitempty"`
}

// Background 后台上下文描述
type Background struct {
	Present       bool     `json:"present"`
	Persistent    *bool    `json:"persistent,omitempty"`
	ServiceWorker string   `json:"service_worker,omitempty"`
	Scripts       []string `json:"scripts,omitempty"`
	Page          string   `json:"page,omitempty"`
}

// IsPersistent MV2 下未显式声明 persistent 时默认常驻
func (b Background) IsPersistent() bool {
	if !b.Present || b.ServiceWorker != "" {
		return false
	}
	if b.Persistent == nil {
		return true
	}
	return *b.Persistent
}

// ExternallyConnectable externally_connectable 描述
type ExternallyConnectable struct {
	Present bool     `json:"present"`
	Matches []string `json:"matches,omitempty"`
	IDs     []string `json:"ids,omitempty"`
}

// Manifest 扩展清单
// Raw 保存原始解析结果，分析过程中只读
type Manifest struct {
	ManifestVersion         int                   `json:"manifest_version"`
	Name                    string                `json:"name,omitempty"`
	Version                 string                `json:"version,omitempty"`
	Permissions             []string              `json:"permissions"`
	OptionalPermissions     []string              `json:"optional_permissions"`
	HostPermissions         []string              `json:"host_permissions"`
	OptionalHostPermissions []string              `json:"optional_host_permissions"`
	ContentScripts          []ContentScript       `json:"content_scripts"`
	CSP                     string                `json:"content_security_policy,omitempty"`
	ExternallyConnectable   ExternallyConnectable `json:"externally_connectable"`
	Background              Background            `json:"background"`
	WebAccessibleResources  []string              `json:"web_accessible_resources,omitempty"`

	Raw map[string]any `json:"-"`
}

// Parse 解析 manifest.json
// 未知或类型不符的字段按空值处理，只有非 JSON 对象才返回 ErrInvalidManifest
func Parse(data []byte) (*Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return FromMap(map[string]any{}), nil
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", analysis.ErrInvalidManifest, err)
	}
	raw, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is %T", analysis.ErrInvalidManifest, doc)
	}
	return FromMap(raw), nil
}

// FromMap 从已解析的文档构建 Manifest
func FromMap(raw map[string]any) *Manifest {
	if raw == nil {
		raw = map[string]any{}
	}
	m := &Manifest{
		ManifestVersion:         intField(raw["manifest_version"]),
		Name:                    stringField(raw["name"]),
		Version:                 stringField(raw["version"]),
		Permissions:             stringList(raw["permissions"]),
		OptionalPermissions:     stringList(raw["optional_permissions"]),
		HostPermissions:         stringList(raw["host_permissions"]),
		OptionalHostPermissions: stringList(raw["optional_host_permissions"]),
		ContentScripts:          []ContentScript{},
		CSP:                     flattenCSP(raw["content_security_policy"]),
		WebAccessibleResources:  webAccessibleResources(raw["web_accessible_resources"]),
		Raw:                     raw,
	}

	if list, ok := raw["content_scripts"].([]any); ok {
		for _, item := range list {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			m.ContentScripts = append(m.ContentScripts, ContentScript{
				Matches:        stringList(obj["matches"]),
				ExcludeMatches: stringList(obj["exclude_matches"]),
				RunAt:          stringField(obj["run_at"]),
				AllFrames:      boolField(obj["all_frames"]),
				JS:             stringList(obj["js"]),
				CSS:            stringList(obj["css"]),
			})
		}
	}

	if obj, ok := raw["externally_connectable"].(map[string]any); ok {
		m.ExternallyConnectable = ExternallyConnectable{
			Present: true,
			Matches: stringList(obj["matches"]),
			IDs:     stringList(obj["ids"]),
		}
	}

	if obj, ok := raw["background"].(map[string]any); ok {
		bg := Background{
			Present:       true,
			ServiceWorker: stringField(obj["service_worker"]),
			Scripts:       stringList(obj["scripts"]),
			Page:          stringField(obj["page"]),
		}
		if v, ok := obj["persistent"].(bool); ok {
			bg.Persistent = &v
		}
		m.Background = bg
	}

	return m
}

// DeclaredScripts manifest 中引用的所有脚本路径（去重，保持顺序）
func (m *Manifest) DeclaredScripts() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		p = strings.TrimPrefix(strings.TrimSpace(p), "/")
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, cs := range m.ContentScripts {
		for _, js := range cs.JS {
			add(js)
		}
	}
	for _, s := range m.Background.Scripts {
		add(s)
	}
	add(m.Background.ServiceWorker)
	return out
}

// IsMV3 是否为 manifest v3
func (m *Manifest) IsMV3() bool {
	return m.ManifestVersion >= 3
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

func boolField(v any) bool {
	b, _ := v.(bool)
	return b
}

func intField(v any) int {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		if f, err := n.Float64(); err == nil {
			return int(f)
		}
	case float64:
		return int(n)
	case int:
		return n
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
			return i
		}
	}
	return 0
}

// stringList 提取字符串数组，忽略非字符串元素；单个字符串视为一项
func stringList(v any) []string {
	out := []string{}
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, list...)
	case string:
		if list != "" {
			out = append(out, list)
		}
	}
	return out
}

// flattenCSP MV2 为字符串，MV3 为 {extension_pages, sandbox} 对象
func flattenCSP(v any) string {
	switch csp := v.(type) {
	case string:
		return csp
	case map[string]any:
		parts := make([]string, 0, len(csp))
		for _, key := range []string{"extension_pages", "sandbox", "content_scripts"} {
			if s, ok := csp[key].(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}

// webAccessibleResources MV2 为字符串数组，MV3 为 {resources, matches} 对象数组
func webAccessibleResources(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		switch entry := item.(type) {
		case string:
			out = append(out, entry)
		case map[string]any:
			out = append(out, stringList(entry["resources"])...)
		}
	}
	return out
}
