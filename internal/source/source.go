package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/crx"
	"github.com/extension-analysis/extension-analysis-go/internal/engine"
	"github.com/extension-analysis/extension-analysis-go/internal/manifest"
)

// ErrOutsideRoot 制品路径越出根目录
var ErrOutsideRoot = errors.New("artifact path escapes source root")

// ErrUnsupported 不支持的文件类型
var ErrUnsupported = errors.New("unsupported artifact type")

// skipDirs 扫描目录时跳过的子目录
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"_metadata":    true,
}

// FileSource 本地文件系统上的制品来源
// 制品标识是相对 root 的路径：解包后的扩展目录，或 .crx/.zip/.json/.js 文件
type FileSource struct {
	root   string
	limits crx.Limits
	logger *logrus.Logger
}

// NewFileSource 创建本地来源，root 为空时制品标识按原样解析
func NewFileSource(root string, limits crx.Limits, logger *logrus.Logger) *FileSource {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FileSource{root: root, limits: limits, logger: logger}
}

// Fetch 实现 engine.ArtifactSource
func (s *FileSource) Fetch(ctx context.Context, artifactID string) (*engine.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(artifactID)
	if err != nil {
		return nil, err
	}
	req, err := Load(path, s.limits)
	if err != nil {
		return nil, err
	}
	req.ArtifactID = artifactID

	s.logger.WithFields(logrus.Fields{
		"artifact": artifactID,
		"scripts":  len(req.Scripts),
		"package":  len(req.Package),
	}).Debug("Artifact loaded")
	return req, nil
}

func (s *FileSource) resolve(artifactID string) (string, error) {
	if s.root == "" {
		return artifactID, nil
	}
	if filepath.IsAbs(artifactID) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, artifactID)
	}
	cleaned := filepath.Clean(artifactID)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, artifactID)
	}
	return filepath.Join(s.root, cleaned), nil
}

// Load 读取路径上的制品
func Load(path string, limits crx.Limits) (*engine.Request, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}
	if info.IsDir() {
		return loadDir(path, limits)
	}

	if err := analysis.CheckSize("artifact file", int(info.Size()), limits.MaxContainerSize); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	req := &engine.Request{ArtifactID: filepath.Base(path)}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".crx", ".zip", ".xpi":
		req.Package = data
	case ".json":
		req.Manifest = data
	case ".js", ".mjs", ".cjs":
		req.Scripts = analysis.ScriptBundle{{
			Name:       filepath.Base(path),
			Text:       string(data),
			Size:       len(data),
			Provenance: analysis.ProvenanceDiscovered,
		}}
	default:
		// 无扩展名时看内容
		if _, err := crx.ParseHeader(data); err == nil {
			req.Package = data
			break
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
	return req, nil
}

// loadDir 读取解包后的扩展目录：manifest.json + 全部脚本 + HTML 内联脚本
func loadDir(root string, limits crx.Limits) (*engine.Request, error) {
	req := &engine.Request{ArtifactID: filepath.Base(root)}

	declared := map[string]bool{}
	if data, err := os.ReadFile(filepath.Join(root, "manifest.json")); err == nil {
		req.Manifest = data
		if m, err := manifest.Parse(data); err == nil {
			for _, p := range m.DeclaredScripts() {
				declared[p] = true
			}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var (
		total int64
		files int
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		files++
		if limits.MaxFiles > 0 && files > limits.MaxFiles {
			return &analysis.SizeError{What: "directory file count", Size: files, Limit: limits.MaxFiles}
		}

		typ := crx.SniffType(rel, nil)
		if typ != crx.TypeScript && typ != crx.TypeMarkup {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if limits.MaxFileSize > 0 && info.Size() > limits.MaxFileSize {
			return &analysis.SizeError{What: "file " + rel, Size: int(info.Size()), Limit: int(limits.MaxFileSize)}
		}
		total += info.Size()
		if limits.MaxTotalSize > 0 && total > limits.MaxTotalSize {
			return &analysis.SizeError{What: "directory script size", Size: int(total), Limit: int(limits.MaxTotalSize)}
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if typ == crx.TypeMarkup {
			req.Scripts = append(req.Scripts, crx.InlineScripts(rel, data)...)
			return nil
		}
		prov := analysis.ProvenanceDiscovered
		if declared[rel] {
			prov = analysis.ProvenanceDeclared
		}
		req.Scripts = append(req.Scripts, analysis.Script{Name: rel, Text: string(data), Size: len(data), Provenance: prov})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan extension directory: %w", err)
	}

	// 声明的脚本排在前面，其余按路径
	sort.SliceStable(req.Scripts, func(i, j int) bool {
		a, b := req.Scripts[i], req.Scripts[j]
		if a.Provenance != b.Provenance {
			return a.Provenance == analysis.ProvenanceDeclared
		}
		return a.Name < b.Name
	})
	return req, nil
}
