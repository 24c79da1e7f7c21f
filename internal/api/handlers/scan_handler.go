package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
	"github.com/extension-analysis/extension-analysis-go/internal/crx"
	"github.com/extension-analysis/extension-analysis-go/internal/domain"
	"github.com/extension-analysis/extension-analysis-go/internal/engine"
	"github.com/extension-analysis/extension-analysis-go/internal/service"
	"github.com/extension-analysis/extension-analysis-go/internal/source"
	"github.com/extension-analysis/extension-analysis-go/internal/staticanalysis"
	"github.com/extension-analysis/extension-analysis-go/internal/worker"
)

// ScanHandler 扫描接口
type ScanHandler struct {
	scanService service.ScanService
	logger      *logrus.Logger
	limits      crx.Limits
	uploadDir   string // 上传文件保存目录
}

// NewScanHandler 创建扫描处理器实例
func NewScanHandler(scanService service.ScanService, logger *logrus.Logger, limits crx.Limits, uploadDir string) *ScanHandler {
	return &ScanHandler{
		scanService: scanService,
		logger:      logger,
		limits:      limits,
		uploadDir:   uploadDir,
	}
}

// ScriptInput 内联脚本
type ScriptInput struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// CreateScanRequest 创建扫描请求体
// 带 manifest 或 scripts 时同步分析，只有 artifact_id 时按路径异步排队
type CreateScanRequest struct {
	ArtifactID string          `json:"artifact_id"`
	Manifest   json.RawMessage `json:"manifest,omitempty"`
	Scripts    []ScriptInput   `json:"scripts,omitempty"`
}

func (r *CreateScanRequest) inline() bool {
	return len(r.Manifest) > 0 || len(r.Scripts) > 0
}

func (r *CreateScanRequest) toEngineRequest() *engine.Request {
	req := &engine.Request{ArtifactID: r.ArtifactID}
	if len(r.Manifest) > 0 && string(r.Manifest) != "null" {
		req.Manifest = []byte(r.Manifest)
	}
	for i, s := range r.Scripts {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("script_%d.js", i)
		}
		req.Scripts = append(req.Scripts, analysis.Script{
			Name:       name,
			Text:       s.Text,
			Size:       len(s.Text),
			Provenance: analysis.ProvenanceDeclared,
		})
	}
	return req
}

// maxCreateBody JSON 提交的请求体上限，脚本内容经过转义后可能膨胀一倍
const maxCreateBody = 2*staticanalysis.MaxScriptSize + 1<<20

// multipartOverhead 上传表单除文件外的边界与字段开销
const multipartOverhead = 1 << 20

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// CreateScan 提交扫描
// POST /api/scans
func (h *ScanHandler) CreateScan(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCreateBody)

	var body CreateScanRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		if tooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("请求体超过大小限制 (%d 字节)", maxCreateBody)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}

	if body.inline() {
		req := body.toEngineRequest()
		if err := analysis.CheckSize("script bundle", req.Scripts.TotalSize(), staticanalysis.MaxScriptSize); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		name := body.ArtifactID
		if name == "" {
			name = "inline"
		}
		h.runSync(c, domain.ScanSourceAPI, name, req)
		return
	}

	if body.ArtifactID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "artifact_id、manifest、scripts 至少提供一项"})
		return
	}

	scan, err := h.scanService.Submit(c.Request.Context(), domain.ScanSourceAPI, body.ArtifactID)
	if err != nil {
		h.respondError(c, err, "提交扫描失败")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scan": scan})
}

// UploadScan 上传扩展包并同步分析
// POST /api/scans/upload (multipart, 字段 file)
func (h *ScanHandler) UploadScan(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(h.limits.MaxContainerSize)+multipartOverhead)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		if tooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("文件超过大小限制 (%d 字节)", h.limits.MaxContainerSize),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "未找到上传文件"})
		return
	}
	if c.Request.MultipartForm != nil {
		defer c.Request.MultipartForm.RemoveAll()
	}
	if fileHeader.Size > int64(h.limits.MaxContainerSize) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("文件超过大小限制 (%d 字节)", h.limits.MaxContainerSize),
		})
		return
	}

	fileName := filepath.Base(fileHeader.Filename)
	path, err := h.saveUpload(fileHeader, fileName)
	if err != nil {
		h.logger.WithError(err).Error("Failed to save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存上传文件失败"})
		return
	}
	// 分析是同步的，制品读入内存后上传文件不再需要
	defer h.removeUpload(path)

	req, err := source.Load(path, h.limits)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, analysis.ErrInputTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	req.ArtifactID = fileName

	h.runSync(c, domain.ScanSourceUpload, fileName, req)
}

// saveUpload 写入上传目录，文件名加时间戳前缀避免覆盖
func (h *ScanHandler) saveUpload(fileHeader *multipart.FileHeader, fileName string) (string, error) {
	dir := h.uploadDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	path := filepath.Join(dir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), fileName))
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(dst, io.LimitReader(src, int64(h.limits.MaxContainerSize)+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		h.removeUpload(path)
		return "", err
	}
	return path, nil
}

func (h *ScanHandler) removeUpload(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		h.logger.WithError(err).WithField("path", path).Warn("Failed to remove upload")
	}
}

// runSync 同步分析；分析器降级时仍返回报告，错误记录在 report.errors
func (h *ScanHandler) runSync(c *gin.Context, src domain.ScanSource, fileName string, req *engine.Request) {
	scan, report, err := h.scanService.ScanRequest(c.Request.Context(), src, fileName, req)
	if report == nil {
		if err == nil {
			err = errors.New("analysis produced no report")
		}
		h.respondError(c, err, "分析失败")
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("scan_id", scan.ID).Warn("Scan completed with errors")
	}
	c.JSON(http.StatusOK, gin.H{"scan": scan, "report": report})
}

// GetScan 获取扫描记录及报告
// GET /api/scans/:id
func (h *ScanHandler) GetScan(c *gin.Context) {
	id := c.Param("id")

	scan, err := h.scanService.GetScan(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "获取扫描记录失败")
		return
	}

	resp := gin.H{"scan": scan}
	if scan.ReportJSON != "" {
		report, err := h.scanService.GetReport(c.Request.Context(), id)
		if err != nil {
			h.logger.WithError(err).WithField("scan_id", id).Error("Failed to load report")
		} else {
			resp["report"] = report
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ListScans 扫描记录列表
// GET /api/scans?page=1&page_size=20&status=completed&level=high&search=关键词
func (h *ScanHandler) ListScans(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	filter := domain.ScanFilter{
		Status:   domain.ScanStatus(c.Query("status")),
		Level:    c.Query("level"),
		Search:   c.Query("search"),
		Page:     page,
		PageSize: pageSize,
	}
	filter.Normalize()

	scans, total, err := h.scanService.ListScans(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err, "获取扫描列表失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scans":     scans,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

// DeleteScan 删除扫描记录
// DELETE /api/scans/:id
func (h *ScanHandler) DeleteScan(c *gin.Context) {
	if err := h.scanService.DeleteScan(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "删除扫描记录失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "删除成功"})
}

// GetStats 扫描统计
// GET /api/stats
func (h *ScanHandler) GetStats(c *gin.Context) {
	stats, err := h.scanService.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "获取统计失败")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// respondError 按错误类型映射状态码
func (h *ScanHandler) respondError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		status = http.StatusNotFound
		msg = "扫描记录不存在"
	case errors.Is(err, engine.ErrEmptyRequest), errors.Is(err, service.ErrUnknownSource):
		status = http.StatusBadRequest
	case errors.Is(err, analysis.ErrInputTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolStopped), errors.Is(err, service.ErrNoDispatcher):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error(msg)
	}
	c.JSON(status, gin.H{"error": msg, "detail": err.Error()})
}
