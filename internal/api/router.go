package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/extension-analysis/extension-analysis-go/internal/api/handlers"
	"github.com/extension-analysis/extension-analysis-go/internal/config"
	"github.com/extension-analysis/extension-analysis-go/internal/middleware"
	"github.com/extension-analysis/extension-analysis-go/internal/service"
)

// Version 服务版本
const Version = "1.0.0"

// Dependencies 路由依赖，Metrics、MemMonitor、Feed 可为空
type Dependencies struct {
	ScanService service.ScanService
	Metrics     *middleware.PrometheusMetrics
	MemMonitor  *middleware.MemoryMonitor
	Feed        *handlers.ScanFeedHandler
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Dependencies) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = 8 << 20

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics/prometheus", deps.Metrics.Handler())
	}

	// 内存监控端点
	if deps.MemMonitor != nil {
		r.GET("/metrics", func(c *gin.Context) {
			c.JSON(200, deps.MemMonitor.Stats())
		})
	}

	auth := middleware.TokenAuth(cfg.Server.APIToken)
	scanHandler := handlers.NewScanHandler(deps.ScanService, logger, cfg.Analysis.Limits(), cfg.Analysis.UploadDir)

	if deps.Feed != nil {
		r.GET("/ws/scans", auth, deps.Feed.HandleWebSocket)
	}

	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "ok",
				"version": Version,
			})
		})

		scans := v1.Group("", auth)
		scans.GET("/stats", scanHandler.GetStats)
		scans.GET("/scans", scanHandler.ListScans)
		scans.POST("/scans", scanHandler.CreateScan)
		scans.POST("/scans/upload", scanHandler.UploadScan)
		scans.GET("/scans/:id", scanHandler.GetScan)
		scans.DELETE("/scans/:id", scanHandler.DeleteScan)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		})
		if len(c.Errors) > 0 {
			entry.WithField("errors", c.Errors.String()).Warn("HTTP Request")
			return
		}
		entry.Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Token")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
