package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器，每个实例使用独立的 Registry
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 扫描指标
	scansTotal           *prometheus.CounterVec
	scansInProgress      prometheus.Gauge
	scanDuration         *prometheus.HistogramVec
	verdictsTotal        *prometheus.CounterVec
	riskScore            prometheus.Histogram
	cacheHitsTotal       prometheus.Counter
	heuristicHitsTotal   *prometheus.CounterVec
	categoriesTotal      *prometheus.CounterVec
	persistFailuresTotal prometheus.Counter

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge

	// Worker Pool 指标
	workerPoolQueueSize prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "extension_analysis"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		scansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Total number of extension scans by status",
			},
			[]string{"status"}, // queued, completed, failed
		),
		scansInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scans_in_progress",
				Help:      "Number of scans currently running",
			},
		),
		scanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Scan duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"status"},
		),
		verdictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verdicts_total",
				Help:      "Completed scans by threat level",
			},
			[]string{"level"},
		),
		riskScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "risk_score",
				Help:      "Distribution of overall risk scores",
				Buckets:   []float64{20, 40, 60, 80, 100},
			},
		),
		cacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Scans answered from the result cache",
			},
		),
		heuristicHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heuristic_detections_total",
				Help:      "Heuristic indicators fired, by indicator id",
			},
			[]string{"indicator"},
		),
		categoriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "threat_categories_total",
				Help:      "Threat categories assigned, by category",
			},
			[]string{"category"},
		),
		persistFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_failures_total",
				Help:      "Scan results that could not be persisted",
			},
		),

		memoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current heap allocation in bytes",
			},
		),
		goroutinesCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		workerPoolQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of scans waiting in the worker queue",
			},
		),
	}

	logger.Debug("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		// 未匹配路由统一记为 unmatched，避免标签基数膨胀
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler 暴露本实例的指标
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Registry 供测试读取
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// RecordScanQueued 记录扫描排队
func (pm *PrometheusMetrics) RecordScanQueued() {
	pm.scansTotal.WithLabelValues("queued").Inc()
}

// RecordScanStarted 记录扫描开始
func (pm *PrometheusMetrics) RecordScanStarted() {
	pm.scansInProgress.Inc()
}

// RecordScanCompleted 记录扫描完成及结论
func (pm *PrometheusMetrics) RecordScanCompleted(level string, score int, cached bool, duration time.Duration) {
	pm.scansTotal.WithLabelValues("completed").Inc()
	pm.scansInProgress.Dec()
	pm.scanDuration.WithLabelValues("completed").Observe(duration.Seconds())
	pm.verdictsTotal.WithLabelValues(level).Inc()
	pm.riskScore.Observe(float64(score))
	if cached {
		pm.cacheHitsTotal.Inc()
	}
}

// RecordScanFailed 记录扫描失败
func (pm *PrometheusMetrics) RecordScanFailed(duration time.Duration) {
	pm.scansTotal.WithLabelValues("failed").Inc()
	pm.scansInProgress.Dec()
	pm.scanDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

// RecordFindings 记录命中的启发式指标与威胁类别
func (pm *PrometheusMetrics) RecordFindings(indicators, categories []string) {
	for _, id := range indicators {
		pm.heuristicHitsTotal.WithLabelValues(id).Inc()
	}
	for _, c := range categories {
		pm.categoriesTotal.WithLabelValues(c).Inc()
	}
}

// RecordPersistFailure 记录结果保存失败
func (pm *PrometheusMetrics) RecordPersistFailure() {
	pm.persistFailuresTotal.Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
}

// UpdateQueueSize 更新 Worker 队列长度
func (pm *PrometheusMetrics) UpdateQueueSize(size int) {
	pm.workerPoolQueueSize.Set(float64(size))
}
