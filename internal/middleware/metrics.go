package middleware

import (
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
	AllocMB    uint64 `json:"alloc_mb"`
}

// highMemoryMB 超过后打印告警
const highMemoryMB = 1024

// MemoryMonitor 定期采集运行时内存并写入 Prometheus
type MemoryMonitor struct {
	logger   *logrus.Logger
	metrics  *PrometheusMetrics
	interval time.Duration

	mu       sync.RWMutex
	stats    MemoryStats
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewMemoryMonitor 创建内存监控器，metrics 可以为 nil
func NewMemoryMonitor(logger *logrus.Logger, metrics *PrometheusMetrics, interval time.Duration) *MemoryMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MemoryMonitor{
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

func (m *MemoryMonitor) Start() {
	m.Collect()
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.Collect()
			}
		}
	}()
}

func (m *MemoryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// Collect 采集一次
func (m *MemoryMonitor) Collect() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc >> 20,
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateMemoryStats(stats)
	}
	if stats.AllocMB > highMemoryMB {
		m.logger.WithField("alloc_mb", stats.AllocMB).Warn("High memory usage detected")
	}
	return stats
}

// Stats 最近一次采集结果
func (m *MemoryMonitor) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
