package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/extension-analysis/extension-analysis-go/internal/service"
)

const writeTimeout = 5 * time.Second

// ScanFeedHandler 通过 WebSocket 实时推送扫描事件，实现 service.Notifier
type ScanFeedHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]string // 连接 -> 关注的 scan_id，空表示全部
	clientMutex sync.RWMutex
	broadcast   chan service.ScanEvent
	done        chan struct{}
	stopOnce    sync.Once
}

// NewScanFeedHandler 创建事件推送处理器
func NewScanFeedHandler(logger *logrus.Logger) *ScanFeedHandler {
	return &ScanFeedHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 服务只监听本机
			},
		},
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan service.ScanEvent, 100),
		done:      make(chan struct{}),
	}
}

// Start 启动广播
func (h *ScanFeedHandler) Start() {
	go h.runBroadcaster()
}

// Stop 停止广播并断开所有客户端
func (h *ScanFeedHandler) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.clientMutex.Lock()
		for conn := range h.clients {
			conn.Close()
			delete(h.clients, conn)
		}
		h.clientMutex.Unlock()
	})
}

func (h *ScanFeedHandler) runBroadcaster() {
	for {
		select {
		case <-h.done:
			return
		case event := <-h.broadcast:
			h.send(event)
		}
	}
}

func (h *ScanFeedHandler) send(event service.ScanEvent) {
	var stale []*websocket.Conn

	h.clientMutex.RLock()
	for conn, scanID := range h.clients {
		if scanID != "" && (event.Scan == nil || event.Scan.ID != scanID) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(event); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			stale = append(stale, conn)
		}
	}
	h.clientMutex.RUnlock()

	if len(stale) == 0 {
		return
	}
	h.clientMutex.Lock()
	for _, conn := range stale {
		conn.Close()
		delete(h.clients, conn)
	}
	h.clientMutex.Unlock()
}

// Notify 投递事件，通道满时丢弃
func (h *ScanFeedHandler) Notify(event service.ScanEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.WithField("type", event.Type).Warn("Broadcast channel is full, dropping scan event")
	}
}

// Clients 当前连接数
func (h *ScanFeedHandler) Clients() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 订阅扫描事件
// GET /ws/scans?scan_id=xxx
func (h *ScanFeedHandler) HandleWebSocket(c *gin.Context) {
	scanID := c.Query("scan_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket")
		return
	}

	h.clientMutex.Lock()
	h.clients[conn] = scanID
	h.clientMutex.Unlock()

	h.logger.WithField("scan_id", scanID).Info("WebSocket client connected")

	// 只读控制帧，客户端断开后退出
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket closed unexpectedly")
			}
			break
		}
	}

	h.clientMutex.Lock()
	delete(h.clients, conn)
	h.clientMutex.Unlock()
	conn.Close()

	h.logger.WithField("scan_id", scanID).Info("WebSocket client disconnected")
}
