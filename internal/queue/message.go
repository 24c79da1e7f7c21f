package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidMessage 消息体无法解析或缺少必填字段
var ErrInvalidMessage = errors.New("invalid scan message")

// ScanMessage 扫描任务消息
// ScanID 为空时由消费端创建扫描记录
type ScanMessage struct {
	ScanID      string    `json:"scan_id,omitempty"`
	ArtifactID  string    `json:"artifact_id"`
	Path        string    `json:"path,omitempty"` // 相对制品根目录
	SubmittedAt time.Time `json:"submitted_at"`
}

// Target 要加载的制品标识，Path 优先
func (m *ScanMessage) Target() string {
	if m.Path != "" {
		return m.Path
	}
	return m.ArtifactID
}

// EncodeScanMessage 序列化
func EncodeScanMessage(msg *ScanMessage) ([]byte, error) {
	if msg.ArtifactID == "" && msg.Path == "" {
		return nil, fmt.Errorf("%w: artifact_id or path required", ErrInvalidMessage)
	}
	if msg.SubmittedAt.IsZero() {
		msg.SubmittedAt = time.Now().UTC()
	}
	return json.Marshal(msg)
}

// DecodeScanMessage 反序列化并校验
func DecodeScanMessage(body []byte) (*ScanMessage, error) {
	var msg ScanMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.ArtifactID == "" && msg.Path == "" {
		return nil, fmt.Errorf("%w: artifact_id or path required", ErrInvalidMessage)
	}
	if msg.ArtifactID == "" {
		msg.ArtifactID = msg.Path
	}
	return &msg, nil
}
