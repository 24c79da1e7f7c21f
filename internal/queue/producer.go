package queue

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// publisher 发布原始消息体
type publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 扫描任务生产者
type Producer struct {
	mq     publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq *RabbitMQ, logger *logrus.Logger) *Producer {
	return newProducer(mq, logger)
}

func newProducer(mq publisher, logger *logrus.Logger) *Producer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Producer{mq: mq, logger: logger}
}

// PublishScan 发布扫描任务
func (p *Producer) PublishScan(ctx context.Context, msg *ScanMessage) error {
	body, err := EncodeScanMessage(msg)
	if err != nil {
		return err
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("artifact", msg.ArtifactID).Error("Failed to publish scan")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"scan_id":  msg.ScanID,
		"artifact": msg.ArtifactID,
	}).Info("Scan published to queue")
	return nil
}
