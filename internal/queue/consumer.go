package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/extension-analysis/extension-analysis-go/internal/retry"
)

// ScanHandler 处理一条扫描消息
type ScanHandler func(ctx context.Context, msg *ScanMessage) error

// acknowledger amqp.Delivery 的确认方法
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Consumer 扫描任务消费者
type Consumer struct {
	mq      *RabbitMQ
	handler ScanHandler
	workers int
	logger  *logrus.Logger

	wg        sync.WaitGroup
	active    int32
	processed int64

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler ScanHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Consumer{mq: mq, handler: handler, workers: workers, logger: logger}
}

// Start 开始消费，连接断开后自动重连并重新订阅
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	msgs, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}
	c.logger.WithField("workers", c.workers).Info("Consumer started")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()
	atomic.AddInt32(&c.active, 1)
	defer atomic.AddInt32(&c.active, -1)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			c.handleDelivery(ctx, id, d.Body, d.Redelivered, d)
		}
	}
}

// handleDelivery 处理结果决定确认方式：
// 成功 Ack；消息无效或不可重试的失败丢弃；其余失败首次投递时重新入队
func (c *Consumer) handleDelivery(ctx context.Context, workerID int, body []byte, redelivered bool, ack acknowledger) {
	start := time.Now()

	msg, err := DecodeScanMessage(body)
	if err != nil {
		c.logger.WithError(err).Error("Dropping invalid scan message")
		ack.Nack(false, false)
		return
	}

	fields := logrus.Fields{
		"worker_id": workerID,
		"scan_id":   msg.ScanID,
		"artifact":  msg.ArtifactID,
	}

	if err := c.handler(ctx, msg); err != nil {
		requeue := !redelivered && retry.IsRetryable(err) && !errors.Is(err, ErrInvalidMessage)
		c.logger.WithError(err).WithFields(fields).WithField("requeue", requeue).Error("Scan message failed")
		ack.Nack(false, requeue)
		return
	}

	if err := ack.Ack(false); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("Failed to acknowledge message")
	}
	atomic.AddInt64(&c.processed, 1)
	c.logger.WithFields(fields).WithField("duration", time.Since(start).Seconds()).Debug("Scan message handled")
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.mq.Reconnects():
			c.logger.Warn("Connection lost, restarting consumer")
			c.stopWorkers()

			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect")
				continue
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Stop 停止消费，等待正在处理的消息完成
func (c *Consumer) Stop() {
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// ActiveWorkers 活跃 worker 数
func (c *Consumer) ActiveWorkers() int {
	return int(atomic.LoadInt32(&c.active))
}

// Processed 已成功处理的消息数
func (c *Consumer) Processed() int64 {
	return atomic.LoadInt64(&c.processed)
}
