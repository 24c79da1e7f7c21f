package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/extension-analysis/extension-analysis-go/internal/config"
)

// ErrNotConnected 通道不可用
var ErrNotConnected = errors.New("rabbitmq channel not available")

// Options 连接参数
type Options struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Queue     string
	Prefetch  int           // 与消费 worker 数一致
	Heartbeat time.Duration // 默认 10 秒
}

// OptionsFromConfig 由服务配置转换
func OptionsFromConfig(cfg *config.RabbitMQConfig, prefetch int) Options {
	return Options{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		VHost:    cfg.VHost,
		Queue:    cfg.Queue,
		Prefetch: prefetch,
	}
}

// URL amqp 连接串，账号密码做转义
func (o Options) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(o.User, o.Password),
		Host:   o.Host + ":" + strconv.Itoa(o.Port),
		Path:   "/" + o.VHost,
	}
	return u.String()
}

// RabbitMQ 带自动重连的客户端，单队列
type RabbitMQ struct {
	opts       Options
	logger     *logrus.Logger
	reconnect  chan struct{}
	maxRetries int

	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 连接并声明持久化队列
func NewRabbitMQ(opts Options, logger *logrus.Logger) (*RabbitMQ, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	mq := &RabbitMQ{
		opts:       opts,
		logger:     logger,
		reconnect:  make(chan struct{}, 1),
		maxRetries: 10,
	}
	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	go mq.watchConnection()
	return mq, nil
}

func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.opts.URL(), amqp.Config{
		Heartbeat: mq.opts.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(mq.opts.Prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if _, err := ch.QueueDeclare(mq.opts.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":     mq.opts.Host,
		"queue":    mq.opts.Queue,
		"prefetch": mq.opts.Prefetch,
	}).Info("Connected to RabbitMQ")
	return nil
}

// watchConnection 连接或通道意外关闭时发出重连信号
func (mq *RabbitMQ) watchConnection() {
	for {
		mq.mu.RLock()
		if mq.closed {
			mq.mu.RUnlock()
			return
		}
		connNotify, channelNotify := mq.connNotify, mq.channelNotify
		mq.mu.RUnlock()

		var err *amqp.Error
		select {
		case err = <-connNotify:
		case err = <-channelNotify:
		}

		mq.mu.RLock()
		closed := mq.closed
		mq.mu.RUnlock()
		if closed {
			return
		}

		mq.logger.WithField("reason", err).Warn("RabbitMQ connection lost")
		select {
		case mq.reconnect <- struct{}{}:
		default:
		}

		// 等待重连完成后换上新的通知通道
		for {
			time.Sleep(time.Second)
			mq.mu.RLock()
			done := mq.closed || (mq.conn != nil && !mq.conn.IsClosed())
			mq.mu.RUnlock()
			if done {
				break
			}
		}
	}
}

// Reconnect 关闭旧连接并按线性退避重连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	for attempt := 1; attempt <= mq.maxRetries; attempt++ {
		err := mq.connect()
		if err == nil {
			mq.logger.Info("Reconnected to RabbitMQ")
			return nil
		}
		mq.logger.WithError(err).WithField("attempt", attempt).Warn("Reconnect failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return fmt.Errorf("failed to reconnect after %d attempts", mq.maxRetries)
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布持久化 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	return ch.PublishWithContext(ctx, "", mq.opts.Queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, ErrNotConnected
	}

	msgs, err := ch.Consume(mq.opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中待消费的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, ErrNotConnected
	}

	q, err := ch.QueueInspect(mq.opts.Queue)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Reconnects 重连信号
func (mq *RabbitMQ) Reconnects() <-chan struct{} {
	return mq.reconnect
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// Close 关闭连接，之后不再重连
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
