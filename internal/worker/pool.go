package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull 任务队列已满
	ErrQueueFull = errors.New("scan queue is full")
	// ErrPoolStopped 池已停止
	ErrPoolStopped = errors.New("worker pool stopped")
)

// Job 一次扫描任务：ScanID 对应已创建的扫描记录，Path 为待分析文件或目录
type Job struct {
	ScanID   string
	Path     string
	Source   string // 决定 Path 相对哪个目录解析
	resultCh chan error
}

// Processor 执行扫描任务
type Processor interface {
	Process(ctx context.Context, job *Job) error
}

// ProcessorFunc 函数适配器
type ProcessorFunc func(ctx context.Context, job *Job) error

func (f ProcessorFunc) Process(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Pool Worker 池
type Pool struct {
	workers   int
	jobs      chan *Job
	processor Processor
	logger    *logrus.Logger
	wg        sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, processor Processor, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pool{
		workers:   workers,
		jobs:      make(chan *Job, queueSize),
		processor: processor,
		logger:    logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Debug("Worker shutting down")
			return

		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, id, job)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, job *Job) {
	fields := logrus.Fields{
		"worker_id": id,
		"scan_id":   job.ScanID,
		"path":      job.Path,
	}
	p.logger.WithFields(fields).Debug("Processing scan")

	err := p.safeProcess(ctx, job)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("Scan job failed")
	} else {
		p.logger.WithFields(fields).Debug("Scan job finished")
	}

	if job.resultCh != nil {
		job.resultCh <- err
		close(job.resultCh)
	}
}

// safeProcess 单个任务 panic 不能带走整个 worker
func (p *Pool) safeProcess(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return p.processor.Process(ctx, job)
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		p.logger.WithField("scan_id", job.ScanID).Debug("Scan submitted to pool")
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) error {
	job.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.jobs <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收任务，等待已排队的任务处理完
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// QueueSize 队列中等待的任务数
func (p *Pool) QueueSize() int {
	return len(p.jobs)
}
