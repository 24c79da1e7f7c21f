package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 新扩展包落盘后的处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Options 监控参数
type Options struct {
	Dir      string
	Pattern  string        // 逗号分隔的通配符，如 "*.crx,*.zip"
	Debounce time.Duration // 同一文件多次事件合并
	Settle   time.Duration // 判断写入完成时两次 stat 的间隔
	// ScanExisting 启动时处理目录中已有的文件
	ScanExisting bool
}

// FileWatcher 投递目录监控器
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	opts     Options
	patterns []string
	handler  FileHandler
	logger   *logrus.Logger

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	wg         sync.WaitGroup

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewFileWatcher 创建文件监控器
func NewFileWatcher(opts Options, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}
	if err := watcher.Add(opts.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:    watcher,
		opts:       opts,
		patterns:   splitPatterns(opts.Pattern),
		handler:    handler,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": opts.Dir,
		"pattern":   opts.Pattern,
	}).Info("File watcher created")
	return fw, nil
}

func splitPatterns(pattern string) []string {
	var out []string
	for _, p := range strings.Split(pattern, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}

// Start 启动事件循环
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.opts.ScanExisting {
		if err := fw.scanExistingFiles(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	go fw.eventLoop(ctx)
	fw.logger.Info("File watcher started")
	return nil
}

func (fw *FileWatcher) scanExistingFiles(ctx context.Context) error {
	entries, err := os.ReadDir(fw.opts.Dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !fw.matchPattern(entry.Name()) {
			continue
		}
		fw.schedule(ctx, filepath.Join(fw.opts.Dir, entry.Name()))
	}
	return nil
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopChan:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fw.matchPattern(filepath.Base(event.Name)) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("File event detected")
			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：同一文件在 Debounce 内的多次事件只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, ok := fw.timers[path]; ok {
		timer.Stop()
	}
	fw.timers[path] = time.AfterFunc(fw.opts.Debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, path)
		select {
		case <-fw.stopChan:
			fw.mu.Unlock()
			return
		default:
		}
		if fw.processing[path] {
			fw.mu.Unlock()
			fw.logger.WithField("file", path).Debug("File is already being processed")
			return
		}
		fw.processing[path] = true
		fw.wg.Add(1)
		fw.mu.Unlock()

		defer func() {
			fw.mu.Lock()
			delete(fw.processing, path)
			fw.mu.Unlock()
			fw.wg.Done()
		}()
		fw.handleFile(ctx, path)
	})
}

func (fw *FileWatcher) handleFile(ctx context.Context, path string) {
	if err := fw.waitForFileReady(ctx, path); err != nil {
		fw.logger.WithError(err).WithField("file", path).Warn("File not ready")
		return
	}

	if err := fw.handler(ctx, path); err != nil {
		fw.logger.WithError(err).WithField("file", path).Error("Failed to process file")
		return
	}
	fw.logger.WithField("file", path).Info("File submitted for scanning")
}

// waitForFileReady 文件大小在两次检查之间不变且非空即认为写入完成
func (fw *FileWatcher) waitForFileReady(ctx context.Context, path string) error {
	const maxAttempts = 10

	prev := int64(-1)
	for i := 0; i < maxAttempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist: %w", err)
			}
		} else if info.Size() > 0 && info.Size() == prev {
			return nil
		} else {
			prev = info.Size()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fw.stopChan:
			return fmt.Errorf("watcher stopped")
		case <-time.After(fw.opts.Settle):
		}
	}
	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

// matchPattern 文件名是否匹配任一模式（不区分大小写）
func (fw *FileWatcher) matchPattern(fileName string) bool {
	name := strings.ToLower(fileName)
	for _, p := range fw.patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Stop 停止监控，等待正在处理的文件结束
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)

		fw.mu.Lock()
		for path, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, path)
		}
		fw.mu.Unlock()

		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}

// Dir 监控目录
func (fw *FileWatcher) Dir() string {
	return fw.opts.Dir
}
