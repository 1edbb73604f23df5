package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Reloader 可从文件重载的组件，价格表实现了它
type Reloader interface {
	Reload(path string) error
}

// PricingWatcher 轮询价格文件。内容（而非修改时间）发生变化，
// 且连续两次轮询一致后才重载，避免读到写了一半的文件。
type PricingWatcher struct {
	path     string
	interval time.Duration
	target   Reloader
	logger   *zap.Logger

	last    fileState
	pending *fileState

	reloads  atomic.Int64
	failures atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type fileState struct {
	exists bool
	sum    [sha256.Size]byte
}

// WatchOption 监听选项
type WatchOption func(*PricingWatcher)

// WithPollInterval 轮询间隔，默认 1s
func WithPollInterval(d time.Duration) WatchOption {
	return func(w *PricingWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WatchPricing 记录文件当前内容并开始后台轮询。文件不存在时等待创建；
// 其他读取错误直接返回。ctx 取消或 Stop 后退出。
func WatchPricing(ctx context.Context, path string, target Reloader, logger *zap.Logger, opts ...WatchOption) (*PricingWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &PricingWatcher{
		path:     path,
		interval: time.Second,
		target:   target,
		logger:   logger.With(zap.String("component", "pricing_watcher"), zap.String("path", path)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	initial, err := snapshot(path)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	if !initial.exists {
		w.logger.Warn("pricing file does not exist yet, waiting for it")
	}
	w.last = initial

	go w.run(ctx)
	w.logger.Info("watching pricing file", zap.Duration("interval", w.interval))
	return w, nil
}

// Stop 停止轮询并等待后台 goroutine 退出，可重复调用
func (w *PricingWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	return nil
}

// Reloads 成功重载次数
func (w *PricingWatcher) Reloads() int64 { return w.reloads.Load() }

// Failures 重载失败次数，失败时价格表保持原样
func (w *PricingWatcher) Failures() int64 { return w.failures.Load() }

func (w *PricingWatcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *PricingWatcher) poll() {
	cur, err := snapshot(w.path)
	if err != nil {
		w.logger.Warn("pricing file unreadable", zap.Error(err))
		return
	}
	if cur == w.last {
		w.pending = nil
		return
	}
	if w.pending == nil || *w.pending != cur {
		w.pending = &cur
		return
	}

	w.last, w.pending = cur, nil
	if !cur.exists {
		w.logger.Warn("pricing file removed, keeping current prices")
		return
	}
	if err := w.target.Reload(w.path); err != nil {
		w.failures.Add(1)
		w.logger.Error("pricing reload failed, keeping current prices", zap.Error(err))
		return
	}
	w.reloads.Add(1)
	w.logger.Info("pricing table reloaded")
}

func snapshot(path string) (fileState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileState{}, nil
	}
	if err != nil {
		return fileState{}, err
	}
	return fileState{exists: true, sum: sha256.Sum256(data)}, nil
}
