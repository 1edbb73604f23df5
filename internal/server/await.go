package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// Await 阻塞到 SIGINT/SIGTERM、ctx 取消或任一服务异常退出。
// 只返回服务错误，信号与 ctx 取消返回 nil。nil 的 Manager 被忽略。
// 关闭由调用方负责，以便按依赖顺序释放资源。
func Await(ctx context.Context, logger *zap.Logger, managers ...*Manager) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := make(chan error, len(managers))
	for _, m := range managers {
		if m == nil {
			continue
		}
		go func(m *Manager) {
			select {
			case err := <-m.Failed():
				failed <- err
			case <-sigCtx.Done():
			}
		}(m)
	}

	select {
	case err := <-failed:
		logger.Error("server exited unexpectedly", zap.Error(err))
		return err
	case <-sigCtx.Done():
		if ctx.Err() != nil {
			logger.Info("context cancelled, shutting down")
		} else {
			logger.Info("shutdown signal received")
		}
		return nil
	}
}

// Shutdown 依次关闭多个服务，返回第一个错误
func Shutdown(ctx context.Context, managers ...*Manager) error {
	var first error
	for _, m := range managers {
		if m == nil {
			continue
		}
		if err := m.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
