package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted = errors.New("server already started")
	ErrClosed         = errors.New("server closed")
)

// Config 单个监听端口的参数
type Config struct {
	// Addr 监听地址，":0" 表示随机端口
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MaxHeaderBytes int

	// ShutdownTimeout 排空进行中请求（含 SSE / WebSocket）的上限
	ShutdownTimeout time.Duration
}

// DefaultConfig 写超时 5 分钟，长补全与流式响应需要
func DefaultConfig() Config {
	return Config{
		Addr:            ":8000",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		IdleTimeout:     2 * time.Minute,
		MaxHeaderBytes:  64 << 10,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Manager 一个 http.Server 的启动与优雅关闭
type Manager struct {
	name   string
	srv    *http.Server
	cfg    Config
	logger *zap.Logger
	failed chan error

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// NewManager name 只用于日志，区分 http 与 metrics
func NewManager(name string, handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		name: name,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: min(cfg.ReadTimeout, 10*time.Second),
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		},
		cfg:    cfg,
		logger: logger.With(zap.String("server", name)),
		failed: make(chan error, 1),
	}
}

// Name 日志中的服务名
func (m *Manager) Name() string { return m.name }

// Start 同步完成监听，之后在后台 Serve
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrClosed
	case m.ln != nil:
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", m.name, m.cfg.Addr, err)
	}
	m.ln = ln
	m.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	go func() {
		err := m.srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		m.logger.Error("serve failed", zap.Error(err))
		m.failed <- fmt.Errorf("%s: %w", m.name, err)
	}()
	return nil
}

// Failed 服务异常退出时收到一个错误，正常关闭不会发送
func (m *Manager) Failed() <-chan error { return m.failed }

// Shutdown 停止接收新连接并等待在途请求，超出 ShutdownTimeout 后强制断开。
// 可重复调用。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.ln != nil
	m.mu.Unlock()
	if !started {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warn("drain timed out, closing remaining connections", zap.Error(err))
		_ = m.srv.Close()
		return err
	}
	m.logger.Info("stopped")
	return nil
}

// Addr 启动后为实际监听地址
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln != nil {
		return m.ln.Addr().String()
	}
	return m.cfg.Addr
}

// Running 已监听且未关闭
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ln != nil && !m.closed
}
