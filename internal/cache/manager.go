package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("redis manager is closed")

// 内存占用超过 maxmemory 的该比例时告警，淘汰策略可能删掉支出计数
const memoryPressureRatio = 0.9

// Config Redis 连接参数
type Config struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	// HealthInterval 后台探活间隔，0 表示不启动
	HealthInterval time.Duration
}

// DefaultConfig 单机本地 Redis
func DefaultConfig() Config {
	return Config{
		Addr:           "localhost:6379",
		MaxRetries:     3,
		PoolSize:       16,
		MinIdleConns:   2,
		DialTimeout:    5 * time.Second,
		HealthInterval: 30 * time.Second,
	}
}

// PoolObserver 每次探活成功后收到连接池快照
type PoolObserver func(stats *redis.PoolStats)

// Option Manager 选项
type Option func(*Manager)

// WithPoolObserver 注册连接池观察者
func WithPoolObserver(fn PoolObserver) Option {
	return func(m *Manager) { m.observe = fn }
}

// Manager 进程内唯一的 Redis 客户端。支出账本与补全缓存共用它，
// 健康检查接口走 Ping。
type Manager struct {
	client  *redis.Client
	cfg     Config
	logger  *zap.Logger
	observe PoolObserver

	healthy atomic.Bool

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// NewManager 建连并 PING 一次，失败即返回错误
func NewManager(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}

	m := &Manager{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "redis")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.healthy.Store(true)

	if cfg.HealthInterval > 0 {
		go m.healthLoop()
	} else {
		close(m.done)
	}

	m.logger.Info("redis connected",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize))
	return m, nil
}

// Client 供账本与缓存使用
func (m *Manager) Client() redis.UniversalClient { return m.client }

// Healthy 最近一次后台探活是否成功
func (m *Manager) Healthy() bool { return m.healthy.Load() }

// Ping 关闭后返回 ErrClosed
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.client.Ping(ctx).Err()
}

// Close 停止探活并关闭客户端，可重复调用
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	<-m.done
	m.logger.Info("redis connection closed")
	return m.client.Close()
}

func (m *Manager) healthLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

// probe 探活并检查内存水位
func (m *Manager) probe() {
	timeout := min(m.cfg.HealthInterval, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := m.Ping(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		if m.healthy.Swap(false) {
			m.logger.Error("redis became unreachable", zap.Error(err))
		}
		return
	}
	if !m.healthy.Swap(true) {
		m.logger.Info("redis reachable again")
	}
	if m.observe != nil {
		m.observe(m.client.PoolStats())
	}

	info, err := m.Info(ctx)
	if err != nil {
		m.logger.Debug("redis INFO unavailable", zap.Error(err))
		return
	}
	if info.MemoryPressure() {
		m.logger.Warn("redis close to maxmemory, spend counters may be evicted",
			zap.Int64("used_memory", info.UsedMemory),
			zap.Int64("maxmemory", info.MaxMemory),
			zap.String("policy", info.EvictionPolicy))
	}
}

// ServerInfo INFO 中网关关心的字段
type ServerInfo struct {
	Hits           uint64 `json:"keyspace_hits"`
	Misses         uint64 `json:"keyspace_misses"`
	Keys           int64  `json:"keys"`
	UsedMemory     int64  `json:"used_memory"`
	MaxMemory      int64  `json:"maxmemory"`
	EvictionPolicy string `json:"maxmemory_policy"`
	Clients        int    `json:"connected_clients"`
}

// MemoryPressure maxmemory 未设置或策略为 noeviction 时恒为 false
func (s *ServerInfo) MemoryPressure() bool {
	if s.MaxMemory <= 0 || s.EvictionPolicy == "noeviction" {
		return false
	}
	return float64(s.UsedMemory) >= memoryPressureRatio*float64(s.MaxMemory)
}

// Info 读取 INFO stats/memory/clients 与 DBSIZE
func (m *Manager) Info(ctx context.Context) (*ServerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	raw, err := m.client.Info(ctx, "stats", "memory", "clients").Result()
	if err != nil {
		return nil, fmt.Errorf("redis INFO: %w", err)
	}
	info := parseInfo(raw)

	if info.Keys, err = m.client.DBSize(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis DBSIZE: %w", err)
	}
	return info, nil
}

// parseInfo 只取已知字段，注释行与无法解析的行忽略
func parseInfo(raw string) *ServerInfo {
	info := &ServerInfo{}
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok || strings.HasPrefix(key, "#") {
			continue
		}
		switch key {
		case "keyspace_hits":
			info.Hits, _ = strconv.ParseUint(value, 10, 64)
		case "keyspace_misses":
			info.Misses, _ = strconv.ParseUint(value, 10, 64)
		case "used_memory":
			info.UsedMemory, _ = strconv.ParseInt(value, 10, 64)
		case "maxmemory":
			info.MaxMemory, _ = strconv.ParseInt(value, 10, 64)
		case "maxmemory_policy":
			info.EvictionPolicy = value
		case "connected_clients":
			info.Clients, _ = strconv.Atoi(value)
		}
	}
	return info
}
