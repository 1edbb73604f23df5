package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/BaSui01/llmgateway/llm/retry"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🗄️ 连接池
// =============================================================================

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("database pool is closed")

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// 后台探活间隔，0 表示不探活
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig 审计、账本、数据集三类写入量都不大，默认池偏小
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        5,
		MaxOpenConns:        25,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 15 * time.Second,
	}
}

// Validate 校验连接池参数
func (c PoolConfig) Validate() error {
	switch {
	case c.MaxOpenConns <= 0:
		return fmt.Errorf("max_open_conns must be positive, got %d", c.MaxOpenConns)
	case c.MaxIdleConns <= 0:
		return fmt.Errorf("max_idle_conns must be positive, got %d", c.MaxIdleConns)
	case c.MaxIdleConns > c.MaxOpenConns:
		return fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	case c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0:
		return fmt.Errorf("connection lifetimes must not be negative")
	}
	return nil
}

// StatsObserver 每次探活成功后收到一份连接池快照
type StatsObserver func(driver string, stats sql.DBStats)

// Option 配置 PoolManager
type Option func(*PoolManager)

// WithStatsObserver 注册连接池快照回调，通常用于写 Prometheus
func WithStatsObserver(fn StatsObserver) Option {
	return func(pm *PoolManager) { pm.observe = fn }
}

// WithDriverName 设置快照与日志里的驱动名
func WithDriverName(name string) Option {
	return func(pm *PoolManager) { pm.driver = name }
}

// PoolManager 网关唯一的 gorm 连接池：审计日志、花费账本、数据集共用
type PoolManager struct {
	db      *gorm.DB
	sqlDB   *sql.DB
	driver  string
	config  PoolConfig
	logger  *zap.Logger
	observe StatsObserver

	healthy  atomic.Bool
	failures atomic.Int32

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// NewPoolManager 应用连接池参数，并按需启动后台探活
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger, opts ...Option) (*PoolManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pm := &PoolManager{
		db:     db,
		sqlDB:  sqlDB,
		driver: db.Dialector.Name(),
		config: config,
		logger: logger.With(zap.String("component", "db_pool")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pm)
	}
	pm.healthy.Store(true)

	if config.HealthCheckInterval > 0 {
		go pm.healthCheckLoop()
	} else {
		close(pm.done)
	}

	pm.logger.Info("database pool initialized",
		zap.String("driver", pm.driver),
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Duration("health_check_interval", config.HealthCheckInterval),
	)
	return pm, nil
}

// DB 返回 gorm 实例
func (pm *PoolManager) DB() *gorm.DB {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.db
}

// Driver 驱动名
func (pm *PoolManager) Driver() string { return pm.driver }

// Healthy 最近一次后台探活是否成功
func (pm *PoolManager) Healthy() bool { return pm.healthy.Load() }

// Ping 探测数据库连接
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Stats 底层 database/sql 统计
func (pm *PoolManager) Stats() sql.DBStats {
	return pm.sqlDB.Stats()
}

// Close 停止探活并关闭连接，可重复调用
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	close(pm.stop)
	pm.mu.Unlock()

	<-pm.done
	pm.logger.Info("closing database pool")
	return pm.sqlDB.Close()
}

// unhealthyAfter 连续失败达到该次数后按 Error 级别记录
const unhealthyAfter = 3

func (pm *PoolManager) healthCheckLoop() {
	defer close(pm.done)

	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()

	timeout := min(pm.config.HealthCheckInterval, 5*time.Second)
	for {
		select {
		case <-pm.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := pm.Ping(ctx)
		cancel()

		if errors.Is(err, ErrPoolClosed) {
			return
		}
		if err != nil {
			pm.recordFailure(err)
			continue
		}

		if n := pm.failures.Swap(0); n > 0 {
			pm.logger.Info("database reachable again", zap.Int32("failed_checks", n))
		}
		pm.healthy.Store(true)
		if pm.observe != nil {
			pm.observe(pm.driver, pm.Stats())
		}
	}
}

func (pm *PoolManager) recordFailure(err error) {
	n := pm.failures.Add(1)
	if n < unhealthyAfter {
		pm.logger.Warn("database health check failed", zap.Int32("consecutive", n), zap.Error(err))
		return
	}
	if pm.healthy.Swap(false) {
		pm.logger.Error("database marked unhealthy", zap.Int32("consecutive", n), zap.Error(err))
	}
}

// =============================================================================
// 🔄 事务
// =============================================================================

// TransactionFunc 事务回调
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 单次事务，fn 返回错误时回滚
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	pm.mu.RLock()
	if pm.closed {
		pm.mu.RUnlock()
		return ErrPoolClosed
	}
	db := pm.db
	pm.mu.RUnlock()

	return db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry 整个事务在死锁、序列化冲突、断连时重跑，最多 maxAttempts 次。
// fn 必须可重入：每次重跑都从头执行。
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, maxAttempts int, fn TransactionFunc) error {
	retryer := retry.NewBackoffRetryer(&retry.RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       true,
		ShouldRetry:  IsTransientError,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			pm.logger.Warn("transaction conflict, retrying",
				zap.String("driver", pm.driver),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}, pm.logger)

	return retryer.Do(ctx, func() error {
		return pm.WithTransaction(ctx, fn)
	})
}

// PostgreSQL SQLSTATE：序列化失败、死锁、拿不到锁
var transientPgCodes = map[string]struct{}{
	"40001": {},
	"40P01": {},
	"55P03": {},
}

// MySQL 错误号：1213 死锁，1205 锁等待超时
var transientMySQLErrors = map[uint16]struct{}{
	1213: {},
	1205: {},
}

// 驱动没有给出结构化错误时按文本判断，sqlite 的 SQLITE_BUSY 只能这样识别
var transientMarkers = []string{
	"database is locked",
	"deadlock",
	"could not serialize access",
	"sqlstate 40001",
	"sqlstate 40p01",
	"lock wait timeout",
	"bad connection",
	"connection reset",
}

// IsTransientError 判断数据库错误是否值得重跑整个事务
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPoolClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := transientPgCodes[pgErr.Code]
		return ok
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		_, ok := transientMySQLErrors[myErr.Number]
		return ok
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
