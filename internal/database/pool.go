package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agenttree/internal/retry"
)

// ErrPoolClosed Close 之后的调用返回
var ErrPoolClosed = errors.New("database pool is closed")

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// 事务遇到瞬时错误时的最大尝试次数（含首次）
	TxAttempts int
	// 首次重试前的等待，之后指数增长
	TxBackoff time.Duration
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		TxAttempts:      3,
		TxBackoff:       100 * time.Millisecond,
	}
}

// PoolStats 连接池快照，用于指标上报
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// PoolManager 持有 GORM 实例与底层 sql.DB。
// 文档表与锁表共用一个池，锁的获取在 Tx 内完成。
type PoolManager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config PoolConfig
	retry  *retry.Retryer
	logger *zap.Logger
	closed atomic.Bool
}

// NewPoolManager 应用连接池参数并包装 db
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "db_pool"))

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	retryer := retry.New(retry.Policy{
		MaxAttempts:  config.TxAttempts,
		InitialDelay: config.TxBackoff,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		Jitter:       true,
		Retryable:    IsTransient,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("transaction failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	}, logger)

	logger.Info("database pool initialized",
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Duration("conn_max_lifetime", config.ConnMaxLifetime),
	)
	return &PoolManager{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		retry:  retryer,
		logger: logger,
	}, nil
}

// DB 返回 GORM 实例
func (pm *PoolManager) DB() *gorm.DB { return pm.db }

// Ping 探测连接
func (pm *PoolManager) Ping(ctx context.Context) error {
	if pm.closed.Load() {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Stats 返回连接池快照
func (pm *PoolManager) Stats() PoolStats {
	s := pm.sqlDB.Stats()
	return PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}
}

// Close 关闭连接池，重复调用安全
func (pm *PoolManager) Close() error {
	if !pm.closed.CompareAndSwap(false, true) {
		return nil
	}
	pm.logger.Info("closing database pool")
	return pm.sqlDB.Close()
}

// Tx 在事务中执行 fn；死锁、序列化失败、sqlite busy 等瞬时错误整体重试。
// fn 可能执行多次，不能有事务外的副作用。
func (pm *PoolManager) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := pm.retry.Do(ctx, func(ctx context.Context) error {
		if pm.closed.Load() {
			return ErrPoolClosed
		}
		return pm.db.WithContext(ctx).Transaction(fn)
	})
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return fmt.Errorf("transaction failed after %d attempts: %w", exhausted.Attempts, exhausted.Err)
	}
	return err
}

// transientMarkers 各驱动瞬时错误的消息片段（小写）
var transientMarkers = []string{
	"deadlock",
	"serialization failure",
	"could not serialize access",
	"40001",
	"lock wait timeout",
	"lock timeout",
	"database is locked",
	"sqlite_busy",
	"connection reset",
	"connection refused",
	"broken pipe",
	"bad connection",
}

// IsTransient 判断错误是否值得整体重试事务
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrPoolClosed) {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
