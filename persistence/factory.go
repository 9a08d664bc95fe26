package persistence

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/config"
	"github.com/BaSui01/agenttree/internal/database"
)

// Backend bundles the document store and locker of one configured backend.
type Backend struct {
	Docs  DocumentStore
	Locks Locker
	Type  config.StoreType

	// Pool is set for the sql backend and exposes pool stats to health checks.
	Pool *database.PoolManager

	closeFn func() error
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if b.closeFn != nil {
		return b.closeFn()
	}
	return b.Docs.Close()
}

// NewBackend creates the DocumentStore + Locker pair selected by cfg.Type.
func NewBackend(ctx context.Context, cfg config.StoreConfig, dbCfg config.DatabaseConfig, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "persistence"), zap.String("store_type", string(cfg.Type)))

	switch cfg.Type {
	case config.StoreTypeMemory:
		logger.Warn("using in-memory document store; task state will not survive restart")
		return &Backend{Docs: NewMemoryStore(), Locks: NewMemoryLocker(), Type: cfg.Type}, nil

	case config.StoreTypeFile:
		docs, err := NewFileStore(cfg.BaseDir)
		if err != nil {
			return nil, err
		}
		locks, err := NewFileLocker(filepath.Join(cfg.BaseDir, "locks"))
		if err != nil {
			return nil, err
		}
		logger.Info("file document store ready", zap.String("base_dir", cfg.BaseDir))
		return &Backend{Docs: docs, Locks: locks, Type: cfg.Type}, nil

	case config.StoreTypeRedis:
		client, err := NewRedisClient(RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("redis document store ready", zap.String("addr", cfg.Redis.Addr))
		return &Backend{
			Docs:    NewRedisStore(client, cfg.KeyPrefix),
			Locks:   NewRedisLocker(client, cfg.KeyPrefix),
			Type:    cfg.Type,
			closeFn: client.Close,
		}, nil

	case config.StoreTypeSQL:
		pool, err := database.Open(dbCfg, logger)
		if err != nil {
			return nil, err
		}
		if err := AutoMigrate(pool.DB()); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to migrate document tables: %w", err)
		}
		logger.Info("sql document store ready", zap.String("driver", dbCfg.Driver))
		return &Backend{
			Docs:    NewSQLStore(pool.DB()),
			Locks:   NewSQLLocker(pool),
			Type:    cfg.Type,
			Pool:    pool,
			closeFn: pool.Close,
		}, nil

	case config.StoreTypeMongo:
		client, err := ConnectMongo(ctx, MongoOptions{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
			Timeout:  cfg.Mongo.Timeout,
		})
		if err != nil {
			return nil, err
		}
		store := NewMongoStore(client, cfg.Mongo.Database, cfg.Mongo.Collection)
		logger.Info("mongo document store ready", zap.String("database", cfg.Mongo.Database))
		return &Backend{
			Docs:    store,
			Locks:   NewMongoLocker(client, cfg.Mongo.Database, cfg.Mongo.Collection+"_locks"),
			Type:    cfg.Type,
			closeFn: store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
