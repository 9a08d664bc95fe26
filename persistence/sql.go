package persistence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agenttree/internal/database"
)

// documentRecord is one row of agenttree_documents.
type documentRecord struct {
	DocKey    string    `gorm:"column:doc_key;primaryKey;size:512"`
	Body      []byte    `gorm:"column:body"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (documentRecord) TableName() string { return "agenttree_documents" }

// lockRecord is one row of agenttree_locks.
type lockRecord struct {
	LockKey   string    `gorm:"column:lock_key;primaryKey;size:512"`
	Owner     string    `gorm:"column:owner;size:128"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
}

func (lockRecord) TableName() string { return "agenttree_locks" }

// AutoMigrate creates the document and lock tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&documentRecord{}, &lockRecord{})
}

// SQLStore is a gorm-backed DocumentStore (postgres, mysql or sqlite).
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps db. Call AutoMigrate first.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping pings the database.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Get selects the row.
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var rec documentRecord
	err := s.db.WithContext(ctx).Where("doc_key = ?", key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Body, nil
}

// Put upserts the row in a single statement.
func (s *SQLStore) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	rec := documentRecord{DocKey: key, Body: data, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
		}).
		Create(&rec).Error
}

// Delete removes the row.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("doc_key = ?", key).Delete(&documentRecord{}).Error
}

// List selects keys by prefix. LIKE treats '_' as a wildcard, so results are re-filtered.
func (s *SQLStore) List(ctx context.Context, prefix string) ([]string, error) {
	var raw []string
	err := s.db.WithContext(ctx).Model(&documentRecord{}).
		Where("doc_key LIKE ?", prefix+"%").
		Pluck("doc_key", &raw).Error
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// =============================================================================
// 🔒 SQLLocker
// =============================================================================

// SQLLocker implements Locker on agenttree_locks.
type SQLLocker struct {
	pool *database.PoolManager
	now  func() time.Time
}

// NewSQLLocker wraps pool. Call AutoMigrate first.
func NewSQLLocker(pool *database.PoolManager) *SQLLocker {
	return &SQLLocker{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire takes over an expired or owned row, else inserts one.
// Both steps share one transaction, retried on deadlock or serialization failure.
func (l *SQLLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	now := l.now()
	expires := now.Add(ttl)

	return l.pool.Tx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&lockRecord{}).
			Where("lock_key = ? AND (owner = ? OR expires_at < ?)", key, owner, now).
			Updates(map[string]any{"owner": owner, "expires_at": expires})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		res = tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&lockRecord{LockKey: key, Owner: owner, ExpiresAt: expires})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLocked
		}
		return nil
	})
}

// Refresh extends an owned row.
func (l *SQLLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) error {
	res := l.pool.DB().WithContext(ctx).Model(&lockRecord{}).
		Where("lock_key = ? AND owner = ?", key, owner).
		Update("expires_at", l.now().Add(ttl))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockLost
	}
	return nil
}

// Release deletes an owned row.
func (l *SQLLocker) Release(ctx context.Context, key, owner string) error {
	return l.pool.DB().WithContext(ctx).
		Where("lock_key = ? AND owner = ?", key, owner).
		Delete(&lockRecord{}).Error
}
