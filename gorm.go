package sitefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GORMCache persists entries in a SQL table, which survives process restarts
type GORMCache[T any] struct {
	db        *gorm.DB
	tableName string
	keyPrefix string
	ttl       time.Duration
}

var _ Cache[any] = &GORMCache[any]{}

type cacheRow struct {
	Key       string         `gorm:"not null;primaryKey;size:255"`
	Value     datatypes.JSON `gorm:"not null;type:json"`
	ExpiresAt *time.Time     `gorm:"index"`
	UpdatedAt time.Time      `gorm:"not null"`
}

// GORMCacheConfig holds configuration for GORMCache
type GORMCacheConfig struct {
	// DB is the GORM database connection
	DB *gorm.DB

	// TableName is the name of the cache table
	TableName string

	// KeyPrefix is the prefix for all keys (optional)
	KeyPrefix string

	// TTL applies to values that do not carry their own expiry.
	// Zero means no expiration.
	TTL time.Duration
}

// NewGORMCache creates a new GORM-based cache with configuration
func NewGORMCache[T any](config *GORMCacheConfig) *GORMCache[T] {
	if config.DB == nil {
		panic("DB is required")
	}
	if config.TableName == "" {
		panic("TableName is required")
	}

	return &GORMCache[T]{
		db:        config.DB,
		tableName: config.TableName,
		keyPrefix: config.KeyPrefix,
		ttl:       config.TTL,
	}
}

func (g *GORMCache[T]) prefixedKey(key string) string {
	return g.keyPrefix + key
}

func (g *GORMCache[T]) table(ctx context.Context) *gorm.DB {
	return g.db.WithContext(ctx).Table(g.tableName)
}

// Migrate creates or updates the cache table schema
func (g *GORMCache[T]) Migrate(ctx context.Context) error {
	if err := g.table(ctx).AutoMigrate(&cacheRow{}); err != nil {
		return errors.Wrap(err, "failed to migrate cache table")
	}
	return nil
}

func (g *GORMCache[T]) Set(ctx context.Context, key string, value T) error {
	ttl := lifetimeOf(value, g.ttl)
	if ttl < 0 {
		return g.Del(ctx, key)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal value for key: %s", key)
	}

	now := NowFunc()
	row := cacheRow{
		Key:       g.prefixedKey(key),
		Value:     data,
		UpdatedAt: now,
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		row.ExpiresAt = &expiresAt
	}

	if err := g.table(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(&row).Error; err != nil {
		return errors.Wrapf(err, "failed to set cache entry for key: %s", key)
	}
	return nil
}

func (g *GORMCache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	var row cacheRow

	if err := g.table(ctx).
		Where("key = ?", g.prefixedKey(key)).
		First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return zero, errors.Wrapf(&ErrKeyNotFound{}, "key not found in sql cache for key: %s", key)
		}
		return zero, errors.Wrapf(err, "failed to get cache entry for key: %s", key)
	}

	if row.ExpiresAt != nil && !NowFunc().Before(*row.ExpiresAt) {
		if err := g.Del(ctx, key); err != nil {
			return zero, err
		}
		return zero, errors.Wrapf(&ErrKeyNotFound{}, "key expired in sql cache for key: %s", key)
	}

	var value T
	if err := json.Unmarshal(row.Value, &value); err != nil {
		return zero, errors.Wrapf(err, "failed to unmarshal value for key: %s", key)
	}
	return value, nil
}

func (g *GORMCache[T]) Del(ctx context.Context, key string) error {
	if err := g.table(ctx).
		Where("key = ?", g.prefixedKey(key)).
		Delete(nil).Error; err != nil {
		return errors.Wrapf(err, "failed to delete cache entry for key: %s", key)
	}
	return nil
}

// Clear deletes every row under the configured prefix
func (g *GORMCache[T]) Clear(ctx context.Context) error {
	if err := g.table(ctx).
		Where("key LIKE ?", g.keyPrefix+"%").
		Delete(nil).Error; err != nil {
		return errors.Wrap(err, "failed to clear cache table")
	}
	return nil
}

// PurgeExpired deletes rows past their expiry and reports how many were removed.
// Expired rows are already invisible to Get; this only reclaims space.
func (g *GORMCache[T]) PurgeExpired(ctx context.Context) (int64, error) {
	res := g.table(ctx).
		Where("key LIKE ? AND expires_at IS NOT NULL AND expires_at <= ?", g.keyPrefix+"%", NowFunc()).
		Delete(nil)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to purge expired cache rows")
	}
	return res.RowsAffected, nil
}
