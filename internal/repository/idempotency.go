package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-payments/internal/model"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrIdempotencyKeyInFlight = errors.New("idempotency key is already being processed")

// IdempotencyStore remembers the response of a request made under a client key.
type IdempotencyStore interface {
	// Reserve claims key. It returns the stored response when the key has already
	// completed, ErrIdempotencyKeyInFlight while another request holds it, and ""
	// when the caller now owns it.
	Reserve(ctx context.Context, key string, ttl time.Duration) (string, error)
	Complete(ctx context.Context, key, response string, ttl time.Duration) error
	// Release drops a reservation whose request failed so the client can retry.
	Release(ctx context.Context, key string) error
}

type gormIdempotencyStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormIdempotencyStore(db *gorm.DB) IdempotencyStore {
	return &gormIdempotencyStore{db: db, now: time.Now}
}

func (s *gormIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var stored string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		if err := tx.Where("idem_key = ? AND expires_at <= ?", key, now).Delete(&model.IdempotencyKey{}).Error; err != nil {
			return err
		}

		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.IdempotencyKey{
			Key:       key,
			ExpiresAt: now.Add(ttl),
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 1 {
			return nil
		}

		var row model.IdempotencyKey
		if err := tx.Where("idem_key = ?", key).First(&row).Error; err != nil {
			return err
		}
		if row.Response == "" {
			return ErrIdempotencyKeyInFlight
		}
		stored = row.Response
		return nil
	})
	if err != nil {
		return "", err
	}

	return stored, nil
}

func (s *gormIdempotencyStore) Complete(ctx context.Context, key, response string, ttl time.Duration) error {
	return s.db.WithContext(ctx).Model(&model.IdempotencyKey{}).
		Where("idem_key = ?", key).
		Updates(map[string]interface{}{
			"response":   response,
			"expires_at": s.now().Add(ttl),
		}).Error
}

func (s *gormIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("idem_key = ?", key).Delete(&model.IdempotencyKey{}).Error
}

type redisIdempotencyStore struct {
	client *redis.Client
}

func NewRedisIdempotencyStore(client *redis.Client) IdempotencyStore {
	return &redisIdempotencyStore{client: client}
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idem:%s", key)
}

func (s *redisIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ok, err := s.client.SetNX(ctx, idempotencyKey(key), "", ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx failed: %w", err)
	}
	if ok {
		return "", nil
	}

	stored, err := s.client.Get(ctx, idempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return s.Reserve(ctx, key, ttl)
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	if stored == "" {
		return "", ErrIdempotencyKeyInFlight
	}

	return stored, nil
}

func (s *redisIdempotencyStore) Complete(ctx context.Context, key, response string, ttl time.Duration) error {
	if err := s.client.Set(ctx, idempotencyKey(key), response, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *redisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}
