package viewcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-feed-bot/internal/domain"
	"tg-feed-bot/internal/infra/metrics"
)

const keyPrefix = "feed:cache:"

// DefaultRetention — окно, в течение которого показ или реакция считаются
// недавними.
const DefaultRetention = time.Hour

// RedisViewCache реализует domain.ViewCache поверх Redis: одна запись на
// пользователя, перезаписываемая целиком. Конкурентные записи по одному
// пользователю не ожидаются, поэтому read-modify-write достаточно.
type RedisViewCache struct {
	client    *redis.Client
	retention time.Duration
	log       zerolog.Logger
}

// NewRedis создаёт кеш показов с указанным окном удержания.
func NewRedis(client *redis.Client, retention time.Duration, log zerolog.Logger) *RedisViewCache {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisViewCache{client: client, retention: retention, log: log}
}

var _ domain.ViewCache = (*RedisViewCache)(nil)

func userKey(userID int64) string {
	return fmt.Sprintf("%suser:%d", keyPrefix, userID)
}

// load читает запись пользователя. Любая ошибка хранилища логируется и
// трактуется как пустой кеш.
func (c *RedisViewCache) load(ctx context.Context, userID int64) record {
	start := time.Now()
	data, err := c.client.Get(ctx, userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveNetworkRequest("redis", "get", "viewcache", start, nil)
		return newRecord()
	}
	metrics.ObserveNetworkRequest("redis", "get", "viewcache", start, err)
	if err != nil {
		c.log.Warn().Err(err).Int64("user", userID).Msg("кеш показов: ошибка чтения")
		return newRecord()
	}
	return decodeRecord(data)
}

func (c *RedisViewCache) save(ctx context.Context, userID int64, rec record) error {
	data, err := rec.encode()
	if err != nil {
		return fmt.Errorf("сериализация кеша: %w", err)
	}
	start := time.Now()
	// TTL от последней записи — верхняя граница жизни любой записи внутри:
	// к его истечению все отметки заведомо старше окна.
	err = c.client.Set(ctx, userKey(userID), data, c.retention).Err()
	metrics.ObserveNetworkRequest("redis", "set", "viewcache", start, err)
	if err != nil {
		return fmt.Errorf("запись кеша: %w", err)
	}
	return nil
}

// RecordShown отмечает посты показанными пользователю.
func (c *RedisViewCache) RecordShown(ctx context.Context, userID int64, postIDs []int64) error {
	if len(postIDs) == 0 {
		return nil
	}
	rec := c.load(ctx, userID)
	rec.markViewed(time.Now(), postIDs)
	return c.save(ctx, userID, rec)
}

// ShownRecently возвращает посты, показанные внутри окна удержания.
func (c *RedisViewCache) ShownRecently(ctx context.Context, userID int64) (map[int64]struct{}, error) {
	rec := c.load(ctx, userID)
	return rec.recentViewed(time.Now(), c.retention), nil
}

// RecordReaction отмечает реакцию пользователя на пост.
func (c *RedisViewCache) RecordReaction(ctx context.Context, userID, postID int64) error {
	rec := c.load(ctx, userID)
	rec.markReaction(time.Now(), postID)
	return c.save(ctx, userID, rec)
}

// ReactedRecently сообщает, реагировал ли пользователь на пост внутри окна.
func (c *RedisViewCache) ReactedRecently(ctx context.Context, userID, postID int64) (bool, error) {
	rec := c.load(ctx, userID)
	return rec.hasRecentReaction(time.Now(), c.retention, postID), nil
}

// SweepExpired проходит по всем записям, удаляет просроченные отметки и
// целиком убирает пустые записи.
func (c *RedisViewCache) SweepExpired(ctx context.Context) error {
	now := time.Now()
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				c.log.Warn().Err(err).Str("key", key).Msg("кеш показов: ошибка чтения при очистке")
			}
			continue
		}
		rec := decodeRecord(data)
		rec.prune(now, c.retention)
		if rec.empty() {
			if err := c.client.Del(ctx, key).Err(); err != nil {
				c.log.Warn().Err(err).Str("key", key).Msg("кеш показов: ошибка удаления ключа")
			}
			continue
		}
		encoded, err := rec.encode()
		if err != nil {
			continue
		}
		if err := c.client.Set(ctx, key, encoded, c.retention).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("кеш показов: ошибка перезаписи при очистке")
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("обход ключей кеша: %w", err)
	}
	return nil
}
