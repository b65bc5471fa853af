package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-feed-bot/internal/domain"
	"tg-feed-bot/internal/infra/metrics"
)

// RedisFeedQueue реализует очередь задач доставки ленты на базе Redis lists.
type RedisFeedQueue struct {
	client *redis.Client
	key    string
}

// NewRedisFeedQueue создаёт очередь по указанному ключу.
func NewRedisFeedQueue(client *redis.Client, key string) *RedisFeedQueue {
	return &RedisFeedQueue{client: client, key: key}
}

var _ domain.FeedQueue = (*RedisFeedQueue)(nil)

// Enqueue публикует задачу в очередь.
func (q *RedisFeedQueue) Enqueue(ctx context.Context, job domain.FeedJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RedisFeedQueue) Pop(ctx context.Context) (domain.FeedJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.FeedJob{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.FeedJob{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.FeedJob{}, err
		}
		if len(res) != 2 {
			return domain.FeedJob{}, errors.New("redis queue: unexpected response")
		}
		var job domain.FeedJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.FeedJob{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}
