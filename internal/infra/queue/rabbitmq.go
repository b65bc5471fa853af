package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-feed-bot/internal/domain"
	"tg-feed-bot/internal/infra/metrics"
)

// RabbitFeedQueue реализует очередь задач доставки ленты поверх AMQP.
type RabbitFeedQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string

	consumeOnce sync.Once
	consumeErr  error
	deliveries  <-chan amqp.Delivery
}

// NewRabbitFeedQueue подключается к брокеру и объявляет durable-очередь.
func NewRabbitFeedQueue(amqpURL, queue string) (*RabbitFeedQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &RabbitFeedQueue{conn: conn, channel: channel, queue: queue}, nil
}

var _ domain.FeedQueue = (*RabbitFeedQueue)(nil)

// Enqueue публикует задачу в очередь.
func (q *RabbitFeedQueue) Enqueue(ctx context.Context, job domain.FeedJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RabbitFeedQueue) Pop(ctx context.Context) (domain.FeedJob, error) {
	q.consumeOnce.Do(func() {
		deliveries, err := q.channel.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			q.consumeErr = fmt.Errorf("start consume: %w", err)
			return
		}
		q.deliveries = deliveries
	})
	if q.consumeErr != nil {
		return domain.FeedJob{}, q.consumeErr
	}

	select {
	case <-ctx.Done():
		return domain.FeedJob{}, ctx.Err()
	case msg, ok := <-q.deliveries:
		if !ok {
			return domain.FeedJob{}, errors.New("rabbitmq queue: consumer channel closed")
		}
		var job domain.FeedJob
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			_ = msg.Nack(false, false)
			return domain.FeedJob{}, fmt.Errorf("decode job: %w", err)
		}
		if err := msg.Ack(false); err != nil {
			return domain.FeedJob{}, fmt.Errorf("ack job: %w", err)
		}
		return job, nil
	}
}

// Close закрывает канал и соединение.
func (q *RabbitFeedQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
