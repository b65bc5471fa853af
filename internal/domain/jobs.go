package domain

import (
	"context"
	"time"
)

// FeedJobCause описывает источник запроса на доставку ленты.
type FeedJobCause string

const (
	// FeedCauseManual — пользователь запросил ленту вручную.
	FeedCauseManual FeedJobCause = "manual"
	// FeedCauseScheduled — плановая рассылка по активным пользователям.
	FeedCauseScheduled FeedJobCause = "scheduled"
)

// FeedJob содержит информацию о задаче доставки ленты пользователю.
type FeedJob struct {
	ID          string       `json:"job_id,omitempty"`
	UserID      int64        `json:"user_id"`
	ChatID      int64        `json:"chat_id"`
	PageSize    int          `json:"page_size,omitempty"`
	RequestedAt time.Time    `json:"requested_at"`
	Cause       FeedJobCause `json:"cause"`
}

// FeedQueue описывает очередь задач на доставку ленты.
type FeedQueue interface {
	Enqueue(ctx context.Context, job FeedJob) error
	// Pop блокирующе читает задачу из очереди.
	Pop(ctx context.Context) (FeedJob, error)
}
