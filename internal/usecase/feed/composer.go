package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-feed-bot/internal/domain"
	"tg-feed-bot/internal/infra/metrics"
)

const interestSlotsPerCycle = 2

// Composer собирает упорядоченный список кандидатов ленты для пользователя.
type Composer struct {
	users domain.UserRepo
	posts domain.PostRepo
	log   zerolog.Logger
}

// NewComposer создаёт сборщик ленты.
func NewComposer(users domain.UserRepo, posts domain.PostRepo, log zerolog.Logger) *Composer {
	return &Composer{users: users, posts: posts, log: log}
}

// Compose строит ленту пользователя: 2 поста по интересам, затем 1 случайный,
// с циклическим перебором списка интересов. Интерес без свежего поста просто
// пропускается. Если профиль интересов пуст или пользователь неизвестен,
// лента полностью случайная. Учитываются только каналы с заполненной ссылкой.
func (c *Composer) Compose(ctx context.Context, userID int64, pageSize int) ([]domain.Post, error) {
	start := time.Now()
	defer func() { metrics.FeedComposeSeconds.Observe(time.Since(start).Seconds()) }()
	metrics.IncFeedForUser(userID)

	user, err := c.users.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("получение пользователя: %w", err)
	}
	if len(user.Interests) == 0 {
		c.log.Debug().Int64("user", userID).Msg("профиль интересов пуст, лента случайная")
		posts, err := c.posts.RandomLinked(ctx, pageSize)
		if err != nil {
			return nil, fmt.Errorf("выборка случайных постов: %w", err)
		}
		return posts, nil
	}

	feed := make([]domain.Post, 0, pageSize)
	interestIdx := 0
	for len(feed) < pageSize {
		progressed := false

		for i := 0; i < interestSlotsPerCycle; i++ {
			if interestIdx >= len(user.Interests) {
				interestIdx = 0
			}
			matched, err := c.posts.RecentByInterest(ctx, user.Interests[interestIdx], 1)
			if err != nil {
				return nil, fmt.Errorf("выборка постов по интересу %q: %w", user.Interests[interestIdx], err)
			}
			interestIdx++
			if len(matched) > 0 {
				feed = append(feed, matched...)
				progressed = true
			}
		}

		random, err := c.posts.RandomLinked(ctx, 1)
		if err != nil {
			return nil, fmt.Errorf("выборка случайного поста: %w", err)
		}
		if len(random) > 0 {
			feed = append(feed, random...)
			progressed = true
		}

		// Пустой полный цикл означает, что подходящих постов нет вовсе.
		if !progressed {
			break
		}
	}

	if len(feed) > pageSize {
		feed = feed[:pageSize]
	}
	return feed, nil
}

// ComposeSubscriptions возвращает свежие посты каналов, на которые пользователь
// подписан, для плановой рассылки. Кандидатов не больше 300; до размера страницы
// их срезает диспетчер уже после фильтра кеша.
func (c *Composer) ComposeSubscriptions(ctx context.Context, userID int64) ([]domain.Post, error) {
	user, err := c.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("получение пользователя: %w", err)
	}
	if len(user.SubscribedChannels) == 0 {
		return nil, nil
	}
	posts, err := c.posts.RecentByChannels(ctx, user.SubscribedChannels, 300)
	if err != nil {
		return nil, fmt.Errorf("выборка постов подписок: %w", err)
	}
	return posts, nil
}
