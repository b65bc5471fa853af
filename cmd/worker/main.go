package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-feed-bot/internal/adapters/repo"
	"tg-feed-bot/internal/adapters/telegram"
	"tg-feed-bot/internal/adapters/viewcache"
	"tg-feed-bot/internal/domain"
	"tg-feed-bot/internal/infra/config"
	"tg-feed-bot/internal/infra/db"
	"tg-feed-bot/internal/infra/log"
	"tg-feed-bot/internal/infra/metrics"
	"tg-feed-bot/internal/infra/queue"
	"tg-feed-bot/internal/usecase/feed"
	"tg-feed-bot/internal/usecase/quota"
	"tg-feed-bot/internal/usecase/ratelimit"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "worker")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	repoAdapter := repo.NewPostgres(pool)
	cache := viewcache.NewRedis(redisClient, cfg.Feed.CacheRetention, logger)
	governor := ratelimit.NewGovernor(cfg.Telegram.MaxRPS, logger)
	ledger := quota.NewLedger(repoAdapter, repoAdapter, logger)
	composer := feed.NewComposer(repoAdapter, repoAdapter, logger)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	messenger := telegram.NewMessenger(botAPI, logger)
	dispatcher := feed.NewDispatcher(repoAdapter, repoAdapter, ledger, cache, messenger, governor, logger)

	var feedQueue domain.FeedQueue
	if cfg.AMQPURL != "" {
		rabbit, err := queue.NewRabbitFeedQueue(cfg.AMQPURL, cfg.Queues.Feed)
		if err != nil {
			logger.Fatal().Err(err).Msg("нет подключения к брокеру")
		}
		defer rabbit.Close()
		feedQueue = rabbit
	} else {
		feedQueue = queue.NewRedisFeedQueue(redisClient, cfg.Queues.Feed)
	}

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	logger.Info().Msg("воркер рассылки запущен")
	for {
		job, err := feedQueue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info().Msg("остановка воркера")
				return
			}
			logger.Error().Err(err).Msg("ошибка чтения задачи из очереди")
			continue
		}
		processJob(ctx, logger, composer, dispatcher, job, cfg.Feed.PageSize)
	}
}

// processJob доставляет одну плановую ленту. Кандидаты берутся из подписок
// пользователя; если подписок нет, лента собирается по интересам.
func processJob(ctx context.Context, logger zerolog.Logger, composer *feed.Composer, dispatcher *feed.Dispatcher, job domain.FeedJob, defaultPageSize int) {
	pageSize := job.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	candidates, err := composer.ComposeSubscriptions(ctx, job.UserID)
	if err != nil {
		logger.Error().Err(err).Str("job", job.ID).Int64("user", job.UserID).Msg("не удалось собрать посты подписок")
		return
	}
	if len(candidates) == 0 {
		candidates, err = composer.Compose(ctx, job.UserID, pageSize)
		if err != nil {
			logger.Error().Err(err).Str("job", job.ID).Int64("user", job.UserID).Msg("не удалось собрать ленту")
			return
		}
	}

	delivered, err := dispatcher.Deliver(ctx, job.UserID, job.ChatID, candidates, pageSize)
	if err != nil {
		logger.Error().Err(err).Str("job", job.ID).Int64("user", job.UserID).Msg("доставка ленты прервана")
		return
	}
	logger.Info().Str("job", job.ID).Int64("user", job.UserID).Int("delivered", len(delivered)).Msg("плановая лента доставлена")
}
