package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
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
	"tg-feed-bot/internal/usecase/alerts"
	"tg-feed-bot/internal/usecase/quota"
)

// activityWindow ограничивает плановую рассылку пользователями, заходившими
// в бота за последние сутки.
const activityWindow = 24 * time.Hour

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "scheduler")

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
	ledger := quota.NewLedger(repoAdapter, repoAdapter, logger)

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

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	messenger := telegram.NewMessenger(botAPI, logger)
	alertService := alerts.NewService(ledger, messenger, cfg.Quota.LowBalanceThreshold, logger)

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	passTicker := time.NewTicker(cfg.Feed.PassInterval)
	defer passTicker.Stop()
	sweepTicker := time.NewTicker(cfg.Feed.SweepInterval)
	defer sweepTicker.Stop()
	resetTicker := time.NewTicker(time.Hour)
	defer resetTicker.Stop()
	alertTicker := time.NewTicker(cfg.Quota.AlertInterval)
	defer alertTicker.Stop()

	lastResetMonth := time.Now().UTC().Month()
	logger.Info().Msg("планировщик запущен")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("остановка планировщика")
			return

		case <-passTicker.C:
			enqueueFeedPass(ctx, logger, repoAdapter, feedQueue, cfg.Feed.PageSize)

		case <-sweepTicker.C:
			if err := cache.SweepExpired(ctx); err != nil {
				logger.Error().Err(err).Msg("ошибка очистки кеша показов")
			}

		case now := <-resetTicker.C:
			month := now.UTC().Month()
			if month != lastResetMonth {
				if err := ledger.ResetAllChannelBalances(ctx); err != nil {
					logger.Error().Err(err).Msg("ошибка сброса месячных балансов")
					continue
				}
				lastResetMonth = month
			}

		case <-alertTicker.C:
			if err := alertService.NotifyLowBalances(ctx); err != nil {
				logger.Error().Err(err).Msg("ошибка рассылки предупреждений о балансе")
			}
		}
	}
}

// enqueueFeedPass ставит задачу доставки ленты каждому активному пользователю.
func enqueueFeedPass(ctx context.Context, logger zerolog.Logger, users domain.UserRepo, feedQueue domain.FeedQueue, pageSize int) {
	active, err := users.ListActive(ctx, time.Now().Add(-activityWindow))
	if err != nil {
		logger.Error().Err(err).Msg("ошибка выборки активных пользователей")
		return
	}
	for _, user := range active {
		job := domain.FeedJob{
			ID:          uuid.NewString(),
			UserID:      user.ID,
			ChatID:      user.ID,
			PageSize:    pageSize,
			RequestedAt: time.Now().UTC(),
			Cause:       domain.FeedCauseScheduled,
		}
		if err := feedQueue.Enqueue(ctx, job); err != nil {
			logger.Error().Err(err).Int64("user", user.ID).Msg("не удалось поставить задачу ленты")
		}
	}
	logger.Info().Int("users", len(active)).Msg("плановый проход ленты поставлен в очередь")
}
