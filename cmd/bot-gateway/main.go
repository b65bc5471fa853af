package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-feed-bot/internal/adapters/bot"
	"tg-feed-bot/internal/adapters/repo"
	"tg-feed-bot/internal/adapters/telegram"
	"tg-feed-bot/internal/adapters/viewcache"
	"tg-feed-bot/internal/infra/config"
	"tg-feed-bot/internal/infra/db"
	"tg-feed-bot/internal/infra/log"
	"tg-feed-bot/internal/infra/metrics"
	"tg-feed-bot/internal/usecase/feed"
	"tg-feed-bot/internal/usecase/quota"
	"tg-feed-bot/internal/usecase/ratelimit"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "bot-gateway")

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

	h := bot.NewHandler(messenger, logger, composer, dispatcher, governor, repoAdapter, repoAdapter, repoAdapter, cfg.Feed.PageSize)

	r := chi.NewRouter()
	r.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("бот-гейтвей запущен")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	// С настроенным адресом вебхук регистрируется в Bot API, иначе апдейты
	// читаются длинным опросом.
	if cfg.Telegram.WebhookURL != "" {
		wh, err := tgbotapi.NewWebhook(cfg.Telegram.WebhookURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("некорректный адрес вебхука")
		}
		if _, err := botAPI.Request(wh); err != nil {
			logger.Fatal().Err(err).Msg("не удалось зарегистрировать вебхук")
		}
		logger.Info().Str("url", cfg.Telegram.WebhookURL).Msg("вебхук зарегистрирован")
	} else {
		go func() {
			updCfg := tgbotapi.NewUpdate(0)
			updCfg.Timeout = 30
			updates := botAPI.GetUpdatesChan(updCfg)
			logger.Info().Msg("запущен длинный опрос апдейтов")
			for {
				select {
				case <-ctx.Done():
					return
				case update, ok := <-updates:
					if !ok {
						return
					}
					h.HandleUpdate(ctx, update)
				}
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("остановка бота")
	botAPI.StopReceivingUpdates()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
