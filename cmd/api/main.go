package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"tg-feed-bot/internal/adapters/repo"
	"tg-feed-bot/internal/domain"
	"tg-feed-bot/internal/infra/config"
	"tg-feed-bot/internal/infra/db"
	"tg-feed-bot/internal/infra/log"
	"tg-feed-bot/internal/infra/metrics"
	"tg-feed-bot/internal/usecase/quota"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	ledger := quota.NewLedger(repoAdapter, repoAdapter, logger)

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/api/v1/channels/low-balance", func(w http.ResponseWriter, r *http.Request) {
		threshold := cfg.Quota.LowBalanceThreshold
		if raw := r.URL.Query().Get("threshold"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, "threshold must be a non-negative integer")
				return
			}
			threshold = parsed
		}
		channels, err := ledger.ChannelsBelow(r.Context(), threshold)
		if err != nil {
			logger.Error().Err(err).Msg("ошибка выборки каналов с низким балансом")
			writeError(w, http.StatusInternalServerError, "failed to list channels")
			return
		}
		items := make([]map[string]any, 0, len(channels))
		for _, channel := range channels {
			items = append(items, map[string]any{
				"id":                 channel.ID,
				"name":               channel.Name,
				"monthly_views_left": channel.MonthlyViewsLeft,
				"monthly_limit":      channel.MonthlyLimit,
			})
		}
		writeJSON(w, map[string]any{"threshold": threshold, "channels": items})
	})

	r.Get("/api/v1/posts/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		postID, err := parsePostID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid post id")
			return
		}
		post, err := repoAdapter.GetPost(r.Context(), postID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "post not found")
				return
			}
			logger.Error().Err(err).Int64("post", postID).Msg("ошибка чтения поста")
			writeError(w, http.StatusInternalServerError, "failed to read post")
			return
		}
		writeJSON(w, map[string]any{
			"id":       post.ID,
			"channel":  post.ChannelName,
			"views":    post.Views,
			"clicks":   post.Clicks,
			"hearts":   post.Hearts,
			"likes":    post.Likes,
			"dislikes": post.Dislikes,
		})
	})

	r.Post("/api/v1/posts/{id}/click", func(w http.ResponseWriter, r *http.Request) {
		postID, err := parsePostID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid post id")
			return
		}
		if err := repoAdapter.IncrementCounter(r.Context(), postID, domain.ActionClick); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "post not found")
				return
			}
			logger.Error().Err(err).Int64("post", postID).Msg("ошибка учёта перехода")
			writeError(w, http.StatusInternalServerError, "failed to register click")
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("API запущен")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("остановка API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func parsePostID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
