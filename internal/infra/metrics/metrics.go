package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	FeedComposeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "feed_compose_seconds",
		Help:    "Время сборки ленты пользователя",
		Buckets: prometheus.DefBuckets,
	})
	FeedDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_delivered_posts_total",
		Help: "Количество постов, доставленных в ленту",
	})
	FeedSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_skipped_posts_total",
		Help: "Количество постов, пропущенных при доставке",
	}, []string{"reason"})
	QuotaDeniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quota_denied_total",
		Help: "Отказы леджера квот из-за исчерпанных балансов",
	})
	QuotaCreditSpendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_credit_spend_total",
		Help: "Показы, профинансированные кредитными счетами администраторов",
	}, []string{"source"})
	RateGovernorWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rate_governor_wait_seconds",
		Help:    "Время ожидания слота исходящего запроса",
		Buckets: []float64{.001, .005, .01, .02, .034, .05, .1, .25, .5, 1},
	})
	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})
	ReactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reactions_total",
		Help: "Принятые реакции по типам",
	}, []string{"kind"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	FeedRequestsByUser = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_requests_by_user_total",
		Help: "Количество запросов ленты по пользователям",
	}, []string{"user_id"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		FeedComposeSeconds,
		FeedDeliveredTotal,
		FeedSkippedTotal,
		QuotaDeniedTotal,
		QuotaCreditSpendTotal,
		RateGovernorWaitSeconds,
		BotSendErrors,
		ReactionsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
		FeedRequestsByUser,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncFeedForUser увеличивает счётчик запросов ленты для пользователя.
func IncFeedForUser(userID int64) {
	FeedRequestsByUser.WithLabelValues(strconv.FormatInt(userID, 10)).Inc()
}

// IncSkipped увеличивает счётчик пропущенных постов по причине.
func IncSkipped(reason string) {
	FeedSkippedTotal.WithLabelValues(reason).Inc()
}
