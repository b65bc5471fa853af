package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов ленты.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Amsterdam"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`
		MaxRPS     int    `envconfig:"TG_MAX_RPS" default:"29"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	AMQPURL   string `envconfig:"AMQP_URL"`

	Feed struct {
		PageSize       int           `envconfig:"FEED_PAGE_SIZE" default:"10"`
		CacheRetention time.Duration `envconfig:"FEED_CACHE_RETENTION" default:"1h"`
		SweepInterval  time.Duration `envconfig:"FEED_CACHE_SWEEP_INTERVAL" default:"5m"`
		PassInterval   time.Duration `envconfig:"FEED_PASS_INTERVAL" default:"4h"`
	} `envconfig:""`

	Quota struct {
		LowBalanceThreshold int           `envconfig:"QUOTA_LOW_BALANCE_THRESHOLD" default:"100"`
		AlertInterval       time.Duration `envconfig:"QUOTA_ALERT_INTERVAL" default:"6h"`
	} `envconfig:""`

	Queues struct {
		Feed string `envconfig:"FEED_QUEUE_KEY" default:"feed_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
