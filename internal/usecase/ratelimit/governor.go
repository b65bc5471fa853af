package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-feed-bot/internal/infra/metrics"
)

// DefaultMaxRPS — потолок Telegram Bot API с запасом.
const DefaultMaxRPS = 29

// Governor ограничивает частоту исходящих запросов к Telegram API.
// Один экземпляр делится всеми путями отправки; между двумя последовательными
// возвратами Throttle проходит не меньше 1/maxRPS секунды.
type Governor struct {
	interval time.Duration
	log      zerolog.Logger

	mu          sync.Mutex
	lastGranted time.Time
}

// NewGovernor создаёт ограничитель на указанное число запросов в секунду.
func NewGovernor(maxRPS int, log zerolog.Logger) *Governor {
	if maxRPS <= 0 {
		maxRPS = DefaultMaxRPS
	}
	return &Governor{
		interval: time.Second / time.Duration(maxRPS),
		log:      log,
	}
}

// Throttle блокирует вызывающего до момента, когда можно выпустить следующий
// запрос. Конкурирующие вызовы выстраиваются на мьютексе и пробуждаются по
// одному, поэтому минимальный интервал соблюдается для всех путей отправки.
func (g *Governor) Throttle(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	wait := g.interval - time.Since(g.lastGranted)
	if !g.lastGranted.IsZero() && wait > 0 {
		if wait > g.interval*4/5 {
			g.log.Warn().Dur("wait", wait).Msg("лимит запросов почти исчерпан")
		}
		metrics.RateGovernorWaitSeconds.Observe(wait.Seconds())
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	g.lastGranted = time.Now()
	return nil
}
