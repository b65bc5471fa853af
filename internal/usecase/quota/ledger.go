package quota

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"tg-feed-bot/internal/domain"
	"tg-feed-bot/internal/infra/metrics"
)

// Ledger решает, чем финансируется показ поста: месячным балансом канала или
// кредитными счетами его администраторов. Каждое списание выполняется одиночным
// атомарным условным декрементом в хранилище, поэтому два конкурентных показа
// не могут потратить одну и ту же последнюю единицу баланса.
type Ledger struct {
	channels domain.ChannelRepo
	credits  domain.CreditRepo
	log      zerolog.Logger
}

// NewLedger создаёт леджер квот.
func NewLedger(channels domain.ChannelRepo, credits domain.CreditRepo, log zerolog.Logger) *Ledger {
	return &Ledger{channels: channels, credits: credits, log: log}
}

// TryConsume пытается профинансировать один показ поста канала.
// Порядок источников: баланс канала, затем для каждого администратора по порядку
// платные показы, затем реферальные. Возвращает false без ошибки, если ни один
// источник не найден.
func (l *Ledger) TryConsume(ctx context.Context, channelID int64, adminIDs []int64) (bool, error) {
	ok, err := l.channels.ConsumeView(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("списание с баланса канала: %w", err)
	}
	if ok {
		return true, nil
	}

	for _, adminID := range adminIDs {
		ok, err := l.credits.ConsumePremiumView(ctx, adminID)
		if err != nil {
			return false, fmt.Errorf("списание платных показов: %w", err)
		}
		if ok {
			metrics.QuotaCreditSpendTotal.WithLabelValues("premium").Inc()
			return true, nil
		}
		ok, err = l.credits.ConsumeReferralBonus(ctx, adminID)
		if err != nil {
			return false, fmt.Errorf("списание реферальных показов: %w", err)
		}
		if ok {
			metrics.QuotaCreditSpendTotal.WithLabelValues("referral").Inc()
			return true, nil
		}
	}

	metrics.QuotaDeniedTotal.Inc()
	l.log.Debug().Int64("channel", channelID).Msg("показ не профинансирован: балансы исчерпаны")
	return false, nil
}

// ResetAllChannelBalances выставляет остаток каждого канала равным потолку.
// Вызывается планировщиком на границе месяца; повторный вызов идемпотентен.
func (l *Ledger) ResetAllChannelBalances(ctx context.Context) error {
	if err := l.channels.ResetMonthlyBalances(ctx); err != nil {
		return fmt.Errorf("сброс месячных балансов: %w", err)
	}
	l.log.Info().Msg("месячные балансы каналов сброшены")
	return nil
}

// ChannelsBelow возвращает каналы с остатком меньше порога. Только чтение,
// используется внешним нотификатором для предупреждения администраторов.
func (l *Ledger) ChannelsBelow(ctx context.Context, threshold int) ([]domain.Channel, error) {
	channels, err := l.channels.ListBelowBalance(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("выборка каналов с низким балансом: %w", err)
	}
	return channels, nil
}
