package alerts

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"tg-feed-bot/internal/domain"
)

// LowBalanceSource отдаёт каналы с остатком показов ниже порога.
type LowBalanceSource interface {
	ChannelsBelow(ctx context.Context, threshold int) ([]domain.Channel, error)
}

// Service предупреждает администраторов каналов об исчерпании месячного
// баланса показов.
type Service struct {
	ledger    LowBalanceSource
	messenger domain.Messenger
	threshold int
	log       zerolog.Logger
}

// NewService создаёт сервис оповещений.
func NewService(ledger LowBalanceSource, messenger domain.Messenger, threshold int, log zerolog.Logger) *Service {
	return &Service{ledger: ledger, messenger: messenger, threshold: threshold, log: log}
}

// NotifyLowBalances рассылает администраторам каналов предупреждения о низком
// балансе. Сбой отправки одному администратору не прерывает обход остальных.
func (s *Service) NotifyLowBalances(ctx context.Context) error {
	channels, err := s.ledger.ChannelsBelow(ctx, s.threshold)
	if err != nil {
		return fmt.Errorf("каналы с низким балансом: %w", err)
	}
	for _, channel := range channels {
		text := fmt.Sprintf(
			"📊 <b>Уведомление</b>\n\nУ канала <b>%s</b> осталось <b>%d</b> бесплатных показов.\n\nЧтобы посты продолжали появляться в ленте, пополните лимит или подключите премиум.",
			channel.Name, channel.MonthlyViewsLeft,
		)
		for _, adminID := range channel.AdminUserIDs {
			if err := s.messenger.SendWithRetry(ctx, adminID, text, nil); err != nil {
				s.log.Warn().Err(err).Int64("channel", channel.ID).Int64("admin", adminID).Msg("не удалось предупредить администратора")
				continue
			}
		}
	}
	return nil
}
