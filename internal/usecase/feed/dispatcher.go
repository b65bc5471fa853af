package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"tg-feed-bot/internal/domain"
	"tg-feed-bot/internal/infra/metrics"
)

// ErrAlreadyReacted возвращается, если пользователь уже голосовал за пост
// в пределах окна удержания кеша.
var ErrAlreadyReacted = errors.New("реакция уже учтена")

// ErrUnknownReaction возвращается для неизвестного типа реакции.
var ErrUnknownReaction = errors.New("неизвестный тип реакции")

// QuotaGate решает, можно ли профинансировать показ поста канала.
type QuotaGate interface {
	TryConsume(ctx context.Context, channelID int64, adminIDs []int64) (bool, error)
}

// Throttler выдерживает паузу перед исходящим запросом.
type Throttler interface {
	Throttle(ctx context.Context) error
}

// Dispatcher доставляет кандидатов ленты пользователю: фильтрует по кешу
// показов, пропускает через леджер квот, шлёт через ограничитель частоты
// и фиксирует результаты.
type Dispatcher struct {
	posts     domain.PostRepo
	channels  domain.ChannelRepo
	quota     QuotaGate
	cache     domain.ViewCache
	messenger domain.Messenger
	governor  Throttler
	log       zerolog.Logger
}

// NewDispatcher создаёт диспетчер доставки ленты.
func NewDispatcher(posts domain.PostRepo, channels domain.ChannelRepo, quota QuotaGate, cache domain.ViewCache, messenger domain.Messenger, governor Throttler, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		posts:     posts,
		channels:  channels,
		quota:     quota,
		cache:     cache,
		messenger: messenger,
		governor:  governor,
		log:       log,
	}
}

// Deliver отправляет пользователю кандидатов по порядку и возвращает реально
// доставленные посты. Кандидат пропускается, если он недавно показывался, если
// леджер квот отказал или если отправка не удалась; пустой результат — штатный
// исход. При limit > 0 доставка останавливается после limit постов.
// Отмена контекста прерывает проход; уже доставленные кандидаты к этому моменту
// полностью отражены в балансах и счётчиках.
func (d *Dispatcher) Deliver(ctx context.Context, userID, chatID int64, candidates []domain.Post, limit int) ([]domain.Post, error) {
	shown, err := d.cache.ShownRecently(ctx, userID)
	if err != nil {
		// Кеш читается fail-open: без него лента просто может повториться.
		d.log.Warn().Err(err).Int64("user", userID).Msg("кеш показов недоступен")
		shown = nil
	}

	delivered := make([]domain.Post, 0, len(candidates))
	for _, post := range candidates {
		if limit > 0 && len(delivered) >= limit {
			break
		}
		if _, ok := shown[post.ID]; ok {
			metrics.IncSkipped("cached")
			continue
		}

		channel, err := d.channels.GetChannel(ctx, post.ChannelID)
		if err != nil {
			d.log.Warn().Err(err).Int64("post", post.ID).Int64("channel", post.ChannelID).Msg("канал поста недоступен")
			metrics.IncSkipped("channel")
			continue
		}
		allowed, err := d.quota.TryConsume(ctx, channel.ID, channel.AdminUserIDs)
		if err != nil {
			d.log.Error().Err(err).Int64("post", post.ID).Int64("channel", channel.ID).Msg("ошибка леджера квот")
			metrics.IncSkipped("quota_error")
			continue
		}
		if !allowed {
			d.log.Info().Int64("post", post.ID).Int64("channel", channel.ID).Msg("пост не показан: нет лимитов")
			metrics.IncSkipped("quota")
			continue
		}

		if err := d.governor.Throttle(ctx); err != nil {
			d.recordShown(ctx, userID, delivered)
			return delivered, err
		}
		if err := d.messenger.Forward(ctx, chatID, post.ChannelID, post.TGMsgID); err != nil {
			if domain.IsSourceMissing(err) {
				// Исходное сообщение удалено из канала: чистим пост, чтобы
				// он не падал на каждом следующем проходе.
				if delErr := d.posts.DeletePost(ctx, post.ID); delErr != nil {
					d.log.Error().Err(delErr).Int64("post", post.ID).Msg("не удалось удалить потерянный пост")
				} else {
					d.log.Info().Int64("post", post.ID).Msg("пост удалён: исходное сообщение не найдено")
				}
			} else {
				d.log.Warn().Err(err).Int64("post", post.ID).Msg("ошибка пересылки поста")
			}
			metrics.IncSkipped("forward")
			continue
		}

		if err := d.governor.Throttle(ctx); err != nil {
			d.recordShown(ctx, userID, delivered)
			return delivered, err
		}
		if err := d.messenger.Send(ctx, chatID, statsText(post), reactionKeyboard(post)); err != nil {
			d.log.Warn().Err(err).Int64("post", post.ID).Msg("ошибка отправки статистики поста")
			metrics.IncSkipped("stats")
			continue
		}

		if err := d.posts.IncrementCounter(ctx, post.ID, domain.ActionView); err != nil {
			d.log.Warn().Err(err).Int64("post", post.ID).Msg("не удалось увеличить счётчик просмотров")
		}
		delivered = append(delivered, post)
		metrics.FeedDeliveredTotal.Inc()
	}

	d.recordShown(ctx, userID, delivered)
	return delivered, nil
}

// recordShown фиксирует доставленные посты в кеше показов. Запись выполняется
// и при отмене прохода: уже доставленные посты должны попасть в окно, иначе
// следующий проход покажет их повторно и спишет квоту ещё раз.
func (d *Dispatcher) recordShown(ctx context.Context, userID int64, delivered []domain.Post) {
	if len(delivered) == 0 {
		return
	}
	ids := make([]int64, 0, len(delivered))
	for _, post := range delivered {
		ids = append(ids, post.ID)
	}
	if err := d.cache.RecordShown(context.WithoutCancel(ctx), userID, ids); err != nil {
		d.log.Warn().Err(err).Int64("user", userID).Msg("не удалось записать показы в кеш")
	}
}

// ApplyReaction учитывает реакцию пользователя на пост и возвращает пост с
// обновлёнными счётчиками. Повторная реакция в пределах окна удержания
// отклоняется без изменения счётчиков.
func (d *Dispatcher) ApplyReaction(ctx context.Context, userID, postID int64, kind domain.ReactionKind) (domain.Post, error) {
	if !kind.Valid() {
		return domain.Post{}, ErrUnknownReaction
	}

	reacted, err := d.cache.ReactedRecently(ctx, userID, postID)
	if err != nil {
		d.log.Warn().Err(err).Int64("user", userID).Int64("post", postID).Msg("кеш реакций недоступен")
	}
	if reacted {
		return domain.Post{}, ErrAlreadyReacted
	}

	if err := d.posts.IncrementCounter(ctx, postID, domain.PostAction(kind)); err != nil {
		return domain.Post{}, fmt.Errorf("обновление счётчика реакции: %w", err)
	}
	if err := d.cache.RecordReaction(ctx, userID, postID); err != nil {
		d.log.Warn().Err(err).Int64("user", userID).Int64("post", postID).Msg("не удалось записать реакцию в кеш")
	}
	metrics.ReactionsTotal.WithLabelValues(string(kind)).Inc()

	post, err := d.posts.GetPost(ctx, postID)
	if err != nil {
		return domain.Post{}, fmt.Errorf("чтение поста после реакции: %w", err)
	}
	return post, nil
}

// RecordClick фиксирует переход по посту.
func (d *Dispatcher) RecordClick(ctx context.Context, postID int64) error {
	if err := d.posts.IncrementCounter(ctx, postID, domain.ActionClick); err != nil {
		return fmt.Errorf("обновление счётчика переходов: %w", err)
	}
	return nil
}
