package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-feed-bot/internal/domain"
	"tg-feed-bot/internal/infra/metrics"
)

const sendRetryMax = 3

// Messenger реализует domain.Messenger поверх Bot API.
type Messenger struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

// NewMessenger создаёт адаптер отправки.
func NewMessenger(bot *tgbotapi.BotAPI, log zerolog.Logger) *Messenger {
	return &Messenger{bot: bot, log: log}
}

var _ domain.Messenger = (*Messenger)(nil)

// Forward пересылает исходное сообщение канала пользователю.
func (m *Messenger) Forward(ctx context.Context, chatID, fromChannelID, tgMsgID int64) error {
	cfg := tgbotapi.NewForward(chatID, fromChannelID, int(tgMsgID))
	start := time.Now()
	_, err := m.bot.Send(cfg)
	metrics.ObserveNetworkRequest("telegram", "forward", "bot_api", start, err)
	if err != nil {
		metrics.BotSendErrors.Inc()
		return &domain.DeliveryError{Op: "forward", SourceMissing: isSourceMissing(err), Err: err}
	}
	return nil
}

// Send отправляет HTML-текст с опциональной inline-клавиатурой, разбивая его
// по лимиту длины сообщения; клавиатура прикрепляется к последней части.
func (m *Messenger) Send(ctx context.Context, chatID int64, text string, keyboard [][]domain.InlineButton) error {
	parts := SplitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		if i == len(parts)-1 && len(keyboard) > 0 {
			markup := buildMarkup(keyboard)
			msg.ReplyMarkup = markup
		}
		start := time.Now()
		_, err := m.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram", "send", "bot_api", start, err)
		if err != nil {
			metrics.BotSendErrors.Inc()
			return &domain.DeliveryError{Op: "send", Err: err}
		}
	}
	return nil
}

// SendWithRetry повторяет отправку с экспоненциальной задержкой при временных
// сбоях. Используется путями рассылки и оповещений, где одиночный сбой не
// должен терять сообщение.
func (m *Messenger) SendWithRetry(ctx context.Context, chatID int64, text string, keyboard [][]domain.InlineButton) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := m.Send(ctx, chatID, text, keyboard)
		if err == nil {
			return nil
		}
		if domain.IsSourceMissing(err) {
			return backoff.Permanent(err)
		}
		m.log.Warn().Err(err).Int64("chat", chatID).Int("attempt", attempt).Msg("повторная отправка сообщения")
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), sendRetryMax), ctx)
	return backoff.Retry(operation, policy)
}

// AnswerCallback закрывает callback-запрос коротким ответом пользователю.
func (m *Messenger) AnswerCallback(callbackID, text string) {
	cb := tgbotapi.NewCallback(callbackID, text)
	if _, err := m.bot.Request(cb); err != nil {
		m.log.Warn().Err(err).Msg("не удалось ответить на callback")
	}
}

// EditMessage перерисовывает текст и клавиатуру существующего сообщения.
func (m *Messenger) EditMessage(ctx context.Context, chatID int64, messageID int, text string, keyboard [][]domain.InlineButton) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeHTML
	if len(keyboard) > 0 {
		markup := buildMarkup(keyboard)
		edit.ReplyMarkup = &markup
	}
	start := time.Now()
	_, err := m.bot.Send(edit)
	metrics.ObserveNetworkRequest("telegram", "edit", "bot_api", start, err)
	if err != nil {
		return &domain.DeliveryError{Op: "edit", Err: err}
	}
	return nil
}

func buildMarkup(keyboard [][]domain.InlineButton) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(keyboard))
	for _, row := range keyboard {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			switch {
			case b.URL != "":
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			default:
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.CallbackData))
			}
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// isSourceMissing распознаёт ответ Bot API об удалённом исходном сообщении.
func isSourceMissing(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "message to forward not found") ||
		strings.Contains(msg, "message_id_invalid")
}
