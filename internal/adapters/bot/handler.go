package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-feed-bot/internal/domain"
	"tg-feed-bot/internal/usecase/feed"
)

// ErrBadCallback возвращается для callback-данных, которые не удалось разобрать.
var ErrBadCallback = errors.New("некорректные callback-данные")

// sender описывает исходящие операции бота, нужные обработчику.
type sender interface {
	Send(ctx context.Context, chatID int64, text string, keyboard [][]domain.InlineButton) error
	AnswerCallback(callbackID, text string)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, keyboard [][]domain.InlineButton) error
}

// Handler обслуживает апдейты бота: команды ленты, реакции и события каналов.
type Handler struct {
	messenger  sender
	log        zerolog.Logger
	composer   *feed.Composer
	dispatcher *feed.Dispatcher
	governor   feed.Throttler
	users      domain.UserRepo
	channels   domain.ChannelRepo
	posts      domain.PostRepo
	pageSize   int
}

// NewHandler создаёт обработчик.
func NewHandler(messenger sender, log zerolog.Logger, composer *feed.Composer, dispatcher *feed.Dispatcher, governor feed.Throttler, users domain.UserRepo, channels domain.ChannelRepo, posts domain.PostRepo, pageSize int) *Handler {
	return &Handler{
		messenger:  messenger,
		log:        log,
		composer:   composer,
		dispatcher: dispatcher,
		governor:   governor,
		users:      users,
		channels:   channels,
		posts:      posts,
		pageSize:   pageSize,
	}
}

// HandleUpdate обрабатывает входящий апдейт. Ошибка одного пользователя никогда
// не прерывает обработку других: всё гасится здесь и превращается в ответ.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	case upd.ChannelPost != nil:
		h.handleChannelPost(ctx, upd.ChannelPost)
	case upd.MyChatMember != nil:
		h.handleMembership(ctx, upd.MyChatMember)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(text, "/start"):
		h.handleStart(ctx, msg)
	case strings.HasPrefix(text, "/help"):
		h.reply(ctx, msg.Chat.ID, h.buildHelpMessage())
	case strings.HasPrefix(text, "/feed"):
		h.handleFeed(ctx, msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/interests"):
		h.handleInterests(ctx, msg.Chat.ID, msg.From.ID)
	default:
		h.reply(ctx, msg.Chat.ID, "Неизвестная команда. Используйте /help")
	}
}

func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	user := domain.User{
		ID:        msg.From.ID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
		LastName:  msg.From.LastName,
		Locale:    msg.From.LanguageCode,
	}
	if _, err := h.users.UpsertUser(ctx, user); err != nil {
		h.log.Error().Err(err).Int64("user", msg.From.ID).Msg("не удалось сохранить профиль")
		h.reply(ctx, msg.Chat.ID, "Ошибка сохранения профиля. Попробуйте позже")
		return
	}
	h.reply(ctx, msg.Chat.ID, "Привет! Команда /feed покажет ленту постов из каналов по вашим интересам.")
}

func (h *Handler) handleFeed(ctx context.Context, chatID, userID int64) {
	candidates, err := h.composer.Compose(ctx, userID, h.pageSize)
	if err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("не удалось собрать ленту")
		h.reply(ctx, chatID, "Произошла ошибка при загрузке ленты.")
		return
	}

	delivered, err := h.dispatcher.Deliver(ctx, userID, chatID, candidates, h.pageSize)
	if err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("доставка ленты прервана")
		return
	}
	if len(delivered) == 0 {
		h.reply(ctx, chatID, "Нет новых постов для ленты.")
		return
	}

	if err := h.governor.Throttle(ctx); err != nil {
		return
	}
	if err := h.messenger.Send(ctx, chatID, "⬇️", feed.MoreKeyboard()); err != nil {
		h.log.Warn().Err(err).Int64("user", userID).Msg("не удалось отправить кнопку дозагрузки")
	}
}

func (h *Handler) handleInterests(ctx context.Context, chatID, userID int64) {
	user, err := h.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.reply(ctx, chatID, "Сначала отправьте /start")
			return
		}
		h.log.Error().Err(err).Int64("user", userID).Msg("не удалось получить профиль")
		h.reply(ctx, chatID, "Произошла ошибка. Попробуйте позже")
		return
	}
	if len(user.Interests) == 0 {
		h.reply(ctx, chatID, "Интересы пока не заданы: лента собирается случайно.")
		return
	}
	h.reply(ctx, chatID, "Ваши интересы: "+strings.Join(user.Interests, ", "))
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil {
		return
	}
	data := strings.TrimSpace(cb.Data)
	switch {
	case data == feed.MoreCallback:
		h.messenger.AnswerCallback(cb.ID, "")
		if cb.Message != nil {
			h.handleFeed(ctx, cb.Message.Chat.ID, cb.From.ID)
		}
	case strings.HasPrefix(data, "reaction:"):
		h.handleReaction(ctx, cb)
	default:
		h.messenger.AnswerCallback(cb.ID, "⚠️ Неизвестное действие.")
	}
}

func (h *Handler) handleReaction(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	postID, kind, err := ParseReactionCallback(cb.Data)
	if err != nil {
		h.messenger.AnswerCallback(cb.ID, "⚠️ Некорректная реакция.")
		return
	}

	post, err := h.dispatcher.ApplyReaction(ctx, cb.From.ID, postID, kind)
	switch {
	case errors.Is(err, feed.ErrAlreadyReacted):
		h.messenger.AnswerCallback(cb.ID, "⏳ Вы уже голосовали за этот пост недавно.")
		return
	case errors.Is(err, feed.ErrUnknownReaction):
		h.messenger.AnswerCallback(cb.ID, "⚠️ Неизвестный тип реакции.")
		return
	case err != nil:
		h.log.Error().Err(err).Int64("user", cb.From.ID).Int64("post", postID).Msg("ошибка обработки реакции")
		h.messenger.AnswerCallback(cb.ID, "Произошла ошибка при обработке.")
		return
	}

	if cb.Message != nil {
		if err := h.governor.Throttle(ctx); err != nil {
			return
		}
		if err := h.messenger.EditMessage(ctx, cb.Message.Chat.ID, cb.Message.MessageID, feed.StatsText(post), feed.ReactionKeyboard(post)); err != nil {
			h.log.Warn().Err(err).Int64("post", postID).Msg("не удалось перерисовать статистику поста")
		}
	}
	h.messenger.AnswerCallback(cb.ID, "✅ Реакция учтена!")
}

// handleChannelPost сохраняет новый пост отслеживаемого канала.
func (h *Handler) handleChannelPost(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	post := domain.Post{
		ChannelID:   msg.Chat.ID,
		TGMsgID:     int64(msg.MessageID),
		PublishedAt: time.Unix(int64(msg.Date), 0).UTC(),
		ChannelName: msg.Chat.Title,
	}
	if err := h.posts.SavePost(ctx, post); err != nil {
		h.log.Error().Err(err).Int64("channel", msg.Chat.ID).Int("message", msg.MessageID).Msg("не удалось сохранить пост канала")
		return
	}
	h.log.Info().Int64("channel", msg.Chat.ID).Int("message", msg.MessageID).Msg("сохранён пост канала")
}

// handleMembership регистрирует канал, когда бота добавляют в администраторы.
func (h *Handler) handleMembership(ctx context.Context, upd *tgbotapi.ChatMemberUpdated) {
	status := upd.NewChatMember.Status
	if status != "administrator" && status != "member" {
		return
	}
	link := ""
	if upd.Chat.UserName != "" {
		link = "https://t.me/" + upd.Chat.UserName
	}
	channel := domain.Channel{
		ID:   upd.Chat.ID,
		Name: upd.Chat.Title,
		Link: link,
	}
	if err := h.channels.UpsertChannel(ctx, channel); err != nil {
		h.log.Error().Err(err).Int64("channel", upd.Chat.ID).Msg("не удалось сохранить канал")
		return
	}
	h.log.Info().Int64("channel", upd.Chat.ID).Str("title", upd.Chat.Title).Msg("бот добавлен в канал")
}

// reply отправляет короткий текстовый ответ. Как и любой исходящий запрос,
// проходит через ограничитель частоты.
func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if err := h.governor.Throttle(ctx); err != nil {
		return
	}
	if err := h.messenger.Send(ctx, chatID, text, nil); err != nil {
		h.log.Warn().Err(err).Int64("chat", chatID).Msg("не удалось отправить ответ")
	}
}

func (h *Handler) buildHelpMessage() string {
	return strings.Join([]string{
		"Доступные команды:",
		"/feed — показать ленту постов",
		"/interests — показать текущие интересы",
		"/help — эта справка",
	}, "\n")
}

// ParseReactionCallback разбирает callback-данные кнопки реакции формата
// reaction:<post_id>:<kind>.
func ParseReactionCallback(data string) (int64, domain.ReactionKind, error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) != 3 || parts[0] != "reaction" {
		return 0, "", ErrBadCallback
	}
	postID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || postID <= 0 {
		return 0, "", fmt.Errorf("%w: %q", ErrBadCallback, data)
	}
	kind := domain.ReactionKind(parts[2])
	if !kind.Valid() {
		return 0, "", fmt.Errorf("%w: %q", ErrBadCallback, data)
	}
	return postID, kind, nil
}
