package feed

import (
	"fmt"
	"strconv"
	"strings"

	"tg-feed-bot/internal/domain"
)

// MoreCallback — callback-данные кнопки дозагрузки ленты.
const MoreCallback = "more_feed_posts"

// statsText строит сообщение со ссылкой на канал и счётчиками реакций,
// которое следует за пересланным постом.
func statsText(post domain.Post) string {
	return fmt.Sprintf(
		"⬆️ <a href='https://t.me/c/%s'>Перейти в канал</a>\n❤️ %d  👍 %d  👎 %d",
		shortChannelID(post.ChannelID), post.Hearts, post.Likes, post.Dislikes,
	)
}

// StatsText — открытая версия для перерисовки сообщения после реакции.
func StatsText(post domain.Post) string {
	return statsText(post)
}

// reactionKeyboard собирает кнопки реакций и ссылку на обсуждение поста.
func reactionKeyboard(post domain.Post) [][]domain.InlineButton {
	return [][]domain.InlineButton{{
		{Text: "❤️", CallbackData: fmt.Sprintf("reaction:%d:heart", post.ID)},
		{Text: "👍", CallbackData: fmt.Sprintf("reaction:%d:like", post.ID)},
		{Text: "👎", CallbackData: fmt.Sprintf("reaction:%d:dislike", post.ID)},
		{Text: "💬 Комментировать", URL: fmt.Sprintf("https://t.me/c/%s/%d", shortChannelID(post.ChannelID), post.TGMsgID)},
	}}
}

// ReactionKeyboard — открытая версия для обработчика реакций.
func ReactionKeyboard(post domain.Post) [][]domain.InlineButton {
	return reactionKeyboard(post)
}

// MoreKeyboard — клавиатура с кнопкой дозагрузки следующей порции ленты.
func MoreKeyboard() [][]domain.InlineButton {
	return [][]domain.InlineButton{{
		{Text: "➕ Ещё", CallbackData: MoreCallback},
	}}
}

// shortChannelID переводит внутренний идентификатор канала в форму ссылок
// t.me/c/: супергруппы и каналы имеют префикс -100.
func shortChannelID(channelID int64) string {
	s := strconv.FormatInt(channelID, 10)
	if strings.HasPrefix(s, "-100") {
		return s[4:]
	}
	return strings.TrimPrefix(s, "-")
}
