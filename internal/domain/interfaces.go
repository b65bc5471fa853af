package domain

import (
	"context"
	"time"
)

// PostRepo управляет постами и их счётчиками.
type PostRepo interface {
	GetPost(ctx context.Context, id int64) (Post, error)
	SavePost(ctx context.Context, post Post) error
	// RandomLinked возвращает случайные посты каналов с заполненной ссылкой.
	RandomLinked(ctx context.Context, limit int) ([]Post, error)
	// RecentByInterest возвращает свежие посты, чей тег содержит подстроку
	// интереса без учёта регистра; только каналы с заполненной ссылкой.
	RecentByInterest(ctx context.Context, interest string, limit int) ([]Post, error)
	// RecentByChannels возвращает свежие посты указанных каналов.
	RecentByChannels(ctx context.Context, channelIDs []int64, limit int) ([]Post, error)
	IncrementCounter(ctx context.Context, id int64, action PostAction) error
	DeletePost(ctx context.Context, id int64) error
}

// ChannelRepo управляет каналами и их месячными балансами показов.
type ChannelRepo interface {
	GetChannel(ctx context.Context, id int64) (Channel, error)
	UpsertChannel(ctx context.Context, channel Channel) error
	// ConsumeView атомарно списывает один показ с баланса канала.
	// Возвращает false без ошибки, если баланс исчерпан.
	ConsumeView(ctx context.Context, channelID int64) (bool, error)
	// ResetMonthlyBalances выставляет остаток каждого канала равным потолку.
	ResetMonthlyBalances(ctx context.Context) error
	// ListBelowBalance возвращает каналы с остатком меньше порога.
	ListBelowBalance(ctx context.Context, threshold int) ([]Channel, error)
}

// CreditRepo управляет кредитными счетами администраторов.
type CreditRepo interface {
	GetAccount(ctx context.Context, userID int64) (CreditAccount, error)
	// ConsumePremiumView атомарно списывает один платный показ.
	// Возвращает false без ошибки, если баланс исчерпан.
	ConsumePremiumView(ctx context.Context, userID int64) (bool, error)
	// ConsumeReferralBonus атомарно списывает один реферальный показ.
	ConsumeReferralBonus(ctx context.Context, userID int64) (bool, error)
}

// UserRepo управляет пользователями и их профилями интересов.
type UserRepo interface {
	GetUser(ctx context.Context, id int64) (User, error)
	UpsertUser(ctx context.Context, user User) (User, error)
	ListActive(ctx context.Context, since time.Time) ([]User, error)
	UpdateInterests(ctx context.Context, userID int64, interests []string) error
	AddSubscription(ctx context.Context, userID, channelID int64) error
	RemoveSubscription(ctx context.Context, userID, channelID int64) error
}

// ViewCache хранит показанные посты и реакции пользователя в скользящем окне.
// Чтение никогда не возвращает ошибку пользователю выше по стеку: отсутствующее
// или битое состояние трактуется как пустой кеш.
type ViewCache interface {
	RecordShown(ctx context.Context, userID int64, postIDs []int64) error
	ShownRecently(ctx context.Context, userID int64) (map[int64]struct{}, error)
	RecordReaction(ctx context.Context, userID, postID int64) error
	ReactedRecently(ctx context.Context, userID, postID int64) (bool, error)
	// SweepExpired удаляет просроченные записи и пустые пользовательские ключи.
	SweepExpired(ctx context.Context) error
}

// InlineButton — кнопка под сообщением. Заполняется либо CallbackData, либо URL.
type InlineButton struct {
	Text         string
	CallbackData string
	URL          string
}

// Messenger отправляет сообщения пользователям.
type Messenger interface {
	// Forward пересылает исходное сообщение канала пользователю.
	Forward(ctx context.Context, chatID, fromChannelID, tgMsgID int64) error
	// Send отправляет текст с опциональной inline-клавиатурой.
	Send(ctx context.Context, chatID int64, text string, keyboard [][]InlineButton) error
	// SendWithRetry повторяет отправку с экспоненциальной задержкой
	// при временных сбоях.
	SendWithRetry(ctx context.Context, chatID int64, text string, keyboard [][]InlineButton) error
}
