package domain

import "time"

// User описывает пользователя Telegram в системе.
type User struct {
	ID                 int64
	Username           string
	FirstName          string
	LastName           string
	Locale             string
	Interests          []string
	SubscribedChannels []int64
	LastActive         time.Time
	RegisteredAt       time.Time
}

// Channel описывает канал, из которого бот берёт посты для ленты.
type Channel struct {
	ID               int64
	Name             string
	Link             string
	MonthlyLimit     int
	MonthlyViewsLeft int
	AdminUserIDs     []int64
	CreatedAt        time.Time
}

// CreditAccount хранит платные и реферальные показы администратора канала.
// Пополняется извне (подписка, рефералы); списывается леджером квот,
// когда собственный баланс канала исчерпан.
type CreditAccount struct {
	UserID             int64
	PremiumViews       int
	ReferralBonusViews int
}

// Post представляет сообщение канала с накопленными счётчиками активности.
type Post struct {
	ID          int64
	ChannelID   int64
	TGMsgID     int64
	Interests   string
	PublishedAt time.Time
	ChannelName string
	Views       int
	Clicks      int
	Hearts      int
	Likes       int
	Dislikes    int
	CreatedAt   time.Time
}

// ReactionKind — тип реакции на пост.
type ReactionKind string

const (
	ReactionHeart   ReactionKind = "heart"
	ReactionLike    ReactionKind = "like"
	ReactionDislike ReactionKind = "dislike"
)

// Valid сообщает, известен ли тип реакции.
func (k ReactionKind) Valid() bool {
	switch k {
	case ReactionHeart, ReactionLike, ReactionDislike:
		return true
	}
	return false
}

// PostAction — действие пользователя, увеличивающее счётчик поста.
type PostAction string

const (
	ActionView    PostAction = "view"
	ActionClick   PostAction = "click"
	ActionHeart   PostAction = "heart"
	ActionLike    PostAction = "like"
	ActionDislike PostAction = "dislike"
)
