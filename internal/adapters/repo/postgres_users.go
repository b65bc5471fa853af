package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-feed-bot/internal/domain"
	"tg-feed-bot/internal/infra/metrics"
)

const userColumns = `user_id, username, first_name, last_name, language_code,
COALESCE(interests, '{}'), COALESCE(subscribed_channels, '{}'), last_active, registration_date`

func scanUser(row pgx.Row) (domain.User, error) {
	var user domain.User
	var username, firstName, lastName, locale sql.NullString
	err := row.Scan(&user.ID, &username, &firstName, &lastName, &locale,
		&user.Interests, &user.SubscribedChannels, &user.LastActive, &user.RegisteredAt)
	if username.Valid {
		user.Username = username.String
	}
	if firstName.Valid {
		user.FirstName = firstName.String
	}
	if lastName.Valid {
		user.LastName = lastName.String
	}
	if locale.Valid {
		user.Locale = locale.String
	}
	return user, err
}

// GetUser возвращает пользователя по Telegram ID.
func (p *Postgres) GetUser(ctx context.Context, id int64) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	user, err := scanUser(p.pool.QueryRow(ctx, `
SELECT `+userColumns+` FROM users WHERE user_id=$1
`, id))
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	return user, err
}

// UpsertUser создаёт пользователя или обновляет его профиль и активность.
func (p *Postgres) UpsertUser(ctx context.Context, user domain.User) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	saved, err := scanUser(p.pool.QueryRow(ctx, `
INSERT INTO users (user_id, username, first_name, last_name, language_code)
VALUES ($1, NULLIF($2,''), NULLIF($3,''), NULLIF($4,''), NULLIF($5,''))
ON CONFLICT (user_id) DO UPDATE SET
	username = EXCLUDED.username,
	first_name = EXCLUDED.first_name,
	last_name = EXCLUDED.last_name,
	language_code = EXCLUDED.language_code,
	last_active = now()
RETURNING `+userColumns+`
`, user.ID, user.Username, user.FirstName, user.LastName, user.Locale))
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	return saved, err
}

// ListActive возвращает пользователей, проявлявших активность после since.
func (p *Postgres) ListActive(ctx context.Context, since time.Time) ([]domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+userColumns+` FROM users WHERE last_active >= $1
`, since)
	metrics.ObserveNetworkRequest("postgres", "users_list_active", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpdateInterests перезаписывает профиль интересов пользователя.
func (p *Postgres) UpdateInterests(ctx context.Context, userID int64, interests []string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE users SET interests=$2 WHERE user_id=$1`, userID, interests)
	metrics.ObserveNetworkRequest("postgres", "users_update_interests", "users", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AddSubscription добавляет канал в подписки пользователя, без дубликатов.
func (p *Postgres) AddSubscription(ctx context.Context, userID, channelID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE users SET subscribed_channels = array_append(COALESCE(subscribed_channels,'{}'), $2)
WHERE user_id=$1 AND NOT ($2 = ANY(COALESCE(subscribed_channels,'{}')))
`, userID, channelID)
	metrics.ObserveNetworkRequest("postgres", "users_add_subscription", "users", start, err)
	return err
}

// RemoveSubscription убирает канал из подписок пользователя.
func (p *Postgres) RemoveSubscription(ctx context.Context, userID, channelID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE users SET subscribed_channels = array_remove(COALESCE(subscribed_channels,'{}'), $2)
WHERE user_id=$1
`, userID, channelID)
	metrics.ObserveNetworkRequest("postgres", "users_remove_subscription", "users", start, err)
	return err
}

// GetAccount возвращает кредитный счёт администратора.
func (p *Postgres) GetAccount(ctx context.Context, userID int64) (domain.CreditAccount, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var account domain.CreditAccount
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT user_id, premium_views, referral_bonus_views FROM premium_users WHERE user_id=$1
`, userID).Scan(&account.UserID, &account.PremiumViews, &account.ReferralBonusViews)
	metrics.ObserveNetworkRequest("postgres", "credits_get", "premium_users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CreditAccount{}, domain.ErrNotFound
	}
	return account, err
}

// ConsumePremiumView атомарно списывает один платный показ администратора.
func (p *Postgres) ConsumePremiumView(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE premium_users SET premium_views = premium_views - 1
WHERE user_id=$1 AND premium_views > 0
`, userID)
	metrics.ObserveNetworkRequest("postgres", "credits_consume_premium", "premium_users", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ConsumeReferralBonus атомарно списывает один реферальный показ.
func (p *Postgres) ConsumeReferralBonus(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE premium_users SET referral_bonus_views = referral_bonus_views - 1
WHERE user_id=$1 AND referral_bonus_views > 0
`, userID)
	metrics.ObserveNetworkRequest("postgres", "credits_consume_referral", "premium_users", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
