package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-feed-bot/internal/domain"
	"tg-feed-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.PostRepo    = (*Postgres)(nil)
	_ domain.ChannelRepo = (*Postgres)(nil)
	_ domain.CreditRepo  = (*Postgres)(nil)
	_ domain.UserRepo    = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const postColumns = `id, channel_id, message_id, COALESCE(interests,''), date, COALESCE(channel_name,''),
views_count, clicks_count, reactions_count_heart, reactions_count_like, reactions_count_dislike, created_at`

func scanPost(row pgx.Row) (domain.Post, error) {
	var post domain.Post
	err := row.Scan(&post.ID, &post.ChannelID, &post.TGMsgID, &post.Interests, &post.PublishedAt,
		&post.ChannelName, &post.Views, &post.Clicks, &post.Hearts, &post.Likes, &post.Dislikes, &post.CreatedAt)
	return post, err
}

func (p *Postgres) queryPosts(ctx context.Context, operation, query string, args ...any) ([]domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", operation, "posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// GetPost возвращает пост по идентификатору.
func (p *Postgres) GetPost(ctx context.Context, id int64) (domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	post, err := scanPost(p.pool.QueryRow(ctx, `
SELECT `+postColumns+` FROM posts WHERE id=$1
`, id))
	metrics.ObserveNetworkRequest("postgres", "posts_get_by_id", "posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, domain.ErrNotFound
	}
	return post, err
}

// SavePost сохраняет новый пост канала; дубликат пары (канал, сообщение)
// молча игнорируется.
func (p *Postgres) SavePost(ctx context.Context, post domain.Post) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO posts (channel_id, message_id, interests, date, channel_name)
VALUES ($1, $2, NULLIF($3,''), $4, NULLIF($5,''))
ON CONFLICT (channel_id, message_id) DO NOTHING
`, post.ChannelID, post.TGMsgID, post.Interests, post.PublishedAt, post.ChannelName)
	metrics.ObserveNetworkRequest("postgres", "posts_insert", "posts", start, err)
	return err
}

// RandomLinked возвращает случайные посты каналов с заполненной ссылкой.
func (p *Postgres) RandomLinked(ctx context.Context, limit int) ([]domain.Post, error) {
	return p.queryPosts(ctx, "posts_random_linked", `
SELECT `+qualifiedPostColumns+`
FROM posts
JOIN channels ON posts.channel_id = channels.channel_id
WHERE channels.channel_link IS NOT NULL
ORDER BY random()
LIMIT $1
`, limit)
}

// RecentByInterest возвращает свежие посты, чей тег содержит подстроку
// интереса без учёта регистра.
func (p *Postgres) RecentByInterest(ctx context.Context, interest string, limit int) ([]domain.Post, error) {
	return p.queryPosts(ctx, "posts_by_interest", `
SELECT `+qualifiedPostColumns+`
FROM posts
JOIN channels ON posts.channel_id = channels.channel_id
WHERE posts.interests ILIKE $1
AND channels.channel_link IS NOT NULL
ORDER BY posts.date DESC
LIMIT $2
`, "%"+interest+"%", limit)
}

// RecentByChannels возвращает свежие посты указанных каналов.
func (p *Postgres) RecentByChannels(ctx context.Context, channelIDs []int64, limit int) ([]domain.Post, error) {
	return p.queryPosts(ctx, "posts_by_channels", `
SELECT `+postColumns+`
FROM posts
WHERE channel_id = ANY($1)
ORDER BY id DESC
LIMIT $2
`, channelIDs, limit)
}

const qualifiedPostColumns = `posts.id, posts.channel_id, posts.message_id, COALESCE(posts.interests,''),
posts.date, COALESCE(posts.channel_name,''), posts.views_count, posts.clicks_count,
posts.reactions_count_heart, posts.reactions_count_like, posts.reactions_count_dislike, posts.created_at`

var counterColumns = map[domain.PostAction]string{
	domain.ActionView:    "views_count",
	domain.ActionClick:   "clicks_count",
	domain.ActionHeart:   "reactions_count_heart",
	domain.ActionLike:    "reactions_count_like",
	domain.ActionDislike: "reactions_count_dislike",
}

// IncrementCounter увеличивает счётчик поста для указанного действия.
func (p *Postgres) IncrementCounter(ctx context.Context, id int64, action domain.PostAction) error {
	column, ok := counterColumns[action]
	if !ok {
		return fmt.Errorf("неизвестное действие %q", action)
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE posts SET `+column+` = `+column+` + 1 WHERE id=$1`, id)
	metrics.ObserveNetworkRequest("postgres", "posts_increment_"+string(action), "posts", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeletePost удаляет пост по идентификатору.
func (p *Postgres) DeletePost(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM posts WHERE id=$1`, id)
	metrics.ObserveNetworkRequest("postgres", "posts_delete", "posts", start, err)
	return err
}

const channelColumns = `channel_id, channel_name, channel_link, monthly_limit, monthly_views_left,
COALESCE(admin_user_ids, '{}'), creation_date`

func scanChannel(row pgx.Row) (domain.Channel, error) {
	var channel domain.Channel
	var link sql.NullString
	err := row.Scan(&channel.ID, &channel.Name, &link, &channel.MonthlyLimit,
		&channel.MonthlyViewsLeft, &channel.AdminUserIDs, &channel.CreatedAt)
	if link.Valid {
		channel.Link = link.String
	}
	return channel, err
}

// GetChannel реализует domain.ChannelRepo.
func (p *Postgres) GetChannel(ctx context.Context, id int64) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	channel, err := scanChannel(p.pool.QueryRow(ctx, `
SELECT `+channelColumns+` FROM channels WHERE channel_id=$1
`, id))
	metrics.ObserveNetworkRequest("postgres", "channels_get_by_id", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrNotFound
	}
	return channel, err
}

// UpsertChannel создаёт канал или обновляет его имя и ссылку.
func (p *Postgres) UpsertChannel(ctx context.Context, channel domain.Channel) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO channels (channel_id, channel_name, channel_link)
VALUES ($1, $2, NULLIF($3,''))
ON CONFLICT (channel_id) DO UPDATE SET channel_name = EXCLUDED.channel_name, channel_link = EXCLUDED.channel_link
`, channel.ID, channel.Name, channel.Link)
	metrics.ObserveNetworkRequest("postgres", "channels_upsert", "channels", start, err)
	return err
}

// ConsumeView атомарно списывает один показ с баланса канала. Условный
// декремент гарантирует, что баланс не уходит в минус даже при конкурентных
// показах.
func (p *Postgres) ConsumeView(ctx context.Context, channelID int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE channels SET monthly_views_left = monthly_views_left - 1
WHERE channel_id=$1 AND monthly_views_left > 0
`, channelID)
	metrics.ObserveNetworkRequest("postgres", "channels_consume_view", "channels", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ResetMonthlyBalances выставляет остаток каждого канала равным потолку.
func (p *Postgres) ResetMonthlyBalances(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE channels SET monthly_views_left = monthly_limit`)
	metrics.ObserveNetworkRequest("postgres", "channels_reset_balances", "channels", start, err)
	return err
}

// ListBelowBalance возвращает каналы с остатком меньше порога.
func (p *Postgres) ListBelowBalance(ctx context.Context, threshold int) ([]domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+channelColumns+` FROM channels WHERE monthly_views_left < $1 ORDER BY monthly_views_left
`, threshold)
	metrics.ObserveNetworkRequest("postgres", "channels_below_balance", "channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}
