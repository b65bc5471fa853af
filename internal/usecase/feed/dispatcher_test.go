package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"tg-feed-bot/internal/domain"
)

type dispatchPostRepo struct {
	stubPostRepo
	posts    map[int64]domain.Post
	counters map[int64]map[domain.PostAction]int
	deleted  []int64
}

func newDispatchPostRepo(posts ...domain.Post) *dispatchPostRepo {
	repo := &dispatchPostRepo{
		posts:    map[int64]domain.Post{},
		counters: map[int64]map[domain.PostAction]int{},
	}
	for _, post := range posts {
		repo.posts[post.ID] = post
	}
	return repo
}

func (r *dispatchPostRepo) GetPost(_ context.Context, id int64) (domain.Post, error) {
	post, ok := r.posts[id]
	if !ok {
		return domain.Post{}, domain.ErrNotFound
	}
	return post, nil
}

func (r *dispatchPostRepo) IncrementCounter(_ context.Context, id int64, action domain.PostAction) error {
	if _, ok := r.posts[id]; !ok {
		return domain.ErrNotFound
	}
	if r.counters[id] == nil {
		r.counters[id] = map[domain.PostAction]int{}
	}
	r.counters[id][action]++
	return nil
}

func (r *dispatchPostRepo) DeletePost(_ context.Context, id int64) error {
	delete(r.posts, id)
	r.deleted = append(r.deleted, id)
	return nil
}

type dispatchChannelRepo struct {
	channels map[int64]domain.Channel
}

func (r *dispatchChannelRepo) GetChannel(_ context.Context, id int64) (domain.Channel, error) {
	channel, ok := r.channels[id]
	if !ok {
		return domain.Channel{}, domain.ErrNotFound
	}
	return channel, nil
}
func (r *dispatchChannelRepo) UpsertChannel(context.Context, domain.Channel) error { return nil }
func (r *dispatchChannelRepo) ConsumeView(context.Context, int64) (bool, error)    { return true, nil }
func (r *dispatchChannelRepo) ResetMonthlyBalances(context.Context) error          { return nil }
func (r *dispatchChannelRepo) ListBelowBalance(context.Context, int) ([]domain.Channel, error) {
	return nil, nil
}

type stubQuota struct {
	allow   map[int64]bool
	asked   []int64
	failErr error
}

func (s *stubQuota) TryConsume(_ context.Context, channelID int64, _ []int64) (bool, error) {
	s.asked = append(s.asked, channelID)
	if s.failErr != nil {
		return false, s.failErr
	}
	return s.allow[channelID], nil
}

type stubCache struct {
	shown      map[int64]struct{}
	recorded   []int64
	reacted    map[int64]bool
	reactions  []int64
	shownErr   error
	recordErr  error
	reactedErr error
}

func (s *stubCache) RecordShown(_ context.Context, _ int64, postIDs []int64) error {
	if s.recordErr != nil {
		return s.recordErr
	}
	s.recorded = append(s.recorded, postIDs...)
	return nil
}
func (s *stubCache) ShownRecently(context.Context, int64) (map[int64]struct{}, error) {
	if s.shownErr != nil {
		return nil, s.shownErr
	}
	return s.shown, nil
}
func (s *stubCache) RecordReaction(_ context.Context, _ int64, postID int64) error {
	s.reactions = append(s.reactions, postID)
	return nil
}
func (s *stubCache) ReactedRecently(_ context.Context, _ int64, postID int64) (bool, error) {
	if s.reactedErr != nil {
		return false, s.reactedErr
	}
	return s.reacted[postID], nil
}
func (s *stubCache) SweepExpired(context.Context) error { return nil }

type stubMessenger struct {
	forwarded   []int64
	sent        []string
	forwardErrs map[int64]error
	sendErr     error
}

func (m *stubMessenger) Forward(_ context.Context, _ int64, _ int64, tgMsgID int64) error {
	if err := m.forwardErrs[tgMsgID]; err != nil {
		return err
	}
	m.forwarded = append(m.forwarded, tgMsgID)
	return nil
}
func (m *stubMessenger) Send(_ context.Context, _ int64, text string, _ [][]domain.InlineButton) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, text)
	return nil
}
func (m *stubMessenger) SendWithRetry(ctx context.Context, chatID int64, text string, keyboard [][]domain.InlineButton) error {
	return m.Send(ctx, chatID, text, keyboard)
}

type stubThrottler struct {
	calls    int
	err      error
	failFrom int
}

func (s *stubThrottler) Throttle(context.Context) error {
	s.calls++
	if s.err != nil && s.calls >= s.failFrom {
		return s.err
	}
	return nil
}

func newDispatcherForTest(posts *dispatchPostRepo, quota *stubQuota, cache *stubCache, messenger *stubMessenger, throttler *stubThrottler) *Dispatcher {
	channels := &dispatchChannelRepo{channels: map[int64]domain.Channel{
		-100500: {ID: -100500, Name: "канал", AdminUserIDs: []int64{7}},
	}}
	return NewDispatcher(posts, channels, quota, cache, messenger, throttler, zerolog.Nop())
}

func TestDeliverSendsPostAndStats(t *testing.T) {
	post := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	posts := newDispatchPostRepo(post)
	quota := &stubQuota{allow: map[int64]bool{-100500: true}}
	cache := &stubCache{}
	messenger := &stubMessenger{}
	throttler := &stubThrottler{}
	dispatcher := newDispatcherForTest(posts, quota, cache, messenger, throttler)

	delivered, err := dispatcher.Deliver(context.Background(), 1, 1, []domain.Post{post}, 10)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("ожидали 1 доставленный пост, получили %d", len(delivered))
	}
	if len(messenger.forwarded) != 1 || len(messenger.sent) != 1 {
		t.Fatalf("ожидали пересылку и сообщение статистики")
	}
	// Пауза перед каждым из двух исходящих запросов.
	if throttler.calls != 2 {
		t.Fatalf("ожидали 2 обращения к ограничителю, получили %d", throttler.calls)
	}
	if posts.counters[1][domain.ActionView] != 1 {
		t.Fatalf("ожидали счётчик просмотров 1")
	}
	if len(cache.recorded) != 1 || cache.recorded[0] != 1 {
		t.Fatalf("ожидали запись показа в кеш: %v", cache.recorded)
	}
}

func TestDeliverSkipsRecentlyShown(t *testing.T) {
	post := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	posts := newDispatchPostRepo(post)
	quota := &stubQuota{allow: map[int64]bool{-100500: true}}
	cache := &stubCache{shown: map[int64]struct{}{1: {}}}
	messenger := &stubMessenger{}
	dispatcher := newDispatcherForTest(posts, quota, cache, messenger, &stubThrottler{})

	delivered, err := dispatcher.Deliver(context.Background(), 1, 1, []domain.Post{post}, 10)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("недавно показанный пост не должен доставляться")
	}
	if len(quota.asked) != 0 {
		t.Fatalf("квота не должна тратиться на пост из кеша")
	}
}

func TestDeliverFailsOpenWhenCacheUnavailable(t *testing.T) {
	post := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	posts := newDispatchPostRepo(post)
	quota := &stubQuota{allow: map[int64]bool{-100500: true}}
	cache := &stubCache{shownErr: errors.New("redis down")}
	messenger := &stubMessenger{}
	dispatcher := newDispatcherForTest(posts, quota, cache, messenger, &stubThrottler{})

	delivered, err := dispatcher.Deliver(context.Background(), 1, 1, []domain.Post{post}, 10)
	if err != nil {
		t.Fatalf("недоступный кеш не должен ломать доставку: %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("ожидали доставку при недоступном кеше")
	}
}

func TestDeliverSkipsWhenQuotaDenied(t *testing.T) {
	post := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	posts := newDispatchPostRepo(post)
	quota := &stubQuota{allow: map[int64]bool{}}
	messenger := &stubMessenger{}
	dispatcher := newDispatcherForTest(posts, quota, &stubCache{}, messenger, &stubThrottler{})

	delivered, err := dispatcher.Deliver(context.Background(), 1, 1, []domain.Post{post}, 10)
	if err != nil {
		t.Fatalf("отказ квоты не должен быть ошибкой: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("пост без квоты не должен доставляться")
	}
	if len(messenger.forwarded) != 0 {
		t.Fatalf("пересылка без квоты недопустима")
	}
}

func TestDeliverDeletesPostWhenSourceMissing(t *testing.T) {
	post := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	posts := newDispatchPostRepo(post)
	quota := &stubQuota{allow: map[int64]bool{-100500: true}}
	messenger := &stubMessenger{forwardErrs: map[int64]error{
		10: &domain.DeliveryError{Op: "forward", SourceMissing: true, Err: errors.New("message to forward not found")},
	}}
	dispatcher := newDispatcherForTest(posts, quota, &stubCache{}, messenger, &stubThrottler{})

	delivered, err := dispatcher.Deliver(context.Background(), 1, 1, []domain.Post{post}, 10)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("пост с удалённым исходником не должен считаться доставленным")
	}
	if len(posts.deleted) != 1 || posts.deleted[0] != 1 {
		t.Fatalf("ожидали самоисцеляющее удаление поста: %v", posts.deleted)
	}
}

func TestDeliverKeepsPostOnTransientForwardError(t *testing.T) {
	post := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	posts := newDispatchPostRepo(post)
	quota := &stubQuota{allow: map[int64]bool{-100500: true}}
	messenger := &stubMessenger{forwardErrs: map[int64]error{
		10: &domain.DeliveryError{Op: "forward", Err: errors.New("timeout")},
	}}
	dispatcher := newDispatcherForTest(posts, quota, &stubCache{}, messenger, &stubThrottler{})

	delivered, err := dispatcher.Deliver(context.Background(), 1, 1, []domain.Post{post}, 10)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("пост с ошибкой пересылки не должен считаться доставленным")
	}
	if len(posts.deleted) != 0 {
		t.Fatalf("временная ошибка не должна удалять пост")
	}
}

func TestDeliverHonorsLimit(t *testing.T) {
	first := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	second := domain.Post{ID: 2, ChannelID: -100500, TGMsgID: 11}
	third := domain.Post{ID: 3, ChannelID: -100500, TGMsgID: 12}
	posts := newDispatchPostRepo(first, second, third)
	quota := &stubQuota{allow: map[int64]bool{-100500: true}}
	messenger := &stubMessenger{}
	dispatcher := newDispatcherForTest(posts, quota, &stubCache{}, messenger, &stubThrottler{})

	delivered, err := dispatcher.Deliver(context.Background(), 1, 1, []domain.Post{first, second, third}, 2)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(delivered) != 2 {
		t.Fatalf("ожидали 2 поста по лимиту, получили %d", len(delivered))
	}
}

func TestDeliverLimitAppliedAfterCacheFilter(t *testing.T) {
	first := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	second := domain.Post{ID: 2, ChannelID: -100500, TGMsgID: 11}
	posts := newDispatchPostRepo(first, second)
	quota := &stubQuota{allow: map[int64]bool{-100500: true}}
	cache := &stubCache{shown: map[int64]struct{}{1: {}}}
	messenger := &stubMessenger{}
	dispatcher := newDispatcherForTest(posts, quota, cache, messenger, &stubThrottler{})

	delivered, err := dispatcher.Deliver(context.Background(), 1, 1, []domain.Post{first, second}, 1)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Первый кандидат отфильтрован кешем, лимит достаётся второму.
	if len(delivered) != 1 || delivered[0].ID != 2 {
		t.Fatalf("ожидали доставку второго кандидата: %v", delivered)
	}
}

func TestDeliverStopsOnThrottleCancel(t *testing.T) {
	post := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	posts := newDispatchPostRepo(post)
	quota := &stubQuota{allow: map[int64]bool{-100500: true}}
	throttler := &stubThrottler{err: context.Canceled}
	dispatcher := newDispatcherForTest(posts, quota, &stubCache{}, &stubMessenger{}, throttler)

	delivered, err := dispatcher.Deliver(context.Background(), 1, 1, []domain.Post{post}, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидали ошибку отмены, получили %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("после отмены доставленных постов быть не должно")
	}
}

func TestDeliverRecordsShownOnCancelMidPass(t *testing.T) {
	first := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	second := domain.Post{ID: 2, ChannelID: -100500, TGMsgID: 11}
	posts := newDispatchPostRepo(first, second)
	quota := &stubQuota{allow: map[int64]bool{-100500: true}}
	cache := &stubCache{}
	// Первый кандидат проходит оба запроса, отмена настигает второго.
	throttler := &stubThrottler{err: context.Canceled, failFrom: 3}
	dispatcher := newDispatcherForTest(posts, quota, cache, &stubMessenger{}, throttler)

	delivered, err := dispatcher.Deliver(context.Background(), 1, 1, []domain.Post{first, second}, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидали ошибку отмены, получили %v", err)
	}
	if len(delivered) != 1 || delivered[0].ID != 1 {
		t.Fatalf("ожидали 1 доставленный пост до отмены: %v", delivered)
	}
	if len(cache.recorded) != 1 || cache.recorded[0] != 1 {
		t.Fatalf("доставленный пост не записан в кеш показов: recorded=%v", cache.recorded)
	}
}

func TestApplyReaction(t *testing.T) {
	post := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	posts := newDispatchPostRepo(post)
	cache := &stubCache{reacted: map[int64]bool{}}
	dispatcher := newDispatcherForTest(posts, &stubQuota{}, cache, &stubMessenger{}, &stubThrottler{})

	updated, err := dispatcher.ApplyReaction(context.Background(), 5, 1, domain.ReactionHeart)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if updated.ID != 1 {
		t.Fatalf("ожидали обновлённый пост")
	}
	if posts.counters[1][domain.ActionHeart] != 1 {
		t.Fatalf("ожидали счётчик сердец 1")
	}
	if len(cache.reactions) != 1 || cache.reactions[0] != 1 {
		t.Fatalf("ожидали запись реакции в кеш: %v", cache.reactions)
	}
}

func TestApplyReactionRejectsRepeat(t *testing.T) {
	post := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	posts := newDispatchPostRepo(post)
	cache := &stubCache{reacted: map[int64]bool{1: true}}
	dispatcher := newDispatcherForTest(posts, &stubQuota{}, cache, &stubMessenger{}, &stubThrottler{})

	_, err := dispatcher.ApplyReaction(context.Background(), 5, 1, domain.ReactionLike)
	if !errors.Is(err, ErrAlreadyReacted) {
		t.Fatalf("ожидали ErrAlreadyReacted, получили %v", err)
	}
	if posts.counters[1][domain.ActionLike] != 0 {
		t.Fatalf("повторная реакция не должна менять счётчики")
	}
}

func TestApplyReactionRejectsUnknownKind(t *testing.T) {
	dispatcher := newDispatcherForTest(newDispatchPostRepo(), &stubQuota{}, &stubCache{}, &stubMessenger{}, &stubThrottler{})

	_, err := dispatcher.ApplyReaction(context.Background(), 5, 1, domain.ReactionKind("boom"))
	if !errors.Is(err, ErrUnknownReaction) {
		t.Fatalf("ожидали ErrUnknownReaction, получили %v", err)
	}
}

func TestApplyReactionFailsOpenOnCacheError(t *testing.T) {
	post := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	posts := newDispatchPostRepo(post)
	cache := &stubCache{reactedErr: errors.New("redis down")}
	dispatcher := newDispatcherForTest(posts, &stubQuota{}, cache, &stubMessenger{}, &stubThrottler{})

	_, err := dispatcher.ApplyReaction(context.Background(), 5, 1, domain.ReactionDislike)
	if err != nil {
		t.Fatalf("недоступный кеш не должен блокировать реакцию: %v", err)
	}
	if posts.counters[1][domain.ActionDislike] != 1 {
		t.Fatalf("ожидали учтённую реакцию")
	}
}

func TestRecordClick(t *testing.T) {
	post := domain.Post{ID: 1, ChannelID: -100500, TGMsgID: 10}
	posts := newDispatchPostRepo(post)
	dispatcher := newDispatcherForTest(posts, &stubQuota{}, &stubCache{}, &stubMessenger{}, &stubThrottler{})

	if err := dispatcher.RecordClick(context.Background(), 1); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if posts.counters[1][domain.ActionClick] != 1 {
		t.Fatalf("ожидали счётчик переходов 1")
	}
}
