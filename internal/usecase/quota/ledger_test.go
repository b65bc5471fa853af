package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"tg-feed-bot/internal/domain"
)

type stubChannelRepo struct {
	balance    int
	resetCalls int
	low        []domain.Channel
	err        error
}

func (s *stubChannelRepo) GetChannel(context.Context, int64) (domain.Channel, error) {
	return domain.Channel{}, nil
}
func (s *stubChannelRepo) UpsertChannel(context.Context, domain.Channel) error { return nil }
func (s *stubChannelRepo) ConsumeView(context.Context, int64) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if s.balance > 0 {
		s.balance--
		return true, nil
	}
	return false, nil
}
func (s *stubChannelRepo) ResetMonthlyBalances(context.Context) error {
	s.resetCalls++
	return nil
}
func (s *stubChannelRepo) ListBelowBalance(context.Context, int) ([]domain.Channel, error) {
	return s.low, nil
}

type stubCreditRepo struct {
	premium  map[int64]int
	referral map[int64]int
}

func (s *stubCreditRepo) GetAccount(context.Context, int64) (domain.CreditAccount, error) {
	return domain.CreditAccount{}, nil
}
func (s *stubCreditRepo) ConsumePremiumView(_ context.Context, userID int64) (bool, error) {
	if s.premium[userID] > 0 {
		s.premium[userID]--
		return true, nil
	}
	return false, nil
}
func (s *stubCreditRepo) ConsumeReferralBonus(_ context.Context, userID int64) (bool, error) {
	if s.referral[userID] > 0 {
		s.referral[userID]--
		return true, nil
	}
	return false, nil
}

func TestTryConsumeUsesChannelBalanceFirst(t *testing.T) {
	channels := &stubChannelRepo{balance: 2}
	credits := &stubCreditRepo{premium: map[int64]int{7: 5}}
	ledger := NewLedger(channels, credits, zerolog.Nop())

	ok, err := ledger.TryConsume(context.Background(), 1, []int64{7})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !ok {
		t.Fatalf("ожидали успешное списание")
	}
	if channels.balance != 1 {
		t.Fatalf("ожидали баланс канала 1, получили %d", channels.balance)
	}
	if credits.premium[7] != 5 {
		t.Fatalf("платные показы не должны тратиться при живом балансе канала")
	}
}

func TestTryConsumeFallsBackToPremium(t *testing.T) {
	channels := &stubChannelRepo{balance: 0}
	credits := &stubCreditRepo{premium: map[int64]int{7: 5}, referral: map[int64]int{7: 3}}
	ledger := NewLedger(channels, credits, zerolog.Nop())

	ok, err := ledger.TryConsume(context.Background(), 1, []int64{7})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !ok {
		t.Fatalf("ожидали списание с платных показов")
	}
	if credits.premium[7] != 4 {
		t.Fatalf("ожидали 4 платных показа, получили %d", credits.premium[7])
	}
	if credits.referral[7] != 3 {
		t.Fatalf("реферальные показы не должны тратиться раньше платных")
	}
	if channels.balance != 0 {
		t.Fatalf("баланс канала не должен уходить в минус")
	}
}

func TestTryConsumeFallsBackToReferral(t *testing.T) {
	channels := &stubChannelRepo{balance: 0}
	credits := &stubCreditRepo{premium: map[int64]int{7: 0}, referral: map[int64]int{7: 2}}
	ledger := NewLedger(channels, credits, zerolog.Nop())

	ok, err := ledger.TryConsume(context.Background(), 1, []int64{7})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !ok {
		t.Fatalf("ожидали списание с реферальных показов")
	}
	if credits.referral[7] != 1 {
		t.Fatalf("ожидали 1 реферальный показ, получили %d", credits.referral[7])
	}
}

func TestTryConsumeDeniesWhenAllExhausted(t *testing.T) {
	channels := &stubChannelRepo{balance: 0}
	credits := &stubCreditRepo{premium: map[int64]int{7: 0}, referral: map[int64]int{7: 0}}
	ledger := NewLedger(channels, credits, zerolog.Nop())

	ok, err := ledger.TryConsume(context.Background(), 1, []int64{7})
	if err != nil {
		t.Fatalf("отказ не должен быть ошибкой: %v", err)
	}
	if ok {
		t.Fatalf("ожидали отказ при исчерпанных балансах")
	}
}

func TestTryConsumeChecksAdminsInOrder(t *testing.T) {
	channels := &stubChannelRepo{balance: 0}
	credits := &stubCreditRepo{
		premium:  map[int64]int{7: 0, 8: 1},
		referral: map[int64]int{7: 1, 8: 1},
	}
	ledger := NewLedger(channels, credits, zerolog.Nop())

	ok, err := ledger.TryConsume(context.Background(), 1, []int64{7, 8})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !ok {
		t.Fatalf("ожидали успешное списание")
	}
	// У первого администратора платных нет, списываются его реферальные.
	if credits.referral[7] != 0 {
		t.Fatalf("ожидали списание реферальных первого администратора")
	}
	if credits.premium[8] != 1 {
		t.Fatalf("до второго администратора очередь дойти не должна")
	}
}

func TestTryConsumePropagatesStorageError(t *testing.T) {
	channels := &stubChannelRepo{err: errors.New("connection refused")}
	ledger := NewLedger(channels, &stubCreditRepo{}, zerolog.Nop())

	_, err := ledger.TryConsume(context.Background(), 1, nil)
	if err == nil {
		t.Fatalf("ожидали ошибку хранилища")
	}
}

func TestResetAllChannelBalances(t *testing.T) {
	channels := &stubChannelRepo{}
	ledger := NewLedger(channels, &stubCreditRepo{}, zerolog.Nop())

	if err := ledger.ResetAllChannelBalances(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := ledger.ResetAllChannelBalances(context.Background()); err != nil {
		t.Fatalf("повторный сброс должен быть идемпотентным: %v", err)
	}
	if channels.resetCalls != 2 {
		t.Fatalf("ожидали 2 вызова сброса, получили %d", channels.resetCalls)
	}
}
