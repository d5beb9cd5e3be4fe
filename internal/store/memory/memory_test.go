package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/store"
)

func seedLottery(t *testing.T, s *Store, count int) *domain.Lottery {
	t.Helper()
	l := &domain.Lottery{Title: "draw", TicketCount: count, TicketPrice: 100, Status: domain.LotteryActive}
	require.NoError(t, s.CreateLottery(context.Background(), l))
	return l
}

func paidTicket(lotteryID int64, n int) *domain.Ticket {
	return &domain.Ticket{LotteryID: lotteryID, TicketNumber: n, Code: "code", PaymentState: domain.PaymentPaid}
}

func TestInsertTicketIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := New()
	l := seedLottery(t, s, 3)

	first := paidTicket(l.ID, 2)
	ok, err := s.InsertTicketIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertTicketIfAbsent(ctx, paidTicket(l.ID, 2))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.VoidTicket(ctx, first.ID, time.Time{}))
	assert.ErrorIs(t, s.VoidTicket(ctx, first.ID, time.Time{}), store.ErrNoMatch)

	ok, err = s.InsertTicketIfAbsent(ctx, paidTicket(l.ID, 2))
	require.NoError(t, err)
	assert.True(t, ok)

	numbers, err := s.SoldNumbers(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, numbers)
}

func TestAddSoldRespectsCapacityAndStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	l := seedLottery(t, s, 2)

	got, err := s.AddSold(ctx, l.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TicketsSold)

	_, err = s.AddSold(ctx, l.ID, 1)
	assert.ErrorIs(t, err, store.ErrNoMatch)

	ended, err := s.EndIfExhausted(ctx, l.ID, time.Time{})
	require.NoError(t, err)
	assert.True(t, ended)
	ended, err = s.EndIfExhausted(ctx, l.ID, time.Time{})
	require.NoError(t, err)
	assert.False(t, ended)

	require.NoError(t, s.ReleaseSold(ctx, l.ID, 1))
	_, err = s.AddSold(ctx, l.ID, 1)
	assert.ErrorIs(t, err, store.ErrNoMatch, "ended lotteries take no sales")
}

func TestAtomicDiscardsFailedUnit(t *testing.T) {
	ctx := context.Background()
	s := New()
	acc := &domain.Account{Balance: 100}
	require.NoError(t, s.CreateAccount(ctx, acc))

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(ctx context.Context, tx store.Store) error {
		require.NoError(t, tx.SetBalance(ctx, acc.ID, 10))
		got, err := tx.GetAccount(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.Balance)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)

	err = s.Atomic(ctx, func(ctx context.Context, tx store.Store) error {
		return tx.Atomic(ctx, func(ctx context.Context, tx store.Store) error {
			return tx.SetBalance(ctx, acc.ID, 55)
		})
	})
	require.NoError(t, err)
	got, err = s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(55), got.Balance)
}

func TestWithoutUnits(t *testing.T) {
	s := New(WithoutUnits())
	err := s.Atomic(context.Background(), func(context.Context, store.Store) error { return nil })
	assert.ErrorIs(t, err, store.ErrAtomicityUnavailable)
}

func TestDebitIfSufficient(t *testing.T) {
	ctx := context.Background()
	s := New()
	acc := &domain.Account{Balance: 20}
	require.NoError(t, s.CreateAccount(ctx, acc))

	_, err := s.DebitIfSufficient(ctx, acc.ID, 50)
	assert.ErrorIs(t, err, store.ErrNoMatch)
	balance, err := s.DebitIfSufficient(ctx, acc.ID, 20)
	require.NoError(t, err)
	assert.Zero(t, balance)
	_, err = s.DebitIfSufficient(ctx, 999, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransactionsByKeyAndSagas(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	acc := &domain.Account{Balance: 20}
	require.NoError(t, s.CreateAccount(ctx, acc))

	tx := &domain.Transaction{AccountID: acc.ID, Kind: domain.TxPurchase, Amount: 5, Status: domain.TxPending,
		IdempotencyKey: "k1", SagaState: domain.SagaOpen}
	require.NoError(t, s.CreateTransaction(ctx, tx))
	assert.Equal(t, now, tx.CreatedAt)

	dup := &domain.Transaction{AccountID: acc.ID, Kind: domain.TxPurchase, Amount: 5, IdempotencyKey: "k1"}
	assert.ErrorIs(t, s.CreateTransaction(ctx, dup), store.ErrDuplicateKey)

	got, err := s.TransactionByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)

	open, err := s.OpenSagas(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, s.CompleteTransaction(ctx, tx.ID, domain.TxCompleted, 15, time.Time{}))
	assert.ErrorIs(t, s.CompleteTransaction(ctx, tx.ID, domain.TxCompleted, 15, time.Time{}), store.ErrNoMatch)
	require.NoError(t, s.SetSagaState(ctx, tx.ID, domain.SagaDone))

	open, err = s.OpenSagas(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestClaimPending(t *testing.T) {
	ctx := context.Background()
	s := New()
	acc := &domain.Account{Balance: 20}
	require.NoError(t, s.CreateAccount(ctx, acc))

	tx := &domain.Transaction{AccountID: acc.ID, Kind: domain.TxWithdraw, Amount: 5, Status: domain.TxPending}
	require.NoError(t, s.CreateTransaction(ctx, tx))

	require.NoError(t, s.ClaimPending(ctx, tx.ID))
	assert.ErrorIs(t, s.ClaimPending(ctx, tx.ID), store.ErrNoMatch)

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaOpen, got.SagaState)

	require.NoError(t, s.CompleteTransaction(ctx, tx.ID, domain.TxCompleted, 15, time.Time{}))
	require.NoError(t, s.SetSagaState(ctx, tx.ID, domain.SagaNone))
	assert.ErrorIs(t, s.ClaimPending(ctx, tx.ID), store.ErrNoMatch)
	assert.ErrorIs(t, s.ClaimPending(ctx, 999), store.ErrNoMatch)
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	s := New()
	acc := &domain.Account{Balance: 20}
	require.NoError(t, s.CreateAccount(ctx, acc))

	boom := errors.New("boom")
	s.FailNext("Credit", boom)

	_, err := s.Credit(ctx, acc.ID, 5)
	assert.ErrorIs(t, err, boom)
	balance, err := s.Credit(ctx, acc.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)
}

func TestWinnerOutcomes(t *testing.T) {
	ctx := context.Background()
	s := New()
	l := seedLottery(t, s, 3)
	var ids []int64
	for n := 1; n <= 3; n++ {
		tk := paidTicket(l.ID, n)
		_, err := s.InsertTicketIfAbsent(ctx, tk)
		require.NoError(t, err)
		ids = append(ids, tk.ID)
	}

	require.NoError(t, s.MarkWinner(ctx, ids[1], 1))
	require.NoError(t, s.MarkLosers(ctx, l.ID))
	paid, err := s.PaidTickets(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketLost, paid[0].State)
	assert.Equal(t, domain.TicketWinner, paid[1].State)
	require.NotNil(t, paid[1].WinnerRank)
	assert.Equal(t, 1, *paid[1].WinnerRank)

	require.NoError(t, s.ResetOutcomes(ctx, l.ID))
	paid, err = s.PaidTickets(ctx, l.ID)
	require.NoError(t, err)
	for _, tk := range paid {
		assert.Equal(t, domain.TicketSold, tk.State)
		assert.Nil(t, tk.WinnerRank)
	}

	buyer, err := s.UpsertBuyer(ctx, "Asha", "0712")
	require.NoError(t, err)
	again, err := s.UpsertBuyer(ctx, "Other", "0712")
	require.NoError(t, err)
	assert.Equal(t, buyer.ID, again.ID)
	assert.Equal(t, "Asha", again.Name)
}
