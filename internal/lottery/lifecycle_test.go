package lottery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/store/memory"
)

func TestNext(t *testing.T) {
	tests := []struct {
		name    string
		cur     domain.LotteryStatus
		evt     Event
		want    domain.LotteryStatus
		wantErr bool
	}{
		{"activate pending", domain.LotteryPending, EvtActivate, domain.LotteryActive, false},
		{"force end pending", domain.LotteryPending, EvtForceEnd, domain.LotteryEnded, false},
		{"exhaust pending", domain.LotteryPending, EvtExhaust, domain.LotteryPending, true},
		{"exhaust active", domain.LotteryActive, EvtExhaust, domain.LotteryEnded, false},
		{"force end active", domain.LotteryActive, EvtForceEnd, domain.LotteryEnded, false},
		{"activate active", domain.LotteryActive, EvtActivate, domain.LotteryActive, true},
		{"activate ended", domain.LotteryEnded, EvtActivate, domain.LotteryEnded, true},
		{"force end ended", domain.LotteryEnded, EvtForceEnd, domain.LotteryEnded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.cur, tt.evt)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestActivateAndForceEnd(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := New(st, nil)
	l := createLottery(t, svc, 10, 100)

	got, err := svc.Activate(ctx, l.ID, adminID)
	require.NoError(t, err)
	assert.Equal(t, domain.LotteryActive, got.Status)

	_, err = svc.Activate(ctx, l.ID, adminID)
	assert.ErrorIs(t, err, domain.ErrState)

	got, err = svc.ForceEnd(ctx, l.ID, adminID)
	require.NoError(t, err)
	assert.Equal(t, domain.LotteryEnded, got.Status)
	require.NotNil(t, got.EndedAt)

	stored, err := svc.Lottery(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LotteryEnded, stored.Status)

	_, err = svc.Activate(ctx, l.ID, adminID)
	assert.ErrorIs(t, err, domain.ErrState)

	_, err = svc.Activate(ctx, 404, adminID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	svc := New(memory.New(), nil)

	_, err := svc.Create(context.Background(), CreateRequest{
		Title:       " ",
		TicketCount: 0,
		TicketPrice: 10,
		Prizes:      []domain.Prize{{Rank: 1}, {Rank: 1}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Len(t, domain.DetailsOf(err), 3)
}
