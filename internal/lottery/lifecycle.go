package lottery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/punchamoorthee/ticketledger/internal/audit"
	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/metrics"
	"github.com/punchamoorthee/ticketledger/internal/store"
)

// Event drives a lottery status transition.
type Event string

const (
	EvtActivate Event = "activate"
	EvtExhaust  Event = "exhaust"
	EvtForceEnd Event = "force_end"
)

// Next returns the status reached from cur on evt. Ended is terminal.
func Next(cur domain.LotteryStatus, evt Event) (domain.LotteryStatus, error) {
	switch cur {
	case domain.LotteryPending:
		switch evt {
		case EvtActivate:
			return domain.LotteryActive, nil
		case EvtForceEnd:
			return domain.LotteryEnded, nil
		}
	case domain.LotteryActive:
		if evt == EvtExhaust || evt == EvtForceEnd {
			return domain.LotteryEnded, nil
		}
	}
	return cur, fmt.Errorf("invalid transition: %s --%s--> ?", cur, evt)
}

// Activate opens a pending lottery for sales.
func (s *Service) Activate(ctx context.Context, id int64, caller int64) (*domain.Lottery, error) {
	return s.transition(ctx, id, EvtActivate, caller)
}

// ForceEnd closes a lottery before its inventory is exhausted.
func (s *Service) ForceEnd(ctx context.Context, id int64, caller int64) (*domain.Lottery, error) {
	return s.transition(ctx, id, EvtForceEnd, caller)
}

func (s *Service) transition(ctx context.Context, id int64, evt Event, caller int64) (*domain.Lottery, error) {
	l, err := getLottery(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	to, err := Next(l.Status, evt)
	if err != nil {
		return nil, domain.State("lottery %d is %s: %v", id, l.Status, err)
	}

	now := s.now().UTC()
	if err := s.store.TransitionStatus(ctx, id, l.Status, to, now); err != nil {
		if errors.Is(err, store.ErrNoMatch) {
			return nil, domain.Conflict("lottery %d changed status concurrently", id)
		}
		return nil, domain.StoreFailure("transition lottery", err)
	}
	from := l.Status
	l.Status = to
	if to == domain.LotteryEnded {
		l.EndedAt = &now
		metrics.RecordLotteryEnded(string(evt))
	}

	action := audit.ActionLotteryActivated
	if to == domain.LotteryEnded {
		action = audit.ActionLotteryEnded
	}
	s.logger.Info("lottery: status changed",
		zap.Int64("lottery_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", string(evt)))
	s.audit.Record(ctx, audit.Event{
		Action:   action,
		ActorID:  caller,
		EntityID: id,
		Fields:   map[string]any{"from": string(from), "to": string(to), "event": string(evt)},
	})
	return l, nil
}

// endIfExhausted runs the exhaustion check after a sale. It reports whether
// this call ended the lottery.
func (s *Service) endIfExhausted(ctx context.Context, st store.Store, id int64) (bool, error) {
	ended, err := st.EndIfExhausted(ctx, id, s.now().UTC())
	if err != nil {
		return false, domain.StoreFailure("end exhausted lottery", err)
	}
	return ended, nil
}

// announceEnded records a lottery closed by its last sale.
func (s *Service) announceEnded(ctx context.Context, id int64, caller int64) {
	metrics.RecordLotteryEnded(string(EvtExhaust))
	s.logger.Info("lottery: sold out, ended", zap.Int64("lottery_id", id))
	s.audit.Record(ctx, audit.Event{
		Action:   audit.ActionLotteryEnded,
		ActorID:  caller,
		EntityID: id,
		Fields:   map[string]any{"event": string(EvtExhaust)},
	})
}
