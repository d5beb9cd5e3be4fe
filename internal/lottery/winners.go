package lottery

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/punchamoorthee/ticketledger/internal/audit"
	"github.com/punchamoorthee/ticketledger/internal/auth"
	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/metrics"
	"github.com/punchamoorthee/ticketledger/internal/store"
)

type RegisterRequest struct {
	LotteryID int64
	Caller    auth.Identity
	Winners   []domain.Winner
	// Replace clears earlier winners instead of failing when they exist.
	Replace bool
}

// RegisterWinners assigns prize ranks to sold tickets of an ended lottery
// and marks the rest lost. Ticket outcomes and the lottery's winning numbers
// are written in one unit; without units registration is refused.
func (s *Service) RegisterWinners(ctx context.Context, req RegisterRequest) ([]int, error) {
	mode := "first"
	if req.Replace {
		mode = "replace"
	}
	numbers, err := s.registerWinners(ctx, req)
	metrics.RecordWinners(mode, resultLabel(err))
	if err != nil {
		return nil, err
	}

	s.logger.Info("lottery: winners registered",
		zap.Int64("lottery_id", req.LotteryID),
		zap.Ints("winning_numbers", numbers),
		zap.String("mode", mode))
	s.audit.Record(ctx, audit.Event{
		Action:   audit.ActionWinnersRegistered,
		ActorID:  req.Caller.UserID,
		EntityID: req.LotteryID,
		Fields:   map[string]any{"winning_numbers": numbers, "mode": mode},
	})
	return numbers, nil
}

func (s *Service) registerWinners(ctx context.Context, req RegisterRequest) ([]int, error) {
	if len(req.Winners) == 0 {
		return nil, domain.Validation("at least one winner is required")
	}
	l, err := getLottery(ctx, s.store, req.LotteryID)
	if err != nil {
		return nil, err
	}
	if !req.Caller.IsAdmin() && req.Caller.UserID != l.CreatedBy {
		return nil, domain.Forbidden("only the creator of lottery %d or an admin may register winners", l.ID)
	}
	if l.Status != domain.LotteryEnded {
		return nil, domain.State("lottery %d is %s; winners are registered after it ends", l.ID, l.Status)
	}
	if len(req.Winners) > len(l.Prizes) {
		return nil, domain.Validation(
			fmt.Sprintf("lottery %d has %d prizes, got %d winners", l.ID, len(l.Prizes), len(req.Winners)))
	}

	winners := append([]domain.Winner(nil), req.Winners...)
	sort.SliceStable(winners, func(i, j int) bool { return winners[i].Rank < winners[j].Rank })
	numbers := make([]int, len(winners))
	for i, w := range winners {
		numbers[i] = w.TicketNumber
	}

	err = s.store.Atomic(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := getLottery(ctx, tx, l.ID)
		if err != nil {
			return err
		}
		if !req.Replace && len(cur.WinningTicketNumbers) > 0 {
			return domain.Conflict("winners for lottery %d are already registered", l.ID)
		}
		paid, err := tx.PaidTickets(ctx, l.ID)
		if err != nil {
			return domain.StoreFailure("list paid tickets", err)
		}
		byNumber := make(map[int]domain.Ticket, len(paid))
		for _, t := range paid {
			byNumber[t.TicketNumber] = t
		}
		if problems := checkWinners(cur, byNumber, winners, req.Replace); len(problems) > 0 {
			return domain.Validation("invalid winners", problems...)
		}

		if req.Replace {
			if err := tx.ResetOutcomes(ctx, l.ID); err != nil {
				return domain.StoreFailure("reset outcomes", err)
			}
		}
		for _, w := range winners {
			if err := tx.MarkWinner(ctx, byNumber[w.TicketNumber].ID, w.Rank); err != nil {
				if errors.Is(err, store.ErrNoMatch) {
					return domain.Conflict("ticket %d is no longer paid", w.TicketNumber)
				}
				return domain.StoreFailure("mark winner", err)
			}
		}
		if err := tx.MarkLosers(ctx, l.ID); err != nil {
			return domain.StoreFailure("mark losers", err)
		}
		if err := tx.SetWinningNumbers(ctx, l.ID, numbers, !req.Replace); err != nil {
			if errors.Is(err, store.ErrNoMatch) {
				return domain.Conflict("winners for lottery %d are already registered", l.ID)
			}
			return domain.StoreFailure("set winning numbers", err)
		}
		return nil
	})
	if errors.Is(err, store.ErrAtomicityUnavailable) {
		return nil, domain.StoreFailure("winner registration requires atomic units", err)
	}
	if err != nil {
		return nil, err
	}
	return numbers, nil
}

// checkWinners returns one message per problem found, in input order.
func checkWinners(l *domain.Lottery, paid map[int]domain.Ticket, winners []domain.Winner, replace bool) []string {
	var problems []string
	seenNumber := make(map[int]bool, len(winners))
	seenRank := make(map[int]bool, len(winners))
	for _, w := range winners {
		if seenNumber[w.TicketNumber] {
			problems = append(problems, fmt.Sprintf("ticket %d is listed more than once", w.TicketNumber))
		}
		seenNumber[w.TicketNumber] = true

		if !l.HasPrizeRank(w.Rank) {
			problems = append(problems, fmt.Sprintf("ticket %d: rank %d is not a prize of this lottery", w.TicketNumber, w.Rank))
		} else if seenRank[w.Rank] {
			problems = append(problems, fmt.Sprintf("ticket %d: rank %d is assigned more than once", w.TicketNumber, w.Rank))
		}
		seenRank[w.Rank] = true

		t, ok := paid[w.TicketNumber]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("ticket %d was not sold in this lottery", w.TicketNumber))
		case !replace && t.State == domain.TicketWinner:
			problems = append(problems, fmt.Sprintf("ticket %d is already a winner", w.TicketNumber))
		}
	}
	return problems
}

// Winners returns the registered winners ordered by rank.
func (s *Service) Winners(ctx context.Context, lotteryID int64) ([]domain.Winner, error) {
	if _, err := s.Lottery(ctx, lotteryID); err != nil {
		return nil, err
	}
	paid, err := s.store.PaidTickets(ctx, lotteryID)
	if err != nil {
		return nil, domain.StoreFailure("list paid tickets", err)
	}
	var out []domain.Winner
	for _, t := range paid {
		if t.State == domain.TicketWinner && t.WinnerRank != nil {
			out = append(out, domain.Winner{Rank: *t.WinnerRank, TicketNumber: t.TicketNumber})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}
