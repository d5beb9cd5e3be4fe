// Package lottery owns the lottery lifecycle, ticket allocation and winner
// registration.
//
// A ticket number is claimed by a single conditional insert; the store's
// uniqueness over non-voided paid tickets is the only serialization point.
// The sold counter moves in the same unit as the insert when the store has
// units, and immediately after it (with the ticket voided on refusal) when it
// does not.
package lottery

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/ticketledger/internal/audit"
	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/ledger"
	"github.com/punchamoorthee/ticketledger/internal/logging"
	"github.com/punchamoorthee/ticketledger/internal/store"
)

type Service struct {
	store  store.Store
	ledger *ledger.Service
	audit  audit.Sink
	logger *zap.Logger
	now    func() time.Time
	codes  func() string
}

type Option func(*Service)

func WithAudit(sink audit.Sink) Option {
	return func(s *Service) { s.audit = audit.OrNop(sink) }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New wires the lottery service. led funds wallet purchases; it may be nil
// when only cash sales are served.
func New(st store.Store, led *ledger.Service, opts ...Option) *Service {
	s := &Service{
		store:  st,
		ledger: led,
		audit:  audit.Nop(),
		logger: zap.NewNop(),
		now:    time.Now,
		codes:  newCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateRequest struct {
	Title               string
	TicketCount         int
	TicketPrice         int64
	CommissionPerTicket int64
	Prizes              []domain.Prize
	CreatedBy           int64
}

// Create registers a pending lottery.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Lottery, error) {
	var problems []string
	if strings.TrimSpace(req.Title) == "" {
		problems = append(problems, "title is required")
	}
	if req.TicketCount <= 0 {
		problems = append(problems, "ticket_count must be positive")
	}
	if req.TicketPrice <= 0 {
		problems = append(problems, "ticket_price must be positive")
	}
	if req.CommissionPerTicket < 0 || req.CommissionPerTicket > req.TicketPrice {
		problems = append(problems, "commission_per_ticket must be between 0 and ticket_price")
	}
	if len(req.Prizes) == 0 {
		problems = append(problems, "at least one prize is required")
	}
	seen := make(map[int]bool, len(req.Prizes))
	for _, p := range req.Prizes {
		switch {
		case p.Rank <= 0:
			problems = append(problems, "prize ranks must be positive")
		case seen[p.Rank]:
			problems = append(problems, "prize ranks must be unique")
		}
		seen[p.Rank] = true
	}
	if len(problems) > 0 {
		return nil, domain.Validation("invalid lottery", problems...)
	}

	l := &domain.Lottery{
		Title:               strings.TrimSpace(req.Title),
		CreatedBy:           req.CreatedBy,
		TicketCount:         req.TicketCount,
		TicketPrice:         req.TicketPrice,
		CommissionPerTicket: req.CommissionPerTicket,
		Status:              domain.LotteryPending,
		Prizes:              req.Prizes,
		CreatedAt:           s.now().UTC(),
	}
	if err := s.store.CreateLottery(ctx, l); err != nil {
		return nil, domain.StoreFailure("create lottery", err)
	}
	s.logger.Info("lottery: created", zap.Int64("lottery_id", l.ID), zap.Int("ticket_count", l.TicketCount))
	return l, nil
}

// Lottery reads the lottery as currently stored.
func (s *Service) Lottery(ctx context.Context, id int64) (*domain.Lottery, error) {
	return getLottery(ctx, s.store, id)
}

// SoldNumbers returns the ticket numbers held by paid tickets, ascending.
func (s *Service) SoldNumbers(ctx context.Context, id int64) ([]int, error) {
	if _, err := s.Lottery(ctx, id); err != nil {
		return nil, err
	}
	numbers, err := s.store.SoldNumbers(ctx, id)
	if err != nil {
		return nil, domain.StoreFailure("list sold numbers", err)
	}
	return numbers, nil
}

func getLottery(ctx context.Context, st store.Store, id int64) (*domain.Lottery, error) {
	if id <= 0 {
		return nil, domain.Validation("lottery id is required")
	}
	l, err := st.GetLottery(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound("lottery %d not found", id)
	}
	if err != nil {
		return nil, domain.StoreFailure("read lottery", err)
	}
	return l, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return domain.KindOf(err).String()
}
