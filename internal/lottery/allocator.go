package lottery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ticketledger/internal/audit"
	"github.com/punchamoorthee/ticketledger/internal/auth"
	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/ledger"
	"github.com/punchamoorthee/ticketledger/internal/metrics"
	"github.com/punchamoorthee/ticketledger/internal/store"
)

// MaxPurchase caps the tickets bought in one wallet purchase.
const MaxPurchase = 100

type BuyerInfo struct {
	Name  string
	Phone string
}

type SellRequest struct {
	LotteryID int64
	// TicketNumber nil means the next free number.
	TicketNumber *int
	Buyer        BuyerInfo
	Seller       auth.Identity
}

type SellResult struct {
	Ticket       domain.Ticket
	SoldNumbers  []int
	LotteryEnded bool
}

type PurchaseRequest struct {
	LotteryID int64
	AccountID int64
	// Numbers lists explicit ticket numbers; Quantity asks for that many
	// auto-assigned numbers instead. Exactly one of the two is set.
	Numbers        []int
	Quantity       int
	IdempotencyKey string
	Caller         auth.Identity
}

type PurchaseResult struct {
	Tickets      []domain.Ticket
	Transaction  *domain.Transaction
	Balance      int64
	SoldNumbers  []int
	LotteryEnded bool
	// Replayed is set when the idempotency key matched an earlier purchase;
	// Tickets is empty then.
	Replayed bool
}

// allocation describes the numbers to claim and how to build each ticket.
type allocation struct {
	lotteryID int64
	numbers   []int
	quantity  int
	// prepare runs with the same store as the inserts, before the first one.
	prepare func(ctx context.Context, st store.Store) error
	build   func(number int) *domain.Ticket
}

func (a allocation) want() int {
	if len(a.numbers) > 0 {
		return len(a.numbers)
	}
	return a.quantity
}

func (a allocation) run(ctx context.Context, st store.Store) error {
	if a.prepare == nil {
		return nil
	}
	return a.prepare(ctx, st)
}

type allocated struct {
	tickets []domain.Ticket
	ended   bool
}

func newCode() string {
	return uuid.NewString()
}

// Sell is a cash sale recorded by a seller for a walk-in buyer.
func (s *Service) Sell(ctx context.Context, req SellRequest) (*SellResult, error) {
	started := time.Now()
	res, err := s.sell(ctx, req)
	metrics.RecordSale("cash", resultLabel(err), started)
	if err != nil {
		s.logger.Debug("lottery: sale refused", zap.Int64("lottery_id", req.LotteryID), zap.Error(err))
		return nil, err
	}

	s.logger.Info("lottery: ticket sold",
		zap.Int64("lottery_id", req.LotteryID),
		zap.Int("ticket_number", res.Ticket.TicketNumber),
		zap.Int64("seller_id", req.Seller.UserID))
	s.audit.Record(ctx, audit.Event{
		Action:   audit.ActionTicketSold,
		ActorID:  req.Seller.UserID,
		EntityID: res.Ticket.ID,
		Fields: map[string]any{
			"lottery_id":    req.LotteryID,
			"ticket_number": res.Ticket.TicketNumber,
			"channel":       "cash",
		},
	})
	if res.LotteryEnded {
		s.announceEnded(ctx, req.LotteryID, req.Seller.UserID)
	}
	return res, nil
}

func (s *Service) sell(ctx context.Context, req SellRequest) (*SellResult, error) {
	name := strings.TrimSpace(req.Buyer.Name)
	phone := strings.TrimSpace(req.Buyer.Phone)

	var problems []string
	if req.LotteryID <= 0 {
		problems = append(problems, "lottery id is required")
	}
	if req.TicketNumber != nil && *req.TicketNumber < 1 {
		problems = append(problems, "ticket number must be at least 1")
	}
	if name == "" {
		problems = append(problems, "buyer name is required")
	}
	if phone == "" {
		problems = append(problems, "buyer phone is required")
	}
	if req.Seller.UserID <= 0 {
		problems = append(problems, "seller is required")
	}
	if len(problems) > 0 {
		return nil, domain.Validation("invalid sale", problems...)
	}

	var numbers []int
	if req.TicketNumber != nil {
		numbers = []int{*req.TicketNumber}
	}
	l, err := s.openLottery(ctx, req.LotteryID, numbers, 1)
	if err != nil {
		return nil, err
	}

	seller, err := s.store.GetAccount(ctx, req.Seller.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound("seller account %d not found", req.Seller.UserID)
	}
	if err != nil {
		return nil, domain.StoreFailure("read seller", err)
	}
	var buyerID int64
	commission := Commission(l, seller)
	out, err := s.allocate(ctx, s.store, allocation{
		lotteryID: l.ID,
		numbers:   numbers,
		quantity:  1,
		prepare: func(ctx context.Context, st store.Store) error {
			buyer, err := st.UpsertBuyer(ctx, name, phone)
			if err != nil {
				return domain.StoreFailure("upsert buyer", err)
			}
			buyerID = buyer.ID
			return nil
		},
		build: func(number int) *domain.Ticket {
			return &domain.Ticket{
				LotteryID:    l.ID,
				TicketNumber: number,
				Code:         s.codes(),
				BuyerID:      &buyerID,
				SellerID:     seller.ID,
				Price:        l.TicketPrice,
				Commission:   commission,
				PaymentState: domain.PaymentPaid,
				State:        domain.TicketSold,
				CreatedAt:    s.now().UTC(),
			}
		},
	})
	if err != nil {
		return nil, err
	}

	sold, err := s.store.SoldNumbers(ctx, l.ID)
	if err != nil {
		return nil, domain.StoreFailure("list sold numbers", err)
	}
	return &SellResult{Ticket: out.tickets[0], SoldNumbers: sold, LotteryEnded: out.ended}, nil
}

// Purchase buys tickets from the caller's wallet. The debit and the tickets
// commit together, or the debit is compensated when they cannot.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	started := time.Now()
	res, err := s.purchase(ctx, req)
	metrics.RecordSale("wallet", resultLabel(err), started)
	if err != nil {
		s.logger.Debug("lottery: purchase refused",
			zap.Int64("lottery_id", req.LotteryID), zap.Int64("account_id", req.AccountID), zap.Error(err))
		return nil, err
	}
	if res.Replayed {
		return res, nil
	}

	numbers := make([]int, 0, len(res.Tickets))
	for _, t := range res.Tickets {
		numbers = append(numbers, t.TicketNumber)
	}
	s.logger.Info("lottery: tickets purchased",
		zap.Int64("lottery_id", req.LotteryID),
		zap.Int64("account_id", req.AccountID),
		zap.Ints("ticket_numbers", numbers),
		zap.Int64("transaction_id", res.Transaction.ID))
	s.audit.Record(ctx, audit.Event{
		Action:   audit.ActionTicketSold,
		ActorID:  req.Caller.UserID,
		EntityID: res.Transaction.ID,
		Fields: map[string]any{
			"lottery_id":     req.LotteryID,
			"account_id":     req.AccountID,
			"ticket_numbers": numbers,
			"channel":        "wallet",
		},
	})
	if res.LotteryEnded {
		s.announceEnded(ctx, req.LotteryID, req.Caller.UserID)
	}
	return res, nil
}

func (s *Service) purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	var problems []string
	if req.LotteryID <= 0 {
		problems = append(problems, "lottery id is required")
	}
	if req.AccountID <= 0 {
		problems = append(problems, "account id is required")
	}
	switch {
	case len(req.Numbers) > 0 && req.Quantity > 0:
		problems = append(problems, "give either ticket numbers or a quantity, not both")
	case len(req.Numbers) == 0 && req.Quantity <= 0:
		problems = append(problems, "ticket numbers or a positive quantity are required")
	}
	seen := make(map[int]bool, len(req.Numbers))
	for _, n := range req.Numbers {
		if n < 1 {
			problems = append(problems, fmt.Sprintf("ticket number %d must be at least 1", n))
		}
		if seen[n] {
			problems = append(problems, fmt.Sprintf("ticket number %d is repeated", n))
		}
		seen[n] = true
	}
	want := req.Quantity
	if len(req.Numbers) > 0 {
		want = len(req.Numbers)
	}
	if want > MaxPurchase {
		problems = append(problems, fmt.Sprintf("at most %d tickets per purchase", MaxPurchase))
	}
	if len(problems) > 0 {
		return nil, domain.Validation("invalid purchase", problems...)
	}
	if s.ledger == nil {
		return nil, domain.State("wallet purchases are not enabled")
	}

	l, err := s.openLottery(ctx, req.LotteryID, req.Numbers, want)
	if err != nil {
		return nil, err
	}

	accountID := req.AccountID
	alloc := allocation{lotteryID: l.ID, numbers: req.Numbers, quantity: req.Quantity}
	res, err := s.ledger.Apply(ctx, ledger.Request{
		AccountID:      req.AccountID,
		Kind:           domain.TxPurchase,
		Amount:         l.TicketPrice * int64(want),
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.Caller.UserID,
		Metadata: map[string]string{
			"lottery_id": strconv.FormatInt(l.ID, 10),
			"tickets":    strconv.Itoa(want),
		},
		Step: func(ctx context.Context, tx store.Store, t *domain.Transaction) (any, error) {
			txID := t.ID
			alloc.build = func(number int) *domain.Ticket {
				return &domain.Ticket{
					LotteryID:     l.ID,
					TicketNumber:  number,
					Code:          s.codes(),
					AccountID:     &accountID,
					SellerID:      req.Caller.UserID,
					Price:         l.TicketPrice,
					PaymentState:  domain.PaymentPaid,
					State:         domain.TicketSold,
					TransactionID: &txID,
					CreatedAt:     s.now().UTC(),
				}
			}
			return s.allocate(ctx, tx, alloc)
		},
	})
	if err != nil {
		return nil, err
	}

	out := &PurchaseResult{Transaction: res.Transaction, Balance: res.Balance, Replayed: res.Replayed}
	if a, ok := res.StepResult.(*allocated); ok {
		out.Tickets = a.tickets
		out.LotteryEnded = a.ended
	}
	sold, err := s.store.SoldNumbers(ctx, l.ID)
	if err != nil {
		return nil, domain.StoreFailure("list sold numbers", err)
	}
	out.SoldNumbers = sold
	return out, nil
}

// openLottery checks that the lottery can take want more tickets with the
// given explicit numbers. Nothing is written.
func (s *Service) openLottery(ctx context.Context, id int64, numbers []int, want int) (*domain.Lottery, error) {
	l, err := getLottery(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	if l.Status != domain.LotteryActive {
		if err := s.alreadySold(ctx, l.ID, numbers); err != nil {
			return nil, err
		}
		return nil, domain.State("lottery %d is %s", id, l.Status)
	}
	var problems []string
	for _, n := range numbers {
		if n > l.TicketCount {
			problems = append(problems, fmt.Sprintf("ticket number %d is outside 1..%d", n, l.TicketCount))
		}
	}
	if len(problems) > 0 {
		return nil, domain.Validation("invalid ticket number", problems...)
	}
	if l.Remaining() < want {
		if err := s.alreadySold(ctx, l.ID, numbers); err != nil {
			return nil, err
		}
		return nil, domain.State("lottery %d has %d tickets left", id, l.Remaining())
	}
	return l, nil
}

// alreadySold reports a taken explicit number as a conflict, which says more
// than the closed lottery behind it.
func (s *Service) alreadySold(ctx context.Context, lotteryID int64, numbers []int) error {
	if len(numbers) == 0 {
		return nil
	}
	sold, err := s.store.SoldNumbers(ctx, lotteryID)
	if err != nil {
		return domain.StoreFailure("list sold numbers", err)
	}
	taken := make(map[int]bool, len(sold))
	for _, n := range sold {
		taken[n] = true
	}
	for _, n := range numbers {
		if taken[n] {
			return domain.Conflict("ticket %d is already sold", n)
		}
	}
	return nil
}

// Commission is the seller's cut of one ticket: the lottery's fixed
// commission when set, otherwise the seller's rate applied to the price.
func Commission(l *domain.Lottery, seller *domain.Account) int64 {
	if l.CommissionPerTicket > 0 {
		return l.CommissionPerTicket
	}
	if seller == nil || seller.CommissionRate.IsZero() {
		return 0
	}
	return decimal.NewFromInt(l.TicketPrice).Mul(seller.CommissionRate).Floor().IntPart()
}

// allocate claims the numbers in one unit together with the sold counter
// and the exhaustion check, or ticket by ticket when st has no units.
func (s *Service) allocate(ctx context.Context, st store.Store, a allocation) (*allocated, error) {
	var out *allocated
	err := st.Atomic(ctx, func(ctx context.Context, tx store.Store) error {
		l, err := getLottery(ctx, tx, a.lotteryID)
		if err != nil {
			return err
		}
		if err := a.run(ctx, tx); err != nil {
			return err
		}
		next, err := candidates(ctx, tx, l, a)
		if err != nil {
			return err
		}

		var tickets []domain.Ticket
		for len(tickets) < a.want() {
			n, ok := next()
			if !ok {
				return domain.State("lottery %d is sold out", l.ID)
			}
			t, inserted, err := insert(ctx, tx, a, n)
			if err != nil {
				return err
			}
			if !inserted {
				if len(a.numbers) > 0 {
					return domain.Conflict("ticket %d is already sold", n)
				}
				continue
			}
			tickets = append(tickets, *t)
		}

		if _, err := tx.AddSold(ctx, l.ID, len(tickets)); err != nil {
			return soldErr(l.ID, err)
		}
		ended, err := s.endIfExhausted(ctx, tx, l.ID)
		if err != nil {
			return err
		}
		out = &allocated{tickets: tickets, ended: ended}
		return nil
	})
	if errors.Is(err, store.ErrAtomicityUnavailable) {
		return s.allocateDetached(ctx, st, a)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// allocateDetached claims one number at a time: conditional insert, then
// conditional counter increment. A refused increment voids the ticket, and
// a failure part way through releases every ticket already claimed.
func (s *Service) allocateDetached(ctx context.Context, st store.Store, a allocation) (*allocated, error) {
	l, err := getLottery(ctx, st, a.lotteryID)
	if err != nil {
		return nil, err
	}
	if err := a.run(ctx, st); err != nil {
		return nil, err
	}
	next, err := candidates(ctx, st, l, a)
	if err != nil {
		return nil, err
	}

	var held []domain.Ticket
	fail := func(cause error) (*allocated, error) {
		s.release(ctx, st, l.ID, held)
		return nil, cause
	}
	for len(held) < a.want() {
		n, ok := next()
		if !ok {
			return fail(domain.State("lottery %d is sold out", l.ID))
		}
		t, inserted, err := insert(ctx, st, a, n)
		if err != nil {
			return fail(err)
		}
		if !inserted {
			if len(a.numbers) > 0 {
				return fail(domain.Conflict("ticket %d is already sold", n))
			}
			continue
		}
		if _, err := st.AddSold(ctx, l.ID, 1); err != nil {
			s.void(ctx, st, t)
			return fail(soldErr(l.ID, err))
		}
		held = append(held, *t)
	}

	ended, err := s.endIfExhausted(ctx, st, l.ID)
	if err != nil {
		// The sale stands; the next sale or an admin force-end closes the lottery.
		s.logger.Warn("lottery: exhaustion check failed", zap.Int64("lottery_id", l.ID), zap.Error(err))
	}
	return &allocated{tickets: held, ended: ended}, nil
}

func (s *Service) void(ctx context.Context, st store.Store, t *domain.Ticket) {
	if err := st.VoidTicket(ctx, t.ID, s.now().UTC()); err != nil {
		s.logger.Error("lottery: failed to void ticket, manual reconciliation required",
			zap.Int64("lottery_id", t.LotteryID),
			zap.Int64("ticket_id", t.ID),
			zap.Int("ticket_number", t.TicketNumber),
			zap.Error(err))
	}
}

func (s *Service) release(ctx context.Context, st store.Store, lotteryID int64, held []domain.Ticket) {
	if len(held) == 0 {
		return
	}
	for i := range held {
		s.void(ctx, st, &held[i])
	}
	if err := st.ReleaseSold(ctx, lotteryID, len(held)); err != nil {
		s.logger.Error("lottery: failed to release sold count, manual reconciliation required",
			zap.Int64("lottery_id", lotteryID), zap.Int("tickets", len(held)), zap.Error(err))
	}
}

func insert(ctx context.Context, st store.Store, a allocation, number int) (*domain.Ticket, bool, error) {
	t := a.build(number)
	inserted, err := st.InsertTicketIfAbsent(ctx, t)
	if err != nil {
		return nil, false, domain.StoreFailure("insert ticket", err)
	}
	return t, inserted, nil
}

// candidates yields the numbers to try in order. Explicit numbers are tried
// in ascending order so concurrent multi-number claims lock rows in the same
// order. Auto numbers start after the sold count, run to the end of the
// range and wrap, skipping numbers already known to be sold; the conditional
// insert still decides every claim.
func candidates(ctx context.Context, st store.Store, l *domain.Lottery, a allocation) (func() (int, bool), error) {
	if len(a.numbers) > 0 {
		numbers := slices.Clone(a.numbers)
		slices.Sort(numbers)
		i := 0
		return func() (int, bool) {
			if i >= len(numbers) {
				return 0, false
			}
			i++
			return numbers[i-1], true
		}, nil
	}

	sold, err := st.SoldNumbers(ctx, l.ID)
	if err != nil {
		return nil, domain.StoreFailure("list sold numbers", err)
	}
	taken := make(map[int]bool, len(sold))
	for _, n := range sold {
		taken[n] = true
	}
	start := l.TicketsSold % l.TicketCount
	step := 0
	return func() (int, bool) {
		for step < l.TicketCount {
			n := (start+step)%l.TicketCount + 1
			step++
			if !taken[n] {
				return n, true
			}
		}
		return 0, false
	}, nil
}

func soldErr(lotteryID int64, err error) error {
	if errors.Is(err, store.ErrNoMatch) {
		return domain.State("lottery %d is not accepting sales", lotteryID)
	}
	return domain.StoreFailure("increment sold count", err)
}
