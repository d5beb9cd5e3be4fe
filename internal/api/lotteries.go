package api

import (
	"context"
	"net/http"

	"github.com/punchamoorthee/ticketledger/internal/auth"
	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/lottery"
)

type createLotteryRequest struct {
	Title               string         `json:"title"`
	TicketCount         int            `json:"ticket_count"`
	TicketPrice         int64          `json:"ticket_price"`
	CommissionPerTicket int64          `json:"commission_per_ticket"`
	Prizes              []domain.Prize `json:"prizes"`
}

type sellRequest struct {
	TicketNumber *int   `json:"ticket_number"`
	BuyerName    string `json:"buyer_name"`
	BuyerPhone   string `json:"buyer_phone"`
}

type sellResponse struct {
	Ticket       domain.Ticket `json:"ticket"`
	SoldNumbers  []int         `json:"sold_numbers"`
	LotteryEnded bool          `json:"lottery_ended"`
}

type purchaseRequest struct {
	AccountID int64 `json:"account_id"`
	Numbers   []int `json:"numbers"`
	Quantity  int   `json:"quantity"`
}

type purchaseResponse struct {
	Tickets      []domain.Ticket     `json:"tickets"`
	Transaction  *domain.Transaction `json:"transaction"`
	Balance      int64               `json:"balance"`
	SoldNumbers  []int               `json:"sold_numbers"`
	LotteryEnded bool                `json:"lottery_ended"`
	Replayed     bool                `json:"replayed"`
}

type winnersRequest struct {
	Winners []domain.Winner `json:"winners"`
}

type winnersResponse struct {
	LotteryID            int64           `json:"lottery_id"`
	WinningTicketNumbers []int           `json:"winning_ticket_numbers"`
	Winners              []domain.Winner `json:"winners,omitempty"`
}

type soldNumbersResponse struct {
	LotteryID   int64 `json:"lottery_id"`
	SoldNumbers []int `json:"sold_numbers"`
}

func (h *Handler) CreateLottery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.caller(w, r, auth.OpCreateLottery)
	if !ok {
		return
	}
	var req createLotteryRequest
	if !h.decode(w, r, &req) {
		return
	}

	l, err := h.lotteries.Create(r.Context(), lottery.CreateRequest{
		Title:               req.Title,
		TicketCount:         req.TicketCount,
		TicketPrice:         req.TicketPrice,
		CommissionPerTicket: req.CommissionPerTicket,
		Prizes:              req.Prizes,
		CreatedBy:           id.UserID,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusCreated, l)
}

func (h *Handler) GetLottery(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r, auth.OpReadLottery); !ok {
		return
	}
	lotteryID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	l, err := h.lotteries.Lottery(r.Context(), lotteryID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, l)
}

func (h *Handler) SoldNumbers(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r, auth.OpReadLottery); !ok {
		return
	}
	lotteryID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	numbers, err := h.lotteries.SoldNumbers(r.Context(), lotteryID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if numbers == nil {
		numbers = []int{}
	}
	h.respondJSON(w, r, http.StatusOK, soldNumbersResponse{LotteryID: lotteryID, SoldNumbers: numbers})
}

func (h *Handler) SellTicket(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.caller(w, r, auth.OpSell)
	if !ok {
		return
	}
	lotteryID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req sellRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.lotteries.Sell(r.Context(), lottery.SellRequest{
		LotteryID:    lotteryID,
		TicketNumber: req.TicketNumber,
		Buyer:        lottery.BuyerInfo{Name: req.BuyerName, Phone: req.BuyerPhone},
		Seller:       seller,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusCreated, sellResponse{
		Ticket:       res.Ticket,
		SoldNumbers:  res.SoldNumbers,
		LotteryEnded: res.LotteryEnded,
	})
}

// Purchase buys tickets against an account balance. Idempotency-Key is
// optional; a repeated key returns the original purchase with 200.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r, auth.OpPurchase)
	if !ok {
		return
	}
	lotteryID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.AccountID == 0 {
		req.AccountID = caller.UserID
	}
	if err := auth.RequireSelfOrAdmin(caller, req.AccountID); err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	res, err := h.lotteries.Purchase(r.Context(), lottery.PurchaseRequest{
		LotteryID:      lotteryID,
		AccountID:      req.AccountID,
		Numbers:        req.Numbers,
		Quantity:       req.Quantity,
		IdempotencyKey: r.Header.Get(headerIdem),
		Caller:         caller,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	h.respondJSON(w, r, code, purchaseResponse{
		Tickets:      res.Tickets,
		Transaction:  res.Transaction,
		Balance:      res.Balance,
		SoldNumbers:  res.SoldNumbers,
		LotteryEnded: res.LotteryEnded,
		Replayed:     res.Replayed,
	})
}

// RegisterWinners records the first registration on POST and replaces an
// existing one on PUT.
func (h *Handler) RegisterWinners(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r, auth.OpRegisterWinners)
	if !ok {
		return
	}
	lotteryID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req winnersRequest
	if !h.decode(w, r, &req) {
		return
	}

	numbers, err := h.lotteries.RegisterWinners(r.Context(), lottery.RegisterRequest{
		LotteryID: lotteryID,
		Caller:    caller,
		Winners:   req.Winners,
		Replace:   r.Method == http.MethodPut,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, winnersResponse{LotteryID: lotteryID, WinningTicketNumbers: numbers})
}

func (h *Handler) ListWinners(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r, auth.OpReadLottery); !ok {
		return
	}
	lotteryID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	winners, err := h.lotteries.Winners(r.Context(), lotteryID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	numbers := make([]int, 0, len(winners))
	for _, wn := range winners {
		numbers = append(numbers, wn.TicketNumber)
	}
	h.respondJSON(w, r, http.StatusOK, winnersResponse{LotteryID: lotteryID, WinningTicketNumbers: numbers, Winners: winners})
}

func (h *Handler) ActivateLottery(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lotteries.Activate)
}

func (h *Handler) EndLottery(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lotteries.ForceEnd)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id, caller int64) (*domain.Lottery, error)) {
	caller, ok := h.caller(w, r, auth.OpManageLottery)
	if !ok {
		return
	}
	lotteryID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	l, err := apply(r.Context(), lotteryID, caller.UserID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, l)
}
