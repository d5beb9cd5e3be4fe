package api

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ticketledger/internal/auth"
	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/ledger"
)

type openAccountRequest struct {
	Role           domain.Role     `json:"role"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
}

type transactionRequest struct {
	Kind     domain.TxKind     `json:"kind"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

type settleRequest struct {
	Approve bool `json:"approve"`
}

type ledgerResponse struct {
	Transaction *domain.Transaction `json:"transaction"`
	Balance     int64               `json:"balance"`
	Replayed    bool                `json:"replayed,omitempty"`
}

func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r, auth.OpOpenAccount); !ok {
		return
	}
	var req openAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleUser
	}

	acc, err := h.ledger.OpenAccount(r.Context(), req.Role, req.CommissionRate)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusCreated, acc)
}

// accountCaller checks op and that the caller may see the account in the path.
func (h *Handler) accountCaller(w http.ResponseWriter, r *http.Request, op auth.Operation) (auth.Identity, int64, bool) {
	caller, ok := h.caller(w, r, op)
	if !ok {
		return auth.Identity{}, 0, false
	}
	accountID, ok := h.pathID(w, r)
	if !ok {
		return auth.Identity{}, 0, false
	}
	if err := auth.RequireSelfOrAdmin(caller, accountID); err != nil {
		h.respondDomainError(w, r, err)
		return auth.Identity{}, 0, false
	}
	return caller, accountID, true
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	_, accountID, ok := h.accountCaller(w, r, auth.OpReadAccount)
	if !ok {
		return
	}

	acc, err := h.ledger.Account(r.Context(), accountID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, acc)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	_, accountID, ok := h.accountCaller(w, r, auth.OpReadAccount)
	if !ok {
		return
	}

	txs, err := h.ledger.History(r.Context(), accountID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	h.respondJSON(w, r, http.StatusOK, txs)
}

// CreateTransaction applies a deposit, withdrawal or refund immediately when
// the caller may apply ledger entries, and otherwise submits a deposit or
// withdrawal for review (202). Purchases only happen through ticket
// purchases.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	caller, accountID, ok := h.accountCaller(w, r, auth.OpSubmitFunds)
	if !ok {
		return
	}
	var body transactionRequest
	if !h.decode(w, r, &body) {
		return
	}
	if body.Kind == domain.TxPurchase {
		h.respondDomainError(w, r, domain.Validation("purchase transactions are created by ticket purchases"))
		return
	}

	req := ledger.Request{
		AccountID:      accountID,
		Kind:           body.Kind,
		Amount:         body.Amount,
		IdempotencyKey: r.Header.Get(headerIdem),
		Metadata:       body.Metadata,
		ActorID:        caller.UserID,
	}

	if !auth.Can(caller.Role, auth.OpApplyLedger) {
		t, err := h.ledger.Submit(r.Context(), req)
		if err != nil {
			h.respondDomainError(w, r, err)
			return
		}
		h.respondJSON(w, r, http.StatusAccepted, ledgerResponse{Transaction: t})
		return
	}

	res, err := h.ledger.Apply(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	h.respondJSON(w, r, code, ledgerResponse{Transaction: res.Transaction, Balance: res.Balance, Replayed: res.Replayed})
}

func (h *Handler) SettleTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r, auth.OpSettle)
	if !ok {
		return
	}
	txID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.ledger.Settle(r.Context(), txID, req.Approve, caller.UserID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, ledgerResponse{Transaction: res.Transaction, Balance: res.Balance})
}
