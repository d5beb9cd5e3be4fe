package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LotteryStatus is the lifecycle state of a lottery. It only moves forward:
// pending -> active -> ended.
type LotteryStatus string

const (
	LotteryPending LotteryStatus = "pending"
	LotteryActive  LotteryStatus = "active"
	LotteryEnded   LotteryStatus = "ended"
)

// Prize is one configured prize slot of a lottery.
type Prize struct {
	Rank  int    `json:"rank"`
	Title string `json:"title"`
}

// Lottery is a fixed inventory of numbered tickets (1..TicketCount).
// TicketsSold never exceeds TicketCount.
type Lottery struct {
	ID                   int64         `json:"id"`
	Title                string        `json:"title"`
	CreatedBy            int64         `json:"created_by"`
	TicketCount          int           `json:"ticket_count"`
	TicketsSold          int           `json:"tickets_sold"`
	TicketPrice          int64         `json:"ticket_price"`
	CommissionPerTicket  int64         `json:"commission_per_ticket"`
	Status               LotteryStatus `json:"status"`
	Prizes               []Prize       `json:"prizes"`
	WinningTicketNumbers []int         `json:"winning_ticket_numbers,omitempty"`
	EndedAt              *time.Time    `json:"ended_at,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
}

// Remaining reports how many ticket numbers are still unsold.
func (l *Lottery) Remaining() int {
	return l.TicketCount - l.TicketsSold
}

// HasPrizeRank reports whether rank is one of the configured prize ranks.
func (l *Lottery) HasPrizeRank(rank int) bool {
	for _, p := range l.Prizes {
		if p.Rank == rank {
			return true
		}
	}
	return false
}

type PaymentState string

const (
	PaymentPending PaymentState = "pending"
	PaymentPaid    PaymentState = "paid"
)

type TicketState string

const (
	TicketSold   TicketState = "sold"
	TicketWinner TicketState = "winner"
	TicketLost   TicketState = "lost"
)

// Ticket is one sold ticket number. For a given (LotteryID, TicketNumber) at
// most one non-voided ticket is ever paid.
type Ticket struct {
	ID            int64        `json:"id"`
	LotteryID     int64        `json:"lottery_id"`
	TicketNumber  int          `json:"ticket_number"`
	Code          string       `json:"code"`
	BuyerID       *int64       `json:"buyer_id,omitempty"`
	AccountID     *int64       `json:"account_id,omitempty"`
	SellerID      int64        `json:"seller_id"`
	Price         int64        `json:"price"`
	Commission    int64        `json:"commission"`
	PaymentState  PaymentState `json:"payment_state"`
	State         TicketState  `json:"state"`
	WinnerRank    *int         `json:"winner_rank,omitempty"`
	TransactionID *int64       `json:"transaction_id,omitempty"`
	VoidedAt      *time.Time   `json:"voided_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Buyer is a walk-in customer identified by phone number.
type Buyer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
	RoleUser  Role = "user"
)

// Account represents a user's balance in the ledger. Balance is in minor
// units and never negative.
type Account struct {
	ID             int64           `json:"id"`
	Balance        int64           `json:"balance"`
	Role           Role            `json:"role"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	CreatedAt      time.Time       `json:"created_at"`
}

type TxKind string

const (
	TxDeposit  TxKind = "deposit"
	TxWithdraw TxKind = "withdraw"
	TxPurchase TxKind = "purchase"
	TxRefund   TxKind = "refund"
)

// Valid reports whether k is a known transaction kind.
func (k TxKind) Valid() bool {
	switch k {
	case TxDeposit, TxWithdraw, TxPurchase, TxRefund:
		return true
	}
	return false
}

// IsDebit reports whether k takes money out of the account.
func (k TxKind) IsDebit() bool {
	return k == TxWithdraw || k == TxPurchase
}

// Signed returns amount with the sign k applies to a balance.
func (k TxKind) Signed(amount int64) int64 {
	if k.IsDebit() {
		return -amount
	}
	return amount
}

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxRejected  TxStatus = "rejected"
)

// SagaState tracks a debit applied without a multi-write unit.
type SagaState string

const (
	SagaNone               SagaState = ""
	SagaOpen               SagaState = "open"
	SagaDone               SagaState = "done"
	SagaCompensated        SagaState = "compensated"
	SagaCompensationFailed SagaState = "compensation_failed"
)

// Transaction is the audit record of one balance mutation. BalanceAfter is
// the account balance immediately after a completed transaction was applied.
type Transaction struct {
	ID             int64             `json:"id"`
	AccountID      int64             `json:"account_id"`
	Kind           TxKind            `json:"kind"`
	Amount         int64             `json:"amount"`
	BalanceAfter   int64             `json:"balance_after"`
	Status         TxStatus          `json:"status"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	SagaState      SagaState         `json:"saga_state,omitempty"`
	CompensatesID  *int64            `json:"compensates_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Winner maps a prize rank to a sold ticket number.
type Winner struct {
	Rank         int `json:"rank"`
	TicketNumber int `json:"ticket_number"`
}
