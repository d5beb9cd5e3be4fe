// Package store defines the persistence contract the core services run on.
//
// Every mutation of a shared resource (a lottery's sold counter and status,
// a ticket number, an account balance) is a conditional single-row write.
// Multi-row atomicity is optional: Atomic returns ErrAtomicityUnavailable
// when the backing store cannot provide it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/ticketledger/internal/domain"
)

var (
	// ErrAtomicityUnavailable is returned by Atomic when multi-write units are
	// not supported. Services fall back to their non-atomic paths.
	ErrAtomicityUnavailable = errors.New("store: atomic units unavailable")
	ErrNotFound             = errors.New("store: not found")
	// ErrNoMatch means a conditional write found no row satisfying its condition.
	ErrNoMatch      = errors.New("store: condition not met")
	ErrDuplicateKey = errors.New("store: duplicate key")
)

// UnitFunc runs inside an atomic unit. tx must be used for every read and
// write that belongs to the unit.
type UnitFunc func(ctx context.Context, tx Store) error

type Lotteries interface {
	CreateLottery(ctx context.Context, l *domain.Lottery) error
	GetLottery(ctx context.Context, id int64) (*domain.Lottery, error)
	// AddSold adds n to tickets_sold only if the lottery is active and the
	// result stays within ticket_count. Returns the updated lottery.
	AddSold(ctx context.Context, lotteryID int64, n int) (*domain.Lottery, error)
	// ReleaseSold takes back n previously added sales whose tickets were voided.
	ReleaseSold(ctx context.Context, lotteryID int64, n int) error
	// EndIfExhausted moves an active lottery with tickets_sold == ticket_count
	// to ended. Reports whether this call performed the transition.
	EndIfExhausted(ctx context.Context, lotteryID int64, at time.Time) (bool, error)
	// TransitionStatus moves the lottery from one status to another only if
	// it is currently in from.
	TransitionStatus(ctx context.Context, lotteryID int64, from, to domain.LotteryStatus, at time.Time) error
	// SetWinningNumbers stores the winning numbers. With onlyIfUnset it
	// fails with ErrNoMatch when numbers were already stored.
	SetWinningNumbers(ctx context.Context, lotteryID int64, numbers []int, onlyIfUnset bool) error
}

type Tickets interface {
	// InsertTicketIfAbsent creates t unless a non-voided paid ticket already
	// holds (t.LotteryID, t.TicketNumber). Reports whether t was inserted and
	// sets t.ID when it was.
	InsertTicketIfAbsent(ctx context.Context, t *domain.Ticket) (bool, error)
	VoidTicket(ctx context.Context, ticketID int64, at time.Time) error
	// SoldNumbers returns the numbers of non-voided paid tickets, ascending.
	SoldNumbers(ctx context.Context, lotteryID int64) ([]int, error)
	PaidTickets(ctx context.Context, lotteryID int64) ([]domain.Ticket, error)
	// ResetOutcomes returns every paid ticket of the lottery to sold.
	ResetOutcomes(ctx context.Context, lotteryID int64) error
	MarkWinner(ctx context.Context, ticketID int64, rank int) error
	// MarkLosers moves the remaining sold tickets of the lottery to lost.
	MarkLosers(ctx context.Context, lotteryID int64) error
	// UpsertBuyer returns the buyer with the given phone, creating it if needed.
	UpsertBuyer(ctx context.Context, name, phone string) (*domain.Buyer, error)
}

type Accounts interface {
	CreateAccount(ctx context.Context, a *domain.Account) error
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	// LockAccount reads the account and holds it for the rest of the unit.
	LockAccount(ctx context.Context, id int64) (*domain.Account, error)
	SetBalance(ctx context.Context, id int64, balance int64) error
	// DebitIfSufficient subtracts amount only if balance >= amount and
	// returns the new balance. ErrNoMatch means insufficient funds.
	DebitIfSufficient(ctx context.Context, id int64, amount int64) (int64, error)
	Credit(ctx context.Context, id int64, amount int64) (int64, error)
}

type Transactions interface {
	// CreateTransaction inserts t and sets t.ID. A reused idempotency key
	// yields ErrDuplicateKey.
	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	TransactionByKey(ctx context.Context, key string) (*domain.Transaction, error)
	// CompleteTransaction finalizes a pending transaction. ErrNoMatch when it
	// is no longer pending.
	CompleteTransaction(ctx context.Context, id int64, status domain.TxStatus, balanceAfter int64, at time.Time) error
	SetSagaState(ctx context.Context, id int64, state domain.SagaState) error
	// ClaimPending marks a pending transaction with no saga state as open.
	// ErrNoMatch when it is no longer pending or another caller holds it.
	ClaimPending(ctx context.Context, id int64) error
	ListTransactions(ctx context.Context, accountID int64) ([]domain.Transaction, error)
	// OpenSagas lists forward debits still open that were created before the cutoff.
	OpenSagas(ctx context.Context, before time.Time) ([]domain.Transaction, error)
}

// Store is the full persistence contract.
type Store interface {
	Lotteries
	Tickets
	Accounts
	Transactions

	// Atomic runs fn in a multi-write unit: every write made through tx
	// commits together or not at all. Nested calls join the outer unit.
	Atomic(ctx context.Context, fn UnitFunc) error
}
