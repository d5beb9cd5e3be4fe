// Package ledger applies balance mutations together with their transaction
// records.
//
// When the store offers multi-write units, the balance write, the
// transaction record and an optional composite step commit together. When it
// does not, Apply runs a saga: a conditional debit (the forward step) and, if
// the composite step fails, a compensating credit recorded as its own
// transaction. A compensating credit is applied at most once per forward
// transaction; its idempotency key is derived from the forward transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/ticketledger/internal/audit"
	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/logging"
	"github.com/punchamoorthee/ticketledger/internal/metrics"
	"github.com/punchamoorthee/ticketledger/internal/store"
)

// ErrCompensationFailed marks a saga whose compensating credit could not be
// applied. The account needs manual reconciliation; the credit is never
// retried automatically.
var ErrCompensationFailed = errors.New("ledger: compensating credit failed, manual reconciliation required")

// Step is work that must commit or fail together with a balance change.
// tx is the unit's store on the atomic path and the plain store on the saga
// path; t is the transaction being applied.
type Step func(ctx context.Context, tx store.Store, t *domain.Transaction) (any, error)

type Request struct {
	AccountID      int64
	Kind           domain.TxKind
	Amount         int64
	IdempotencyKey string
	Metadata       map[string]string
	ActorID        int64
	Step           Step
}

type Result struct {
	Transaction *domain.Transaction
	Balance     int64
	StepResult  any
	// Replayed is set when the idempotency key matched a completed transaction.
	Replayed bool
}

type Service struct {
	store  store.Store
	audit  audit.Sink
	logger *zap.Logger
	now    func() time.Time
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

func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		audit:  audit.Nop(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validate(req Request) error {
	var problems []string
	if req.AccountID <= 0 {
		problems = append(problems, "account id is required")
	}
	if !req.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown transaction kind %q", req.Kind))
	}
	if req.Amount <= 0 {
		problems = append(problems, "amount must be positive")
	}
	if strings.HasPrefix(req.IdempotencyKey, compensationPrefix) {
		problems = append(problems, "idempotency key uses a reserved prefix")
	}
	if len(problems) > 0 {
		return domain.Validation("invalid ledger request", problems...)
	}
	return nil
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return domain.KindOf(err).String()
}

// Apply moves Amount into or out of the account and records the
// transaction. On success the returned Balance equals
// Transaction.BalanceAfter.
func (s *Service) Apply(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		metrics.RecordLedger(string(req.Kind), "none", resultLabel(err))
		return nil, err
	}

	if req.IdempotencyKey != "" {
		res, err := s.replay(ctx, req)
		if res != nil || err != nil {
			metrics.RecordLedger(string(req.Kind), "replay", resultLabel(err))
			return res, err
		}
	}

	path := "atomic"
	res, err := s.applyAtomic(ctx, req)
	if errors.Is(err, store.ErrAtomicityUnavailable) {
		path = "saga"
		res, err = s.applySaga(ctx, req)
	}
	if err != nil && domain.KindOf(err) == domain.KindUnknown {
		err = domain.StoreFailure("ledger apply failed", err)
	}
	metrics.RecordLedger(string(req.Kind), path, resultLabel(err))
	if err != nil {
		return nil, err
	}

	s.logger.Info("ledger: applied",
		zap.Int64("account_id", req.AccountID),
		zap.Int64("transaction_id", res.Transaction.ID),
		zap.String("kind", string(req.Kind)),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance", res.Balance),
		zap.String("path", path))
	s.audit.Record(ctx, audit.Event{
		Action:   audit.ActionLedgerCommitted,
		ActorID:  req.ActorID,
		EntityID: res.Transaction.ID,
		Fields: map[string]any{
			"account_id":    req.AccountID,
			"kind":          string(req.Kind),
			"amount":        req.Amount,
			"balance_after": res.Balance,
			"path":          path,
		},
	})
	return res, nil
}

// replay resolves a request whose idempotency key was seen before. It
// returns (nil, nil) for a new key.
func (s *Service) replay(ctx context.Context, req Request) (*Result, error) {
	prev, err := s.store.TransactionByKey(ctx, req.IdempotencyKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.StoreFailure("idempotency lookup failed", err)
	}
	if prev.AccountID != req.AccountID || prev.Kind != req.Kind || prev.Amount != req.Amount {
		return nil, domain.Conflict("idempotency key %q reused with a different request", req.IdempotencyKey)
	}
	switch {
	case prev.Status == domain.TxPending:
		return nil, domain.Conflict("request %q is in progress", req.IdempotencyKey)
	case prev.Status == domain.TxRejected:
		return nil, domain.Conflict("request %q was rejected", req.IdempotencyKey)
	case prev.SagaState == domain.SagaCompensated || prev.SagaState == domain.SagaCompensationFailed:
		return nil, domain.Conflict("request %q failed and was reversed", req.IdempotencyKey)
	case prev.SagaState == domain.SagaOpen:
		return nil, domain.Conflict("request %q is in progress", req.IdempotencyKey)
	}
	return &Result{Transaction: prev, Balance: prev.BalanceAfter, Replayed: true}, nil
}

func (s *Service) applyAtomic(ctx context.Context, req Request) (*Result, error) {
	var res *Result
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.Store) error {
		acc, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return accountErr(req.AccountID, err)
		}

		next := acc.Balance + req.Kind.Signed(req.Amount)
		if next < 0 {
			return domain.InsufficientFunds(acc.ID, acc.Balance, req.Amount)
		}
		if err := tx.SetBalance(ctx, acc.ID, next); err != nil {
			return domain.StoreFailure("update balance", err)
		}

		now := s.now().UTC()
		t := &domain.Transaction{
			AccountID:      acc.ID,
			Kind:           req.Kind,
			Amount:         req.Amount,
			BalanceAfter:   next,
			Status:         domain.TxCompleted,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CreatedAt:      now,
			CompletedAt:    &now,
		}
		if err := tx.CreateTransaction(ctx, t); err != nil {
			return transactionErr(req.IdempotencyKey, err)
		}

		res = &Result{Transaction: t, Balance: next}
		if req.Step != nil {
			out, err := req.Step(ctx, tx, t)
			if err != nil {
				return err
			}
			res.StepResult = out
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) applySaga(ctx context.Context, req Request) (*Result, error) {
	acc, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, accountErr(req.AccountID, err)
	}

	// The intent is recorded before the balance moves so that a crash
	// between the two leaves an open saga for reconciliation.
	t := &domain.Transaction{
		AccountID:      acc.ID,
		Kind:           req.Kind,
		Amount:         req.Amount,
		Status:         domain.TxPending,
		IdempotencyKey: req.IdempotencyKey,
		SagaState:      domain.SagaOpen,
		Metadata:       req.Metadata,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateTransaction(ctx, t); err != nil {
		return nil, transactionErr(req.IdempotencyKey, err)
	}

	balance, err := s.move(ctx, acc.ID, req.Kind.Signed(req.Amount))
	if err != nil {
		s.reject(ctx, t)
		if errors.Is(err, store.ErrNoMatch) {
			current := acc.Balance
			if fresh, gerr := s.store.GetAccount(ctx, acc.ID); gerr == nil {
				current = fresh.Balance
			}
			return nil, domain.InsufficientFunds(acc.ID, current, req.Amount)
		}
		return nil, accountErr(acc.ID, err)
	}

	now := s.now().UTC()
	if err := s.store.CompleteTransaction(ctx, t.ID, domain.TxCompleted, balance, now); err != nil {
		// The balance moved but the record did not; the open saga is the trail.
		s.logger.Error("ledger: balance moved but transaction not completed, manual reconciliation required",
			zap.Int64("account_id", acc.ID), zap.Int64("transaction_id", t.ID), zap.Error(err))
		return nil, domain.StoreFailure("complete transaction", err)
	}
	t.Status = domain.TxCompleted
	t.BalanceAfter = balance
	t.CompletedAt = &now

	res := &Result{Transaction: t, Balance: balance}
	if req.Step != nil {
		out, stepErr := req.Step(ctx, s.store, t)
		if stepErr != nil {
			return nil, s.compensate(ctx, t, req.ActorID, stepErr)
		}
		res.StepResult = out
	}

	if err := s.store.SetSagaState(ctx, t.ID, domain.SagaDone); err != nil {
		s.logger.Warn("ledger: failed to close saga", zap.Int64("transaction_id", t.ID), zap.Error(err))
	} else {
		t.SagaState = domain.SagaDone
	}
	return res, nil
}

// move applies delta with a single conditional write and returns the new balance.
func (s *Service) move(ctx context.Context, accountID, delta int64) (int64, error) {
	if delta < 0 {
		return s.store.DebitIfSufficient(ctx, accountID, -delta)
	}
	return s.store.Credit(ctx, accountID, delta)
}

func (s *Service) reject(ctx context.Context, t *domain.Transaction) {
	if err := s.store.CompleteTransaction(ctx, t.ID, domain.TxRejected, 0, s.now().UTC()); err != nil {
		s.logger.Warn("ledger: failed to reject transaction", zap.Int64("transaction_id", t.ID), zap.Error(err))
	}
	if err := s.store.SetSagaState(ctx, t.ID, domain.SagaDone); err != nil {
		s.logger.Warn("ledger: failed to close saga", zap.Int64("transaction_id", t.ID), zap.Error(err))
	}
}

const compensationPrefix = "compensate:"

func compensationKey(forward *domain.Transaction) string {
	return fmt.Sprintf("%s%d", compensationPrefix, forward.ID)
}

func compensationKind(forward domain.TxKind) domain.TxKind {
	if forward.IsDebit() {
		return domain.TxRefund
	}
	return domain.TxWithdraw
}

// compensate reverses a completed forward transaction after its composite
// step failed. It returns cause when the reversal succeeded and a fatal
// error wrapping ErrCompensationFailed when it did not.
func (s *Service) compensate(ctx context.Context, forward *domain.Transaction, actorID int64, cause error) error {
	logger := s.logger.With(
		zap.Int64("account_id", forward.AccountID),
		zap.Int64("transaction_id", forward.ID),
		zap.NamedError("cause", cause))

	ct := &domain.Transaction{
		AccountID:      forward.AccountID,
		Kind:           compensationKind(forward.Kind),
		Amount:         forward.Amount,
		Status:         domain.TxPending,
		IdempotencyKey: compensationKey(forward),
		CompensatesID:  &forward.ID,
		Metadata:       map[string]string{"reason": cause.Error()},
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateTransaction(ctx, ct); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Another attempt already owns the reversal.
			logger.Warn("ledger: compensation already recorded")
			return cause
		}
		return s.compensationFailed(ctx, forward, actorID, cause, err, logger)
	}

	balance, err := s.move(ctx, forward.AccountID, ct.Kind.Signed(ct.Amount))
	if err != nil {
		s.reject(ctx, ct)
		return s.compensationFailed(ctx, forward, actorID, cause, err, logger)
	}
	if err := s.store.CompleteTransaction(ctx, ct.ID, domain.TxCompleted, balance, s.now().UTC()); err != nil {
		return s.compensationFailed(ctx, forward, actorID, cause, err, logger)
	}
	if err := s.store.SetSagaState(ctx, forward.ID, domain.SagaCompensated); err != nil {
		logger.Warn("ledger: failed to mark saga compensated", zap.Error(err))
	}

	metrics.RecordCompensation("success")
	logger.Warn("ledger: step failed, compensated", zap.Int64("compensation_id", ct.ID), zap.Int64("balance", balance))
	s.audit.Record(ctx, audit.Event{
		Action:   audit.ActionLedgerCompensated,
		ActorID:  actorID,
		EntityID: ct.ID,
		Fields: map[string]any{
			"account_id":    forward.AccountID,
			"compensates":   forward.ID,
			"amount":        forward.Amount,
			"balance_after": balance,
		},
	})
	return cause
}

func (s *Service) compensationFailed(ctx context.Context, forward *domain.Transaction, actorID int64, cause, err error, logger *zap.Logger) error {
	metrics.RecordCompensation("failed")
	if serr := s.store.SetSagaState(ctx, forward.ID, domain.SagaCompensationFailed); serr != nil {
		logger.Error("ledger: failed to flag saga", zap.Error(serr))
	}
	logger.Error("ledger: compensating credit failed, manual reconciliation required", zap.Error(err))
	s.audit.Record(ctx, audit.Event{
		Action:   audit.ActionLedgerCompensated,
		ActorID:  actorID,
		EntityID: forward.ID,
		Fields: map[string]any{
			"account_id": forward.AccountID,
			"amount":     forward.Amount,
			"failed":     true,
		},
	})
	return domain.StoreFailure("compensation failed", errors.Join(ErrCompensationFailed, cause, err))
}

func accountErr(accountID int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.NotFound("account %d not found", accountID)
	}
	return domain.StoreFailure("account access failed", err)
}

func transactionErr(key string, err error) error {
	if errors.Is(err, store.ErrDuplicateKey) {
		return domain.Conflict("request %q is in progress", key)
	}
	return domain.StoreFailure("record transaction", err)
}
