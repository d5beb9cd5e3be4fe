package ledger

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/punchamoorthee/ticketledger/internal/audit"
	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/metrics"
	"github.com/punchamoorthee/ticketledger/internal/store"
)

// Submit records a deposit or withdrawal that waits for manual review. The
// balance does not move until Settle approves it.
func (s *Service) Submit(ctx context.Context, req Request) (*domain.Transaction, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.Kind != domain.TxDeposit && req.Kind != domain.TxWithdraw {
		return nil, domain.Validation("only deposits and withdrawals can be submitted for review")
	}
	if req.Step != nil {
		return nil, domain.Validation("reviewed transactions cannot carry a composite step")
	}

	if _, err := s.store.GetAccount(ctx, req.AccountID); err != nil {
		return nil, accountErr(req.AccountID, err)
	}
	t := &domain.Transaction{
		AccountID:      req.AccountID,
		Kind:           req.Kind,
		Amount:         req.Amount,
		Status:         domain.TxPending,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateTransaction(ctx, t); err != nil {
		return nil, transactionErr(req.IdempotencyKey, err)
	}
	return t, nil
}

// Settle applies (approve) or rejects an existing pending transaction.
func (s *Service) Settle(ctx context.Context, txID int64, approve bool, actorID int64) (*Result, error) {
	if txID <= 0 {
		return nil, domain.Validation("transaction id is required")
	}

	path := "atomic"
	res, err := s.settleAtomic(ctx, txID, approve)
	if errors.Is(err, store.ErrAtomicityUnavailable) {
		path = "saga"
		res, err = s.settleSaga(ctx, txID, approve)
	}
	if err != nil && domain.KindOf(err) == domain.KindUnknown {
		err = domain.StoreFailure("settle failed", err)
	}
	kind := "unknown"
	if res != nil {
		kind = string(res.Transaction.Kind)
	}
	metrics.RecordLedger(kind, path, resultLabel(err))
	if err != nil {
		return nil, err
	}

	s.logger.Info("ledger: settled",
		zap.Int64("transaction_id", txID),
		zap.Bool("approved", approve),
		zap.Int64("balance", res.Balance),
		zap.String("path", path))
	s.audit.Record(ctx, audit.Event{
		Action:   audit.ActionLedgerSettled,
		ActorID:  actorID,
		EntityID: txID,
		Fields: map[string]any{
			"account_id": res.Transaction.AccountID,
			"status":     string(res.Transaction.Status),
			"balance":    res.Balance,
		},
	})
	return res, nil
}

func pendingTransaction(t *domain.Transaction) error {
	if t.Status != domain.TxPending {
		return domain.State("transaction %d is already %s", t.ID, t.Status)
	}
	return nil
}

func (s *Service) settleAtomic(ctx context.Context, txID int64, approve bool) (*Result, error) {
	var res *Result
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.Store) error {
		t, err := tx.GetTransaction(ctx, txID)
		if err != nil {
			return txErr(txID, err)
		}
		if err := pendingTransaction(t); err != nil {
			return err
		}
		acc, err := tx.LockAccount(ctx, t.AccountID)
		if err != nil {
			return accountErr(t.AccountID, err)
		}

		now := s.now().UTC()
		if !approve {
			if err := tx.CompleteTransaction(ctx, t.ID, domain.TxRejected, acc.Balance, now); err != nil {
				return completeErr(t.ID, err)
			}
			t.Status, t.BalanceAfter, t.CompletedAt = domain.TxRejected, acc.Balance, &now
			res = &Result{Transaction: t, Balance: acc.Balance}
			return nil
		}

		next := acc.Balance + t.Kind.Signed(t.Amount)
		if next < 0 {
			return domain.InsufficientFunds(acc.ID, acc.Balance, t.Amount)
		}
		if err := tx.SetBalance(ctx, acc.ID, next); err != nil {
			return domain.StoreFailure("update balance", err)
		}
		if err := tx.CompleteTransaction(ctx, t.ID, domain.TxCompleted, next, now); err != nil {
			return completeErr(t.ID, err)
		}
		t.Status, t.BalanceAfter, t.CompletedAt = domain.TxCompleted, next, &now
		res = &Result{Transaction: t, Balance: next}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// settleSaga claims the pending transaction with a conditional write before
// any money moves, so only one settle can act on it. The claim shows up as an
// open saga until the transaction is completed.
func (s *Service) settleSaga(ctx context.Context, txID int64, approve bool) (*Result, error) {
	t, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, txErr(txID, err)
	}
	if err := pendingTransaction(t); err != nil {
		return nil, err
	}
	if err := s.store.ClaimPending(ctx, t.ID); err != nil {
		if errors.Is(err, store.ErrNoMatch) {
			return nil, domain.Conflict("transaction %d is being settled concurrently", t.ID)
		}
		return nil, domain.StoreFailure("claim transaction", err)
	}

	now := s.now().UTC()
	if !approve {
		acc, err := s.store.GetAccount(ctx, t.AccountID)
		if err != nil {
			s.releaseClaim(ctx, t.ID)
			return nil, accountErr(t.AccountID, err)
		}
		if err := s.store.CompleteTransaction(ctx, t.ID, domain.TxRejected, acc.Balance, now); err != nil {
			s.releaseClaim(ctx, t.ID)
			return nil, completeErr(t.ID, err)
		}
		s.closeClaim(ctx, t)
		t.Status, t.BalanceAfter, t.CompletedAt = domain.TxRejected, acc.Balance, &now
		return &Result{Transaction: t, Balance: acc.Balance}, nil
	}

	delta := t.Kind.Signed(t.Amount)
	balance, err := s.move(ctx, t.AccountID, delta)
	if err != nil {
		s.releaseClaim(ctx, t.ID)
		if errors.Is(err, store.ErrNoMatch) {
			current := int64(0)
			if acc, gerr := s.store.GetAccount(ctx, t.AccountID); gerr == nil {
				current = acc.Balance
			}
			return nil, domain.InsufficientFunds(t.AccountID, current, t.Amount)
		}
		return nil, accountErr(t.AccountID, err)
	}

	if err := s.store.CompleteTransaction(ctx, t.ID, domain.TxCompleted, balance, now); err != nil {
		if _, rerr := s.move(ctx, t.AccountID, -delta); rerr != nil {
			// the claim stays open so the open saga report surfaces it
			s.logger.Error("ledger: settle reversal failed, manual reconciliation required",
				zap.Int64("transaction_id", t.ID), zap.Int64("account_id", t.AccountID), zap.Error(rerr))
			return nil, domain.StoreFailure("settle reversal failed", errors.Join(ErrCompensationFailed, err, rerr))
		}
		s.releaseClaim(ctx, t.ID)
		return nil, completeErr(t.ID, err)
	}
	s.closeClaim(ctx, t)
	t.Status, t.BalanceAfter, t.CompletedAt = domain.TxCompleted, balance, &now
	return &Result{Transaction: t, Balance: balance}, nil
}

// releaseClaim returns an untouched pending transaction to the review queue.
func (s *Service) releaseClaim(ctx context.Context, txID int64) {
	if err := s.store.SetSagaState(ctx, txID, domain.SagaNone); err != nil {
		s.logger.Warn("ledger: failed to release settle claim", zap.Int64("transaction_id", txID), zap.Error(err))
	}
}

func (s *Service) closeClaim(ctx context.Context, t *domain.Transaction) {
	if err := s.store.SetSagaState(ctx, t.ID, domain.SagaDone); err != nil {
		s.logger.Warn("ledger: failed to close settle claim", zap.Int64("transaction_id", t.ID), zap.Error(err))
		return
	}
	t.SagaState = domain.SagaDone
}

func txErr(txID int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.NotFound("transaction %d not found", txID)
	}
	return domain.StoreFailure("transaction access failed", err)
}

func completeErr(txID int64, err error) error {
	if errors.Is(err, store.ErrNoMatch) {
		return domain.Conflict("transaction %d was settled concurrently", txID)
	}
	return domain.StoreFailure("complete transaction", err)
}
